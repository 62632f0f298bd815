package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/internal/api/response"
	"github.com/kiranshivaraju/vidfetch/internal/scheduler"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

// writeServiceError maps scheduler and media errors onto API error codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *scheduler.ValidationError
	var merr *models.MediaError

	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(),
			map[string][]string{verr.Field: {verr.Message}})
	case errors.Is(err, scheduler.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, scheduler.ErrNotCancellable):
		response.Error(w, http.StatusConflict, "JOB_NOT_CANCELLABLE",
			"Job has already finished", nil)
	case errors.Is(err, scheduler.ErrArtifactUnavailable):
		response.Error(w, http.StatusConflict, "ARTIFACT_UNAVAILABLE",
			"Job has no downloadable file", nil)
	case errors.Is(err, scheduler.ErrStopped):
		response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN",
			"The server is shutting down", nil)
	case errors.As(err, &merr):
		writeMediaError(w, merr)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func writeMediaError(w http.ResponseWriter, err *models.MediaError) {
	switch err.Kind {
	case models.ErrorKindNotFound:
		response.Error(w, http.StatusNotFound, "MEDIA_NOT_FOUND", "The video could not be found", nil)
	case models.ErrorKindAuthRequired:
		response.Error(w, http.StatusForbidden, "MEDIA_AUTH_REQUIRED",
			"The video requires platform credentials", nil)
	case models.ErrorKindUnsupported:
		response.Error(w, http.StatusUnprocessableEntity, "MEDIA_UNSUPPORTED", err.Error(), nil)
	case models.ErrorKindTimeout:
		response.Error(w, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT",
			"The platform took too long to respond", nil)
	case models.ErrorKindNetwork:
		response.Error(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE",
			"The platform could not be reached", nil)
	default:
		slog.Error("media request failed", "kind", err.Kind, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", param+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
