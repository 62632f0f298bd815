package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/vidfetch/internal/api/middleware"
	"github.com/kiranshivaraju/vidfetch/internal/api/response"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

// MediaResolver looks up stream metadata without creating a job.
type MediaResolver interface {
	Resolve(ctx context.Context, owner uuid.UUID, rawURL, platform string) (*models.StreamInfo, error)
}

// NewMediaInfoHandler returns an http.HandlerFunc for POST /api/v1/media/info.
func NewMediaInfoHandler(svc MediaResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req struct {
			URL      string `json:"url"`
			Platform string `json:"platform"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		info, err := svc.Resolve(r.Context(), owner, req.URL, req.Platform)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, info)
	}
}
