package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/vidfetch/internal/api/middleware"
	"github.com/kiranshivaraju/vidfetch/internal/api/response"
	"github.com/kiranshivaraju/vidfetch/internal/scheduler"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	maxBodyBytes     = 1 << 20
)

// Submitter admits new jobs.
type Submitter interface {
	Submit(ctx context.Context, owner uuid.UUID, req scheduler.SubmitRequest) (*models.Job, error)
	SubmitBatch(ctx context.Context, owner uuid.UUID, reqs []scheduler.SubmitRequest) ([]scheduler.BatchResult, error)
}

// JobReader answers status queries. A uuid.Nil owner sees every job.
type JobReader interface {
	Status(owner, id uuid.UUID) (*models.Job, error)
	List(owner uuid.UUID) []*models.Job
	Stats(owner uuid.UUID) scheduler.Stats
}

// Canceller stops queued or running jobs.
type Canceller interface {
	Cancel(ctx context.Context, owner, id uuid.UUID) (*models.Job, error)
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req scheduler.SubmitRequest
		if !decodeBody(w, r, &req) {
			return
		}

		job, err := svc.Submit(r.Context(), owner, req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.Header().Set("Location", "/api/v1/jobs/"+job.ID.String())
		response.Accepted(w, job)
	}
}

type batchItem struct {
	Index int         `json:"index"`
	Job   *models.Job `json:"job,omitempty"`
	Error *itemError  `json:"error,omitempty"`
}

type itemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// NewBatchSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs/batch.
// Items are admitted independently; the response reports each one.
func NewBatchSubmitHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req struct {
			Jobs []scheduler.SubmitRequest `json:"jobs"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		results, err := svc.SubmitBatch(r.Context(), owner, req.Jobs)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		items := make([]batchItem, len(results))
		for i, res := range results {
			items[i] = batchItem{Index: res.Index, Job: res.Job}
			if res.Err != nil {
				items[i].Error = toItemError(res.Err)
			}
		}
		response.MultiStatus(w, items)
	}
}

func toItemError(err error) *itemError {
	var verr *scheduler.ValidationError
	switch {
	case errors.As(err, &verr):
		return &itemError{Code: "VALIDATION_ERROR", Message: verr.Error(), Field: verr.Field}
	case errors.Is(err, scheduler.ErrStopped):
		return &itemError{Code: "SHUTTING_DOWN", Message: "The server is shutting down"}
	default:
		return &itemError{Code: "INTERNAL_ERROR", Message: "The job could not be admitted"}
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// Supports ?state= and ?platform= filters and page/limit pagination.
func NewListJobsHandler(svc JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		state := models.JobState(q.Get("state"))
		if state != "" && !validState(state) {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
				"state must be one of queued, running, succeeded, failed, cancelled", nil)
			return
		}
		platform := q.Get("platform")
		page, limit := parsePage(q.Get("page"), q.Get("limit"))

		var jobs []*models.Job
		for _, j := range svc.List(mw.ViewerID(r)) {
			if state != "" && j.State != state {
				continue
			}
			if platform != "" && j.Platform != platform {
				continue
			}
			jobs = append(jobs, j)
		}

		total := len(jobs)
		start := (page - 1) * limit
		if start > total {
			start = total
		}
		end := start + limit
		if end > total {
			end = total
		}
		pageJobs := jobs[start:end]
		if pageJobs == nil {
			pageJobs = []*models.Job{}
		}
		response.Collection(w, pageJobs, response.NewPaginationMeta(page, limit, total))
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := svc.Status(mw.ViewerID(r), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
// A queued job is cancelled immediately (200); a running job is asked to stop
// and finishes asynchronously (202).
func NewCancelJobHandler(svc Canceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := svc.Cancel(r.Context(), mw.ViewerID(r), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if job.State == models.JobStateCancelled {
			response.JSON(w, job)
			return
		}
		response.Accepted(w, job)
	}
}

// NewStatsHandler returns an http.HandlerFunc for GET /api/v1/stats.
func NewStatsHandler(svc JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, svc.Stats(mw.ViewerID(r)))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}

func parsePage(pageStr, limitStr string) (int, int) {
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}

func validState(s models.JobState) bool {
	switch s {
	case models.JobStateQueued, models.JobStateRunning, models.JobStateSucceeded,
		models.JobStateFailed, models.JobStateCancelled:
		return true
	}
	return false
}
