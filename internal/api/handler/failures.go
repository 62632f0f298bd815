package handler

import (
	"net/http"
	"strconv"

	"github.com/kiranshivaraju/vidfetch/internal/analysis"
	mw "github.com/kiranshivaraju/vidfetch/internal/api/middleware"
	"github.com/kiranshivaraju/vidfetch/internal/api/response"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

const defaultFailureClusters = 10

// NewFailuresHandler returns an http.HandlerFunc for GET /api/v1/stats/failures.
// It groups the viewer's tracked failed jobs by normalized error, most
// frequent first. Supports ?platform= and ?limit=.
func NewFailuresHandler(svc JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := defaultFailureClusters
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxPageLimit {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
					"limit must be between 1 and 100", nil)
				return
			}
			limit = n
		}
		platform := q.Get("platform")

		var failed []*models.Job
		for _, j := range svc.List(mw.ViewerID(r)) {
			if j.State != models.JobStateFailed {
				continue
			}
			if platform != "" && j.Platform != platform {
				continue
			}
			failed = append(failed, j)
		}

		clusters := analysis.ClusterFailures(failed)
		if len(clusters) > limit {
			clusters = clusters[:limit]
		}
		response.JSON(w, clusters)
	}
}
