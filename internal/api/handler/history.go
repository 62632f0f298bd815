package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/vidfetch/internal/api/middleware"
	"github.com/kiranshivaraju/vidfetch/internal/api/response"
	"github.com/kiranshivaraju/vidfetch/internal/store"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

// HistoryLister pages through the durable download history.
type HistoryLister interface {
	ListHistory(ctx context.Context, filter store.HistoryFilter) ([]*models.HistoryEntry, int, error)
}

// NewHistoryHandler returns an http.HandlerFunc for GET /api/v1/history.
// Admin keys may read another owner's history with ?owner_id=.
func NewHistoryHandler(svc HistoryLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}
		q := r.URL.Query()

		if raw := q.Get("owner_id"); raw != "" {
			if !mw.HasScope(r, mw.ScopeAdmin) {
				response.Error(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions", nil)
				return
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "owner_id must be a UUID", nil)
				return
			}
			owner = id
		}

		state := models.JobState(q.Get("state"))
		if state != "" && !state.IsTerminal() {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
				"state must be one of succeeded, failed, cancelled", nil)
			return
		}

		var since time.Time
		if raw := q.Get("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
					"since must be a valid RFC3339 timestamp", nil)
				return
			}
			since = t
		}

		page, limit := parsePage(q.Get("page"), q.Get("limit"))
		entries, total, err := svc.ListHistory(r.Context(), store.HistoryFilter{
			OwnerID:  owner,
			Platform: q.Get("platform"),
			State:    state,
			Since:    since,
			Page:     page,
			Limit:    limit,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if entries == nil {
			entries = []*models.HistoryEntry{}
		}
		response.Collection(w, entries, response.NewPaginationMeta(page, limit, total))
	}
}
