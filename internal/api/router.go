package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/vidfetch/internal/api/middleware"
	"github.com/kiranshivaraju/vidfetch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	MediaInfoHandler   http.HandlerFunc
	SubmitHandler      http.HandlerFunc
	BatchSubmitHandler http.HandlerFunc
	ListJobsHandler    http.HandlerFunc
	GetJobHandler      http.HandlerFunc
	CancelJobHandler   http.HandlerFunc
	EventsHandler      http.HandlerFunc
	FileHandler        http.HandlerFunc
	StatsHandler       http.HandlerFunc
	FailuresHandler    http.HandlerFunc
	HistoryHandler     http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeJobs))

			r.Post("/api/v1/media/info", orNotImplemented(deps.MediaInfoHandler))

			r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitHandler))
			r.Post("/api/v1/jobs/batch", orNotImplemented(deps.BatchSubmitHandler))
			r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
			r.Delete("/api/v1/jobs/{jobID}", orNotImplemented(deps.CancelJobHandler))
			r.Get("/api/v1/jobs/{jobID}/events", orNotImplemented(deps.EventsHandler))
			r.Get("/api/v1/jobs/{jobID}/file", orNotImplemented(deps.FileHandler))

			r.Get("/api/v1/stats", orNotImplemented(deps.StatsHandler))
			r.Get("/api/v1/stats/failures", orNotImplemented(deps.FailuresHandler))
			r.Get("/api/v1/history", orNotImplemented(deps.HistoryHandler))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
