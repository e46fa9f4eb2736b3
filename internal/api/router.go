package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/reviewlens/internal/api/middleware"
	"github.com/kiranshivaraju/reviewlens/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	CreateJobHandler   http.HandlerFunc
	GetJobHandler      http.HandlerFunc
	CollectHandler     http.HandlerFunc
	CreateTasksHandler http.HandlerFunc
	DriveHandler       http.HandlerFunc
	ListTasksHandler   http.HandlerFunc
	ReconcileHandler   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeTrigger))

			r.Post("/jobs", orNotImplemented(deps.CreateJobHandler))
			r.Get("/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
			r.Post("/jobs/{jobID}/collect", orNotImplemented(deps.CollectHandler))
			r.Post("/jobs/{jobID}/tasks", orNotImplemented(deps.CreateTasksHandler))
			r.Post("/jobs/{jobID}/drive", orNotImplemented(deps.DriveHandler))
			r.Get("/jobs/{jobID}/tasks", orNotImplemented(deps.ListTasksHandler))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAdmin))

			r.Post("/reconcile", orNotImplemented(deps.ReconcileHandler))
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
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
