package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dealdesk-hq/dealdesk/internal/authz"
	"github.com/dealdesk-hq/dealdesk/internal/observability"
	"github.com/dealdesk-hq/dealdesk/internal/platform/httpx"
	"github.com/dealdesk-hq/dealdesk/internal/shared"
	"github.com/dealdesk-hq/dealdesk/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	AccessHandler  *authz.Handler
	Gate           *authz.Gate
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router for the console gateway.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.AccessHandler != nil {
		r.Route("/api/access", params.AccessHandler.Routes)
	}

	if params.Gate != nil {
		r.Group(func(r chi.Router) {
			r.Use(params.Gate.Require(authz.Options{
				AllowedRoles: []authz.Role{authz.RoleSuperAdmin, authz.RoleOrgAdmin},
			}, authz.CurrentUser))
			r.Get("/api/admin/routes", func(w http.ResponseWriter, r *http.Request) {
				httpx.JSON(w, http.StatusOK, struct {
					Routes []string `json:"routes"`
				}{Routes: authz.KnownRoutes()})
			})
		})
	}

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
