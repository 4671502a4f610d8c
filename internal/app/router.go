package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-iam/internal/auth"
	"github.com/odyssey-erp/odyssey-iam/internal/observability"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
	"github.com/odyssey-erp/odyssey-iam/internal/users"
	"github.com/odyssey-erp/odyssey-iam/jobs"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	AuthHandler    *auth.Handler
	UsersHandler   *users.Handler
	RBACHandler    *rbac.Handler
	RBACMiddleware rbac.Middleware
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
	Checks         map[string]HealthCheck
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(params.Checks, params.Logger))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/auth", func(r chi.Router) {
		params.AuthHandler.MountRoutes(r)
		if params.UsersHandler != nil {
			params.UsersHandler.MountAccountRoutes(r, params.AuthHandler.RequireAuth())
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(params.AuthHandler.RequireAuth())
		if params.UsersHandler != nil {
			r.Route("/users", params.UsersHandler.MountRoutes)
		}
		if params.RBACHandler != nil {
			r.Route("/roles", params.RBACHandler.MountRoleRoutes)
			r.Route("/permissions", params.RBACHandler.MountPermissionRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(params.RBACMiddleware.RequireAll(shared.PermAdminAccess))
				params.JobHandler.MountRoutes(r)
			})
		}
	})

	return r
}

func readiness(checks map[string]HealthCheck, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		out := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				out[name] = "unavailable"
				if logger != nil {
					logger.Warn("readiness check", slog.String("dependency", name), slog.Any("error", err))
				}
				continue
			}
			out[name] = "ok"
		}
		httpx.JSON(w, status, out)
	}
}
