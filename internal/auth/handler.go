package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
	limiter   func(http.Handler) http.Handler
}

// NewHandler constructs a Handler instance. limiter guards the login route and
// may be nil.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, limiter func(http.Handler) http.Handler) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		rbac:      rbac,
		validator: validator.New(),
		limiter:   limiter,
	}
}

// RequireAuth returns the bearer authentication middleware backed by the service.
func (h *Handler) RequireAuth() func(http.Handler) http.Handler {
	return RequireAuth(h.service, h.logger)
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter)
		}
		r.Post("/login", h.handleLogin)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth())
		r.With(h.rbac.SelfService(rbac.OpLogout)).Post("/logout", h.handleLogout)
		r.Get("/me", h.handleMe)
	})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httpx.Bind(w, r, h.validator, &req) {
		return
	}
	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if h.logger != nil {
			h.logger.Info("auth login rejected", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := BearerToken(r)
	if err := h.service.Logout(r.Context(), token); err != nil {
		if h.logger != nil {
			h.logger.Warn("auth logout", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, rbac.PrincipalFromContext(r.Context()))
}
