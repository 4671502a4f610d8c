package users

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Handler manages user management and account self-service endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers user administration routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermUserRead, shared.PermUserManage))
		r.Get("/", h.listUsers)
		r.Get("/{id}", h.getUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermUserInvite, shared.PermUserManage))
		r.Post("/invite", h.invite)
		r.Post("/{id}/resend", h.resendInvitation)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermUserManage))
		r.Patch("/{id}", h.updateProfile)
		r.Patch("/{id}/status", h.updateStatus)
		r.Put("/{id}/role", h.assignRole)
	})
}

// MountAccountRoutes registers the public lifecycle routes and the password
// change route. authenticate must resolve the principal for the latter.
func (h *Handler) MountAccountRoutes(r chi.Router, authenticate func(http.Handler) http.Handler) {
	r.Post("/register", h.register)
	r.Post("/activate", h.activate)
	r.Post("/password/forgot", h.forgotPassword)
	r.Post("/password/reset", h.resetPassword)
	r.Group(func(r chi.Router) {
		r.Use(authenticate)
		r.Use(h.rbac.SelfService(rbac.OpChangeOwnPassword))
		r.Post("/password/change", h.changePassword)
	})
}

type tokenPasswordRequest struct {
	Token    string `json:"token" validate:"required,max=256"`
	Password string `json:"password" validate:"required"`
}

type forgotRequest struct {
	Email string `json:"email" validate:"required,max=254"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=active inactive suspended"`
}

type roleRequest struct {
	RoleID *int64 `json:"role_id" validate:"omitempty,gt=0"`
}

type profileRequest struct {
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Search: q.Get("q")}
	if raw := q.Get("status"); raw != "" {
		status, ok := shared.ParseAccountStatus(raw)
		if !ok {
			httpx.RespondError(w, shared.NewValidationError("status", "unknown account status"))
			return
		}
		filter.Status = status
	}
	if raw := q.Get("role_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.RespondError(w, shared.NewValidationError("role_id", "invalid role id"))
			return
		}
		filter.RoleID = &id
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))

	list, page, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, "list users", err)
		return
	}
	if list == nil {
		list = []User{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": list, "pagination": page})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	user, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get user", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) invite(w http.ResponseWriter, r *http.Request) {
	var req InviteInput
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Invite(r.Context(), rbac.PrincipalFromContext(r.Context()), req)
	if err != nil {
		h.fail(w, "invite user", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result.User)
}

func (h *Handler) resendInvitation(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	actor := rbac.PrincipalFromContext(r.Context())
	delivery, err := h.service.ResendInvitation(r.Context(), actor.ActorID(), id)
	if err != nil {
		h.fail(w, "resend invitation", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"user_id": id, "expires_at": delivery.Payload.ExpiresAt})
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.service.UpdateStatus(r.Context(), rbac.PrincipalFromContext(r.Context()), id, shared.AccountStatus(req.Status))
	if err != nil {
		h.fail(w, "update status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.service.AssignRole(r.Context(), rbac.PrincipalFromContext(r.Context()), id, req.RoleID)
	if err != nil {
		h.fail(w, "assign role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.service.UpdateProfile(r.Context(), id, req.FirstName, req.LastName)
	if err != nil {
		h.fail(w, "update profile", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterInput
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.fail(w, "register", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, user)
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request) {
	var req tokenPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.service.Activate(r.Context(), req.Token, req.Password)
	if err != nil {
		h.fail(w, "activate", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.fail(w, "request password reset", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{
		"message": "if the account exists, a reset link has been sent",
	})
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req tokenPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.service.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		h.fail(w, "reset password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := rbac.PrincipalFromContext(r.Context())
	user, err := h.service.ChangeOwnPassword(r.Context(), p.UserID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		h.fail(w, "change password", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	return httpx.Bind(w, r, h.validator, target)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn("users "+op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.NewValidationError("id", "invalid user id"))
		return 0, false
	}
	return id, true
}
