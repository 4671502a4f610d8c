package rbac

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Handler exposes role and permission administration endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoleRoutes registers role routes.
func (h *Handler) MountRoleRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermRoleRead, shared.PermRoleManage))
		r.Get("/", h.listRoles)
		r.Get("/{id}", h.getRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermRoleManage))
		r.Post("/", h.createRole)
		r.Patch("/{id}", h.renameRole)
		r.Delete("/{id}", h.deleteRole)
		r.Put("/{id}/permissions", h.assignPermissions)
	})
}

// MountPermissionRoutes registers permission routes.
func (h *Handler) MountPermissionRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermPermissionRead, shared.PermRoleManage))
		r.Get("/", h.listPermissions)
	})
}

type roleRequest struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=255"`
}

type assignRequest struct {
	Permissions []string `json:"permissions" validate:"dive,required,max=128"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), PrincipalFromContext(r.Context()), req.Name, req.Description)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) renameRole(w http.ResponseWriter, r *http.Request) {
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.RenameRole(r.Context(), PrincipalFromContext(r.Context()), id, req.Name, req.Description)
	if err != nil {
		h.fail(w, "rename role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), PrincipalFromContext(r.Context()), id); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.AssignPermissions(r.Context(), PrincipalFromContext(r.Context()), id, req.Permissions); err != nil {
		h.fail(w, "assign permissions", err)
		return
	}
	perms, err := h.service.ResolvePermissions(r.Context(), id)
	if err != nil {
		h.fail(w, "resolve permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": id, "permissions": perms})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, "list permissions", err)
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	return httpx.Bind(w, r, h.validator, target)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn("rbac "+op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func roleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.NewValidationError("id", "invalid role id"))
		return 0, false
	}
	return id, true
}
