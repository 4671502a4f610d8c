package rbac

import (
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
)

// Middleware wires RBAC authorization helpers for HTTP handlers. It expects an
// authentication middleware to have stored the principal in the request context.
type Middleware struct {
	Logger *slog.Logger
}

// RequireAny ensures the current principal has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require(ModeAny, perms)
}

// RequireAll ensures the current principal has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(ModeAll, perms)
}

// RequireActive only demands an authenticated, active principal.
func (m Middleware) RequireActive() func(http.Handler) http.Handler {
	return m.require(ModeAll, nil)
}

// SelfService admits any authenticated principal, whatever its account status,
// for an allow-listed self-service operation.
func (m Middleware) SelfService(op string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if p == nil {
				httpx.Unauthorized(w)
				return
			}
			if !RequireActiveAccount(p, op) {
				m.deny(r, p, op)
				httpx.Forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) require(mode Mode, perms []string) func(http.Handler) http.Handler {
	normalized := NewPermissionSet(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if err := Check(p, mode, normalized...); err != nil {
				m.deny(r, p, "")
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) deny(r *http.Request, p *Principal, op string) {
	if m.Logger == nil || p == nil {
		return
	}
	m.Logger.Info("rbac denied",
		slog.Int64("user_id", p.UserID),
		slog.String("status", p.Status.String()),
		slog.String("path", r.URL.Path),
		slog.String("op", op),
	)
}
