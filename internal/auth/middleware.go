package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// TokenVerifier resolves a bearer token into a live principal.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*rbac.Principal, error)
}

// RequireAuth resolves the bearer token and stores the principal in the
// request context. Token failures all answer with the same 401.
func RequireAuth(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				httpx.Unauthorized(w)
				return
			}
			principal, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				if errors.Is(err, shared.ErrStorageUnavailable) {
					httpx.RespondError(w, err)
					return
				}
				if logger != nil && !errors.Is(err, shared.ErrInvalidToken) && !errors.Is(err, shared.ErrExpiredToken) {
					logger.Warn("auth verify token", slog.Any("error", err))
				}
				httpx.Unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(rbac.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
