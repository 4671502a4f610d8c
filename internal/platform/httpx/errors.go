// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Stable, generic messages. Authentication failures never say which check failed.
const (
	msgUnauthenticated = "authentication required"
	msgCredentials     = "invalid email or password"
	msgForbidden       = "you do not have access to this resource"
	msgInvalidToken    = "the link is invalid or has already been used"
	msgExpiredToken    = "the link has expired, request a new one"
	msgUnavailable     = "service temporarily unavailable, retry later"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var notActive *shared.AccountNotActiveError
	var invalid *shared.ValidationError
	switch {
	case errors.As(err, &notActive):
		WriteProblem(w, ProblemDetail{
			Type:   "account-not-active",
			Title:  "Account Not Active",
			Status: http.StatusForbidden,
			Detail: "account status is " + notActive.Status.String(),
			Extra:  map[string]any{"account_status": notActive.Status},
		})
	case errors.As(err, &invalid):
		WriteProblem(w, ProblemDetail{
			Type:   "validation",
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Extra:  map[string]any{"errors": invalid.Fields},
		})
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", "")
	case errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", msgCredentials)
	case errors.Is(err, shared.ErrUnauthenticated):
		Unauthorized(w)
	case errors.Is(err, shared.ErrInvalidToken):
		Problem(w, http.StatusBadRequest, "Invalid Token", msgInvalidToken)
	case errors.Is(err, shared.ErrExpiredToken):
		Problem(w, http.StatusGone, "Token Expired", msgExpiredToken)
	case errors.Is(err, shared.ErrInsufficientPermission):
		Forbidden(w)
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", "")
	case errors.Is(err, shared.ErrDuplicateName):
		Problem(w, http.StatusConflict, "Duplicate", "name already in use")
	case errors.Is(err, shared.ErrProtectedRole):
		Problem(w, http.StatusConflict, "Protected Role", "system roles cannot be removed or renamed")
	case errors.Is(err, shared.ErrStorageUnavailable):
		w.Header().Set("Retry-After", "5")
		Problem(w, http.StatusServiceUnavailable, "Service Unavailable", msgUnavailable)
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// Unauthorized writes the generic 401 used for every bearer token failure.
func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="odyssey"`)
	Problem(w, http.StatusUnauthorized, "Unauthorized", msgUnauthenticated)
}

// Forbidden writes the generic 403.
func Forbidden(w http.ResponseWriter) {
	Problem(w, http.StatusForbidden, "Forbidden", msgForbidden)
}
