package httpx

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Bind decodes the JSON body into target and validates it. On failure it writes
// the problem response and returns false.
func Bind(w http.ResponseWriter, r *http.Request, v *validator.Validate, target any) bool {
	if err := DecodeJSON(r, target); err != nil {
		RespondError(w, shared.NewValidationError("body", "malformed JSON"))
		return false
	}
	if err := v.Struct(target); err != nil {
		RespondError(w, ValidationFailure(err))
		return false
	}
	return true
}

// ValidationFailure converts validator errors into a shared.ValidationError.
func ValidationFailure(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return shared.NewValidationError("body", err.Error())
	}
	out := &shared.ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		out.Fields[fe.Field()] = fe.Tag()
	}
	return out
}
