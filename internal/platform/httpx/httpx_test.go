package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

func TestRespondErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&shared.AccountNotActiveError{Status: shared.StatusSuspended}, http.StatusForbidden},
		{shared.NewValidationError("email", "required"), http.StatusBadRequest},
		{shared.ErrValidation, http.StatusBadRequest},
		{shared.ErrInvalidCredentials, http.StatusUnauthorized},
		{shared.ErrUnauthenticated, http.StatusUnauthorized},
		{shared.ErrInvalidToken, http.StatusBadRequest},
		{shared.ErrExpiredToken, http.StatusGone},
		{shared.ErrInsufficientPermission, http.StatusForbidden},
		{shared.ErrNotFound, http.StatusNotFound},
		{shared.ErrDuplicateName, http.StatusConflict},
		{shared.ErrProtectedRole, http.StatusConflict},
		{shared.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("users: create: %w", shared.ErrDuplicateName), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		assert.Equal(t, tc.want, rr.Code, tc.err.Error())
		assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	}
}

func TestRespondErrorDetails(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, &shared.AccountNotActiveError{Status: shared.StatusPending})
	var pd ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pd))
	assert.Equal(t, "pending", pd.Extra["account_status"])

	rr = httptest.NewRecorder()
	RespondError(rr, shared.ErrStorageUnavailable)
	assert.Equal(t, "5", rr.Header().Get("Retry-After"))

	rr = httptest.NewRecorder()
	RespondError(rr, errors.New("pq: secret connection string leaked"))
	assert.NotContains(t, rr.Body.String(), "secret")

	rr = httptest.NewRecorder()
	Unauthorized(rr)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Bearer")
}

type bindTarget struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func TestBind(t *testing.T) {
	v := validator.New()
	bind := func(body string) (*httptest.ResponseRecorder, bindTarget, bool) {
		var target bindTarget
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		ok := Bind(rr, req, v, &target)
		return rr, target, ok
	}

	_, target, ok := bind(`{"email":"ana@example.com","password":"correct horse"}`)
	require.True(t, ok)
	assert.Equal(t, "ana@example.com", target.Email)

	rr, _, ok := bind(`{"email":"ana@example.com","password":"correct horse","admin":true}`)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _, ok = bind(`{"email":"ana@example.com"} {}`)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _, ok = bind(`{"email":"not-an-email","password":"short"}`)
	assert.False(t, ok)
	var pd ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pd))
	fields, _ := pd.Extra["errors"].(map[string]any)
	assert.Equal(t, "email", fields["Email"])
	assert.Equal(t, "min", fields["Password"])
}

func TestJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	JSON(rr, http.StatusCreated, map[string]int{"id": 7})
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":7}`, rr.Body.String())
}
