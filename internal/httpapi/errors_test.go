package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cartaporte.app/internal/auth"
)

func TestWriteServiceErrorMapping(t *testing.T) {
	until := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"rate limit", &auth.RateLimitError{RetryAfter: 2 * time.Minute}, http.StatusTooManyRequests, "rate_limit_exceeded"},
		{"locked", &auth.LockedError{Until: until}, http.StatusLocked, "account_locked"},
		{"mfa required", &auth.MFARequiredError{Methods: []string{"totp"}}, http.StatusUnauthorized, "mfa_required"},
		{"policy", &auth.PolicyError{Reasons: []string{"too short"}}, http.StatusUnprocessableEntity, "password_policy"},
		{"credentials", auth.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
		{"token", auth.ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
		{"role", auth.ErrUnknownRole, http.StatusBadRequest, "unknown_role"},
		{"conflict", auth.ErrConflict, http.StatusConflict, "conflict"},
		{"registration", auth.ErrRegistrationDisabled, http.StatusForbidden, "registration_disabled"},
		{"not found", auth.ErrNotFound, http.StatusNotFound, "not_found"},
		{"wrapped", errors.Join(errors.New("db down")), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, tc.err)
			require.Equal(t, tc.status, rec.Code)
			require.Contains(t, rec.Body.String(), tc.code)
		})
	}
}

func TestRateLimitErrorSetsRetryAfterHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, &auth.RateLimitError{RetryAfter: 90 * time.Second})
	require.Equal(t, "90", rec.Header().Get("Retry-After"))
}

func TestExtractBearerToken(t *testing.T) {
	token, err := extractBearerToken("Bearer abc.def.ghi")
	require.NoError(t, err)
	require.Equal(t, "abc.def.ghi", token)

	_, err = extractBearerToken("")
	require.Error(t, err)
	_, err = extractBearerToken("Basic dXNlcjpwYXNz")
	require.Error(t, err)
	_, err = extractBearerToken("Bearer ")
	require.Error(t, err)
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	require.Equal(t, "10.0.0.1", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", clientIP(r))
}
