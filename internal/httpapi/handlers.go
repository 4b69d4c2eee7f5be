// Package httpapi is the thin HTTP boundary over the auth service: it parses
// requests, translates the service error taxonomy to status codes, and manages
// the refresh token cookie. Business rules live in internal/auth.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"cartaporte.app/internal/auth"
	"cartaporte.app/internal/obs"
)

// ReadyProbe reports whether the service can take traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux           *http.ServeMux
	svc           *auth.Service
	tokens        *auth.TokenService
	readyProbe    ReadyProbe
	version       string
	secureCookies bool
}

// Option configures the API.
type Option func(*API)

// WithSecureCookies marks the refresh cookie Secure. Enabled outside
// development.
func WithSecureCookies(enabled bool) Option {
	return func(a *API) { a.secureCookies = enabled }
}

func New(svc *auth.Service, tokens *auth.TokenService, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		tokens:     tokens,
		readyProbe: rp,
		version:    version,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// session lifecycle
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/password", a.handleChangePassword)
	a.mux.HandleFunc("/v1/auth/password/reset", a.handleStartReset)
	a.mux.HandleFunc("/v1/auth/password/reset/confirm", a.handleCompleteReset)
	a.mux.HandleFunc("/v1/auth/me", a.handleMe)

	// MFA
	a.mux.HandleFunc("/v1/auth/mfa/enroll", a.handleMFAEnroll)
	a.mux.HandleFunc("/v1/auth/mfa/confirm", a.handleMFAConfirm)
	a.mux.HandleFunc("/v1/auth/mfa/backup-codes", a.handleBackupCodes)
	a.mux.HandleFunc("/v1/auth/mfa/disable", a.handleMFADisable)

	// administration
	a.mux.HandleFunc("/v1/admin/users", a.handleAdminUsers)
	a.mux.HandleFunc("/v1/admin/users/", a.handleAdminUser)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "cartaporte-auth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "cartaporte-auth",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, map[string]any{
		"error":   errCode,
		"message": message,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// writeServiceError maps the auth error taxonomy onto status codes. Anything
// unrecognized becomes a generic 500 so internals never leak.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		rateErr   *auth.RateLimitError
		lockedErr *auth.LockedError
		mfaErr    *auth.MFARequiredError
		policyErr *auth.PolicyError
	)
	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", formatSeconds(rateErr.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate_limit_exceeded",
			"retry_after": int(rateErr.RetryAfter.Seconds()),
		})
	case errors.As(err, &lockedErr):
		writeJSON(w, http.StatusLocked, map[string]any{
			"error":        "account_locked",
			"locked_until": lockedErr.Until.Format(time.RFC3339),
		})
	case errors.As(err, &mfaErr):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":   "mfa_required",
			"methods": mfaErr.Methods,
		})
	case errors.As(err, &policyErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   "password_policy",
			"reasons": policyErr.Reasons,
		})
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid_token", "invalid token")
	case errors.Is(err, auth.ErrUnknownRole):
		writeError(w, http.StatusBadRequest, "unknown_role", "unknown role")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "identity already exists")
	case errors.Is(err, auth.ErrRegistrationDisabled):
		writeError(w, http.StatusForbidden, "registration_disabled", "self registration is disabled")
	case errors.Is(err, auth.ErrMFANotEnrolled):
		writeError(w, http.StatusConflict, "mfa_not_enrolled", "mfa is not enrolled")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
