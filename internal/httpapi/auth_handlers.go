package httpapi

import (
	"net/http"
	"time"

	"cartaporte.app/internal/auth"
)

const refreshCookieName = "refresh_token"

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	TOTPCode   string `json:"totp_code,omitempty"`
	BackupCode string `json:"backup_code,omitempty"`
}

type sessionResponse struct {
	AccessToken     string       `json:"access_token"`
	TokenType       string       `json:"token_type"`
	ExpiresIn       int          `json:"expires_in"`
	AccessExpiresAt time.Time    `json:"access_expires_at"`
	Profile         auth.Profile `json:"profile"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result, err := a.svc.Login(r.Context(), auth.LoginInput{
		Identifier: req.Identifier,
		Password:   req.Password,
		TOTPCode:   req.TOTPCode,
		BackupCode: req.BackupCode,
		Client:     clientContext(r),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	a.writeSession(w, result)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	presented := a.refreshFromRequest(r)
	if presented == "" {
		writeError(w, http.StatusUnauthorized, "invalid_token", "missing refresh token")
		return
	}
	result, err := a.svc.RefreshSession(r.Context(), presented, clientContext(r))
	if err != nil {
		a.clearRefreshCookie(w)
		writeServiceError(w, err)
		return
	}
	a.writeSession(w, result)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_token", "authentication required")
		return
	}
	if err := a.svc.Logout(r.Context(), principal.UserID, a.refreshFromRequest(r), clientContext(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	profile, err := a.svc.Register(r.Context(), auth.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
		Client:   clientContext(r),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_token", "authentication required")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := a.svc.ChangePassword(r.Context(), principal.UserID, req.CurrentPassword, req.NewPassword, clientContext(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

type startResetRequest struct {
	Email string `json:"email"`
}

func (a *API) handleStartReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req startResetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := a.svc.StartPasswordReset(r.Context(), req.Email, clientContext(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	// Always accepted, known account or not.
	w.WriteHeader(http.StatusAccepted)
}

type completeResetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (a *API) handleCompleteReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req completeResetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := a.svc.CompletePasswordReset(r.Context(), req.Token, req.NewPassword, clientContext(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_token", "authentication required")
		return
	}
	profile, err := a.svc.ProfileByID(r.Context(), principal.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// writeSession emits the access token in the body and the refresh token in an
// HTTP-only cookie so scripts never touch it.
func (a *API) writeSession(w http.ResponseWriter, result auth.LoginResult) {
	a.setRefreshCookie(w, result.Tokens.RefreshToken, result.Tokens.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, sessionResponse{
		AccessToken:     result.Tokens.AccessToken,
		TokenType:       "Bearer",
		ExpiresIn:       int(time.Until(result.Tokens.AccessExpiresAt).Seconds()),
		AccessExpiresAt: result.Tokens.AccessExpiresAt,
		Profile:         result.Profile,
	})
}

func (a *API) setRefreshCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/v1/auth",
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/v1/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// refreshFromRequest prefers the cookie and falls back to a JSON body field
// for non-browser clients.
func (a *API) refreshFromRequest(r *http.Request) string {
	if c, err := r.Cookie(refreshCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &body); err == nil {
		return body.RefreshToken
	}
	return ""
}
