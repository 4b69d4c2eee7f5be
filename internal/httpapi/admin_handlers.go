package httpapi

import (
	"net/http"
	"strings"

	"cartaporte.app/internal/auth"
)

// handleAdminUsers serves the user collection. All admin routes require the
// usuarios:administrar permission.
func (a *API) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requirePermission(w, r, auth.PermUsuariosAdministrar); !ok {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	profiles, err := a.svc.ListUsers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": profiles})
}

type adminUpdateRequest struct {
	Username *string  `json:"username,omitempty"`
	Email    *string  `json:"email,omitempty"`
	Status   *string  `json:"status,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// handleAdminUser serves /v1/admin/users/{id} and the /unlock subresource.
func (a *API) handleAdminUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePermission(w, r, auth.PermUsuariosAdministrar)
	if !ok {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/users/")
	userID, sub, _ := strings.Cut(rest, "/")
	if userID == "" {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}

	switch {
	case sub == "unlock" && r.Method == http.MethodPost:
		profile, err := a.svc.AdminUnlockUser(r.Context(), principal.UserID, userID, clientContext(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case sub == "" && r.Method == http.MethodPatch:
		var req adminUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		profile, err := a.svc.AdminUpdateUser(r.Context(), principal.UserID, userID, auth.AdminUpdate{
			Username: req.Username,
			Email:    req.Email,
			Status:   req.Status,
			Roles:    req.Roles,
		}, clientContext(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case sub == "" && r.Method == http.MethodDelete:
		if err := a.svc.AdminDeleteUser(r.Context(), principal.UserID, userID, clientContext(r)); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, "PATCH, DELETE, POST")
	}
}
