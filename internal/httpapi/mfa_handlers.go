package httpapi

import (
	"net/http"

	"cartaporte.app/internal/auth"
)

type mfaEnrollResponse struct {
	Secret       string `json:"secret"`
	ProvisionURI string `json:"provision_uri"`
}

func (a *API) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_token", "authentication required")
		return
	}
	enrollment, err := a.svc.StartMFAEnrollment(r.Context(), principal.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mfaEnrollResponse{
		Secret:       enrollment.Secret,
		ProvisionURI: enrollment.ProvisionURI,
	})
}

type mfaCodeRequest struct {
	Code string `json:"code"`
}

type backupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

func (a *API) handleMFAConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_token", "authentication required")
		return
	}
	var req mfaCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	codes, err := a.svc.ConfirmMFAEnrollment(r.Context(), principal.UserID, req.Code, clientContext(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backupCodesResponse{BackupCodes: codes})
}

func (a *API) handleBackupCodes(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_token", "authentication required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		remaining, err := a.svc.RemainingBackupCodes(r.Context(), principal.UserID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"remaining": remaining})
	case http.MethodPost:
		var req mfaCodeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		codes, err := a.svc.RegenerateBackupCodes(r.Context(), principal.UserID, req.Code, clientContext(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, backupCodesResponse{BackupCodes: codes})
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

type mfaDisableRequest struct {
	Password string `json:"password"`
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_token", "authentication required")
		return
	}
	var req mfaDisableRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := a.svc.DisableMFA(r.Context(), principal.UserID, req.Password, clientContext(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
