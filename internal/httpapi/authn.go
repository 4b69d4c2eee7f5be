package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"cartaporte.app/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// publicPaths need no bearer token.
var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/password/reset",
	"/v1/auth/password/reset/confirm",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth decodes the bearer token and attaches the principal. Protected
// paths without a valid token are rejected here, before any handler runs.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", err.Error())
			return
		}
		claims, err := a.tokens.Decode(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "invalid token")
			return
		}
		if !claims.Active {
			writeError(w, http.StatusUnauthorized, "invalid_token", "account is not active")
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), auth.NewPrincipal(claims))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission gates a handler on one permission key. It writes the
// error response itself; callers return immediately on !ok.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, perm string) (auth.Principal, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_token", "authentication required")
		return auth.Principal{}, false
	}
	if !principal.HasPermission(perm) {
		writeError(w, http.StatusForbidden, "forbidden", "missing permission: "+perm)
		return auth.Principal{}, false
	}
	return principal, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
