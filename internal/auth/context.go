package auth

import "context"

type principalContextKey struct{}

// Principal is the authenticated caller attached to request contexts by the
// boundary layer.
type Principal struct {
	UserID      string
	Email       string
	Username    string
	Roles       []string
	Permissions map[string]struct{}
}

// NewPrincipal builds a principal from decoded access claims.
func NewPrincipal(claims *AccessClaims) Principal {
	set := make(map[string]struct{}, len(claims.Permissions))
	for _, p := range claims.Permissions {
		set[p] = struct{}{}
	}
	return Principal{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Username:    claims.Usuario,
		Roles:       claims.Roles,
		Permissions: set,
	}
}

// HasPermission reports whether the principal holds the permission key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
