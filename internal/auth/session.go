package auth

import (
	"context"
	"errors"

	"cartaporte.app/internal/audit"
	"cartaporte.app/internal/obs"
)

// RefreshSession exchanges a live refresh token for a fresh access token,
// rotating the refresh token when rotation is enabled. Permissions are
// recomputed, so role changes take effect on the next refresh without
// re-login.
func (s *Service) RefreshSession(ctx context.Context, presented string, client ClientContext) (LoginResult, error) {
	store := s.store.RefreshTokens(ctx)
	rec, err := s.tokens.Resolve(ctx, store, presented)
	if err != nil {
		return LoginResult{}, err
	}
	now := s.now().UTC()

	// A revoked token presented again is a replay: the chain already moved
	// on. Kill every session for the user and report it.
	if rec.RevokedAt != nil {
		if _, err := s.tokens.RevokeAll(ctx, store, rec.UserID); err != nil {
			return LoginResult{}, err
		}
		if err := s.auditEvent(ctx, audit.ActionTokenReuse, rec.UserID, client, audit.LevelCritical, map[string]any{"token_id": rec.ID}); err != nil {
			return LoginResult{}, err
		}
		return LoginResult{}, ErrInvalidToken
	}
	if !now.Before(rec.ExpiresAt) {
		if _, err := store.Revoke(ctx, rec.ID, "", now); err != nil {
			return LoginResult{}, err
		}
		return LoginResult{}, ErrInvalidToken
	}

	user, err := s.store.Users(ctx).Find(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, ErrInvalidToken
		}
		return LoginResult{}, err
	}
	if user.Status != StatusActive || user.IsLocked {
		if _, err := s.tokens.RevokeAll(ctx, store, user.ID); err != nil {
			return LoginResult{}, err
		}
		return LoginResult{}, ErrInvalidToken
	}

	profile, perms, err := s.profileFor(ctx, user)
	if err != nil {
		return LoginResult{}, err
	}
	claims := s.tokens.BuildAccessClaims(user, perms)
	access, err := s.tokens.Encode(claims)
	if err != nil {
		return LoginResult{}, err
	}

	refresh := presented
	refreshExpiry := rec.ExpiresAt
	if s.tokens.RotationEnabled() {
		rotated, next, err := s.tokens.RotateRefreshToken(ctx, store, rec, user, client)
		if err != nil {
			return LoginResult{}, err
		}
		refresh = rotated
		refreshExpiry = next.ExpiresAt
		obs.CountTokenRotation()
	}

	if err := s.auditEvent(ctx, audit.ActionTokenRefreshed, user.ID, client, audit.LevelInfo, nil); err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		Tokens: TokenPair{
			AccessToken:      access,
			RefreshToken:     refresh,
			AccessExpiresAt:  claims.ExpiresAt.Time,
			RefreshExpiresAt: refreshExpiry,
		},
		Profile: profile,
	}, nil
}

// Logout revokes the presented refresh token, or every session of the user
// when no specific token is given.
func (s *Service) Logout(ctx context.Context, userID, presented string, client ClientContext) error {
	store := s.store.RefreshTokens(ctx)
	scope := "all"
	if presented != "" {
		rec, err := s.tokens.Resolve(ctx, store, presented)
		if err == nil && rec.UserID == userID {
			if _, err := store.Revoke(ctx, rec.ID, "", s.now().UTC()); err != nil {
				return err
			}
			scope = "single"
		}
	}
	if scope == "all" {
		if _, err := s.tokens.RevokeAll(ctx, store, userID); err != nil {
			return err
		}
	}
	return s.auditEvent(ctx, audit.ActionLogout, userID, client, audit.LevelInfo, map[string]any{"scope": scope})
}
