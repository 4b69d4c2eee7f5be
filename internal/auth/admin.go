package auth

import (
	"context"
	"strings"

	"cartaporte.app/internal/audit"
)

// AdminUpdate describes a partial user edit. Nil fields are untouched.
type AdminUpdate struct {
	Username *string
	Email    *string
	Status   *string
	Roles    []string
}

// ListUsers returns public profiles for every account.
func (s *Service) ListUsers(ctx context.Context) ([]Profile, error) {
	users, err := s.store.Users(ctx).List(ctx)
	if err != nil {
		return nil, err
	}
	profiles := make([]Profile, 0, len(users))
	for _, user := range users {
		profile, _, err := s.profileFor(ctx, user)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// AdminUpdateUser applies an administrative edit. Role names are validated
// against the catalog; suspending an account revokes its sessions.
func (s *Service) AdminUpdateUser(ctx context.Context, actorID, userID string, upd AdminUpdate, client ClientContext) (Profile, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return Profile{}, err
	}

	if upd.Username != nil {
		if v := strings.ToLower(strings.TrimSpace(*upd.Username)); v != "" {
			user.Username = v
		}
	}
	if upd.Email != nil {
		if v := strings.ToLower(strings.TrimSpace(*upd.Email)); v != "" && strings.Contains(v, "@") {
			user.Email = v
		}
	}
	revoke := false
	if upd.Status != nil {
		status := strings.ToLower(strings.TrimSpace(*upd.Status))
		switch status {
		case StatusActive, StatusInactive, StatusSuspended:
			if user.Status == StatusActive && status != StatusActive {
				revoke = true
			}
			user.Status = status
		}
	}

	if len(upd.Roles) > 0 {
		rbac := s.store.RBAC(ctx)
		roleIDs := make([]string, 0, len(upd.Roles))
		roles := make([]Role, 0, len(upd.Roles))
		for _, name := range upd.Roles {
			normalized, err := NormalizeRole(name)
			if err != nil {
				return Profile{}, err
			}
			role, err := rbac.FindRoleByName(ctx, normalized)
			if err != nil {
				return Profile{}, err
			}
			roleIDs = append(roleIDs, role.ID)
			roles = append(roles, role)
		}
		if err := rbac.ReplaceUserRoles(ctx, userID, roleIDs); err != nil {
			return Profile{}, err
		}
		user.Roles = roles
	}

	if err := s.store.Users(ctx).Update(ctx, user); err != nil {
		return Profile{}, err
	}
	if revoke {
		if _, err := s.tokens.RevokeAll(ctx, s.store.RefreshTokens(ctx), userID); err != nil {
			return Profile{}, err
		}
	}
	if err := s.auditEvent(ctx, audit.ActionAdminUpdate, actorID, client, audit.LevelInfo, map[string]any{"target": userID}); err != nil {
		return Profile{}, err
	}
	profile, _, err := s.profileFor(ctx, user)
	return profile, err
}

// AdminDeleteUser hard-deletes an account; the store cascades sessions,
// attempts, history and backup codes.
func (s *Service) AdminDeleteUser(ctx context.Context, actorID, userID string, client ClientContext) error {
	if err := s.store.Users(ctx).Delete(ctx, userID); err != nil {
		return err
	}
	return s.auditEvent(ctx, audit.ActionAdminDelete, actorID, client, audit.LevelWarning, map[string]any{"target": userID})
}

// AdminUnlockUser clears lockout state immediately.
func (s *Service) AdminUnlockUser(ctx context.Context, actorID, userID string, client ClientContext) (Profile, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	user.IsLocked = false
	user.LockedUntil = nil
	user.FailedAttempts = 0
	if err := s.store.Users(ctx).Update(ctx, user); err != nil {
		return Profile{}, err
	}
	if err := s.auditEvent(ctx, audit.ActionAdminUnlock, actorID, client, audit.LevelInfo, map[string]any{"target": userID}); err != nil {
		return Profile{}, err
	}
	profile, _, err := s.profileFor(ctx, user)
	return profile, err
}

// PurgeExpiredTokens garbage-collects expired refresh token rows. Not
// required for correctness, only hygiene.
func (s *Service) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	return s.store.RefreshTokens(ctx).DeleteExpired(ctx, s.now().UTC())
}
