package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cartaporte.app/internal/audit"
	"cartaporte.app/internal/ids"
	"cartaporte.app/internal/mailer"
	"cartaporte.app/internal/password"
)

const resetSecretBytes = 32

// RegisterInput carries the fields for self-registration.
type RegisterInput struct {
	Username string
	Email    string
	Password string
	Role     string
	Client   ClientContext
}

// Register creates an account, assigns its role (defaulting to operator),
// seeds password history and audits the event.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Profile, error) {
	if !s.allowSelfReg {
		return Profile{}, ErrRegistrationDisabled
	}

	username := strings.ToLower(strings.TrimSpace(in.Username))
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if username == "" || email == "" || !strings.Contains(email, "@") {
		return Profile{}, fmt.Errorf("%w: username and valid email are required", ErrInvalidCredentials)
	}

	roleName := in.Role
	if strings.TrimSpace(roleName) == "" {
		roleName = DefaultRole
	}
	roleName, err := NormalizeRole(roleName)
	if err != nil {
		return Profile{}, err
	}

	if reasons := s.policy.Check(in.Password); len(reasons) > 0 {
		return Profile{}, &PolicyError{Reasons: reasons}
	}
	hash, err := password.Hash(in.Password)
	if err != nil {
		return Profile{}, err
	}

	now := s.now().UTC()
	user := &User{
		ID:                ids.New(),
		Username:          username,
		Email:             email,
		PasswordHash:      hash,
		Status:            StatusActive,
		PasswordChangedAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if s.passwordMaxAge > 0 {
		expires := now.Add(s.passwordMaxAge)
		user.PasswordExpiresAt = &expires
	}

	// Username/email collisions surface as one generic conflict.
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		if errors.Is(err, ErrConflict) {
			return Profile{}, ErrConflict
		}
		return Profile{}, err
	}

	rbac := s.store.RBAC(ctx)
	role, err := rbac.FindRoleByName(ctx, roleName)
	if err != nil {
		return Profile{}, err
	}
	if err := rbac.ReplaceUserRoles(ctx, user.ID, []string{role.ID}); err != nil {
		return Profile{}, err
	}
	user.Roles = []Role{role}

	if err := RecordHistory(ctx, s.store.PasswordHistory(ctx), user.ID, hash, s.historyLen); err != nil {
		return Profile{}, err
	}
	if err := s.auditEvent(ctx, audit.ActionRegister, user.ID, in.Client, audit.LevelInfo, map[string]any{"role": roleName}); err != nil {
		return Profile{}, err
	}

	profile, _, err := s.profileFor(ctx, user)
	return profile, err
}

// ChangePassword verifies the current password, enforces policy and reuse
// rules, then replaces the hash and revokes every outstanding session.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string, client ClientContext) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if !password.Verify(current, user.PasswordHash) {
		if err := s.auditEvent(ctx, audit.ActionLoginFailure, user.ID, client, audit.LevelWarning, map[string]any{"reason": "password_change_bad_current"}); err != nil {
			return err
		}
		return ErrInvalidCredentials
	}
	if err := s.applyNewPassword(ctx, user, next, client, audit.ActionPasswordChanged); err != nil {
		return err
	}
	return nil
}

// StartPasswordReset issues a one-time reset secret and mails it. Unknown
// emails succeed silently so accounts cannot be enumerated.
func (s *Service) StartPasswordReset(ctx context.Context, email string, client ClientContext) error {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.store.Users(ctx).FindByIdentifier(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	secretBytes := make([]byte, resetSecretBytes)
	if _, err := rand.Read(secretBytes); err != nil {
		return err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	now := s.now().UTC()
	token := &PasswordResetToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: hashResetSecret(secret),
		ExpiresAt: now.Add(s.resetTTL),
		CreatedAt: now,
	}
	if err := s.store.PasswordResets(ctx).Create(ctx, token); err != nil {
		return err
	}
	if err := s.auditEvent(ctx, audit.ActionPasswordResetRequested, user.ID, client, audit.LevelInfo, nil); err != nil {
		return err
	}

	// Delivery is best-effort: a dead relay must not fail the reset, and
	// the caller never learns whether mail went out.
	mailer.SendBestEffort(s.mail, user.Email,
		"Restablecer contraseña",
		fmt.Sprintf("<p>Use este código para restablecer su contraseña: <b>%s</b></p><p>Expira en %s.</p>", secret, s.resetTTL),
		fmt.Sprintf("Use este código para restablecer su contraseña: %s (expira en %s)", secret, s.resetTTL),
	)
	s.log.Info("password reset requested", zap.String("user_id", user.ID))
	return nil
}

// CompletePasswordReset consumes a reset secret exactly once and sets the
// new password.
func (s *Service) CompletePasswordReset(ctx context.Context, secret, next string, client ClientContext) error {
	resets := s.store.PasswordResets(ctx)
	token, err := resets.FindByHash(ctx, hashResetSecret(strings.TrimSpace(secret)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	now := s.now().UTC()
	if token.UsedAt != nil || !now.Before(token.ExpiresAt) {
		return ErrInvalidToken
	}

	user, err := s.store.Users(ctx).Find(ctx, token.UserID)
	if err != nil {
		return err
	}

	// Validate before consuming so a policy rejection leaves the token
	// usable for a corrected retry.
	if err := s.checkNewPassword(ctx, user, next); err != nil {
		return err
	}

	won, err := resets.MarkUsed(ctx, token.ID, now)
	if err != nil {
		return err
	}
	if !won {
		return ErrInvalidToken
	}
	return s.applyNewPassword(ctx, user, next, client, audit.ActionPasswordReset)
}

func (s *Service) checkNewPassword(ctx context.Context, user *User, next string) error {
	if reasons := s.policy.Check(next); len(reasons) > 0 {
		return &PolicyError{Reasons: reasons}
	}
	fresh, err := NotReused(ctx, s.store.PasswordHistory(ctx), user.ID, next, s.historyLen)
	if err != nil {
		return err
	}
	if !fresh {
		return &PolicyError{Reasons: []string{fmt.Sprintf("must differ from the last %d passwords", s.historyLen)}}
	}
	return nil
}

// applyNewPassword swaps the hash, clears lock state, records history and
// forces re-authentication everywhere.
func (s *Service) applyNewPassword(ctx context.Context, user *User, next string, client ClientContext, action string) error {
	if err := s.checkNewPassword(ctx, user, next); err != nil {
		return err
	}
	hash, err := password.Hash(next)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	user.PasswordHash = hash
	user.PasswordChangedAt = now
	user.PasswordExpiresAt = nil
	if s.passwordMaxAge > 0 {
		expires := now.Add(s.passwordMaxAge)
		user.PasswordExpiresAt = &expires
	}
	user.IsLocked = false
	user.LockedUntil = nil
	user.FailedAttempts = 0
	if err := s.store.Users(ctx).Update(ctx, user); err != nil {
		return err
	}
	if err := RecordHistory(ctx, s.store.PasswordHistory(ctx), user.ID, hash, s.historyLen); err != nil {
		return err
	}
	if _, err := s.tokens.RevokeAll(ctx, s.store.RefreshTokens(ctx), user.ID); err != nil {
		return err
	}
	return s.auditEvent(ctx, action, user.ID, client, audit.LevelInfo, nil)
}

func hashResetSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
