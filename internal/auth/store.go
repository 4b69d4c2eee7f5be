package auth

import (
	"context"
	"time"
)

// Store describes the persistence operations the auth core needs. The pg
// package provides the Postgres implementation; tests use an in-memory fake.
type Store interface {
	Users(ctx context.Context) UserStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	LoginAttempts(ctx context.Context) LoginAttemptStore
	PasswordHistory(ctx context.Context) PasswordHistoryStore
	PasswordResets(ctx context.Context) PasswordResetStore
	BackupCodes(ctx context.Context) BackupCodeStore
	RBAC(ctx context.Context) RBACStore
}

// UserStore manages account records. Find results include assigned roles.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByIdentifier(ctx context.Context, identifier string) (*User, error)
	Update(ctx context.Context, u *User) error
	List(ctx context.Context) ([]*User, error)
	// Delete removes the user and cascades tokens, attempts, history and
	// backup codes.
	Delete(ctx context.Context, id string) error
}

// RefreshTokenStore manages hashed refresh token records.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	// Revoke marks the token revoked only if it is not already; the boolean
	// reports whether this call won. Concurrent rotation relies on it.
	Revoke(ctx context.Context, id, replacedBy string, at time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// LoginAttemptStore appends attempt records and computes rolling counts.
type LoginAttemptStore interface {
	Record(ctx context.Context, attempt *LoginAttempt) error
	CountByIPSince(ctx context.Context, ip string, since time.Time) (int, error)
	CountFailuresSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// PasswordHistoryStore keeps the bounded list of prior password hashes.
type PasswordHistoryStore interface {
	// Recent returns up to limit hashes, newest first.
	Recent(ctx context.Context, userID string, limit int) ([]string, error)
	Add(ctx context.Context, userID, hash string) error
	Prune(ctx context.Context, userID string, keep int) error
}

// PasswordResetStore manages hashed one-time reset secrets.
type PasswordResetStore interface {
	Create(ctx context.Context, tok *PasswordResetToken) error
	FindByHash(ctx context.Context, tokenHash string) (*PasswordResetToken, error)
	// MarkUsed succeeds at most once per token.
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
}

// BackupCodeStore manages single-use MFA fallback codes.
type BackupCodeStore interface {
	// Replace atomically swaps the user's full code set.
	Replace(ctx context.Context, userID string, codes []BackupCodeRecord) error
	List(ctx context.Context, userID string) ([]BackupCodeRecord, error)
	// MarkUsed succeeds at most once per code.
	MarkUsed(ctx context.Context, id string) (bool, error)
	DeleteForUser(ctx context.Context, userID string) error
}

// RBACStore manages the role and permission catalog.
type RBACStore interface {
	EnsureRole(ctx context.Context, name, description string) (Role, error)
	EnsurePermission(ctx context.Context, key, description string) (Permission, error)
	EnsureRolePermission(ctx context.Context, roleID, permissionID string) error
	FindRoleByName(ctx context.Context, name string) (Role, error)
	RolesForUser(ctx context.Context, userID string) ([]Role, error)
	PermissionsForUser(ctx context.Context, userID string) ([]string, error)
	PermissionsForRole(ctx context.Context, roleID string) ([]string, error)
	ReplaceUserRoles(ctx context.Context, userID string, roleIDs []string) error
}
