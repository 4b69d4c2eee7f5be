package auth

import "time"

// Account states. Anything other than active is rejected at login with the
// same generic error as a bad password, so states are not enumerable.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
)

// User is the canonical account record.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Status       string

	IsLocked       bool
	LockedUntil    *time.Time
	FailedAttempts int

	MFAEnabled    bool
	TOTPSecretEnc string

	PasswordChangedAt time.Time
	PasswordExpiresAt *time.Time

	LastLoginAt *time.Time
	LastLoginIP string

	Roles []Role

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoleNames returns the names of the user's assigned roles.
func (u *User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, r.Name)
	}
	return names
}

// Role groups permissions. The catalog is small and fixed.
type Role struct {
	ID          string
	Name        string
	Description string
}

// Permission is a fine-grained capability key such as "envios:ver".
type Permission struct {
	ID          string
	Key         string
	Description string
}

// RefreshToken is the stored half of an opaque refresh credential. Only the
// sha256 hash of the bearer secret is persisted.
type RefreshToken struct {
	ID         string
	UserID     string
	TokenHash  string
	IP         string
	UserAgent  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string
}

// Valid reports whether the token can still be exchanged at the given time.
func (t *RefreshToken) Valid(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// LoginAttempt is an append-only record of one credential check. UserID is
// empty when the identifier did not resolve to an account.
type LoginAttempt struct {
	ID          string
	UserID      string
	Identifier  string
	IP          string
	UserAgent   string
	Success     bool
	MFARequired bool
	CreatedAt   time.Time
}

// PasswordResetToken is a hashed one-time secret with a short lifetime.
type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// BackupCodeRecord is a stored single-use MFA fallback code.
type BackupCodeRecord struct {
	ID     string
	UserID string
	Salt   string
	Hash   string
	Used   bool
}

// Profile is the public user view returned to callers. It never carries
// hashes or secrets.
type Profile struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Status      string     `json:"status"`
	Roles       []string   `json:"roles"`
	PrimaryRole string     `json:"primary_role"`
	Permissions []string   `json:"permissions"`
	MFAEnabled  bool       `json:"mfa_enabled"`
	IsLocked    bool       `json:"is_locked"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP string     `json:"last_login_ip,omitempty"`
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// ClientContext carries the caller-supplied request metadata recorded with
// attempts, tokens and audit events.
type ClientContext struct {
	IP        string
	UserAgent string
}
