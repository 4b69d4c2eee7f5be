package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Expected, recoverable outcomes. Everything else that escapes the service is
// an internal fault the boundary maps to a generic 500.
var (
	// ErrInvalidCredentials covers wrong identifier, wrong password, wrong
	// MFA code and disabled accounts alike, so callers cannot enumerate
	// accounts or their states.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrInvalidToken indicates a token that is malformed, expired, revoked
	// or signed with the wrong key.
	ErrInvalidToken = errors.New("auth: invalid token")

	ErrUnknownRole          = errors.New("auth: unknown role")
	ErrConflict             = errors.New("auth: identity already exists")
	ErrRegistrationDisabled = errors.New("auth: self registration is disabled")
	ErrRotationDisabled     = errors.New("auth: refresh token rotation is disabled")
	ErrMFANotEnrolled       = errors.New("auth: mfa is not enrolled")
	ErrNotFound             = errors.New("auth: not found")
)

// RateLimitError is returned when too many attempts arrived from one source.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("auth: rate limit exceeded, retry after %s", e.RetryAfter)
}

// LockedError is returned while an account lockout is in force.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("auth: account locked until %s", e.Until.Format(time.RFC3339))
}

// MFARequiredError signals that the password was correct but a second factor
// is needed. It is a required next step rather than a failure.
type MFARequiredError struct {
	Methods []string
}

func (e *MFARequiredError) Error() string {
	return "auth: mfa required (" + strings.Join(e.Methods, ", ") + ")"
}

// PolicyError lists the concrete reasons a password was rejected.
type PolicyError struct {
	Reasons []string
}

func (e *PolicyError) Error() string {
	return "auth: password rejected: " + strings.Join(e.Reasons, "; ")
}
