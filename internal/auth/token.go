package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"cartaporte.app/internal/ids"
)

const refreshSecretBytes = 32

// AccessClaims is the signed claim set carried by access tokens.
type AccessClaims struct {
	Email       string   `json:"email"`
	Usuario     string   `json:"usuario"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	MFA         bool     `json:"mfa"`
	Active      bool     `json:"active"`
	jwt.RegisteredClaims
}

// TokenService mints signed access tokens and manages the refresh token
// lifecycle against hashed storage records.
type TokenService struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	rotate     bool
	now        func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService)

// WithAccessTTL overrides the access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL overrides the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithRotation toggles refresh token rotation.
func WithRotation(enabled bool) TokenOption {
	return func(s *TokenService) { s.rotate = enabled }
}

// WithTokenClock overrides the time source. Intended for tests.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewTokenService constructs a TokenService signing with HS256.
func NewTokenService(secret, issuer, audience string, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: token secret is required")
	}
	s := &TokenService{
		secret:     []byte(secret),
		issuer:     issuer,
		audience:   audience,
		accessTTL:  15 * time.Minute,
		refreshTTL: 7 * 24 * time.Hour,
		rotate:     true,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RotationEnabled reports whether refresh tokens rotate on use.
func (s *TokenService) RotationEnabled() bool { return s.rotate }

// AccessTTL returns the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// BuildAccessClaims assembles the claim set for a user with resolved
// permissions.
func (s *TokenService) BuildAccessClaims(user *User, permissions []string) AccessClaims {
	now := s.now().UTC()
	return AccessClaims{
		Email:       user.Email,
		Usuario:     user.Username,
		Roles:       user.RoleNames(),
		Permissions: permissions,
		MFA:         user.MFAEnabled,
		Active:      user.Status == StatusActive,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
}

// Encode signs the claims with HS256.
func (s *TokenService) Encode(claims AccessClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies signature, expiry, issuer and audience, failing closed
// with ErrInvalidToken on any mismatch.
func (s *TokenService) Decode(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CreateRefreshToken generates an opaque refresh credential and stores only
// its hash. The returned string is "tokenID.secret".
func (s *TokenService) CreateRefreshToken(ctx context.Context, store RefreshTokenStore, user *User, client ClientContext) (string, *RefreshToken, error) {
	secretBytes := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	now := s.now().UTC()
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: hashRefreshSecret(secret),
		IP:        client.IP,
		UserAgent: client.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	if err := store.Create(ctx, rec); err != nil {
		return "", nil, err
	}
	return rec.ID + "." + secret, rec, nil
}

// FindValid resolves a presented refresh credential to its stored record.
// The lookup goes through the hashed record, never plaintext scanning.
func (s *TokenService) FindValid(ctx context.Context, store RefreshTokenStore, presented string) (*RefreshToken, error) {
	tokenID, secret, err := splitRefreshToken(presented)
	if err != nil {
		return nil, ErrInvalidToken
	}
	rec, err := store.Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		return nil, ErrInvalidToken
	}
	if !rec.Valid(s.now().UTC()) {
		return nil, ErrInvalidToken
	}
	return rec, nil
}

// Resolve maps a presented refresh credential to its stored record without
// judging expiry or revocation. Callers that need lifecycle decisions (reuse
// detection, expiry handling) work from the record.
func (s *TokenService) Resolve(ctx context.Context, store RefreshTokenStore, presented string) (*RefreshToken, error) {
	tokenID, secret, err := splitRefreshToken(presented)
	if err != nil {
		return nil, ErrInvalidToken
	}
	rec, err := store.Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		return nil, ErrInvalidToken
	}
	return rec, nil
}

// RotateRefreshToken revokes old and issues a replacement in a chain. The
// conditional revoke is the serialization point: of two concurrent calls
// with the same token only one wins, the other gets ErrInvalidToken.
func (s *TokenService) RotateRefreshToken(ctx context.Context, store RefreshTokenStore, old *RefreshToken, user *User, client ClientContext) (string, *RefreshToken, error) {
	if !s.rotate {
		return "", nil, ErrRotationDisabled
	}
	if old.RevokedAt != nil {
		return "", nil, ErrInvalidToken
	}

	secretBytes := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	now := s.now().UTC()
	next := &RefreshToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: hashRefreshSecret(secret),
		IP:        client.IP,
		UserAgent: client.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}

	won, err := store.Revoke(ctx, old.ID, next.ID, now)
	if err != nil {
		return "", nil, err
	}
	if !won {
		return "", nil, ErrInvalidToken
	}
	// Revoke and Create are two writes. If Create fails the old token is
	// already dead and the user must log in again: the chain fails closed,
	// never with two live tokens.
	if err := store.Create(ctx, next); err != nil {
		return "", nil, err
	}
	return next.ID + "." + secret, next, nil
}

// RevokeAll bulk-revokes every live token for the user.
func (s *TokenService) RevokeAll(ctx context.Context, store RefreshTokenStore, userID string) (int64, error) {
	return store.RevokeAllForUser(ctx, userID, s.now().UTC())
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashRefreshSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := hashRefreshSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
