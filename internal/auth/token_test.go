package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cartaporte.app/internal/auth"
	"cartaporte.app/internal/store/memory"
)

func testTokenService(t *testing.T, clock *testClock, opts ...auth.TokenOption) *auth.TokenService {
	t.Helper()
	opts = append([]auth.TokenOption{auth.WithTokenClock(clock.Now)}, opts...)
	svc, err := auth.NewTokenService("unit-test-signing-secret", "cartaporte", "cartaporte-api", opts...)
	require.NoError(t, err)
	return svc
}

func testUser() *auth.User {
	return &auth.User{
		ID:       "user-1",
		Username: "alice",
		Email:    "alice@example.com",
		Status:   auth.StatusActive,
		Roles:    []auth.Role{{ID: "r1", Name: auth.RoleOperator}},
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	svc := testTokenService(t, clock)

	claims := svc.BuildAccessClaims(testUser(), []string{auth.PermEnviosVer, auth.PermEnviosCrear})
	signed, err := svc.Encode(claims)
	require.NoError(t, err)

	decoded, err := svc.Decode(signed)
	require.NoError(t, err)
	require.Equal(t, "user-1", decoded.Subject)
	require.Equal(t, "alice", decoded.Usuario)
	require.Equal(t, []string{auth.RoleOperator}, decoded.Roles)
	require.Contains(t, decoded.Permissions, auth.PermEnviosVer)
	require.True(t, decoded.Active)
	require.NotEmpty(t, decoded.ID)
}

func TestDecodeFailsClosed(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	svc := testTokenService(t, clock)
	signed, err := svc.Encode(svc.BuildAccessClaims(testUser(), nil))
	require.NoError(t, err)

	t.Run("empty", func(t *testing.T) {
		_, err := svc.Decode("")
		require.ErrorIs(t, err, auth.ErrInvalidToken)
	})
	t.Run("garbage", func(t *testing.T) {
		_, err := svc.Decode("not.a.token")
		require.ErrorIs(t, err, auth.ErrInvalidToken)
	})
	t.Run("wrong key", func(t *testing.T) {
		other, err := auth.NewTokenService("a-different-signing-secret", "cartaporte", "cartaporte-api",
			auth.WithTokenClock(clock.Now))
		require.NoError(t, err)
		_, err = other.Decode(signed)
		require.ErrorIs(t, err, auth.ErrInvalidToken)
	})
	t.Run("wrong audience", func(t *testing.T) {
		other, err := auth.NewTokenService("unit-test-signing-secret", "cartaporte", "another-api",
			auth.WithTokenClock(clock.Now))
		require.NoError(t, err)
		_, err = other.Decode(signed)
		require.ErrorIs(t, err, auth.ErrInvalidToken)
	})
	t.Run("expired", func(t *testing.T) {
		late := &testClock{now: clock.Now().Add(16 * time.Minute)}
		other, err := auth.NewTokenService("unit-test-signing-secret", "cartaporte", "cartaporte-api",
			auth.WithTokenClock(late.Now))
		require.NoError(t, err)
		_, err = other.Decode(signed)
		require.ErrorIs(t, err, auth.ErrInvalidToken)
	})
}

func TestRefreshTokenLifecycle(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	svc := testTokenService(t, clock)
	ctx := context.Background()
	tokens := memory.NewStore().RefreshTokens(ctx)
	user := testUser()

	presented, rec, err := svc.CreateRefreshToken(ctx, tokens, user, auth.ClientContext{IP: "10.0.0.1"})
	require.NoError(t, err)
	require.NotContains(t, presented, rec.TokenHash, "plaintext must not embed the stored hash")

	found, err := svc.FindValid(ctx, tokens, presented)
	require.NoError(t, err)
	require.Equal(t, rec.ID, found.ID)

	// Tampered secrets miss the hash.
	_, err = svc.FindValid(ctx, tokens, rec.ID+".forged-secret")
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	rotated, next, err := svc.RotateRefreshToken(ctx, tokens, found, user, auth.ClientContext{})
	require.NoError(t, err)
	require.NotEqual(t, presented, rotated)

	// The old credential no longer resolves as valid, the new one does.
	_, err = svc.FindValid(ctx, tokens, presented)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = svc.FindValid(ctx, tokens, rotated)
	require.NoError(t, err)

	// Revocation chain is recorded.
	old, err := tokens.Find(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, old.RevokedAt)
	require.Equal(t, next.ID, old.ReplacedBy)
}

func TestRotateLosesConditionalWrite(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	svc := testTokenService(t, clock)
	ctx := context.Background()
	tokens := memory.NewStore().RefreshTokens(ctx)
	user := testUser()

	_, rec, err := svc.CreateRefreshToken(ctx, tokens, user, auth.ClientContext{})
	require.NoError(t, err)

	// Two callers race on the same record snapshot; the second loses.
	snapshot := *rec
	_, _, err = svc.RotateRefreshToken(ctx, tokens, rec, user, auth.ClientContext{})
	require.NoError(t, err)
	_, _, err = svc.RotateRefreshToken(ctx, tokens, &snapshot, user, auth.ClientContext{})
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestRotationDisabled(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	svc := testTokenService(t, clock, auth.WithRotation(false))
	ctx := context.Background()
	tokens := memory.NewStore().RefreshTokens(ctx)
	user := testUser()

	_, rec, err := svc.CreateRefreshToken(ctx, tokens, user, auth.ClientContext{})
	require.NoError(t, err)
	_, _, err = svc.RotateRefreshToken(ctx, tokens, rec, user, auth.ClientContext{})
	require.ErrorIs(t, err, auth.ErrRotationDisabled)
}

func TestRevokeAll(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	svc := testTokenService(t, clock)
	ctx := context.Background()
	tokens := memory.NewStore().RefreshTokens(ctx)
	user := testUser()

	for i := 0; i < 3; i++ {
		_, _, err := svc.CreateRefreshToken(ctx, tokens, user, auth.ClientContext{})
		require.NoError(t, err)
	}
	n, err := svc.RevokeAll(ctx, tokens, user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}
