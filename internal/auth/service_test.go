package auth_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cartaporte.app/internal/audit"
	"cartaporte.app/internal/auth"
	"cartaporte.app/internal/mfa"
	"cartaporte.app/internal/password"
	"cartaporte.app/internal/store/memory"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// captureMailer hands sent messages to the test through a channel so the
// asynchronous best-effort send can be observed without sleeping.
type captureMailer struct{ sent chan string }

func (m *captureMailer) Send(_ context.Context, _, _, _ string, textBody string) error {
	m.sent <- textBody
	return nil
}

type testEnv struct {
	svc    *auth.Service
	store  *memory.Store
	tokens *auth.TokenService
	audit  *memory.AuditStore
	clock  *testClock
}

func newTestEnv(t *testing.T, opts ...auth.ServiceOption) *testEnv {
	t.Helper()
	store := memory.NewStore()
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}

	tokens, err := auth.NewTokenService("unit-test-signing-secret", "cartaporte", "cartaporte-api",
		auth.WithTokenClock(clock.Now))
	require.NoError(t, err)
	sealer, err := mfa.NewSealer("unit-test-encryption-key")
	require.NoError(t, err)

	auditStore := memory.NewAuditStore()
	opts = append([]auth.ServiceOption{auth.WithClock(clock.Now)}, opts...)
	svc, err := auth.NewService(store, tokens, sealer, audit.NewLogger(auditStore), opts...)
	require.NoError(t, err)

	require.NoError(t, auth.EnsureMatrix(context.Background(), store.RBAC(context.Background())))
	return &testEnv{svc: svc, store: store, tokens: tokens, audit: auditStore, clock: clock}
}

func (e *testEnv) auditActions() []string {
	events := e.audit.Events()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Action
	}
	return out
}

func (e *testEnv) user(t *testing.T, id string) *auth.User {
	t.Helper()
	u, err := e.store.Users(context.Background()).Find(context.Background(), id)
	require.NoError(t, err)
	return u
}

func register(t *testing.T, svc *auth.Service, username, email, pass, role string) auth.Profile {
	t.Helper()
	profile, err := svc.Register(context.Background(), auth.RegisterInput{
		Username: username,
		Email:    email,
		Password: pass,
		Role:     role,
	})
	require.NoError(t, err)
	return profile
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	profile := register(t, env.svc, "alice", "alice@example.com", "StrongPass1!", "operator")
	require.Equal(t, "operator", profile.PrimaryRole)

	result, err := env.svc.Login(ctx, auth.LoginInput{
		Identifier: "alice",
		Password:   "StrongPass1!",
		Client:     auth.ClientContext{IP: "10.0.0.1", UserAgent: "test"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Tokens.AccessToken)
	require.NotEmpty(t, result.Tokens.RefreshToken)
	require.Contains(t, result.Profile.Permissions, auth.PermEnviosVer)
	require.Contains(t, result.Profile.Permissions, auth.PermEnviosCrear)
	require.NotContains(t, result.Profile.Permissions, auth.PermUsuariosAdministrar)
	require.Contains(t, env.auditActions(), audit.ActionRegister)
	require.Contains(t, env.auditActions(), audit.ActionLoginSuccess)

	// Claims carry the resolved permission set and identity fields.
	claims, err := env.tokens.Decode(result.Tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Usuario)
	require.Equal(t, "alice@example.com", claims.Email)
	require.Contains(t, claims.Permissions, auth.PermEnviosVer)
	require.True(t, claims.Active)
	require.False(t, claims.MFA)

	// Success stamps the login metadata.
	user := env.user(t, profile.ID)
	require.NotNil(t, user.LastLoginAt)
	require.Equal(t, "10.0.0.1", user.LastLoginIP)
}

func TestLoginUnknownIdentifierIsGeneric(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.svc.Login(ctx, auth.LoginInput{
		Identifier: "nobody@example.com",
		Password:   "whatever",
		Client:     auth.ClientContext{IP: "10.0.0.2"},
	})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	// The probe still left an attempt record for the rate limiter.
	n, err := env.store.LoginAttempts(ctx).CountByIPSince(ctx, "10.0.0.2", env.clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLoginInactiveAccountFailsLikeBadPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	profile := register(t, env.svc, "bob", "bob@example.com", "StrongPass1!", "")

	user := env.user(t, profile.ID)
	user.Status = auth.StatusSuspended
	require.NoError(t, env.store.Users(ctx).Update(ctx, user))

	_, err := env.svc.Login(ctx, auth.LoginInput{
		Identifier: "bob",
		Password:   "StrongPass1!",
	})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestLockoutAfterThresholdAndLazyUnlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	profile := register(t, env.svc, "carol", "carol@example.com", "StrongPass1!", "")

	// Nine failures leave the account usable.
	for i := 0; i < 9; i++ {
		_, err := env.svc.Login(ctx, auth.LoginInput{Identifier: "carol", Password: "wrong"})
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}
	require.False(t, env.user(t, profile.ID).IsLocked)

	// The tenth trips the lock.
	_, err := env.svc.Login(ctx, auth.LoginInput{Identifier: "carol", Password: "wrong"})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	require.True(t, env.user(t, profile.ID).IsLocked)
	require.Contains(t, env.auditActions(), audit.ActionLockoutTriggered)

	// Even the correct password bounces off a locked account.
	_, err = env.svc.Login(ctx, auth.LoginInput{Identifier: "carol", Password: "StrongPass1!"})
	var locked *auth.LockedError
	require.ErrorAs(t, err, &locked)
	require.True(t, locked.Until.After(env.clock.Now()))

	// Once the horizon passes, the next attempt unlocks lazily and succeeds.
	env.clock.Advance(16 * time.Minute)
	result, err := env.svc.Login(ctx, auth.LoginInput{Identifier: "carol", Password: "StrongPass1!"})
	require.NoError(t, err)
	require.NotEmpty(t, result.Tokens.AccessToken)
	require.False(t, env.user(t, profile.ID).IsLocked)
	require.Zero(t, env.user(t, profile.ID).FailedAttempts)
}

func TestRateLimitPerIPWithBackoff(t *testing.T) {
	env := newTestEnv(t, auth.WithRateLimit(5, time.Minute))
	ctx := context.Background()
	client := auth.ClientContext{IP: "1.2.3.4"}

	for i := 0; i < 5; i++ {
		_, err := env.svc.Login(ctx, auth.LoginInput{Identifier: "ghost", Password: "wrong", Client: client})
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}

	_, err := env.svc.Login(ctx, auth.LoginInput{Identifier: "ghost", Password: "wrong", Client: client})
	var rated *auth.RateLimitError
	require.ErrorAs(t, err, &rated)
	require.Equal(t, time.Minute, rated.RetryAfter)

	// A different source address is unaffected.
	_, err = env.svc.Login(ctx, auth.LoginInput{Identifier: "ghost", Password: "wrong", Client: auth.ClientContext{IP: "5.6.7.8"}})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	// The limit clears once the window slides past the burst.
	env.clock.Advance(2 * time.Minute)
	_, err = env.svc.Login(ctx, auth.LoginInput{Identifier: "ghost", Password: "wrong", Client: client})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestLoginWithTOTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	profile := register(t, env.svc, "dave", "dave@example.com", "StrongPass1!", "")

	enrollment, err := env.svc.StartMFAEnrollment(ctx, profile.ID)
	require.NoError(t, err)
	require.Contains(t, enrollment.ProvisionURI, "otpauth://totp/")

	code, err := mfa.CodeAt(enrollment.Secret, env.clock.Now())
	require.NoError(t, err)
	backupCodes, err := env.svc.ConfirmMFAEnrollment(ctx, profile.ID, code, auth.ClientContext{})
	require.NoError(t, err)
	require.Len(t, backupCodes, 10)

	// Password alone now yields a challenge, not a session.
	_, err = env.svc.Login(ctx, auth.LoginInput{Identifier: "dave", Password: "StrongPass1!"})
	var challenge *auth.MFARequiredError
	require.ErrorAs(t, err, &challenge)
	require.Contains(t, challenge.Methods, auth.MethodTOTP)

	// Password plus a fresh code succeeds.
	code, err = mfa.CodeAt(enrollment.Secret, env.clock.Now())
	require.NoError(t, err)
	result, err := env.svc.Login(ctx, auth.LoginInput{Identifier: "dave", Password: "StrongPass1!", TOTPCode: code})
	require.NoError(t, err)
	require.True(t, result.Profile.MFAEnabled)

	// A wrong code is a credential failure.
	_, err = env.svc.Login(ctx, auth.LoginInput{Identifier: "dave", Password: "StrongPass1!", TOTPCode: "000000"})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestBackupCodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	profile := register(t, env.svc, "erin", "erin@example.com", "StrongPass1!", "")

	enrollment, err := env.svc.StartMFAEnrollment(ctx, profile.ID)
	require.NoError(t, err)
	code, err := mfa.CodeAt(enrollment.Secret, env.clock.Now())
	require.NoError(t, err)
	backupCodes, err := env.svc.ConfirmMFAEnrollment(ctx, profile.ID, code, auth.ClientContext{})
	require.NoError(t, err)

	_, err = env.svc.Login(ctx, auth.LoginInput{Identifier: "erin", Password: "StrongPass1!", BackupCode: backupCodes[0]})
	require.NoError(t, err)

	remaining, err := env.svc.RemainingBackupCodes(ctx, profile.ID)
	require.NoError(t, err)
	require.Equal(t, 9, remaining)

	_, err = env.svc.Login(ctx, auth.LoginInput{Identifier: "erin", Password: "StrongPass1!", BackupCode: backupCodes[0]})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	register(t, env.svc, "frank", "frank@example.com", "StrongPass1!", "")

	login, err := env.svc.Login(ctx, auth.LoginInput{Identifier: "frank", Password: "StrongPass1!"})
	require.NoError(t, err)
	first := login.Tokens.RefreshToken

	refreshed, err := env.svc.RefreshSession(ctx, first, auth.ClientContext{})
	require.NoError(t, err)
	second := refreshed.Tokens.RefreshToken
	require.NotEqual(t, first, second)

	// Replaying the rotated-out token kills every session for the user.
	_, err = env.svc.RefreshSession(ctx, first, auth.ClientContext{})
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	require.Contains(t, env.auditActions(), audit.ActionTokenReuse)

	_, err = env.svc.RefreshSession(ctx, second, auth.ClientContext{})
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestRefreshExpiredTokenFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	register(t, env.svc, "gina", "gina@example.com", "StrongPass1!", "")

	login, err := env.svc.Login(ctx, auth.LoginInput{Identifier: "gina", Password: "StrongPass1!"})
	require.NoError(t, err)

	env.clock.Advance(8 * 24 * time.Hour)
	_, err = env.svc.RefreshSession(ctx, login.Tokens.RefreshToken, auth.ClientContext{})
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestLogoutRevokesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	profile := register(t, env.svc, "hugo", "hugo@example.com", "StrongPass1!", "")

	login, err := env.svc.Login(ctx, auth.LoginInput{Identifier: "hugo", Password: "StrongPass1!"})
	require.NoError(t, err)

	require.NoError(t, env.svc.Logout(ctx, profile.ID, login.Tokens.RefreshToken, auth.ClientContext{}))
	_, err = env.svc.RefreshSession(ctx, login.Tokens.RefreshToken, auth.ClientContext{})
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestChangePasswordRejectsRecentReuse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	profile := register(t, env.svc, "iris", "iris@example.com", "StrongPass1!", "")

	require.NoError(t, env.svc.ChangePassword(ctx, profile.ID, "StrongPass1!", "NextStrong2@", auth.ClientContext{}))

	before := env.user(t, profile.ID).PasswordHash
	err := env.svc.ChangePassword(ctx, profile.ID, "NextStrong2@", "StrongPass1!", auth.ClientContext{})
	var policyErr *auth.PolicyError
	require.ErrorAs(t, err, &policyErr)
	require.Equal(t, before, env.user(t, profile.ID).PasswordHash)
}

func TestChangePasswordEnforcesPolicy(t *testing.T) {
	env := newTestEnv(t)
	profile := register(t, env.svc, "jack", "jack@example.com", "StrongPass1!", "")

	err := env.svc.ChangePassword(context.Background(), profile.ID, "StrongPass1!", "weak", auth.ClientContext{})
	var policyErr *auth.PolicyError
	require.ErrorAs(t, err, &policyErr)
	require.NotEmpty(t, policyErr.Reasons)
}

func TestPasswordResetFlow(t *testing.T) {
	mail := &captureMailer{sent: make(chan string, 1)}
	env := newTestEnv(t, auth.WithMailer(mail))
	ctx := context.Background()
	register(t, env.svc, "kate", "kate@example.com", "StrongPass1!", "")

	require.NoError(t, env.svc.StartPasswordReset(ctx, "kate@example.com", auth.ClientContext{}))

	var body string
	select {
	case body = <-mail.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("reset mail never sent")
	}
	secret := extractResetSecret(t, body)

	require.NoError(t, env.svc.CompletePasswordReset(ctx, secret, "BrandNew3#pw", auth.ClientContext{}))

	_, err := env.svc.Login(ctx, auth.LoginInput{Identifier: "kate", Password: "BrandNew3#pw"})
	require.NoError(t, err)

	// The secret is single-use.
	err = env.svc.CompletePasswordReset(ctx, secret, "AnotherNew4$pw", auth.ClientContext{})
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	mail := &captureMailer{sent: make(chan string, 1)}
	env := newTestEnv(t, auth.WithMailer(mail))

	require.NoError(t, env.svc.StartPasswordReset(context.Background(), "ghost@example.com", auth.ClientContext{}))
	select {
	case <-mail.sent:
		t.Fatal("no mail should be sent for unknown accounts")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPasswordResetPolicyRejectionKeepsTokenUsable(t *testing.T) {
	mail := &captureMailer{sent: make(chan string, 1)}
	env := newTestEnv(t, auth.WithMailer(mail))
	ctx := context.Background()
	register(t, env.svc, "liam", "liam@example.com", "StrongPass1!", "")

	require.NoError(t, env.svc.StartPasswordReset(ctx, "liam@example.com", auth.ClientContext{}))
	secret := extractResetSecret(t, <-mail.sent)

	var policyErr *auth.PolicyError
	require.ErrorAs(t, env.svc.CompletePasswordReset(ctx, secret, "weak", auth.ClientContext{}), &policyErr)

	// The corrected retry still works with the same secret.
	require.NoError(t, env.svc.CompletePasswordReset(ctx, secret, "Corrected5%pw", auth.ClientContext{}))
}

func TestPasswordResetDiesWithDeletedAccount(t *testing.T) {
	mail := &captureMailer{sent: make(chan string, 1)}
	env := newTestEnv(t, auth.WithMailer(mail))
	ctx := context.Background()
	profile := register(t, env.svc, "mona", "mona@example.com", "StrongPass1!", "")

	require.NoError(t, env.svc.StartPasswordReset(ctx, "mona@example.com", auth.ClientContext{}))
	secret := extractResetSecret(t, <-mail.sent)

	require.NoError(t, env.svc.AdminDeleteUser(ctx, "admin-1", profile.ID, auth.ClientContext{}))

	// The outstanding secret reads as any other bad token; it must not
	// reveal whether the account ever existed.
	err := env.svc.CompletePasswordReset(ctx, secret, "AfterDelete6^pw", auth.ClientContext{})
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Register(context.Background(), auth.RegisterInput{
		Username: "mary",
		Email:    "mary@example.com",
		Password: "StrongPass1!",
		Role:     "superuser",
	})
	require.ErrorIs(t, err, auth.ErrUnknownRole)
}

func TestRegisterDuplicateIsGenericConflict(t *testing.T) {
	env := newTestEnv(t)
	register(t, env.svc, "nina", "nina@example.com", "StrongPass1!", "")
	_, err := env.svc.Register(context.Background(), auth.RegisterInput{
		Username: "nina2",
		Email:    "nina@example.com",
		Password: "StrongPass1!",
	})
	require.ErrorIs(t, err, auth.ErrConflict)
}

func TestSelfRegistrationDisabled(t *testing.T) {
	env := newTestEnv(t, auth.WithSelfRegistration(false))
	_, err := env.svc.Register(context.Background(), auth.RegisterInput{
		Username: "olga",
		Email:    "olga@example.com",
		Password: "StrongPass1!",
	})
	require.ErrorIs(t, err, auth.ErrRegistrationDisabled)
}

func TestAdminLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	adminProfile := register(t, env.svc, "root", "root@example.com", "StrongPass1!", "admin")
	target := register(t, env.svc, "pepe", "pepe@example.com", "StrongPass1!", "viewer")

	// Promote to operator.
	updated, err := env.svc.AdminUpdateUser(ctx, adminProfile.ID, target.ID, auth.AdminUpdate{
		Roles: []string{"operator"},
	}, auth.ClientContext{})
	require.NoError(t, err)
	require.Equal(t, "operator", updated.PrimaryRole)
	require.Contains(t, updated.Permissions, auth.PermEnviosCrear)

	// Suspension revokes live sessions.
	login, err := env.svc.Login(ctx, auth.LoginInput{Identifier: "pepe", Password: "StrongPass1!"})
	require.NoError(t, err)
	suspended := auth.StatusSuspended
	_, err = env.svc.AdminUpdateUser(ctx, adminProfile.ID, target.ID, auth.AdminUpdate{Status: &suspended}, auth.ClientContext{})
	require.NoError(t, err)
	_, err = env.svc.RefreshSession(ctx, login.Tokens.RefreshToken, auth.ClientContext{})
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	// Unlock clears lockout state.
	_, err = env.svc.AdminUnlockUser(ctx, adminProfile.ID, target.ID, auth.ClientContext{})
	require.NoError(t, err)
	require.False(t, env.user(t, target.ID).IsLocked)

	// Delete removes the account.
	require.NoError(t, env.svc.AdminDeleteUser(ctx, adminProfile.ID, target.ID, auth.ClientContext{}))
	_, err = env.svc.ProfileByID(ctx, target.ID)
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func extractResetSecret(t *testing.T, body string) string {
	t.Helper()
	_, rest, found := strings.Cut(body, ": ")
	require.True(t, found, "unexpected mail body: %q", body)
	secret, _, found := strings.Cut(rest, " (")
	require.True(t, found, "unexpected mail body: %q", body)
	return secret
}

func TestConfiguredMinimumLengthOverridesDefault(t *testing.T) {
	env := newTestEnv(t, auth.WithPolicy(password.Policy{MinLength: 16}))
	ctx := context.Background()

	// Acceptable under the default policy, too short under the configured one.
	_, err := env.svc.Register(ctx, auth.RegisterInput{
		Username: "paula",
		Email:    "paula@example.com",
		Password: "StrongPass1!",
		Role:     "operator",
	})
	var policyErr *auth.PolicyError
	require.ErrorAs(t, err, &policyErr)
	require.Contains(t, strings.Join(policyErr.Reasons, "; "), "16")

	_, err = env.svc.Register(ctx, auth.RegisterInput{
		Username: "paula",
		Email:    "paula@example.com",
		Password: "MuchLongerPass1!",
		Role:     "operator",
	})
	require.NoError(t, err)
}
