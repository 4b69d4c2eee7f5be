package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"cartaporte.app/internal/audit"
	"cartaporte.app/internal/ids"
	"cartaporte.app/internal/mailer"
	"cartaporte.app/internal/mfa"
	"cartaporte.app/internal/obs"
	"cartaporte.app/internal/password"
)

// MFA methods reported with MFARequiredError.
const (
	MethodTOTP       = "totp"
	MethodBackupCode = "backup_code"
)

const rateWindow = time.Minute

// Service orchestrates credential verification, session lifecycle, MFA and
// the account lockout state machine.
type Service struct {
	store  Store
	tokens *TokenService
	sealer *mfa.Sealer
	audit  *audit.Logger
	mail   mailer.Mailer
	policy password.Policy
	log    *zap.Logger

	historyLen      int
	lockThreshold   int
	lockWindow      time.Duration
	lockDuration    time.Duration
	ratePerMinute   int
	rateBackoffBase time.Duration
	allowSelfReg    bool
	resetTTL        time.Duration
	passwordMaxAge  time.Duration
	mfaIssuer       string

	now func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithPolicy sets the password strength policy.
func WithPolicy(p password.Policy) ServiceOption {
	return func(s *Service) { s.policy = p }
}

// WithLockout configures the failed-attempt lockout state machine.
func WithLockout(threshold int, window, duration time.Duration) ServiceOption {
	return func(s *Service) {
		if threshold > 0 {
			s.lockThreshold = threshold
		}
		if window > 0 {
			s.lockWindow = window
		}
		if duration > 0 {
			s.lockDuration = duration
		}
	}
}

// WithRateLimit configures the per-IP attempt limit and backoff base.
func WithRateLimit(perMinute int, backoffBase time.Duration) ServiceOption {
	return func(s *Service) {
		if perMinute > 0 {
			s.ratePerMinute = perMinute
		}
		if backoffBase > 0 {
			s.rateBackoffBase = backoffBase
		}
	}
}

// WithSelfRegistration toggles the public register operation.
func WithSelfRegistration(enabled bool) ServiceOption {
	return func(s *Service) { s.allowSelfReg = enabled }
}

// WithHistoryLength sets how many prior password hashes are checked for reuse.
func WithHistoryLength(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.historyLen = n
		}
	}
}

// WithResetTTL sets the password reset token lifetime.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.resetTTL = ttl
		}
	}
}

// WithPasswordMaxAge sets the password expiry horizon; zero disables it.
func WithPasswordMaxAge(age time.Duration) ServiceOption {
	return func(s *Service) { s.passwordMaxAge = age }
}

// WithMFAIssuer sets the issuer shown in authenticator apps.
func WithMFAIssuer(issuer string) ServiceOption {
	return func(s *Service) {
		if issuer != "" {
			s.mfaIssuer = issuer
		}
	}
}

// WithMailer sets the outbound notifier.
func WithMailer(m mailer.Mailer) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.mail = m
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the credential and session manager.
func NewService(store Store, tokens *TokenService, sealer *mfa.Sealer, auditLog *audit.Logger, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	if sealer == nil {
		return nil, errors.New("auth: mfa sealer is required")
	}
	if auditLog == nil {
		return nil, errors.New("auth: audit logger is required")
	}
	s := &Service{
		store:  store,
		tokens: tokens,
		sealer: sealer,
		audit:  auditLog,
		mail:   mailer.Noop{},
		policy: password.DefaultPolicy(),
		log:    obs.Logger(),

		historyLen:      5,
		lockThreshold:   10,
		lockWindow:      15 * time.Minute,
		lockDuration:    15 * time.Minute,
		ratePerMinute:   10,
		rateBackoffBase: time.Minute,
		allowSelfReg:    true,
		resetTTL:        time.Hour,
		mfaIssuer:       "Cartaporte",

		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoginInput carries the parsed credentials for one login attempt.
type LoginInput struct {
	Identifier string
	Password   string
	TOTPCode   string
	BackupCode string
	Client     ClientContext
}

// LoginResult is the success payload of Login and RefreshSession.
type LoginResult struct {
	Tokens  TokenPair
	Profile Profile
}

// Login runs the per-attempt state machine: rate check, identity resolution,
// lazy unlock, account-state gate, lock gate, password check, MFA gate, and
// finally token issuance. Every outcome leaves a LoginAttempt record except
// the rate-limit rejection, which fires before any account work.
func (s *Service) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	now := s.now().UTC()

	// 1. Rate check, before identity resolution so the limit also covers
	// probes against unknown accounts.
	if in.Client.IP != "" {
		count, err := s.store.LoginAttempts(ctx).CountByIPSince(ctx, in.Client.IP, now.Add(-rateWindow))
		if err != nil {
			return LoginResult{}, err
		}
		if count >= s.ratePerMinute {
			obs.CountLoginOutcome("rate_limited")
			return LoginResult{}, &RateLimitError{RetryAfter: s.backoff(count - s.ratePerMinute + 1)}
		}
	}

	// 2. Resolve identity. Unknown identifiers record an attempt with no
	// user and fail generically.
	identifier := strings.ToLower(strings.TrimSpace(in.Identifier))
	user, err := s.store.Users(ctx).FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if err := s.recordAttempt(ctx, "", identifier, in.Client, false, false); err != nil {
				return LoginResult{}, err
			}
			obs.CountLoginOutcome("invalid_credentials")
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	// 3. Lazy unlock once the lockout horizon has passed.
	if user.IsLocked && user.LockedUntil != nil && now.After(*user.LockedUntil) {
		user.IsLocked = false
		user.LockedUntil = nil
		user.FailedAttempts = 0
		if err := s.store.Users(ctx).Update(ctx, user); err != nil {
			return LoginResult{}, err
		}
	}

	// 4. Account-state gate. Non-active accounts fail exactly like a bad
	// password.
	if user.Status != StatusActive {
		if err := s.recordAttempt(ctx, user.ID, identifier, in.Client, false, false); err != nil {
			return LoginResult{}, err
		}
		if err := s.auditEvent(ctx, audit.ActionLoginFailure, user.ID, in.Client, audit.LevelInfo, map[string]any{"reason": "inactive"}); err != nil {
			return LoginResult{}, err
		}
		obs.CountLoginOutcome("invalid_credentials")
		return LoginResult{}, ErrInvalidCredentials
	}

	// 5. Explicit lock gate.
	if user.IsLocked {
		until := now.Add(s.lockDuration)
		if user.LockedUntil != nil {
			until = *user.LockedUntil
		}
		if err := s.recordAttempt(ctx, user.ID, identifier, in.Client, false, false); err != nil {
			return LoginResult{}, err
		}
		if err := s.auditEvent(ctx, audit.ActionLoginLocked, user.ID, in.Client, audit.LevelWarning, nil); err != nil {
			return LoginResult{}, err
		}
		obs.CountLoginOutcome("locked")
		return LoginResult{}, &LockedError{Until: until}
	}

	// 6. Password check.
	if !password.Verify(in.Password, user.PasswordHash) {
		if err := s.registerFailure(ctx, user, identifier, in.Client); err != nil {
			return LoginResult{}, err
		}
		obs.CountLoginOutcome("invalid_credentials")
		return LoginResult{}, ErrInvalidCredentials
	}

	// 7. MFA gate. TOTP is tried first, then backup codes; a wrong second
	// factor counts toward lockout like a wrong password.
	if user.MFAEnabled {
		if in.TOTPCode == "" && in.BackupCode == "" {
			if err := s.recordAttempt(ctx, user.ID, identifier, in.Client, false, true); err != nil {
				return LoginResult{}, err
			}
			obs.CountLoginOutcome("mfa_required")
			return LoginResult{}, &MFARequiredError{Methods: []string{MethodTOTP, MethodBackupCode}}
		}
		ok, err := s.verifySecondFactor(ctx, user, in.TOTPCode, in.BackupCode, now)
		if err != nil {
			return LoginResult{}, err
		}
		if !ok {
			if err := s.registerFailure(ctx, user, identifier, in.Client); err != nil {
				return LoginResult{}, err
			}
			obs.CountLoginOutcome("invalid_credentials")
			return LoginResult{}, ErrInvalidCredentials
		}
	}

	// 8. Success: reset counters, stamp metadata, issue tokens.
	user.FailedAttempts = 0
	user.IsLocked = false
	user.LockedUntil = nil
	user.LastLoginAt = &now
	user.LastLoginIP = in.Client.IP
	if err := s.store.Users(ctx).Update(ctx, user); err != nil {
		return LoginResult{}, err
	}
	if err := s.recordAttempt(ctx, user.ID, identifier, in.Client, true, false); err != nil {
		return LoginResult{}, err
	}

	result, err := s.issueSession(ctx, user, in.Client)
	if err != nil {
		return LoginResult{}, err
	}
	if err := s.auditEvent(ctx, audit.ActionLoginSuccess, user.ID, in.Client, audit.LevelInfo, nil); err != nil {
		return LoginResult{}, err
	}
	obs.CountLoginOutcome("success")
	return result, nil
}

func (s *Service) verifySecondFactor(ctx context.Context, user *User, totpCode, backupCode string, now time.Time) (bool, error) {
	if totpCode != "" && user.TOTPSecretEnc != "" {
		secret, err := s.sealer.Open(user.TOTPSecretEnc)
		if err != nil {
			return false, err
		}
		ok, err := mfa.VerifyCode(secret, totpCode, now)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	if backupCode != "" {
		records, err := s.store.BackupCodes(ctx).List(ctx, user.ID)
		if err != nil {
			return false, err
		}
		codes := make([]mfa.BackupCode, len(records))
		for i, r := range records {
			codes[i] = mfa.BackupCode{Salt: r.Salt, Hash: r.Hash, Used: r.Used}
		}
		idx := mfa.MatchBackupCode(backupCode, codes)
		if idx >= 0 {
			// The conditional mark is what makes the code single-use under
			// concurrent attempts.
			won, err := s.store.BackupCodes(ctx).MarkUsed(ctx, records[idx].ID)
			if err != nil {
				return false, err
			}
			return won, nil
		}
	}
	return false, nil
}

// registerFailure records the failed attempt and advances the lockout state
// machine. The rolling window count comes from the attempts table, so two
// concurrent failures may under-count; lockout is best-effort by design.
func (s *Service) registerFailure(ctx context.Context, user *User, identifier string, client ClientContext) error {
	now := s.now().UTC()
	if err := s.recordAttempt(ctx, user.ID, identifier, client, false, false); err != nil {
		return err
	}
	failures, err := s.store.LoginAttempts(ctx).CountFailuresSince(ctx, user.ID, now.Add(-s.lockWindow))
	if err != nil {
		return err
	}
	user.FailedAttempts = failures
	if failures >= s.lockThreshold {
		until := now.Add(s.lockDuration)
		user.IsLocked = true
		user.LockedUntil = &until
		obs.CountLockout()
		if err := s.auditEvent(ctx, audit.ActionLockoutTriggered, user.ID, client, audit.LevelCritical, map[string]any{
			"failures": failures,
			"until":    until.Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	return s.store.Users(ctx).Update(ctx, user)
}

func (s *Service) recordAttempt(ctx context.Context, userID, identifier string, client ClientContext, success, mfaRequired bool) error {
	return s.store.LoginAttempts(ctx).Record(ctx, &LoginAttempt{
		ID:          ids.New(),
		UserID:      userID,
		Identifier:  identifier,
		IP:          client.IP,
		UserAgent:   client.UserAgent,
		Success:     success,
		MFARequired: mfaRequired,
		CreatedAt:   s.now().UTC(),
	})
}

// backoff grows exponentially with the overflow count, capped at one hour.
func (s *Service) backoff(overflow int) time.Duration {
	if overflow < 1 {
		overflow = 1
	}
	d := s.rateBackoffBase
	for i := 1; i < overflow; i++ {
		d *= 2
		if d >= time.Hour {
			return time.Hour
		}
	}
	if d > time.Hour {
		return time.Hour
	}
	return d
}

func (s *Service) issueSession(ctx context.Context, user *User, client ClientContext) (LoginResult, error) {
	profile, perms, err := s.profileFor(ctx, user)
	if err != nil {
		return LoginResult{}, err
	}
	claims := s.tokens.BuildAccessClaims(user, perms)
	access, err := s.tokens.Encode(claims)
	if err != nil {
		return LoginResult{}, err
	}
	refresh, rec, err := s.tokens.CreateRefreshToken(ctx, s.store.RefreshTokens(ctx), user, client)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		Tokens: TokenPair{
			AccessToken:      access,
			RefreshToken:     refresh,
			AccessExpiresAt:  claims.ExpiresAt.Time,
			RefreshExpiresAt: rec.ExpiresAt,
		},
		Profile: profile,
	}, nil
}

func (s *Service) profileFor(ctx context.Context, user *User) (Profile, []string, error) {
	perms, err := EffectivePermissions(ctx, s.store.RBAC(ctx), user.ID)
	if err != nil {
		return Profile{}, nil, err
	}
	roles := user.RoleNames()
	return Profile{
		ID:          user.ID,
		Username:    user.Username,
		Email:       user.Email,
		Status:      user.Status,
		Roles:       roles,
		PrimaryRole: PrimaryRole(roles),
		Permissions: perms,
		MFAEnabled:  user.MFAEnabled,
		IsLocked:    user.IsLocked,
		LastLoginAt: user.LastLoginAt,
		LastLoginIP: user.LastLoginIP,
	}, perms, nil
}

// ProfileByID returns the public profile for an account.
func (s *Service) ProfileByID(ctx context.Context, userID string) (Profile, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	profile, _, err := s.profileFor(ctx, user)
	return profile, err
}

func (s *Service) auditEvent(ctx context.Context, action, userID string, client ClientContext, level string, metadata map[string]any) error {
	return s.audit.Record(ctx, audit.Event{
		Action:    action,
		UserID:    userID,
		IP:        client.IP,
		UserAgent: client.UserAgent,
		Level:     level,
		Metadata:  metadata,
	})
}
