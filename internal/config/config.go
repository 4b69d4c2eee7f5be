package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config carries every tunable of the auth core. Values come from the
// environment, optionally seeded from a .env file in development.
type Config struct {
	Environment string
	ListenAddr  string
	DatabaseDSN string
	LogLevel    string

	// Token service
	JWTSecret     string
	JWTIssuer     string
	JWTAudience   string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RotateRefresh bool

	// MFA
	MFAEncryptionKey string
	MFAIssuer        string

	// Lockout and rate limiting
	LockThreshold    int
	LockWindow       time.Duration
	LockDuration     time.Duration
	RateLimitPerMin  int
	RateLimitBackoff time.Duration

	// Password policy
	PasswordMinLength  int
	PasswordHistoryLen int
	PasswordMaxAge     time.Duration

	// Registration
	AllowSelfRegistration bool

	// Password reset
	ResetTokenTTL time.Duration

	// Outbound
	SMTPAddr        string
	SMTPFrom        string
	AuditForwardURL string
}

// Load reads configuration from the environment. Signing and encryption keys
// have no fallback outside development: a missing key is a startup failure.
func Load() (Config, error) {
	// Best effort; a missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Config{
		Environment: getString("APP_ENV", EnvDevelopment),
		ListenAddr:  getString("LISTEN_ADDR", ":8080"),
		DatabaseDSN: os.Getenv("DATABASE_DSN"),
		LogLevel:    getString("LOG_LEVEL", "info"),

		JWTSecret:     os.Getenv("JWT_SECRET"),
		JWTIssuer:     getString("JWT_ISSUER", "cartaporte"),
		JWTAudience:   getString("JWT_AUDIENCE", "cartaporte-api"),
		AccessTTL:     getDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTTL:    getDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		RotateRefresh: getBool("REFRESH_TOKEN_ROTATION", true),

		MFAEncryptionKey: os.Getenv("MFA_ENCRYPTION_KEY"),
		MFAIssuer:        getString("MFA_ISSUER", "Cartaporte"),

		LockThreshold:    getInt("ACCOUNT_LOCK_THRESHOLD", 10),
		LockWindow:       getDuration("ACCOUNT_LOCK_WINDOW", 15*time.Minute),
		LockDuration:     getDuration("ACCOUNT_LOCK_DURATION", 15*time.Minute),
		RateLimitPerMin:  getInt("LOGIN_RATE_LIMIT_PER_MINUTE", 10),
		RateLimitBackoff: getDuration("LOGIN_RATE_LIMIT_BACKOFF", time.Minute),

		PasswordMinLength:  getInt("PASSWORD_MIN_LENGTH", 8),
		PasswordHistoryLen: getInt("PASSWORD_HISTORY_LENGTH", 5),
		PasswordMaxAge:     getDuration("PASSWORD_MAX_AGE", 90*24*time.Hour),

		AllowSelfRegistration: getBool("ALLOW_SELF_REGISTRATION", true),

		ResetTokenTTL: getDuration("PASSWORD_RESET_TTL", time.Hour),

		SMTPAddr:        os.Getenv("SMTP_ADDR"),
		SMTPFrom:        getString("SMTP_FROM", "no-reply@cartaporte.app"),
		AuditForwardURL: os.Getenv("AUDIT_FORWARD_URL"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Environment == EnvDevelopment {
		// Dev falls back to throwaway keys so the service can boot locally.
		return nil
	}
	var missing []string
	if strings.TrimSpace(c.JWTSecret) == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if strings.TrimSpace(c.MFAEncryptionKey) == "" {
		missing = append(missing, "MFA_ENCRYPTION_KEY")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		missing = append(missing, "DATABASE_DSN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: required in %s environment: %s", c.Environment, strings.Join(missing, ", "))
	}
	if len(c.MFAEncryptionKey) < 32 {
		return errors.New("config: MFA_ENCRYPTION_KEY must be at least 32 bytes")
	}
	return nil
}

// IsDevelopment reports whether the process runs with relaxed key checks.
func (c Config) IsDevelopment() bool { return c.Environment == EnvDevelopment }

func getString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
