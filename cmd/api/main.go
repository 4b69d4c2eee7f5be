package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cartaporte.app/internal/audit"
	"cartaporte.app/internal/auth"
	"cartaporte.app/internal/config"
	"cartaporte.app/internal/httpapi"
	"cartaporte.app/internal/mailer"
	"cartaporte.app/internal/mfa"
	"cartaporte.app/internal/obs"
	"cartaporte.app/internal/password"
	"cartaporte.app/internal/store/memory"
	"cartaporte.app/internal/store/pg"
)

var version = "1.0.0"

// Development-only fallbacks. Load() rejects missing keys in any other
// environment before these are reached.
const (
	devJWTSecret = "dev-only-jwt-secret-do-not-deploy"
	devSealerKey = "dev-only-mfa-encryption-key-32byte"
)

// Global per-IP HTTP rate limit, distinct from the login attempt limiter
// inside the auth service.
const (
	httpRatePerSec = 25
	httpRateBurst  = 50
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := obs.InitLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("BUILD_COMMIT"))

	jwtSecret := cfg.JWTSecret
	sealerKey := cfg.MFAEncryptionKey
	if cfg.IsDevelopment() {
		if jwtSecret == "" {
			jwtSecret = devJWTSecret
			logger.Warn("using development fallback JWT secret")
		}
		if sealerKey == "" {
			sealerKey = devSealerKey
			logger.Warn("using development fallback MFA encryption key")
		}
	}

	var (
		store      auth.Store
		auditStore audit.Store
		db         *sql.DB
	)
	if cfg.DatabaseDSN != "" {
		pgStore, err := pg.Open(cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal("open database", zap.Error(err))
		}
		db = pgStore.DB()
		store = pgStore
		auditStore = pgStore.Audit()
	} else {
		// Load() already failed on a missing DSN outside development.
		logger.Warn("no DATABASE_DSN, using in-memory store")
		store = memory.NewStore()
		auditStore = memory.NewAuditStore()
	}

	tokens, err := auth.NewTokenService(jwtSecret, cfg.JWTIssuer, cfg.JWTAudience,
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithRotation(cfg.RotateRefresh),
	)
	if err != nil {
		logger.Fatal("token service", zap.Error(err))
	}

	sealer, err := mfa.NewSealer(sealerKey)
	if err != nil {
		logger.Fatal("mfa sealer", zap.Error(err))
	}

	var auditOpts []audit.Option
	if cfg.AuditForwardURL != "" {
		auditOpts = append(auditOpts, audit.WithForwardURL(cfg.AuditForwardURL))
	}
	auditLog := audit.NewLogger(auditStore, auditOpts...)
	defer auditLog.Close()

	var mail mailer.Mailer = mailer.Noop{}
	if cfg.SMTPAddr != "" {
		mail = mailer.NewSMTP(cfg.SMTPAddr, cfg.SMTPFrom)
	}

	svc, err := auth.NewService(store, tokens, sealer, auditLog,
		auth.WithPolicy(password.Policy{MinLength: cfg.PasswordMinLength}),
		auth.WithLockout(cfg.LockThreshold, cfg.LockWindow, cfg.LockDuration),
		auth.WithRateLimit(cfg.RateLimitPerMin, cfg.RateLimitBackoff),
		auth.WithHistoryLength(cfg.PasswordHistoryLen),
		auth.WithPasswordMaxAge(cfg.PasswordMaxAge),
		auth.WithResetTTL(cfg.ResetTokenTTL),
		auth.WithSelfRegistration(cfg.AllowSelfRegistration),
		auth.WithMFAIssuer(cfg.MFAIssuer),
		auth.WithMailer(mail),
	)
	if err != nil {
		logger.Fatal("auth service", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := auth.EnsureMatrixOnce(ctx, store.RBAC(ctx)); err != nil {
		cancel()
		logger.Fatal("ensure rbac matrix", zap.Error(err))
	}
	cancel()

	api := httpapi.New(svc, tokens, httpapi.ReadyProbe{DB: db}, version,
		httpapi.WithSecureCookies(!cfg.IsDevelopment()))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.RateLimit(api.Handler(), httpRatePerSec, httpRateBurst),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting cartaporte-auth",
		zap.String("version", version),
		zap.String("addr", srv.Addr),
		zap.String("environment", cfg.Environment))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if db != nil {
		_ = db.Close()
	}
	logger.Info("stopped")
}
