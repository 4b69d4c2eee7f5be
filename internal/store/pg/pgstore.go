// Package pg implements the auth and audit persistence interfaces on
// PostgreSQL through database/sql with the pgx driver.
package pg

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"cartaporte.app/internal/auth"
)

// Store implements auth.Store over a shared connection pool.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Open connects to PostgreSQL and tunes the pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle. Used by tests with sqlmock.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for readiness probes and the migration runner.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Users(context.Context) auth.UserStore { return &userStore{db: s.db} }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore {
	return &refreshTokenStore{db: s.db}
}
func (s *Store) LoginAttempts(context.Context) auth.LoginAttemptStore {
	return &loginAttemptStore{db: s.db}
}
func (s *Store) PasswordHistory(context.Context) auth.PasswordHistoryStore {
	return &passwordHistoryStore{db: s.db}
}
func (s *Store) PasswordResets(context.Context) auth.PasswordResetStore {
	return &passwordResetStore{db: s.db}
}
func (s *Store) BackupCodes(context.Context) auth.BackupCodeStore {
	return &backupCodeStore{db: s.db}
}
func (s *Store) RBAC(context.Context) auth.RBACStore { return &rbacStore{db: s.db} }
