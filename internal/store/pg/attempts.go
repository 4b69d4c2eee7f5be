package pg

import (
	"context"
	"database/sql"
	"time"

	"cartaporte.app/internal/auth"
)

type loginAttemptStore struct{ db *sql.DB }

func (s *loginAttemptStore) Record(ctx context.Context, attempt *auth.LoginAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		insert into login_attempts (id, user_id, identifier, ip, user_agent, success, mfa_required, created_at)
		values ($1, nullif($2, ''), $3, nullif($4, ''), nullif($5, ''), $6, $7, $8)
	`, attempt.ID, attempt.UserID, attempt.Identifier, attempt.IP, attempt.UserAgent,
		attempt.Success, attempt.MFARequired, attempt.CreatedAt)
	return err
}

func (s *loginAttemptStore) CountByIPSince(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from login_attempts where ip = $1 and created_at >= $2`,
		ip, since).Scan(&n)
	return n, err
}

func (s *loginAttemptStore) CountFailuresSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from login_attempts where user_id = $1 and success = false and mfa_required = false and created_at >= $2`,
		userID, since).Scan(&n)
	return n, err
}
