package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cartaporte.app/internal/auth"
)

type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, ip, user_agent, created_at, expires_at)
		values ($1, $2, $3, nullif($4, ''), nullif($5, ''), $6, $7)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.IP, tok.UserAgent, tok.CreatedAt, tok.ExpiresAt)
	return err
}

func (s *refreshTokenStore) Find(ctx context.Context, id string) (*auth.RefreshToken, error) {
	var tok auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, coalesce(ip, ''), coalesce(user_agent, ''),
			created_at, expires_at, revoked_at, coalesce(replaced_by, '')
		from refresh_tokens where id = $1
	`, id).Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.IP, &tok.UserAgent,
		&tok.CreatedAt, &tok.ExpiresAt, &tok.RevokedAt, &tok.ReplacedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// Revoke is conditional on the row not being revoked yet. The row count tells
// concurrent rotations apart: exactly one caller sees true.
func (s *refreshTokenStore) Revoke(ctx context.Context, id, replacedBy string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2, replaced_by = nullif($3, '')
		where id = $1 and revoked_at is null
	`, id, at, replacedBy)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *refreshTokenStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where user_id = $1 and revoked_at is null
	`, userID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *refreshTokenStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
