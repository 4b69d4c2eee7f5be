package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cartaporte.app/internal/auth"
	"cartaporte.app/internal/ids"
)

type passwordHistoryStore struct{ db *sql.DB }

func (s *passwordHistoryStore) Recent(ctx context.Context, userID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select password_hash from password_history
		where user_id = $1
		order by created_at desc, id desc
		limit $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (s *passwordHistoryStore) Add(ctx context.Context, userID, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into password_history (id, user_id, password_hash, created_at)
		values ($1, $2, $3, now())
	`, ids.New(), userID, hash)
	return err
}

func (s *passwordHistoryStore) Prune(ctx context.Context, userID string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		delete from password_history
		where user_id = $1 and id not in (
			select id from password_history
			where user_id = $1
			order by created_at desc, id desc
			limit $2
		)
	`, userID, keep)
	return err
}

type passwordResetStore struct{ db *sql.DB }

func (s *passwordResetStore) Create(ctx context.Context, tok *auth.PasswordResetToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt)
	return err
}

func (s *passwordResetStore) FindByHash(ctx context.Context, tokenHash string) (*auth.PasswordResetToken, error) {
	var tok auth.PasswordResetToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, used_at, created_at
		from password_reset_tokens where token_hash = $1
	`, tokenHash).Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.ExpiresAt, &tok.UsedAt, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *passwordResetStore) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update password_reset_tokens set used_at = $2
		where id = $1 and used_at is null
	`, id, at)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
