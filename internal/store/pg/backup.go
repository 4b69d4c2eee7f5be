package pg

import (
	"context"
	"database/sql"
	"fmt"

	"cartaporte.app/internal/auth"
)

type backupCodeStore struct{ db *sql.DB }

// Replace swaps the user's full code set in one transaction.
func (s *backupCodeStore) Replace(ctx context.Context, userID string, codes []auth.BackupCodeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `delete from backup_codes where user_id = $1`, userID); err != nil {
		return err
	}
	for _, code := range codes {
		if _, err := tx.ExecContext(ctx, `
			insert into backup_codes (id, user_id, salt, hash, used)
			values ($1, $2, $3, $4, false)
		`, code.ID, userID, code.Salt, code.Hash); err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}
	return tx.Commit()
}

func (s *backupCodeStore) List(ctx context.Context, userID string) ([]auth.BackupCodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, salt, hash, used from backup_codes
		where user_id = $1 order by id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []auth.BackupCodeRecord
	for rows.Next() {
		var r auth.BackupCodeRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.Salt, &r.Hash, &r.Used); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *backupCodeStore) MarkUsed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update backup_codes set used = true where id = $1 and used = false`, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *backupCodeStore) DeleteForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `delete from backup_codes where user_id = $1`, userID)
	return err
}
