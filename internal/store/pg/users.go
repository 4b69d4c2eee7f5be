package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"cartaporte.app/internal/auth"
)

const pgErrUniqueViolation = "23505"

type userStore struct{ db *sql.DB }

const userColumns = `id, username, email, password_hash, status, is_locked, locked_until,
	failed_attempts, mfa_enabled, coalesce(totp_secret_enc, ''), password_changed_at,
	password_expires_at, last_login_at, coalesce(last_login_ip, ''), created_at, updated_at`

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, username, email, password_hash, status, password_changed_at, password_expires_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.Status, u.PasswordChangedAt, u.PasswordExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return s.scanWithRoles(ctx, row)
}

func (s *userStore) FindByIdentifier(ctx context.Context, identifier string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(username) = lower($1) or lower(email) = lower($1)`,
		identifier)
	return s.scanWithRoles(ctx, row)
}

func (s *userStore) scanWithRoles(ctx context.Context, row *sql.Row) (*auth.User, error) {
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	roles, err := rolesForUser(ctx, s.db, u.ID)
	if err != nil {
		return nil, err
	}
	u.Roles = roles
	return u, nil
}

func (s *userStore) Update(ctx context.Context, u *auth.User) error {
	res, err := s.db.ExecContext(ctx, `
		update users set
			username = $2, email = $3, password_hash = $4, status = $5,
			is_locked = $6, locked_until = $7, failed_attempts = $8,
			mfa_enabled = $9, totp_secret_enc = nullif($10, ''),
			password_changed_at = $11, password_expires_at = $12,
			last_login_at = $13, last_login_ip = nullif($14, ''),
			updated_at = now()
		where id = $1
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.Status,
		u.IsLocked, u.LockedUntil, u.FailedAttempts,
		u.MFAEnabled, u.TOTPSecretEnc,
		u.PasswordChangedAt, u.PasswordExpiresAt,
		u.LastLoginAt, u.LastLoginIP)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *userStore) List(ctx context.Context) ([]*auth.User, error) {
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users order by created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, u := range users {
		roles, err := rolesForUser(ctx, s.db, u.ID)
		if err != nil {
			return nil, err
		}
		u.Roles = roles
	}
	return users, nil
}

func (s *userStore) Delete(ctx context.Context, id string) error {
	// Dependent rows cascade via foreign keys.
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var u auth.User
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Status,
		&u.IsLocked, &u.LockedUntil, &u.FailedAttempts,
		&u.MFAEnabled, &u.TOTPSecretEnc, &u.PasswordChangedAt,
		&u.PasswordExpiresAt, &u.LastLoginAt, &u.LastLoginIP,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func rolesForUser(ctx context.Context, db *sql.DB, userID string) ([]auth.Role, error) {
	rows, err := db.QueryContext(ctx, `
		select r.id, r.name, r.description from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		var r auth.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
