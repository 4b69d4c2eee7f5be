package pg

import (
	"context"
	"database/sql"
	"errors"

	"cartaporte.app/internal/auth"
	"cartaporte.app/internal/ids"
)

type rbacStore struct{ db *sql.DB }

// EnsureRole inserts the role if missing and returns the stored row either
// way. The insert is a no-op on conflict so repeated calls are safe.
func (s *rbacStore) EnsureRole(ctx context.Context, name, description string) (auth.Role, error) {
	if _, err := s.db.ExecContext(ctx, `
		insert into roles (id, name, description)
		values ($1, $2, $3)
		on conflict (name) do nothing
	`, ids.New(), name, description); err != nil {
		return auth.Role{}, err
	}
	return s.FindRoleByName(ctx, name)
}

func (s *rbacStore) EnsurePermission(ctx context.Context, key, description string) (auth.Permission, error) {
	if _, err := s.db.ExecContext(ctx, `
		insert into permissions (id, key, description)
		values ($1, $2, $3)
		on conflict (key) do nothing
	`, ids.New(), key, description); err != nil {
		return auth.Permission{}, err
	}
	var p auth.Permission
	err := s.db.QueryRowContext(ctx,
		`select id, key, description from permissions where key = $1`, key).
		Scan(&p.ID, &p.Key, &p.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Permission{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Permission{}, err
	}
	return p, nil
}

func (s *rbacStore) EnsureRolePermission(ctx context.Context, roleID, permissionID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		values ($1, $2)
		on conflict do nothing
	`, roleID, permissionID)
	return err
}

func (s *rbacStore) FindRoleByName(ctx context.Context, name string) (auth.Role, error) {
	var r auth.Role
	err := s.db.QueryRowContext(ctx,
		`select id, name, description from roles where name = $1`, name).
		Scan(&r.ID, &r.Name, &r.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Role{}, err
	}
	return r, nil
}

func (s *rbacStore) RolesForUser(ctx context.Context, userID string) ([]auth.Role, error) {
	return rolesForUser(ctx, s.db, userID)
}

func (s *rbacStore) PermissionsForUser(ctx context.Context, userID string) ([]string, error) {
	return s.permissionKeys(ctx, `
		select distinct p.key from permissions p
		join role_permissions rp on rp.permission_id = p.id
		join user_roles ur on ur.role_id = rp.role_id
		where ur.user_id = $1
		order by p.key
	`, userID)
}

func (s *rbacStore) PermissionsForRole(ctx context.Context, roleID string) ([]string, error) {
	return s.permissionKeys(ctx, `
		select p.key from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.key
	`, roleID)
}

func (s *rbacStore) permissionKeys(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ReplaceUserRoles swaps the user's assignments in one transaction.
func (s *rbacStore) ReplaceUserRoles(ctx context.Context, userID string, roleIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id)
			values ($1, $2)
			on conflict do nothing
		`, userID, roleID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
