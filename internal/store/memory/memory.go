// Package memory implements the auth and audit stores on in-process maps.
// It backs development mode and boundary-layer tests; production runs on pg.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cartaporte.app/internal/audit"
	"cartaporte.app/internal/auth"
)

// Store is the in-memory auth.Store.
type Store struct {
	mu sync.Mutex

	seq      int
	users    map[string]*auth.User
	tokens   map[string]*auth.RefreshToken
	attempts []*auth.LoginAttempt
	history  map[string][]string // oldest first
	resets   map[string]*auth.PasswordResetToken
	backup   map[string][]auth.BackupCodeRecord

	roles     map[string]auth.Role
	perms     map[string]auth.Permission
	rolePerms map[string]map[string]struct{}
	userRoles map[string][]string
}

var _ auth.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		users:     map[string]*auth.User{},
		tokens:    map[string]*auth.RefreshToken{},
		history:   map[string][]string{},
		resets:    map[string]*auth.PasswordResetToken{},
		backup:    map[string][]auth.BackupCodeRecord{},
		roles:     map[string]auth.Role{},
		perms:     map[string]auth.Permission{},
		rolePerms: map[string]map[string]struct{}{},
		userRoles: map[string][]string{},
	}
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *Store) Users(context.Context) auth.UserStore                 { return (*userStore)(s) }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore { return (*tokenStore)(s) }
func (s *Store) LoginAttempts(context.Context) auth.LoginAttemptStore { return (*attemptStore)(s) }
func (s *Store) PasswordHistory(context.Context) auth.PasswordHistoryStore {
	return (*historyStore)(s)
}
func (s *Store) PasswordResets(context.Context) auth.PasswordResetStore { return (*resetStore)(s) }
func (s *Store) BackupCodes(context.Context) auth.BackupCodeStore       { return (*backupStore)(s) }
func (s *Store) RBAC(context.Context) auth.RBACStore                    { return (*rbacStore)(s) }

// withRoles copies the user and resolves assigned roles. Callers hold the lock.
func (s *Store) withRoles(u *auth.User) *auth.User {
	cp := *u
	cp.Roles = nil
	for _, roleID := range s.userRoles[u.ID] {
		for _, r := range s.roles {
			if r.ID == roleID {
				cp.Roles = append(cp.Roles, r)
			}
		}
	}
	return &cp
}

type userStore Store

func (s *userStore) Create(_ context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return auth.ErrConflict
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *userStore) Find(_ context.Context, id string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return (*Store)(s).withRoles(u), nil
}

func (s *userStore) FindByIdentifier(_ context.Context, identifier string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identifier = strings.ToLower(identifier)
	for _, u := range s.users {
		if strings.ToLower(u.Username) == identifier || strings.ToLower(u.Email) == identifier {
			return (*Store)(s).withRoles(u), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *userStore) Update(_ context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return auth.ErrNotFound
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *userStore) List(_ context.Context) ([]*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*auth.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, (*Store)(s).withRoles(u))
	}
	return out, nil
}

func (s *userStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return auth.ErrNotFound
	}
	delete(s.users, id)
	delete(s.userRoles, id)
	delete(s.history, id)
	delete(s.backup, id)
	for tid, tok := range s.tokens {
		if tok.UserID == id {
			delete(s.tokens, tid)
		}
	}
	for rid, reset := range s.resets {
		if reset.UserID == id {
			delete(s.resets, rid)
		}
	}
	kept := s.attempts[:0]
	for _, a := range s.attempts {
		if a.UserID != id {
			kept = append(kept, a)
		}
	}
	s.attempts = kept
	return nil
}

type tokenStore Store

func (s *tokenStore) Create(_ context.Context, tok *auth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.tokens[tok.ID] = &cp
	return nil
}

func (s *tokenStore) Find(_ context.Context, id string) (*auth.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *tokenStore) Revoke(_ context.Context, id, replacedBy string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok || tok.RevokedAt != nil {
		return false, nil
	}
	tok.RevokedAt = &at
	tok.ReplacedBy = replacedBy
	return true, nil
}

func (s *tokenStore) RevokeAllForUser(_ context.Context, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, tok := range s.tokens {
		if tok.UserID == userID && tok.RevokedAt == nil {
			tok.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (s *tokenStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, tok := range s.tokens {
		if tok.ExpiresAt.Before(before) {
			delete(s.tokens, id)
			n++
		}
	}
	return n, nil
}

type attemptStore Store

func (s *attemptStore) Record(_ context.Context, attempt *auth.LoginAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *attempt
	s.attempts = append(s.attempts, &cp)
	return nil
}

func (s *attemptStore) CountByIPSince(_ context.Context, ip string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.IP == ip && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *attemptStore) CountFailuresSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.UserID == userID && !a.Success && !a.MFARequired && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type historyStore Store

func (s *historyStore) Recent(_ context.Context, userID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.history[userID]
	var out []string
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *historyStore) Add(_ context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[userID] = append(s.history[userID], hash)
	return nil
}

func (s *historyStore) Prune(_ context.Context, userID string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.history[userID]
	if len(all) > keep {
		s.history[userID] = all[len(all)-keep:]
	}
	return nil
}

type resetStore Store

func (s *resetStore) Create(_ context.Context, tok *auth.PasswordResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.resets[tok.ID] = &cp
	return nil
}

func (s *resetStore) FindByHash(_ context.Context, tokenHash string) (*auth.PasswordResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.resets {
		if tok.TokenHash == tokenHash {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *resetStore) MarkUsed(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.resets[id]
	if !ok || tok.UsedAt != nil {
		return false, nil
	}
	tok.UsedAt = &at
	return true, nil
}

type backupStore Store

func (s *backupStore) Replace(_ context.Context, userID string, codes []auth.BackupCodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backup[userID] = append([]auth.BackupCodeRecord(nil), codes...)
	return nil
}

func (s *backupStore) List(_ context.Context, userID string) ([]auth.BackupCodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]auth.BackupCodeRecord(nil), s.backup[userID]...), nil
}

func (s *backupStore) MarkUsed(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, codes := range s.backup {
		for i, c := range codes {
			if c.ID == id {
				if c.Used {
					return false, nil
				}
				s.backup[userID][i].Used = true
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *backupStore) DeleteForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backup, userID)
	return nil
}

type rbacStore Store

func (s *rbacStore) EnsureRole(_ context.Context, name, description string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.roles[name]; ok {
		return r, nil
	}
	r := auth.Role{ID: (*Store)(s).nextID("role"), Name: name, Description: description}
	s.roles[name] = r
	s.rolePerms[r.ID] = map[string]struct{}{}
	return r, nil
}

func (s *rbacStore) EnsurePermission(_ context.Context, key, description string) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.perms[key]; ok {
		return p, nil
	}
	p := auth.Permission{ID: (*Store)(s).nextID("perm"), Key: key, Description: description}
	s.perms[key] = p
	return p, nil
}

func (s *rbacStore) EnsureRolePermission(_ context.Context, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rolePerms[roleID] == nil {
		s.rolePerms[roleID] = map[string]struct{}{}
	}
	s.rolePerms[roleID][permissionID] = struct{}{}
	return nil
}

func (s *rbacStore) FindRoleByName(_ context.Context, name string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.roles[name]; ok {
		return r, nil
	}
	return auth.Role{}, auth.ErrNotFound
}

func (s *rbacStore) RolesForUser(_ context.Context, userID string) ([]auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.Role
	for _, roleID := range s.userRoles[userID] {
		for _, r := range s.roles {
			if r.ID == roleID {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (s *rbacStore) PermissionsForUser(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for _, roleID := range s.userRoles[userID] {
		for permID := range s.rolePerms[roleID] {
			for _, p := range s.perms {
				if p.ID == permID {
					if _, dup := seen[p.Key]; !dup {
						seen[p.Key] = struct{}{}
						out = append(out, p.Key)
					}
				}
			}
		}
	}
	return out, nil
}

func (s *rbacStore) PermissionsForRole(_ context.Context, roleID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for permID := range s.rolePerms[roleID] {
		for _, p := range s.perms {
			if p.ID == permID {
				out = append(out, p.Key)
			}
		}
	}
	return out, nil
}

func (s *rbacStore) ReplaceUserRoles(_ context.Context, userID string, roleIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userRoles[userID] = append([]string(nil), roleIDs...)
	return nil
}

// AuditStore keeps audit events in memory.
type AuditStore struct {
	mu     sync.Mutex
	events []audit.Event
}

var _ audit.Store = (*AuditStore)(nil)

// NewAuditStore returns an empty audit store.
func NewAuditStore() *AuditStore { return &AuditStore{} }

func (s *AuditStore) Append(_ context.Context, event *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

// Events returns a snapshot of recorded events.
func (s *AuditStore) Events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}
