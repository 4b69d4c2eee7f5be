package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"cartaporte.app/internal/audit"
)

// AuditStore persists audit events. It satisfies audit.Store.
type AuditStore struct{ db *sql.DB }

var _ audit.Store = (*AuditStore)(nil)

// Audit returns the audit event store backed by the same pool.
func (s *Store) Audit() *AuditStore { return &AuditStore{db: s.db} }

// NewAuditStore wraps an existing handle. Used by tests with sqlmock.
func NewAuditStore(db *sql.DB) *AuditStore { return &AuditStore{db: db} }

func (s *AuditStore) Append(ctx context.Context, event *audit.Event) error {
	var metadata []byte
	if len(event.Metadata) > 0 {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return err
		}
		metadata = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, created_at, action, user_id, ip, user_agent, level, metadata)
		values ($1, $2, $3, nullif($4, ''), nullif($5, ''), nullif($6, ''), $7, $8)
	`, event.ID, event.Timestamp, event.Action, event.UserID, event.IP, event.UserAgent,
		event.Level, metadata)
	return err
}
