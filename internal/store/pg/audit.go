package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"agentbank.org/internal/audit"
)

// AuditSink persists audit entries to audit_log.
type AuditSink struct {
	db *sql.DB
}

var _ audit.Logger = (*AuditSink)(nil)

func (s *Store) AuditSink() *AuditSink { return &AuditSink{db: s.db} }

func (a *AuditSink) Log(ctx context.Context, e audit.Entry) error {
	e, err := audit.Normalize(ctx, e)
	if err != nil {
		return err
	}
	details := []byte("{}")
	if len(e.Details) > 0 {
		if details, err = json.Marshal(e.Details); err != nil {
			return err
		}
	}
	_, err = a.db.ExecContext(ctx, `
		insert into audit_log(actor, action_type, entity_type, entity_id, description, details, severity, status, request_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.Actor, e.ActionType, e.EntityType, e.EntityID, e.Description, string(details), string(e.Severity), string(e.Status), e.RequestID, e.CreatedAt)
	return storeErr(err)
}
