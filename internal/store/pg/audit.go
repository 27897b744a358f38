package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"legiswatch.org/internal/audit"
)

var _ audit.Sink = (*AuditLog)(nil)

// AuditLog appends audit events to the audit_log table.
type AuditLog struct {
	db DBTX
}

func NewAuditLog(db DBTX) *AuditLog {
	return &AuditLog{db: db}
}

func (s *AuditLog) Append(ctx context.Context, e audit.Event) error {
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("audit metadata: %w", err)
		}
		meta = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log(id, occurred_at, action, account_id, ip_address, user_agent, request_id, metadata)
		values($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.OccurredAt, e.Action, nullString(e.AccountID), nullString(e.IPAddress),
		nullString(e.UserAgent), nullString(e.RequestID), meta)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
