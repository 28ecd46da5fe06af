package store

import (
	"context"
	"fmt"
)

// AppendAudit inserts an audit row. Rows are never updated.
func (s *Store) AppendAudit(ctx context.Context, entry *AuditLog) error {
	defer s.track("audit_append")()
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

// AuditLogs returns audit rows of an event type, newest first.
func (s *Store) AuditLogs(ctx context.Context, eventType string, limit int) ([]AuditLog, error) {
	var logs []AuditLog
	q := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return logs, nil
}
