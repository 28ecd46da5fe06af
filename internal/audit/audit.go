// Package audit records append-only audit events. Sink failures never fail the caller.
package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"procodus.dev/irrigation-hub/internal/store"
)

// Event types.
const (
	EventCommandRequested = "actuator.command.requested"
	EventCommandResolved  = "actuator.command.resolved"
	EventCommandFailed    = "actuator.command.failed"
	EventCommandExpired   = "actuator.command.expired"
	EventAlertsCleared    = "alerts.cleared"
	EventThresholdsSet    = "thresholds.updated"
)

// Entry is one audit event.
type Entry struct {
	Data      map[string]any
	EventType string
	Actor     string
	DeviceID  string
	RequestID string
}

// Sink persists audit entries.
type Sink interface {
	Log(ctx context.Context, entry Entry) error
}

// StoreSink writes entries to the audit_logs table.
type StoreSink struct {
	store *store.Store
}

// NewStoreSink creates a sink on s.
func NewStoreSink(s *store.Store) *StoreSink {
	return &StoreSink{store: s}
}

// Log implements Sink.
func (s *StoreSink) Log(ctx context.Context, entry Entry) error {
	if entry.EventType == "" {
		return errors.New("audit event type cannot be empty")
	}
	return s.store.AppendAudit(ctx, &store.AuditLog{
		EventID:   uuid.NewString(),
		EventType: entry.EventType,
		Actor:     entry.Actor,
		DeviceID:  entry.DeviceID,
		RequestID: entry.RequestID,
		Data:      entry.Data,
	})
}

// Recorder wraps a Sink and logs failures instead of returning them.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

// NewRecorder creates a Recorder. A nil sink disables auditing.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// Record writes entry. Failures are logged at warn level.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil || r.sink == nil {
		return
	}
	if err := r.sink.Log(ctx, entry); err != nil {
		r.logger.Warn("failed to write audit log",
			"event_type", entry.EventType,
			"device_id", entry.DeviceID,
			"request_id", entry.RequestID,
			"error", err,
		)
	}
}
