package store

import (
	"context"
	"fmt"
	"time"
)

// EnsureResult describes what EnsureActiveAlert did.
type EnsureResult struct {
	Alert *Alert
	// Superseded holds active rows of the same signature but another level that were cleared.
	Superseded []Alert
	// Created is false when an existing active row was refreshed.
	Created bool
}

// EnsureActiveAlert is the atomic find-or-create for active alerts. An active row with the same
// signature and level has its lastSeen and message refreshed. Active rows of the same signature
// at another level are cleared and a new row is inserted. Concurrent inserts for one signature
// are serialized by the partial unique index; the loser retries and refreshes the winner's row.
func (s *Store) EnsureActiveAlert(ctx context.Context, a Alert) (*EnsureResult, error) {
	defer s.track("alert_ensure")()
	db := s.db.WithContext(ctx)
	result := &EnsureResult{}

	for attempt := 0; attempt < upsertAttempts; attempt++ {
		now := s.now()

		res := db.Model(&Alert{}).
			Where("signature = ? AND active = ? AND level = ?", a.Signature, true, a.Level).
			Updates(map[string]any{"last_seen": now, "message": a.Message})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to refresh alert: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			var existing Alert
			err := db.Where("signature = ? AND active = ?", a.Signature, true).
				Order("id DESC").
				First(&existing).Error
			if err != nil {
				return nil, fmt.Errorf("failed to load refreshed alert: %w", notFound(err))
			}
			result.Alert = &existing
			return result, nil
		}

		var others []Alert
		if err := db.Where("signature = ? AND active = ?", a.Signature, true).Find(&others).Error; err != nil {
			return nil, fmt.Errorf("failed to query active alerts: %w", err)
		}
		cleared, err := s.clearRows(ctx, others, now)
		if err != nil {
			return nil, err
		}
		result.Superseded = append(result.Superseded, cleared...)

		row := a
		row.ID = 0
		row.Active = true
		row.Acknowledged = false
		row.AcknowledgedAt = nil
		row.ClearedAt = nil
		row.LastSeen = now
		err = db.Create(&row).Error
		if err == nil {
			result.Alert = &row
			result.Created = true
			return result, nil
		}
		if !isDuplicate(err) {
			return nil, fmt.Errorf("failed to create alert: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to ensure alert %s after %d attempts", a.Signature, upsertAttempts)
}

// ClearActiveAlerts deactivates every active alert of the type for the device and returns the
// rows this call cleared.
func (s *Store) ClearActiveAlerts(ctx context.Context, alertType, deviceID string) ([]Alert, error) {
	defer s.track("alert_clear")()
	var active []Alert
	err := s.db.WithContext(ctx).
		Where("type = ? AND device_id = ? AND active = ?", alertType, deviceID, true).
		Find(&active).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query active alerts: %w", err)
	}
	return s.clearRows(ctx, active, s.now())
}

// ClearAllAlerts deactivates every active alert.
func (s *Store) ClearAllAlerts(ctx context.Context) ([]Alert, error) {
	defer s.track("alert_clear_all")()
	var active []Alert
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&active).Error; err != nil {
		return nil, fmt.Errorf("failed to query active alerts: %w", err)
	}
	return s.clearRows(ctx, active, s.now())
}

func (s *Store) clearRows(ctx context.Context, rows []Alert, now time.Time) ([]Alert, error) {
	cleared := make([]Alert, 0, len(rows))
	for _, row := range rows {
		res := s.db.WithContext(ctx).Model(&Alert{}).
			Where("id = ? AND active = ?", row.ID, true).
			Updates(map[string]any{"active": false, "cleared_at": now})
		if res.Error != nil {
			return cleared, fmt.Errorf("failed to clear alert %d: %w", row.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		row.Active = false
		row.ClearedAt = &now
		cleared = append(cleared, row)
	}
	return cleared, nil
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	Active   *bool
	DeviceID string
	Type     string
	Limit    int
}

// ListAlerts returns alerts newest first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error) {
	q := s.db.WithContext(ctx).Model(&Alert{})
	if f.Active != nil {
		q = q.Where("active = ?", *f.Active)
	}
	if f.DeviceID != "" {
		q = q.Where("device_id = ?", f.DeviceID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var alerts []Alert
	if err := q.Order("created_at DESC").Order("id DESC").Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

// AcknowledgeAlert marks an alert acknowledged. It does not change its active flag.
func (s *Store) AcknowledgeAlert(ctx context.Context, id uint) (*Alert, error) {
	defer s.track("alert_acknowledge")()
	now := s.now()
	res := s.db.WithContext(ctx).Model(&Alert{}).
		Where("id = ?", id).
		Updates(map[string]any{"acknowledged": true, "acknowledged_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to acknowledge alert: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}

	var alert Alert
	if err := s.db.WithContext(ctx).First(&alert, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &alert, nil
}
