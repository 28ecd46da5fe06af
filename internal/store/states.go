package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetActuatorState returns the last reported state of the device.
func (s *Store) GetActuatorState(ctx context.Context, deviceID string) (*ActuatorState, error) {
	var state ActuatorState
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&state).Error; err != nil {
		return nil, notFound(err)
	}
	return &state, nil
}

// LatestActuatorState returns the most recently reported state across all devices.
func (s *Store) LatestActuatorState(ctx context.Context) (*ActuatorState, error) {
	var state ActuatorState
	if err := s.db.WithContext(ctx).Order("reported_at DESC").First(&state).Error; err != nil {
		return nil, notFound(err)
	}
	return &state, nil
}

// ReplaceActuatorState overwrites the single state row of the device and returns the row it
// replaced, or nil on first report.
func (s *Store) ReplaceActuatorState(ctx context.Context, state *ActuatorState) (*ActuatorState, error) {
	defer s.track("actuator_state_replace")()
	var previous *ActuatorState

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ActuatorState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ?", state.DeviceID).
			First(&existing).Error
		switch {
		case err == nil:
			previous = &existing
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"pump", "valve1", "valve2", "valve3",
				"float_state", "source", "request_id", "reported_at", "updated_at",
			}),
		}).Create(state).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replace actuator state: %w", err)
	}
	return previous, nil
}

// AppendActuatorLogs appends transition rows.
func (s *Store) AppendActuatorLogs(ctx context.Context, logs []ActuatorLog) error {
	if len(logs) == 0 {
		return nil
	}
	defer s.track("actuator_log_append")()
	if err := s.db.WithContext(ctx).Create(&logs).Error; err != nil {
		return fmt.Errorf("failed to append actuator logs: %w", err)
	}
	return nil
}

// ActuatorLogs returns the newest transition rows of a device.
func (s *Store) ActuatorLogs(ctx context.Context, deviceID string, limit int) ([]ActuatorLog, error) {
	var logs []ActuatorLog
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list actuator logs: %w", err)
	}
	return logs, nil
}
