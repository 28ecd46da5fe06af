package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordTelemetry appends the series row and upserts the device's snapshot in one transaction.
// A reading older than the stored snapshot does not overwrite it.
func (s *Store) RecordTelemetry(ctx context.Context, reading *TelemetryReading) error {
	defer s.track("telemetry_record")()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(reading).Error; err != nil {
			return fmt.Errorf("failed to insert telemetry reading: %w", err)
		}

		snapshot := &TelemetrySnapshot{
			DeviceID:        reading.DeviceID,
			RecordedAt:      reading.RecordedAt,
			Temperature:     reading.Temperature,
			Humidity:        reading.Humidity,
			Moisture:        reading.Moisture,
			SoilTemperature: reading.SoilTemperature,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"recorded_at", "temperature", "humidity", "moisture", "soil_temperature", "updated_at",
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "telemetry_snapshots.recorded_at <= excluded.recorded_at"},
			}},
		}).Create(snapshot).Error
		if err != nil {
			return fmt.Errorf("failed to upsert telemetry snapshot: %w", err)
		}
		return nil
	})
}

// LatestSnapshot returns the snapshot of deviceID, or the newest snapshot of any device when
// deviceID is empty.
func (s *Store) LatestSnapshot(ctx context.Context, deviceID string) (*TelemetrySnapshot, error) {
	q := s.db.WithContext(ctx)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	var snap TelemetrySnapshot
	if err := q.Order("recorded_at DESC").First(&snap).Error; err != nil {
		return nil, notFound(err)
	}
	return &snap, nil
}

// CountReadings returns the number of series rows for a device.
func (s *Store) CountReadings(ctx context.Context, deviceID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&TelemetryReading{}).Where("device_id = ?", deviceID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count telemetry readings: %w", err)
	}
	return n, nil
}
