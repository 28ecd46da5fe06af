package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"
)

// LoadThreshold returns the persisted threshold row for key.
func (s *Store) LoadThreshold(ctx context.Context, key string) (*Threshold, error) {
	defer s.track("threshold_load")()
	var t Threshold
	if err := s.db.WithContext(ctx).Where("key = ?", key).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// SaveThreshold upserts the threshold row keyed by t.Key.
func (s *Store) SaveThreshold(ctx context.Context, t *Threshold) error {
	defer s.track("threshold_save")()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"temperature_low", "temperature_critical_low",
			"temperature_high", "temperature_critical_high",
			"humidity_low", "humidity_high", "updated_at",
		}),
	}).Create(t).Error
	if err != nil {
		return fmt.Errorf("failed to save thresholds: %w", err)
	}
	return nil
}
