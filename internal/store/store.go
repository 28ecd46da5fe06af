package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"procodus.dev/irrigation-hub/pkg/metrics"
)

// Store wraps a gorm connection with the persistence primitives used by the core.
type Store struct {
	db      *gorm.DB
	metrics *metrics.CoreMetrics
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics records DB operation durations.
func WithMetrics(m *metrics.CoreMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the clock used to stamp rows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store on top of an open, migrated database.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	s := &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB returns the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Now returns the store clock.
func (s *Store) Now() time.Time {
	return s.now()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) track(operation string) func() {
	if s.metrics == nil || s.metrics.DBOperationDuration == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		s.metrics.DBOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
