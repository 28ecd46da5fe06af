// Package storetest opens isolated in-memory SQLite databases migrated with the production
// schema, including the partial unique indexes.
package storetest

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/pkg/logger"
)

// NewDB returns a fresh migrated in-memory database. Each call gets its own database.
func NewDB() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), store.GormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	// One connection keeps the shared-cache database alive and serializes writers.
	sqlDB.SetMaxOpenConns(1)

	if err := store.Migrate(db, logger.Discard()); err != nil {
		return nil, err
	}
	return db, nil
}

// NewStore returns a Store on a fresh in-memory database.
func NewStore(opts ...store.Option) (*store.Store, error) {
	db, err := NewDB()
	if err != nil {
		return nil, err
	}
	return store.New(db, opts...)
}

// MustStore is NewStore for test setup code.
func MustStore(opts ...store.Option) *store.Store {
	s, err := NewStore(opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Close releases the database behind s.
func Close(s *store.Store) {
	if s == nil {
		return
	}
	if sqlDB, err := s.DB().DB(); err == nil {
		_ = sqlDB.Close()
	}
}
