package thresholds

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/pkg/logger"
	"procodus.dev/irrigation-hub/pkg/metrics"
)

const (
	// DefaultKey is the key of the singleton configuration row.
	DefaultKey = "default"
	// DefaultFreshness is how long a loaded configuration is served from memory.
	DefaultFreshness = 30 * time.Second

	loadTimeout = 5 * time.Second
)

// Persistence is the source of truth for thresholds.
type Persistence interface {
	LoadThreshold(ctx context.Context, key string) (*store.Threshold, error)
	SaveThreshold(ctx context.Context, t *store.Threshold) error
}

// StoreConfig holds the threshold store configuration.
type StoreConfig struct {
	Logger      *slog.Logger
	Persistence Persistence
	// Shared is an optional cross-process cache consulted before Persistence.
	Shared    SharedCache
	Metrics   *metrics.CoreMetrics
	Now       func() time.Time
	Key       string
	Freshness time.Duration
}

// Store serves the threshold configuration from a {value, loadedAt} cache. Reloads run
// outside the lock and concurrent readers of a stale value share one reload.
type Store struct {
	loadedAt    time.Time
	persistence Persistence
	shared      SharedCache
	logger      *slog.Logger
	metrics     *metrics.CoreMetrics
	now         func() time.Time
	value       *Config
	key         string
	freshness   time.Duration
	loads       singleflight.Group
	generation  uint64
	mu          sync.Mutex
	writeMu     sync.Mutex
}

// New creates a threshold store.
func New(cfg *StoreConfig) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("threshold store config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Persistence == nil {
		return nil, errors.New("persistence cannot be nil")
	}
	s := &Store{
		persistence: cfg.Persistence,
		shared:      cfg.Shared,
		logger:      logger.WithComponent(cfg.Logger, "thresholds"),
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		key:         cfg.Key,
		freshness:   cfg.Freshness,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.key == "" {
		s.key = DefaultKey
	}
	if s.freshness <= 0 {
		s.freshness = DefaultFreshness
	}
	return s, nil
}

// Get returns the cached configuration while it is fresh, otherwise reloads it.
// It never fails: read errors fall back to Defaults.
func (s *Store) Get(ctx context.Context) Config {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	if cfg, ok := s.fresh(gen); ok {
		return cfg
	}

	v, _, _ := s.loads.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		if cfg, ok := s.fresh(gen); ok {
			return cfg, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		cfg := s.load(loadCtx)

		s.mu.Lock()
		// An invalidation during the load makes this value stale.
		if s.generation == gen {
			s.value = &cfg
			s.loadedAt = s.now()
		}
		s.mu.Unlock()
		return cfg, nil
	})
	return v.(Config)
}

// fresh returns the cached value when it belongs to generation gen and is within the
// freshness window.
func (s *Store) fresh(gen uint64) (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.value == nil || s.now().Sub(s.loadedAt) >= s.freshness {
		return Config{}, false
	}
	return *s.value, true
}

func (s *Store) load(ctx context.Context) Config {
	if s.shared != nil {
		cfg, ok, err := s.shared.Get(ctx)
		switch {
		case err != nil:
			s.logger.Warn("failed to read shared threshold cache", "error", err)
		case ok:
			s.countLoad("redis")
			return cfg
		}
	}

	row, err := s.persistence.LoadThreshold(ctx, s.key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("failed to load thresholds, using defaults", "error", err)
		}
		s.countLoad("defaults")
		return Defaults()
	}

	cfg := fromRow(row)
	s.countLoad("store")
	if s.shared != nil {
		if err := s.shared.Set(ctx, cfg); err != nil {
			s.logger.Warn("failed to populate shared threshold cache", "error", err)
		}
	}
	return cfg
}

// Set merges p into the persisted configuration and invalidates both caches.
// A merged configuration that fails Validate is not written.
func (s *Store) Set(ctx context.Context, p Partial) (Config, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := Defaults()
	row, err := s.persistence.LoadThreshold(ctx, s.key)
	switch {
	case err == nil:
		current = fromRow(row)
	case !errors.Is(err, store.ErrNotFound):
		return Config{}, err
	}

	merged := current.Merge(p)
	if err := merged.Validate(); err != nil {
		return Config{}, err
	}
	if err := s.persistence.SaveThreshold(ctx, toRow(s.key, merged)); err != nil {
		return Config{}, err
	}

	s.Invalidate()
	if s.shared != nil {
		if err := s.shared.Invalidate(ctx); err != nil {
			s.logger.Warn("failed to invalidate shared threshold cache", "error", err)
		}
	}
	s.logger.Info("thresholds updated", "thresholds", merged)
	return merged, nil
}

// Invalidate drops the in-memory value so the next Get reloads.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.value = nil
	s.generation++
	s.mu.Unlock()
}

func (s *Store) countLoad(source string) {
	if s.metrics != nil && s.metrics.ThresholdCacheLoads != nil {
		s.metrics.ThresholdCacheLoads.WithLabelValues(source).Inc()
	}
}
