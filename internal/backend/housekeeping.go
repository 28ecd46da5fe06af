package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/irrigation-hub/pkg/logger"
)

// DefaultHousekeepingInterval is how often presence and pending commands are swept.
const DefaultHousekeepingInterval = 15 * time.Second

// PresenceSweeper marks silent devices offline.
type PresenceSweeper interface {
	SweepStale(ctx context.Context) (int, error)
	SyncOnlineGauge(ctx context.Context)
}

// CommandExpirer fails commands pending past their TTL.
type CommandExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// HousekeeperConfig holds the housekeeping configuration.
type HousekeeperConfig struct {
	Logger   *slog.Logger
	Presence PresenceSweeper
	Commands CommandExpirer
	// Health, when set, receives SERVING or NOT_SERVING after every Check.
	Health *health.Server
	Check  func(ctx context.Context) error
	// Interval defaults to DefaultHousekeepingInterval.
	Interval time.Duration
}

// Housekeeper runs the periodic maintenance tasks.
type Housekeeper struct {
	logger   *slog.Logger
	presence PresenceSweeper
	commands CommandExpirer
	health   *health.Server
	check    func(ctx context.Context) error
	interval time.Duration
}

// NewHousekeeper creates a Housekeeper.
func NewHousekeeper(cfg *HousekeeperConfig) (*Housekeeper, error) {
	if cfg == nil {
		return nil, errors.New("housekeeper config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Presence == nil {
		return nil, errors.New("presence sweeper cannot be nil")
	}
	if cfg.Commands == nil {
		return nil, errors.New("command expirer cannot be nil")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHousekeepingInterval
	}
	return &Housekeeper{
		logger:   logger.WithComponent(cfg.Logger, "housekeeping"),
		presence: cfg.Presence,
		commands: cfg.Commands,
		health:   cfg.Health,
		check:    cfg.Check,
		interval: interval,
	}, nil
}

// Run sweeps every interval until ctx is done.
func (h *Housekeeper) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (h *Housekeeper) RunOnce(ctx context.Context) {
	if n, err := h.presence.SweepStale(ctx); err != nil {
		h.logger.Warn("presence sweep failed", "error", err)
	} else if n > 0 {
		h.logger.Info("marked silent devices offline", "count", n)
	}

	if n, err := h.commands.ExpireStale(ctx); err != nil {
		h.logger.Warn("pending command expiry failed", "error", err)
	} else if n > 0 {
		h.logger.Info("expired pending commands", "count", n)
	}

	h.presence.SyncOnlineGauge(ctx)
	h.reportHealth(ctx)
}

func (h *Housekeeper) reportHealth(ctx context.Context) {
	if h.health == nil || h.check == nil {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.check(ctx); err != nil {
		h.logger.Warn("health check failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
}
