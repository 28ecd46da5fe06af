// Package registry tracks device presence from heartbeats, traffic and broker last-will messages.
// Writes are best-effort for ingest callers: Touch logs failures and never returns them.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"procodus.dev/irrigation-hub/internal/realtime"
	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/pkg/logger"
	"procodus.dev/irrigation-hub/pkg/metrics"
)

// DefaultPresenceTimeout is how long a device stays online without traffic.
const DefaultPresenceTimeout = 2 * time.Minute

// Config holds the registry configuration.
type Config struct {
	Logger          *slog.Logger
	Store           *store.Store
	Publisher       realtime.Publisher
	Metrics         *metrics.CoreMetrics
	PresenceTimeout time.Duration
}

// StatusEvent is the payload of device:status events.
type StatusEvent struct {
	LastSeen *time.Time `json:"lastSeen"`
	DeviceID string     `json:"deviceId"`
	Status   string     `json:"status"`
	Online   bool       `json:"online"`
}

// Registry is the device registry.
type Registry struct {
	logger    *slog.Logger
	store     *store.Store
	publisher realtime.Publisher
	metrics   *metrics.CoreMetrics
	timeout   time.Duration
}

// New creates a registry.
func New(cfg *Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("registry config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = realtime.Nop{}
	}
	timeout := cfg.PresenceTimeout
	if timeout <= 0 {
		timeout = DefaultPresenceTimeout
	}
	return &Registry{
		logger:    logger.WithComponent(cfg.Logger, "registry"),
		store:     cfg.Store,
		publisher: publisher,
		metrics:   cfg.Metrics,
		timeout:   timeout,
	}, nil
}

// PresenceTimeout returns the configured presence timeout.
func (r *Registry) PresenceTimeout() time.Duration {
	return r.timeout
}

// MarkOnline upserts the device as online and merges meta into its metadata.
// A device:status event is emitted only on a false→true transition.
func (r *Registry) MarkOnline(ctx context.Context, deviceID string, meta map[string]any) (*store.Device, error) {
	if deviceID == "" {
		return nil, errors.New("device id cannot be empty")
	}
	device, transitioned, err := r.store.MarkDeviceOnline(ctx, deviceID, meta)
	if err != nil {
		return nil, err
	}
	if transitioned {
		r.logger.Info("device online", "device_id", deviceID)
		r.transition(device, store.StatusOnline)
	}
	return device, nil
}

// MarkOffline marks the device offline. A device:status event is emitted on a true→false transition.
func (r *Registry) MarkOffline(ctx context.Context, deviceID string) (*store.Device, error) {
	if deviceID == "" {
		return nil, errors.New("device id cannot be empty")
	}
	device, transitioned, err := r.store.MarkDeviceOffline(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if transitioned {
		r.logger.Info("device offline", "device_id", deviceID)
		r.transition(device, store.StatusOffline)
	}
	return device, nil
}

// Touch records traffic from the device. Failures are logged.
func (r *Registry) Touch(ctx context.Context, deviceID string) {
	if deviceID == "" {
		return
	}
	if _, err := r.MarkOnline(ctx, deviceID, nil); err != nil {
		r.logger.Warn("failed to update device presence", "device_id", deviceID, "error", err)
	}
}

// IsOnline reports whether the device is online and was seen within the presence timeout.
// Unknown devices and lookup failures report false.
func (r *Registry) IsOnline(ctx context.Context, deviceID string) bool {
	device, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("failed to load device", "device_id", deviceID, "error", err)
		}
		return false
	}
	if !device.Online || device.LastSeen == nil {
		return false
	}
	return r.store.Now().Sub(*device.LastSeen) <= r.timeout
}

// SweepStale marks offline every online device not seen within the presence timeout and
// returns how many were transitioned.
func (r *Registry) SweepStale(ctx context.Context) (int, error) {
	cutoff := r.store.Now().Add(-r.timeout)
	stale, err := r.store.StaleOnlineDevices(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range stale {
		marked, err := r.store.MarkStaleOffline(ctx, stale[i].DeviceID, cutoff)
		if err != nil {
			r.logger.Warn("failed to mark stale device offline", "device_id", stale[i].DeviceID, "error", err)
			continue
		}
		if !marked {
			continue
		}
		n++
		device := stale[i]
		device.Online = false
		device.Status = store.StatusOffline
		r.logger.Info("device presence timed out", "device_id", device.DeviceID, "last_seen", device.LastSeen)
		r.transition(&device, store.StatusOffline)
	}
	return n, nil
}

// List returns every known device.
func (r *Registry) List(ctx context.Context) ([]store.Device, error) {
	return r.store.ListDevices(ctx)
}

// Get returns one device.
func (r *Registry) Get(ctx context.Context, deviceID string) (*store.Device, error) {
	return r.store.GetDevice(ctx, deviceID)
}

// SyncOnlineGauge sets the devices-online gauge from the store.
func (r *Registry) SyncOnlineGauge(ctx context.Context) {
	if r.metrics == nil || r.metrics.DevicesOnline == nil {
		return
	}
	n, err := r.store.CountOnlineDevices(ctx)
	if err != nil {
		r.logger.Warn("failed to count online devices", "error", err)
		return
	}
	r.metrics.DevicesOnline.Set(float64(n))
}

func (r *Registry) transition(device *store.Device, to string) {
	if r.metrics != nil && r.metrics.PresenceTransitions != nil {
		r.metrics.PresenceTransitions.WithLabelValues(to).Inc()
	}
	r.publisher.Publish(realtime.EventDeviceStatus, StatusEvent{
		DeviceID: device.DeviceID,
		Online:   device.Online,
		Status:   device.Status,
		LastSeen: device.LastSeen,
	})
}
