// Package alerts evaluates telemetry and float readings against thresholds and keeps at most one
// active alert per signature.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/irrigation-hub/internal/realtime"
	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/internal/thresholds"
	"procodus.dev/irrigation-hub/pkg/logger"
	"procodus.dev/irrigation-hub/pkg/metrics"
)

// Alert types.
const (
	TypeTemperatureLow        = "temperature_low"
	TypeTemperatureHigh       = "temperature_high"
	TypeHumidityLow           = "humidity_low"
	TypeHumidityHigh          = "humidity_high"
	TypeFloatLow              = "float_low"
	TypePumpEmergencyShutdown = "pump_emergency_shutdown"
)

// ListLimit caps List results.
const ListLimit = 200

// Signature is the dedup key of an alert class for a device. Level is not part of it.
func Signature(alertType, deviceID string) string {
	if deviceID == "" {
		deviceID = "unknown"
	}
	return alertType + "::" + deviceID
}

// ThresholdSource supplies the current thresholds.
type ThresholdSource interface {
	Get(ctx context.Context) thresholds.Config
}

// Config holds the engine configuration.
type Config struct {
	Logger     *slog.Logger
	Store      *store.Store
	Thresholds ThresholdSource
	Publisher  realtime.Publisher
	Metrics    *metrics.CoreMetrics
}

// Spec describes an alert to raise.
type Spec struct {
	Type     string
	Level    string
	Message  string
	DeviceID string
}

// Reading is the telemetry subset the engine evaluates. Nil metrics are skipped.
type Reading struct {
	Temperature *float64
	Humidity    *float64
	DeviceID    string
}

// ClearedEvent is the payload of alert:cleared events.
type ClearedEvent struct {
	ClearedAt time.Time `json:"clearedAt"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	DeviceID  string    `json:"deviceId"`
	ID        uint      `json:"id"`
}

// Engine is the alert engine.
type Engine struct {
	logger     *slog.Logger
	store      *store.Store
	thresholds ThresholdSource
	publisher  realtime.Publisher
	metrics    *metrics.CoreMetrics
}

// New creates an alert engine.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("alert engine config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Thresholds == nil {
		return nil, errors.New("thresholds cannot be nil")
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = realtime.Nop{}
	}
	return &Engine{
		logger:     logger.WithComponent(cfg.Logger, "alerts"),
		store:      cfg.Store,
		thresholds: cfg.Thresholds,
		publisher:  publisher,
		metrics:    cfg.Metrics,
	}, nil
}

// EnsureActive raises an alert. An active alert with the same signature and level is refreshed;
// one with another level is cleared and replaced.
func (e *Engine) EnsureActive(ctx context.Context, spec Spec) (*store.Alert, error) {
	if spec.Type == "" {
		return nil, errors.New("alert type cannot be empty")
	}
	res, err := e.store.EnsureActiveAlert(ctx, store.Alert{
		Signature: Signature(spec.Type, spec.DeviceID),
		Type:      spec.Type,
		Level:     spec.Level,
		Message:   spec.Message,
		DeviceID:  spec.DeviceID,
	})
	if err != nil {
		return nil, err
	}

	e.emitCleared(res.Superseded)
	if !res.Created {
		e.publisher.Publish(realtime.EventAlertRefreshed, res.Alert)
		return res.Alert, nil
	}

	e.logger.Info("alert opened",
		"type", spec.Type,
		"level", spec.Level,
		"device_id", spec.DeviceID,
		"message", spec.Message,
	)
	if e.metrics != nil && e.metrics.AlertsOpened != nil {
		e.metrics.AlertsOpened.WithLabelValues(spec.Type, spec.Level).Inc()
	}
	e.publisher.Publish(realtime.EventAlertNew, res.Alert)
	return res.Alert, nil
}

// Clear deactivates every active alert of the type for the device and returns how many were cleared.
func (e *Engine) Clear(ctx context.Context, alertType, deviceID string) (int, error) {
	cleared, err := e.store.ClearActiveAlerts(ctx, alertType, deviceID)
	e.emitCleared(cleared)
	return len(cleared), err
}

// ClearAll deactivates every active alert.
func (e *Engine) ClearAll(ctx context.Context) (int, error) {
	cleared, err := e.store.ClearAllAlerts(ctx)
	e.emitCleared(cleared)
	return len(cleared), err
}

// Acknowledge marks an alert acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, id uint) (*store.Alert, error) {
	return e.store.AcknowledgeAlert(ctx, id)
}

// List returns up to ListLimit alerts, newest first, optionally filtered by active.
func (e *Engine) List(ctx context.Context, active *bool) ([]store.Alert, error) {
	return e.store.ListAlerts(ctx, store.AlertFilter{Active: active, Limit: ListLimit})
}

// EvaluateTelemetry raises or clears temperature and humidity alerts for the reading.
// The low and high side of a metric are mutually exclusive.
func (e *Engine) EvaluateTelemetry(ctx context.Context, r Reading) error {
	t := e.thresholds.Get(ctx)
	var errs []error

	if r.Temperature != nil {
		v := *r.Temperature
		switch {
		case v < t.TemperatureCriticalLow:
			errs = append(errs, e.raise(ctx, TypeTemperatureLow, TypeTemperatureHigh, store.LevelCritical,
				fmt.Sprintf("Temperature critical low: %.1fC", v), r.DeviceID))
		case v < t.TemperatureLow:
			errs = append(errs, e.raise(ctx, TypeTemperatureLow, TypeTemperatureHigh, store.LevelLow,
				fmt.Sprintf("Temperature low: %.1fC", v), r.DeviceID))
		case v >= t.TemperatureCriticalHigh:
			errs = append(errs, e.raise(ctx, TypeTemperatureHigh, TypeTemperatureLow, store.LevelCritical,
				fmt.Sprintf("Temperature critical high: %.1fC", v), r.DeviceID))
		case v >= t.TemperatureHigh:
			errs = append(errs, e.raise(ctx, TypeTemperatureHigh, TypeTemperatureLow, store.LevelHigh,
				fmt.Sprintf("Temperature high: %.1fC", v), r.DeviceID))
		default:
			errs = append(errs, e.clearTypes(ctx, r.DeviceID, TypeTemperatureLow, TypeTemperatureHigh))
		}
	}

	if r.Humidity != nil {
		v := *r.Humidity
		switch {
		case v < t.HumidityLow:
			errs = append(errs, e.raise(ctx, TypeHumidityLow, TypeHumidityHigh, store.LevelLow,
				fmt.Sprintf("Humidity low: %.1f%%", v), r.DeviceID))
		case v >= t.HumidityHigh:
			errs = append(errs, e.raise(ctx, TypeHumidityHigh, TypeHumidityLow, store.LevelHigh,
				fmt.Sprintf("Humidity high: %.1f%%", v), r.DeviceID))
		default:
			errs = append(errs, e.clearTypes(ctx, r.DeviceID, TypeHumidityLow, TypeHumidityHigh))
		}
	}

	return errors.Join(errs...)
}

// HandleFloatLow raises the CRITICAL float_low alert.
func (e *Engine) HandleFloatLow(ctx context.Context, deviceID string) error {
	_, err := e.EnsureActive(ctx, Spec{
		Type:     TypeFloatLow,
		Level:    store.LevelCritical,
		Message:  "Water tank needs refill",
		DeviceID: deviceID,
	})
	return err
}

// HandleFloatNormal clears float_low and pump_emergency_shutdown.
func (e *Engine) HandleFloatNormal(ctx context.Context, deviceID string) error {
	return e.clearTypes(ctx, deviceID, TypeFloatLow, TypePumpEmergencyShutdown)
}

// HandlePumpEmergencyShutdown raises the CRITICAL pump_emergency_shutdown alert.
func (e *Engine) HandlePumpEmergencyShutdown(ctx context.Context, deviceID string) error {
	_, err := e.EnsureActive(ctx, Spec{
		Type:     TypePumpEmergencyShutdown,
		Level:    store.LevelCritical,
		Message:  "Pump shut down due to low float sensor.",
		DeviceID: deviceID,
	})
	return err
}

func (e *Engine) raise(ctx context.Context, alertType, opposite, level, message, deviceID string) error {
	if _, err := e.EnsureActive(ctx, Spec{Type: alertType, Level: level, Message: message, DeviceID: deviceID}); err != nil {
		return fmt.Errorf("failed to raise %s: %w", alertType, err)
	}
	return e.clearTypes(ctx, deviceID, opposite)
}

func (e *Engine) clearTypes(ctx context.Context, deviceID string, types ...string) error {
	var errs []error
	for _, t := range types {
		if _, err := e.Clear(ctx, t, deviceID); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) emitCleared(alerts []store.Alert) {
	for i := range alerts {
		a := alerts[i]
		if e.metrics != nil && e.metrics.AlertsCleared != nil {
			e.metrics.AlertsCleared.WithLabelValues(a.Type).Inc()
		}
		ev := ClearedEvent{ID: a.ID, Type: a.Type, Level: a.Level, DeviceID: a.DeviceID}
		if a.ClearedAt != nil {
			ev.ClearedAt = *a.ClearedAt
		}
		e.publisher.Publish(realtime.EventAlertCleared, ev)
	}
}
