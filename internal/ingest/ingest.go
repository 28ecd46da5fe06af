// Package ingest consumes device traffic from the broker and dispatches it to the registry, the
// command reconciler and the alert engine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/irrigation-hub/internal/alerts"
	"procodus.dev/irrigation-hub/internal/commands"
	"procodus.dev/irrigation-hub/internal/realtime"
	"procodus.dev/irrigation-hub/internal/series"
	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/internal/topics"
	"procodus.dev/irrigation-hub/pkg/broker"
	"procodus.dev/irrigation-hub/pkg/logger"
	"procodus.dev/irrigation-hub/pkg/metrics"
)

// Presence is the registry subset used by ingest.
type Presence interface {
	MarkOnline(ctx context.Context, deviceID string, meta map[string]any) (*store.Device, error)
	MarkOffline(ctx context.Context, deviceID string) (*store.Device, error)
	Touch(ctx context.Context, deviceID string)
}

// StateResolver applies state reports.
type StateResolver interface {
	ResolveStateReport(ctx context.Context, rep commands.Report) error
}

// TelemetryEvaluator checks readings against thresholds.
type TelemetryEvaluator interface {
	EvaluateTelemetry(ctx context.Context, r alerts.Reading) error
}

// Config holds the ingest configuration.
type Config struct {
	Logger     *slog.Logger
	Store      *store.Store
	Presence   Presence
	Reconciler StateResolver
	Alerts     TelemetryEvaluator
	Series     series.Writer
	Events     realtime.Publisher
	Metrics    *metrics.CoreMetrics
	Topics     topics.Layout
	// DedupWindow drops identical redeliveries. Zero uses DefaultDedupWindow; negative disables.
	DedupWindow time.Duration
}

// Ingestor is the inbound message handler.
type Ingestor struct {
	logger     *slog.Logger
	store      *store.Store
	presence   Presence
	reconciler StateResolver
	alerts     TelemetryEvaluator
	series     series.Writer
	events     realtime.Publisher
	metrics    *metrics.CoreMetrics
	dedup      *Deduper
	topics     topics.Layout
}

// New creates an Ingestor.
func New(cfg *Config) (*Ingestor, error) {
	if cfg == nil {
		return nil, errors.New("ingest config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Presence == nil {
		return nil, errors.New("presence cannot be nil")
	}
	if cfg.Reconciler == nil {
		return nil, errors.New("reconciler cannot be nil")
	}
	if cfg.Alerts == nil {
		return nil, errors.New("alert evaluator cannot be nil")
	}

	i := &Ingestor{
		logger:     logger.WithComponent(cfg.Logger, "ingest"),
		store:      cfg.Store,
		presence:   cfg.Presence,
		reconciler: cfg.Reconciler,
		alerts:     cfg.Alerts,
		series:     cfg.Series,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		topics:     cfg.Topics,
	}
	if i.series == nil {
		i.series = series.Nop{}
	}
	if i.events == nil {
		i.events = realtime.Nop{}
	}
	if i.topics.Prefix == "" {
		i.topics = topics.New(topics.DefaultPrefix)
	}
	window := cfg.DedupWindow
	if window == 0 {
		window = DefaultDedupWindow
	}
	i.dedup = NewDeduper(window, cfg.Store.Now)
	return i, nil
}

// Subscribe attaches the ingestor to every inbound device topic.
func (i *Ingestor) Subscribe(ctx context.Context, client broker.Client) error {
	if err := client.Subscribe(ctx, i.topics.Inbound(), broker.AtLeastOnce, i.Handle); err != nil {
		return fmt.Errorf("failed to subscribe to device topics: %w", err)
	}
	i.logger.Info("subscribed to device topics", "topics", i.topics.Inbound())
	return nil
}

// Handle processes one inbound message. Malformed and duplicate messages are dropped and
// return nil; a non-nil error means the message should be redelivered.
func (i *Ingestor) Handle(ctx context.Context, topic string, payload []byte) error {
	start := time.Now()
	msg, err := Classify(i.topics, topic, payload, i.store.Now())
	if err != nil {
		i.logger.Debug("dropping message", "topic", topic, "error", err)
		i.observe(msg.Kind, "malformed", start)
		return nil
	}

	var key string
	if msg.Replayable() {
		key = Key(topic, payload)
		if i.dedup.Seen(key) {
			i.logger.Debug("dropping duplicate message", "topic", topic)
			if i.metrics != nil && i.metrics.IngestDuplicates != nil {
				i.metrics.IngestDuplicates.Inc()
			}
			return nil
		}
	}

	if err := i.dispatch(ctx, msg); err != nil {
		if key != "" {
			i.dedup.Forget(key)
		}
		i.logger.Error("message handling failed", "topic", topic, "device_id", msg.DeviceID, "error", err)
		i.observe(msg.Kind, "error", start)
		return err
	}
	i.observe(msg.Kind, "ok", start)
	return nil
}

func (i *Ingestor) dispatch(ctx context.Context, msg Message) error {
	switch {
	case msg.Report != nil:
		return i.reconciler.ResolveStateReport(ctx, *msg.Report)
	case msg.Status != nil:
		return i.handleStatus(ctx, msg.DeviceID, msg.Status)
	case msg.Telemetry != nil:
		return i.handleTelemetry(ctx, msg.Telemetry)
	}
	return nil
}

func (i *Ingestor) handleStatus(ctx context.Context, deviceID string, st *Status) error {
	if st.Online {
		_, err := i.presence.MarkOnline(ctx, deviceID, st.Meta)
		return err
	}
	_, err := i.presence.MarkOffline(ctx, deviceID)
	return err
}

func (i *Ingestor) handleTelemetry(ctx context.Context, reading *store.TelemetryReading) error {
	if err := i.store.RecordTelemetry(ctx, reading); err != nil {
		return err
	}

	if err := i.series.WriteTelemetry(ctx, reading); err != nil {
		i.logger.Warn("series mirror failed", "device_id", reading.DeviceID, "error", err)
	}

	i.presence.Touch(ctx, reading.DeviceID)

	if err := i.alerts.EvaluateTelemetry(ctx, alerts.Reading{
		DeviceID:    reading.DeviceID,
		Temperature: reading.Temperature,
		Humidity:    reading.Humidity,
	}); err != nil {
		i.logger.Warn("telemetry alert evaluation failed", "device_id", reading.DeviceID, "error", err)
	}

	i.events.Publish(realtime.EventTelemetryUpdate, reading)
	return nil
}

func (i *Ingestor) observe(kind topics.Kind, status string, start time.Time) {
	if i.metrics == nil {
		return
	}
	if i.metrics.IngestMessagesTotal != nil {
		i.metrics.IngestMessagesTotal.WithLabelValues(string(kind), status).Inc()
	}
	if i.metrics.IngestDuration != nil {
		i.metrics.IngestDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}
}
