// Package series mirrors telemetry readings into InfluxDB for dashboards that query time series.
package series

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/pkg/logger"
)

// DefaultMeasurement is the measurement telemetry points are written to.
const DefaultMeasurement = "telemetry"

// Writer receives every stored telemetry reading.
type Writer interface {
	WriteTelemetry(ctx context.Context, reading *store.TelemetryReading) error
}

// Nop is a Writer that drops every reading.
type Nop struct{}

// WriteTelemetry implements Writer.
func (Nop) WriteTelemetry(context.Context, *store.TelemetryReading) error { return nil }

// InfluxConfig holds the InfluxDB connection settings.
type InfluxConfig struct {
	Logger      *slog.Logger
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// Influx writes readings with the blocking write API.
type Influx struct {
	lastErr     time.Time
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	logger      *slog.Logger
	measurement string
	mu          sync.RWMutex
}

// NewInflux connects a writer to InfluxDB.
func NewInflux(cfg *InfluxConfig) (*Influx, error) {
	if cfg == nil {
		return nil, errors.New("influx config cannot be nil")
	}
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx config incomplete: url, token, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	w := NewInfluxWithAPI(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Measurement, cfg.Logger)
	w.client = client
	return w, nil
}

// NewInfluxWithAPI wraps an existing write API.
func NewInfluxWithAPI(writeAPI api.WriteAPIBlocking, measurement string, log *slog.Logger) *Influx {
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	if log == nil {
		log = slog.Default()
	}
	return &Influx{
		writeAPI:    writeAPI,
		measurement: measurement,
		logger:      logger.WithComponent(log, "series"),
	}
}

// WriteTelemetry writes one point tagged with the device id. Readings with no measured value
// are skipped.
func (w *Influx) WriteTelemetry(ctx context.Context, reading *store.TelemetryReading) error {
	if reading == nil {
		return nil
	}
	fields := make(map[string]any, 4)
	addField(fields, "temperature", reading.Temperature)
	addField(fields, "humidity", reading.Humidity)
	addField(fields, "moisture", reading.Moisture)
	addField(fields, "soil_temperature", reading.SoilTemperature)
	if len(fields) == 0 {
		return nil
	}

	ts := reading.RecordedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	point := influxdb2.NewPoint(w.measurement, map[string]string{"device_id": reading.DeviceID}, fields, ts)
	if err := w.writeAPI.WritePoint(ctx, point); err != nil {
		w.mu.Lock()
		w.lastErr = time.Now()
		w.mu.Unlock()
		w.logger.Warn("influx write failed", "device_id", reading.DeviceID, "error", err)
		return err
	}
	return nil
}

// LastErrorAge returns the time since the last failed write, or a large duration when no write
// has failed yet.
func (w *Influx) LastErrorAge() time.Duration {
	w.mu.RLock()
	t := w.lastErr
	w.mu.RUnlock()
	if t.IsZero() {
		return 24 * time.Hour
	}
	return time.Since(t)
}

// Close releases the underlying client.
func (w *Influx) Close() {
	if w.client != nil {
		w.client.Close()
	}
}

func addField(fields map[string]any, name string, v *float64) {
	if v != nil {
		fields[name] = *v
	}
}
