// Package api exposes the operator HTTP API: actuator control, latest state, alerts and
// thresholds, plus health, metrics and realtime streams.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/irrigation-hub/internal/audit"
	"procodus.dev/irrigation-hub/internal/commands"
	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/internal/thresholds"
	"procodus.dev/irrigation-hub/pkg/logger"
	"procodus.dev/irrigation-hub/pkg/metrics"
)

// requestTimeout bounds the work a single request may do against the store and broker.
const requestTimeout = 10 * time.Second

// Commands is the reconciler surface used by the API.
type Commands interface {
	CreateCommand(ctx context.Context, req commands.Request) (*commands.Result, error)
	Latest(ctx context.Context, deviceID string) (*commands.Latest, error)
	Lookup(ctx context.Context, requestID string) (*commands.View, error)
}

// Alerts is the alert engine surface used by the API.
type Alerts interface {
	List(ctx context.Context, active *bool) ([]store.Alert, error)
	Acknowledge(ctx context.Context, id uint) (*store.Alert, error)
	ClearAll(ctx context.Context) (int, error)
}

// Thresholds is the threshold store surface used by the API.
type Thresholds interface {
	Get(ctx context.Context) thresholds.Config
	Set(ctx context.Context, p thresholds.Partial) (thresholds.Config, error)
}

// Devices lists registered devices.
type Devices interface {
	List(ctx context.Context) ([]store.Device, error)
}

// Telemetry returns the latest telemetry snapshot.
type Telemetry interface {
	LatestSnapshot(ctx context.Context, deviceID string) (*store.TelemetrySnapshot, error)
}

// Streams serves realtime event streams.
type Streams interface {
	ServeSSE(w http.ResponseWriter, r *http.Request)
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Config holds the API dependencies.
type Config struct {
	Logger     *slog.Logger
	Commands   Commands
	Alerts     Alerts
	Thresholds Thresholds
	Devices    Devices
	Telemetry  Telemetry
	Streams    Streams
	Audit      *audit.Recorder
	Metrics    *metrics.HTTPMetrics
	// Health reports readiness. A nil Health always reports healthy.
	Health func(ctx context.Context) error
	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
}

// API is the HTTP handler set.
type API struct {
	logger     *slog.Logger
	commands   Commands
	alerts     Alerts
	thresholds Thresholds
	devices    Devices
	telemetry  Telemetry
	streams    Streams
	audit      *audit.Recorder
	metrics    *metrics.HTTPMetrics
	health     func(ctx context.Context) error
	metricsH   http.Handler
}

// New creates the API.
func New(cfg *Config) (*API, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Commands == nil {
		return nil, errors.New("commands cannot be nil")
	}
	if cfg.Alerts == nil {
		return nil, errors.New("alerts cannot be nil")
	}
	if cfg.Thresholds == nil {
		return nil, errors.New("thresholds cannot be nil")
	}
	if cfg.Devices == nil {
		return nil, errors.New("devices cannot be nil")
	}
	if cfg.Telemetry == nil {
		return nil, errors.New("telemetry cannot be nil")
	}

	return &API{
		logger:     logger.WithComponent(cfg.Logger, "api"),
		commands:   cfg.Commands,
		alerts:     cfg.Alerts,
		thresholds: cfg.Thresholds,
		devices:    cfg.Devices,
		telemetry:  cfg.Telemetry,
		streams:    cfg.Streams,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		health:     cfg.Health,
		metricsH:   cfg.MetricsHandler,
	}, nil
}

// Handler returns the routed handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)

	a.route(mux, "POST /control", a.handleControl)
	a.route(mux, "GET /latest", a.handleLatest)
	a.route(mux, "GET /commands/{requestId}", a.handleCommand)

	a.route(mux, "GET /alerts", a.handleListAlerts)
	a.route(mux, "PATCH /alerts/{id}", a.handleAcknowledgeAlert)
	a.route(mux, "DELETE /alerts", a.handleClearAlerts)

	a.route(mux, "GET /thresholds", a.handleGetThresholds)
	a.route(mux, "PUT /thresholds", a.handlePutThresholds)

	a.route(mux, "GET /devices", a.handleDevices)

	if a.metricsH != nil {
		mux.Handle("GET /metrics", a.metricsH)
	}
	if a.streams != nil {
		mux.HandleFunc("GET /events", a.streams.ServeSSE)
		mux.HandleFunc("GET /ws", a.streams.ServeWS)
	}

	return mux
}

// route registers h with request timing under the pattern's path.
func (a *API) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, a.instrument(pattern, h))
}

func (a *API) instrument(pattern string, next http.HandlerFunc) http.Handler {
	if a.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inFlight := a.metrics.HTTPRequestsInFlight.WithLabelValues(r.Method, pattern)
		inFlight.Inc()
		defer inFlight.Dec()

		timer := prometheus.NewTimer(a.metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern))
		defer timer.ObserveDuration()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		a.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
