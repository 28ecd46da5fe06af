package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CoreMetrics contains Prometheus metrics for the reconciliation and alerting core.
type CoreMetrics struct {
	CommandsIssued        *prometheus.CounterVec
	CommandsResolved      *prometheus.CounterVec
	CommandsExpired       prometheus.Counter
	StateReports          *prometheus.CounterVec
	AlertsOpened          *prometheus.CounterVec
	AlertsCleared         *prometheus.CounterVec
	IngestMessagesTotal   *prometheus.CounterVec
	IngestDuration        *prometheus.HistogramVec
	IngestDuplicates      prometheus.Counter
	DevicesOnline         prometheus.Gauge
	PresenceTransitions   *prometheus.CounterVec
	ThresholdCacheLoads   *prometheus.CounterVec
	DBOperationDuration   *prometheus.HistogramVec
	RealtimeSubscribers   prometheus.Gauge
	RealtimeEventsDropped prometheus.Counter
}

// NewCoreMetrics creates and registers core metrics.
func NewCoreMetrics(namespace string) *CoreMetrics {
	m := &CoreMetrics{
		CommandsIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "issued_total",
				Help:      "Total number of command requests by outcome",
			},
			[]string{"outcome"}, // outcome: sent, pending_exists, pump_locked_out, device_offline, publish_failed
		),
		CommandsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "resolved_total",
				Help:      "Total number of pending commands resolved by a state report",
			},
			[]string{"status"}, // status: acknowledged, mismatch
		),
		CommandsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "expired_total",
				Help:      "Total number of pending commands expired by the sweep",
			},
		),
		StateReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "state_reports_total",
				Help:      "Total number of device state reports processed",
			},
			[]string{"status"}, // status: applied, invalid, error
		),
		AlertsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "opened_total",
				Help:      "Total number of alerts opened",
			},
			[]string{"type", "level"},
		),
		AlertsCleared: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "cleared_total",
				Help:      "Total number of alerts cleared",
			},
			[]string{"type"},
		),
		IngestMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "messages_total",
				Help:      "Total number of inbound broker messages",
			},
			[]string{"kind", "status"}, // status: success, dropped, error
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "processing_duration_seconds",
				Help:      "Duration of inbound message processing",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		IngestDuplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duplicates_total",
				Help:      "Total number of redelivered messages skipped",
			},
		),
		DevicesOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "devices_online",
				Help:      "Number of devices currently marked online",
			},
		),
		PresenceTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "presence_transitions_total",
				Help:      "Total number of device presence transitions",
			},
			[]string{"to"}, // to: online, offline
		),
		ThresholdCacheLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "thresholds",
				Name:      "loads_total",
				Help:      "Total number of threshold reloads by source",
			},
			[]string{"source"}, // source: store, redis, defaults
		),
		DBOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operation_duration_seconds",
				Help:      "Duration of database operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		RealtimeSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "subscribers",
				Help:      "Number of connected realtime subscribers",
			},
		),
		RealtimeEventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "events_dropped_total",
				Help:      "Total number of events dropped for slow subscribers",
			},
		),
	}

	MustRegister(
		m.CommandsIssued,
		m.CommandsResolved,
		m.CommandsExpired,
		m.StateReports,
		m.AlertsOpened,
		m.AlertsCleared,
		m.IngestMessagesTotal,
		m.IngestDuration,
		m.IngestDuplicates,
		m.DevicesOnline,
		m.PresenceTransitions,
		m.ThresholdCacheLoads,
		m.DBOperationDuration,
		m.RealtimeSubscribers,
		m.RealtimeEventsDropped,
	)

	return m
}
