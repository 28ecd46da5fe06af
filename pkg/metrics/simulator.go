package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the device simulator.
type SimulatorMetrics struct {
	MessagesGenerated  *prometheus.CounterVec
	GenerationFailures *prometheus.CounterVec
	CommandsApplied    *prometheus.CounterVec
	ActiveDevices      prometheus.Gauge
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		MessagesGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "messages_generated_total",
				Help:      "Total number of messages published by simulated devices",
			},
			[]string{"kind"}, // kind: telemetry, status, state
		),
		GenerationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "generation_failures_total",
				Help:      "Total number of failed simulator publishes",
			},
			[]string{"kind", "reason"},
		),
		CommandsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "commands_applied_total",
				Help:      "Total number of commands applied by simulated actuators",
			},
			[]string{"source"}, // source: applied, safety_override
		),
		ActiveDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "active_devices",
				Help:      "Number of simulated devices",
			},
		),
	}

	MustRegister(
		m.MessagesGenerated,
		m.GenerationFailures,
		m.CommandsApplied,
		m.ActiveDevices,
	)

	return m
}
