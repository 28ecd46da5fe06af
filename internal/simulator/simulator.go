// Package simulator emulates the two field nodes of an irrigation site: an actuator node driving
// the pump and valves above a float-switched tank, and a sensor node reporting telemetry.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"procodus.dev/irrigation-hub/internal/commands"
	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/internal/topics"
	"procodus.dev/irrigation-hub/pkg/broker"
	"procodus.dev/irrigation-hub/pkg/generator"
	"procodus.dev/irrigation-hub/pkg/logger"
	"procodus.dev/irrigation-hub/pkg/metrics"
)

// Defaults for the simulated site.
const (
	DefaultActuatorID = "esp32a"
	DefaultSensorID   = "esp32b"
	DefaultInterval   = 5 * time.Second
)

// Message kinds used as metric labels.
const (
	kindTelemetry = "telemetry"
	kindStatus    = "status"
	kindState     = "state"
	kindPresence  = "presence"
)

var (
	errLoggerRequired   = errors.New("logger is required")
	errClientRequired   = errors.New("broker client is required")
	errInvalidInterval  = errors.New("interval must be greater than 0")
	errSameDeviceIDs    = errors.New("actuator and sensor device ids must differ")
	errEmptyDeviceIDs   = errors.New("device ids cannot be empty")
	errMissingRequestID = errors.New("command without requestId")
)

// Config holds the configuration for the simulator.
type Config struct {
	Logger *slog.Logger
	// Client is the broker the simulated nodes publish to.
	Client broker.Client
	// Metrics is optional.
	Metrics *metrics.SimulatorMetrics
	// Rand seeds the telemetry generator. Nil uses a time-seeded source.
	Rand *rand.Rand
	// Now defaults to time.Now.
	Now        func() time.Time
	Topics     topics.Layout
	ActuatorID string
	SensorID   string
	// Interval is the time between telemetry samples and heartbeats.
	Interval time.Duration
}

// Simulator drives the simulated nodes.
type Simulator struct {
	client    broker.Client
	logger    *slog.Logger
	metrics   *metrics.SimulatorMetrics
	telemetry *generator.TelemetryGenerator
	tank      *generator.Tank
	nodes     map[string]*generator.Node
	now       func() time.Time
	started   time.Time
	layout    topics.Layout
	cfg       Config
	actuators store.Actuators
	mu        sync.Mutex
}

// New validates cfg and creates a Simulator with a full tank and all actuators off.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil || cfg.Logger == nil {
		return nil, errLoggerRequired
	}
	if cfg.Client == nil {
		return nil, errClientRequired
	}

	c := *cfg
	if c.ActuatorID == "" && c.SensorID == "" {
		c.ActuatorID, c.SensorID = DefaultActuatorID, DefaultSensorID
	}
	if c.ActuatorID == "" || c.SensorID == "" {
		return nil, errEmptyDeviceIDs
	}
	if c.ActuatorID == c.SensorID {
		return nil, errSameDeviceIDs
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Interval < 0 {
		return nil, errInvalidInterval
	}
	if c.Topics.Prefix == "" {
		c.Topics = topics.New("")
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	s := &Simulator{
		cfg:       c,
		client:    c.Client,
		logger:    logger.WithComponent(c.Logger, "simulator"),
		metrics:   c.Metrics,
		layout:    c.Topics,
		now:       c.Now,
		telemetry: generator.NewTelemetryGenerator(c.Rand),
		tank:      generator.NewTank(),
		nodes: map[string]*generator.Node{
			c.ActuatorID: generator.NewNode(c.ActuatorID),
			c.SensorID:   generator.NewNode(c.SensorID),
		},
	}
	return s, nil
}

// Start announces both nodes online and subscribes the actuator node to its command topic.
func (s *Simulator) Start(ctx context.Context) error {
	s.started = s.now()

	for _, id := range []string{s.cfg.ActuatorID, s.cfg.SensorID} {
		if err := s.publishPresence(ctx, id, true); err != nil {
			return err
		}
	}
	if s.metrics != nil {
		s.metrics.ActiveDevices.Set(float64(len(s.nodes)))
	}

	topic := s.layout.Command(s.cfg.ActuatorID)
	if err := s.client.Subscribe(ctx, []string{topic}, broker.AtLeastOnce, s.HandleCommand); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s.logger.Info("simulated nodes online",
		"actuator", s.cfg.ActuatorID,
		"sensor", s.cfg.SensorID,
		"command_topic", topic,
	)
	return s.publishState(ctx, "", commands.SourceManual)
}

// Stop announces both nodes offline, mirroring the broker last-will.
func (s *Simulator) Stop(ctx context.Context) error {
	var errs []error
	for _, id := range []string{s.cfg.ActuatorID, s.cfg.SensorID} {
		errs = append(errs, s.publishPresence(ctx, id, false))
	}
	if s.metrics != nil {
		s.metrics.ActiveDevices.Set(0)
	}
	return errors.Join(errs...)
}

// HandleCommand applies a desired state from the command topic and reports the result.
// A pump request while the float reads LOW is refused and reported as a safety override.
func (s *Simulator) HandleCommand(ctx context.Context, _ string, payload []byte) error {
	desired, err := commands.ValidateDesiredState(payload)
	if err != nil {
		s.countFailure(kindState, "invalid_command")
		s.logger.Warn("ignoring invalid command", "error", err)
		return nil
	}

	var meta struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(payload, &meta)
	if meta.RequestID == "" {
		s.logger.Warn("ignoring command", "error", errMissingRequestID)
		return nil
	}

	s.mu.Lock()
	source := commands.SourceApplied
	if desired.Pump && s.tank.Float() == generator.FloatLow {
		desired.Pump = false
		source = commands.SourceSafetyOverride
	}
	s.actuators = desired
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.CommandsApplied.WithLabelValues(source).Inc()
	}
	s.logger.Info("command applied",
		"request_id", meta.RequestID,
		"source", source,
		"pump", desired.Pump,
	)
	return s.publishState(ctx, meta.RequestID, source)
}

// Tick advances the tank, publishes a telemetry sample from the sensor node and a heartbeat from
// both nodes. When the tank runs low with the pump on, the actuator node shuts the pump off
// and reports a safety override.
func (s *Simulator) Tick(ctx context.Context) error {
	now := s.now()

	s.mu.Lock()
	pumping := s.actuators.Pump
	watering := s.actuators.Valve1 || s.actuators.Valve2 || s.actuators.Valve3
	s.tank.Step(pumping)
	tripped := pumping && s.tank.Float() == generator.FloatLow
	if tripped {
		s.actuators.Pump = false
	}
	reading := s.telemetry.GenerateReading(now, pumping && watering)
	s.mu.Unlock()

	var errs []error
	if tripped {
		s.logger.Warn("tank low, pump shut off", "device_id", s.cfg.ActuatorID)
		if s.metrics != nil {
			s.metrics.CommandsApplied.WithLabelValues(commands.SourceSafetyOverride).Inc()
		}
		errs = append(errs, s.publishState(ctx, "", commands.SourceSafetyOverride))
	}

	errs = append(errs, s.publishJSON(ctx, kindTelemetry, s.layout.Telemetry(s.cfg.SensorID), false, reading))
	for _, id := range []string{s.cfg.ActuatorID, s.cfg.SensorID} {
		errs = append(errs, s.publishJSON(ctx, kindStatus, s.layout.Status(id), false, s.heartbeat(id, now)))
	}
	return errors.Join(errs...)
}

// Run starts the nodes and ticks until ctx is canceled, then announces them offline.
func (s *Simulator) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("simulator shutting down")
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return s.Stop(stopCtx)
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				// Keep ticking; the broker may come back.
				s.logger.Error("failed to publish simulated data", "error", err)
			}
		}
	}
}

// Actuators returns the current actuator state.
func (s *Simulator) Actuators() store.Actuators {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actuators
}

// Float returns the current float sensor reading.
func (s *Simulator) Float() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tank.Float()
}

// SetTankLevel overrides the tank fill level in percent.
func (s *Simulator) SetTankLevel(level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tank.Level = level
}

type statePayload struct {
	store.Actuators
	Float     string `json:"float"`
	Source    string `json:"source"`
	RequestID string `json:"requestId,omitempty"`
	Timestamp int64  `json:"ts"`
}

type heartbeatPayload struct {
	IP     string `json:"ip"`
	FW     string `json:"fw"`
	Online bool   `json:"online"`
	RSSI   int    `json:"rssi"`
	Uptime int64  `json:"uptime"`
}

func (s *Simulator) publishState(ctx context.Context, requestID, source string) error {
	s.mu.Lock()
	p := statePayload{
		Actuators: s.actuators,
		Float:     s.tank.Float(),
		Source:    source,
		RequestID: requestID,
		Timestamp: s.now().Unix(),
	}
	s.mu.Unlock()
	return s.publishJSON(ctx, kindState, s.layout.State(s.cfg.ActuatorID), false, p)
}

func (s *Simulator) heartbeat(deviceID string, now time.Time) heartbeatPayload {
	node := s.nodes[deviceID]
	return heartbeatPayload{
		Online: true,
		RSSI:   -50 - int(now.Unix()%30),
		Uptime: int64(now.Sub(s.started).Seconds()),
		IP:     node.IPAddress,
		FW:     node.Firmware,
	}
}

func (s *Simulator) publishPresence(ctx context.Context, deviceID string, online bool) error {
	payload := "offline"
	if online {
		payload = "online"
	}
	return s.publish(ctx, kindPresence, s.layout.Presence(deviceID), true, []byte(payload))
}

func (s *Simulator) publishJSON(ctx context.Context, kind, topic string, retained bool, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		s.countFailure(kind, "marshal")
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	return s.publish(ctx, kind, topic, retained, b)
}

func (s *Simulator) publish(ctx context.Context, kind, topic string, retained bool, payload []byte) error {
	if err := s.client.Publish(ctx, topic, broker.AtLeastOnce, retained, payload); err != nil {
		s.countFailure(kind, "publish")
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if s.metrics != nil {
		s.metrics.MessagesGenerated.WithLabelValues(kind).Inc()
	}
	return nil
}

func (s *Simulator) countFailure(kind, reason string) {
	if s.metrics != nil {
		s.metrics.GenerationFailures.WithLabelValues(kind, reason).Inc()
	}
}
