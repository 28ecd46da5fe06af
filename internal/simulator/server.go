package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"procodus.dev/irrigation-hub/internal/topics"
	"procodus.dev/irrigation-hub/pkg/broker"
	"procodus.dev/irrigation-hub/pkg/metrics"
	"procodus.dev/irrigation-hub/pkg/mq"
	"procodus.dev/irrigation-hub/pkg/mqtt"
)

// Broker transports.
const (
	TransportMQTT = "mqtt"
	TransportAMQP = "amqp"
)

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	Logger *slog.Logger

	// Broker configuration. Transport is "mqtt" (default) or "amqp".
	Transport    string
	MQTTURL      string
	MQTTUsername string
	MQTTPassword string
	RabbitMQURL  string
	Exchange     string
	TopicPrefix  string

	ActuatorID string
	SensorID   string
	// Interval is the time between telemetry samples.
	Interval time.Duration

	// MetricsNamespace enables Prometheus metrics on MetricsPort when set.
	MetricsNamespace string
	MetricsPort      int
}

// Server connects the simulated nodes to a broker and runs them.
type Server struct {
	logger *slog.Logger
	config *ServerConfig
}

// commandQueue receives the actuator node's commands over AMQP.
const commandQueue = "irrigation-hub-simulator"

var errInvalidTransport = errors.New("unknown broker transport")

// NewServer creates a new simulator server with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil || cfg.Logger == nil {
		return nil, errLoggerRequired
	}
	if cfg.Interval < 0 {
		return nil, errInvalidInterval
	}

	switch cfg.Transport {
	case "", TransportMQTT:
		if cfg.MQTTURL == "" {
			return nil, errors.New("MQTT broker URL cannot be empty")
		}
	case TransportAMQP:
		if cfg.RabbitMQURL == "" {
			return nil, errors.New("rabbitmq URL cannot be empty")
		}
	default:
		return nil, fmt.Errorf("%w %q", errInvalidTransport, cfg.Transport)
	}

	return &Server{logger: cfg.Logger, config: cfg}, nil
}

// Run connects to the broker and simulates the nodes until a shutdown signal is received.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	var (
		simMetrics *metrics.SimulatorMetrics
		mqMetrics  *metrics.MQMetrics
	)
	if s.config.MetricsNamespace != "" {
		simMetrics = metrics.NewSimulatorMetrics(s.config.MetricsNamespace)
		mqMetrics = metrics.NewMQMetrics(s.config.MetricsNamespace)
	}

	layout := topics.New(s.config.TopicPrefix)
	actuatorID := s.config.ActuatorID
	if actuatorID == "" {
		actuatorID = DefaultActuatorID
	}

	client, err := s.connect(ctx, layout.Presence(actuatorID), mqMetrics)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			s.logger.Error("failed to close broker client", "error", err)
		}
	}()

	sim, err := New(&Config{
		Logger:     s.logger,
		Client:     client,
		Metrics:    simMetrics,
		Topics:     layout,
		ActuatorID: actuatorID,
		SensorID:   s.config.SensorID,
		Interval:   s.config.Interval,
	})
	if err != nil {
		return err
	}

	var metricsServer *http.Server
	if simMetrics != nil && s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.logger.Info("metrics server listening", "port", s.config.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server error", "error", err)
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	s.logger.Info("simulator started",
		"transport", s.config.Transport,
		"topic_prefix", layout.Prefix,
		"interval", s.config.Interval,
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		err = <-done
	case err = <-done:
	}

	if metricsServer != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
			s.logger.Error("failed to shut down metrics server", "error", serr)
		}
	}

	s.logger.Info("simulator stopped")
	return err
}

func (s *Server) connect(ctx context.Context, willTopic string, m *metrics.MQMetrics) (broker.Client, error) {
	if s.config.Transport == TransportAMQP {
		return mq.New(mq.Config{
			Logger:    s.logger,
			URL:       s.config.RabbitMQURL,
			Exchange:  s.config.Exchange,
			QueueName: commandQueue,
			Metrics:   m,
		}), nil
	}

	// The command handler publishes the resulting state, so delivery stays unordered.
	return mqtt.New(ctx, &mqtt.Config{
		Logger:    s.logger,
		BrokerURL: s.config.MQTTURL,
		ClientID:  "irrigation-hub-simulator",
		Username:  s.config.MQTTUsername,
		Password:  s.config.MQTTPassword,
		Will: &mqtt.Will{
			Topic:    willTopic,
			Payload:  "offline",
			QoS:      broker.AtLeastOnce,
			Retained: true,
		},
		Metrics: m,
	})
}
