// Package backend wires the irrigation hub services together and runs them.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"

	"procodus.dev/irrigation-hub/internal/alerts"
	"procodus.dev/irrigation-hub/internal/api"
	"procodus.dev/irrigation-hub/internal/audit"
	"procodus.dev/irrigation-hub/internal/commands"
	"procodus.dev/irrigation-hub/internal/ingest"
	"procodus.dev/irrigation-hub/internal/realtime"
	"procodus.dev/irrigation-hub/internal/registry"
	"procodus.dev/irrigation-hub/internal/series"
	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/internal/thresholds"
	"procodus.dev/irrigation-hub/internal/topics"
	"procodus.dev/irrigation-hub/pkg/broker"
	"procodus.dev/irrigation-hub/pkg/metrics"
	"procodus.dev/irrigation-hub/pkg/mq"
	"procodus.dev/irrigation-hub/pkg/mqtt"
)

// thresholdCacheKey is the redis key shared by every backend replica.
const thresholdCacheKey = "irrigation-hub:thresholds"

// Broker transports.
const (
	TransportMQTT = "mqtt"
	TransportAMQP = "amqp"
)

// Server represents the backend server that manages the database, the broker, the HTTP API and
// the gRPC health service.
type Server struct {
	logger      *slog.Logger
	db          *gorm.DB
	broker      broker.Client
	hub         *realtime.Hub
	redis       *redis.Client
	influx      *series.Influx
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	config      *ServerConfig
	stopCleanup context.CancelFunc
	openDB      func(*store.DBConfig) (*gorm.DB, error)
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Broker configuration. Transport is "mqtt" (default) or "amqp".
	Transport    string
	MQTTURL      string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	RabbitMQURL  string
	QueueName    string
	Exchange     string
	TopicPrefix  string

	// Optional shared threshold cache.
	RedisAddr     string
	RedisPassword string

	// Optional time series mirror.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	MetricsNamespace string
	DefaultDeviceID  string

	PresenceTimeout      time.Duration
	CommandTTL           time.Duration
	ConfirmWait          time.Duration
	ThresholdFreshness   time.Duration
	DedupWindow          time.Duration
	HousekeepingInterval time.Duration

	// HTTP and gRPC configuration
	HTTPPort int
	GRPCPort int

	// Database port
	DBPort int

	RedisDB int

	// RequireOnline rejects commands for devices the registry reports offline.
	RequireOnline bool
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
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
		if cfg.QueueName == "" {
			return nil, errors.New("queue name cannot be empty")
		}
	default:
		return nil, fmt.Errorf("unknown broker transport %q", cfg.Transport)
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.GRPCPort <= 0 {
		return nil, errors.New("gRPC port must be positive")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
		openDB: store.NewDB,
	}, nil
}

// Run starts the backend server and blocks until shutdown. Resources opened before a failed
// initialization step are released before Run returns.
func (s *Server) Run(ctx context.Context) (err error) {
	s.logger.Info("starting backend server")

	started := false
	defer func() {
		if err == nil || started {
			return
		}
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			s.logger.Error("cleanup after failed start", "error", shutdownErr)
		}
	}()

	// Create context with cancellation
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	// Initialize database
	db, err := s.openDB(&store.DBConfig{
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db
	s.logger.Info("database initialized successfully")

	namespace := s.config.MetricsNamespace
	if namespace == "" {
		namespace = "irrigation_hub"
	}
	core := metrics.NewCoreMetrics(namespace)
	httpMetrics := metrics.NewHTTPMetrics(namespace)
	mqMetrics := metrics.NewMQMetrics(namespace)

	st, err := store.New(db, store.WithMetrics(core))
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	// Connect to the broker
	client, err := s.connectBroker(ctx, mqMetrics)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	s.broker = client

	publisher, err := broker.NewBreaker(client, broker.BreakerConfig{Logger: s.logger, Name: "command-publish"})
	if err != nil {
		return fmt.Errorf("failed to initialize publish breaker: %w", err)
	}

	hub, err := realtime.NewHub(&realtime.HubConfig{Logger: s.logger, Metrics: core})
	if err != nil {
		return fmt.Errorf("failed to initialize realtime hub: %w", err)
	}
	s.hub = hub

	auditor := audit.NewRecorder(audit.NewStoreSink(st), s.logger)
	layout := topics.New(s.config.TopicPrefix)

	reg, err := registry.New(&registry.Config{
		Logger:          s.logger,
		Store:           st,
		Publisher:       hub,
		Metrics:         core,
		PresenceTimeout: s.config.PresenceTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}

	thresholdStore, err := s.newThresholds(st, core)
	if err != nil {
		return err
	}

	engine, err := alerts.New(&alerts.Config{
		Logger:     s.logger,
		Store:      st,
		Thresholds: thresholdStore,
		Publisher:  hub,
		Metrics:    core,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize alert engine: %w", err)
	}

	reconciler, err := commands.New(&commands.Config{
		Logger:          s.logger,
		Store:           st,
		Transport:       publisher,
		Alerts:          engine,
		Presence:        reg,
		Events:          hub,
		Audit:           auditor,
		Metrics:         core,
		Topics:          layout,
		DefaultDeviceID: s.config.DefaultDeviceID,
		ConfirmWait:     s.config.ConfirmWait,
		CommandTTL:      s.config.CommandTTL,
		RequireOnline:   s.config.RequireOnline,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize command reconciler: %w", err)
	}

	var mirror series.Writer = series.Nop{}
	if s.config.InfluxURL != "" {
		influx, err := series.NewInflux(&series.InfluxConfig{
			Logger: s.logger,
			URL:    s.config.InfluxURL,
			Token:  s.config.InfluxToken,
			Org:    s.config.InfluxOrg,
			Bucket: s.config.InfluxBucket,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize influx mirror: %w", err)
		}
		s.influx = influx
		mirror = influx
		s.logger.Info("telemetry series mirror enabled", "url", s.config.InfluxURL)
	}

	ingestor, err := ingest.New(&ingest.Config{
		Logger:      s.logger,
		Store:       st,
		Presence:    reg,
		Reconciler:  reconciler,
		Alerts:      engine,
		Series:      mirror,
		Events:      hub,
		Metrics:     core,
		Topics:      layout,
		DedupWindow: s.config.DedupWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize ingest: %w", err)
	}
	if err := ingestor.Subscribe(ctx, client); err != nil {
		return err
	}

	healthCheck := func(ctx context.Context) error {
		if err := st.Ping(ctx); err != nil {
			return fmt.Errorf("database unavailable: %w", err)
		}
		if !client.IsConnected() {
			return errors.New("broker disconnected")
		}
		return nil
	}

	handlers, err := api.New(&api.Config{
		Logger:         s.logger,
		Commands:       reconciler,
		Alerts:         engine,
		Thresholds:     thresholdStore,
		Devices:        reg,
		Telemetry:      st,
		Streams:        hub,
		Audit:          auditor,
		Metrics:        httpMetrics,
		Health:         healthCheck,
		MetricsHandler: metrics.Handler(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP API: %w", err)
	}

	// Create gRPC server with the standard health service
	s.health = health.NewServer()
	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	housekeeper, err := NewHousekeeper(&HousekeeperConfig{
		Logger:   s.logger,
		Presence: reg,
		Commands: reconciler,
		Health:   s.health,
		Check:    healthCheck,
		Interval: s.config.HousekeepingInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize housekeeping: %w", err)
	}
	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	s.stopCleanup = stopCleanup
	go housekeeper.Run(cleanupCtx)

	// Start gRPC server
	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	s.logger.Info("starting gRPC server", "address", grpcAddr)

	serveErr := make(chan error, 2)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			serveErr <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	// Start HTTP server
	s.httpServer = newHTTPServer(fmt.Sprintf(":%d", s.config.HTTPPort), handlers.Handler(), hub)

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	started = true
	s.logger.Info("backend server started successfully")

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-serveErr:
		s.logger.Error("server error", "error", err)
		cancel()
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			s.logger.Error("shutdown after server error failed", "error", shutdownErr)
		}
		return err
	}

	// Shutdown
	return s.Shutdown()
}

func (s *Server) connectBroker(ctx context.Context, m *metrics.MQMetrics) (broker.Client, error) {
	if s.config.Transport == TransportAMQP {
		s.logger.Info("connecting to RabbitMQ", "exchange", s.config.Exchange, "queue", s.config.QueueName)
		return mq.New(mq.Config{
			Logger:    s.logger,
			URL:       s.config.RabbitMQURL,
			Exchange:  s.config.Exchange,
			QueueName: s.config.QueueName,
			Metrics:   m,
		}), nil
	}

	clientID := s.config.MQTTClientID
	if clientID == "" {
		clientID = "irrigation-hub-backend"
	}
	s.logger.Info("connecting to MQTT broker", "url", s.config.MQTTURL, "client_id", clientID)
	// Presence and state reports for a device must be applied in arrival order.
	return mqtt.New(ctx, &mqtt.Config{
		Logger:       s.logger,
		BrokerURL:    s.config.MQTTURL,
		ClientID:     clientID,
		Username:     s.config.MQTTUsername,
		Password:     s.config.MQTTPassword,
		Metrics:      m,
		OrderMatters: true,
	})
}

func (s *Server) newThresholds(st *store.Store, core *metrics.CoreMetrics) (*thresholds.Store, error) {
	var shared thresholds.SharedCache
	if s.config.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     s.config.RedisAddr,
			Password: s.config.RedisPassword,
			DB:       s.config.RedisDB,
		})
		ttl := s.config.ThresholdFreshness
		if ttl <= 0 {
			ttl = thresholds.DefaultFreshness
		}
		cache, err := thresholds.NewRedisCache(s.redis, thresholdCacheKey, ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize shared threshold cache: %w", err)
		}
		shared = cache
		s.logger.Info("shared threshold cache enabled", "addr", s.config.RedisAddr)
	}

	ts, err := thresholds.New(&thresholds.StoreConfig{
		Logger:      s.logger,
		Persistence: st,
		Shared:      shared,
		Metrics:     core,
		Freshness:   s.config.ThresholdFreshness,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize threshold store: %w", err)
	}
	return ts, nil
}

// newHTTPServer builds the API server. Streaming subscribers are disconnected as soon as
// Shutdown begins, otherwise their open responses hold Shutdown until its deadline.
func newHTTPServer(addr string, handler http.Handler, hub *realtime.Hub) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv.RegisterOnShutdown(hub.Close)
	return srv
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down backend server")

	var errs []error

	if s.stopCleanup != nil {
		s.stopCleanup()
	}

	// Stop HTTP server
	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown HTTP server", "error", err)
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
	}

	// Stop gRPC server
	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		if s.health != nil {
			s.health.Shutdown()
		}
		s.grpcServer.GracefulStop()
		s.logger.Info("gRPC server stopped")
	}

	if s.hub != nil {
		s.hub.Close()
	}

	// Close broker
	if s.broker != nil {
		s.logger.Info("closing broker connection")
		if err := s.broker.Close(); err != nil {
			s.logger.Error("failed to close broker", "error", err)
			errs = append(errs, fmt.Errorf("broker close error: %w", err))
		}
	}

	if s.influx != nil {
		s.influx.Close()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	// Close database
	if s.db != nil {
		s.logger.Info("closing database connection")
		if err := store.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("backend server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("backend server shutdown completed successfully")
	return nil
}
