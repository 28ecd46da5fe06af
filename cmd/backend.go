package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/irrigation-hub/internal/backend"
	"procodus.dev/irrigation-hub/internal/commands"
	"procodus.dev/irrigation-hub/internal/ingest"
	"procodus.dev/irrigation-hub/internal/registry"
	"procodus.dev/irrigation-hub/internal/thresholds"
	"procodus.dev/irrigation-hub/pkg/mq"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run the backend server",
	Long: `Run the backend server that:
- Consumes device state, heartbeat, telemetry and presence messages from the broker
- Reconciles pump/valve commands against device state reports
- Evaluates telemetry against alert thresholds
- Persists data to PostgreSQL
- Serves the HTTP API, live event streams and gRPC health`,
	RunE: runBackend,
}

func init() {
	rootCmd.AddCommand(backendCmd)

	f := backendCmd.Flags()

	// Database
	f.String("db-host", "localhost", "PostgreSQL host")
	f.Int("db-port", 5432, "PostgreSQL port")
	f.String("db-user", "postgres", "PostgreSQL user")
	f.String("db-password", "", "PostgreSQL password")
	f.String("db-name", "irrigation", "PostgreSQL database name")
	f.String("db-sslmode", "disable", "PostgreSQL SSL mode")

	// Broker
	f.String("transport", backend.TransportMQTT, "broker transport (mqtt, amqp)")
	f.String("mqtt-url", "tcp://localhost:1883", "MQTT broker URL")
	f.String("mqtt-client-id", "irrigation-hub-backend", "MQTT client id")
	f.String("mqtt-username", "", "MQTT username")
	f.String("mqtt-password", "", "MQTT password")
	f.String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	f.String("queue-name", "irrigation-hub", "RabbitMQ queue bound to the device topics")
	f.String("exchange", mq.DefaultExchange, "RabbitMQ topic exchange")

	// Optional services
	f.String("redis-addr", "", "Redis address for the shared threshold cache (disabled when empty)")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database")
	f.String("influx-url", "", "InfluxDB URL for the telemetry mirror (disabled when empty)")
	f.String("influx-token", "", "InfluxDB token")
	f.String("influx-org", "", "InfluxDB organization")
	f.String("influx-bucket", "", "InfluxDB bucket")

	// Behavior
	f.String("default-device", commands.DefaultDeviceID, "actuator device commanded when a request names none")
	f.Bool("require-online", false, "reject commands for devices reported offline")
	f.Duration("presence-timeout", registry.DefaultPresenceTimeout, "silence after which a device is marked offline")
	f.Duration("command-ttl", commands.DefaultCommandTTL, "age after which an unconfirmed command expires")
	f.Duration("confirm-wait", commands.DefaultConfirmWait, "time a control request waits for the device to confirm")
	f.Duration("threshold-freshness", thresholds.DefaultFreshness, "threshold cache lifetime")
	f.Duration("dedup-window", ingest.DefaultDedupWindow, "window in which identical inbound messages are dropped")
	f.Duration("housekeeping-interval", backend.DefaultHousekeepingInterval, "presence sweep and command expiry interval")

	// Listeners
	f.Int("http-port", 8080, "HTTP server port")
	f.Int("grpc-port", 9090, "gRPC health server port")

	// Bind flags to viper
	bindings := map[string]string{
		"backend.db.host":               "db-host",
		"backend.db.port":               "db-port",
		"backend.db.user":               "db-user",
		"backend.db.password":           "db-password",
		"backend.db.name":               "db-name",
		"backend.db.sslmode":            "db-sslmode",
		"backend.broker.transport":      "transport",
		"backend.mqtt.url":              "mqtt-url",
		"backend.mqtt.client_id":        "mqtt-client-id",
		"backend.mqtt.username":         "mqtt-username",
		"backend.mqtt.password":         "mqtt-password",
		"backend.rabbitmq.url":          "rabbitmq-url",
		"backend.rabbitmq.queue_name":   "queue-name",
		"backend.rabbitmq.exchange":     "exchange",
		"backend.redis.addr":            "redis-addr",
		"backend.redis.password":        "redis-password",
		"backend.redis.db":              "redis-db",
		"backend.influx.url":            "influx-url",
		"backend.influx.token":          "influx-token",
		"backend.influx.org":            "influx-org",
		"backend.influx.bucket":         "influx-bucket",
		"backend.default_device":        "default-device",
		"backend.require_online":        "require-online",
		"backend.presence_timeout":      "presence-timeout",
		"backend.command_ttl":           "command-ttl",
		"backend.confirm_wait":          "confirm-wait",
		"backend.threshold_freshness":   "threshold-freshness",
		"backend.dedup_window":          "dedup-window",
		"backend.housekeeping_interval": "housekeeping-interval",
		"backend.http.port":             "http-port",
		"backend.grpc.port":             "grpc-port",
	}
	for key, flag := range bindings {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func runBackend(_ *cobra.Command, _ []string) error {
	logger := GetLogger("backend")
	logger.Info("starting backend service")

	// Create backend configuration from viper
	config := &backend.ServerConfig{
		Logger:               logger,
		DBHost:               viper.GetString("backend.db.host"),
		DBPort:               viper.GetInt("backend.db.port"),
		DBUser:               viper.GetString("backend.db.user"),
		DBPassword:           viper.GetString("backend.db.password"),
		DBName:               viper.GetString("backend.db.name"),
		DBSSLMode:            viper.GetString("backend.db.sslmode"),
		Transport:            viper.GetString("backend.broker.transport"),
		MQTTURL:              viper.GetString("backend.mqtt.url"),
		MQTTClientID:         viper.GetString("backend.mqtt.client_id"),
		MQTTUsername:         viper.GetString("backend.mqtt.username"),
		MQTTPassword:         viper.GetString("backend.mqtt.password"),
		RabbitMQURL:          viper.GetString("backend.rabbitmq.url"),
		QueueName:            viper.GetString("backend.rabbitmq.queue_name"),
		Exchange:             viper.GetString("backend.rabbitmq.exchange"),
		TopicPrefix:          viper.GetString("topics.prefix"),
		RedisAddr:            viper.GetString("backend.redis.addr"),
		RedisPassword:        viper.GetString("backend.redis.password"),
		RedisDB:              viper.GetInt("backend.redis.db"),
		InfluxURL:            viper.GetString("backend.influx.url"),
		InfluxToken:          viper.GetString("backend.influx.token"),
		InfluxOrg:            viper.GetString("backend.influx.org"),
		InfluxBucket:         viper.GetString("backend.influx.bucket"),
		MetricsNamespace:     viper.GetString("metrics.namespace"),
		DefaultDeviceID:      viper.GetString("backend.default_device"),
		RequireOnline:        viper.GetBool("backend.require_online"),
		PresenceTimeout:      viper.GetDuration("backend.presence_timeout"),
		CommandTTL:           viper.GetDuration("backend.command_ttl"),
		ConfirmWait:          viper.GetDuration("backend.confirm_wait"),
		ThresholdFreshness:   viper.GetDuration("backend.threshold_freshness"),
		DedupWindow:          viper.GetDuration("backend.dedup_window"),
		HousekeepingInterval: viper.GetDuration("backend.housekeeping_interval"),
		HTTPPort:             viper.GetInt("backend.http.port"),
		GRPCPort:             viper.GetInt("backend.grpc.port"),
	}

	// Create and run server
	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create backend server", "error", err)
		return err
	}

	logger.Info("backend server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"transport", config.Transport,
		"topic_prefix", config.TopicPrefix,
		"http_port", config.HTTPPort,
		"grpc_port", config.GRPCPort,
		"redis_enabled", config.RedisAddr != "",
		"influx_enabled", config.InfluxURL != "",
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("backend server error", "error", err)
		return err
	}

	logger.Info("backend server stopped")
	return nil
}
