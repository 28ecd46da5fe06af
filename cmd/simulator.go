package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/irrigation-hub/internal/simulator"
	"procodus.dev/irrigation-hub/pkg/mq"
)

var simulatorCmd = &cobra.Command{
	Use:   "simulator",
	Short: "Run the device simulator",
	Long: `Run the device simulator that:
- Announces an actuator node and a sensor node online
- Applies pump/valve commands and reports the resulting state
- Drains a float-switched tank while the pump runs and shuts it off when low
- Publishes telemetry and heartbeats at a fixed interval`,
	RunE: runSimulator,
}

func init() {
	rootCmd.AddCommand(simulatorCmd)

	f := simulatorCmd.Flags()
	f.String("transport", simulator.TransportMQTT, "broker transport (mqtt, amqp)")
	f.String("mqtt-url", "tcp://localhost:1883", "MQTT broker URL")
	f.String("mqtt-username", "", "MQTT username")
	f.String("mqtt-password", "", "MQTT password")
	f.String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	f.String("exchange", mq.DefaultExchange, "RabbitMQ topic exchange")
	f.String("actuator-id", simulator.DefaultActuatorID, "actuator node device id")
	f.String("sensor-id", simulator.DefaultSensorID, "sensor node device id")
	f.Duration("interval", 5*time.Second, "Interval between telemetry samples")
	f.Int("metrics-port", 2112, "Prometheus metrics port (0 disables)")

	// Bind flags to viper
	_ = viper.BindPFlag("simulator.broker.transport", f.Lookup("transport"))
	_ = viper.BindPFlag("simulator.mqtt.url", f.Lookup("mqtt-url"))
	_ = viper.BindPFlag("simulator.mqtt.username", f.Lookup("mqtt-username"))
	_ = viper.BindPFlag("simulator.mqtt.password", f.Lookup("mqtt-password"))
	_ = viper.BindPFlag("simulator.rabbitmq.url", f.Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("simulator.rabbitmq.exchange", f.Lookup("exchange"))
	_ = viper.BindPFlag("simulator.actuator_id", f.Lookup("actuator-id"))
	_ = viper.BindPFlag("simulator.sensor_id", f.Lookup("sensor-id"))
	_ = viper.BindPFlag("simulator.interval", f.Lookup("interval"))
	_ = viper.BindPFlag("simulator.metrics_port", f.Lookup("metrics-port"))
}

func runSimulator(_ *cobra.Command, _ []string) error {
	logger := GetLogger("simulator")
	logger.Info("starting simulator service")

	config := &simulator.ServerConfig{
		Logger:           logger,
		Transport:        viper.GetString("simulator.broker.transport"),
		MQTTURL:          viper.GetString("simulator.mqtt.url"),
		MQTTUsername:     viper.GetString("simulator.mqtt.username"),
		MQTTPassword:     viper.GetString("simulator.mqtt.password"),
		RabbitMQURL:      viper.GetString("simulator.rabbitmq.url"),
		Exchange:         viper.GetString("simulator.rabbitmq.exchange"),
		TopicPrefix:      viper.GetString("topics.prefix"),
		ActuatorID:       viper.GetString("simulator.actuator_id"),
		SensorID:         viper.GetString("simulator.sensor_id"),
		Interval:         viper.GetDuration("simulator.interval"),
		MetricsNamespace: viper.GetString("metrics.namespace"),
		MetricsPort:      viper.GetInt("simulator.metrics_port"),
	}

	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator server", "error", err)
		return err
	}

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator server error", "error", err)
		return err
	}

	logger.Info("simulator server stopped")
	return nil
}
