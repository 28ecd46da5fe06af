package mqtt_test

import (
	"context"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/irrigation-hub/pkg/mqtt"
)

var _ = Describe("MQTT Client", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("New", func() {
		Context("with invalid configuration", func() {
			It("should return error when config is nil", func() {
				client, err := mqtt.New(context.Background(), nil)
				Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
				Expect(client).To(BeNil())
			})

			It("should return error when logger is nil", func() {
				client, err := mqtt.New(context.Background(), &mqtt.Config{
					BrokerURL: "tcp://localhost:1883",
					ClientID:  "test",
				})
				Expect(err).To(MatchError(ContainSubstring("logger")))
				Expect(client).To(BeNil())
			})

			It("should return error when broker URL is empty", func() {
				client, err := mqtt.New(context.Background(), &mqtt.Config{
					Logger:   logger,
					ClientID: "test",
				})
				Expect(err).To(MatchError(ContainSubstring("broker URL")))
				Expect(client).To(BeNil())
			})

			It("should return error when client id is empty", func() {
				client, err := mqtt.New(context.Background(), &mqtt.Config{
					Logger:    logger,
					BrokerURL: "tcp://localhost:1883",
				})
				Expect(err).To(MatchError(ContainSubstring("client id")))
				Expect(client).To(BeNil())
			})
		})

		Context("when the broker is unreachable", func() {
			It("should give up after the configured retries", func() {
				start := time.Now()
				client, err := mqtt.New(context.Background(), &mqtt.Config{
					Logger:            logger,
					BrokerURL:         "tcp://127.0.0.1:1",
					ClientID:          "unreachable",
					ConnectTimeout:    time.Second,
					MaxConnectRetries: 1,
				})
				Expect(err).To(MatchError(ContainSubstring("could not establish MQTT connection")))
				Expect(client).To(BeNil())
				Expect(time.Since(start)).To(BeNumerically("<", 10*time.Second))
			})

			It("should stop retrying when the context is canceled", func() {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()

				client, err := mqtt.New(ctx, &mqtt.Config{
					Logger:            logger,
					BrokerURL:         "tcp://127.0.0.1:1",
					ClientID:          "canceled",
					ConnectTimeout:    time.Second,
					MaxConnectRetries: 10,
				})
				Expect(err).To(HaveOccurred())
				Expect(client).To(BeNil())
			})
		})
	})

	Describe("options", func() {
		It("should hand each message to its own goroutine by default", func() {
			opts := mqtt.Options(&mqtt.Config{Logger: logger, BrokerURL: "tcp://localhost:1883", ClientID: "sim"})
			Expect(opts.Order).To(BeFalse())
		})

		It("should deliver in order when requested", func() {
			opts := mqtt.Options(&mqtt.Config{
				Logger:       logger,
				BrokerURL:    "tcp://localhost:1883",
				ClientID:     "hub",
				OrderMatters: true,
			})
			Expect(opts.Order).To(BeTrue())
		})

		It("should register the last will", func() {
			opts := mqtt.Options(&mqtt.Config{
				Logger:    logger,
				BrokerURL: "tcp://localhost:1883",
				ClientID:  "sim",
				Will:      &mqtt.Will{Topic: "farm/esp32a/presence", Payload: "offline", QoS: 1, Retained: true},
			})
			Expect(opts.WillEnabled).To(BeTrue())
			Expect(opts.WillTopic).To(Equal("farm/esp32a/presence"))
			Expect(opts.WillRetained).To(BeTrue())
		})
	})
})
