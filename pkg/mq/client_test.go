package mq_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/irrigation-hub/pkg/broker"
	"procodus.dev/irrigation-hub/pkg/mq"
)

var _ = Describe("MQ Client", func() {
	var (
		logger *slog.Logger
	)

	newUnreachable := func(queue string) *mq.Client {
		return mq.New(mq.Config{
			Logger:    logger,
			URL:       "amqp://invalid:5672",
			QueueName: queue,
		})
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("topic mapping", func() {
		DescribeTable("RoutingKey",
			func(topic, key string) {
				Expect(mq.RoutingKey(topic)).To(Equal(key))
			},
			Entry("plain topic", "vermilinks/esp32a/command", "vermilinks.esp32a.command"),
			Entry("single level wildcard", "vermilinks/+/state", "vermilinks.*.state"),
			Entry("multi level wildcard", "vermilinks/#", "vermilinks.#"),
		)

		It("should map routing keys back to topics", func() {
			Expect(mq.Topic("vermilinks.device_status.esp32b")).To(Equal("vermilinks/device_status/esp32b"))
		})
	})

	Describe("New", func() {
		It("should create a client and start reconnecting in the background", func() {
			client := newUnreachable("irrigation-ingest")
			Expect(client).NotTo(BeNil())

			time.Sleep(100 * time.Millisecond)
			Expect(client.IsConnected()).To(BeFalse())

			_ = client.Close()
		})
	})

	Describe("Push", func() {
		Context("when not connected", func() {
			It("should retry with backoff until the context expires", func() {
				client := newUnreachable("")
				defer func() { _ = client.Close() }()

				time.Sleep(100 * time.Millisecond)

				ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
				defer cancel()

				start := time.Now()
				err := client.Push(ctx, "vermilinks.esp32a.command", []byte("{}"))

				Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
				Expect(time.Since(start)).To(BeNumerically(">=", 100*time.Millisecond))
			})

			It("should return error after max retry attempts", func() {
				client := newUnreachable("")
				defer func() { _ = client.Close() }()

				time.Sleep(100 * time.Millisecond)

				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()

				start := time.Now()
				err := client.Push(ctx, "vermilinks.esp32a.command", []byte("{}"))
				elapsed := time.Since(start)

				Expect(err).To(MatchError(ContainSubstring("maximum retry attempts exceeded")))
				// 100ms + 200ms + 400ms + 800ms + 1600ms
				Expect(elapsed).To(BeNumerically(">=", 3*time.Second))
				Expect(elapsed).To(BeNumerically("<", 10*time.Second))
			})

			It("should fail UnsafePush immediately", func() {
				client := newUnreachable("")
				defer func() { _ = client.Close() }()

				time.Sleep(100 * time.Millisecond)

				err := client.UnsafePush(context.Background(), "k", []byte("{}"))
				Expect(err).To(MatchError(ContainSubstring("not connected")))
			})
		})
	})

	Describe("Publish", func() {
		It("should refuse to publish after Close", func() {
			client := newUnreachable("")
			Expect(client.Close()).To(Succeed())

			err := client.Publish(context.Background(), "vermilinks/esp32a/command", broker.AtLeastOnce, false, []byte("{}"))
			Expect(errors.Is(err, broker.ErrClosed)).To(BeTrue())
		})
	})

	Describe("Subscribe", func() {
		It("should record bindings while disconnected", func() {
			client := newUnreachable("irrigation-ingest")
			defer func() { _ = client.Close() }()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			err := client.Subscribe(ctx, []string{"vermilinks/+/state"}, broker.AtLeastOnce,
				func(context.Context, string, []byte) error { return nil })
			Expect(err).NotTo(HaveOccurred())
		})

		It("should require a queue for bindings", func() {
			client := newUnreachable("")
			defer func() { _ = client.Close() }()

			Expect(client.Bind("vermilinks.*.state")).To(MatchError(ContainSubstring("queue name")))
		})
	})

	Describe("Consume", func() {
		It("should return error when not connected", func() {
			client := newUnreachable("irrigation-ingest")
			defer func() { _ = client.Close() }()

			time.Sleep(100 * time.Millisecond)

			_, err := client.Consume()
			Expect(err).To(MatchError(ContainSubstring("not connected")))
		})
	})

	Describe("Close", func() {
		It("should succeed once and then report already closed", func() {
			client := newUnreachable("")
			time.Sleep(100 * time.Millisecond)

			Expect(client.Close()).To(Succeed())
			Expect(client.Close()).To(MatchError(ContainSubstring("already closed")))
		})

		It("should handle concurrent Close attempts safely", func() {
			client := newUnreachable("")
			time.Sleep(100 * time.Millisecond)

			done := make(chan bool, 3)
			for i := 0; i < 3; i++ {
				go func() {
					_ = client.Close()
					done <- true
				}()
			}

			for i := 0; i < 3; i++ {
				Eventually(done).Should(Receive())
			}
		})
	})
})
