// Package mq provides the RabbitMQ broker transport with automatic reconnection.
//
// Devices speak MQTT; RabbitMQ's MQTT plugin maps MQTT topics onto the amq.topic exchange by
// replacing "/" with "." and "+" with "*". The client applies the same mapping so the backend
// can consume device traffic over AMQP and publish commands the devices receive over MQTT.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/irrigation-hub/pkg/broker"
	"procodus.dev/irrigation-hub/pkg/metrics"
)

const transportName = "amqp"

// DefaultExchange is the exchange RabbitMQ's MQTT plugin publishes to.
const DefaultExchange = "amq.topic"

// Client is a RabbitMQ client that handles connection management,
// automatic reconnection, and provides methods for publishing and consuming messages.
type Client struct {
	m               *sync.Mutex
	pub             *sync.Mutex
	infolog         *slog.Logger
	errlog          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	ready           chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	exchange        string
	queueName       string
	bindings        map[string]struct{}
	isReady         bool
	closed          bool
	metrics         *metrics.MQMetrics // Optional metrics
}

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Initial backoff delay for Push retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for Push retries.
	maxBackoff = 10 * time.Second

	// Backoff multiplier for exponential backoff.
	backoffMultiplier = 2

	// Maximum number of retry attempts before giving up.
	maxRetryAttempts = 5
)

var (
	errNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// Config holds the configuration for the Client.
type Config struct {
	Logger *slog.Logger
	// URL is the AMQP connection string.
	URL string
	// Exchange is the topic exchange (defaults to amq.topic).
	Exchange string
	// QueueName is the durable queue bound to the subscribed routing keys.
	// Publish-only clients may leave it empty.
	QueueName string
	// Metrics is optional.
	Metrics *metrics.MQMetrics
}

// New creates a new client instance and automatically attempts to connect to the server.
func New(cfg Config) *Client {
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}

	client := Client{
		m:         &sync.Mutex{},
		pub:       &sync.Mutex{},
		infolog:   cfg.Logger,
		errlog:    cfg.Logger,
		exchange:  exchange,
		queueName: cfg.QueueName,
		bindings:  make(map[string]struct{}),
		done:      make(chan bool),
		ready:     make(chan struct{}),
		metrics:   cfg.Metrics,
	}
	go client.handleReconnect(cfg.URL)
	return &client
}

// SetMetrics sets the metrics collector for this client.
// This should be called before the client starts processing messages.
func (client *Client) SetMetrics(m *metrics.MQMetrics) {
	client.metrics = m
}

// RoutingKey converts an MQTT topic or filter into an AMQP routing key or binding pattern.
func RoutingKey(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		if p == "+" {
			parts[i] = "*"
		}
	}
	return strings.Join(parts, ".")
}

// Topic converts an AMQP routing key back into an MQTT topic.
func Topic(routingKey string) string {
	return strings.ReplaceAll(routingKey, ".", "/")
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.setReady(false)

		client.infolog.Info("attempting to connect", "exchange", client.exchange, "queue", client.queueName)

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.WithLabelValues(transportName).Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.errlog.Error("failed to connect. Retrying...", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			break
		}
	}
}

// connect will create a new AMQP connection.
func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if client.metrics != nil {
			client.metrics.ConnectionStatus.WithLabelValues(transportName).Set(0)
		}
		return nil, err
	}

	client.changeConnection(conn)
	client.infolog.Info("connected")

	if client.metrics != nil {
		client.metrics.ConnectionStatus.WithLabelValues(transportName).Set(1)
	}

	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize both channels.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		err := client.init(conn)
		if err != nil {
			client.errlog.Error("failed to initialize channel, retrying...", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.infolog.Info("connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.infolog.Info("connection closed, reconnecting...")
			return false
		case <-client.notifyChanClose:
			client.infolog.Info("channel closed, re-running init...")
		}
	}
}

// init will initialize the channel, declare the queue and restore its bindings.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	if client.exchange != DefaultExchange {
		if err := ch.ExchangeDeclare(client.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return err
		}
	}

	if client.queueName != "" {
		if _, err := ch.QueueDeclare(
			client.queueName,
			true,  // Durable
			false, // Delete when unused
			false, // Exclusive
			false, // No-wait
			nil,   // Arguments
		); err != nil {
			return err
		}

		client.m.Lock()
		keys := make([]string, 0, len(client.bindings))
		for key := range client.bindings {
			keys = append(keys, key)
		}
		client.m.Unlock()

		for _, key := range keys {
			if err := ch.QueueBind(client.queueName, key, client.exchange, false, nil); err != nil {
				return err
			}
		}
	}

	client.changeChannel(ch)
	client.setReady(true)
	client.infolog.Info("client init done")

	return nil
}

// changeConnection takes a new connection to the queue,
// and updates the close listener to reflect this.
func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

// changeChannel takes a new channel to the queue,
// and updates the channel listeners to reflect this.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.m.Lock()
	client.channel = channel
	client.m.Unlock()
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

func (client *Client) setReady(ready bool) {
	client.m.Lock()
	defer client.m.Unlock()

	if ready == client.isReady {
		return
	}
	client.isReady = ready
	if ready {
		close(client.ready)
	} else {
		client.ready = make(chan struct{})
	}
}

// waitReady blocks until the channel is initialized.
func (client *Client) waitReady(ctx context.Context) error {
	client.m.Lock()
	ready := client.ready
	client.m.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-client.done:
		return errShutdown
	}
}

// Push will publish data under routingKey and wait for a confirmation.
// Uses exponential backoff retry when the client is not connected,
// allowing time for automatic reconnection to succeed.
// After maxRetryAttempts (5) failed attempts, returns a fatal error.
func (client *Client) Push(ctx context.Context, routingKey string, data []byte) error {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PublishDuration.WithLabelValues(transportName))
		defer timer.ObserveDuration()
	}

	// Confirmations arrive on a single channel; serialize publishers so each one
	// reads its own.
	client.pub.Lock()
	defer client.pub.Unlock()

	backoff := initialBackoff
	retryCount := 0

	wait := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-time.After(backoff):
			backoff *= backoffMultiplier
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			retryCount++
			return nil
		}
	}

	for {
		if retryCount >= maxRetryAttempts {
			client.errlog.Error("maximum retry attempts exceeded",
				"retry_count", retryCount,
				"max_attempts", maxRetryAttempts)

			if client.metrics != nil {
				client.metrics.PublishFailures.WithLabelValues(transportName, "max_retries_exceeded").Inc()
			}

			return errMaxRetriesExceeded
		}

		if !client.IsConnected() {
			client.infolog.Info("not connected, waiting for reconnection",
				"backoff", backoff,
				"retry_count", retryCount)

			if err := wait(); err != nil {
				return err
			}
			continue
		}

		if err := client.UnsafePush(ctx, routingKey, data); err != nil {
			client.errlog.Error("push failed, retrying with backoff",
				"error", err,
				"backoff", backoff,
				"retry_count", retryCount)

			if err := wait(); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			if client.metrics != nil {
				client.metrics.PublishFailures.WithLabelValues(transportName, "context_canceled").Inc()
			}
			return ctx.Err()
		case confirm := <-client.notifyConfirm:
			if confirm.Ack {
				if client.metrics != nil {
					client.metrics.MessagesPublished.WithLabelValues(transportName).Inc()
				}
				client.infolog.Debug("push confirmed",
					"routing_key", routingKey,
					"delivery_tag", confirm.DeliveryTag,
					"retry_count", retryCount)
				return nil
			}

			client.errlog.Warn("push not acknowledged, retrying",
				"delivery_tag", confirm.DeliveryTag,
				"backoff", backoff)

			if err := wait(); err != nil {
				return err
			}
		}
	}
}

// UnsafePush will publish without checking for confirmation. It returns an error if it
// fails to connect. No guarantees are provided for whether the server will receive the message.
func (client *Client) UnsafePush(ctx context.Context, routingKey string, data []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	return ch.PublishWithContext(
		ctx,
		client.exchange,
		routingKey,
		false, // Mandatory
		false, // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         data,
		},
	)
}

// Bind adds a routing key pattern to the client's queue. Bindings are restored after
// every reconnect.
func (client *Client) Bind(pattern string) error {
	if client.queueName == "" {
		return errors.New("queue name cannot be empty")
	}

	client.m.Lock()
	client.bindings[pattern] = struct{}{}
	ready := client.isReady
	ch := client.channel
	client.m.Unlock()

	if !ready {
		// init will bind it once connected.
		return nil
	}
	return ch.QueueBind(client.queueName, pattern, client.exchange, false, nil)
}

// Consume will continuously put queue items on the channel.
// It is required to call delivery.Ack when it has been
// successfully processed, or delivery.Nack when it fails.
// Ignoring this will cause data to build up on the server.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(
		1,     // prefetchCount
		0,     // prefetchSize
		false, // global
	); err != nil {
		return nil, err
	}

	return ch.Consume(
		client.queueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
}

// Publish implements broker.Publisher. qos and retained have no AMQP equivalent: every
// publish is persistent and confirmed.
func (client *Client) Publish(ctx context.Context, topic string, _ byte, _ bool, payload []byte) error {
	if client.isClosed() {
		return broker.ErrClosed
	}
	return client.Push(ctx, RoutingKey(topic), payload)
}

// Subscribe implements broker.Client. It binds every topic filter to the client's queue and
// starts a consumer goroutine that survives reconnects until ctx is canceled or the client
// is closed.
func (client *Client) Subscribe(ctx context.Context, topics []string, _ byte, handler broker.Handler) error {
	if client.isClosed() {
		return broker.ErrClosed
	}

	for _, t := range topics {
		if err := client.Bind(RoutingKey(t)); err != nil {
			return err
		}
	}

	go client.consumeLoop(ctx, handler)
	return nil
}

func (client *Client) consumeLoop(ctx context.Context, handler broker.Handler) {
	for {
		if err := client.waitReady(ctx); err != nil {
			return
		}

		deliveries, err := client.Consume()
		if err != nil {
			client.errlog.Error("failed to start consuming", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-client.done:
				return
			case <-time.After(reInitDelay):
			}
			continue
		}

		if !client.processMessages(ctx, deliveries, handler) {
			return
		}
	}
}

// processMessages drains deliveries. It returns false when consumption should stop for good.
func (client *Client) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery, handler broker.Handler) bool {
	for {
		select {
		case <-ctx.Done():
			client.infolog.Info("context canceled, stopping message processing")
			return false
		case <-client.done:
			return false
		case delivery, ok := <-deliveries:
			if !ok {
				client.infolog.Warn("deliveries channel closed")
				return true
			}
			client.handleDelivery(ctx, delivery, handler)
		}
	}
}

func (client *Client) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler broker.Handler) {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.ConsumeDuration.WithLabelValues(transportName))
		defer timer.ObserveDuration()
	}

	if err := handler(ctx, Topic(delivery.RoutingKey), delivery.Body); err != nil {
		client.errlog.Error("failed to handle delivery",
			"routing_key", delivery.RoutingKey,
			"redelivered", delivery.Redelivered,
			"error", err,
		)
		if client.metrics != nil {
			client.metrics.ConsumptionFailures.WithLabelValues(transportName, "handler_error").Inc()
		}
		// Requeue once; a second failure is dropped.
		if nackErr := delivery.Nack(false, !delivery.Redelivered); nackErr != nil {
			client.errlog.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		client.errlog.Error("failed to ack message", "error", err)
		return
	}

	if client.metrics != nil {
		client.metrics.MessagesConsumed.WithLabelValues(transportName).Inc()
	}
}

// IsConnected implements broker.Client.
func (client *Client) IsConnected() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

func (client *Client) isClosed() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.closed
}

// Close will cleanly shut down the channel and connection.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	if client.closed {
		return errAlreadyClosed
	}
	client.closed = true
	close(client.done)

	if !client.isReady {
		return nil
	}

	if err := client.channel.Close(); err != nil {
		return err
	}
	if err := client.connection.Close(); err != nil {
		return err
	}

	client.isReady = false

	if client.metrics != nil {
		client.metrics.ConnectionStatus.WithLabelValues(transportName).Set(0)
	}

	return nil
}
