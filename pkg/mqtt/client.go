// Package mqtt provides the MQTT broker transport backed by Eclipse Paho.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/irrigation-hub/pkg/broker"
	"procodus.dev/irrigation-hub/pkg/metrics"
)

const transportName = "mqtt"

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultMaxRetries     = 5
	disconnectQuiesceMs   = 250
)

// Will is the last-will-and-testament registered on connect.
type Will struct {
	Topic    string
	Payload  string
	QoS      byte
	Retained bool
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Logger *slog.Logger
	// BrokerURL is the broker address, e.g. tcp://localhost:1883.
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
	// PublishTimeout bounds the wait for a publish acknowledgement.
	PublishTimeout time.Duration
	// MaxConnectRetries bounds the initial connection attempts.
	MaxConnectRetries uint64
	// Will is optional.
	Will *Will
	// OrderMatters delivers messages to handlers one at a time on the client's router goroutine.
	// Handlers of such a client must not publish through it or otherwise block on the broker.
	// When false every message is handled on its own goroutine.
	OrderMatters bool
	// Metrics is optional.
	Metrics *metrics.MQMetrics
}

type subscription struct {
	topics  []string
	qos     byte
	handler broker.Handler
	ctx     context.Context
}

// Client is a broker.Client over MQTT.
type Client struct {
	logger  *slog.Logger
	client  paho.Client
	config  *Config
	metrics *metrics.MQMetrics

	mu     sync.Mutex
	subs   []subscription
	closed bool
}

// New validates cfg and connects to the broker, retrying with exponential backoff.
func New(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt broker URL cannot be empty")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("mqtt client id cannot be empty")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.MaxConnectRetries == 0 {
		cfg.MaxConnectRetries = defaultMaxRetries
	}

	c := &Client{
		logger:  cfg.Logger.With(slog.String("transport", transportName)),
		config:  cfg,
		metrics: cfg.Metrics,
	}

	c.client = paho.NewClient(c.options())

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.MaxConnectRetries-1),
		ctx,
	)
	err := backoff.Retry(func() error {
		token := c.client.Connect()
		if !token.WaitTimeout(cfg.ConnectTimeout) {
			return fmt.Errorf("connect to %s timed out", cfg.BrokerURL)
		}
		if err := token.Error(); err != nil {
			c.logger.Warn("failed to connect to mqtt broker", "broker", cfg.BrokerURL, "error", err)
			return err
		}
		return nil
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}

	c.logger.Info("connected to mqtt broker", "broker", cfg.BrokerURL, "client_id", cfg.ClientID)
	return c, nil
}

func (c *Client) options() *paho.ClientOptions {
	cfg := c.config
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(cfg.OrderMatters)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.Will != nil {
		opts.SetWill(cfg.Will.Topic, cfg.Will.Payload, cfg.Will.QoS, cfg.Will.Retained)
	}
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		c.logger.Info("reconnecting to mqtt broker")
		if c.metrics != nil {
			c.metrics.ReconnectAttempts.WithLabelValues(transportName).Inc()
		}
	})
	return opts
}

// Publish implements broker.Publisher.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if c.isClosed() {
		return broker.ErrClosed
	}
	if !c.client.IsConnectionOpen() {
		c.observePublishFailure("not_connected")
		return broker.ErrNotConnected
	}

	if c.metrics != nil {
		timer := prometheus.NewTimer(c.metrics.PublishDuration.WithLabelValues(transportName))
		defer timer.ObserveDuration()
	}

	token := c.client.Publish(topic, qos, retained, payload)

	timeout := c.config.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	select {
	case <-token.Done():
	case <-ctx.Done():
		c.observePublishFailure("context_canceled")
		return ctx.Err()
	case <-time.After(timeout):
		c.observePublishFailure("timeout")
		return fmt.Errorf("publish to %s timed out after %s", topic, timeout)
	}

	if err := token.Error(); err != nil {
		c.observePublishFailure("broker_error")
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	if c.metrics != nil {
		c.metrics.MessagesPublished.WithLabelValues(transportName).Inc()
	}
	return nil
}

// Subscribe implements broker.Client. Subscriptions are restored after every reconnect.
func (c *Client) Subscribe(ctx context.Context, topics []string, qos byte, handler broker.Handler) error {
	if c.isClosed() {
		return broker.ErrClosed
	}

	sub := subscription{topics: topics, qos: qos, handler: handler, ctx: ctx}
	if err := c.subscribe(sub); err != nil {
		return err
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// IsConnected implements broker.Client.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close implements broker.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return broker.ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Disconnect(disconnectQuiesceMs)
	if c.metrics != nil {
		c.metrics.ConnectionStatus.WithLabelValues(transportName).Set(0)
	}
	c.logger.Info("mqtt connection closed")
	return nil
}

func (c *Client) subscribe(sub subscription) error {
	filters := make(map[string]byte, len(sub.topics))
	for _, t := range sub.topics {
		filters[t] = sub.qos
	}

	token := c.client.SubscribeMultiple(filters, c.route(sub))
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("subscribe to %v timed out", sub.topics)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topics %v: %w", sub.topics, err)
	}

	c.logger.Info("subscribed", "topics", sub.topics, "qos", sub.qos)
	return nil
}

func (c *Client) route(sub subscription) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		var timer *prometheus.Timer
		if c.metrics != nil {
			timer = prometheus.NewTimer(c.metrics.ConsumeDuration.WithLabelValues(transportName))
			defer timer.ObserveDuration()
		}

		if err := sub.handler(sub.ctx, msg.Topic(), msg.Payload()); err != nil {
			c.logger.Error("failed to handle mqtt message", "topic", msg.Topic(), "error", err)
			if c.metrics != nil {
				c.metrics.ConsumptionFailures.WithLabelValues(transportName, "handler_error").Inc()
			}
			return
		}

		if c.metrics != nil {
			c.metrics.MessagesConsumed.WithLabelValues(transportName).Inc()
		}
	}
}

func (c *Client) onConnect(_ paho.Client) {
	if c.metrics != nil {
		c.metrics.ConnectionStatus.WithLabelValues(transportName).Set(1)
	}

	c.mu.Lock()
	subs := append([]subscription(nil), c.subs...)
	c.mu.Unlock()

	// Paho invokes this handler on its own goroutine, so waiting on tokens is safe here.
	for _, sub := range subs {
		if err := c.subscribe(sub); err != nil {
			c.logger.Error("failed to restore subscription", "topics", sub.topics, "error", err)
		}
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.logger.Warn("mqtt connection lost", "error", err)
	if c.metrics != nil {
		c.metrics.ConnectionStatus.WithLabelValues(transportName).Set(0)
	}
}

func (c *Client) observePublishFailure(reason string) {
	if c.metrics != nil {
		c.metrics.PublishFailures.WithLabelValues(transportName, reason).Inc()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ broker.Client = (*Client)(nil)
