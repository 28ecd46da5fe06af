// Package mock provides a hand-written broker.Client for tests.
package mock

import (
	"context"
	"sync"

	"procodus.dev/irrigation-hub/pkg/broker"
)

// Client is a mock implementation of broker.Client.
// It records publishes and lets tests inject inbound messages with Deliver.
type Client struct {
	mu sync.Mutex

	// PublishFunc is called when Publish is invoked. If nil, returns PublishError.
	PublishFunc func(ctx context.Context, topic string, payload []byte) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error
	// PublishCalls tracks all calls to Publish.
	PublishCalls []PublishCall

	// SubscribeError is returned by Subscribe.
	SubscribeError error
	// Subscriptions tracks all successful Subscribe calls.
	Subscriptions []Subscription

	// Disconnected flips IsConnected to false.
	Disconnected bool

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// PublishCall records the arguments to a Publish call.
type PublishCall struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Subscription records the arguments to a Subscribe call.
type Subscription struct {
	Topics  []string
	QoS     byte
	Handler broker.Handler
}

// NewClient creates a connected mock with no configured errors.
func NewClient() *Client {
	return &Client{}
}

// Publish implements broker.Publisher.
func (m *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	m.mu.Lock()
	m.PublishCalls = append(m.PublishCalls, PublishCall{
		Topic:    topic,
		QoS:      qos,
		Retained: retained,
		Payload:  append([]byte(nil), payload...),
	})
	fn, err := m.PublishFunc, m.PublishError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, topic, payload)
	}
	return err
}

// Subscribe implements broker.Client.
func (m *Client) Subscribe(_ context.Context, topics []string, qos byte, handler broker.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubscribeError != nil {
		return m.SubscribeError
	}
	m.Subscriptions = append(m.Subscriptions, Subscription{Topics: topics, QoS: qos, Handler: handler})
	return nil
}

// IsConnected implements broker.Client.
func (m *Client) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.Disconnected
}

// Close implements broker.Client.
func (m *Client) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return m.CloseError
}

// Deliver hands payload to every subscription whose filter matches topic and returns the
// first handler error.
func (m *Client) Deliver(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	subs := append([]Subscription(nil), m.Subscriptions...)
	m.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		for _, filter := range sub.Topics {
			if !broker.MatchTopic(filter, topic) {
				continue
			}
			if err := sub.Handler(ctx, topic, payload); err != nil && firstErr == nil {
				firstErr = err
			}
			break
		}
	}
	return firstErr
}

// Published returns a copy of the recorded publishes.
func (m *Client) Published() []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishCall(nil), m.PublishCalls...)
}

// Reset clears all tracked calls.
func (m *Client) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishCalls = nil
	m.Subscriptions = nil
	m.CloseCalls = 0
}

var _ broker.Client = (*Client)(nil)
