// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/irrigation-hub/pkg/broker"
	"procodus.dev/irrigation-hub/pkg/mq"
)

// MockClient is a mock implementation of mq.ClientInterface for testing.
// It tracks method calls and allows configuring return values and behavior.
type MockClient struct {
	mu sync.Mutex

	// PushFunc is called when Push is invoked. If nil, returns PushError.
	PushFunc func(ctx context.Context, routingKey string, data []byte) error
	// PushError is returned by Push if PushFunc is nil.
	PushError error
	// PushCalls tracks all calls to Push and Publish with their arguments.
	PushCalls []PushCall

	// UnsafePushError is returned by UnsafePush.
	UnsafePushError error
	// UnsafePushCalls tracks all calls to UnsafePush with their arguments.
	UnsafePushCalls []PushCall

	// BindError is returned by Bind.
	BindError error
	// Bindings tracks every bound routing key pattern.
	Bindings []string

	// ConsumeChannel is returned by Consume.
	ConsumeChannel <-chan amqp.Delivery
	// ConsumeError is returned by Consume.
	ConsumeError error
	// ConsumeCalls tracks the number of times Consume was called.
	ConsumeCalls int

	// Handlers tracks the handlers passed to Subscribe.
	Handlers []broker.Handler

	// Connected is returned by IsConnected.
	Connected bool

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// PushCall records the arguments to a Push call.
type PushCall struct {
	Ctx        context.Context
	RoutingKey string
	Data       []byte
}

// NewMockClient creates a new connected MockClient with default behavior (no errors).
func NewMockClient() *MockClient {
	return &MockClient{
		ConsumeChannel: make(chan amqp.Delivery),
		Connected:      true,
	}
}

// Push implements ClientInterface.
func (m *MockClient) Push(ctx context.Context, routingKey string, data []byte) error {
	m.mu.Lock()
	m.PushCalls = append(m.PushCalls, PushCall{Ctx: ctx, RoutingKey: routingKey, Data: data})
	fn, err := m.PushFunc, m.PushError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, routingKey, data)
	}
	return err
}

// UnsafePush implements ClientInterface.
func (m *MockClient) UnsafePush(ctx context.Context, routingKey string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UnsafePushCalls = append(m.UnsafePushCalls, PushCall{Ctx: ctx, RoutingKey: routingKey, Data: data})
	return m.UnsafePushError
}

// Bind implements ClientInterface.
func (m *MockClient) Bind(pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BindError != nil {
		return m.BindError
	}
	m.Bindings = append(m.Bindings, pattern)
	return nil
}

// Consume implements ClientInterface.
func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls++
	return m.ConsumeChannel, m.ConsumeError
}

// Publish implements broker.Publisher by delegating to Push with the mapped routing key.
func (m *MockClient) Publish(ctx context.Context, topic string, _ byte, _ bool, payload []byte) error {
	return m.Push(ctx, mq.RoutingKey(topic), payload)
}

// Subscribe implements broker.Client.
func (m *MockClient) Subscribe(_ context.Context, topics []string, _ byte, handler broker.Handler) error {
	for _, t := range topics {
		if err := m.Bind(mq.RoutingKey(t)); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.Handlers = append(m.Handlers, handler)
	m.mu.Unlock()
	return nil
}

// IsConnected implements broker.Client.
func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Connected
}

// Close implements broker.Client.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	return m.CloseError
}

// Reset clears all tracked calls and resets the mock to its initial state.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PushCalls = nil
	m.UnsafePushCalls = nil
	m.Bindings = nil
	m.Handlers = nil
	m.ConsumeCalls = 0
	m.CloseCalls = 0
}

// Ensure MockClient implements mq.ClientInterface.
var _ mq.ClientInterface = (*MockClient)(nil)
