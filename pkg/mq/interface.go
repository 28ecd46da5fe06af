package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/irrigation-hub/pkg/broker"
)

// ClientInterface defines the AMQP-level operations of the client.
// This interface enables easier testing through mocking and dependency injection.
type ClientInterface interface {
	broker.Client

	// Push publishes data under routingKey and waits for a confirmation.
	// The context is used for cancellation and timeout.
	Push(ctx context.Context, routingKey string, data []byte) error

	// UnsafePush publishes without checking for confirmation.
	// It returns an error if it fails to connect.
	UnsafePush(ctx context.Context, routingKey string, data []byte) error

	// Bind adds a routing key pattern to the client's queue.
	Bind(pattern string) error

	// Consume will continuously put queue items on the channel.
	// It is required to call delivery.Ack when it has been successfully processed,
	// or delivery.Nack when it fails.
	Consume() (<-chan amqp.Delivery, error)
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
