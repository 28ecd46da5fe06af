// Package broker defines the publish/subscribe transport used between the backend and devices.
//
// Topics are always expressed in MQTT form ("vermilinks/esp32a/state", "+" and "#" wildcards).
// Transports that speak another protocol translate them (see pkg/mq).
package broker

import (
	"context"
	"errors"
)

// QoS levels used by the system.
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
)

// Handler processes one inbound message. A non-nil error asks the transport to redeliver
// when it supports redelivery; transports without it only log the error.
type Handler func(ctx context.Context, topic string, payload []byte) error

// Publisher publishes a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// Client is a connected broker transport.
type Client interface {
	Publisher

	// Subscribe routes every message matching one of topics to handler.
	// Messages are delivered to handler sequentially in arrival order.
	Subscribe(ctx context.Context, topics []string, qos byte, handler Handler) error

	// IsConnected reports whether the transport currently holds a live connection.
	IsConnected() bool

	// Close disconnects and releases the transport.
	Close() error
}

var (
	// ErrNotConnected is returned when publishing without a live connection.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("broker: client closed")
)

// MatchTopic reports whether topic matches an MQTT subscription filter.
func MatchTopic(filter, topic string) bool {
	fl := splitTopic(filter)
	tl := splitTopic(topic)

	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

func splitTopic(topic string) []string {
	parts := make([]string, 0, 4)
	start := 0
	for i := 0; i < len(topic); i++ {
		if topic[i] == '/' {
			parts = append(parts, topic[start:i])
			start = i + 1
		}
	}
	return append(parts, topic[start:])
}
