package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the publish circuit is open.
var ErrCircuitOpen = errors.New("broker: publish circuit open")

// BreakerConfig configures the publish circuit breaker.
type BreakerConfig struct {
	Logger *slog.Logger
	// Name identifies the breaker in logs.
	Name string
	// ConsecutiveFailures trips the breaker (default 5).
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing (default 30s).
	OpenTimeout time.Duration
	// Interval clears the failure counts while closed (default 60s).
	Interval time.Duration
}

// Breaker wraps a Client so that Publish fails fast while the broker is unhealthy.
// Subscribe, IsConnected and Close pass straight through.
type Breaker struct {
	Client
	cb *gobreaker.CircuitBreaker
}

// NewBreaker wraps client with a consecutive-failure circuit breaker.
func NewBreaker(client Client, cfg BreakerConfig) (*Breaker, error) {
	if client == nil {
		return nil, errors.New("broker client cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Name == "" {
		cfg.Name = "broker-publish"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}

	log := cfg.Logger
	threshold := cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     cfg.Name,
		Interval: cfg.Interval,
		Timeout:  cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("publish circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Breaker{Client: client, cb: cb}, nil
}

// Publish implements Publisher.
func (b *Breaker) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Client.Publish(ctx, topic, qos, retained, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return err
}

// State returns the current breaker state ("closed", "half-open", "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}
