// Package realtime fans out core events to dashboard subscribers over SSE and websockets.
// Delivery is fire-and-forget: a slow subscriber drops events instead of blocking publishers.
package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/irrigation-hub/pkg/metrics"
)

// Event names.
const (
	EventAlertNew        = "alert:new"
	EventAlertCleared    = "alert:cleared"
	EventAlertRefreshed  = "alert:refreshed"
	EventActuatorState   = "actuator:state"
	EventActuatorUpdate  = "actuator:update"
	EventDeviceStatus    = "device:status"
	EventTelemetryUpdate = "telemetry:update"
	EventCommandUpdate   = "command:update"
)

// Publisher emits a named event. Implementations must not block.
type Publisher interface {
	Publish(event string, payload any)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(string, any) {}

// Event is one message delivered to subscribers.
type Event struct {
	Time time.Time       `json:"ts"`
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// HubConfig holds the hub configuration.
type HubConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.CoreMetrics
	// Buffer is the per-subscriber queue length (defaults to 32).
	Buffer int
}

// Hub is an in-process broadcast channel.
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.CoreMetrics
	clients map[chan Event]struct{}
	buffer  int
	closed  bool
	mu      sync.Mutex
}

// NewHub creates a hub.
func NewHub(cfg *HubConfig) (*Hub, error) {
	if cfg == nil {
		return nil, errors.New("hub config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		clients: make(map[chan Event]struct{}),
		buffer:  buffer,
	}, nil
}

// Publish marshals payload and offers it to every subscriber.
func (h *Hub) Publish(event string, payload any) {
	if h == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("dropping unencodable event", "event", event, "error", err)
		return
	}
	h.broadcast(Event{Name: event, Data: data, Time: time.Now().UTC()})
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			if h.metrics != nil && h.metrics.RealtimeEventsDropped != nil {
				h.metrics.RealtimeEventsDropped.Inc()
			}
		}
	}
}

// Subscribe registers a new subscriber channel. After Close it returns an already closed channel.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	h.clients[ch] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.setGauge(n)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	if ch == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.clients[ch]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, ch)
	n := len(h.clients)
	h.mu.Unlock()
	close(ch)
	h.setGauge(n)
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[chan Event]struct{})
	h.mu.Unlock()
	for ch := range clients {
		close(ch)
	}
	h.setGauge(0)
}

func (h *Hub) setGauge(n int) {
	if h.metrics != nil && h.metrics.RealtimeSubscribers != nil {
		h.metrics.RealtimeSubscribers.Set(float64(n))
	}
}
