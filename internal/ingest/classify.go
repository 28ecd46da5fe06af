package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"procodus.dev/irrigation-hub/internal/commands"
	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/internal/topics"
)

var (
	// ErrUnknownTopic is returned for topics outside the inbound layout.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrMalformed is returned for payloads that cannot be decoded.
	ErrMalformed = errors.New("malformed payload")
)

// Status is a heartbeat or presence message.
type Status struct {
	Meta   map[string]any
	Online bool
}

// Message is a classified inbound message. Exactly one of Report, Status and Telemetry is set.
type Message struct {
	Report    *commands.Report
	Status    *Status
	Telemetry *store.TelemetryReading
	DeviceID  string
	Kind      topics.Kind
	// Stamped is set when the device supplied the sample time.
	Stamped bool
}

// Replayable reports whether an identical copy of the message can only be a redelivery.
// Telemetry without a device timestamp may legitimately repeat.
func (m Message) Replayable() bool {
	return m.Telemetry == nil || m.Stamped
}

var telemetryFields = []struct {
	set  func(r *store.TelemetryReading, v float64)
	keys []string
}{
	{keys: []string{"tempC", "temperature"}, set: func(r *store.TelemetryReading, v float64) { r.Temperature = &v }},
	{keys: []string{"humidity"}, set: func(r *store.TelemetryReading, v float64) { r.Humidity = &v }},
	{keys: []string{"soil", "moisture"}, set: func(r *store.TelemetryReading, v float64) { r.Moisture = &v }},
	{keys: []string{"waterTempC", "waterTemp"}, set: func(r *store.TelemetryReading, v float64) { r.SoilTemperature = &v }},
}

var statusMetaKeys = []string{"rssi", "uptime", "ip", "fw"}

// Classify decodes an inbound message by topic.
func Classify(layout topics.Layout, topic string, payload []byte, now time.Time) (Message, error) {
	kind, deviceID := layout.Parse(topic)
	msg := Message{Kind: kind, DeviceID: deviceID}

	switch kind {
	case topics.KindState:
		rep, err := commands.DecodeReport(deviceID, payload, now)
		if err != nil {
			return msg, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		msg.Report = &rep
	case topics.KindStatus:
		st, err := decodeStatus(payload)
		if err != nil {
			return msg, err
		}
		msg.Status = st
	case topics.KindPresence:
		st, err := decodePresence(payload)
		if err != nil {
			return msg, err
		}
		msg.Status = st
	case topics.KindTelemetry:
		reading, stamped, err := decodeTelemetry(deviceID, payload, now)
		if err != nil {
			return msg, err
		}
		msg.Telemetry = reading
		msg.Stamped = stamped
	default:
		return msg, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	return msg, nil
}

func decodeObject(payload []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}
	return obj, nil
}

// decodeStatus reads a heartbeat. A missing "online" field means online.
func decodeStatus(payload []byte) (*Status, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	st := &Status{Online: true}
	if v, ok := obj["online"].(bool); ok {
		st.Online = v
	}
	for _, k := range statusMetaKeys {
		if v, ok := obj[k]; ok && v != nil {
			if st.Meta == nil {
				st.Meta = make(map[string]any, len(statusMetaKeys))
			}
			st.Meta[k] = v
		}
	}
	return st, nil
}

// decodePresence reads a last-will message: plain "online"/"offline", or a JSON object with a
// boolean "online" or a string "status".
func decodePresence(payload []byte) (*Status, error) {
	trimmed := bytes.TrimSpace(payload)
	switch strings.ToLower(string(trimmed)) {
	case "online":
		return &Status{Online: true}, nil
	case "offline":
		return &Status{Online: false}, nil
	}

	obj, err := decodeObject(trimmed)
	if err != nil {
		return nil, err
	}
	if v, ok := obj["online"].(bool); ok {
		return &Status{Online: v}, nil
	}
	if v, ok := obj["status"].(string); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "online":
			return &Status{Online: true}, nil
		case "offline":
			return &Status{Online: false}, nil
		}
	}
	return nil, fmt.Errorf("%w: presence must be online or offline", ErrMalformed)
}

func decodeTelemetry(deviceID string, payload []byte, now time.Time) (*store.TelemetryReading, bool, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return nil, false, err
	}
	reading := &store.TelemetryReading{DeviceID: deviceID, RecordedAt: now}
	for _, f := range telemetryFields {
		for _, k := range f.keys {
			if v, ok := obj[k].(float64); ok {
				f.set(reading, v)
				break
			}
		}
	}
	ts, stamped := obj["ts"].(float64)
	stamped = stamped && ts > 0
	if stamped {
		reading.RecordedAt = time.Unix(int64(ts), 0).UTC()
	}
	return reading, stamped, nil
}
