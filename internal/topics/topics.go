// Package topics describes the broker topic layout shared by devices and the backend.
//
// Under a prefix P the layout is:
//
//	P/<device>/state          actuator state reports
//	P/<device>/status         heartbeats (online, rssi, uptime)
//	P/<device>/telemetry      sensor readings
//	P/<device>/command        desired actuator state (backend -> device)
//	P/device_status/<device>  last-will presence ("online"/"offline")
package topics

import (
	"strings"
)

// DefaultPrefix is the topic root used by the field devices.
const DefaultPrefix = "vermilinks"

// Kind classifies an inbound topic.
type Kind string

// Topic kinds.
const (
	KindState     Kind = "state"
	KindStatus    Kind = "status"
	KindTelemetry Kind = "telemetry"
	KindCommand   Kind = "command"
	KindPresence  Kind = "presence"
	KindUnknown   Kind = "unknown"
)

const presenceSegment = "device_status"

// Layout builds and parses topics under a prefix.
type Layout struct {
	Prefix string
}

// New returns a Layout, falling back to DefaultPrefix.
func New(prefix string) Layout {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Layout{Prefix: prefix}
}

// State returns the state report topic of a device.
func (l Layout) State(deviceID string) string { return l.join(deviceID, string(KindState)) }

// Status returns the heartbeat topic of a device.
func (l Layout) Status(deviceID string) string { return l.join(deviceID, string(KindStatus)) }

// Telemetry returns the telemetry topic of a device.
func (l Layout) Telemetry(deviceID string) string { return l.join(deviceID, string(KindTelemetry)) }

// Command returns the command topic of a device.
func (l Layout) Command(deviceID string) string { return l.join(deviceID, string(KindCommand)) }

// Presence returns the last-will topic of a device.
func (l Layout) Presence(deviceID string) string { return l.join(presenceSegment, deviceID) }

// Inbound returns the subscription filters for every device-to-backend topic.
func (l Layout) Inbound() []string {
	return []string{
		l.join("+", string(KindState)),
		l.join("+", string(KindStatus)),
		l.join("+", string(KindTelemetry)),
		l.join(presenceSegment, "+"),
	}
}

// Parse classifies topic and extracts the device id.
// It returns KindUnknown for topics outside the layout.
func (l Layout) Parse(topic string) (Kind, string) {
	rest, ok := strings.CutPrefix(topic, l.Prefix+"/")
	if !ok {
		return KindUnknown, ""
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return KindUnknown, ""
	}

	if parts[0] == presenceSegment {
		return KindPresence, parts[1]
	}

	switch Kind(parts[1]) {
	case KindState, KindStatus, KindTelemetry, KindCommand:
		return Kind(parts[1]), parts[0]
	default:
		return KindUnknown, ""
	}
}

func (l Layout) join(parts ...string) string {
	return l.Prefix + "/" + strings.Join(parts, "/")
}
