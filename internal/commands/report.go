package commands

import (
	"encoding/json"
	"strings"
	"time"

	"procodus.dev/irrigation-hub/internal/store"
)

// Report sources.
const (
	SourceApplied        = "applied"
	SourceManual         = "manual"
	SourceSafetyOverride = "safety_override"
	SourceSafety         = "safety"
)

// Report is a validated device state report.
type Report struct {
	ReportedAt time.Time
	DeviceID   string
	Float      string
	Source     string
	RequestID  string
	Actuators  store.Actuators
}

// DecodeReport validates a state payload. The four actuator booleans are required; float, source,
// requestId and ts (unix seconds) are optional.
func DecodeReport(deviceID string, payload []byte, now time.Time) (Report, error) {
	fields, err := decodeObject(payload)
	if err != nil {
		return Report{}, err
	}
	actuators, err := actuatorsFrom(fields)
	if err != nil {
		return Report{}, err
	}

	r := Report{
		DeviceID:   deviceID,
		Actuators:  actuators,
		Float:      store.FloatUnknown,
		Source:     SourceApplied,
		ReportedAt: now,
	}

	if raw, ok := fields["float"]; ok {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			r.Float = NormalizeFloat(v)
		}
	}
	if raw, ok := fields["source"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil && strings.TrimSpace(s) != "" {
			r.Source = strings.TrimSpace(s)
		}
	}
	if raw, ok := fields["requestId"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			r.RequestID = strings.TrimSpace(s)
		}
	}
	if raw, ok := fields["ts"]; ok {
		var ts float64
		if json.Unmarshal(raw, &ts) == nil && ts > 0 {
			r.ReportedAt = time.Unix(int64(ts), 0).UTC()
		}
	}
	return r, nil
}

// NormalizeFloat maps a float sensor value to HIGH, LOW or UNKNOWN. Strings are matched
// case-insensitively, numbers <= 0 are LOW, booleans map true to HIGH.
func NormalizeFloat(v any) string {
	switch t := v.(type) {
	case string:
		switch s := strings.ToUpper(strings.TrimSpace(t)); s {
		case store.FloatHigh, store.FloatLow:
			return s
		}
	case float64:
		if t <= 0 {
			return store.FloatLow
		}
		return store.FloatHigh
	case bool:
		if t {
			return store.FloatHigh
		}
		return store.FloatLow
	}
	return store.FloatUnknown
}

// IsSafetySource reports whether source is the device safety system.
func IsSafetySource(source string) bool {
	s := strings.ToLower(strings.TrimSpace(source))
	return s == SourceSafetyOverride || s == SourceSafety
}

// TriggeredBy classifies a report source as automatic (safety system) or manual.
func TriggeredBy(source string) string {
	if IsSafetySource(source) {
		return "automatic"
	}
	return "manual"
}
