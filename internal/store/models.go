// Package store persists devices, commands, actuator state, alerts, thresholds and telemetry
// with gorm. The invariants "one pending command per device" and "one active alert per
// signature" are enforced by partial unique indexes created in Migrate.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// CommandStatus is the lifecycle status of a PendingCommand.
type CommandStatus string

// Command statuses.
const (
	CommandSent         CommandStatus = "sent"
	CommandWaiting      CommandStatus = "waiting"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandMismatch     CommandStatus = "mismatch"
	CommandFailed       CommandStatus = "failed"
)

// PendingStatuses are the statuses that block a new command for the same device.
var PendingStatuses = []CommandStatus{CommandSent, CommandWaiting}

// IsPending reports whether s still awaits device confirmation.
func (s CommandStatus) IsPending() bool {
	return s == CommandSent || s == CommandWaiting
}

// Float sensor readings.
const (
	FloatHigh    = "HIGH"
	FloatLow     = "LOW"
	FloatUnknown = "UNKNOWN"
)

// Alert levels.
const (
	LevelLow      = "LOW"
	LevelHigh     = "HIGH"
	LevelCritical = "CRITICAL"
)

// Actuators is the set of named actuator booleans a command can drive.
type Actuators struct {
	Pump   bool `json:"pump"`
	Valve1 bool `json:"valve1"`
	Valve2 bool `json:"valve2"`
	Valve3 bool `json:"valve3"`
}

// ReportedState is a device's reported actuator state as stored on a resolved command.
type ReportedState struct {
	Actuators
	Float     string `json:"float"`
	Source    string `json:"source,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Value implements driver.Valuer.
func (r ReportedState) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (r *ReportedState) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("cannot scan %T into ReportedState", value)
	}
}

// Device is a field device known to the registry.
type Device struct {
	LastHeartbeat *time.Time        `json:"lastHeartbeat"`
	LastSeen      *time.Time        `gorm:"index:idx_devices_last_seen" json:"lastSeen"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime" json:"updatedAt"`
	Metadata      datatypes.JSONMap `json:"metadata"`
	DeviceID      string            `gorm:"uniqueIndex;size:64;not null" json:"deviceId"`
	Status        string            `gorm:"size:16;not null;default:offline" json:"status"`
	ID            uint              `gorm:"primaryKey" json:"id"`
	Online        bool              `gorm:"not null;default:false" json:"online"`
}

// TableName specifies the table name for Device model.
func (Device) TableName() string {
	return "devices"
}

// PendingCommand is one actuator command request and its resolution.
type PendingCommand struct {
	CreatedAt     time.Time                     `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt     time.Time                     `gorm:"autoUpdateTime" json:"updatedAt"`
	AckAt         *time.Time                    `json:"ackAt"`
	ResponseState *ReportedState                `gorm:"type:text" json:"responseState"`
	Error         *string                       `gorm:"type:text" json:"error"`
	DesiredState  datatypes.JSONType[Actuators] `gorm:"not null" json:"desiredState"`
	RequestID     string                        `gorm:"uniqueIndex;size:64;not null" json:"requestId"`
	DeviceID      string                        `gorm:"index;size:64;not null" json:"deviceId"`
	Status        CommandStatus                 `gorm:"index;size:16;not null" json:"status"`
	Actor         string                        `gorm:"size:128" json:"actor,omitempty"`
	ID            uint                          `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for PendingCommand model.
func (PendingCommand) TableName() string {
	return "pending_commands"
}

// Desired returns the desired actuator state.
func (c *PendingCommand) Desired() Actuators {
	return c.DesiredState.Data()
}

// ActuatorState is the last state reported by a device. One row per device.
type ActuatorState struct {
	ReportedAt time.Time `gorm:"not null" json:"reportedAt"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
	DeviceID   string    `gorm:"uniqueIndex;size:64;not null" json:"deviceId"`
	FloatState string    `gorm:"size:16;not null;default:UNKNOWN" json:"float"`
	Source     string    `gorm:"size:32" json:"source"`
	RequestID  string    `gorm:"size:64" json:"requestId,omitempty"`
	ID         uint      `gorm:"primaryKey" json:"-"`
	Pump       bool      `gorm:"not null" json:"pump"`
	Valve1     bool      `gorm:"not null" json:"valve1"`
	Valve2     bool      `gorm:"not null" json:"valve2"`
	Valve3     bool      `gorm:"not null" json:"valve3"`
}

// TableName specifies the table name for ActuatorState model.
func (ActuatorState) TableName() string {
	return "actuator_states"
}

// Actuators returns the actuator booleans of the state.
func (a *ActuatorState) Actuators() Actuators {
	return Actuators{Pump: a.Pump, Valve1: a.Valve1, Valve2: a.Valve2, Valve3: a.Valve3}
}

// ActuatorLog is one field-level actuator transition.
type ActuatorLog struct {
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
	DeviceID    string    `gorm:"index;size:64;not null" json:"deviceId"`
	Actuator    string    `gorm:"size:16;not null" json:"actuator"`
	Action      string    `gorm:"size:8;not null" json:"action"`
	Reason      string    `gorm:"size:32" json:"reason"`
	TriggeredBy string    `gorm:"size:16;not null" json:"triggeredBy"`
	RequestID   string    `gorm:"size:64" json:"requestId,omitempty"`
	ID          uint      `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for ActuatorLog model.
func (ActuatorLog) TableName() string {
	return "actuator_logs"
}

// Alert is a threshold or safety alert.
type Alert struct {
	LastSeen       time.Time  `gorm:"not null" json:"lastSeen"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt"`
	ClearedAt      *time.Time `json:"clearedAt"`
	Signature      string     `gorm:"index;size:160;not null" json:"signature"`
	Type           string     `gorm:"index:idx_alerts_type_device;size:64;not null" json:"type"`
	DeviceID       string     `gorm:"index:idx_alerts_type_device;size:64" json:"deviceId"`
	Level          string     `gorm:"size:16;not null" json:"level"`
	Message        string     `gorm:"type:text" json:"message"`
	ID             uint       `gorm:"primaryKey" json:"id"`
	Active         bool       `gorm:"index;not null" json:"active"`
	Acknowledged   bool       `gorm:"not null;default:false" json:"acknowledged"`
}

// TableName specifies the table name for Alert model.
func (Alert) TableName() string {
	return "alerts"
}

// Threshold is the persisted alert threshold configuration for a key.
type Threshold struct {
	UpdatedAt               time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
	Key                     string    `gorm:"uniqueIndex;size:64;not null" json:"key"`
	TemperatureLow          float64   `json:"temperatureLow"`
	TemperatureCriticalLow  float64   `json:"temperatureCriticalLow"`
	TemperatureHigh         float64   `json:"temperatureHigh"`
	TemperatureCriticalHigh float64   `json:"temperatureCriticalHigh"`
	HumidityLow             float64   `json:"humidityLow"`
	HumidityHigh            float64   `json:"humidityHigh"`
	ID                      uint      `gorm:"primaryKey" json:"-"`
}

// TableName specifies the table name for Threshold model.
func (Threshold) TableName() string {
	return "thresholds"
}

// TelemetryReading is an immutable time-series telemetry row.
type TelemetryReading struct {
	RecordedAt      time.Time `gorm:"index:idx_telemetry_device_time;not null" json:"timestamp"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"createdAt"`
	Temperature     *float64  `json:"temperature"`
	Humidity        *float64  `json:"humidity"`
	Moisture        *float64  `json:"moisture"`
	SoilTemperature *float64  `json:"soilTemperature"`
	DeviceID        string    `gorm:"index:idx_telemetry_device_time;size:64;not null" json:"deviceId"`
	ID              uint      `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for TelemetryReading model.
func (TelemetryReading) TableName() string {
	return "telemetry_readings"
}

// TelemetrySnapshot is the latest telemetry of a device. One row per device.
type TelemetrySnapshot struct {
	RecordedAt      time.Time `gorm:"index;not null" json:"timestamp"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
	Temperature     *float64  `json:"temperature"`
	Humidity        *float64  `json:"humidity"`
	Moisture        *float64  `json:"moisture"`
	SoilTemperature *float64  `json:"soilTemperature"`
	DeviceID        string    `gorm:"uniqueIndex;size:64;not null" json:"deviceId"`
	ID              uint      `gorm:"primaryKey" json:"-"`
}

// TableName specifies the table name for TelemetrySnapshot model.
func (TelemetrySnapshot) TableName() string {
	return "telemetry_snapshots"
}

// AuditLog is an append-only audit record.
type AuditLog struct {
	CreatedAt time.Time         `gorm:"autoCreateTime;index" json:"createdAt"`
	Data      datatypes.JSONMap `json:"data"`
	EventID   string            `gorm:"uniqueIndex;size:64;not null" json:"eventId"`
	EventType string            `gorm:"index;size:64;not null" json:"eventType"`
	Actor     string            `gorm:"size:128" json:"actor"`
	DeviceID  string            `gorm:"index;size:64" json:"deviceId,omitempty"`
	RequestID string            `gorm:"size:64" json:"requestId,omitempty"`
	ID        uint              `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for AuditLog model.
func (AuditLog) TableName() string {
	return "audit_logs"
}
