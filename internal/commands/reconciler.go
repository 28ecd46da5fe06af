// Package commands issues actuator commands (one in flight per device) and reconciles them
// against the state devices report back.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"procodus.dev/irrigation-hub/internal/audit"
	"procodus.dev/irrigation-hub/internal/realtime"
	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/internal/topics"
	"procodus.dev/irrigation-hub/pkg/broker"
	"procodus.dev/irrigation-hub/pkg/logger"
	"procodus.dev/irrigation-hub/pkg/metrics"
)

const (
	// DefaultConfirmWait is how long a caller waits before reporting "no confirmation".
	DefaultConfirmWait = 12 * time.Second
	// DefaultCommandTTL is how long a command may stay pending before the sweep fails it.
	DefaultCommandTTL = 5 * time.Minute
	// DefaultDeviceID is the actuator node commanded when a request names no device.
	DefaultDeviceID = "esp32a"

	mismatchMessage = "Device state mismatch"
	expiredMessage  = "expired without device confirmation"
)

// AlertHandler receives float sensor outcomes.
type AlertHandler interface {
	HandleFloatLow(ctx context.Context, deviceID string) error
	HandleFloatNormal(ctx context.Context, deviceID string) error
	HandlePumpEmergencyShutdown(ctx context.Context, deviceID string) error
}

// Presence is the registry subset the reconciler uses.
type Presence interface {
	Touch(ctx context.Context, deviceID string)
	IsOnline(ctx context.Context, deviceID string) bool
}

// Config holds the reconciler configuration.
type Config struct {
	Logger    *slog.Logger
	Store     *store.Store
	Transport broker.Publisher
	Alerts    AlertHandler
	Presence  Presence
	Events    realtime.Publisher
	Audit     *audit.Recorder
	Metrics   *metrics.CoreMetrics
	Topics    topics.Layout
	// DefaultDeviceID is used when a request names no device.
	DefaultDeviceID string
	ConfirmWait     time.Duration
	CommandTTL      time.Duration
	// RequireOnline rejects commands for devices the registry reports offline.
	RequireOnline bool
}

// Reconciler is the command reconciler.
type Reconciler struct {
	logger        *slog.Logger
	store         *store.Store
	transport     broker.Publisher
	alerts        AlertHandler
	presence      Presence
	events        realtime.Publisher
	audit         *audit.Recorder
	metrics       *metrics.CoreMetrics
	topics        topics.Layout
	defaultDevice string
	confirmWait   time.Duration
	ttl           time.Duration
	requireOnline bool
}

// New creates a reconciler.
func New(cfg *Config) (*Reconciler, error) {
	if cfg == nil {
		return nil, errors.New("reconciler config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if cfg.Alerts == nil {
		return nil, errors.New("alert handler cannot be nil")
	}
	if cfg.Presence == nil {
		return nil, errors.New("presence cannot be nil")
	}

	r := &Reconciler{
		logger:        logger.WithComponent(cfg.Logger, "commands"),
		store:         cfg.Store,
		transport:     cfg.Transport,
		alerts:        cfg.Alerts,
		presence:      cfg.Presence,
		events:        cfg.Events,
		audit:         cfg.Audit,
		metrics:       cfg.Metrics,
		topics:        cfg.Topics,
		defaultDevice: cfg.DefaultDeviceID,
		confirmWait:   cfg.ConfirmWait,
		ttl:           cfg.CommandTTL,
		requireOnline: cfg.RequireOnline,
	}
	if r.events == nil {
		r.events = realtime.Nop{}
	}
	if r.topics.Prefix == "" {
		r.topics = topics.New(topics.DefaultPrefix)
	}
	if r.defaultDevice == "" {
		r.defaultDevice = DefaultDeviceID
	}
	if r.confirmWait <= 0 {
		r.confirmWait = DefaultConfirmWait
	}
	if r.ttl <= 0 {
		r.ttl = DefaultCommandTTL
	}
	return r, nil
}

// DeviceOrDefault returns deviceID, or the configured default when it is empty.
func (r *Reconciler) DeviceOrDefault(deviceID string) string {
	if deviceID == "" {
		return r.defaultDevice
	}
	return deviceID
}

// Request is an operator command request.
type Request struct {
	ActorMeta map[string]any
	DeviceID  string
	Actor     string
	Desired   store.Actuators
}

// Result is an accepted command.
type Result struct {
	Command   *store.PendingCommand
	RequestID string
}

// commandPayload is the wire format published on the command topic.
type commandPayload struct {
	store.Actuators
	RequestID string `json:"requestId"`
}

// CommandEvent is the payload of command:update events.
type CommandEvent struct {
	Error     *string             `json:"error"`
	RequestID string              `json:"requestId"`
	DeviceID  string              `json:"deviceId"`
	Status    store.CommandStatus `json:"status"`
}

// CreateCommand persists and publishes a command. Rejections are *CommandError values wrapping
// ErrPendingExists, ErrPumpLockedOut, ErrDeviceOffline or ErrPublishFailed.
func (r *Reconciler) CreateCommand(ctx context.Context, req Request) (*Result, error) {
	deviceID := r.DeviceOrDefault(req.DeviceID)
	log := logger.WithDevice(r.logger, deviceID)

	pending, err := r.store.FindPendingCommand(ctx, deviceID)
	switch {
	case err == nil:
		r.countIssued("pending_exists")
		return nil, &CommandError{Err: ErrPendingExists, RequestID: pending.RequestID}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to check pending command: %w", err)
	}

	if req.Desired.Pump {
		state, err := r.store.GetActuatorState(ctx, deviceID)
		switch {
		case err == nil && state.FloatState == store.FloatLow:
			r.countIssued("pump_locked_out")
			log.Warn("pump command rejected by float interlock")
			return nil, &CommandError{Err: ErrPumpLockedOut}
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("failed to load actuator state: %w", err)
		}
	}

	if r.requireOnline && !r.presence.IsOnline(ctx, deviceID) {
		r.countIssued("device_offline")
		return nil, &CommandError{Err: ErrDeviceOffline}
	}

	requestID := uuid.NewString()
	cmd := &store.PendingCommand{
		RequestID:    requestID,
		DeviceID:     deviceID,
		DesiredState: datatypes.NewJSONType(req.Desired),
		Status:       store.CommandSent,
		Actor:        req.Actor,
	}
	if err := r.store.CreatePendingCommand(ctx, cmd); err != nil {
		var conflict *store.PendingConflictError
		if errors.As(err, &conflict) {
			r.countIssued("pending_exists")
			cerr := &CommandError{Err: ErrPendingExists}
			if conflict.Existing != nil {
				cerr.RequestID = conflict.Existing.RequestID
			}
			return nil, cerr
		}
		return nil, err
	}

	r.audit.Record(ctx, audit.Entry{
		EventType: audit.EventCommandRequested,
		Actor:     req.Actor,
		DeviceID:  deviceID,
		RequestID: requestID,
		Data: map[string]any{
			"deviceId":     deviceID,
			"desiredState": req.Desired,
			"requestId":    requestID,
			"meta":         req.ActorMeta,
		},
	})

	payload, err := json.Marshal(commandPayload{Actuators: req.Desired, RequestID: requestID})
	if err != nil {
		return nil, err
	}

	if err := r.transport.Publish(ctx, r.topics.Command(deviceID), broker.AtLeastOnce, false, payload); err != nil {
		log.Error("command publish failed", "request_id", requestID, "error", err)
		r.failPublished(ctx, cmd, err)
		r.countIssued("publish_failed")
		return nil, &CommandError{Err: ErrPublishFailed, RequestID: requestID, Cause: err}
	}

	log.Info("command published", "request_id", requestID, "desired", req.Desired)
	r.countIssued("sent")
	r.events.Publish(realtime.EventCommandUpdate, CommandEvent{
		RequestID: requestID,
		DeviceID:  deviceID,
		Status:    store.CommandSent,
	})
	return &Result{RequestID: requestID, Command: cmd}, nil
}

func (r *Reconciler) failPublished(ctx context.Context, cmd *store.PendingCommand, cause error) {
	// The row must leave the pending set even when the caller's context is already done.
	ctx = context.WithoutCancel(ctx)
	reason := cause.Error()
	if _, err := r.store.FailPendingCommand(ctx, cmd.RequestID, reason); err != nil {
		r.logger.Error("failed to mark command failed", "request_id", cmd.RequestID, "error", err)
	}
	cmd.Status = store.CommandFailed
	cmd.Error = &reason

	r.audit.Record(ctx, audit.Entry{
		EventType: audit.EventCommandFailed,
		Actor:     cmd.Actor,
		DeviceID:  cmd.DeviceID,
		RequestID: cmd.RequestID,
		Data:      map[string]any{"error": reason},
	})
	r.events.Publish(realtime.EventCommandUpdate, CommandEvent{
		RequestID: cmd.RequestID,
		DeviceID:  cmd.DeviceID,
		Status:    store.CommandFailed,
		Error:     &reason,
	})
}

func (r *Reconciler) countIssued(outcome string) {
	if r.metrics != nil && r.metrics.CommandsIssued != nil {
		r.metrics.CommandsIssued.WithLabelValues(outcome).Inc()
	}
}
