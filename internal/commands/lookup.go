package commands

import (
	"context"
	"errors"

	"procodus.dev/irrigation-hub/internal/audit"
	"procodus.dev/irrigation-hub/internal/realtime"
	"procodus.dev/irrigation-hub/internal/store"
)

// View is a command as seen by a polling caller.
type View struct {
	*store.PendingCommand
	// NoConfirmation is set when the command is still pending past the confirm wait.
	NoConfirmation bool `json:"noConfirmation"`
}

// Lookup returns the command with requestID. The row is never modified.
func (r *Reconciler) Lookup(ctx context.Context, requestID string) (*View, error) {
	cmd, err := r.store.GetCommand(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return r.view(cmd), nil
}

func (r *Reconciler) view(cmd *store.PendingCommand) *View {
	return &View{
		PendingCommand: cmd,
		NoConfirmation: cmd.Status.IsPending() && r.store.Now().Sub(cmd.CreatedAt) > r.confirmWait,
	}
}

// Latest is the device state and outstanding command shown on the dashboard.
type Latest struct {
	DeviceState    *store.ActuatorState `json:"deviceState"`
	PendingCommand *View                `json:"pendingCommand"`
}

// Latest returns the last reported state and the pending command of the device.
func (r *Reconciler) Latest(ctx context.Context, deviceID string) (*Latest, error) {
	deviceID = r.DeviceOrDefault(deviceID)
	out := &Latest{}

	state, err := r.store.GetActuatorState(ctx, deviceID)
	switch {
	case err == nil:
		out.DeviceState = state
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	pending, err := r.store.FindPendingCommand(ctx, deviceID)
	switch {
	case err == nil:
		out.PendingCommand = r.view(pending)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return out, nil
}

// ExpireStale fails every command pending longer than the command TTL and returns how many
// commands were expired.
func (r *Reconciler) ExpireStale(ctx context.Context) (int, error) {
	cutoff := r.store.Now().Add(-r.ttl)
	stale, err := r.store.StalePendingCommands(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range stale {
		cmd := stale[i]
		ok, err := r.store.FailPendingCommand(ctx, cmd.RequestID, expiredMessage)
		if err != nil {
			r.logger.Warn("failed to expire command", "request_id", cmd.RequestID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		n++
		reason := expiredMessage
		r.logger.Info("command expired", "device_id", cmd.DeviceID, "request_id", cmd.RequestID)
		if r.metrics != nil && r.metrics.CommandsExpired != nil {
			r.metrics.CommandsExpired.Inc()
		}
		r.audit.Record(ctx, audit.Entry{
			EventType: audit.EventCommandExpired,
			Actor:     cmd.Actor,
			DeviceID:  cmd.DeviceID,
			RequestID: cmd.RequestID,
		})
		r.events.Publish(realtime.EventCommandUpdate, CommandEvent{
			RequestID: cmd.RequestID,
			DeviceID:  cmd.DeviceID,
			Status:    store.CommandFailed,
			Error:     &reason,
		})
	}
	return n, nil
}
