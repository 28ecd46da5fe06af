package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"procodus.dev/irrigation-hub/internal/audit"
	"procodus.dev/irrigation-hub/internal/realtime"
	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/pkg/logger"
)

// StateEvent is the payload of actuator:state events.
type StateEvent struct {
	Time      time.Time `json:"ts"`
	DeviceID  string    `json:"deviceId"`
	Float     string    `json:"float"`
	RequestID string    `json:"requestId,omitempty"`
	Source    string    `json:"source"`
	store.Actuators
}

// ActuatorEvent is the payload of actuator:update events, one per actuator field.
type ActuatorEvent struct {
	UpdatedAt time.Time `json:"updatedAt"`
	DeviceID  string    `json:"deviceId"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Mode      string    `json:"mode"`
	Status    bool      `json:"status"`
}

// ResolveStateReport applies a validated state report: it overwrites the device's actuator
// state, logs field transitions, resolves the pending command the report acknowledges, runs the
// float interlock alerts, refreshes presence and emits realtime events.
// Only a failure to store the state itself is returned; later steps log and continue.
func (r *Reconciler) ResolveStateReport(ctx context.Context, rep Report) error {
	if rep.DeviceID == "" {
		return errors.New("device id cannot be empty")
	}
	log := logger.WithDevice(r.logger, rep.DeviceID).With("request_id", rep.RequestID)

	previous, err := r.store.ReplaceActuatorState(ctx, &store.ActuatorState{
		DeviceID:   rep.DeviceID,
		Pump:       rep.Actuators.Pump,
		Valve1:     rep.Actuators.Valve1,
		Valve2:     rep.Actuators.Valve2,
		Valve3:     rep.Actuators.Valve3,
		FloatState: rep.Float,
		Source:     rep.Source,
		RequestID:  rep.RequestID,
		ReportedAt: rep.ReportedAt,
	})
	if err != nil {
		r.countReport("error")
		return fmt.Errorf("failed to store actuator state: %w", err)
	}
	r.countReport("applied")

	if previous != nil {
		r.logTransitions(ctx, rep, Diff(previous.Actuators(), rep.Actuators))
	}

	if rep.RequestID != "" {
		r.resolvePending(ctx, rep)
	}

	if rep.Float == store.FloatLow {
		if err := r.alerts.HandleFloatLow(ctx, rep.DeviceID); err != nil {
			log.Warn("float low alert failed", "error", err)
		}
	} else if err := r.alerts.HandleFloatNormal(ctx, rep.DeviceID); err != nil {
		log.Warn("float normal alert failed", "error", err)
	}

	if rep.Float == store.FloatLow && previous != nil && previous.Pump && !rep.Actuators.Pump {
		log.Warn("pump emergency shutdown detected")
		if err := r.alerts.HandlePumpEmergencyShutdown(ctx, rep.DeviceID); err != nil {
			log.Warn("emergency shutdown alert failed", "error", err)
		}
	}

	r.presence.Touch(ctx, rep.DeviceID)

	r.events.Publish(realtime.EventActuatorState, StateEvent{
		DeviceID:  rep.DeviceID,
		Actuators: rep.Actuators,
		Float:     rep.Float,
		RequestID: rep.RequestID,
		Source:    rep.Source,
		Time:      rep.ReportedAt,
	})
	now := r.store.Now()
	mode := "manual"
	if IsSafetySource(rep.Source) {
		mode = "automatic"
	}
	values := fieldValues(rep.Actuators)
	for i, key := range Fields {
		r.events.Publish(realtime.EventActuatorUpdate, ActuatorEvent{
			DeviceID:  rep.DeviceID,
			Key:       key,
			Name:      ActuatorName(key),
			Status:    values[i],
			Mode:      mode,
			UpdatedAt: now,
		})
	}
	return nil
}

func (r *Reconciler) logTransitions(ctx context.Context, rep Report, transitions []Transition) {
	if len(transitions) == 0 {
		return
	}
	triggeredBy := TriggeredBy(rep.Source)
	logs := make([]store.ActuatorLog, 0, len(transitions))
	for _, t := range transitions {
		logs = append(logs, store.ActuatorLog{
			DeviceID:    rep.DeviceID,
			Actuator:    t.Actuator,
			Action:      t.Action(),
			Reason:      rep.Source,
			TriggeredBy: triggeredBy,
			RequestID:   rep.RequestID,
		})
	}
	if err := r.store.AppendActuatorLogs(ctx, logs); err != nil {
		r.logger.Warn("actuator log write failed", "device_id", rep.DeviceID, "error", err)
	}
}

// resolvePending settles the device's pending command when the report acknowledges it. A report
// carrying any other request id is stale or foreign and resolves nothing.
func (r *Reconciler) resolvePending(ctx context.Context, rep Report) {
	log := logger.WithDevice(r.logger, rep.DeviceID).With("request_id", rep.RequestID)

	pending, err := r.store.FindPendingCommand(ctx, rep.DeviceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("failed to load pending command", "error", err)
		}
		return
	}
	if pending.RequestID != rep.RequestID {
		log.Debug("ignoring report for non-current command", "pending_request_id", pending.RequestID)
		return
	}

	matches := pending.Desired() == rep.Actuators
	status := store.CommandMismatch
	var errMsg *string
	if matches || IsSafetySource(rep.Source) {
		status = store.CommandAcknowledged
	} else {
		msg := mismatchMessage
		errMsg = &msg
	}

	ok, err := r.store.ResolvePendingCommand(ctx, rep.RequestID, store.Resolution{
		Status: status,
		Error:  errMsg,
		Response: &store.ReportedState{
			Actuators: rep.Actuators,
			Float:     rep.Float,
			Source:    rep.Source,
			RequestID: rep.RequestID,
		},
	})
	if err != nil {
		log.Error("failed to resolve command", "error", err)
		return
	}
	if !ok {
		return
	}

	log.Info("command resolved", "status", status)
	if r.metrics != nil && r.metrics.CommandsResolved != nil {
		r.metrics.CommandsResolved.WithLabelValues(string(status)).Inc()
	}
	r.audit.Record(ctx, audit.Entry{
		EventType: audit.EventCommandResolved,
		Actor:     pending.Actor,
		DeviceID:  rep.DeviceID,
		RequestID: rep.RequestID,
		Data:      map[string]any{"status": string(status), "source": rep.Source},
	})
	r.events.Publish(realtime.EventCommandUpdate, CommandEvent{
		RequestID: rep.RequestID,
		DeviceID:  rep.DeviceID,
		Status:    status,
		Error:     errMsg,
	})
}

func (r *Reconciler) countReport(status string) {
	if r.metrics != nil && r.metrics.StateReports != nil {
		r.metrics.StateReports.WithLabelValues(status).Inc()
	}
}
