package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"procodus.dev/irrigation-hub/internal/audit"
	"procodus.dev/irrigation-hub/internal/commands"
	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/internal/thresholds"
)

const maxBodyBytes = 64 << 10

// actorHeader names the operator issuing a request. Authentication happens upstream.
const actorHeader = "X-Actor"

type latestResponse struct {
	Telemetry      *store.TelemetrySnapshot `json:"telemetry"`
	DeviceState    *store.ActuatorState     `json:"deviceState"`
	PendingCommand *commands.View           `json:"pendingCommand"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if err := a.health(ctx); err != nil {
			a.logger.Warn("health check failed", "error", err)
			a.writeJSON(w, http.StatusServiceUnavailable, envelope{Message: "unavailable"})
			return
		}
	}
	a.writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleControl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		a.writeMessage(w, http.StatusBadRequest, "Payload required")
		return
	}
	desired, err := commands.ValidateDesiredState(body)
	if err != nil {
		a.writeError(w, err, "Failed to dispatch control command.")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	res, err := a.commands.CreateCommand(ctx, commands.Request{
		DeviceID:  r.URL.Query().Get("deviceId"),
		Desired:   desired,
		Actor:     strings.TrimSpace(r.Header.Get(actorHeader)),
		ActorMeta: map[string]any{"ip": r.RemoteAddr},
	})
	if err != nil {
		a.writeError(w, err, "Failed to dispatch control command.")
		return
	}
	a.writeData(w, http.StatusAccepted, map[string]string{"requestId": res.RequestID})
}

func (a *API) handleLatest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	q := r.URL.Query()
	latest, err := a.commands.Latest(ctx, q.Get("deviceId"))
	if err != nil {
		a.writeError(w, err, "Failed to load latest state.")
		return
	}

	resp := latestResponse{DeviceState: latest.DeviceState, PendingCommand: latest.PendingCommand}
	snap, err := a.telemetry.LatestSnapshot(ctx, q.Get("telemetryDeviceId"))
	switch {
	case err == nil:
		resp.Telemetry = snap
	case !errors.Is(err, store.ErrNotFound):
		a.writeError(w, err, "Failed to load latest state.")
		return
	}
	a.writeData(w, http.StatusOK, resp)
}

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	view, err := a.commands.Lookup(ctx, r.PathValue("requestId"))
	if errors.Is(err, store.ErrNotFound) {
		a.writeMessage(w, http.StatusNotFound, "Command not found.")
		return
	}
	if err != nil {
		a.writeError(w, err, "Failed to load command.")
		return
	}
	a.writeData(w, http.StatusOK, view)
}

// handleListAlerts lists active alerts unless active=false is given, which lists all of them.
func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	var active *bool
	activeOnly := true
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			a.writeMessage(w, http.StatusBadRequest, "active must be boolean")
			return
		}
		activeOnly = v
	}
	if activeOnly {
		active = &activeOnly
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	list, err := a.alerts.List(ctx, active)
	if err != nil {
		a.writeError(w, err, "Failed to load alerts.")
		return
	}
	if list == nil {
		list = []store.Alert{}
	}
	a.writeData(w, http.StatusOK, list)
}

func (a *API) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		a.writeMessage(w, http.StatusBadRequest, "Invalid alert id.")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	alert, err := a.alerts.Acknowledge(ctx, uint(id))
	if errors.Is(err, store.ErrNotFound) {
		a.writeMessage(w, http.StatusNotFound, "Alert not found.")
		return
	}
	if err != nil {
		a.writeError(w, err, "Failed to acknowledge alert.")
		return
	}
	a.writeData(w, http.StatusOK, alert)
}

func (a *API) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	n, err := a.alerts.ClearAll(ctx)
	if err != nil {
		a.writeError(w, err, "Failed to clear alerts.")
		return
	}
	a.audit.Record(ctx, audit.Entry{
		EventType: audit.EventAlertsCleared,
		Actor:     strings.TrimSpace(r.Header.Get(actorHeader)),
		Data:      map[string]any{"cleared": n},
	})
	a.writeData(w, http.StatusOK, map[string]int{"cleared": n})
}

func (a *API) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	a.writeData(w, http.StatusOK, a.thresholds.Get(r.Context()))
}

func (a *API) handlePutThresholds(w http.ResponseWriter, r *http.Request) {
	var p thresholds.Partial
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&p); err != nil {
		a.writeMessage(w, http.StatusBadRequest, "Invalid thresholds payload.")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	cfg, err := a.thresholds.Set(ctx, p)
	if err != nil {
		a.writeError(w, err, "Failed to update thresholds.")
		return
	}
	a.audit.Record(ctx, audit.Entry{
		EventType: audit.EventThresholdsSet,
		Actor:     strings.TrimSpace(r.Header.Get(actorHeader)),
		Data:      map[string]any{"thresholds": cfg},
	})
	a.writeData(w, http.StatusOK, cfg)
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	list, err := a.devices.List(ctx)
	if err != nil {
		a.writeError(w, err, "Failed to load devices.")
		return
	}
	if list == nil {
		list = []store.Device{}
	}
	a.writeData(w, http.StatusOK, list)
}
