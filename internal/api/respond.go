package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"procodus.dev/irrigation-hub/internal/commands"
	"procodus.dev/irrigation-hub/internal/store"
	"procodus.dev/irrigation-hub/internal/thresholds"
)

// Response messages shown to operators.
const (
	msgPendingExists = "A command is already pending confirmation."
	msgPumpLockedOut = "Pump locked out due to low float sensor."
	msgDeviceOffline = "Device is offline."
	msgPublishFailed = "Failed to publish MQTT command."
)

type envelope struct {
	Data      any     `json:"data,omitempty"`
	RequestID *string `json:"requestId,omitempty"`
	Message   string  `json:"message,omitempty"`
	Success   bool    `json:"success"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("failed to write response", "error", err)
	}
}

func (a *API) writeData(w http.ResponseWriter, status int, data any) {
	a.writeJSON(w, status, envelope{Success: true, Data: data})
}

func (a *API) writeMessage(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, envelope{Message: message})
}

// writeError maps domain errors to status codes. fallback is shown for unexpected errors, which
// are logged.
func (a *API) writeError(w http.ResponseWriter, err error, fallback string) {
	var (
		cmdValidation       *commands.ValidationError
		thresholdValidation *thresholds.ValidationError
	)

	switch {
	case errors.As(err, &cmdValidation):
		a.writeMessage(w, http.StatusBadRequest, cmdValidation.Message)
	case errors.As(err, &thresholdValidation):
		a.writeMessage(w, http.StatusBadRequest, thresholdValidation.Error())
	case errors.Is(err, commands.ErrPendingExists):
		a.writeConflict(w, http.StatusConflict, msgPendingExists, commands.RequestIDOf(err))
	case errors.Is(err, commands.ErrPumpLockedOut):
		a.writeConflict(w, http.StatusConflict, msgPumpLockedOut, "")
	case errors.Is(err, commands.ErrDeviceOffline):
		a.writeConflict(w, http.StatusConflict, msgDeviceOffline, "")
	case errors.Is(err, commands.ErrPublishFailed):
		a.writeConflict(w, http.StatusBadGateway, msgPublishFailed, commands.RequestIDOf(err))
	case errors.Is(err, store.ErrNotFound):
		a.writeMessage(w, http.StatusNotFound, "Not found.")
	default:
		a.logger.Error(fallback, "error", err)
		a.writeMessage(w, http.StatusInternalServerError, fallback)
	}
}

func (a *API) writeConflict(w http.ResponseWriter, status int, message, requestID string) {
	body := envelope{Message: message}
	if requestID != "" {
		body.RequestID = &requestID
	}
	a.writeJSON(w, status, body)
}
