package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/powertime-core/internal/channel"
	"github.com/nerrad567/powertime-core/internal/icse"
	"github.com/nerrad567/powertime-core/internal/plugin"
	"github.com/nerrad567/powertime-core/internal/plugin/icse0xxa"
	"github.com/nerrad567/powertime-core/internal/registry"
)

// Error is the body of every error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// Failures lists per-device causes when activation failed on every
	// device.
	Failures []deviceFailure `json:"failures,omitempty"`
}

// Error codes. The billing application branches on these, not on messages.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeMethodNotAllow = "method_not_allowed"

	ErrCodeDeviceError   = "device_error"
	ErrCodeDeviceBusy    = "device_busy"
	ErrCodeNotActive     = "plugin_inactive"
	ErrCodeAlreadyActive = "plugin_active"
	ErrCodeNoDevices     = "no_devices"
)

// relayError maps a domain error to its HTTP response.
type relayError struct {
	target  error
	status  int
	code    string
	message string // empty uses err.Error()
}

// relayErrors is checked in order with errors.Is.
var relayErrors = []relayError{
	{plugin.ErrNotActivated, http.StatusConflict, ErrCodeNotActive, "plugin is not active"},
	{plugin.ErrAlreadyActive, http.StatusConflict, ErrCodeAlreadyActive, "plugin is already active"},
	{plugin.ErrNoDevices, http.StatusUnprocessableEntity, ErrCodeNoDevices, "no devices configured or found"},
	{icse0xxa.ErrActive, http.StatusConflict, ErrCodeAlreadyActive, "deactivate the plugin before scanning"},
	{channel.ErrChannelOutOfRange, http.StatusNotFound, ErrCodeNotFound, "channel not found"},
	{icse.ErrDeviceBusy, http.StatusConflict, ErrCodeDeviceBusy, "device is busy, retry"},
	{icse.ErrNotInitialized, http.StatusConflict, ErrCodeDeviceError, "device is not initialised"},
	{icse.ErrTransport, http.StatusBadGateway, ErrCodeDeviceError, ""},
	{registry.ErrInvalidEntry, http.StatusUnprocessableEntity, ErrCodeValidation, ""},
}

// writeRelayError writes the response for a plugin, channel, device or
// registry error. It reports false for errors it does not know, leaving the
// response to the caller.
func writeRelayError(w http.ResponseWriter, err error) bool {
	var actErr *plugin.ActivationError
	if errors.As(err, &actErr) {
		writeJSON(w, http.StatusBadGateway, Error{
			Status:   http.StatusBadGateway,
			Code:     ErrCodeDeviceError,
			Message:  "no device could be initialised",
			Failures: failuresJSON(actErr.Failures),
		})
		return true
	}
	for _, re := range relayErrors {
		if !errors.Is(err, re.target) {
			continue
		}
		msg := re.message
		if msg == "" {
			msg = err.Error()
		}
		writeError(w, re.status, re.code, msg)
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // Client may have gone
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

func writeConflict(w http.ResponseWriter, message string) {
	writeError(w, http.StatusConflict, ErrCodeConflict, message)
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
