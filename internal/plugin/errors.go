package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Lifecycle errors.
var (
	// ErrNoDevices is returned by Activate when the source yields no devices.
	ErrNoDevices = errors.New("plugin: no devices")

	// ErrNotActivated is returned by channel operations while not Active.
	ErrNotActivated = errors.New("plugin: not activated")

	// ErrAlreadyActive is returned by Activate while Active.
	ErrAlreadyActive = errors.New("plugin: already active")

	// ErrUnknownPlugin is returned by Catalog.New for an unregistered name.
	ErrUnknownPlugin = errors.New("plugin: unknown plugin")
)

// DeviceFailure is one device that failed to initialise.
type DeviceFailure struct {
	Device string `json:"device"`
	Err    error  `json:"-"`
}

// Error implements error.
func (f DeviceFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Device, f.Err)
}

// Unwrap returns the init error.
func (f DeviceFailure) Unwrap() error { return f.Err }

// ActivationError is returned by Activate when no device initialised.
// errors.Is matches any of the per-device causes.
type ActivationError struct {
	Failures []DeviceFailure
}

// Error implements error.
func (e *ActivationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("plugin: activation failed for all %d devices: %s",
		len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap returns the per-device causes.
func (e *ActivationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
