// Package relay defines the capability interface shared by relay device
// drivers, the channel aggregator and the plugin lifecycle.
//
// Driver implementations are registered statically by the host application;
// nothing in this package discovers drivers at runtime.
package relay

import "context"

// InitOutcome describes how a driver reached its ready state.
type InitOutcome int

const (
	// OutcomeIdentified means the device answered identification and was
	// switched into relay-control mode.
	OutcomeIdentified InitOutcome = iota

	// OutcomeAssumedListening means the device did not answer identification
	// and is assumed to already be in relay-control mode.
	OutcomeAssumedListening
)

// String returns the outcome name used in logs and API payloads.
func (o InitOutcome) String() string {
	switch o {
	case OutcomeIdentified:
		return "identified"
	case OutcomeAssumedListening:
		return "assumed_listening"
	default:
		return "unknown"
	}
}

// MarshalText encodes the outcome as its name.
func (o InitOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Switcher is the subset of a driver needed to route channel switches.
type Switcher interface {
	// ID returns a stable identifier for the device (its port name).
	ID() string

	// RelayCount returns the number of relays on the device.
	RelayCount() (int, error)

	// SwitchRelay sets one local relay on or off.
	SwitchRelay(index int, enabled bool) error
}

// Driver is the full capability set of a relay device driver.
type Driver interface {
	Switcher

	// Init brings the device into relay-control mode.
	Init(ctx context.Context) (InitOutcome, error)

	// Close releases the device transport.
	Close() error
}
