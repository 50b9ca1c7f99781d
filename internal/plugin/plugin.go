// Package plugin exposes a set of relay drivers to the host application as
// one switchable channel bank with an activate/deactivate lifecycle.
//
// State machine:
//
//	Inactive → Activating → Active
//	Inactive → Activating → Failed
//	Active | Failed → Inactive   (Deactivate)
//
// Lifecycle implements Plugin over any Source of relay.Driver values.
// Available plugins are listed in a Catalog built by the host at startup;
// nothing is discovered at runtime.
package plugin

import (
	"context"
	"time"

	"github.com/nerrad567/powertime-core/internal/relay"
)

// State is the plugin lifecycle state.
type State int

// Lifecycle states.
const (
	StateInactive State = iota
	StateActivating
	StateActive
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Info describes a plugin to the host.
type Info struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Author      string `json:"author"`
	Activated   bool   `json:"activated"`
}

// ChannelInfo describes one channel of an active plugin.
type ChannelInfo struct {
	Channel    int    `json:"channel"`
	Device     string `json:"device"`
	DeviceName string `json:"device_name"`
	Local      int    `json:"local_index"`
	On         bool   `json:"on"`
}

// DeviceStatus describes one initialised device.
type DeviceStatus struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Outcome relay.InitOutcome `json:"outcome"`
	Offset  int               `json:"offset"`
	Relays  int               `json:"relays"`
}

// ActivationReport is the result of a successful activation. Failures and
// Warnings are non-fatal. A failed device appears in Failures only.
type ActivationReport struct {
	ID          string          `json:"id"`
	Initialized []DeviceStatus  `json:"initialized"`
	Failures    []DeviceFailure `json:"-"`
	Warnings    []string        `json:"warnings"`
	Channels    int             `json:"channels"`
}

// Partial reports whether some devices failed to initialise.
func (r ActivationReport) Partial() bool { return len(r.Failures) > 0 }

// SwitchEvent is delivered to switch listeners after a successful switch.
type SwitchEvent struct {
	Channel  int
	Device   string
	Local    int
	Enabled  bool
	Register uint8
	Origin   string
	At       time.Time
}

// StateChange is delivered to state listeners on every transition.
type StateChange struct {
	From     State
	To       State
	Channels int
	At       time.Time
}

// Plugin is the interface consumed by the host application.
type Plugin interface {
	// Info returns the plugin description and activation flag.
	Info() Info

	// ChannelCount returns the number of channels. ErrNotActivated unless Active.
	ChannelCount() (int, error)

	// ChannelInfo maps each channel to its device relay. Empty unless Active.
	ChannelInfo() map[int]ChannelInfo

	// Switch turns a channel on or off.
	Switch(ctx context.Context, channel int, enabled bool) error

	// Activate initialises the devices and builds the channel layout.
	Activate(ctx context.Context) (ActivationReport, error)

	// Deactivate closes all devices. It is idempotent.
	Deactivate() error

	// State returns the lifecycle state.
	State() State
}

// Source supplies the drivers for an activation, in layout order.
// Warnings are passed through to the activation report.
type Source interface {
	Drivers(ctx context.Context) (drivers []relay.Driver, warnings []string, err error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]relay.Driver, []string, error)

// Drivers calls f(ctx).
func (f SourceFunc) Drivers(ctx context.Context) ([]relay.Driver, []string, error) {
	return f(ctx)
}

type originKey struct{}

// WithOrigin tags ctx with the origin of a switch request ("api", "mqtt",
// "console"). The tag is copied into SwitchEvent.Origin.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFromContext returns the tag set by WithOrigin, or "".
func OriginFromContext(ctx context.Context) string {
	s, _ := ctx.Value(originKey{}).(string)
	return s
}
