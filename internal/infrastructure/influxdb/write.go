package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/powertime-core/internal/plugin"
)

// Measurement names.
const (
	MeasurementSwitch = "relay_switch"
	MeasurementState  = "plugin_state"
)

// SwitchPoint converts a switch event. Channel, port and origin are tags;
// the on flag, local relay index and register byte are fields.
func SwitchPoint(ev plugin.SwitchEvent) *write.Point {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	origin := ev.Origin
	if origin == "" {
		origin = "unknown"
	}
	return write.NewPoint(MeasurementSwitch,
		map[string]string{
			"channel": strconv.Itoa(ev.Channel),
			"port":    ev.Device,
			"source":  origin,
		},
		map[string]any{
			"on":          ev.Enabled,
			"local_index": ev.Local,
			"register":    int(ev.Register),
		},
		at)
}

// StatePoint converts a plugin state transition.
func StatePoint(change plugin.StateChange) *write.Point {
	at := change.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(MeasurementState,
		map[string]string{
			"from": change.From.String(),
			"to":   change.To.String(),
		},
		map[string]any{
			"channels": change.Channels,
			"active":   change.To == plugin.StateActive,
		},
		at)
}

// WriteSwitch queues a switch event point.
func (c *Client) WriteSwitch(ev plugin.SwitchEvent) {
	if c.IsConnected() {
		c.writeAPI.WritePoint(SwitchPoint(ev))
	}
}

// WriteState queues a state transition point.
func (c *Client) WriteState(change plugin.StateChange) {
	if c.IsConnected() {
		c.writeAPI.WritePoint(StatePoint(change))
	}
}

// SwitchListener returns WriteSwitch as a plugin switch listener.
func (c *Client) SwitchListener() func(plugin.SwitchEvent) {
	return c.WriteSwitch
}

// StateListener returns WriteState as a plugin state listener.
func (c *Client) StateListener() func(plugin.StateChange) {
	return c.WriteState
}
