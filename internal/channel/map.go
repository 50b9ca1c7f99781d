// Package channel flattens the relays of several drivers into one
// zero-based channel space.
//
// Drivers are laid out in the order given: with a 4-relay, a 2-relay and an
// 8-relay device, channels 0-3 belong to the first, 4-5 to the second and
// 6-13 to the third. The layout is fixed when the Map is built.
package channel

import (
	"errors"
	"fmt"

	"github.com/nerrad567/powertime-core/internal/relay"
)

// ErrChannelOutOfRange is returned for a channel outside [0, Total()).
var ErrChannelOutOfRange = errors.New("channel: out of range")

// Assignment maps one global channel to a driver relay.
type Assignment struct {
	Channel int
	Driver  relay.Switcher
	Local   int
}

// Map is an immutable channel layout. It is safe for concurrent reads;
// switching is serialised by the caller.
type Map struct {
	drivers     []relay.Switcher
	assignments []Assignment
}

// Build lays out drivers in order. It fails if any driver cannot report its
// relay count, which for ICSE devices means it is not Ready.
func Build[D relay.Switcher](drivers []D) (*Map, error) {
	m := &Map{drivers: make([]relay.Switcher, 0, len(drivers))}
	for _, d := range drivers {
		n, err := d.RelayCount()
		if err != nil {
			return nil, fmt.Errorf("channel: relay count of %s: %w", d.ID(), err)
		}
		for local := 0; local < n; local++ {
			m.assignments = append(m.assignments, Assignment{
				Channel: len(m.assignments),
				Driver:  d,
				Local:   local,
			})
		}
		m.drivers = append(m.drivers, d)
	}
	return m, nil
}

// Total returns the number of channels.
func (m *Map) Total() int {
	if m == nil {
		return 0
	}
	return len(m.assignments)
}

// Lookup returns the assignment of channel ch.
func (m *Map) Lookup(ch int) (Assignment, error) {
	if ch < 0 || ch >= m.Total() {
		return Assignment{}, fmt.Errorf("%w: %d not in [0, %d)", ErrChannelOutOfRange, ch, m.Total())
	}
	return m.assignments[ch], nil
}

// Assignments returns a copy of the full layout in channel order.
func (m *Map) Assignments() []Assignment {
	if m == nil {
		return nil
	}
	return append([]Assignment(nil), m.assignments...)
}

// Drivers returns the drivers in layout order.
func (m *Map) Drivers() []relay.Switcher {
	if m == nil {
		return nil
	}
	return append([]relay.Switcher(nil), m.drivers...)
}

// Switch routes a channel switch to its driver. Driver errors are returned
// wrapped, so errors.Is still matches the driver's sentinel errors.
func (m *Map) Switch(ch int, enabled bool) (Assignment, error) {
	a, err := m.Lookup(ch)
	if err != nil {
		return Assignment{}, err
	}
	if err := a.Driver.SwitchRelay(a.Local, enabled); err != nil {
		return a, fmt.Errorf("channel %d (%s relay %d): %w", ch, a.Driver.ID(), a.Local, err)
	}
	return a, nil
}
