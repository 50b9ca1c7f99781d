package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/powertime-core/internal/channel"
	"github.com/nerrad567/powertime-core/internal/relay"
)

// Logger is the logging interface used by Lifecycle.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// registerReader is implemented by drivers that expose their relay register.
type registerReader interface {
	Register() uint8
}

// namer is implemented by drivers with a display name.
type namer interface {
	Name() string
}

// Lifecycle owns a set of drivers between Activate and Deactivate and routes
// channel switches to them. mu guards state and layout and is held across
// a switch, so a device is never driven by two callers at once. opMu keeps
// Activate and Deactivate exclusive without holding mu during device I/O.
//
// Listeners run synchronously after the lock is released and must not block
// for long.
type Lifecycle struct {
	info   Info
	source Source
	logger Logger
	now    func() time.Time

	opMu sync.Mutex

	mu      sync.Mutex
	state   State
	drivers []relay.Driver
	status  []DeviceStatus
	layout  *channel.Map

	listenMu        sync.RWMutex
	switchListeners []func(SwitchEvent)
	stateListeners  []func(StateChange)
}

// Compile-time check that Lifecycle satisfies Plugin.
var _ Plugin = (*Lifecycle)(nil)

// NewLifecycle creates an Inactive plugin. info.Activated is ignored.
func NewLifecycle(info Info, source Source) *Lifecycle {
	return &Lifecycle{
		info:   info,
		source: source,
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the lifecycle.
func (l *Lifecycle) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	l.logger = logger
}

// AddSwitchListener registers fn to receive every successful switch.
func (l *Lifecycle) AddSwitchListener(fn func(SwitchEvent)) {
	l.listenMu.Lock()
	defer l.listenMu.Unlock()
	l.switchListeners = append(l.switchListeners, fn)
}

// AddStateListener registers fn to receive every state transition.
func (l *Lifecycle) AddStateListener(fn func(StateChange)) {
	l.listenMu.Lock()
	defer l.listenMu.Unlock()
	l.stateListeners = append(l.stateListeners, fn)
}

// Info implements Plugin.
func (l *Lifecycle) Info() Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	info := l.info
	info.Activated = l.state == StateActive
	return info
}

// State implements Plugin.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ChannelCount implements Plugin.
func (l *Lifecycle) ChannelCount() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return 0, ErrNotActivated
	}
	return l.layout.Total(), nil
}

// ChannelInfo implements Plugin. On is read from the driver's relay
// register; drivers without one report every relay off.
func (l *Lifecycle) ChannelInfo() map[int]ChannelInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[int]ChannelInfo)
	if l.state != StateActive {
		return out
	}
	for _, a := range l.layout.Assignments() {
		ci := ChannelInfo{
			Channel:    a.Channel,
			Device:     a.Driver.ID(),
			DeviceName: displayName(a.Driver),
			Local:      a.Local,
		}
		if rr, ok := a.Driver.(registerReader); ok {
			ci.On = rr.Register()&(1<<uint(a.Local)) != 0
		}
		out[a.Channel] = ci
	}
	return out
}

// ActiveDevices returns the initialised devices while Active.
func (l *Lifecycle) ActiveDevices() []DeviceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return nil
	}
	return append([]DeviceStatus(nil), l.status...)
}

// Switch implements Plugin. The origin set with WithOrigin is passed on to
// switch listeners.
func (l *Lifecycle) Switch(ctx context.Context, ch int, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.state != StateActive {
		l.mu.Unlock()
		return ErrNotActivated
	}
	a, err := l.layout.Switch(ch, enabled)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	ev := SwitchEvent{
		Channel: ch,
		Device:  a.Driver.ID(),
		Local:   a.Local,
		Enabled: enabled,
		Origin:  OriginFromContext(ctx),
		At:      l.now(),
	}
	if rr, ok := a.Driver.(registerReader); ok {
		ev.Register = rr.Register()
	}
	l.mu.Unlock()

	l.logger.Debug("channel switched", "channel", ch, "device", ev.Device, "local", ev.Local, "on", enabled)
	l.emitSwitch(ev)
	return nil
}

// Activate implements Plugin.
//
// Drivers are initialised one at a time in source order. Devices that fail
// are closed and reported; the plugin becomes Active if at least one device
// initialised. ctx is checked between devices and an in-progress handshake
// is never interrupted.
//
// mu is not held while the source loads or devices initialise, so State and
// Info report StateActivating meanwhile. Switch fails with ErrNotActivated
// until the layout is committed.
func (l *Lifecycle) Activate(ctx context.Context) (ActivationReport, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	if l.state == StateActive {
		l.mu.Unlock()
		return ActivationReport{}, ErrAlreadyActive
	}
	if l.state == StateFailed {
		_ = l.closeAll()
	}
	begin := l.setState(StateActivating)
	l.mu.Unlock()
	l.emitState([]StateChange{begin})

	report, ready, actErr := l.initDrivers(ctx)

	l.mu.Lock()
	var changes []StateChange
	defer func() {
		l.mu.Unlock()
		l.emitState(changes)
	}()

	switch {
	case errors.Is(actErr, ErrNoDevices):
		changes = append(changes, l.setState(StateInactive))
		return ActivationReport{}, actErr
	case actErr != nil:
		changes = append(changes, l.setState(StateFailed))
		return ActivationReport{}, actErr
	}

	l.drivers = ready
	l.layout = report.layout
	l.status = report.Initialized
	changes = append(changes, l.setState(StateActive))

	l.logger.Info("plugin activated",
		"activation_id", report.ID,
		"devices", len(ready),
		"failed", len(report.Failures),
		"channels", report.Channels,
	)
	return report.ActivationReport, nil
}

// pendingActivation is an activation report plus the layout to commit.
type pendingActivation struct {
	ActivationReport
	layout *channel.Map
}

// initDrivers loads and initialises the source's drivers. It runs without
// mu; only Activate calls it, under opMu.
func (l *Lifecycle) initDrivers(ctx context.Context) (pendingActivation, []relay.Driver, error) {
	drivers, warnings, err := l.source.Drivers(ctx)
	if err != nil {
		return pendingActivation{}, nil, fmt.Errorf("plugin: loading devices: %w", err)
	}
	if len(drivers) == 0 {
		return pendingActivation{}, nil, ErrNoDevices
	}

	report := ActivationReport{ID: uuid.NewString(), Warnings: warnings}
	var ready []relay.Driver
	for _, d := range drivers {
		if err := ctx.Err(); err != nil {
			report.Failures = append(report.Failures, DeviceFailure{Device: d.ID(), Err: err})
			continue
		}

		outcome, err := d.Init(ctx)
		if err != nil {
			l.logger.Warn("device failed to initialise", "device", displayName(d), "error", err)
			report.Failures = append(report.Failures, DeviceFailure{Device: d.ID(), Err: err})
			if cerr := d.Close(); cerr != nil {
				l.logger.Debug("closing failed device", "device", d.ID(), "error", cerr)
			}
			continue
		}
		if outcome == relay.OutcomeAssumedListening {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s did not answer identification and is assumed to be listening", displayName(d)))
		}
		report.Initialized = append(report.Initialized, DeviceStatus{
			ID:      d.ID(),
			Name:    displayName(d),
			Outcome: outcome,
		})
		ready = append(ready, d)
	}

	if len(ready) == 0 {
		return pendingActivation{}, nil, &ActivationError{Failures: report.Failures}
	}

	layout, err := channel.Build(ready)
	if err != nil {
		_ = closeDrivers(ready, l.logger)
		return pendingActivation{}, nil, fmt.Errorf("plugin: building channel layout: %w", err)
	}

	offset := 0
	for i, d := range ready {
		n, _ := d.RelayCount()
		report.Initialized[i].Offset = offset
		report.Initialized[i].Relays = n
		offset += n
	}
	report.Channels = layout.Total()
	return pendingActivation{ActivationReport: report, layout: layout}, ready, nil
}

// Deactivate implements Plugin. All drivers are closed even if some fail;
// the close errors are joined. A Deactivate issued during activation waits
// for it to finish.
func (l *Lifecycle) Deactivate() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	var changes []StateChange
	defer func() {
		l.mu.Unlock()
		l.emitState(changes)
	}()

	err := l.closeAll()
	if l.state != StateInactive {
		changes = append(changes, l.setState(StateInactive))
		l.logger.Info("plugin deactivated")
	}
	return err
}

// closeAll must be called with mu held.
func (l *Lifecycle) closeAll() error {
	err := closeDrivers(l.drivers, l.logger)
	l.drivers = nil
	l.status = nil
	l.layout = nil
	return err
}

// setState must be called with mu held.
func (l *Lifecycle) setState(s State) StateChange {
	change := StateChange{From: l.state, To: s, Channels: l.layout.Total(), At: l.now()}
	if s != StateActive {
		change.Channels = 0
	}
	l.state = s
	return change
}

func (l *Lifecycle) emitSwitch(ev SwitchEvent) {
	l.listenMu.RLock()
	listeners := append([]func(SwitchEvent){}, l.switchListeners...)
	l.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (l *Lifecycle) emitState(changes []StateChange) {
	if len(changes) == 0 {
		return
	}
	l.listenMu.RLock()
	listeners := append([]func(StateChange){}, l.stateListeners...)
	l.listenMu.RUnlock()
	for _, c := range changes {
		for _, fn := range listeners {
			fn(c)
		}
	}
}

func closeDrivers(drivers []relay.Driver, logger Logger) error {
	var errs []error
	for _, d := range drivers {
		if err := d.Close(); err != nil {
			logger.Warn("closing device", "device", d.ID(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", d.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func displayName(d relay.Switcher) string {
	if n, ok := d.(namer); ok {
		return n.Name()
	}
	return d.ID()
}
