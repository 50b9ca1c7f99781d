package plugin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/powertime-core/internal/channel"
	"github.com/nerrad567/powertime-core/internal/icse"
	"github.com/nerrad567/powertime-core/internal/icse/sim"
	"github.com/nerrad567/powertime-core/internal/relay"
)

var testInfo = Info{
	Name:        "ICSE0XXA control",
	Version:     "1.0.0",
	Description: "test plugin",
	Author:      "tests",
}

// staticSource builds fresh devices on every call, as the registry does.
func staticSource(t *testing.T, bus *sim.Bus, devices map[string]icse.Model, order ...string) Source {
	t.Helper()
	return SourceFunc(func(context.Context) ([]relay.Driver, []string, error) {
		var out []relay.Driver
		for _, port := range order {
			d, err := icse.NewDevice(port, devices[port], icse.Options{
				Opener: bus,
				Timing: icse.Timing{ReadTimeout: time.Millisecond},
			})
			if err != nil {
				t.Fatalf("NewDevice(%s) error: %v", port, err)
			}
			out = append(out, d)
		}
		return out, nil, nil
	})
}

func TestActivate_NoDevices(t *testing.T) {
	l := NewLifecycle(testInfo, SourceFunc(func(context.Context) ([]relay.Driver, []string, error) {
		return nil, nil, nil
	}))

	if _, err := l.Activate(context.Background()); !errors.Is(err, ErrNoDevices) {
		t.Fatalf("Activate() error = %v, want ErrNoDevices", err)
	}
	if l.State() != StateInactive {
		t.Errorf("State() = %v, want inactive", l.State())
	}
}

func TestOperations_NotActivated(t *testing.T) {
	l := NewLifecycle(testInfo, SourceFunc(func(context.Context) ([]relay.Driver, []string, error) {
		return nil, nil, nil
	}))

	if _, err := l.ChannelCount(); !errors.Is(err, ErrNotActivated) {
		t.Errorf("ChannelCount() error = %v, want ErrNotActivated", err)
	}
	if err := l.Switch(context.Background(), 0, true); !errors.Is(err, ErrNotActivated) {
		t.Errorf("Switch() error = %v, want ErrNotActivated", err)
	}
	if info := l.ChannelInfo(); len(info) != 0 {
		t.Errorf("ChannelInfo() = %v, want empty", info)
	}
	if l.Info().Activated {
		t.Error("Info().Activated = true")
	}
}

func TestActivate_TwoDevicesSixChannels(t *testing.T) {
	bus := sim.NewBus()
	com3 := bus.Attach("COM3", sim.NewBoard(icse.Model4Relay))
	com5 := bus.Attach("COM5", sim.NewBoard(icse.Model2Relay))
	l := NewLifecycle(testInfo, staticSource(t, bus,
		map[string]icse.Model{"COM3": icse.Model4Relay, "COM5": icse.Model2Relay},
		"COM3", "COM5"))

	report, err := l.Activate(context.Background())
	if err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	if report.Channels != 6 || report.Partial() {
		t.Errorf("report = %+v", report)
	}
	if report.ID == "" {
		t.Error("report has no activation ID")
	}
	if n, err := l.ChannelCount(); err != nil || n != 6 {
		t.Fatalf("ChannelCount() = %d, %v; want 6", n, err)
	}
	if !l.Info().Activated {
		t.Error("Info().Activated = false")
	}

	if err := l.Switch(context.Background(), 5, true); err != nil {
		t.Fatalf("Switch(5) error: %v", err)
	}
	if com5.Register() != 0x02 {
		t.Errorf("COM5 register = %#02x, want 0x02", com5.Register())
	}
	if got := com3.Written(); len(got) != 2 {
		t.Errorf("COM3 received % x after handshake, want nothing", got[2:])
	}

	info := l.ChannelInfo()
	if len(info) != 6 {
		t.Fatalf("ChannelInfo() has %d entries", len(info))
	}
	if ci := info[5]; ci.Device != "COM5" || ci.Local != 1 || !ci.On {
		t.Errorf("ChannelInfo()[5] = %+v", ci)
	}
	if ci := info[3]; ci.Device != "COM3" || ci.Local != 3 || ci.On {
		t.Errorf("ChannelInfo()[3] = %+v", ci)
	}
	if ci := info[0]; ci.DeviceName != "ICSE012A@COM3" {
		t.Errorf("DeviceName = %q", ci.DeviceName)
	}

	if err := l.Switch(context.Background(), 6, true); !errors.Is(err, channel.ErrChannelOutOfRange) {
		t.Errorf("Switch(6) error = %v, want ErrChannelOutOfRange", err)
	}
}

func TestActivate_PartialFailure(t *testing.T) {
	bus := sim.NewBus()
	bus.Attach("COM3", sim.NewBoard(icse.Model4Relay))
	bus.Attach("COM4", sim.NewRawBoard(0x42))
	bus.Attach("COM5", sim.NewBoard(icse.Model8Relay))
	l := NewLifecycle(testInfo, staticSource(t, bus,
		map[string]icse.Model{"COM3": icse.Model4Relay, "COM4": icse.Model4Relay, "COM5": icse.Model8Relay},
		"COM3", "COM4", "COM5"))

	report, err := l.Activate(context.Background())
	if err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	if !report.Partial() || len(report.Failures) != 1 || report.Failures[0].Device != "COM4" {
		t.Fatalf("failures = %v", report.Failures)
	}
	if !errors.Is(report.Failures[0], icse.ErrUnknownDevice) {
		t.Errorf("failure cause = %v", report.Failures[0].Err)
	}
	if report.Channels != 12 {
		t.Errorf("Channels = %d, want 12", report.Channels)
	}
	if len(report.Warnings) != 0 {
		t.Errorf("warnings = %v, want none; failures are reported once", report.Warnings)
	}
	if l.State() != StateActive {
		t.Errorf("State() = %v, want active", l.State())
	}

	// Channel 4 is the first relay of COM5 because COM4 was dropped.
	info := l.ChannelInfo()
	if info[4].Device != "COM5" || info[4].Local != 0 {
		t.Errorf("ChannelInfo()[4] = %+v", info[4])
	}
	if report.Initialized[1].Offset != 4 || report.Initialized[1].Relays != 8 {
		t.Errorf("COM5 status = %+v", report.Initialized[1])
	}
}

func TestActivate_AllFail(t *testing.T) {
	bus := sim.NewBus()
	bus.Attach("COM3", sim.NewBoard(icse.Model4Relay)).SetFaults(sim.Faults{Open: true})
	bus.Attach("COM4", sim.NewRawBoard(0x42))
	l := NewLifecycle(testInfo, staticSource(t, bus,
		map[string]icse.Model{"COM3": icse.Model4Relay, "COM4": icse.Model4Relay},
		"COM3", "COM4"))

	_, err := l.Activate(context.Background())
	var aerr *ActivationError
	if !errors.As(err, &aerr) {
		t.Fatalf("Activate() error = %v, want *ActivationError", err)
	}
	if len(aerr.Failures) != 2 {
		t.Errorf("failures = %d, want 2", len(aerr.Failures))
	}
	if !errors.Is(err, icse.ErrTransport) || !errors.Is(err, icse.ErrUnknownDevice) {
		t.Errorf("ActivationError does not unwrap to both causes: %v", err)
	}
	if l.State() != StateFailed {
		t.Errorf("State() = %v, want failed", l.State())
	}
	if _, err := l.ChannelCount(); !errors.Is(err, ErrNotActivated) {
		t.Errorf("ChannelCount() error = %v", err)
	}
}

func TestActivate_SourceError(t *testing.T) {
	srcErr := errors.New("registry unreadable")
	l := NewLifecycle(testInfo, SourceFunc(func(context.Context) ([]relay.Driver, []string, error) {
		return nil, nil, srcErr
	}))
	if _, err := l.Activate(context.Background()); !errors.Is(err, srcErr) {
		t.Fatalf("Activate() error = %v", err)
	}
	if l.State() != StateFailed {
		t.Errorf("State() = %v, want failed", l.State())
	}
}

func TestActivate_AlreadyActive(t *testing.T) {
	bus := sim.NewBus()
	bus.Attach("COM3", sim.NewBoard(icse.Model4Relay))
	l := NewLifecycle(testInfo, staticSource(t, bus, map[string]icse.Model{"COM3": icse.Model4Relay}, "COM3"))

	if _, err := l.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Activate(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Activate() error = %v, want ErrAlreadyActive", err)
	}
}

func TestActivate_SilentDeviceWarns(t *testing.T) {
	bus := sim.NewBus()
	bus.Attach("COM3", sim.NewSilentBoard())
	l := NewLifecycle(testInfo, staticSource(t, bus, map[string]icse.Model{"COM3": icse.Model4Relay}, "COM3"))

	report, err := l.Activate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Warnings) != 1 {
		t.Errorf("warnings = %v, want one", report.Warnings)
	}
	if report.Initialized[0].Outcome != relay.OutcomeAssumedListening {
		t.Errorf("outcome = %v", report.Initialized[0].Outcome)
	}
}

func TestDeactivate(t *testing.T) {
	bus := sim.NewBus()
	board := bus.Attach("COM3", sim.NewBoard(icse.Model4Relay))
	l := NewLifecycle(testInfo, staticSource(t, bus, map[string]icse.Model{"COM3": icse.Model4Relay}, "COM3"))

	if err := l.Deactivate(); err != nil {
		t.Errorf("Deactivate() while inactive error: %v", err)
	}
	if _, err := l.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !board.IsOpen() {
		t.Fatal("transport not open after activation")
	}

	if err := l.Deactivate(); err != nil {
		t.Fatalf("Deactivate() error: %v", err)
	}
	if board.IsOpen() {
		t.Error("transport left open")
	}
	if l.State() != StateInactive {
		t.Errorf("State() = %v", l.State())
	}
	if len(l.ChannelInfo()) != 0 {
		t.Error("ChannelInfo() not cleared")
	}
	if err := l.Deactivate(); err != nil {
		t.Errorf("second Deactivate() error: %v", err)
	}

	// The board is still listening, so reactivation is unanswered but succeeds.
	report, err := l.Activate(context.Background())
	if err != nil {
		t.Fatalf("reactivate error: %v", err)
	}
	if report.Initialized[0].Outcome != relay.OutcomeAssumedListening {
		t.Errorf("reactivation outcome = %v", report.Initialized[0].Outcome)
	}
}

func TestListeners(t *testing.T) {
	bus := sim.NewBus()
	bus.Attach("COM3", sim.NewBoard(icse.Model4Relay))
	l := NewLifecycle(testInfo, staticSource(t, bus, map[string]icse.Model{"COM3": icse.Model4Relay}, "COM3"))
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	var (
		mu       sync.Mutex
		switches []SwitchEvent
		states   []StateChange
	)
	l.AddSwitchListener(func(ev SwitchEvent) {
		mu.Lock()
		defer mu.Unlock()
		switches = append(switches, ev)
	})
	l.AddStateListener(func(c StateChange) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, c)
	})

	if _, err := l.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := WithOrigin(context.Background(), "api")
	if err := l.Switch(ctx, 2, true); err != nil {
		t.Fatal(err)
	}
	if err := l.Switch(ctx, 9, true); err == nil {
		t.Fatal("out-of-range switch succeeded")
	}
	if err := l.Deactivate(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(switches) != 1 {
		t.Fatalf("switch events = %d, want 1", len(switches))
	}
	want := SwitchEvent{Channel: 2, Device: "COM3", Local: 2, Enabled: true, Register: 0x04, Origin: "api", At: fixed}
	if switches[0] != want {
		t.Errorf("switch event = %+v, want %+v", switches[0], want)
	}

	wantStates := []struct{ from, to State }{
		{StateInactive, StateActivating},
		{StateActivating, StateActive},
		{StateActive, StateInactive},
	}
	if len(states) != len(wantStates) {
		t.Fatalf("state changes = %+v", states)
	}
	for i, w := range wantStates {
		if states[i].From != w.from || states[i].To != w.to {
			t.Errorf("change %d = %v→%v, want %v→%v", i, states[i].From, states[i].To, w.from, w.to)
		}
	}
	if states[1].Channels != 4 {
		t.Errorf("active change channels = %d, want 4", states[1].Channels)
	}
}

func TestSwitch_CancelledContext(t *testing.T) {
	bus := sim.NewBus()
	board := bus.Attach("COM3", sim.NewBoard(icse.Model4Relay))
	l := NewLifecycle(testInfo, staticSource(t, bus, map[string]icse.Model{"COM3": icse.Model4Relay}, "COM3"))
	if _, err := l.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Switch(ctx, 0, true); !errors.Is(err, context.Canceled) {
		t.Errorf("Switch() error = %v", err)
	}
	if board.Register() != 0 {
		t.Error("cancelled switch reached the device")
	}
}

func TestActivate_StateVisibleWhileLoading(t *testing.T) {
	bus := sim.NewBus()
	bus.Attach("COM3", sim.NewBoard(icse.Model4Relay))
	devices := staticSource(t, bus, map[string]icse.Model{"COM3": icse.Model4Relay}, "COM3")

	var calls atomic.Int32
	loading := make(chan struct{})
	release := make(chan struct{})
	l := NewLifecycle(testInfo, SourceFunc(func(ctx context.Context) ([]relay.Driver, []string, error) {
		if calls.Add(1) == 1 {
			close(loading)
			<-release
		}
		return devices.Drivers(ctx)
	}))

	first := make(chan error, 1)
	go func() {
		_, err := l.Activate(context.Background())
		first <- err
	}()
	<-loading

	second := make(chan error, 1)
	go func() {
		_, err := l.Activate(context.Background())
		second <- err
	}()

	type snapshot struct {
		state     State
		activated bool
	}
	observed := make(chan snapshot, 1)
	go func() { observed <- snapshot{l.State(), l.Info().Activated} }()
	select {
	case got := <-observed:
		if got.state != StateActivating || got.activated {
			t.Errorf("during activation: State() = %v, Activated = %v", got.state, got.activated)
		}
	case <-time.After(time.Second):
		close(release)
		t.Fatal("State() blocked while the source was loading")
	}
	if err := l.Switch(context.Background(), 0, true); !errors.Is(err, ErrNotActivated) {
		t.Errorf("Switch() during activation error = %v, want ErrNotActivated", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	if err := <-second; !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("concurrent Activate() error = %v, want ErrAlreadyActive", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("source loaded %d times, want 1", n)
	}
	if l.State() != StateActive {
		t.Errorf("State() = %v, want active", l.State())
	}
}

func TestChannelInfo_ReadsDeviceRegister(t *testing.T) {
	bus := sim.NewBus()
	bus.Attach("COM3", sim.NewBoard(icse.Model4Relay))
	var dev *icse.Device
	l := NewLifecycle(testInfo, SourceFunc(func(context.Context) ([]relay.Driver, []string, error) {
		d, err := icse.NewDevice("COM3", icse.Model4Relay, icse.Options{
			Opener: bus,
			Timing: icse.Timing{ReadTimeout: time.Millisecond},
		})
		dev = d
		return []relay.Driver{d}, nil, err
	}))
	if _, err := l.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := l.Switch(context.Background(), 1, true); err != nil {
		t.Fatal(err)
	}
	// Switched on the device directly, outside the lifecycle.
	if err := dev.SwitchRelay(3, true); err != nil {
		t.Fatal(err)
	}

	info := l.ChannelInfo()
	for ch, want := range []bool{false, true, false, true} {
		if info[ch].On != want {
			t.Errorf("ChannelInfo()[%d].On = %v, want %v (register %#02x)", ch, info[ch].On, want, dev.Register())
		}
	}
}

// plainDriver has no relay register.
type plainDriver struct {
	id     string
	relays int
}

func (d *plainDriver) ID() string { return d.id }
func (d *plainDriver) RelayCount() (int, error) { return d.relays, nil }
func (d *plainDriver) SwitchRelay(int, bool) error { return nil }
func (d *plainDriver) Close() error { return nil }

func (d *plainDriver) Init(context.Context) (relay.InitOutcome, error) {
	return relay.OutcomeIdentified, nil
}

func TestChannelInfo_DriverWithoutRegister(t *testing.T) {
	l := NewLifecycle(testInfo, SourceFunc(func(context.Context) ([]relay.Driver, []string, error) {
		return []relay.Driver{&plainDriver{id: "bench", relays: 2}}, nil, nil
	}))
	if _, err := l.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Switch(context.Background(), 0, true); err != nil {
		t.Fatal(err)
	}
	info := l.ChannelInfo()
	if len(info) != 2 || info[0].On || info[0].DeviceName != "bench" {
		t.Errorf("ChannelInfo() = %+v", info)
	}
}
