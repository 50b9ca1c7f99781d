package discovery

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nerrad567/powertime-core/internal/icse"
	"github.com/nerrad567/powertime-core/internal/icse/sim"
)

func newTestScanner(t *testing.T, bus *sim.Bus, mutate func(*Options)) *Scanner {
	t.Helper()
	opts := Options{
		Lister:    bus,
		Opener:    bus,
		Timing:    icse.Timing{ReadTimeout: time.Millisecond},
		OpenDelay: -1,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewScanner(opts)
	if err != nil {
		t.Fatalf("NewScanner() error: %v", err)
	}
	return s
}

func TestScan_FindsDevicesInPortOrder(t *testing.T) {
	bus := sim.NewBus()
	b3 := bus.Attach("COM3", sim.NewBoard(icse.Model4Relay))
	b5 := bus.Attach("COM5", sim.NewBoard(icse.Model8Relay))

	res, err := newTestScanner(t, bus, nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(res.Devices) != 2 {
		t.Fatalf("found %d devices, want 2", len(res.Devices))
	}
	if res.Devices[0].Port() != "COM3" || res.Devices[0].Model() != icse.Model4Relay {
		t.Errorf("device 0 = %s", res.Devices[0].Name())
	}
	if res.Devices[1].Port() != "COM5" || res.Devices[1].Model() != icse.Model8Relay {
		t.Errorf("device 1 = %s", res.Devices[1].Name())
	}
	for _, d := range res.Devices {
		if d.State() != icse.StateUninitialized {
			t.Errorf("%s state = %v, want uninitialized", d.Name(), d.State())
		}
	}
	for _, b := range []*sim.Board{b3, b5} {
		if b.Listening() {
			t.Error("discovery sent READY")
		}
		if b.IsOpen() {
			t.Error("probe transport left open")
		}
	}
}

func TestScan_8RelayBoard(t *testing.T) {
	bus := sim.NewBus()
	bus.Attach("/dev/ttyUSB0", sim.NewRawBoard(0xAC))

	res, err := newTestScanner(t, bus, nil).Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Devices) != 1 {
		t.Fatalf("found %d devices, want 1", len(res.Devices))
	}
	if got := res.Devices[0].Model().RelayCount(); got != 8 {
		t.Errorf("relay count = %d, want 8", got)
	}
}

func TestScan_SilentPortIsNotADevice(t *testing.T) {
	bus := sim.NewBus()
	bus.Attach("COM1", sim.NewSilentBoard())

	res, err := newTestScanner(t, bus, nil).Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Empty() {
		t.Errorf("found %d devices, want none", len(res.Devices))
	}
	if len(res.Failures) != 0 {
		t.Errorf("failures = %v, want none", res.Failures)
	}
	if !reflect.DeepEqual(res.Silent, []string{"COM1"}) {
		t.Errorf("Silent = %v", res.Silent)
	}
}

func TestScan_FailingPortDoesNotAbort(t *testing.T) {
	bus := sim.NewBus()
	bus.Attach("COM1", sim.NewBoard(icse.Model4Relay)).SetFaults(sim.Faults{Open: true})
	bus.Attach("COM2", sim.NewBoard(icse.Model4Relay)).SetFaults(sim.Faults{Read: true})
	bus.Attach("COM3", sim.NewRawBoard(0x42))
	bus.Attach("COM4", sim.NewBoard(icse.Model2Relay))

	res, err := newTestScanner(t, bus, nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(res.Devices) != 1 || res.Devices[0].Port() != "COM4" {
		t.Fatalf("devices = %v, want COM4 only", res.Devices)
	}
	if len(res.Failures) != 3 {
		t.Fatalf("failures = %v, want 3", res.Failures)
	}
	if !errors.Is(res.Failures[0].Err, icse.ErrTransport) {
		t.Errorf("COM1 failure = %v, want ErrTransport", res.Failures[0].Err)
	}
	if !errors.Is(res.Failures[1].Err, icse.ErrTransport) {
		t.Errorf("COM2 failure = %v, want ErrTransport", res.Failures[1].Err)
	}
	if !errors.Is(res.Failures[2].Err, icse.ErrUnknownDevice) {
		t.Errorf("COM3 failure = %v, want ErrUnknownDevice", res.Failures[2].Err)
	}
	if bus.Board("COM2").IsOpen() {
		t.Error("failed probe left transport open")
	}
}

func TestScan_NoPorts(t *testing.T) {
	res, err := newTestScanner(t, sim.NewBus(), nil).Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Empty() {
		t.Error("expected empty result")
	}
}

func TestScan_ListerError(t *testing.T) {
	bus := sim.NewBus()
	listErr := errors.New("enumeration failed")
	s := newTestScanner(t, bus, func(o *Options) {
		o.Lister = PortListerFunc(func() ([]string, error) { return nil, listErr })
	})

	if _, err := s.Scan(context.Background()); !errors.Is(err, listErr) {
		t.Fatalf("Scan() error = %v, want lister error", err)
	}
}

func TestScan_Filters(t *testing.T) {
	bus := sim.NewBus()
	bus.Attach("/dev/ttyS0", sim.NewBoard(icse.Model4Relay))
	bus.Attach("/dev/ttyUSB0", sim.NewBoard(icse.Model4Relay))
	bus.Attach("/dev/ttyUSB1", sim.NewBoard(icse.Model2Relay))

	s := newTestScanner(t, bus, func(o *Options) {
		o.Include = []string{"/dev/ttyUSB*"}
		o.Exclude = []string{"/dev/ttyUSB1"}
	})
	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Probed, []string{"/dev/ttyUSB0"}) {
		t.Errorf("Probed = %v", res.Probed)
	}
	if bus.Board("/dev/ttyS0").Opens() != 0 {
		t.Error("excluded port was opened")
	}
}

func TestScan_CancelledBetweenPorts(t *testing.T) {
	bus := sim.NewBus()
	bus.Attach("COM1", sim.NewBoard(icse.Model4Relay))
	bus.Attach("COM2", sim.NewBoard(icse.Model4Relay))

	ctx, cancel := context.WithCancel(context.Background())
	s := newTestScanner(t, bus, func(o *Options) {
		o.Lister = PortListerFunc(func() ([]string, error) {
			return []string{"COM1", "COM2"}, nil
		})
		inner := o.Opener
		o.Opener = icse.OpenerFunc(func(port string) (icse.Conn, error) {
			cancel()
			return inner.Open(port)
		})
	})

	res, err := s.Scan(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Scan() error = %v, want context.Canceled", err)
	}
	if len(res.Devices) != 1 || res.Devices[0].Port() != "COM1" {
		t.Errorf("partial devices = %v, want COM1", res.Devices)
	}
	if bus.Board("COM2").Opens() != 0 {
		t.Error("COM2 probed after cancellation")
	}
}

func TestScan_DiscoveredDeviceInitializes(t *testing.T) {
	bus := sim.NewBus()
	board := bus.Attach("COM3", sim.NewBoard(icse.Model2Relay))

	res, err := newTestScanner(t, bus, nil).Scan(context.Background())
	if err != nil || res.Empty() {
		t.Fatalf("Scan() = %+v, %v", res, err)
	}
	dev := res.Devices[0]
	if _, err := dev.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if err := dev.SwitchRelay(1, true); err != nil {
		t.Fatal(err)
	}
	if board.Register() != 0x02 {
		t.Errorf("board register = %#02x, want 0x02", board.Register())
	}
}

func TestNewScanner_Validation(t *testing.T) {
	bus := sim.NewBus()
	if _, err := NewScanner(Options{Opener: bus}); err == nil {
		t.Error("missing lister accepted")
	}
	if _, err := NewScanner(Options{Lister: bus}); err == nil {
		t.Error("missing opener accepted")
	}
	if _, err := NewScanner(Options{Lister: bus, Opener: bus, Include: []string{"[bad"}}); err == nil {
		t.Error("invalid pattern accepted")
	}
}
