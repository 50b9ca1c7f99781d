package icse

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/powertime-core/internal/relay"
)

// State is the connection state of a Device.
type State int32

// Connection states.
const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// UnansweredPolicy decides what Init does when IDENTIFY gets no reply.
type UnansweredPolicy int

const (
	// AssumeListening treats silence as a device already in relay-control
	// mode: the device becomes Ready without sending READY.
	AssumeListening UnansweredPolicy = iota

	// FailUnanswered treats silence as a failed handshake (ErrNoAnswer).
	FailUnanswered
)

// ParseUnansweredPolicy maps the configuration names "assume_listening" and
// "fail" to a policy.
func ParseUnansweredPolicy(s string) (UnansweredPolicy, error) {
	switch s {
	case "", "assume_listening":
		return AssumeListening, nil
	case "fail":
		return FailUnanswered, nil
	default:
		return AssumeListening, fmt.Errorf("icse: unknown unanswered policy %q", s)
	}
}

// String returns the configuration name of the policy.
func (p UnansweredPolicy) String() string {
	if p == FailUnanswered {
		return "fail"
	}
	return "assume_listening"
}

// Logger is the logging interface used by Device.
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

// Options configures a Device.
type Options struct {
	// Opener opens the serial transport during Init.
	Opener Opener

	// Timing overrides the protocol delays. The zero value selects
	// DefaultTiming().
	Timing Timing

	// Unanswered selects the behaviour when IDENTIFY gets no reply.
	Unanswered UnansweredPolicy

	// Logger receives handshake warnings. Nil disables logging.
	Logger Logger
}

// Device drives one ICSE0XXA module on one serial port.
//
// The register and state are readable at any time. Operations that touch the
// transport (Init, SwitchRelay, Close) check the device out and fail with
// ErrDeviceBusy when it is already checked out.
type Device struct {
	port       string
	model      Model
	opener     Opener
	timing     Timing
	unanswered UnansweredPolicy
	logger     Logger

	conn     Conn // owned while checked out
	state    atomic.Int32
	register atomic.Uint32
	busy     atomic.Bool
}

// Compile-time check that Device satisfies relay.Driver.
var _ relay.Driver = (*Device)(nil)

// NewDevice creates an Uninitialized device bound to port and model.
// Unknown models are rejected with ErrUnknownDevice.
func NewDevice(port string, model Model, opts Options) (*Device, error) {
	if !model.Known() {
		return nil, fmt.Errorf("%w: model byte 0x%02x", ErrUnknownDevice, byte(model))
	}
	if port == "" {
		return nil, fmt.Errorf("icse: port is required")
	}

	timing := opts.Timing
	if timing == (Timing{}) {
		timing = DefaultTiming()
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	return &Device{
		port:       port,
		model:      model,
		opener:     opts.Opener,
		timing:     timing,
		unanswered: opts.Unanswered,
		logger:     logger,
	}, nil
}

// ID returns the port name, which identifies the device.
func (d *Device) ID() string { return d.port }

// Port returns the serial port the device is bound to.
func (d *Device) Port() string { return d.port }

// Model returns the configured model.
func (d *Device) Model() Model { return d.model }

// State returns the current connection state.
func (d *Device) State() State { return State(d.state.Load()) }

// Register returns the relay register as last written to the device.
func (d *Device) Register() uint8 { return uint8(d.register.Load()) }

// Name returns "<product>@<port>", e.g. "ICSE012A@COM3".
func (d *Device) Name() string {
	return d.model.Name() + "@" + d.port
}

// Info returns a one-line description, e.g. "ICSE012A@COM3 with 4 relays".
func (d *Device) Info() string {
	return fmt.Sprintf("%s with %d relays", d.Name(), d.model.RelayCount())
}

// String implements fmt.Stringer.
func (d *Device) String() string { return d.Name() }

// Init runs the identification handshake and leaves the device Ready.
//
// A device that stays silent is assumed to be listening already unless the
// unanswered policy is FailUnanswered. ctx is only checked before the
// handshake starts; a handshake in progress runs to completion.
func (d *Device) Init(ctx context.Context) (relay.InitOutcome, error) {
	if !d.checkout() {
		return relay.OutcomeIdentified, ErrDeviceBusy
	}
	defer d.release()

	if d.State() == StateReady {
		return relay.OutcomeIdentified, ErrAlreadyInitialized
	}
	if err := ctx.Err(); err != nil {
		return relay.OutcomeIdentified, err
	}
	if d.opener == nil {
		return relay.OutcomeIdentified, ErrNoOpener
	}

	d.closeConn()
	d.setState(StateInitializing)

	conn, err := d.opener.Open(d.port)
	if err != nil {
		return d.fail(fmt.Errorf("%w: opening %s: %w", ErrTransport, d.port, err))
	}
	d.conn = conn

	answer, err := Identify(conn, d.timing)
	if err != nil {
		return d.fail(err)
	}

	if len(answer) == 0 {
		if d.unanswered == FailUnanswered {
			return d.fail(fmt.Errorf("%w: %s", ErrNoAnswer, d.port))
		}
		d.logger.Warn("device did not answer identification, assuming it is already listening",
			"port", d.port,
			"model", d.model.Name(),
		)
		d.setState(StateReady)
		return relay.OutcomeAssumedListening, nil
	}

	reported, err := ParseModel(answer[0])
	if err != nil {
		return d.fail(err)
	}
	if reported != d.model {
		d.logger.Warn("device reported a different model, keeping configured model",
			"port", d.port,
			"configured", d.model.Name(),
			"reported", reported.Name(),
		)
	}

	if err := writeByte(conn, CmdReady); err != nil {
		return d.fail(err)
	}
	time.Sleep(d.timing.SettleDelay)

	d.setState(StateReady)
	d.logger.Debug("device ready", "device", d.Name())
	return relay.OutcomeIdentified, nil
}

// RelayCount returns the number of relays. The device must be Ready.
func (d *Device) RelayCount() (int, error) {
	if !d.model.Known() {
		return 0, ErrUnknownDevice
	}
	if d.State() != StateReady {
		return 0, fmt.Errorf("%w: %s", ErrNotInitialized, d.Name())
	}
	return d.model.RelayCount(), nil
}

// SwitchRelay sets or clears one relay and writes the full register.
// The stored register changes only after a successful write.
func (d *Device) SwitchRelay(index int, enabled bool) error {
	if !d.checkout() {
		return ErrDeviceBusy
	}
	defer d.release()

	if d.State() != StateReady {
		return fmt.Errorf("%w: %s", ErrNotInitialized, d.Name())
	}
	if index < 0 || index >= d.model.RelayCount() {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrRelayIndexOutOfRange, index, d.model.RelayCount())
	}

	current := d.Register()
	next := current &^ (1 << uint(index))
	if enabled {
		next = current | (1 << uint(index))
	}

	if d.timing.SwitchDelay > 0 {
		time.Sleep(d.timing.SwitchDelay)
	}
	if err := writeByte(d.conn, next); err != nil {
		return err
	}

	d.register.Store(uint32(next))
	return nil
}

// Close releases the transport and returns the device to Uninitialized with
// a cleared register. Closing an Uninitialized device is a no-op.
func (d *Device) Close() error {
	if !d.checkout() {
		return ErrDeviceBusy
	}
	defer d.release()

	err := d.closeConn()
	d.register.Store(0)
	d.setState(StateUninitialized)
	if err != nil {
		return fmt.Errorf("%w: closing %s: %w", ErrTransport, d.port, err)
	}
	return nil
}

func (d *Device) fail(err error) (relay.InitOutcome, error) {
	if cerr := d.closeConn(); cerr != nil {
		d.logger.Debug("closing transport after failure", "port", d.port, "error", cerr)
	}
	d.setState(StateFailed)
	return relay.OutcomeIdentified, err
}

// closeConn must be called with the device checked out.
func (d *Device) closeConn() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *Device) setState(s State) { d.state.Store(int32(s)) }

func (d *Device) checkout() bool { return d.busy.CompareAndSwap(false, true) }

func (d *Device) release() { d.busy.Store(false) }
