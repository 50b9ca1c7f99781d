// Package discovery finds ICSE0XXA modules by probing serial ports.
//
// Each candidate port is opened, sent IDENTIFY and closed again. READY is
// never sent, so a discovered module stays in identification mode until the
// plugin activates it.
package discovery

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/nerrad567/powertime-core/internal/icse"
)

// DefaultOpenDelay gives boards that reset on port open time to boot before
// they are probed.
const DefaultOpenDelay = 500 * time.Millisecond

// PortLister supplies candidate port names at scan time.
type PortLister interface {
	Ports() ([]string, error)
}

// PortListerFunc adapts a function to PortLister.
type PortListerFunc func() ([]string, error)

// Ports calls f().
func (f PortListerFunc) Ports() ([]string, error) { return f() }

// Logger is the logging interface used by Scanner.
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

// Options configures a Scanner.
type Options struct {
	// Lister enumerates candidate ports. Required.
	Lister PortLister

	// Opener opens probe transports. Required.
	Opener icse.Opener

	// Timing holds the IDENTIFY settle delay and read timeout. The zero
	// value selects icse.DefaultTiming().
	Timing icse.Timing

	// OpenDelay is waited after opening a port and before IDENTIFY.
	// Negative disables it; zero selects DefaultOpenDelay.
	OpenDelay time.Duration

	// Include limits probing to ports matching one of these glob patterns.
	// Empty means every port.
	Include []string

	// Exclude skips ports matching any of these glob patterns.
	Exclude []string

	// Device is applied to every discovered device. Its Opener defaults to
	// the scanner's Opener.
	Device icse.Options
}

// Failure records a port whose probe failed.
type Failure struct {
	Port string
	Err  error
}

// Error implements error.
func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Port, f.Err)
}

// Unwrap returns the probe error.
func (f Failure) Unwrap() error { return f.Err }

// Result is the outcome of a scan. An empty Devices list is a normal result.
type Result struct {
	// Devices are Uninitialized handles in port order.
	Devices []*icse.Device

	// Failures are ports whose probe failed with a transport error or an
	// unknown model byte.
	Failures []Failure

	// Silent are ports that accepted IDENTIFY but never answered.
	Silent []string

	// Probed are the ports that were probed after filtering.
	Probed []string
}

// Empty reports whether no device was found.
func (r Result) Empty() bool { return len(r.Devices) == 0 }

// Scanner probes serial ports for ICSE0XXA modules.
type Scanner struct {
	opts   Options
	logger Logger
}

// NewScanner creates a Scanner.
func NewScanner(opts Options) (*Scanner, error) {
	if opts.Lister == nil {
		return nil, fmt.Errorf("discovery: port lister is required")
	}
	if opts.Opener == nil {
		return nil, fmt.Errorf("discovery: opener is required")
	}
	for _, p := range append(append([]string{}, opts.Include...), opts.Exclude...) {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("discovery: invalid port pattern %q: %w", p, err)
		}
	}
	if opts.Timing == (icse.Timing{}) {
		opts.Timing = icse.DefaultTiming()
	}
	if opts.OpenDelay == 0 {
		opts.OpenDelay = DefaultOpenDelay
	}
	if opts.Device.Opener == nil {
		opts.Device.Opener = opts.Opener
	}
	if opts.Device.Timing == (icse.Timing{}) {
		opts.Device.Timing = opts.Timing
	}
	return &Scanner{opts: opts, logger: noopLogger{}}, nil
}

// SetLogger sets the logger for the scanner.
func (s *Scanner) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// Scan probes every candidate port in order. Only a failure to list ports
// or cancellation of ctx returns an error; cancellation is checked between
// ports and the partial result is returned with ctx.Err().
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	var res Result

	ports, err := s.opts.Lister.Ports()
	if err != nil {
		return res, fmt.Errorf("discovery: listing ports: %w", err)
	}
	ports = s.filter(ports)
	s.logger.Info("scanning serial ports", "ports", ports)

	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Probed = append(res.Probed, port)

		model, answered, err := s.probe(port)
		switch {
		case err != nil:
			s.logger.Warn("probe failed", "port", port, "error", err)
			res.Failures = append(res.Failures, Failure{Port: port, Err: err})
		case !answered:
			s.logger.Debug("no answer to identification", "port", port)
			res.Silent = append(res.Silent, port)
		default:
			dev, err := icse.NewDevice(port, model, s.opts.Device)
			if err != nil {
				res.Failures = append(res.Failures, Failure{Port: port, Err: err})
				continue
			}
			s.logger.Info("device found", "device", dev.Name())
			res.Devices = append(res.Devices, dev)
		}
	}

	s.logger.Info("scan complete",
		"devices", len(res.Devices),
		"failures", len(res.Failures),
		"silent", len(res.Silent),
	)
	return res, nil
}

// probe opens port, identifies and always closes the transport.
func (s *Scanner) probe(port string) (icse.Model, bool, error) {
	conn, err := s.opts.Opener.Open(port)
	if err != nil {
		return icse.ModelUnknown, false, fmt.Errorf("%w: opening %s: %w", icse.ErrTransport, port, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			s.logger.Debug("closing probe transport", "port", port, "error", cerr)
		}
	}()

	if s.opts.OpenDelay > 0 {
		time.Sleep(s.opts.OpenDelay)
	}

	answer, err := icse.Identify(conn, s.opts.Timing)
	if err != nil {
		return icse.ModelUnknown, false, err
	}
	if len(answer) == 0 {
		return icse.ModelUnknown, false, nil
	}

	model, err := icse.ParseModel(answer[0])
	if err != nil {
		return icse.ModelUnknown, true, err
	}
	return model, true, nil
}

func (s *Scanner) filter(ports []string) []string {
	out := make([]string, 0, len(ports))
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		if seen[p] {
			continue
		}
		seen[p] = true
		if len(s.opts.Include) > 0 && !matchAny(s.opts.Include, p) {
			continue
		}
		if matchAny(s.opts.Exclude, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
	}
	return false
}
