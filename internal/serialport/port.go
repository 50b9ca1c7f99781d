// Package serialport connects the ICSE driver to real serial ports through
// go.bug.st/serial.
//
// Opener implements icse.Opener, Enumerator lists candidate ports for
// discovery, and Recorder writes an optional CBOR trace of every byte
// exchanged with the devices.
package serialport

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/nerrad567/powertime-core/internal/icse"
)

// Default line settings for ICSE0XXA modules.
const (
	DefaultBaudRate = 9600
	DefaultDataBits = 8
)

// Config holds serial line settings.
type Config struct {
	BaudRate int
	DataBits int
}

// DefaultConfig returns 9600 baud 8N1.
func DefaultConfig() Config {
	return Config{
		BaudRate: DefaultBaudRate,
		DataBits: DefaultDataBits,
	}
}

func (c Config) mode() *serial.Mode {
	baud := c.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	bits := c.DataBits
	if bits == 0 {
		bits = DefaultDataBits
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: bits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Opener opens OS serial ports.
type Opener struct {
	cfg  Config
	open func(name string, mode *serial.Mode) (serial.Port, error)
}

// Compile-time check that Opener satisfies icse.Opener.
var _ icse.Opener = (*Opener)(nil)

// NewOpener returns an Opener using cfg for every port.
func NewOpener(cfg Config) *Opener {
	return &Opener{cfg: cfg, open: serial.Open}
}

// Open opens the named port.
func (o *Opener) Open(name string) (icse.Conn, error) {
	p, err := o.open(name, o.cfg.mode())
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", name, err)
	}
	// Discard anything left in the buffer by a previous session.
	if err := p.ResetInputBuffer(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("resetting input buffer on %s: %w", name, err)
	}
	return &Port{name: name, port: p}, nil
}

// Port is an open serial port.
type Port struct {
	name   string
	port   serial.Port
	closed atomic.Bool
}

// Name returns the OS port name.
func (p *Port) Name() string { return p.name }

// Write writes p to the port.
func (p *Port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Read reads up to maxLen bytes, waiting at most timeout in total. A timeout
// with nothing received returns an empty slice and a nil error.
func (p *Port) Read(maxLen int, timeout time.Duration) ([]byte, error) {
	if maxLen <= 0 {
		return []byte{}, nil
	}

	buf := make([]byte, maxLen)
	got := 0
	deadline := time.Now().Add(timeout)
	for got < maxLen {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := p.port.SetReadTimeout(remaining); err != nil {
			return nil, fmt.Errorf("setting read timeout on %s: %w", p.name, err)
		}
		n, err := p.port.Read(buf[got:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		got += n
	}
	return buf[:got], nil
}

// Close closes the port. Closing twice is not an error, and the OS port is
// closed once.
func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.port.Close()
	var perr *serial.PortError
	if errors.As(err, &perr) && perr.Code() == serial.PortClosed {
		return nil
	}
	return err
}
