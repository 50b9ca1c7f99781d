package icse

import (
	"fmt"
	"time"
)

// Wire commands.
const (
	// CmdIdentify asks the device for its one-byte model identifier.
	CmdIdentify byte = 0x50

	// CmdReady switches the device into relay-control mode.
	CmdReady byte = 0x51
)

// Default protocol timings. The device firmware needs the settle delay to
// answer IDENTIFY and to process READY.
const (
	DefaultReadTimeout = time.Second
	DefaultSettleDelay = 500 * time.Millisecond
	DefaultSwitchDelay = 10 * time.Millisecond
)

// Conn is an open serial transport to one device.
//
// Read blocks for at most timeout and returns an empty slice, not an error,
// when nothing arrived.
type Conn interface {
	Write(p []byte) (int, error)
	Read(maxLen int, timeout time.Duration) ([]byte, error)
	Close() error
}

// Opener opens transports by port name.
type Opener interface {
	Open(port string) (Conn, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(port string) (Conn, error)

// Open calls f(port).
func (f OpenerFunc) Open(port string) (Conn, error) {
	return f(port)
}

// Timing holds the protocol delays and the per-read timeout.
type Timing struct {
	// ReadTimeout bounds each read of the identification reply.
	ReadTimeout time.Duration

	// SettleDelay is the single blocking wait after IDENTIFY and after READY.
	SettleDelay time.Duration

	// SwitchDelay is an optional pause before each register write.
	SwitchDelay time.Duration
}

// DefaultTiming returns the timings used by the reference firmware.
func DefaultTiming() Timing {
	return Timing{
		ReadTimeout: DefaultReadTimeout,
		SettleDelay: DefaultSettleDelay,
		SwitchDelay: DefaultSwitchDelay,
	}
}

// Identify sends IDENTIFY on an open transport, waits the settle delay and
// reads the reply. The returned slice is empty when the device stayed
// silent; it never holds more than one byte. Failures wrap ErrTransport.
func Identify(conn Conn, timing Timing) ([]byte, error) {
	if err := writeByte(conn, CmdIdentify); err != nil {
		return nil, err
	}

	time.Sleep(timing.SettleDelay)

	answer, err := conn.Read(1, timing.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: reading identification: %w", ErrTransport, err)
	}
	if len(answer) > 1 {
		answer = answer[:1]
	}
	return answer, nil
}

// writeByte writes a single byte, treating a short write as a transport failure.
func writeByte(conn Conn, b byte) error {
	n, err := conn.Write([]byte{b})
	if err != nil {
		return fmt.Errorf("%w: writing 0x%02x: %w", ErrTransport, b, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: short write of 0x%02x", ErrTransport, b)
	}
	return nil
}
