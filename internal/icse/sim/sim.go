// Package sim provides simulated ICSE0XXA boards behind the icse.Opener
// interface.
//
// A Bus holds boards keyed by port name. Each Board emulates the firmware:
// in identification mode it answers IDENTIFY with its model byte and switches
// to listening mode on READY; in listening mode every received byte becomes
// the relay register. Faults can be injected per board to exercise transport
// error paths. relayctl uses a Bus for its --simulate mode and the test
// suites use it in place of hardware.
package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/powertime-core/internal/icse"
)

// ErrInjected is the cause returned by injected faults.
var ErrInjected = errors.New("sim: injected fault")

// ErrNoSuchPort is returned when opening a port with no board attached.
var ErrNoSuchPort = errors.New("sim: no such port")

// ErrPortInUse is returned when a board already has an open connection.
var ErrPortInUse = errors.New("sim: port in use")

// Faults selects injected failures for a board.
type Faults struct {
	Open       bool // Open fails
	Write      bool // every Write fails
	Read       bool // every Read fails
	ShortWrite bool // Write reports 0 bytes written
	Close      bool // Close fails
}

// Board is one simulated relay module.
type Board struct {
	mu        sync.Mutex
	answer    byte
	silent    bool
	listening bool
	register  byte
	pending   []byte
	written   []byte
	open      bool
	opens     int
	faults    Faults
}

// NewBoard returns a board in identification mode answering with model.
func NewBoard(model icse.Model) *Board {
	return &Board{answer: byte(model)}
}

// NewRawBoard returns a board answering IDENTIFY with an arbitrary byte.
func NewRawBoard(answer byte) *Board {
	return &Board{answer: answer}
}

// NewSilentBoard returns a board that never answers IDENTIFY, as a module
// that was already switched into listening mode behaves.
func NewSilentBoard() *Board {
	return &Board{silent: true, listening: true}
}

// SetFaults replaces the injected faults.
func (b *Board) SetFaults(f Faults) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = f
}

// Listening reports whether the board is in relay-control mode.
func (b *Board) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listening
}

// Register returns the last register byte received in listening mode.
func (b *Board) Register() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.register
}

// Written returns a copy of every byte the board received.
func (b *Board) Written() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.written))
	copy(out, b.written)
	return out
}

// Opens returns how many times the board was opened.
func (b *Board) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// IsOpen reports whether a connection to the board is open.
func (b *Board) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// PowerCycle returns the board to identification mode with a cleared register.
func (b *Board) PowerCycle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listening = b.silent
	b.register = 0
	b.pending = nil
}

func (b *Board) receive(p byte) {
	b.written = append(b.written, p)
	if b.listening {
		b.register = p
		return
	}
	switch p {
	case icse.CmdIdentify:
		if !b.silent {
			b.pending = append(b.pending, b.answer)
		}
	case icse.CmdReady:
		b.listening = true
		b.pending = nil
	}
}

// Bus is a set of simulated boards addressed by port name. It implements
// icse.Opener and lists its ports for discovery.
type Bus struct {
	mu     sync.Mutex
	boards map[string]*Board
}

// Compile-time check that Bus satisfies icse.Opener.
var _ icse.Opener = (*Bus)(nil)

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{boards: make(map[string]*Board)}
}

// Attach connects a board to a port, replacing any previous board.
func (s *Bus) Attach(port string, b *Board) *Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boards[port] = b
	return b
}

// Detach removes the board on port.
func (s *Bus) Detach(port string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.boards, port)
}

// Board returns the board attached to port, or nil.
func (s *Bus) Board(port string) *Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boards[port]
}

// Ports returns the attached port names in sorted order.
func (s *Bus) Ports() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ports := make([]string, 0, len(s.boards))
	for p := range s.boards {
		ports = append(ports, p)
	}
	sort.Strings(ports)
	return ports, nil
}

// Open opens a connection to the board on port.
func (s *Bus) Open(port string) (icse.Conn, error) {
	b := s.Board(port)
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPort, port)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.faults.Open {
		return nil, ErrInjected
	}
	if b.open {
		return nil, fmt.Errorf("%w: %s", ErrPortInUse, port)
	}
	b.open = true
	b.opens++
	b.pending = nil
	return &conn{board: b}, nil
}

type conn struct {
	board  *Board
	closed bool
}

func (c *conn) Write(p []byte) (int, error) {
	b := c.board
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return 0, errors.New("sim: write on closed connection")
	}
	if b.faults.Write {
		return 0, ErrInjected
	}
	if b.faults.ShortWrite {
		return 0, nil
	}
	for _, x := range p {
		b.receive(x)
	}
	return len(p), nil
}

func (c *conn) Read(maxLen int, _ time.Duration) ([]byte, error) {
	b := c.board
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, errors.New("sim: read on closed connection")
	}
	if b.faults.Read {
		return nil, ErrInjected
	}
	n := min(maxLen, len(b.pending))
	out := append([]byte(nil), b.pending[:n]...)
	b.pending = b.pending[n:]
	return out, nil
}

func (c *conn) Close() error {
	b := c.board
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	b.open = false
	if b.faults.Close {
		return ErrInjected
	}
	return nil
}
