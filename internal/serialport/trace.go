package serialport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/powertime-core/internal/icse"
)

// Direction tags a trace event.
type Direction string

// Trace directions.
const (
	DirOpen  Direction = "open"
	DirWrite Direction = "tx"
	DirRead  Direction = "rx"
	DirClose Direction = "close"
)

// TraceEvent is one recorded transport operation.
type TraceEvent struct {
	Time time.Time `cbor:"1,keyasint"`
	Port string    `cbor:"2,keyasint"`
	Dir  Direction `cbor:"3,keyasint"`
	Data []byte    `cbor:"4,keyasint,omitempty"`
	Err  string    `cbor:"5,keyasint,omitempty"`
}

var (
	traceEncMode cbor.EncMode
	traceDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	traceEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("serialport: trace encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	traceDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("serialport: trace decoder mode: %v", err))
	}
}

// Recorder appends TraceEvents to a writer. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	enc    *cbor.Encoder
	closed bool
	now    func() time.Time
}

// NewRecorder records to w.
func NewRecorder(w io.Writer) *Recorder {
	r := &Recorder{w: w, enc: traceEncMode.NewEncoder(w), now: time.Now}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// OpenRecorder appends to the trace file at path, creating it if needed.
func OpenRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	return NewRecorder(f), nil
}

// Close closes the underlying file if the recorder owns one. Later events
// are dropped.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// record is a no-op on a nil recorder. Encoding errors are dropped so that
// tracing never disturbs device traffic.
func (r *Recorder) record(port string, dir Direction, data []byte, err error) {
	if r == nil {
		return
	}
	ev := TraceEvent{Port: port, Dir: dir}
	if len(data) > 0 {
		ev.Data = append([]byte(nil), data...)
	}
	if err != nil {
		ev.Err = err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	ev.Time = r.now()
	_ = r.enc.Encode(ev)
}

// ReadTrace decodes every event from r.
func ReadTrace(r io.Reader) ([]TraceEvent, error) {
	dec := traceDecMode.NewDecoder(r)
	var events []TraceEvent
	for {
		var ev TraceEvent
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return events, fmt.Errorf("decoding trace event %d: %w", len(events), err)
		}
		events = append(events, ev)
	}
}

// TraceOpener wraps an opener so that every connection it returns is
// recorded to rec. A nil rec returns opener unchanged.
func TraceOpener(opener icse.Opener, rec *Recorder) icse.Opener {
	if rec == nil {
		return opener
	}
	return &tracingOpener{next: opener, rec: rec}
}

type tracingOpener struct {
	next icse.Opener
	rec  *Recorder
}

func (o *tracingOpener) Open(port string) (icse.Conn, error) {
	conn, err := o.next.Open(port)
	o.rec.record(port, DirOpen, nil, err)
	if err != nil {
		return nil, err
	}
	return &tracedConn{port: port, conn: conn, rec: o.rec}, nil
}

type tracedConn struct {
	port string
	conn icse.Conn
	rec  *Recorder
}

func (c *tracedConn) Write(p []byte) (int, error) {
	n, err := c.conn.Write(p)
	c.rec.record(c.port, DirWrite, p[:max(n, 0)], err)
	return n, err
}

func (c *tracedConn) Read(maxLen int, timeout time.Duration) ([]byte, error) {
	data, err := c.conn.Read(maxLen, timeout)
	c.rec.record(c.port, DirRead, data, err)
	return data, err
}

func (c *tracedConn) Close() error {
	err := c.conn.Close()
	c.rec.record(c.port, DirClose, nil, err)
	return err
}
