package serialport

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
)

// fakePort serves reads from queued chunks. An empty queue behaves like a
// read timeout unless readErr is set.
type fakePort struct {
	mu         sync.Mutex
	chunks     [][]byte
	readErr    error
	timeoutErr error
	resetErr   error
	reads      int
	timeouts   []time.Duration
	resets     int
	closes     int
	written    []byte
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if len(f.chunks) == 0 {
		return 0, f.readErr
	}
	n := copy(p, f.chunks[0])
	if n < len(f.chunks[0]) {
		f.chunks[0] = f.chunks[0][n:]
	} else {
		f.chunks = f.chunks[1:]
	}
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakePort) SetReadTimeout(t time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, t)
	return f.timeoutErr
}

func (f *fakePort) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.resetErr
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakePort) SetMode(*serial.Mode) error { return nil }
func (f *fakePort) Drain() error { return nil }
func (f *fakePort) ResetOutputBuffer() error { return nil }
func (f *fakePort) SetDTR(bool) error { return nil }
func (f *fakePort) SetRTS(bool) error { return nil }
func (f *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) { return &serial.ModemStatusBits{}, nil }
func (f *fakePort) Break(time.Duration) error { return nil }

func TestPortRead(t *testing.T) {
	tests := []struct {
		name    string
		chunks  [][]byte
		maxLen  int
		timeout time.Duration
		want    []byte
		left    int // chunks still queued afterwards
	}{
		{
			name:    "timeout with nothing received",
			maxLen:  1,
			timeout: 20 * time.Millisecond,
			want:    []byte{},
		},
		{
			name:    "identify reply in one chunk",
			chunks:  [][]byte{{0xAB}},
			maxLen:  1,
			timeout: time.Second,
			want:    []byte{0xAB},
		},
		{
			name:    "reply split across reads",
			chunks:  [][]byte{{0x01}, {0x02, 0x03}},
			maxLen:  3,
			timeout: time.Second,
			want:    []byte{0x01, 0x02, 0x03},
		},
		{
			name:    "short reply then timeout",
			chunks:  [][]byte{{0xAB}},
			maxLen:  4,
			timeout: 20 * time.Millisecond,
			want:    []byte{0xAB},
		},
		{
			name:    "capped at maxLen",
			chunks:  [][]byte{{0x01, 0x02, 0x03, 0x04}},
			maxLen:  2,
			timeout: time.Second,
			want:    []byte{0x01, 0x02},
			left:    1,
		},
		{
			name:    "zero maxLen",
			chunks:  [][]byte{{0x01}},
			maxLen:  0,
			timeout: time.Second,
			want:    []byte{},
			left:    1,
		},
		{
			name:    "zero timeout",
			chunks:  [][]byte{{0x01}},
			maxLen:  1,
			timeout: 0,
			want:    []byte{},
			left:    1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := &fakePort{chunks: tt.chunks}
			p := &Port{name: "COM3", port: fp}

			got, err := p.Read(tt.maxLen, tt.timeout)
			if err != nil {
				t.Fatalf("Read() error: %v", err)
			}
			if got == nil || !bytes.Equal(got, tt.want) {
				t.Errorf("Read() = %#v, want %#v", got, tt.want)
			}
			if len(fp.chunks) != tt.left {
				t.Errorf("%d chunks left unread, want %d", len(fp.chunks), tt.left)
			}
			for _, d := range fp.timeouts {
				if d <= 0 || d > tt.timeout {
					t.Errorf("SetReadTimeout(%v) outside (0, %v]", d, tt.timeout)
				}
			}
		})
	}
}

func TestPortRead_Errors(t *testing.T) {
	errUnplugged := errors.New("device disconnected")

	t.Run("read", func(t *testing.T) {
		fp := &fakePort{chunks: [][]byte{{0xAB}}, readErr: errUnplugged}
		p := &Port{name: "COM3", port: fp}
		got, err := p.Read(2, time.Second)
		if !errors.Is(err, errUnplugged) {
			t.Errorf("Read() error = %v, want %v", err, errUnplugged)
		}
		if got != nil {
			t.Errorf("Read() = %#v with an error", got)
		}
	})

	t.Run("set timeout", func(t *testing.T) {
		fp := &fakePort{timeoutErr: errUnplugged}
		p := &Port{name: "COM3", port: fp}
		_, err := p.Read(1, time.Second)
		if !errors.Is(err, errUnplugged) || !strings.Contains(err.Error(), "COM3") {
			t.Errorf("Read() error = %v", err)
		}
		if fp.reads != 0 {
			t.Errorf("port read %d times after the timeout could not be set", fp.reads)
		}
	})
}

func TestPortClose_Twice(t *testing.T) {
	fp := &fakePort{}
	p := &Port{name: "COM3", port: fp}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if fp.closes != 1 {
		t.Errorf("OS port closed %d times, want 1", fp.closes)
	}
}

func TestPortWrite(t *testing.T) {
	fp := &fakePort{}
	p := &Port{name: "COM3", port: fp}
	if n, err := p.Write([]byte{0x50, 0x51}); err != nil || n != 2 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if !bytes.Equal(fp.written, []byte{0x50, 0x51}) {
		t.Errorf("written = % x", fp.written)
	}
	if p.Name() != "COM3" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestOpenerOpen(t *testing.T) {
	fp := &fakePort{}
	var gotName string
	var gotMode *serial.Mode
	o := NewOpener(Config{})
	o.open = func(name string, mode *serial.Mode) (serial.Port, error) {
		gotName, gotMode = name, mode
		return fp, nil
	}

	conn, err := o.Open("/dev/ttyUSB0")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if gotName != "/dev/ttyUSB0" {
		t.Errorf("opened %q", gotName)
	}
	want := serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	if *gotMode != want {
		t.Errorf("mode = %+v, want %+v", *gotMode, want)
	}
	if fp.resets != 1 {
		t.Errorf("input buffer reset %d times, want 1", fp.resets)
	}
	if p, ok := conn.(*Port); !ok || p.Name() != "/dev/ttyUSB0" {
		t.Errorf("Open() = %#v", conn)
	}
}

func TestOpenerOpen_Errors(t *testing.T) {
	errBusy := errors.New("port busy")

	t.Run("open", func(t *testing.T) {
		o := NewOpener(DefaultConfig())
		o.open = func(string, *serial.Mode) (serial.Port, error) { return nil, errBusy }
		if _, err := o.Open("COM3"); !errors.Is(err, errBusy) || !strings.Contains(err.Error(), "COM3") {
			t.Errorf("Open() error = %v", err)
		}
	})

	t.Run("reset closes the port", func(t *testing.T) {
		fp := &fakePort{resetErr: errBusy}
		o := NewOpener(DefaultConfig())
		o.open = func(string, *serial.Mode) (serial.Port, error) { return fp, nil }
		if _, err := o.Open("COM3"); !errors.Is(err, errBusy) {
			t.Errorf("Open() error = %v", err)
		}
		if fp.closes != 1 {
			t.Errorf("port closed %d times after a failed reset, want 1", fp.closes)
		}
	})
}
