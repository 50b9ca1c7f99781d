package interactive

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/powertime-core/internal/icse"
	"github.com/nerrad567/powertime-core/internal/icse/sim"
	"github.com/nerrad567/powertime-core/internal/infrastructure/config"
	"github.com/nerrad567/powertime-core/internal/plugin"
	"github.com/nerrad567/powertime-core/internal/plugin/icse0xxa"
	"github.com/nerrad567/powertime-core/internal/registry"
)

type testConsole struct {
	*Console
	bus  *sim.Bus
	buf  *bytes.Buffer
	p    *icse0xxa.Plugin
	hist []plugin.SwitchEvent
}

func newTestConsole(t *testing.T) *testConsole {
	t.Helper()
	bus := sim.NewBus()
	bus.Attach("COM3", sim.NewBoard(icse.Model4Relay))
	bus.Attach("COM5", sim.NewBoard(icse.Model2Relay))

	cfg := config.Default()
	cfg.Serial.ReadTimeout = time.Millisecond
	cfg.Serial.SettleDelay = 0
	cfg.Serial.SwitchDelay = 0
	cfg.Discovery.OpenDelay = -1
	cfg.Discovery.Fallback = false

	store := registry.NewYAMLStore(filepath.Join(t.TempDir(), "devices.yaml"))
	deps, opts, err := icse0xxa.Setup(cfg, icse0xxa.Hardware{Lister: bus, Opener: bus}, store, "test", nil)
	if err != nil {
		t.Fatal(err)
	}
	p, err := icse0xxa.New(deps, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Deactivate() }) //nolint:errcheck // Test cleanup

	buf := &bytes.Buffer{}
	tc := &testConsole{Console: &Console{plugin: p, out: buf}, bus: bus, buf: buf, p: p}
	p.AddSwitchListener(func(ev plugin.SwitchEvent) { tc.hist = append(tc.hist, ev) })
	return tc
}

// run executes line and returns the output it produced.
func (tc *testConsole) run(line string) string {
	tc.buf.Reset()
	tc.Execute(context.Background(), line)
	return tc.buf.String()
}

func TestConsole_ScanSaveActivateSwitch(t *testing.T) {
	tc := newTestConsole(t)

	if out := tc.run("activate"); !strings.Contains(out, "Activation failed") {
		t.Errorf("activate with no devices: %q", out)
	}

	out := tc.run("scan")
	if !strings.Contains(out, "found   COM3") || !strings.Contains(out, "ICSE013A") {
		t.Errorf("scan output: %q", out)
	}
	if out := tc.run("save"); !strings.Contains(out, "Saved 2 device(s)") {
		t.Errorf("save output: %q", out)
	}
	if out := tc.run("devices"); !strings.Contains(out, "1. COM3") || !strings.Contains(out, "2. COM5") {
		t.Errorf("devices output: %q", out)
	}

	if out := tc.run("activate"); !strings.Contains(out, "Active with 6 channel(s)") {
		t.Fatalf("activate output: %q", out)
	}
	if out := tc.run("switch 5 1"); out != "Channel 5 on\n" {
		t.Errorf("switch output: %q", out)
	}
	if got := tc.bus.Board("COM5").Register(); got != 0x02 {
		t.Errorf("COM5 register = %#02x, want 0x02", got)
	}
	if out := tc.run("toggle 5"); out != "Channel 5 off\n" {
		t.Errorf("toggle output: %q", out)
	}
	if len(tc.hist) != 2 || tc.hist[0].Origin != consoleOrigin {
		t.Errorf("switch events = %+v", tc.hist)
	}

	out = tc.run("channels")
	if !strings.Contains(out, "CHANNEL") || strings.Count(out, "\n") != 7 {
		t.Errorf("channels output: %q", out)
	}
	if out := tc.run("info"); !strings.Contains(out, "(active)") {
		t.Errorf("info output: %q", out)
	}
	if out := tc.run("scan"); !strings.Contains(out, "deactivate before scanning") {
		t.Errorf("scan while active: %q", out)
	}
	if out := tc.run("deactivate"); out != "Deactivated\n" {
		t.Errorf("deactivate output: %q", out)
	}
	if out := tc.run("channels"); !strings.Contains(out, "not active") {
		t.Errorf("channels while inactive: %q", out)
	}
}

func TestConsole_PartialActivationListsFailureOnce(t *testing.T) {
	tc := newTestConsole(t)
	tc.bus.Attach("COM4", sim.NewRawBoard(0x42))

	if out := tc.run("save COM3=ab COM4=ab"); !strings.Contains(out, "Saved 2") {
		t.Fatalf("save output: %q", out)
	}
	out := tc.run("activate")
	if !strings.Contains(out, "Active with 4 channel(s)") {
		t.Fatalf("activate output: %q", out)
	}
	if n := strings.Count(out, "failed  COM4"); n != 1 {
		t.Errorf("COM4 failure printed %d times: %q", n, out)
	}
	if strings.Contains(out, "warning") {
		t.Errorf("failure repeated as a warning: %q", out)
	}
}

func TestConsole_SaveExplicitList(t *testing.T) {
	tc := newTestConsole(t)

	if out := tc.run("save COM5=0xad COM3=ab"); !strings.Contains(out, "Saved 2") {
		t.Fatalf("save output: %q", out)
	}
	entries, _, err := tc.p.Devices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Port != "COM5" || entries[1].Model != icse.Model4Relay {
		t.Errorf("entries = %+v", entries)
	}
}

func TestConsole_InvalidInput(t *testing.T) {
	tc := newTestConsole(t)

	tests := []struct {
		line string
		want string
	}{
		{"switch", "Usage: switch"},
		{"switch x 1", "invalid channel"},
		{"switch -1 1", "invalid channel"},
		{"switch 0 maybe", "invalid state"},
		{"switch 0 1", "Switch failed"},
		{"toggle 0", "not active"},
		{"save", "Nothing to save"},
		{"save COM3", "not port=model"},
		{"save COM3=0x99", "unknown"},
		{"frobnicate", "Unknown command: frobnicate"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			if out := tc.run(tt.line); !strings.Contains(out, tt.want) {
				t.Errorf("%q output = %q, want it to contain %q", tt.line, out, tt.want)
			}
		})
	}
}

func TestConsole_Quit(t *testing.T) {
	tc := newTestConsole(t)
	for _, line := range []string{"quit", "exit", "q", "  QUIT  "} {
		if !tc.Execute(context.Background(), line) {
			t.Errorf("Execute(%q) did not quit", line)
		}
	}
	if tc.Execute(context.Background(), "") {
		t.Error("empty line quit")
	}
}
