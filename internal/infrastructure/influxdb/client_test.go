package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/powertime-core/internal/infrastructure/config"
	"github.com/nerrad567/powertime-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/powertime-core/internal/plugin"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu      sync.Mutex
	lines   []string
	queries []string
	pingErr bool
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/ping"):
		if f.pingErr {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case strings.HasSuffix(r.URL.Path, "/api/v2/write"):
		body, _ := io.ReadAll(r.Body) //nolint:errcheck // test server
		f.mu.Lock()
		f.queries = append(f.queries, r.URL.RawQuery)
		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if line != "" {
				f.lines = append(f.lines, line)
			}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func newServer(t *testing.T) (*fakeInflux, config.InfluxDBConfig) {
	t.Helper()
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, config.InfluxDBConfig{
		Enabled:       true,
		URL:           srv.URL,
		Token:         "test-token",
		Org:           "powertime",
		Bucket:        "relays",
		BatchSize:     10,
		FlushInterval: time.Hour,
	}
}

func TestConnect_Disabled(t *testing.T) {
	_, err := influxdb.Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_PingFails(t *testing.T) {
	fake, cfg := newServer(t)
	fake.pingErr = true
	if _, err := influxdb.Connect(cfg); !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWriteSwitchAndState(t *testing.T) {
	fake, cfg := newServer(t)
	client, err := influxdb.Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	switchLog := client.SwitchListener()
	stateLog := client.StateListener()

	stateLog(plugin.StateChange{From: plugin.StateActivating, To: plugin.StateActive, Channels: 6, At: at})
	switchLog(plugin.SwitchEvent{Channel: 5, Device: "COM5", Local: 1, Enabled: true, Register: 0x02, Origin: "api", At: at})
	client.Flush()

	lines := fake.Lines()
	if len(lines) != 2 {
		t.Fatalf("written lines = %q, want 2", lines)
	}
	if !strings.HasPrefix(lines[0], "plugin_state,from=activating,to=active ") ||
		!strings.Contains(lines[0], "channels=6i") {
		t.Errorf("state line = %q", lines[0])
	}
	wantSwitch := "relay_switch,channel=5,port=COM5,source=api local_index=1i,on=true,register=2i"
	if !strings.HasPrefix(lines[1], wantSwitch) {
		t.Errorf("switch line = %q, want prefix %q", lines[1], wantSwitch)
	}

	fake.mu.Lock()
	query := fake.queries[0]
	fake.mu.Unlock()
	if !strings.Contains(query, "bucket=relays") || !strings.Contains(query, "org=powertime") {
		t.Errorf("write query = %q", query)
	}
}

func TestClose(t *testing.T) {
	fake, cfg := newServer(t)
	client, err := influxdb.Connect(cfg)
	if err != nil {
		t.Fatal(err)
	}

	client.WriteSwitch(plugin.SwitchEvent{Channel: 1, Device: "COM3", Enabled: true})
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(fake.Lines()) != 1 {
		t.Errorf("Close() did not flush pending points: %q", fake.Lines())
	}
	if client.IsConnected() {
		t.Error("IsConnected() after Close")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v", err)
	}

	// Writes and flushes after Close are dropped.
	client.WriteSwitch(plugin.SwitchEvent{Channel: 1, Device: "COM3"})
	client.Flush()
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	var nilClient *influxdb.Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}

func TestSwitchPoint(t *testing.T) {
	p := influxdb.SwitchPoint(plugin.SwitchEvent{Channel: 13, Device: "COM7", Local: 7})
	if p.Name() != influxdb.MeasurementSwitch {
		t.Errorf("Name() = %q", p.Name())
	}
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["channel"] != "13" || tags["port"] != "COM7" || tags["source"] != "unknown" {
		t.Errorf("tags = %v", tags)
	}
	if p.Time().IsZero() {
		t.Error("zero event time not defaulted")
	}
}
