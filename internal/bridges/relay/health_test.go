package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nerrad567/powertime-core/internal/plugin"
)

func TestHealthReporter_DetermineStatus(t *testing.T) {
	tests := []struct {
		name   string
		plugin PluginStatus
		want   HealthStatus
	}{
		{"no plugin", nil, HealthDegraded},
		{"active", &fakePlugin{state: plugin.StateActive}, HealthHealthy},
		{"inactive", &fakePlugin{state: plugin.StateInactive}, HealthDegraded},
		{"failed", &fakePlugin{state: plugin.StateFailed}, HealthDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthReporter(HealthReporterConfig{Plugin: tt.plugin})
			got, reason := h.determineStatus()
			if got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
			if got == HealthDegraded && reason == "" {
				t.Error("degraded status without a reason")
			}
		})
	}
}

func TestHealthReporter_PeriodicPublish(t *testing.T) {
	client := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "relay-test",
		Interval:  10 * time.Millisecond,
		Topic:     "test/health/relay",
		Publisher: client,
		Plugin:    newFakePlugin(4),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for len(client.messages("test/health/relay")) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.Stop()

	msgs := client.messages("test/health/relay")
	if len(msgs) < 3 {
		t.Fatalf("got %d health messages, want at least two ticks and stopping", len(msgs))
	}
	for _, m := range msgs {
		if !m.retained || m.qos != 1 {
			t.Errorf("health message qos=%d retained=%v", m.qos, m.retained)
		}
	}
	var last HealthMessage
	if err := json.Unmarshal(msgs[len(msgs)-1].payload, &last); err != nil {
		t.Fatal(err)
	}
	if last.Status != HealthStopping || last.Bridge != "relay-test" {
		t.Errorf("last = %+v", last)
	}
}

func TestHealthReporter_DefaultInterval(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{})
	if h.interval != defaultHealthInterval {
		t.Errorf("interval = %v, want %v", h.interval, defaultHealthInterval)
	}
	if err := h.PublishNow(); err != nil {
		t.Errorf("PublishNow() without publisher = %v", err)
	}
}
