package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/powertime-core/internal/infrastructure/database"
	"github.com/nerrad567/powertime-core/internal/plugin"
	_ "github.com/nerrad567/powertime-core/migrations"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "powertime.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	return New(db.DB)
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestRecordAndList(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	events := []plugin.SwitchEvent{
		{Channel: 5, Device: "COM5", Local: 1, Enabled: true, Register: 0x02, Origin: "api", At: base},
		{Channel: 2, Device: "COM3", Local: 2, Enabled: true, Register: 0x02, Origin: "mqtt", At: base.Add(time.Second)},
		{Channel: 5, Device: "COM5", Local: 1, Enabled: false, Register: 0x00, Origin: "api", At: base.Add(2 * time.Second)},
	}
	for _, ev := range events {
		if err := j.Record(ctx, ev); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	res, err := j.List(ctx, Filter{Channel: OnChannel(5)})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if res.Total != 2 || len(res.Events) != 2 {
		t.Fatalf("List(channel 5) = %d of %d, want 2 of 2", len(res.Events), res.Total)
	}
	newest := res.Events[0]
	if newest.Enabled || newest.Register != 0 || !newest.CreatedAt.Equal(base.Add(2*time.Second)) {
		t.Errorf("newest event = %+v", newest)
	}
	if res.Events[1].Source != "api" || res.Events[1].Port != "COM5" || res.Events[1].Local != 1 {
		t.Errorf("oldest event = %+v", res.Events[1])
	}

	all, err := j.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if all.Total != 3 || all.Limit != defaultLimit {
		t.Errorf("List(all) total=%d limit=%d", all.Total, all.Limit)
	}
}

func TestList_Filters(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ev := plugin.SwitchEvent{Channel: 1, Device: "COM3", Enabled: i%2 == 0, At: base.Add(time.Duration(i) * time.Minute)}
		if err := j.Record(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.Record(ctx, plugin.SwitchEvent{Channel: 7, Device: "COM7", At: base}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		filter    Filter
		wantLen   int
		wantTotal int
	}{
		{"by port", Filter{Port: "COM7"}, 1, 1},
		{"since", Filter{Since: base.Add(3 * time.Minute)}, 2, 2},
		{"paged", Filter{Channel: OnChannel(1), Limit: 2, Offset: 2}, 2, 5},
		{"past end", Filter{Channel: OnChannel(1), Offset: 10}, 0, 5},
		{"limit clamped", Filter{Limit: 10_000}, 6, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := j.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			if len(res.Events) != tt.wantLen || res.Total != tt.wantTotal {
				t.Errorf("got %d of %d, want %d of %d", len(res.Events), res.Total, tt.wantLen, tt.wantTotal)
			}
			if res.Limit > maxLimit {
				t.Errorf("Limit = %d not clamped", res.Limit)
			}
		})
	}
}

func TestLast(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	ev, err := j.Last(ctx, 3)
	if err != nil || ev != nil {
		t.Fatalf("Last() on empty journal = %v, %v", ev, err)
	}

	_ = j.Record(ctx, plugin.SwitchEvent{Channel: 3, Device: "COM3", Enabled: true, At: base})
	_ = j.Record(ctx, plugin.SwitchEvent{Channel: 3, Device: "COM3", Enabled: false, At: base.Add(time.Second)})

	ev, err = j.Last(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if ev == nil || ev.Enabled {
		t.Errorf("Last() = %+v, want the off event", ev)
	}

	_ = j.Record(ctx, plugin.SwitchEvent{Channel: 0, Device: "COM3", Enabled: true, At: base.Add(2 * time.Second)})
	ev, err = j.Last(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ev == nil || ev.Channel != 0 || !ev.Enabled {
		t.Errorf("Last(0) = %+v, want the channel 0 on event", ev)
	}
}

type recordingLogger struct {
	errors int
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Warn(string, ...any)  {}
func (l *recordingLogger) Error(string, ...any) { l.errors++ }

func TestListener(t *testing.T) {
	j := newTestJournal(t)
	logger := &recordingLogger{}
	j.SetLogger(logger)

	listen := j.Listener()
	listen(plugin.SwitchEvent{Channel: 4, Device: "COM3", Local: 4, Enabled: true, Register: 0x08})

	res, err := j.List(context.Background(), Filter{Channel: OnChannel(4)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Events[0].Register != 0x08 || res.Events[0].CreatedAt.IsZero() {
		t.Errorf("journal after listener = %+v", res.Events)
	}

	if _, err := j.db.Exec("DROP TABLE switch_events"); err != nil {
		t.Fatal(err)
	}
	listen(plugin.SwitchEvent{Channel: 4, Device: "COM3"})
	if logger.errors != 1 {
		t.Errorf("logged %d errors, want 1", logger.errors)
	}
}
