// Package journal records every successful channel switch in SQLite so that
// billing sessions can be reconciled against what the relays actually did.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/powertime-core/internal/plugin"
)

const (
	defaultLimit  = 50
	maxLimit      = 500
	recordTimeout = 5 * time.Second

	// timeLayout is fixed width so created_at sorts as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Event is one row of the switch journal.
type Event struct {
	ID        int64     `json:"id"`
	Channel   int       `json:"channel"`
	Port      string    `json:"port"`
	Local     int       `json:"local_index"`
	Enabled   bool      `json:"on"`
	Register  uint8     `json:"register"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter selects journal rows. Zero fields match everything.
type Filter struct {
	Channel *int   // nil means any channel
	Port    string // optional
	Since   time.Time
	Limit   int // default 50, max 500
	Offset  int
}

// OnChannel returns a Filter.Channel value selecting ch.
func OnChannel(ch int) *int { return &ch }

// ListResult is one page of events, newest first.
type ListResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Logger is the logging surface used by the switch listener.
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

// Journal reads and writes the switch_events table.
type Journal struct {
	db     *sql.DB
	logger Logger
}

// New creates a journal on a migrated database.
func New(db *sql.DB) *Journal {
	return &Journal{db: db, logger: noopLogger{}}
}

// SetLogger sets the logger used by Listener.
func (j *Journal) SetLogger(logger Logger) {
	if logger != nil {
		j.logger = logger
	}
}

// Record appends ev to the journal.
func (j *Journal) Record(ctx context.Context, ev plugin.SwitchEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	enabled := 0
	if ev.Enabled {
		enabled = 1
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO switch_events (channel, port, local_index, enabled, register, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Channel, ev.Device, ev.Local, enabled, int(ev.Register), ev.Origin,
		at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting switch event: %w", err)
	}
	return nil
}

// Listener adapts Record to a plugin switch listener. Write failures are
// logged; the switch itself has already happened.
func (j *Journal) Listener() func(plugin.SwitchEvent) {
	return func(ev plugin.SwitchEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := j.Record(ctx, ev); err != nil {
			j.logger.Error("journal write failed", "channel", ev.Channel, "error", err)
		}
	}
}

// List returns events matching filter, newest first.
func (j *Journal) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Channel != nil {
		conditions = append(conditions, "channel = ?")
		args = append(args, *filter.Channel)
	}
	if filter.Port != "" {
		conditions = append(conditions, "port = ?")
		args = append(args, filter.Port)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM switch_events " + where //nolint:gosec // conditions are placeholders only
	if err := j.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting switch events: %w", err)
	}

	query := "SELECT id, channel, port, local_index, enabled, register, source, created_at FROM switch_events " + //nolint:gosec // conditions are placeholders only
		where + " ORDER BY id DESC LIMIT ? OFFSET ?"
	rows, err := j.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying switch events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var ev Event
		var enabled, register int
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.Channel, &ev.Port, &ev.Local, &enabled, &register, &ev.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning switch event: %w", err)
		}
		ev.Enabled = enabled == 1
		ev.Register = uint8(register) //nolint:gosec // column holds a register byte
		ev.CreatedAt, err = time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing switch event timestamp %q: %w", createdAt, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating switch events: %w", err)
	}

	return &ListResult{Events: events, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Last returns the most recent event for channel, or nil if it never switched.
func (j *Journal) Last(ctx context.Context, channel int) (*Event, error) {
	res, err := j.List(ctx, Filter{Channel: &channel, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(res.Events) == 0 {
		return nil, nil //nolint:nilnil // no event is not an error
	}
	return &res.Events[0], nil
}
