// Package registry persists the set of known ICSE0XXA devices.
//
// Devices are stored as key/value pairs under one named section: the key is
// the port name, exactly as the OS reports it, and the value is the model
// byte in its fixed hexadecimal form ("0xab"). Keys are case-sensitive and
// are never normalised. The Store implementations own the file or database
// format; Registry owns the mapping to icse.Device handles.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/powertime-core/internal/icse"
)

// DefaultSection is the section name used by the original configuration file.
const DefaultSection = "ICSE0XXA_devices"

// ErrInvalidEntry is wrapped by errors for entries that cannot be saved.
var ErrInvalidEntry = errors.New("registry: invalid entry")

// KeyValue is one raw persisted pair.
type KeyValue struct {
	Key   string
	Value string
}

// Store reads and writes one section of key/value pairs in stored order.
//
// LoadSection returns an empty slice, not an error, when the backing file or
// section does not exist. ReplaceSection overwrites the section as a whole
// and leaves other sections untouched.
type Store interface {
	LoadSection(ctx context.Context, section string) ([]KeyValue, error)
	ReplaceSection(ctx context.Context, section string, entries []KeyValue) error
}

// Entry is a persisted device.
type Entry struct {
	Port  string
	Model icse.Model
}

// Skipped is a persisted pair that could not be turned into a device.
type Skipped struct {
	Key   string
	Value string
	Err   error
}

// LoadResult holds the devices built from the store and the pairs skipped.
type LoadResult struct {
	Devices []*icse.Device
	Skipped []Skipped
}

// Logger is the logging interface used by Registry.
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

// Registry maps persisted entries to device handles.
type Registry struct {
	store   Store
	section string
	device  icse.Options
	logger  Logger
}

// New creates a registry over store. An empty section selects
// DefaultSection. device is applied to every device built by Load.
func New(store Store, section string, device icse.Options) *Registry {
	if section == "" {
		section = DefaultSection
	}
	return &Registry{
		store:   store,
		section: section,
		device:  device,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// Section returns the section name the registry reads and writes.
func (r *Registry) Section() string { return r.section }

// Entries returns the valid persisted entries in stored order together with
// the pairs that failed to parse.
func (r *Registry) Entries(ctx context.Context) ([]Entry, []Skipped, error) {
	pairs, err := r.store.LoadSection(ctx, r.section)
	if err != nil {
		return nil, nil, fmt.Errorf("loading section %s: %w", r.section, err)
	}

	var (
		entries []Entry
		skipped []Skipped
	)
	for _, kv := range pairs {
		model, err := icse.ParseModelHex(kv.Value)
		if err == nil && kv.Key == "" {
			err = fmt.Errorf("%w: empty port", ErrInvalidEntry)
		}
		if err != nil {
			r.logger.Warn("skipping registry entry", "port", kv.Key, "value", kv.Value, "error", err)
			skipped = append(skipped, Skipped{Key: kv.Key, Value: kv.Value, Err: err})
			continue
		}
		entries = append(entries, Entry{Port: kv.Key, Model: model})
	}
	return entries, skipped, nil
}

// Load builds an Uninitialized device for every valid entry, in stored
// order. A missing store or section yields no devices and no error.
func (r *Registry) Load(ctx context.Context) (LoadResult, error) {
	entries, skipped, err := r.Entries(ctx)
	if err != nil {
		return LoadResult{}, err
	}

	res := LoadResult{Skipped: skipped}
	for _, e := range dedupe(entries) {
		dev, err := icse.NewDevice(e.Port, e.Model, r.device)
		if err != nil {
			r.logger.Warn("skipping registry entry", "port", e.Port, "error", err)
			res.Skipped = append(res.Skipped, Skipped{Key: e.Port, Value: e.Model.Hex(), Err: err})
			continue
		}
		res.Devices = append(res.Devices, dev)
	}

	r.logger.Info("device registry loaded", "devices", len(res.Devices), "skipped", len(res.Skipped))
	return res, nil
}

// Save replaces the persisted set with devices.
func (r *Registry) Save(ctx context.Context, devices []*icse.Device) error {
	entries := make([]Entry, 0, len(devices))
	for _, d := range devices {
		entries = append(entries, Entry{Port: d.Port(), Model: d.Model()})
	}
	return r.SaveEntries(ctx, entries)
}

// SaveEntries replaces the persisted set with entries. A port given twice
// keeps its first position and its last model.
func (r *Registry) SaveEntries(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if e.Port == "" {
			return fmt.Errorf("%w: empty port", ErrInvalidEntry)
		}
		if !e.Model.Known() {
			return fmt.Errorf("%w: %s has unknown model %s", ErrInvalidEntry, e.Port, e.Model.Hex())
		}
	}

	unique := dedupe(entries)
	pairs := make([]KeyValue, 0, len(unique))
	for _, e := range unique {
		pairs = append(pairs, KeyValue{Key: e.Port, Value: e.Model.Hex()})
	}

	if err := r.store.ReplaceSection(ctx, r.section, pairs); err != nil {
		return fmt.Errorf("saving section %s: %w", r.section, err)
	}
	r.logger.Info("device registry saved", "devices", len(pairs))
	return nil
}

// dedupe collapses duplicate ports: first position, last value.
func dedupe(entries []Entry) []Entry {
	index := make(map[string]int, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if i, ok := index[e.Port]; ok {
			out[i] = e
			continue
		}
		index[e.Port] = len(out)
		out = append(out, e)
	}
	return out
}
