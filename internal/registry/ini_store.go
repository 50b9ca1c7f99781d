package registry

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"gopkg.in/ini.v1"
)

// INIStore reads and writes the legacy icse0xxa.conf format:
//
//	[ICSE0XXA_devices]
//	COM3 = 0xab
//
// Key names keep their case. Other sections in the file are preserved.
type INIStore struct {
	path string
	mu   sync.Mutex
}

// NewINIStore creates a store backed by the file at path.
func NewINIStore(path string) *INIStore {
	return &INIStore{path: path}
}

// Path returns the backing file path.
func (s *INIStore) Path() string { return s.path }

func (s *INIStore) load() (*ini.File, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		Loose:                   true,
		Insensitive:             false,
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
	}, s.path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}
	return f, nil
}

// LoadSection implements Store.
func (s *INIStore) LoadSection(_ context.Context, section string) ([]KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	sec, err := f.GetSection(section)
	if err != nil {
		return []KeyValue{}, nil
	}

	keys := sec.Keys()
	out := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyValue{Key: k.Name(), Value: k.String()})
	}
	return out, nil
}

// ReplaceSection implements Store.
func (s *INIStore) ReplaceSection(_ context.Context, section string, entries []KeyValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	f.DeleteSection(section)
	sec, err := f.NewSection(section)
	if err != nil {
		return fmt.Errorf("creating section %s: %w", section, err)
	}
	for _, kv := range entries {
		if _, err := sec.NewKey(kv.Key, kv.Value); err != nil {
			return fmt.Errorf("writing key %s: %w", kv.Key, err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}
	return writeFileAtomic(s.path, buf.Bytes())
}
