package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// YAMLStore keeps sections as top-level mappings of a YAML file:
//
//	ICSE0XXA_devices:
//	  COM3: "0xab"
//	  COM5: "0xad"
//
// Entry order is preserved and unrelated top-level keys survive a write.
type YAMLStore struct {
	path string
	mu   sync.Mutex
}

// NewYAMLStore creates a store backed by the file at path.
func NewYAMLStore(path string) *YAMLStore {
	return &YAMLStore{path: path}
}

// Path returns the backing file path.
func (s *YAMLStore) Path() string { return s.path }

// LoadSection implements Store.
func (s *YAMLStore) LoadSection(_ context.Context, section string) ([]KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, err := s.readRoot()
	if err != nil {
		return nil, err
	}
	node := findKey(root, section)
	if node == nil || node.Kind != yaml.MappingNode {
		return []KeyValue{}, nil
	}

	out := make([]KeyValue, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		out = append(out, KeyValue{Key: node.Content[i].Value, Value: node.Content[i+1].Value})
	}
	return out, nil
}

// ReplaceSection implements Store.
func (s *YAMLStore) ReplaceSection(_ context.Context, section string, entries []KeyValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, err := s.readRoot()
	if err != nil {
		return err
	}
	if root == nil {
		root = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	}

	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, kv := range entries {
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: kv.Key},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: kv.Value, Style: yaml.DoubleQuotedStyle},
		)
	}

	replaced := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == section {
			root.Content[i+1] = mapping
			replaced = true
			break
		}
	}
	if !replaced {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: section},
			mapping,
		)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}
	return writeFileAtomic(s.path, buf.Bytes())
}

// readRoot returns the top-level mapping, or nil when the file is missing
// or empty.
func (s *YAMLStore) readRoot() (*yaml.Node, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing registry file: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parsing registry file: top level is not a mapping")
	}
	return root, nil
}

func findKey(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// writeFileAtomic writes data to a temporary file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return fmt.Errorf("creating temporary registry file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // write error takes precedence
		return fmt.Errorf("writing registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing registry file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing registry file: %w", err)
	}
	return nil
}
