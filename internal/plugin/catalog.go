package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a plugin with its dependencies already bound.
type Factory func() (Plugin, error)

// CatalogEntry describes one available plugin.
type CatalogEntry struct {
	Name        string
	Description string
	New         Factory
}

// Catalog is the fixed set of plugins compiled into the host. The host
// registers entries at startup and selects one by name.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]CatalogEntry
}

// NewCatalog creates a catalog holding entries.
func NewCatalog(entries ...CatalogEntry) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]CatalogEntry)}
	for _, e := range entries {
		if err := c.Register(e); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds an entry. Names must be unique.
func (c *Catalog) Register(e CatalogEntry) error {
	if e.Name == "" || e.New == nil {
		return fmt.Errorf("plugin: catalog entry needs a name and a factory")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[e.Name]; ok {
		return fmt.Errorf("plugin: %q already registered", e.Name)
	}
	c.entries[e.Name] = e
	return nil
}

// Names returns the registered names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the plugin registered under name.
func (c *Catalog) New(name string) (Plugin, error) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
	}
	p, err := e.New()
	if err != nil {
		return nil, fmt.Errorf("plugin: creating %s: %w", name, err)
	}
	return p, nil
}
