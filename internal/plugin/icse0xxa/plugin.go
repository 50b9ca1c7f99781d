// Package icse0xxa is the plugin that drives ICSE0XXA relay modules.
//
// Devices come from the persisted registry. When the registry is empty and
// fallback discovery is enabled, the serial ports are scanned instead, and
// the devices found can be written back to the registry so the next start
// skips the scan.
package icse0xxa

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/powertime-core/internal/discovery"
	"github.com/nerrad567/powertime-core/internal/plugin"
	"github.com/nerrad567/powertime-core/internal/registry"
	"github.com/nerrad567/powertime-core/internal/relay"
)

// Name is the catalog name of the plugin.
const Name = "icse0xxa"

// ErrActive is returned by Scan while the plugin holds the serial ports.
var ErrActive = errors.New("icse0xxa: plugin is active, deactivate before scanning")

// Options configures the plugin.
type Options struct {
	// Version is reported in plugin.Info.
	Version string

	// Fallback scans the serial ports when the registry is empty.
	Fallback bool

	// SaveFound writes devices found by a fallback scan to the registry.
	SaveFound bool
}

// Deps are the collaborators of the plugin.
type Deps struct {
	Registry *registry.Registry
	Scanner  *discovery.Scanner
	Logger   plugin.Logger
}

// ScanResult is a discovery result merged with the persisted devices.
type ScanResult struct {
	discovery.Result

	// Merged lists the newly found devices followed by the persisted ones,
	// without duplicate ports. It is what a settings screen offers to save.
	Merged []registry.Entry
}

// Plugin is the ICSE0XXA relay plugin.
type Plugin struct {
	*plugin.Lifecycle

	registry *registry.Registry
	scanner  *discovery.Scanner
	opts     Options
	logger   plugin.Logger

	// opMu keeps scans and activations from opening the same ports.
	opMu sync.Mutex
}

// New creates an inactive plugin.
func New(deps Deps, opts Options) (*Plugin, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("icse0xxa: registry is required")
	}
	if opts.Fallback && deps.Scanner == nil {
		return nil, fmt.Errorf("icse0xxa: fallback discovery needs a scanner")
	}

	p := &Plugin{
		registry: deps.Registry,
		scanner:  deps.Scanner,
		opts:     opts,
		logger:   deps.Logger,
	}
	p.Lifecycle = plugin.NewLifecycle(plugin.Info{
		Name:        "ICSE0XXA control",
		Version:     opts.Version,
		Description: "Controls ICSE012A, ICSE013A and ICSE014A relay modules on serial ports",
		Author:      "PowerTime",
	}, plugin.SourceFunc(p.drivers))
	if deps.Logger != nil {
		p.Lifecycle.SetLogger(deps.Logger)
	}
	return p, nil
}

// Entry returns the catalog entry that builds the plugin from deps.
func Entry(deps Deps, opts Options) plugin.CatalogEntry {
	return plugin.CatalogEntry{
		Name:        Name,
		Description: "ICSE012A/ICSE013A/ICSE014A relay modules",
		New: func() (plugin.Plugin, error) {
			p, err := New(deps, opts)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
}

// Activate initialises the registry devices, falling back to discovery.
func (p *Plugin) Activate(ctx context.Context) (plugin.ActivationReport, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.Lifecycle.Activate(ctx)
}

// drivers is the activation source.
func (p *Plugin) drivers(ctx context.Context) ([]relay.Driver, []string, error) {
	loaded, err := p.registry.Load(ctx)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	for _, s := range loaded.Skipped {
		warnings = append(warnings, fmt.Sprintf("registry entry %s=%s skipped: %v", s.Key, s.Value, s.Err))
	}

	devices := loaded.Devices
	if len(devices) == 0 && p.opts.Fallback {
		p.info("registry is empty, scanning serial ports")
		res, err := p.scanner.Scan(ctx)
		if err != nil {
			return nil, warnings, fmt.Errorf("fallback discovery: %w", err)
		}
		for _, f := range res.Failures {
			warnings = append(warnings, fmt.Sprintf("probe %s", f.Error()))
		}
		devices = res.Devices
		if len(devices) > 0 && p.opts.SaveFound {
			if err := p.registry.Save(ctx, devices); err != nil {
				warnings = append(warnings, fmt.Sprintf("saving discovered devices: %v", err))
			}
		}
	}

	out := make([]relay.Driver, 0, len(devices))
	for _, d := range devices {
		out = append(out, d)
	}
	return out, warnings, nil
}

// Scan probes the serial ports and merges the result with the registry.
// It returns ErrActive while the plugin is active.
func (p *Plugin) Scan(ctx context.Context) (ScanResult, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if p.State() == plugin.StateActive {
		return ScanResult{}, ErrActive
	}
	if p.scanner == nil {
		return ScanResult{}, fmt.Errorf("icse0xxa: no scanner configured")
	}

	res, err := p.scanner.Scan(ctx)
	if err != nil {
		return ScanResult{Result: res}, err
	}
	persisted, _, err := p.registry.Entries(ctx)
	if err != nil {
		return ScanResult{Result: res}, err
	}

	known := make(map[string]bool, len(persisted))
	for _, e := range persisted {
		known[e.Port] = true
	}
	var merged []registry.Entry
	for _, d := range res.Devices {
		if !known[d.Port()] {
			merged = append(merged, registry.Entry{Port: d.Port(), Model: d.Model()})
		}
	}
	merged = append(merged, persisted...)

	return ScanResult{Result: res, Merged: merged}, nil
}

// Devices returns the persisted devices and any entries that failed to parse.
func (p *Plugin) Devices(ctx context.Context) ([]registry.Entry, []registry.Skipped, error) {
	return p.registry.Entries(ctx)
}

// SaveDevices replaces the persisted device set. The change takes effect on
// the next activation.
func (p *Plugin) SaveDevices(ctx context.Context, entries []registry.Entry) error {
	return p.registry.SaveEntries(ctx, entries)
}

func (p *Plugin) info(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}
