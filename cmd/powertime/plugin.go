package main

import (
	"fmt"

	"github.com/nerrad567/powertime-core/internal/api"
	"github.com/nerrad567/powertime-core/internal/icse"
	"github.com/nerrad567/powertime-core/internal/infrastructure/config"
	"github.com/nerrad567/powertime-core/internal/infrastructure/database"
	"github.com/nerrad567/powertime-core/internal/infrastructure/logging"
	"github.com/nerrad567/powertime-core/internal/plugin"
	"github.com/nerrad567/powertime-core/internal/plugin/icse0xxa"
	"github.com/nerrad567/powertime-core/internal/registry"
	"github.com/nerrad567/powertime-core/internal/serialport"
)

// hostPlugin is what the daemon needs from the selected plugin.
type hostPlugin interface {
	api.RelayPlugin
	AddSwitchListener(fn func(plugin.SwitchEvent))
	AddStateListener(fn func(plugin.StateChange))
}

// openHardware returns the OS serial ports, wrapped in a wire trace when
// serial.trace_path is set. The returned func closes the trace file.
func openHardware(cfg *config.Config, log *logging.Logger) (icse0xxa.Hardware, func(), error) {
	var opener icse.Opener = serialport.NewOpener(serialport.Config{
		BaudRate: cfg.Serial.BaudRate,
		DataBits: serialport.DefaultDataBits,
	})
	closeFn := func() {}

	if cfg.Serial.TracePath != "" {
		rec, err := serialport.OpenRecorder(cfg.Serial.TracePath)
		if err != nil {
			return icse0xxa.Hardware{}, nil, fmt.Errorf("opening serial trace: %w", err)
		}
		opener = serialport.TraceOpener(opener, rec)
		closeFn = func() {
			if err := rec.Close(); err != nil {
				log.Error("error closing serial trace", "error", err)
			}
		}
		log.Info("serial trace enabled", "path", cfg.Serial.TracePath)
	}

	return icse0xxa.Hardware{Lister: serialport.Enumerator{}, Opener: opener}, closeFn, nil
}

// buildPlugin registers the compiled-in plugins and creates the one named
// by plugin.driver.
func buildPlugin(cfg *config.Config, hw icse0xxa.Hardware, db *database.DB, log *logging.Logger) (hostPlugin, error) {
	store, err := registry.OpenStore(cfg.Registry, db.DB)
	if err != nil {
		return nil, err
	}
	deps, opts, err := icse0xxa.Setup(cfg, hw, store, version, log)
	if err != nil {
		return nil, fmt.Errorf("configuring %s: %w", icse0xxa.Name, err)
	}

	catalog, err := plugin.NewCatalog(icse0xxa.Entry(deps, opts))
	if err != nil {
		return nil, err
	}
	p, err := catalog.New(cfg.Plugin.Driver)
	if err != nil {
		return nil, fmt.Errorf("selecting plugin (available: %v): %w", catalog.Names(), err)
	}
	hp, ok := p.(hostPlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not support listeners", cfg.Plugin.Driver)
	}
	log.Info("plugin selected",
		"driver", cfg.Plugin.Driver,
		"registry", cfg.Registry.Backend,
		"fallback", opts.Fallback,
	)
	return hp, nil
}
