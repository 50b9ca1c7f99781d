package icse0xxa

import (
	"fmt"

	"github.com/nerrad567/powertime-core/internal/discovery"
	"github.com/nerrad567/powertime-core/internal/icse"
	"github.com/nerrad567/powertime-core/internal/infrastructure/config"
	"github.com/nerrad567/powertime-core/internal/plugin"
	"github.com/nerrad567/powertime-core/internal/registry"
)

// Hardware is the serial access the plugin runs on: the OS ports in
// production, a sim.Bus in tests and simulate mode.
type Hardware struct {
	Lister discovery.PortLister
	Opener icse.Opener
}

// Setup builds the plugin dependencies and options from the configuration.
func Setup(cfg *config.Config, hw Hardware, store registry.Store, version string, logger plugin.Logger) (Deps, Options, error) {
	if hw.Lister == nil || hw.Opener == nil {
		return Deps{}, Options{}, fmt.Errorf("icse0xxa: port lister and opener are required")
	}
	policy, err := icse.ParseUnansweredPolicy(cfg.Serial.UnansweredPolicy)
	if err != nil {
		return Deps{}, Options{}, err
	}

	timing := icse.Timing{
		ReadTimeout: cfg.Serial.ReadTimeout,
		SettleDelay: cfg.Serial.SettleDelay,
		SwitchDelay: cfg.Serial.SwitchDelay,
	}
	devOpts := icse.Options{
		Opener:     hw.Opener,
		Timing:     timing,
		Unanswered: policy,
	}
	if logger != nil {
		devOpts.Logger = logger
	}

	reg := registry.New(store, cfg.Registry.Section, devOpts)
	scanner, err := discovery.NewScanner(discovery.Options{
		Lister:    hw.Lister,
		Opener:    hw.Opener,
		Timing:    timing,
		OpenDelay: cfg.Discovery.OpenDelay,
		Include:   cfg.Discovery.Include,
		Exclude:   cfg.Discovery.Exclude,
		Device:    devOpts,
	})
	if err != nil {
		return Deps{}, Options{}, err
	}
	if logger != nil {
		reg.SetLogger(logger)
		scanner.SetLogger(logger)
	}

	deps := Deps{Registry: reg, Scanner: scanner, Logger: logger}
	opts := Options{
		Version:   version,
		Fallback:  cfg.Discovery.Fallback,
		SaveFound: cfg.Discovery.SaveFound,
	}
	return deps, opts, nil
}
