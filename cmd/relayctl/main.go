// relayctl is an interactive console for ICSE0XXA relay modules.
//
// It uses the same configuration, registry and plugin as the daemon, so
// devices saved here are picked up by powertime. Do not run both against
// the same serial ports at once.
//
//	relayctl [-config configs/powertime.yaml] [-simulate]
//
// With -simulate the ports are replaced by simulated boards on COM3
// (ICSE012A), COM4 (ICSE014A) and COM5 (ICSE013A).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nerrad567/powertime-core/cmd/relayctl/interactive"
	"github.com/nerrad567/powertime-core/internal/icse"
	"github.com/nerrad567/powertime-core/internal/icse/sim"
	"github.com/nerrad567/powertime-core/internal/infrastructure/config"
	"github.com/nerrad567/powertime-core/internal/infrastructure/database"
	"github.com/nerrad567/powertime-core/internal/infrastructure/logging"
	"github.com/nerrad567/powertime-core/internal/plugin/icse0xxa"
	"github.com/nerrad567/powertime-core/internal/registry"
	"github.com/nerrad567/powertime-core/internal/serialport"

	_ "github.com/nerrad567/powertime-core/migrations"
)

var version = "dev"

type options struct {
	configPath string
	simulate   bool
	logLevel   string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("relayctl", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "Configuration file path (built-in defaults when empty)")
	fs.BoolVar(&o.simulate, "simulate", false, "Use simulated boards instead of serial ports")
	fs.StringVar(&o.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cancel, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	rl, err := interactive.NewReadline()
	if err != nil {
		return err
	}
	log := logging.NewWriter(rl.Stdout(), config.LoggingConfig{Level: opts.logLevel, Format: "text"}, version)

	hw := icse0xxa.Hardware{Lister: serialport.Enumerator{}, Opener: serialport.NewOpener(serialport.Config{BaudRate: cfg.Serial.BaudRate})}
	if opts.simulate {
		bus := sim.NewBus()
		bus.Attach("COM3", sim.NewBoard(icse.Model4Relay))
		bus.Attach("COM4", sim.NewBoard(icse.Model8Relay))
		bus.Attach("COM5", sim.NewBoard(icse.Model2Relay))
		hw = icse0xxa.Hardware{Lister: bus, Opener: bus}
		log.Info("simulated boards attached", "ports", []string{"COM3", "COM4", "COM5"})
	}

	var sqlDB *sql.DB
	if cfg.Registry.Backend == "sqlite" {
		db, err := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close() //nolint:errcheck // Closed on exit
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		sqlDB = db.DB
	}
	store, err := registry.OpenStore(cfg.Registry, sqlDB)
	if err != nil {
		return err
	}

	deps, pluginOpts, err := icse0xxa.Setup(cfg, hw, store, version, log)
	if err != nil {
		return err
	}
	p, err := icse0xxa.New(deps, pluginOpts)
	if err != nil {
		return err
	}
	defer p.Deactivate() //nolint:errcheck // Devices are released on exit

	interactive.New(p, rl).Run(ctx, cancel)
	return nil
}

// loadConfig reads the file named by -config, or uses the built-in
// defaults. In simulate mode the registry moves to a scratch file so the
// real device list is left alone.
func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if opts.simulate {
		cfg.Registry.Backend = "yaml"
		cfg.Registry.Path = filepath.Join(os.TempDir(), "relayctl-simulated-devices.yaml")
		cfg.Discovery.OpenDelay = -1
	}
	return cfg, nil
}
