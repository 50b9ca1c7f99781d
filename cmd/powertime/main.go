// PowerTime relay core.
//
// The daemon drives ICSE0XXA relay modules on the host serial ports and
// exposes them as one bank of switchable channels over the HTTP API, a
// WebSocket event stream and, when enabled, MQTT.
//
//	powertime                      run the daemon
//	powertime token -subject X     print an API bearer token
//
// The configuration file is configs/powertime.yaml, or POWERTIME_CONFIG.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/powertime-core/migrations"

	"github.com/nerrad567/powertime-core/internal/advertise"
	"github.com/nerrad567/powertime-core/internal/api"
	"github.com/nerrad567/powertime-core/internal/bridges/relay"
	"github.com/nerrad567/powertime-core/internal/infrastructure/config"
	"github.com/nerrad567/powertime-core/internal/infrastructure/database"
	"github.com/nerrad567/powertime-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/powertime-core/internal/infrastructure/logging"
	"github.com/nerrad567/powertime-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/powertime-core/internal/journal"
	"github.com/nerrad567/powertime-core/internal/plugin"
	"github.com/nerrad567/powertime-core/internal/serialport"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/powertime.yaml"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts every component, waits for ctx and shuts down in reverse
// order. The plugin is deactivated first so the relays are released while
// the bridges can still report it.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting PowerTime relay core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	hw, closeHW, err := openHardware(cfg, log)
	if err != nil {
		return err
	}
	defer closeHW()

	relayPlugin, err := buildPlugin(cfg, hw, db, log)
	if err != nil {
		return err
	}

	jrnl := journal.New(db.DB)
	jrnl.SetLogger(log)
	relayPlugin.AddSwitchListener(jrnl.Listener())

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log)
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge, bridgeErr := relay.New(relay.Options{
			MQTTClient:     mqttClient,
			Plugin:         relayPlugin,
			Topics:         mqttClient.Topics(),
			BridgeID:       cfg.Site.ID,
			Version:        version,
			HealthInterval: cfg.MQTT.HealthInterval,
			Logger:         log,
		})
		if bridgeErr != nil {
			return fmt.Errorf("creating relay bridge: %w", bridgeErr)
		}
		relayPlugin.AddSwitchListener(bridge.SwitchListener())
		relayPlugin.AddStateListener(bridge.StateListener())
		if startErr := bridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting relay bridge: %w", startErr)
		}
		defer bridge.Stop()
	} else {
		log.Info("MQTT disabled")
	}

	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		relayPlugin.AddSwitchListener(influxClient.SwitchListener())
		relayPlugin.AddStateListener(influxClient.StateListener())
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	hub := api.NewHub(cfg.WebSocket, log)
	relayPlugin.AddSwitchListener(hub.SwitchListener())
	relayPlugin.AddStateListener(hub.StateListener())

	deps := api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log,
		Plugin:      relayPlugin,
		History:     jrnl,
		Ports:       serialport.Enumerator{},
		Database:    db,
		ExternalHub: hub,
		Version:     version,
	}
	if dm, ok := relayPlugin.(api.DeviceManager); ok {
		deps.Devices = dm
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	if cfg.Security.JWT.Secret == "" {
		log.Warn("API authentication disabled: security.jwt.secret is empty")
	}

	adv := advertise.New(cfg.Advertise, cfg.API.Port, version)
	adv.SetLogger(log)
	relayPlugin.AddStateListener(adv.StateListener())
	if advErr := adv.Start(); advErr != nil {
		log.Warn("mDNS advertisement failed", "error", advErr)
	}
	defer adv.Stop()

	defer func() {
		log.Info("deactivating plugin")
		if deactErr := relayPlugin.Deactivate(); deactErr != nil {
			log.Warn("errors while closing devices", "error", deactErr)
		}
	}()
	if cfg.Plugin.ActivateOnStart {
		activate(ctx, relayPlugin, log)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// activate activates the plugin at startup. Failure is logged, not fatal:
// the devices may be plugged in later and activated through the API.
func activate(ctx context.Context, p plugin.Plugin, log *logging.Logger) {
	report, err := p.Activate(ctx)
	if err != nil {
		log.Error("plugin activation failed", "error", err)
		return
	}
	for _, w := range report.Warnings {
		log.Warn("activation warning", "warning", w)
	}
	// Each failed device was already logged by the plugin as it failed.
	log.Info("plugin active",
		"activation_id", report.ID,
		"devices", len(report.Initialized),
		"failed", len(report.Failures),
		"channels", report.Channels,
	)
}

// getConfigPath returns POWERTIME_CONFIG, or the default path.
func getConfigPath() string {
	if path := os.Getenv("POWERTIME_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the infrastructure connections. mqttClient and
// influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
