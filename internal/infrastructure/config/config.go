package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of the PowerTime relay core.
// It is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Plugin    PluginConfig    `yaml:"plugin"`
	Serial    SerialConfig    `yaml:"serial"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Registry  RegistryConfig  `yaml:"registry"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Security  SecurityConfig  `yaml:"security"`
	Advertise AdvertiseConfig `yaml:"advertise"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig identifies the installation.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// PluginConfig selects the relay plugin from the catalog.
type PluginConfig struct {
	// Driver is the catalog name, e.g. "icse0xxa".
	Driver string `yaml:"driver"`

	// ActivateOnStart activates the plugin during startup.
	ActivateOnStart bool `yaml:"activate_on_start"`
}

// SerialConfig holds the line settings and ICSE protocol timings.
type SerialConfig struct {
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	SettleDelay time.Duration `yaml:"settle_delay"`
	SwitchDelay time.Duration `yaml:"switch_delay"`

	// UnansweredPolicy decides what an init without an identify answer
	// means: "assume_listening" (default) or "fail".
	UnansweredPolicy string `yaml:"unanswered_policy"`

	// TracePath, when set, appends a CBOR trace of all serial traffic.
	TracePath string `yaml:"trace_path"`
}

// DiscoveryConfig controls serial port scanning.
type DiscoveryConfig struct {
	// Fallback scans the ports when the registry is empty.
	Fallback bool `yaml:"fallback"`

	// SaveFound persists devices found by a fallback scan.
	SaveFound bool `yaml:"save_found"`

	// OpenDelay is the wait between opening a port and identifying.
	// A negative value disables it.
	OpenDelay time.Duration `yaml:"open_delay"`

	// Include and Exclude are glob patterns matched against port names.
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// RegistryConfig selects where the configured devices are persisted.
type RegistryConfig struct {
	// Backend is "yaml", "ini" or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the file for the yaml and ini backends.
	Path string `yaml:"path"`

	// Section is the section name; defaults to ICSE0XXA_devices.
	Section string `yaml:"section"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`

	// HealthInterval is how often the relay bridge publishes its health.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  time.Duration `yaml:"read"`
	Write time.Duration `yaml:"write"`
	Idle  time.Duration `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int64         `yaml:"max_message_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains the bearer token settings. An empty secret disables
// authentication on the API.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// AdvertiseConfig controls mDNS advertisement of the API.
type AdvertiseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
	Domain   string `yaml:"domain"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The loading order is:
//  1. Default values
//  2. YAML file values
//  3. Environment variables (POWERTIME_SECTION_KEY, e.g. POWERTIME_API_PORT)
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration. It is valid on its own and is
// what relayctl runs with when no file is given.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "powertime-001",
			Name: "PowerTime",
		},
		Plugin: PluginConfig{
			Driver:          "icse0xxa",
			ActivateOnStart: true,
		},
		Serial: SerialConfig{
			BaudRate:         9600,
			ReadTimeout:      time.Second,
			SettleDelay:      500 * time.Millisecond,
			SwitchDelay:      10 * time.Millisecond,
			UnansweredPolicy: "assume_listening",
		},
		Discovery: DiscoveryConfig{
			Fallback:  true,
			SaveFound: true,
			OpenDelay: 500 * time.Millisecond,
		},
		Registry: RegistryConfig{
			Backend: "yaml",
			Path:    "./data/devices.yaml",
		},
		Database: DatabaseConfig{
			Path:        "./data/powertime.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "powertime",
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "powertime-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: time.Second,
				MaxDelay:     time.Minute,
			},
			HealthInterval: 30 * time.Second,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10 * time.Second,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30 * time.Second,
				Write: 30 * time.Second,
				Idle:  60 * time.Second,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{Issuer: "powertime"},
		},
		Advertise: AdvertiseConfig{
			Instance: "PowerTime",
			Service:  "_powertime._tcp",
			Domain:   "local.",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies POWERTIME_* environment variables.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"POWERTIME_PLUGIN_DRIVER":      &cfg.Plugin.Driver,
		"POWERTIME_SERIAL_TRACE_PATH":  &cfg.Serial.TracePath,
		"POWERTIME_REGISTRY_BACKEND":   &cfg.Registry.Backend,
		"POWERTIME_REGISTRY_PATH":      &cfg.Registry.Path,
		"POWERTIME_DATABASE_PATH":      &cfg.Database.Path,
		"POWERTIME_MQTT_HOST":          &cfg.MQTT.Broker.Host,
		"POWERTIME_MQTT_USERNAME":      &cfg.MQTT.Auth.Username,
		"POWERTIME_MQTT_PASSWORD":      &cfg.MQTT.Auth.Password,
		"POWERTIME_MQTT_TOPIC_PREFIX":  &cfg.MQTT.TopicPrefix,
		"POWERTIME_API_HOST":           &cfg.API.Host,
		"POWERTIME_INFLUXDB_TOKEN":     &cfg.InfluxDB.Token,
		"POWERTIME_JWT_SECRET":         &cfg.Security.JWT.Secret,
		"POWERTIME_LOGGING_LEVEL":      &cfg.Logging.Level,
		"POWERTIME_ADVERTISE_INSTANCE": &cfg.Advertise.Instance,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"POWERTIME_API_PORT":         &cfg.API.Port,
		"POWERTIME_SERIAL_BAUD_RATE": &cfg.Serial.BaudRate,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"POWERTIME_MQTT_ENABLED":      &cfg.MQTT.Enabled,
		"POWERTIME_INFLUXDB_ENABLED":  &cfg.InfluxDB.Enabled,
		"POWERTIME_ADVERTISE_ENABLED": &cfg.Advertise.Enabled,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	return nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if c.Plugin.Driver == "" {
		errs = append(errs, "plugin.driver is required")
	}

	if c.Serial.BaudRate <= 0 {
		errs = append(errs, "serial.baud_rate must be positive")
	}
	if c.Serial.ReadTimeout <= 0 {
		errs = append(errs, "serial.read_timeout must be positive")
	}
	if c.Serial.SettleDelay < 0 || c.Serial.SwitchDelay < 0 {
		errs = append(errs, "serial delays must not be negative")
	}
	switch c.Serial.UnansweredPolicy {
	case "", "assume_listening", "fail":
	default:
		errs = append(errs, fmt.Sprintf("serial.unanswered_policy %q must be assume_listening or fail", c.Serial.UnansweredPolicy))
	}

	switch c.Registry.Backend {
	case "yaml", "ini":
		if c.Registry.Path == "" {
			errs = append(errs, "registry.path is required for the "+c.Registry.Backend+" backend")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("registry.backend %q must be yaml, ini or sqlite", c.Registry.Backend))
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
			errs = append(errs, "mqtt.topic_prefix must be set and contain no wildcards")
		}
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when enabled")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls.cert_file and api.tls.key_file are required when TLS is enabled")
	}

	// The relays switch mains power; a guessable secret would let anyone
	// forge a token and switch them.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if c.Advertise.Enabled && (c.Advertise.Instance == "" || c.Advertise.Service == "") {
		errs = append(errs, "advertise.instance and advertise.service are required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Address returns the API listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}
