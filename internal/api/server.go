package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/powertime-core/internal/infrastructure/config"
	"github.com/nerrad567/powertime-core/internal/infrastructure/logging"
	"github.com/nerrad567/powertime-core/internal/journal"
	"github.com/nerrad567/powertime-core/internal/plugin"
	"github.com/nerrad567/powertime-core/internal/plugin/icse0xxa"
	"github.com/nerrad567/powertime-core/internal/registry"
	"github.com/nerrad567/powertime-core/internal/serialport"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// RelayPlugin is the plugin surface the API drives. *plugin.Lifecycle and
// *icse0xxa.Plugin satisfy it.
type RelayPlugin interface {
	plugin.Plugin
	ActiveDevices() []plugin.DeviceStatus
}

// DeviceManager edits the persisted device set. *icse0xxa.Plugin
// satisfies it.
type DeviceManager interface {
	Scan(ctx context.Context) (icse0xxa.ScanResult, error)
	Devices(ctx context.Context) ([]registry.Entry, []registry.Skipped, error)
	SaveDevices(ctx context.Context, entries []registry.Entry) error
}

// HistoryReader reads the switch journal.
type HistoryReader interface {
	List(ctx context.Context, filter journal.Filter) (*journal.ListResult, error)
}

// PortLister lists the host serial ports.
type PortLister interface {
	Details() ([]serialport.PortInfo, error)
}

// HealthChecker is a dependency reported by GET /health and /metrics.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Plugin   RelayPlugin

	// Optional.
	Devices  DeviceManager
	History  HistoryReader
	Ports    PortLister
	Database DBStatser
	MQTT     MQTTStatus

	// ExternalHub replaces the hub the server would create, so listeners
	// can be attached before Start.
	ExternalHub *Hub
	Version     string
}

// Server is the HTTP API server.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	plugin    RelayPlugin
	devices   DeviceManager
	history   HistoryReader
	ports     PortLister
	db        DBStatser
	mqtt      MQTTStatus
	version   string
	startTime time.Time
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Plugin == nil {
		return nil, fmt.Errorf("plugin is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     withWSDefaults(deps.WS),
		secCfg:    deps.Security,
		logger:    deps.Logger,
		plugin:    deps.Plugin,
		devices:   deps.Devices,
		history:   deps.History,
		ports:     deps.Ports,
		db:        deps.Database,
		mqtt:      deps.MQTT,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       deps.ExternalHub,
	}
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	return s, nil
}

// Hub returns the WebSocket hub, for attaching plugin listeners.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the WebSocket hub and begins listening in the background.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.Read,
		ReadHeaderTimeout: s.cfg.Timeouts.Read,
		WriteTimeout:      s.cfg.Timeouts.Write,
		IdleTimeout:       s.cfg.Timeouts.Idle,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server, waiting up to ten seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
