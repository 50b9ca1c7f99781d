// Package advertise announces the PowerTime API on the local network over
// mDNS/DNS-SD, so billing stations can find the relay controller without a
// configured address.
//
// TXT records carry the build version and the current channel count:
//
//	version=1.4.0
//	channels=6
//	api=/api/v1
package advertise

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/nerrad567/powertime-core/internal/infrastructure/config"
	"github.com/nerrad567/powertime-core/internal/plugin"
)

// apiBasePath is announced in the api= TXT record.
const apiBasePath = "/api/v1"

// Service is a registered mDNS service.
type Service interface {
	SetText(text []string)
	Shutdown()
}

// RegisterFunc registers a service on all multicast interfaces.
type RegisterFunc func(instance, service, domain string, port int, text []string) (Service, error)

// Logger is the logging surface used by the advertiser.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Advertiser owns the mDNS registration of the API.
type Advertiser struct {
	cfg      config.AdvertiseConfig
	port     int
	version  string
	register RegisterFunc
	logger   Logger

	mu       sync.Mutex
	server   Service
	channels int
}

// New creates an advertiser for the API listening on port.
func New(cfg config.AdvertiseConfig, port int, version string) *Advertiser {
	return &Advertiser{
		cfg:      cfg,
		port:     port,
		version:  version,
		register: zeroconfRegister,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger.
func (a *Advertiser) SetLogger(l Logger) {
	if l != nil {
		a.logger = l
	}
}

// SetRegisterFunc replaces the mDNS registration, for tests.
func (a *Advertiser) SetRegisterFunc(fn RegisterFunc) {
	if fn != nil {
		a.register = fn
	}
}

// Start registers the service. It is a no-op when advertising is disabled
// or already running.
func (a *Advertiser) Start() error {
	if !a.cfg.Enabled {
		return nil
	}
	if a.port <= 0 {
		return fmt.Errorf("advertise: invalid port %d", a.port)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}

	srv, err := a.register(a.cfg.Instance, a.cfg.Service, a.cfg.Domain, a.port, a.text())
	if err != nil {
		return fmt.Errorf("advertise: registering %s: %w", a.cfg.Service, err)
	}
	a.server = srv
	a.logger.Info("advertising api over mdns",
		"instance", a.cfg.Instance,
		"service", a.cfg.Service,
		"port", a.port,
	)
	return nil
}

// SetChannels updates the channels= TXT record.
func (a *Advertiser) SetChannels(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channels == n {
		return
	}
	a.channels = n
	if a.server != nil {
		a.server.SetText(a.text())
		a.logger.Debug("mdns txt updated", "channels", n)
	}
}

// StateListener returns a plugin state listener keeping the channel count
// current.
func (a *Advertiser) StateListener() func(plugin.StateChange) {
	return func(sc plugin.StateChange) {
		switch sc.To {
		case plugin.StateActive:
			a.SetChannels(sc.Channels)
		case plugin.StateInactive, plugin.StateFailed:
			a.SetChannels(0)
		}
	}
}

// Stop withdraws the service.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Info("mdns advertisement stopped")
}

// text must be called with mu held.
func (a *Advertiser) text() []string {
	return []string{
		"version=" + a.version,
		"channels=" + strconv.Itoa(a.channels),
		"api=" + apiBasePath,
	}
}

func zeroconfRegister(instance, service, domain string, port int, text []string) (Service, error) {
	srv, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, err
	}
	return srv, nil
}
