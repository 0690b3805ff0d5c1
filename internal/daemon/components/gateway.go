package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/config"
	"github.com/harunnryd/chatgate/internal/daemon"
	"github.com/harunnryd/chatgate/internal/gateway"
	"github.com/harunnryd/chatgate/internal/metrics"
	"github.com/harunnryd/chatgate/internal/registry"
	"github.com/harunnryd/chatgate/internal/supervisor"
)

const GatewayComponentName = "Gateway"

// GatewayComponent owns the router and registers the configured tenants.
type GatewayComponent struct {
	cfg       *config.Config
	factories adapter.Factories
	metrics   *metrics.Collector

	mu          sync.RWMutex
	router      *gateway.Router
	tenants     *gateway.TenantManager
	initialized bool
	started     bool
}

func NewGatewayComponent(cfg *config.Config, factories adapter.Factories, m *metrics.Collector) *GatewayComponent {
	return &GatewayComponent{cfg: cfg, factories: factories, metrics: m}
}

func (g *GatewayComponent) Name() string {
	return GatewayComponentName
}

func (g *GatewayComponent) Dependencies() []string {
	return nil
}

func (g *GatewayComponent) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	opts, err := RouterOptions(g.cfg.Gateway)
	if err != nil {
		return err
	}
	regs, err := g.cfg.Registrations()
	if err != nil {
		return err
	}

	g.router = gateway.New(g.factories, opts, g.metrics)
	g.tenants, err = gateway.NewTenantManager(g.router, regs)
	if err != nil {
		return err
	}

	g.initialized = true
	slog.Info("Gateway initialized", "component", g.Name(), "tenants", len(regs))
	return nil
}

func (g *GatewayComponent) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.initialized {
		return fmt.Errorf("gateway component not initialized")
	}
	if err := g.tenants.Start(ctx); err != nil {
		return err
	}
	g.started = true
	slog.Info("Gateway started", "component", g.Name())
	return nil
}

func (g *GatewayComponent) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.initialized {
		return nil
	}
	// The router is closed even when Start never completed so the relay's
	// event loop ends.
	err := g.tenants.Stop(ctx)
	if closeErr := g.router.Close(ctx); err == nil {
		err = closeErr
	}
	g.started = false
	if err != nil {
		return err
	}
	slog.Info("Gateway stopped", "component", g.Name())
	return nil
}

func (g *GatewayComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.initialized {
		return &daemon.ComponentHealth{Name: g.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !g.started {
		return &daemon.ComponentHealth{Name: g.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	if err := g.tenants.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: g.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: g.Name(), Healthy: true}, nil
}

// Router is nil until Init has run.
func (g *GatewayComponent) Router() *gateway.Router {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.router
}

// RouterOptions converts the gateway config section into router options.
func RouterOptions(cfg config.GatewayConfig) (gateway.Options, error) {
	var opts gateway.Options
	var err error

	durations := []struct {
		name  string
		value string
		def   string
		dst   *time.Duration
	}{
		{"gateway.connect_timeout", cfg.ConnectTimeout, config.DefaultGatewayConnectTimeout, &opts.Supervisor.ConnectTimeout},
		{"gateway.send_timeout", cfg.SendTimeout, config.DefaultGatewaySendTimeout, &opts.Supervisor.SendTimeout},
		{"gateway.stable_window", cfg.StableWindow, config.DefaultGatewayStableWindow, &opts.Supervisor.StableWindow},
		{"gateway.heartbeat_interval", cfg.HeartbeatInterval, config.DefaultGatewayHeartbeatInterval, &opts.Supervisor.HeartbeatInterval},
		{"gateway.deregister_grace", cfg.DeregisterGrace, config.DefaultGatewayDeregisterGrace, &opts.DeregisterGrace},
		{"gateway.backoff.min", cfg.Backoff.Min, config.DefaultBackoffMin, &opts.Supervisor.Backoff.Min},
		{"gateway.backoff.max", cfg.Backoff.Max, config.DefaultBackoffMax, &opts.Supervisor.Backoff.Max},
	}
	for _, d := range durations {
		if *d.dst, err = config.DurationOrDefault(d.value, d.def); err != nil {
			return gateway.Options{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
	}

	opts.EventBuffer = cfg.EventBuffer
	opts.Supervisor.QueueSize = cfg.QueueSize
	opts.Supervisor.DedupeWindow = cfg.DedupeWindow
	opts.Supervisor.Backoff.Multiplier = cfg.Backoff.Multiplier
	opts.Supervisor.Backoff.Jitter = cfg.Backoff.Jitter
	if opts.Supervisor.Backoff.Multiplier == 0 {
		opts.Supervisor.Backoff.Multiplier = supervisor.DefaultBackoffMultiplier
	}
	return opts, nil
}

// Snapshot returns the router's registry entries, or nil before Init.
func (g *GatewayComponent) Snapshot() []registry.Entry {
	router := g.Router()
	if router == nil {
		return nil
	}
	return router.Snapshot()
}
