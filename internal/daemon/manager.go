package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harunnryd/chatgate/internal/config"
)

const DefaultPreflightTimeout = 10 * time.Second

// Daemon brings a set of components up in dependency order, watches them while
// the process runs and takes them down in reverse order.
type Daemon struct {
	cfg     *config.Config
	started time.Time

	mu         sync.RWMutex
	components []Component
	up         []Component // initialized, in bring-up order
	health     HealthStatus
	adapters   *adapterWatch
	lock       *InstanceLock
	skipLock   bool
}

type timeouts struct {
	shutdown        time.Duration
	startupShutdown time.Duration
	healthInterval  time.Duration
}

func NewDaemon(cfg *config.Config) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	return &Daemon{cfg: cfg, started: time.Now(), health: StatusStarting}, nil
}

// AddComponent registers comp. Registration order breaks ties between
// components whose dependencies are equally satisfied.
func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	slog.Info("Component registered", "component", comp.Name(), "total_components", len(d.components))
}

// WatchAdapters makes the health monitor follow the adapter states src reports.
func (d *Daemon) WatchAdapters(src AdapterSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters = newAdapterWatch(src)
}

// SetSkipLock disables the single-instance lock, for the interactive console.
func (d *Daemon) SetSkipLock(skip bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.skipLock = skip
}

// Start runs the daemon until ctx is cancelled or the process is signalled.
func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("chatgate daemon starting...")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := d.timeouts()
	if err != nil {
		return err
	}
	if err := d.validateConfig(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := d.acquireLock(ctx); err != nil {
		return fmt.Errorf("pre-init checks failed: %w", err)
	}
	defer d.releaseLock()

	d.mu.RLock()
	registered := append([]Component(nil), d.components...)
	d.mu.RUnlock()

	order, err := resolveOrder(registered)
	if err != nil {
		d.setHealth(StatusStopped)
		return fmt.Errorf("component initialization failed: %w", err)
	}
	if err := d.bringUp(ctx, order); err != nil {
		_ = d.bringDown(t.startupShutdown)
		return err
	}

	d.setHealth(StatusRunning)
	slog.Info("chatgate daemon is running", "components", len(order))

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	var monitor sync.WaitGroup
	monitor.Add(1)
	go func() {
		defer monitor.Done()
		d.monitor(monitorCtx, t.healthInterval)
	}()

	<-ctx.Done()
	slog.Info("Context cancelled, initiating graceful shutdown", "reason", ctx.Err())
	cancelMonitor()
	monitor.Wait()

	d.setHealth(StatusStopping)
	if err := d.bringDown(t.shutdown); err != nil {
		return err
	}
	return ctx.Err()
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *Daemon) Uptime() time.Duration {
	return time.Since(d.started)
}

// ComponentHealth asks every registered component for its health.
func (d *Daemon) ComponentHealth() map[string]*ComponentHealth {
	d.mu.RLock()
	comps := append([]Component(nil), d.components...)
	d.mu.RUnlock()

	out := make(map[string]*ComponentHealth, len(comps))
	for _, comp := range comps {
		h, err := comp.Health(context.Background())
		if h == nil {
			h = &ComponentHealth{Name: comp.Name()}
		}
		if err != nil {
			h.Healthy = false
			h.Error = err
		}
		out[comp.Name()] = h
	}
	return out
}

func (d *Daemon) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

func (d *Daemon) timeouts() (timeouts, error) {
	var t timeouts
	var err error
	if t.shutdown, err = config.DurationOrDefault(d.cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout); err != nil {
		return t, fmt.Errorf("parse daemon.shutdown_timeout: %w", err)
	}
	if t.startupShutdown, err = config.DurationOrDefault(d.cfg.Daemon.StartupShutdownTimeout, config.DefaultDaemonStartupShutdownTimeout); err != nil {
		return t, fmt.Errorf("parse daemon.startup_shutdown_timeout: %w", err)
	}
	if t.healthInterval, err = config.DurationOrDefault(d.cfg.Daemon.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval); err != nil {
		return t, fmt.Errorf("parse daemon.health_check_interval: %w", err)
	}
	return t, nil
}

func (d *Daemon) validateConfig() error {
	if d.cfg.Server.Port < 1 || d.cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", d.cfg.Server.Port)
	}
	regs, err := d.cfg.Registrations()
	if err != nil {
		return err
	}
	slog.Info("Configuration validated", "port", d.cfg.Server.Port, "tenants", len(regs))
	return nil
}

func (d *Daemon) acquireLock(ctx context.Context) error {
	d.mu.RLock()
	skip := d.skipLock
	d.mu.RUnlock()
	if skip {
		return nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, DefaultPreflightTimeout)
	defer cancel()
	lock, err := AcquireInstanceLock(lockCtx, d.cfg.Daemon.LockPath)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.lock = lock
	d.mu.Unlock()
	slog.Info("Instance lock acquired", "lock_path", d.cfg.Daemon.LockPath)
	return nil
}

func (d *Daemon) releaseLock() {
	d.mu.Lock()
	lock := d.lock
	d.lock = nil
	d.mu.Unlock()
	if lock == nil {
		return
	}
	if err := lock.Release(); err != nil {
		slog.Error("Failed to release instance lock", "error", err)
	}
}

// bringUp initializes every component, then starts them, both in order. The
// components that got past Init are remembered for bringDown.
func (d *Daemon) bringUp(ctx context.Context, order []Component) error {
	for _, comp := range order {
		if err := comp.Init(ctx); err != nil {
			slog.Error("Component initialization failed", "component", comp.Name(), "error", err)
			return fmt.Errorf("component initialization failed: %s: %w", comp.Name(), err)
		}
		d.mu.Lock()
		d.up = append(d.up, comp)
		d.mu.Unlock()
		slog.Debug("Component initialized", "component", comp.Name())
	}

	for _, comp := range order {
		if err := comp.Start(ctx); err != nil {
			slog.Error("Component startup failed", "component", comp.Name(), "error", err)
			return fmt.Errorf("component startup failed: %s: %w", comp.Name(), err)
		}
		slog.Info("Component started", "component", comp.Name())
	}
	return nil
}

// bringDown stops the initialized components in reverse order within timeout.
// A component that overruns the deadline leaves the rest unstopped.
func (d *Daemon) bringDown(timeout time.Duration) error {
	d.mu.Lock()
	up := d.up
	d.up = nil
	d.mu.Unlock()

	slog.Info("Shutting down components", "count", len(up), "timeout", timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(up) - 1; i >= 0; i-- {
			comp := up[i]
			if err := comp.Stop(ctx); err != nil {
				slog.Error("Component stop failed", "component", comp.Name(), "error", err)
				errs = append(errs, fmt.Errorf("stop %s: %w", comp.Name(), err))
				continue
			}
			slog.Info("Component stopped", "component", comp.Name())
		}
		done <- errors.Join(errs...)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown timeout after %v", timeout)
	}
	d.setHealth(StatusStopped)
	if err != nil {
		slog.Error("Shutdown completed with error", "error", err)
		return err
	}
	slog.Info("Graceful shutdown completed")
	return nil
}

// resolveOrder places each component after its dependencies, keeping
// registration order among components that are ready at the same time.
func resolveOrder(comps []Component) ([]Component, error) {
	names := make(map[string]bool, len(comps))
	for _, comp := range comps {
		if names[comp.Name()] {
			return nil, fmt.Errorf("component %s registered twice", comp.Name())
		}
		names[comp.Name()] = true
	}
	for _, comp := range comps {
		for _, dep := range comp.Dependencies() {
			if !names[dep] {
				return nil, fmt.Errorf("component %s depends on %s which is not registered", comp.Name(), dep)
			}
		}
	}

	placed := make(map[string]bool, len(comps))
	order := make([]Component, 0, len(comps))
	for len(order) < len(comps) {
		progressed := false
		for _, comp := range comps {
			if placed[comp.Name()] || !depsPlaced(comp, placed) {
				continue
			}
			placed[comp.Name()] = true
			order = append(order, comp)
			progressed = true
		}
		if !progressed {
			var stuck []string
			for _, comp := range comps {
				if !placed[comp.Name()] {
					stuck = append(stuck, comp.Name())
				}
			}
			return nil, fmt.Errorf("circular dependency among %v", stuck)
		}
	}
	return order, nil
}

func depsPlaced(comp Component, placed map[string]bool) bool {
	for _, dep := range comp.Dependencies() {
		if !placed[dep] {
			return false
		}
	}
	return true
}

func (d *Daemon) monitor(ctx context.Context, interval time.Duration) {
	d.check()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.check()
		}
	}
}

// check logs unhealthy components and moves the daemon between running and
// degraded depending on whether any adapter has failed permanently.
func (d *Daemon) check() {
	for name, h := range d.ComponentHealth() {
		if !h.Healthy {
			slog.Warn("Component unhealthy", "component", name, "error", h.Error)
		}
	}

	d.mu.RLock()
	watch := d.adapters
	d.mu.RUnlock()
	if watch == nil {
		return
	}
	failed := len(watch.observe().Failed)

	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.health == StatusRunning && failed > 0:
		d.health = StatusDegraded
		slog.Warn("Daemon degraded", "failed_adapters", failed)
	case d.health == StatusDegraded && failed == 0:
		d.health = StatusRunning
		slog.Info("Daemon recovered")
	}
}
