package components

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/harunnryd/chatgate/internal/config"
	"github.com/harunnryd/chatgate/internal/daemon"
	"github.com/harunnryd/chatgate/internal/registry"
)

const HTTPServerComponentName = "HTTPServer"

// DaemonStatus is the part of the daemon the health endpoint reports.
type DaemonStatus interface {
	Health() daemon.HealthStatus
	Uptime() time.Duration
	ComponentHealth() map[string]*daemon.ComponentHealth
}

// AdapterStates lists the registered adapter instances.
type AdapterStates interface {
	Snapshot() []registry.Entry
}

type HTTPServerComponent struct {
	daemon       DaemonStatus
	adapters     AdapterStates
	metrics      http.Handler
	cfg          *config.ServerConfig
	dependencies []string
	version      string

	server      *http.Server
	shutdownTTL time.Duration
	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewHTTPServerComponent(d DaemonStatus, adapters AdapterStates, metrics http.Handler, cfg *config.ServerConfig, version string) *HTTPServerComponent {
	return &HTTPServerComponent{
		daemon:       d,
		adapters:     adapters,
		metrics:      metrics,
		cfg:          cfg,
		version:      version,
		dependencies: []string{GatewayComponentName},
	}
}

func (h *HTTPServerComponent) Name() string {
	return HTTPServerComponentName
}

func (h *HTTPServerComponent) Dependencies() []string {
	out := make([]string, len(h.dependencies))
	copy(out, h.dependencies)
	return out
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	readTimeout, err := config.DurationOrDefault(h.cfg.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(h.cfg.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse server write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(h.cfg.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(h.cfg.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", h.cfg.Port),
		Handler:      h.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	slog.Info("HTTPServer initialized", "component", h.Name(), "port", h.cfg.Port)
	return nil
}

// Handler serves /health and, when a metrics handler is set, /metrics.
func (h *HTTPServerComponent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics)
	}
	return mux
}

func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}

	server := h.server
	go func() {
		slog.Info("HTTP server listening", "component", h.Name(), "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "component", h.Name(), "error", err)
		}
	}()

	h.started = true
	slog.Info("HTTPServer started", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTPServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	h.started = false
	slog.Info("HTTPServer stopped", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.initialized {
		return &daemon.ComponentHealth{Name: h.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !h.started {
		return &daemon.ComponentHealth{Name: h.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	return &daemon.ComponentHealth{Name: h.Name(), Healthy: true}, nil
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Daemon     daemon.HealthStatus        `json:"daemon"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Components map[string]componentHealth `json:"components"`
	Adapters   []registry.Entry           `json:"adapters"`
}

type componentHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func (h *HTTPServerComponent) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{
		Status:     "ok",
		Version:    h.version,
		Components: make(map[string]componentHealth),
		Adapters:   []registry.Entry{},
	}
	healthy := true

	if h.daemon != nil {
		resp.Daemon = h.daemon.Health()
		resp.Uptime = h.daemon.Uptime().Round(time.Second).String()
		for name, ch := range h.daemon.ComponentHealth() {
			c := componentHealth{Healthy: ch.Healthy}
			if ch.Error != nil {
				c.Error = ch.Error.Error()
			}
			resp.Components[name] = c
			if name == GatewayComponentName && !ch.Healthy {
				healthy = false
			}
		}
	}

	if h.adapters != nil {
		resp.Adapters = h.adapters.Snapshot()
		for _, e := range resp.Adapters {
			if e.State == registry.FailedTerminal {
				healthy = false
			}
		}
	}

	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("Failed to encode health response", "error", err)
	}
}
