package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/chatgate/internal/config"
	"github.com/harunnryd/chatgate/internal/daemon"
	"github.com/harunnryd/chatgate/internal/message"
	"github.com/harunnryd/chatgate/internal/relay"
)

const RelayComponentName = "Relay"

type RelayComponent struct {
	gateway *GatewayComponent
	cfg     *config.RelayConfig
	observe func(message.Message)

	mu          sync.RWMutex
	relay       *relay.Relay
	initialized bool
	started     bool
}

func NewRelayComponent(gw *GatewayComponent, cfg *config.RelayConfig) *RelayComponent {
	return &RelayComponent{gateway: gw, cfg: cfg}
}

// WithObserver sets a callback invoked for every inbound message.
func (r *RelayComponent) WithObserver(fn func(message.Message)) *RelayComponent {
	r.observe = fn
	return r
}

func (r *RelayComponent) Name() string {
	return RelayComponentName
}

func (r *RelayComponent) Dependencies() []string {
	return []string{GatewayComponentName}
}

func (r *RelayComponent) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	router := r.gateway.Router()
	if router == nil {
		return fmt.Errorf("gateway router not initialized")
	}
	sendTimeout, err := config.DurationOrDefault(r.cfg.SendTimeout, config.DefaultRelaySendTimeout)
	if err != nil {
		return fmt.Errorf("relay.send_timeout: %w", err)
	}
	r.relay = relay.New(router, relay.Options{
		Echo:        r.cfg.Echo,
		Commands:    r.cfg.Commands,
		Observe:     r.observe,
		SendTimeout: sendTimeout,
		ReplyQueue:  r.cfg.ReplyQueue,
	})
	r.initialized = true
	return nil
}

func (r *RelayComponent) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return fmt.Errorf("relay component not initialized")
	}
	if err := r.relay.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	r.started = true
	slog.Info("Relay component started", "component", r.Name())
	return nil
}

func (r *RelayComponent) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}
	r.started = false
	return r.relay.Stop(ctx)
}

func (r *RelayComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.started {
		return &daemon.ComponentHealth{Name: r.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	return &daemon.ComponentHealth{Name: r.Name(), Healthy: true}, nil
}
