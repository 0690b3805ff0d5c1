package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/harunnryd/chatgate/internal/adapter/catalog"
	"github.com/harunnryd/chatgate/internal/adapter/console"
	"github.com/harunnryd/chatgate/internal/config"
	"github.com/harunnryd/chatgate/internal/daemon"
	"github.com/harunnryd/chatgate/internal/daemon/components"
	"github.com/harunnryd/chatgate/internal/logger"
	"github.com/harunnryd/chatgate/internal/message"
	"github.com/harunnryd/chatgate/internal/metrics"
)

const consoleTenant = "local"

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Chat with the gateway from the terminal",
	Long:  `Runs the gateway with a single console tenant on stdin and stdout. Built-in commands such as $hello and !ping are answered by the relay. Type /exit to quit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}
		echo, _ := cmd.Flags().GetBool("echo")
		noColor, _ := cmd.Flags().GetBool("no-color")

		// Logs would interleave with the prompt.
		logger.SetupWriter(cmd.ErrOrStderr(), "warn", noColor)

		consoleCfg := consoleConfig(cfg, echo, noColor)
		d, err := daemon.NewDaemon(consoleCfg)
		if err != nil {
			return err
		}
		d.SetSkipLock(true)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		gw := components.NewGatewayComponent(consoleCfg, catalog.Default(), metrics.New())
		d.AddComponent(gw)
		d.WatchAdapters(gw)
		d.AddComponent(components.NewRelayComponent(gw, &consoleCfg.Relay))
		d.AddComponent(newConsoleWatcher(gw, cancel))

		fmt.Fprintln(cmd.OutOrStdout(), "chatgate console. Try $hello, !ping or !status. Type /exit to quit.")
		if err := d.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// consoleConfig keeps the gateway settings of base and replaces its tenants
// with one console tenant.
func consoleConfig(base *config.Config, echo, noColor bool) *config.Config {
	out := *base
	out.Tenants = []config.TenantConfig{{
		ID:       consoleTenant,
		Platform: string(message.Console),
		Settings: map[string]string{"no_color": fmt.Sprintf("%t", noColor)},
	}}
	out.Schedules = nil
	out.Relay = config.RelayConfig{Enabled: true, Commands: true, Echo: echo}
	return &out
}

// consoleWatcher cancels the run when the console reaches end of input.
type consoleWatcher struct {
	gateway *components.GatewayComponent
	cancel  context.CancelFunc

	mu      sync.Mutex
	started bool
}

func newConsoleWatcher(gw *components.GatewayComponent, cancel context.CancelFunc) *consoleWatcher {
	return &consoleWatcher{gateway: gw, cancel: cancel}
}

func (w *consoleWatcher) Name() string {
	return "ConsoleWatcher"
}

func (w *consoleWatcher) Dependencies() []string {
	return []string{components.GatewayComponentName}
}

func (w *consoleWatcher) Init(ctx context.Context) error {
	return nil
}

func (w *consoleWatcher) Start(ctx context.Context) error {
	router := w.gateway.Router()
	if router == nil {
		return fmt.Errorf("gateway router not initialized")
	}
	h, ok := router.Lookup(message.Console, consoleTenant)
	if !ok {
		return fmt.Errorf("console tenant not registered")
	}
	a, ok := h.Adapter().(*console.Adapter)
	if !ok {
		return fmt.Errorf("console tenant has unexpected adapter %T", h.Adapter())
	}

	w.mu.Lock()
	w.started = true
	w.mu.Unlock()

	go func() {
		select {
		case <-a.Done():
			slog.Debug("Console input closed")
			w.cancel()
		case <-ctx.Done():
		}
	}()
	return nil
}

func (w *consoleWatcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = false
	return nil
}

func (w *consoleWatcher) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return &daemon.ComponentHealth{Name: w.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	return &daemon.ComponentHealth{Name: w.Name(), Healthy: true}, nil
}

func init() {
	consoleCmd.Flags().Bool("echo", false, "mirror every line back")
	consoleCmd.Flags().Bool("no-color", false, "disable colored output")
	rootCmd.AddCommand(consoleCmd)
}
