package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/harunnryd/chatgate/internal/adapter/catalog"
	"github.com/harunnryd/chatgate/internal/config"
	"github.com/harunnryd/chatgate/internal/daemon"
	"github.com/harunnryd/chatgate/internal/daemon/components"
	"github.com/harunnryd/chatgate/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long:  `Connects every enabled tenant, relays inbound messages, runs scheduled posts and serves /health and /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		d, err := buildDaemon(cfg)
		if err != nil {
			return err
		}

		slog.Info("chatgate starting up...", "port", cfg.Server.Port, "tenants", len(cfg.Tenants))
		if err := d.Start(cmd.Context()); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("chatgate stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}
		slog.Info("chatgate stopped gracefully")
		return nil
	},
}

func buildDaemon(cfg *config.Config) (*daemon.Daemon, error) {
	d, err := daemon.NewDaemon(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create daemon: %w", err)
	}

	m := metrics.New()
	gw := components.NewGatewayComponent(cfg, catalog.Default(), m)
	d.AddComponent(gw)
	d.WatchAdapters(gw)
	if cfg.Relay.Enabled {
		d.AddComponent(components.NewRelayComponent(gw, &cfg.Relay))
	}
	d.AddComponent(components.NewSchedulerComponent(gw, cfg.Schedules, m))
	d.AddComponent(components.NewHTTPServerComponent(d, gw, m.Handler(), &cfg.Server, version))
	return d, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
