package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harunnryd/chatgate/internal/config"
	"github.com/harunnryd/chatgate/internal/logger"
)

var (
	cfgFile  string
	envFiles []string
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "chatgate",
	Short:         "Unified chat gateway",
	Long:          `chatgate connects bots on Discord, Slack, Microsoft Teams and Telegram behind one inbound stream and one send path.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.chatgate/config.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before the config (default .env)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("server.port", config.DefaultServerPort, "health and metrics port")
}
