package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harunnryd/chatgate/internal/config"
	"github.com/harunnryd/chatgate/internal/pathutil"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the chatgate configuration file.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Dump fully resolved configuration",
	Long:  `Display current configuration with all defaults applied and environment variables resolved. Credentials are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(loadedCfg.Redacted()); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return enc.Close()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize default configuration",
	Long:  `Create a starter configuration file at $HOME/.chatgate/config.yaml, or at --path, if it doesn't exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")
		if configPath == "" {
			p, err := config.DefaultPath()
			if err != nil {
				return fmt.Errorf("failed to get home directory: %w", err)
			}
			configPath = p
		}
		out := cmd.OutOrStdout()

		configPath, err := pathutil.EnsureParent(configPath)
		if err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}

		if _, err := os.Stat(configPath); err == nil && !force {
			fmt.Fprintf(out, "Config already exists at %s\n", configPath)
			fmt.Fprintln(out, "Use 'chatgate config view' to see current configuration.")
			fmt.Fprintln(out, "To reinitialize, pass --force.")
			return nil
		} else if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to check config file: %w", err)
		}

		if err := atomic.WriteFile(configPath, bytes.NewReader(config.Template())); err != nil {
			return fmt.Errorf("failed to write config to %s: %w", configPath, err)
		}

		fmt.Fprintf(out, "✓ Initialized config at %s\n", configPath)
		fmt.Fprintln(out, "\nNext steps:")
		fmt.Fprintln(out, "1. Put bot tokens in .env or the environment (DISCORD_BOT_TOKEN, SLACK_BOT_TOKEN, ...)")
		fmt.Fprintln(out, "2. Enable the tenants you need in config.yaml")
		fmt.Fprintln(out, "3. Run 'chatgate tenants' to verify, then 'chatgate serve'")
		return nil
	},
}

func loadConfigForCommand(cmd *cobra.Command) (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	return config.Load(cmd)
}

func init() {
	configInitCmd.Flags().String("path", "", "write the config to this path")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing config")
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
