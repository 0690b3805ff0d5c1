package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/harunnryd/chatgate/internal/pathutil"
)

const EnvPrefix = "CHATGATE_"

type Config struct {
	Server    ServerConfig     `koanf:"server" yaml:"server"`
	Gateway   GatewayConfig    `koanf:"gateway" yaml:"gateway"`
	Tenants   []TenantConfig   `koanf:"tenants" yaml:"tenants"`
	Schedules []ScheduleConfig `koanf:"schedules" yaml:"schedules"`
	Relay     RelayConfig      `koanf:"relay" yaml:"relay"`
	Daemon    DaemonConfig     `koanf:"daemon" yaml:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port" yaml:"port"`
	LogLevel        string `koanf:"log_level" yaml:"log_level"`
	ReadTimeout     string `koanf:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type GatewayConfig struct {
	EventBuffer       int           `koanf:"event_buffer" yaml:"event_buffer"`
	QueueSize         int           `koanf:"queue_size" yaml:"queue_size"`
	ConnectTimeout    string        `koanf:"connect_timeout" yaml:"connect_timeout"`
	SendTimeout       string        `koanf:"send_timeout" yaml:"send_timeout"`
	StableWindow      string        `koanf:"stable_window" yaml:"stable_window"`
	HeartbeatInterval string        `koanf:"heartbeat_interval" yaml:"heartbeat_interval"`
	DeregisterGrace   string        `koanf:"deregister_grace" yaml:"deregister_grace"`
	DedupeWindow      int           `koanf:"dedupe_window" yaml:"dedupe_window"`
	Backoff           BackoffConfig `koanf:"backoff" yaml:"backoff"`
}

type BackoffConfig struct {
	Min        string  `koanf:"min" yaml:"min"`
	Max        string  `koanf:"max" yaml:"max"`
	Multiplier float64 `koanf:"multiplier" yaml:"multiplier"`
	Jitter     float64 `koanf:"jitter" yaml:"jitter"`
}

// TenantConfig is one adapter instance. Credential values may reference the
// environment as ${NAME}.
type TenantConfig struct {
	ID          string            `koanf:"id" yaml:"id"`
	Platform    string            `koanf:"platform" yaml:"platform"`
	Enabled     *bool             `koanf:"enabled" yaml:"enabled,omitempty"`
	Credentials map[string]string `koanf:"credentials" yaml:"credentials,omitempty"`
	Settings    map[string]string `koanf:"settings" yaml:"settings,omitempty"`
}

// IsEnabled treats an omitted enabled flag as true.
func (t TenantConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

type ScheduleConfig struct {
	Name     string `koanf:"name" yaml:"name"`
	Spec     string `koanf:"spec" yaml:"spec"`
	Platform string `koanf:"platform" yaml:"platform"`
	Tenant   string `koanf:"tenant" yaml:"tenant,omitempty"`
	Channel  string `koanf:"channel" yaml:"channel"`
	Thread   string `koanf:"thread" yaml:"thread,omitempty"`
	Text     string `koanf:"text" yaml:"text"`
}

type RelayConfig struct {
	Enabled     bool   `koanf:"enabled" yaml:"enabled"`
	Echo        bool   `koanf:"echo" yaml:"echo"`
	Commands    bool   `koanf:"commands" yaml:"commands"`
	SendTimeout string `koanf:"send_timeout" yaml:"send_timeout"`
	ReplyQueue  int    `koanf:"reply_queue" yaml:"reply_queue"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval" yaml:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout" yaml:"startup_shutdown_timeout"`
	LockPath               string `koanf:"lock_path" yaml:"lock_path"`
}

const (
	DefaultServerPort                   = 8080
	DefaultServerLogLevel               = "info"
	DefaultServerReadTimeout            = "10s"
	DefaultServerWriteTimeout           = "10s"
	DefaultServerIdleTimeout            = "60s"
	DefaultServerShutdownTimeout        = "5s"
	DefaultGatewayEventBuffer           = 256
	DefaultGatewayQueueSize             = 256
	DefaultGatewayConnectTimeout        = "30s"
	DefaultGatewaySendTimeout           = "15s"
	DefaultGatewayStableWindow          = "60s"
	DefaultGatewayHeartbeatInterval     = "0s"
	DefaultGatewayDeregisterGrace       = "10s"
	DefaultGatewayDedupeWindow          = 1024
	DefaultBackoffMin                   = "1s"
	DefaultBackoffMax                   = "2m"
	DefaultBackoffMultiplier            = 2.0
	DefaultBackoffJitter                = 0.2
	DefaultRelayEnabled                 = true
	DefaultRelayEcho                    = false
	DefaultRelayCommands                = true
	DefaultRelaySendTimeout             = "15s"
	DefaultRelayReplyQueue              = 64
	DefaultDaemonShutdownTimeout        = "30s"
	DefaultDaemonHealthCheckInterval    = "30s"
	DefaultDaemonStartupShutdownTimeout = "10s"
	DefaultDaemonLockPath               = "~/.chatgate/chatgate.lock"
)

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.port":                     DefaultServerPort,
		"server.log_level":                DefaultServerLogLevel,
		"server.read_timeout":             DefaultServerReadTimeout,
		"server.write_timeout":            DefaultServerWriteTimeout,
		"server.idle_timeout":             DefaultServerIdleTimeout,
		"server.shutdown_timeout":         DefaultServerShutdownTimeout,
		"gateway.event_buffer":            DefaultGatewayEventBuffer,
		"gateway.queue_size":              DefaultGatewayQueueSize,
		"gateway.connect_timeout":         DefaultGatewayConnectTimeout,
		"gateway.send_timeout":            DefaultGatewaySendTimeout,
		"gateway.stable_window":           DefaultGatewayStableWindow,
		"gateway.heartbeat_interval":      DefaultGatewayHeartbeatInterval,
		"gateway.deregister_grace":        DefaultGatewayDeregisterGrace,
		"gateway.dedupe_window":           DefaultGatewayDedupeWindow,
		"gateway.backoff.min":             DefaultBackoffMin,
		"gateway.backoff.max":             DefaultBackoffMax,
		"gateway.backoff.multiplier":      DefaultBackoffMultiplier,
		"gateway.backoff.jitter":          DefaultBackoffJitter,
		"relay.enabled":                   DefaultRelayEnabled,
		"relay.echo":                      DefaultRelayEcho,
		"relay.commands":                  DefaultRelayCommands,
		"relay.send_timeout":              DefaultRelaySendTimeout,
		"relay.reply_queue":               DefaultRelayReplyQueue,
		"daemon.shutdown_timeout":         DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":    DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout": DefaultDaemonStartupShutdownTimeout,
		"daemon.lock_path":                DefaultDaemonLockPath,
	}
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// DefaultPath is ~/.chatgate/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".chatgate", "config.yaml"), nil
}

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults() {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", configPath, err)
		}
	} else if globalPath, err := DefaultPath(); err == nil {
		if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
			slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
		}
	}

	// CHATGATE_SERVER__LOG_LEVEL sets server.log_level.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if cmd != nil {
		if err := k.Load(posflag.Provider(cmd.Flags(), ".", k), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func normalize(cfg *Config) error {
	lockPath, err := pathutil.Expand(cfg.Daemon.LockPath)
	if err != nil {
		return err
	}
	cfg.Daemon.LockPath = lockPath

	for i := range cfg.Tenants {
		t := &cfg.Tenants[i]
		t.ID = strings.TrimSpace(t.ID)
		t.Platform = strings.ToLower(strings.TrimSpace(t.Platform))
		for name, value := range t.Credentials {
			t.Credentials[name] = os.ExpandEnv(value)
		}
	}
	return nil
}
