package config

import (
	"fmt"
	"strings"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/message"
)

// Registrations converts the enabled tenants into adapter registrations.
func (c *Config) Registrations() ([]adapter.Registration, error) {
	var regs []adapter.Registration
	seen := make(map[string]bool)
	for i, t := range c.Tenants {
		if !t.IsEnabled() {
			continue
		}
		if t.ID == "" {
			return nil, fmt.Errorf("tenants[%d].id is required", i)
		}
		platform, err := message.ParsePlatform(t.Platform)
		if err != nil {
			return nil, fmt.Errorf("tenants[%d] (%s): %w", i, t.ID, err)
		}
		key := string(platform) + "/" + t.ID
		if seen[key] {
			return nil, fmt.Errorf("tenants[%d]: duplicate tenant %s", i, key)
		}
		seen[key] = true

		regs = append(regs, adapter.Registration{
			Platform:    platform,
			TenantID:    t.ID,
			Credentials: adapter.Credentials(copyMap(t.Credentials)),
			Settings:    adapter.Settings(copyMap(t.Settings)),
		})
	}
	return regs, nil
}

// Redacted returns a copy with every credential value masked.
func (c *Config) Redacted() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Tenants = make([]TenantConfig, len(c.Tenants))
	for i, t := range c.Tenants {
		t.Credentials = copyMap(t.Credentials)
		for name, value := range t.Credentials {
			t.Credentials[name] = MaskSecret(value)
		}
		t.Settings = copyMap(t.Settings)
		out.Tenants[i] = t
	}
	return &out
}

// MaskSecret keeps the first and last two characters of long secrets.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
