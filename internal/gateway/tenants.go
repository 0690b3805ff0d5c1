package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/message"
	"github.com/harunnryd/chatgate/internal/registry"
)

// requiredCredentials lists what each platform cannot connect without. Missing
// values are rejected before a supervisor is started.
var requiredCredentials = map[message.Platform][]string{
	message.Discord:  {"bot_token"},
	message.Slack:    {"bot_token"},
	message.Teams:    {"app_id", "app_password"},
	message.Telegram: {"bot_token"},
}

// TenantManager registers the configured tenants with a router and reports
// their aggregate health.
type TenantManager struct {
	router *Router

	mu            sync.RWMutex
	registrations []adapter.Registration
	started       bool
}

func NewTenantManager(router *Router, regs []adapter.Registration) (*TenantManager, error) {
	deduped := dedupeRegistrations(regs)
	for _, reg := range deduped {
		if err := validateRegistration(reg); err != nil {
			return nil, err
		}
	}
	return &TenantManager{router: router, registrations: deduped}, nil
}

func validateRegistration(reg adapter.Registration) error {
	if strings.TrimSpace(reg.TenantID) == "" {
		return fmt.Errorf("tenant id is required for %s adapter", reg.Platform)
	}
	for _, name := range requiredCredentials[reg.Platform] {
		if reg.Credentials.Get(name) == "" {
			return fmt.Errorf("tenants.%s.credentials.%s is required when %s adapter is enabled", reg.TenantID, name, reg.Platform)
		}
	}
	if reg.Platform == message.Slack {
		switch strings.ToLower(reg.Settings.String("mode", "socket")) {
		case "events":
			if reg.Credentials.Get("signing_secret") == "" {
				return fmt.Errorf("tenants.%s.credentials.signing_secret is required in slack events mode", reg.TenantID)
			}
		default:
			if reg.Credentials.Get("app_token") == "" {
				return fmt.Errorf("tenants.%s.credentials.app_token is required in slack socket mode", reg.TenantID)
			}
		}
	}
	return nil
}

// Registrations returns a copy of the managed registrations.
func (m *TenantManager) Registrations() []adapter.Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]adapter.Registration, len(m.registrations))
	copy(out, m.registrations)
	return out
}

// Start registers every tenant. A tenant that fails to register is logged and
// skipped so the others still come up.
func (m *TenantManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	regs := make([]adapter.Registration, len(m.registrations))
	copy(regs, m.registrations)
	m.mu.Unlock()

	registered := 0
	for _, reg := range regs {
		if _, err := m.router.Register(ctx, reg); err != nil {
			slog.Error("Failed to register tenant", "platform", string(reg.Platform), "tenant", reg.TenantID, "error", err)
			continue
		}
		registered++
	}
	if registered == 0 && len(regs) > 0 {
		return fmt.Errorf("no tenant could be registered")
	}
	return nil
}

// Stop closes the router, deregistering every tenant.
func (m *TenantManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	return m.router.Close(ctx)
}

// Health fails when a configured tenant is no longer registered, which happens
// after its credentials were rejected.
func (m *TenantManager) Health(ctx context.Context) error {
	m.mu.RLock()
	regs := make([]adapter.Registration, len(m.registrations))
	copy(regs, m.registrations)
	m.mu.RUnlock()

	live := make(map[registry.Key]registry.State)
	for _, e := range m.router.Snapshot() {
		live[e.Key] = e.State
	}

	var errs []string
	for _, reg := range regs {
		key := registry.Key{Platform: reg.Platform, TenantID: reg.TenantID}
		state, ok := live[key]
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("%s: not registered", key))
		case state == registry.FailedTerminal:
			errs = append(errs, fmt.Sprintf("%s: %s", key, state))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("unhealthy tenants: %s", strings.Join(errs, "; "))
	}
	return nil
}

// dedupeRegistrations keeps the first position of each (platform, tenant) and
// the last definition of it.
func dedupeRegistrations(regs []adapter.Registration) []adapter.Registration {
	if len(regs) == 0 {
		return nil
	}
	indexByKey := make(map[registry.Key]int, len(regs))
	ordered := make([]adapter.Registration, 0, len(regs))
	for _, reg := range regs {
		if reg.Platform == "" {
			continue
		}
		key := registry.Key{Platform: reg.Platform, TenantID: reg.TenantID}
		if idx, exists := indexByKey[key]; exists {
			ordered[idx] = reg
			continue
		}
		indexByKey[key] = len(ordered)
		ordered = append(ordered, reg)
	}
	return ordered
}
