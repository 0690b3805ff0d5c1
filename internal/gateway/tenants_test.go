package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/adapter/loopback"
	"github.com/harunnryd/chatgate/internal/message"
)

func TestNewTenantManager_ValidatesCredentials(t *testing.T) {
	r := newTestRouter(t, &testFactories{}, testOptions())

	_, err := NewTenantManager(r, []adapter.Registration{{Platform: message.Discord, TenantID: "T1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenants.T1.credentials.bot_token")

	_, err = NewTenantManager(r, []adapter.Registration{{
		Platform:    message.Slack,
		TenantID:    "acme",
		Credentials: adapter.Credentials{"bot_token": "xoxb"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app_token")

	_, err = NewTenantManager(r, []adapter.Registration{{
		Platform:    message.Slack,
		TenantID:    "acme",
		Credentials: adapter.Credentials{"bot_token": "xoxb", "signing_secret": "s"},
		Settings:    adapter.Settings{"mode": "events"},
	}})
	assert.NoError(t, err)
}

func TestTenantManager_DedupesKeepingLastDefinition(t *testing.T) {
	r := newTestRouter(t, &testFactories{}, testOptions())

	m, err := NewTenantManager(r, []adapter.Registration{
		{Platform: message.Discord, TenantID: "T1", Credentials: adapter.Credentials{"bot_token": "old"}},
		{Platform: message.Teams, TenantID: "C1", Credentials: adapter.Credentials{"app_id": "a", "app_password": "p"}},
		{Platform: message.Discord, TenantID: "T1", Credentials: adapter.Credentials{"bot_token": "new"}},
	})
	require.NoError(t, err)

	regs := m.Registrations()
	require.Len(t, regs, 2)
	assert.Equal(t, message.Discord, regs[0].Platform)
	assert.Equal(t, "new", regs[0].Credentials.Get("bot_token"))
	assert.Equal(t, message.Teams, regs[1].Platform)
}

func TestTenantManager_StartAndHealth(t *testing.T) {
	f := &testFactories{}
	r := newTestRouter(t, f, testOptions())

	m, err := NewTenantManager(r, []adapter.Registration{
		{Platform: message.Discord, TenantID: "good", Credentials: adapter.Credentials{"bot_token": "ok"}},
		{Platform: message.Discord, TenantID: "bad", Credentials: adapter.Credentials{"bot_token": "ok", "token": loopback.RejectToken}},
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(r.Snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	err = m.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord/bad: not registered")

	require.NoError(t, m.Stop(context.Background()))
	_, open := <-r.Events()
	assert.False(t, open)
}
