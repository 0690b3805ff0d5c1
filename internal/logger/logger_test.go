package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" WARN "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestFromContext_AddsAdapterAttrs(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", true)

	ctx := WithAdapter(context.Background(), "discord", "guild-1")
	assert.Equal(t, "discord", GetPlatform(ctx))
	assert.Equal(t, "guild-1", GetTenant(ctx))

	FromContext(ctx).Info("hello")
	out := buf.String()
	assert.Contains(t, out, "platform=discord")
	assert.Contains(t, out, "tenant=guild-1")
}
