package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const PlatformKey contextKey = "platform"
const TenantKey contextKey = "tenant"

func WithAdapter(ctx context.Context, platform, tenant string) context.Context {
	ctx = context.WithValue(ctx, PlatformKey, platform)
	return context.WithValue(ctx, TenantKey, tenant)
}

func GetPlatform(ctx context.Context) string {
	if p, ok := ctx.Value(PlatformKey).(string); ok {
		return p
	}
	return ""
}

func GetTenant(ctx context.Context) string {
	if t, ok := ctx.Value(TenantKey).(string); ok {
		return t
	}
	return ""
}

// FromContext returns the default logger annotated with the adapter identity
// carried by ctx, if any.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if p := GetPlatform(ctx); p != "" {
		l = l.With("platform", p)
	}
	if t := GetTenant(ctx); t != "" {
		l = l.With("tenant", t)
	}
	return l
}
