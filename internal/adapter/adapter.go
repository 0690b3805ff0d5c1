package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
)

// Sink receives the output of a session's inbound stream. Deliver is called in
// platform delivery order from a single goroutine.
type Sink interface {
	Deliver(msg message.Message)
	// Drop reports an inbound event that could not be decoded.
	Drop(err error)
}

// SinkFuncs adapts plain functions to Sink. A nil Dropped ignores decode errors.
type SinkFuncs struct {
	Delivered func(message.Message)
	Dropped   func(error)
}

func (f SinkFuncs) Deliver(msg message.Message) {
	if f.Delivered != nil {
		f.Delivered(msg)
	}
}

func (f SinkFuncs) Drop(err error) {
	if f.Dropped != nil {
		f.Dropped(err)
	}
}

// Adapter is the per-platform chat contract. An Adapter value is bound to one
// tenant and produces one Session per connection attempt.
type Adapter interface {
	// Platform returns the platform variant this adapter speaks.
	Platform() message.Platform

	// Connect authenticates against the platform. Failures are *errors.ConnectError.
	Connect(ctx context.Context, creds Credentials) (Session, error)
}

// Session is one authenticated connection.
type Session interface {
	// Handshake opens the realtime event channel (socket, webhook listener, poller).
	// Failures are *errors.ConnectError.
	Handshake(ctx context.Context) error

	// Listen blocks delivering inbound messages to sink. It returns nil when the
	// session is closed or ctx ends, and an error when the session fails.
	Listen(ctx context.Context, sink Sink) error

	// Send delivers one outbound message. Failures are *errors.SendError or
	// *errors.EncodeError.
	Send(ctx context.Context, msg message.Message, dest message.Destination) (message.Ack, error)

	// Close releases every network resource held by the session. Safe to call more than once.
	Close() error
}

// Pinger is implemented by sessions that can check liveness on demand.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Credentials is the secret material for one tenant, keyed by platform-specific names
// such as "bot_token" or "client_secret".
type Credentials map[string]string

func (c Credentials) Get(name string) string {
	return strings.TrimSpace(c[name])
}

// Require returns the named credential or an auth-rejected connect error.
func (c Credentials) Require(platform message.Platform, name string) (string, error) {
	v := c.Get(name)
	if v == "" {
		return "", errors.NewConnectError(string(platform), errors.ErrAuthRejected, fmt.Errorf("credential %q is empty", name))
	}
	return v, nil
}

// Settings carries non-secret per-tenant adapter options.
type Settings map[string]string

func (s Settings) String(name, def string) string {
	if v := strings.TrimSpace(s[name]); v != "" {
		return v
	}
	return def
}

func (s Settings) Int(name string, def int) int {
	v := strings.TrimSpace(s[name])
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (s Settings) Bool(name string, def bool) bool {
	v := strings.TrimSpace(s[name])
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (s Settings) Duration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(s[name])
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func (s Settings) List(name string) []string {
	v := strings.TrimSpace(s[name])
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Registration describes one adapter instance to run.
type Registration struct {
	Platform    message.Platform
	TenantID    string
	Credentials Credentials
	Settings    Settings
}

// Factory builds an Adapter for a registration.
type Factory func(reg Registration) (Adapter, error)

// Factories maps platforms to their adapter constructors.
type Factories map[message.Platform]Factory

// Build constructs the adapter for reg.
func (f Factories) Build(reg Registration) (Adapter, error) {
	factory, ok := f[reg.Platform]
	if !ok {
		return nil, errors.InvalidInput(fmt.Sprintf("no adapter factory for platform %q", reg.Platform))
	}
	return factory(reg)
}
