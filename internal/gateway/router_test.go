package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/adapter/loopback"
	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
	"github.com/harunnryd/chatgate/internal/metrics"
	"github.com/harunnryd/chatgate/internal/registry"
	"github.com/harunnryd/chatgate/internal/supervisor"
)

// testFactories serves every platform with loopback adapters and remembers them.
type testFactories struct {
	mu    sync.Mutex
	built map[registry.Key]*loopback.Adapter
	setup func(*loopback.Adapter)
	calls int
}

func (f *testFactories) factories() adapter.Factories {
	build := func(reg adapter.Registration) (adapter.Adapter, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls++
		a := loopback.NewAs(reg.Platform, reg.TenantID)
		if f.setup != nil {
			f.setup(a)
		}
		if f.built == nil {
			f.built = make(map[registry.Key]*loopback.Adapter)
		}
		f.built[registry.Key{Platform: reg.Platform, TenantID: reg.TenantID}] = a
		return a, nil
	}
	return adapter.Factories{
		message.Discord: build,
		message.Slack:   build,
		message.Teams:   build,
	}
}

func (f *testFactories) adapter(p message.Platform, tenant string) *loopback.Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[registry.Key{Platform: p, TenantID: tenant}]
}

func testOptions() Options {
	return Options{
		EventBuffer:     16,
		DeregisterGrace: 2 * time.Second,
		Supervisor: supervisor.Options{
			ConnectTimeout: time.Second,
			SendTimeout:    time.Second,
			QueueSize:      5,
			StableWindow:   time.Hour,
			Backoff:        supervisor.BackoffConfig{Min: 10 * time.Millisecond, Max: 40 * time.Millisecond, Multiplier: 2},
		},
	}
}

func newTestRouter(t *testing.T, f *testFactories, opts Options) *Router {
	t.Helper()
	r := New(f.factories(), opts, metrics.New())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func waitLive(t *testing.T, h *Handle) {
	t.Helper()
	require.Eventually(t, func() bool { return h.State() == registry.Live }, 2*time.Second, 5*time.Millisecond)
}

func nextEvent(t *testing.T, r *Router) message.Message {
	t.Helper()
	select {
	case msg, ok := <-r.Events():
		require.True(t, ok, "events closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return message.Message{}
	}
}

func register(t *testing.T, r *Router, p message.Platform, tenant string) *Handle {
	t.Helper()
	h, err := r.Register(context.Background(), adapter.Registration{Platform: p, TenantID: tenant})
	require.NoError(t, err)
	return h
}

func TestRouter_InboundMessageReachesEvents(t *testing.T) {
	f := &testFactories{}
	r := newTestRouter(t, f, testOptions())

	h := register(t, r, message.Discord, "T1")
	waitLive(t, h)

	f.adapter(message.Discord, "T1").Inject(loopback.Event{ID: "1", Channel: "C1", Author: "U1", Text: "hello"})

	msg := nextEvent(t, r)
	assert.Equal(t, message.Discord, msg.Platform)
	assert.Equal(t, "T1", msg.TenantID)
	assert.Equal(t, "hello", msg.Text)
}

func TestRouter_SendToLiveAdapterSendsOnce(t *testing.T) {
	f := &testFactories{}
	r := newTestRouter(t, f, testOptions())

	h := register(t, r, message.Discord, "T1")
	waitLive(t, h)

	ack, err := r.SendTo(context.Background(), message.Destination{Platform: message.Discord, ChannelRef: "C1"}, message.Draft{Text: "hi there"})
	require.NoError(t, err)
	assert.Equal(t, message.Discord, ack.Platform)
	assert.Equal(t, 1, ack.Parts)

	sent := f.adapter(message.Discord, "T1").Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hi there", sent[0].Text)
	assert.Equal(t, "T1", sent[0].Destination.TenantID)
	assert.Equal(t, ack.ID, sent[0].ID)
}

func TestRouter_SocketDropIsTransparent(t *testing.T) {
	f := &testFactories{}
	r := newTestRouter(t, f, testOptions())

	h := register(t, r, message.Discord, "T1")
	waitLive(t, h)
	lb := f.adapter(message.Discord, "T1")

	lb.Inject(loopback.Event{ID: "1", Channel: "C1", Author: "U1", Text: "first"})
	assert.Equal(t, "first", nextEvent(t, r).Text)

	live := lb.Live()
	require.True(t, lb.Drop(nil))
	select {
	case <-live:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect")
	}
	waitLive(t, h)

	lb.Inject(loopback.Event{ID: "1", Channel: "C1", Author: "U1", Text: "first"})
	lb.Inject(loopback.Event{ID: "2", Channel: "C1", Author: "U1", Text: "second"})
	assert.Equal(t, "second", nextEvent(t, r).Text)

	assert.Len(t, r.Snapshot(), 1)
	assert.Equal(t, 1, f.calls)
}

func TestRouter_QueueOverflowWhileReconnecting(t *testing.T) {
	opts := testOptions()
	opts.Supervisor.Backoff = supervisor.BackoffConfig{Min: time.Hour, Max: time.Hour}
	f := &testFactories{setup: func(a *loopback.Adapter) {
		a.FailConnect(errors.NewConnectError("discord", errors.ErrNetworkUnreachable, nil))
	}}
	r := newTestRouter(t, f, opts)

	h := register(t, r, message.Discord, "T1")
	require.Eventually(t, func() bool { return h.State() == registry.Reconnecting }, 2*time.Second, 5*time.Millisecond)

	dest := message.Destination{Platform: message.Discord, TenantID: "T1", ChannelRef: "C1"}
	queued := make(chan error, 5)
	notLive := 0

	for i := 0; i < 20; i++ {
		draft := message.Draft{Text: fmt.Sprintf("m%d", i)}
		if i < 5 {
			go func() {
				_, err := r.SendTo(context.Background(), dest, draft)
				queued <- err
			}()
			require.Eventually(t, func() bool { return h.QueueLen() == i+1 }, time.Second, time.Millisecond)
			continue
		}
		_, err := r.SendTo(context.Background(), dest, draft)
		var routeErr *errors.RouteError
		require.ErrorAs(t, err, &routeErr)
		if errors.Is(err, errors.ErrAdapterNotLive) {
			notLive++
		}
	}
	assert.Equal(t, 15, notLive)

	require.NoError(t, r.Deregister(context.Background(), message.Discord, "T1"))
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, <-queued, errors.ErrSessionDead)
	}
}

func TestRouter_SendToUnknownDestination(t *testing.T) {
	f := &testFactories{}
	r := newTestRouter(t, f, testOptions())

	h := register(t, r, message.Slack, "acme")
	waitLive(t, h)

	cases := []message.Destination{
		{Platform: message.Discord, TenantID: "T1", ChannelRef: "C1"},
		{Platform: message.Slack, TenantID: "other", ChannelRef: "C1"},
		{Platform: message.Teams, ChannelRef: "C1"},
	}
	for _, dest := range cases {
		t.Run(dest.String(), func(t *testing.T) {
			_, err := r.SendTo(context.Background(), dest, message.Draft{Text: "x"})
			var routeErr *errors.RouteError
			require.ErrorAs(t, err, &routeErr)
			assert.ErrorIs(t, err, errors.ErrNoSuchDestination)
		})
	}
	assert.Empty(t, f.adapter(message.Slack, "acme").Sent())
}

func TestRouter_AmbiguousTenantIsUnroutable(t *testing.T) {
	f := &testFactories{}
	r := newTestRouter(t, f, testOptions())

	waitLive(t, register(t, r, message.Slack, "a"))
	waitLive(t, register(t, r, message.Slack, "b"))

	_, err := r.SendTo(context.Background(), message.Destination{Platform: message.Slack, ChannelRef: "C1"}, message.Draft{Text: "x"})
	assert.ErrorIs(t, err, errors.ErrNoSuchDestination)

	_, err = r.SendTo(context.Background(), message.Destination{Platform: message.Slack, TenantID: "b", ChannelRef: "C1"}, message.Draft{Text: "x"})
	assert.NoError(t, err)
}

func TestRouter_RegisterIsIdempotent(t *testing.T) {
	f := &testFactories{}
	r := newTestRouter(t, f, testOptions())

	first := register(t, r, message.Discord, "T1")
	second := register(t, r, message.Discord, "T1")

	assert.Same(t, first, second)
	assert.Equal(t, 1, f.calls)
	assert.Len(t, r.Snapshot(), 1)
}

func TestRouter_RegisterValidates(t *testing.T) {
	r := newTestRouter(t, &testFactories{}, testOptions())

	_, err := r.Register(context.Background(), adapter.Registration{Platform: message.Discord})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = r.Register(context.Background(), adapter.Registration{Platform: message.Telegram, TenantID: "x"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestRouter_FaultInOneAdapterDoesNotAffectAnother(t *testing.T) {
	f := &testFactories{}
	r := newTestRouter(t, f, testOptions())

	a := register(t, r, message.Discord, "A")
	b := register(t, r, message.Slack, "B")
	waitLive(t, a)
	waitLive(t, b)

	la := f.adapter(message.Discord, "A")
	lbb := f.adapter(message.Slack, "B")

	la.Inject(loopback.Event{ID: "bad", Author: "U1", Text: "undecodable"})
	require.True(t, la.Drop(nil))

	lbb.Inject(loopback.Event{ID: "b1", Channel: "C", Author: "U", Text: "from b"})
	msg := nextEvent(t, r)
	assert.Equal(t, message.Slack, msg.Platform)
	assert.Equal(t, "from b", msg.Text)
}

func TestRouter_PreservesPerAdapterOrder(t *testing.T) {
	f := &testFactories{}
	r := newTestRouter(t, f, testOptions())

	a := register(t, r, message.Discord, "A")
	b := register(t, r, message.Slack, "B")
	waitLive(t, a)
	waitLive(t, b)

	const n = 30
	go func() {
		for i := 0; i < n; i++ {
			f.adapter(message.Discord, "A").Inject(loopback.Event{ID: fmt.Sprintf("a%d", i), Channel: "C", Author: "U", Text: fmt.Sprint(i)})
		}
	}()
	go func() {
		for i := 0; i < n; i++ {
			f.adapter(message.Slack, "B").Inject(loopback.Event{ID: fmt.Sprintf("b%d", i), Channel: "C", Author: "U", Text: fmt.Sprint(i)})
		}
	}()

	next := map[message.Platform]int{}
	for i := 0; i < 2*n; i++ {
		msg := nextEvent(t, r)
		assert.Equal(t, fmt.Sprint(next[msg.Platform]), msg.Text, "platform %s", msg.Platform)
		next[msg.Platform]++
	}
}

func TestRouter_TerminalFailureRemovesEntry(t *testing.T) {
	f := &testFactories{}
	r := newTestRouter(t, f, testOptions())

	h, err := r.Register(context.Background(), adapter.Registration{
		Platform:    message.Teams,
		TenantID:    "contoso",
		Credentials: adapter.Credentials{"token": loopback.RejectToken},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(r.Snapshot()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, registry.FailedTerminal, h.State())

	_, err = r.SendTo(context.Background(), message.Destination{Platform: message.Teams, TenantID: "contoso", ChannelRef: "C"}, message.Draft{Text: "x"})
	assert.ErrorIs(t, err, errors.ErrNoSuchDestination)
}

func TestRouter_DeregisterIsNoopWhenAbsent(t *testing.T) {
	r := newTestRouter(t, &testFactories{}, testOptions())
	assert.NoError(t, r.Deregister(context.Background(), message.Discord, "nobody"))
}

func TestRouter_CloseEndsEventsAndRejectsRegistration(t *testing.T) {
	f := &testFactories{}
	r := New(f.factories(), testOptions(), nil)

	waitLive(t, register(t, r, message.Discord, "T1"))
	require.NoError(t, r.Close(context.Background()))

	_, ok := <-r.Events()
	assert.False(t, ok)
	assert.Empty(t, r.Snapshot())

	_, err := r.Register(context.Background(), adapter.Registration{Platform: message.Discord, TenantID: "T2"})
	assert.ErrorIs(t, err, errors.ErrConflict)
	assert.NoError(t, r.Close(context.Background()))
}
