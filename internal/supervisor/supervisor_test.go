package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
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
)

type harness struct {
	sup      *Supervisor
	lb       *loopback.Adapter
	reg      *registry.Registry
	inbound  chan message.Message
	terminal atomic.Int32
}

func newHarness(t *testing.T, opts Options, creds adapter.Credentials) *harness {
	t.Helper()

	key := registry.Key{Platform: message.Discord, TenantID: "t1"}
	h := &harness{
		lb:      loopback.NewAs(message.Discord, "t1"),
		reg:     registry.New(),
		inbound: make(chan message.Message, 64),
	}
	h.reg.Insert(key, nil)

	h.sup = New(Config{
		Key:         key,
		Adapter:     h.lb,
		Credentials: creds,
		Options:     opts,
		States:      h.reg,
		Metrics:     metrics.New(),
		Deliver: func(ctx context.Context, msg message.Message) bool {
			select {
			case h.inbound <- msg:
				return true
			case <-ctx.Done():
				return false
			}
		},
		OnTerminal: func(error) { h.terminal.Add(1) },
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.sup.Stop(ctx)
	})
	return h
}

func fastOptions() Options {
	return Options{
		ConnectTimeout: time.Second,
		SendTimeout:    time.Second,
		QueueSize:      8,
		StableWindow:   time.Hour,
		Backoff:        BackoffConfig{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2, Jitter: 0},
	}
}

func (h *harness) waitState(t *testing.T, want registry.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sup.State() == want }, 2*time.Second, 5*time.Millisecond, "state %s", want)
}

func (h *harness) receive(t *testing.T) message.Message {
	t.Helper()
	select {
	case msg := <-h.inbound:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
		return message.Message{}
	}
}

func TestSupervisor_GoesLiveAndDelivers(t *testing.T) {
	h := newHarness(t, fastOptions(), nil)
	h.sup.Start(context.Background())
	h.waitState(t, registry.Live)

	h.lb.Inject(loopback.Event{ID: "m1", Channel: "C1", Author: "U1", Text: "hello"})

	msg := h.receive(t)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, message.Discord, msg.Platform)
	assert.Equal(t, "t1", msg.TenantID)

	entry, ok := h.reg.Get(h.sup.Key())
	require.True(t, ok)
	assert.Equal(t, registry.Live, entry.State)
}

func TestSupervisor_ReconnectsAfterDropWithoutDuplicates(t *testing.T) {
	h := newHarness(t, fastOptions(), nil)
	h.sup.Start(context.Background())
	h.waitState(t, registry.Live)

	h.lb.Inject(loopback.Event{ID: "m1", Channel: "C1", Author: "U1", Text: "before"})
	assert.Equal(t, "m1", h.receive(t).ID)

	live := h.lb.Live()
	require.True(t, h.lb.Drop(nil))

	// Replayed and new events sent around the reconnect.
	h.lb.Inject(loopback.Event{ID: "m1", Channel: "C1", Author: "U1", Text: "before"})
	h.lb.Inject(loopback.Event{ID: "m2", Channel: "C1", Author: "U1", Text: "after"})

	select {
	case <-live:
	case <-time.After(2 * time.Second):
		t.Fatal("adapter did not reconnect")
	}

	assert.Equal(t, "m2", h.receive(t).ID)
	assert.GreaterOrEqual(t, h.lb.Connects(), 2)
	h.waitState(t, registry.Live)
}

func TestSupervisor_RetriesTransientConnectFailures(t *testing.T) {
	h := newHarness(t, fastOptions(), nil)
	unreachable := errors.NewConnectError("discord", errors.ErrNetworkUnreachable, fmt.Errorf("dial tcp: i/o timeout"))
	h.lb.FailConnect(unreachable, unreachable, unreachable)

	h.sup.Start(context.Background())
	h.waitState(t, registry.Live)

	assert.Equal(t, 4, h.lb.Connects())
	assert.Zero(t, h.terminal.Load())
}

func TestSupervisor_AuthRejectedIsTerminal(t *testing.T) {
	h := newHarness(t, fastOptions(), adapter.Credentials{"token": loopback.RejectToken})
	h.sup.Start(context.Background())

	select {
	case <-h.sup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor kept running after auth rejection")
	}

	assert.Equal(t, registry.FailedTerminal, h.sup.State())
	assert.Equal(t, 1, h.lb.Connects())
	assert.Equal(t, int32(1), h.terminal.Load())

	entry, ok := h.reg.Get(h.sup.Key())
	require.True(t, ok)
	assert.Contains(t, entry.LastError, "auth rejected")

	dest := message.Destination{Platform: message.Discord, TenantID: "t1", ChannelRef: "C1"}
	_, err := h.sup.Enqueue(context.Background(), message.Draft{Text: "x"}.Outbound(dest), dest)
	assert.ErrorIs(t, err, errors.ErrAdapterNotLive)
}

func TestSupervisor_RevokedMidSessionIsTerminal(t *testing.T) {
	h := newHarness(t, fastOptions(), nil)
	h.sup.Start(context.Background())
	h.waitState(t, registry.Live)

	h.lb.Revoke()
	h.waitState(t, registry.FailedTerminal)
	assert.Equal(t, 1, h.lb.Connects())
}

func TestSupervisor_QueueBoundWhileNotLive(t *testing.T) {
	opts := fastOptions()
	opts.QueueSize = 5
	h := newHarness(t, opts, nil)
	dest := message.Destination{Platform: message.Discord, TenantID: "t1", ChannelRef: "C1"}

	type outcome struct {
		i   int
		err error
	}
	results := make(chan outcome, 20)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		msg := message.Draft{Text: fmt.Sprintf("msg-%02d", i)}.Outbound(dest)
		if i < 5 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := h.sup.Enqueue(context.Background(), msg, dest)
				results <- outcome{i: i, err: err}
			}(i)
			require.Eventually(t, func() bool { return h.sup.QueueLen() == i+1 }, time.Second, time.Millisecond)
			continue
		}
		_, err := h.sup.Enqueue(context.Background(), msg, dest)
		assert.ErrorIs(t, err, errors.ErrAdapterNotLive, "send %d", i)
	}

	h.sup.Start(context.Background())
	wg.Wait()
	close(results)
	for r := range results {
		assert.NoError(t, r.err, "send %d", r.i)
	}

	sent := h.lb.Sent()
	require.Len(t, sent, 5)
	for i, s := range sent {
		assert.Equal(t, fmt.Sprintf("msg-%02d", i), s.Text)
	}
}

func TestSupervisor_SendsQueuedDuringReconnectAreDeliveredInOrder(t *testing.T) {
	opts := fastOptions()
	opts.Backoff = BackoffConfig{Min: 300 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0}
	h := newHarness(t, opts, nil)
	h.sup.Start(context.Background())
	h.waitState(t, registry.Live)

	require.True(t, h.lb.Drop(nil))
	h.waitState(t, registry.Reconnecting)

	dest := message.Destination{Platform: message.Discord, TenantID: "t1", ChannelRef: "C1"}
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		msg := message.Draft{Text: fmt.Sprintf("queued-%d", i)}.Outbound(dest)
		go func() {
			defer wg.Done()
			_, err := h.sup.Enqueue(context.Background(), msg, dest)
			assert.NoError(t, err)
		}()
		require.Eventually(t, func() bool { return h.sup.QueueLen() == i+1 }, time.Second, time.Millisecond)
	}
	wg.Wait()

	sent := h.lb.Sent()
	require.Len(t, sent, 3)
	for i, s := range sent {
		assert.Equal(t, fmt.Sprintf("queued-%d", i), s.Text)
	}
}

func TestSupervisor_StopFailsQueuedSends(t *testing.T) {
	opts := fastOptions()
	opts.Backoff = BackoffConfig{Min: time.Hour, Max: time.Hour, Jitter: 0}
	h := newHarness(t, opts, nil)
	h.lb.FailConnect(errors.NewConnectError("discord", errors.ErrNetworkUnreachable, nil))
	h.sup.Start(context.Background())
	h.waitState(t, registry.Reconnecting)

	dest := message.Destination{Platform: message.Discord, TenantID: "t1", ChannelRef: "C1"}
	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.sup.Enqueue(context.Background(), message.Draft{Text: "pending"}.Outbound(dest), dest)
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return h.sup.QueueLen() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, h.sup.Stop(context.Background()))

	for i := 0; i < 2; i++ {
		err := <-errCh
		var sendErr *errors.SendError
		require.ErrorAs(t, err, &sendErr)
		assert.ErrorIs(t, err, errors.ErrSessionDead)
	}
	assert.Equal(t, registry.Disconnected, h.sup.State())
	assert.Empty(t, h.lb.Sent())
}

func TestSupervisor_ClassifiesSendFailures(t *testing.T) {
	h := newHarness(t, fastOptions(), nil)
	h.sup.Start(context.Background())
	h.waitState(t, registry.Live)

	h.lb.FailSend(fmt.Errorf("HTTP 429 Too Many Requests"))
	dest := message.Destination{Platform: message.Discord, TenantID: "t1", ChannelRef: "C1"}

	_, err := h.sup.Enqueue(context.Background(), message.Draft{Text: "x"}.Outbound(dest), dest)
	var sendErr *errors.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.ErrorIs(t, err, errors.ErrRateLimited)

	_, err = h.sup.Enqueue(context.Background(), message.Draft{Text: "   "}.Outbound(dest), dest)
	var encErr *errors.EncodeError
	assert.ErrorAs(t, err, &encErr)

	ack, err := h.sup.Enqueue(context.Background(), message.Draft{Text: "fine"}.Outbound(dest), dest)
	require.NoError(t, err)
	assert.NotEmpty(t, ack.ID)
}

func TestSupervisor_MissedHeartbeatReconnects(t *testing.T) {
	opts := fastOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	h := newHarness(t, opts, nil)
	h.sup.Start(context.Background())
	h.waitState(t, registry.Live)

	h.lb.FailPing(fmt.Errorf("no heartbeat ack"))
	require.Eventually(t, func() bool { return h.lb.Connects() >= 2 }, 2*time.Second, 5*time.Millisecond)

	h.lb.FailPing(nil)
	h.waitState(t, registry.Live)
}

func TestSupervisor_RefusedMessageIsDeliveredOnReplay(t *testing.T) {
	key := registry.Key{Platform: message.Discord, TenantID: "t1"}
	lb := loopback.NewAs(message.Discord, "t1")
	inbound := make(chan message.Message, 4)
	var attempts atomic.Int32

	sup := New(Config{
		Key:     key,
		Adapter: lb,
		Options: fastOptions(),
		Metrics: metrics.New(),
		Deliver: func(ctx context.Context, msg message.Message) bool {
			// The consumer refuses the first attempt, as when the session
			// ends while it is behind.
			if attempts.Add(1) == 1 {
				return false
			}
			inbound <- msg
			return true
		},
	})
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })
	sup.Start(context.Background())
	require.Eventually(t, func() bool { return sup.State() == registry.Live }, 2*time.Second, 5*time.Millisecond)

	lb.Inject(loopback.Event{ID: "m1", Channel: "C1", Author: "U1", Text: "first try"})
	lb.Inject(loopback.Event{ID: "m1", Channel: "C1", Author: "U1", Text: "first try"})
	lb.Inject(loopback.Event{ID: "m1", Channel: "C1", Author: "U1", Text: "first try"})

	select {
	case msg := <-inbound:
		assert.Equal(t, "m1", msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("m1 was never delivered")
	}

	require.Eventually(t, func() bool { return attempts.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load(), "the third copy is a duplicate of a delivered message")
	assert.Empty(t, inbound)
}

func TestSupervisor_DrainKeepsRequestsDequeuedAfterSessionEnd(t *testing.T) {
	h := newHarness(t, fastOptions(), nil)
	dest := message.Destination{Platform: message.Discord, TenantID: "t1", ChannelRef: "C1"}

	sess, err := h.lb.Connect(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, sess.Handshake(context.Background()))
	defer sess.Close()

	ended, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 50; i++ {
		req := &sendRequest{
			ctx:      context.Background(),
			msg:      message.Draft{Text: fmt.Sprintf("keep-%d", i)}.Outbound(dest),
			dest:     dest,
			enqueued: time.Now(),
			result:   make(chan sendResult, 1),
		}
		h.sup.queue <- req

		h.sup.drain(ended, sess)

		select {
		case r := <-req.result:
			t.Fatalf("round %d: request completed on an ended session: %v", i, r.err)
		default:
		}
		require.Equal(t, 1, h.sup.QueueLen(), "round %d", i)

		live, stop := context.WithCancel(context.Background())
		go h.sup.drain(live, sess)
		select {
		case r := <-req.result:
			require.NoError(t, r.err, "round %d", i)
		case <-time.After(time.Second):
			t.Fatalf("round %d: request was not sent by the next session", i)
		}
		stop()
	}
	assert.Len(t, h.lb.Sent(), 50)
}

func TestSupervisor_StableSessionResetsBackoff(t *testing.T) {
	opts := fastOptions()
	opts.StableWindow = 100 * time.Millisecond
	opts.Backoff = BackoffConfig{Min: 20 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0}
	h := newHarness(t, opts, nil)

	unreachable := errors.NewConnectError("discord", errors.ErrNetworkUnreachable, fmt.Errorf("dial tcp: i/o timeout"))
	h.lb.FailConnect(unreachable, unreachable, unreachable, unreachable)
	h.sup.Start(context.Background())
	h.waitState(t, registry.Live)
	assert.Equal(t, 160*time.Millisecond, h.sup.backoff.Last(), "waits grew 20, 40, 80, 160")

	time.Sleep(2 * opts.StableWindow)
	require.True(t, h.lb.Drop(nil))

	require.Eventually(t, func() bool { return h.lb.Connects() == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, opts.Backoff.Min, h.sup.backoff.Last())
	h.waitState(t, registry.Live)
}

func TestSupervisor_ShortSessionKeepsBackoff(t *testing.T) {
	opts := fastOptions()
	opts.StableWindow = time.Hour
	opts.Backoff = BackoffConfig{Min: 20 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0}
	h := newHarness(t, opts, nil)

	unreachable := errors.NewConnectError("discord", errors.ErrNetworkUnreachable, fmt.Errorf("dial tcp: i/o timeout"))
	h.lb.FailConnect(unreachable, unreachable)
	h.sup.Start(context.Background())
	h.waitState(t, registry.Live)

	require.True(t, h.lb.Drop(nil))
	require.Eventually(t, func() bool { return h.lb.Connects() == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 80*time.Millisecond, h.sup.backoff.Last())
}
