// Package gateway multiplexes many platform adapter instances into one inbound
// event stream and one outbound dispatch path.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
	"github.com/harunnryd/chatgate/internal/metrics"
	"github.com/harunnryd/chatgate/internal/registry"
	"github.com/harunnryd/chatgate/internal/supervisor"
)

const (
	DefaultEventBuffer     = 256
	DefaultDeregisterGrace = 10 * time.Second
)

type Options struct {
	EventBuffer     int
	DeregisterGrace time.Duration
	Supervisor      supervisor.Options
}

// Handle is the caller's reference to a registered adapter instance.
type Handle struct {
	key     registry.Key
	adapter adapter.Adapter
	sup     *supervisor.Supervisor
}

func (h *Handle) Key() registry.Key {
	return h.key
}

func (h *Handle) State() registry.State {
	return h.sup.State()
}

// QueueLen reports how many outbound messages are waiting for the session.
func (h *Handle) QueueLen() int {
	return h.sup.QueueLen()
}

// Adapter returns the adapter instance, for callers that need variant-specific
// access such as the console's end-of-input signal.
func (h *Handle) Adapter() adapter.Adapter {
	return h.adapter
}

type Router struct {
	factories adapter.Factories
	opts      Options
	registry  *registry.Registry
	metrics   *metrics.Collector
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	// regMu serializes Register, Deregister and Close.
	regMu sync.Mutex

	// eventsMu guards the close of events against in-flight deliveries.
	eventsMu sync.RWMutex
	events   chan message.Message
	closed   bool
}

func New(factories adapter.Factories, opts Options, m *metrics.Collector) *Router {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.DeregisterGrace <= 0 {
		opts.DeregisterGrace = DefaultDeregisterGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		factories: factories,
		opts:      opts,
		registry:  registry.New(),
		metrics:   m,
		tracer:    otel.Tracer("github.com/harunnryd/chatgate/internal/gateway"),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan message.Message, opts.EventBuffer),
	}
}

// Register starts an adapter instance for reg. Registering an existing
// (platform, tenant) pair returns the existing handle.
func (r *Router) Register(ctx context.Context, reg adapter.Registration) (*Handle, error) {
	if reg.Platform == "" {
		return nil, errors.InvalidInput("registration platform is required")
	}
	if strings.TrimSpace(reg.TenantID) == "" {
		return nil, errors.InvalidInput("registration tenant is required")
	}
	key := registry.Key{Platform: reg.Platform, TenantID: reg.TenantID}

	r.regMu.Lock()
	defer r.regMu.Unlock()

	if r.isClosed() {
		return nil, errors.Wrap(errors.ErrConflict, "router is closed")
	}
	if entry, ok := r.registry.Get(key); ok {
		return entry.Handle.(*Handle), nil
	}

	a, err := r.factories.Build(reg)
	if err != nil {
		return nil, err
	}

	h := &Handle{key: key, adapter: a}
	h.sup = supervisor.New(supervisor.Config{
		Key:         key,
		Adapter:     a,
		Credentials: reg.Credentials,
		Options:     r.opts.Supervisor,
		States:      r.registry,
		Deliver:     r.deliver,
		Metrics:     r.metrics,
		OnTerminal: func(error) {
			r.registry.RemoveIf(key, h)
		},
	})

	r.registry.Insert(key, h)
	h.sup.Start(r.ctx)

	slog.Info("Adapter registered", "platform", string(key.Platform), "tenant", key.TenantID)
	return h, nil
}

// handleStates scopes supervisor state writes to one handle. A supervisor that
// outlives its deregistration grace cannot touch a re-registered entry.
type handleStates struct {
	registry *registry.Registry
	handle   *Handle
}

func (s handleStates) SetState(key registry.Key, state registry.State, cause error) {
	s.registry.SetStateIf(key, s.handle, state, cause)
}

// Deregister stops the instance for (platform, tenant) and removes it. It is a
// no-op when nothing is registered.
func (r *Router) Deregister(ctx context.Context, platform message.Platform, tenantID string) error {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	return r.deregister(ctx, registry.Key{Platform: platform, TenantID: tenantID})
}

func (r *Router) deregister(ctx context.Context, key registry.Key) error {
	entry, ok := r.registry.Remove(key)
	if !ok {
		return nil
	}
	h := entry.Handle.(*Handle)

	gctx, cancel := context.WithTimeout(ctx, r.opts.DeregisterGrace)
	defer cancel()

	err := h.sup.Stop(gctx)
	r.metrics.ForgetInstance(string(key.Platform), key.TenantID)
	if err != nil {
		slog.Warn("Adapter did not stop within grace period", "platform", string(key.Platform), "tenant", key.TenantID, "error", err)
		return err
	}
	slog.Info("Adapter deregistered", "platform", string(key.Platform), "tenant", key.TenantID)
	return nil
}

// Events returns the merged inbound stream. It is closed only by Close.
func (r *Router) Events() <-chan message.Message {
	return r.events
}

// SendTo delivers draft to dest through the owning adapter instance.
func (r *Router) SendTo(ctx context.Context, dest message.Destination, draft message.Draft) (message.Ack, error) {
	ctx, span := r.tracer.Start(ctx, "gateway.SendTo", trace.WithAttributes(
		attribute.String("chat.platform", string(dest.Platform)),
		attribute.String("chat.tenant", dest.TenantID),
		attribute.String("chat.channel", dest.ChannelRef),
	))
	defer span.End()

	ack, err := r.sendTo(ctx, dest, draft)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errors.NewDefaultErrorMapper().Category(err))
		return message.Ack{}, err
	}
	span.SetAttributes(attribute.Int("chat.parts", ack.Parts))
	return ack, nil
}

func (r *Router) sendTo(ctx context.Context, dest message.Destination, draft message.Draft) (message.Ack, error) {
	entry, ok := r.registry.Resolve(dest.Platform, dest.TenantID)
	if !ok {
		r.metrics.Send(string(dest.Platform), metrics.ResultNoDestination, 0)
		return message.Ack{}, errors.NoSuchDestination(dest.String())
	}
	h := entry.Handle.(*Handle)
	dest.TenantID = h.key.TenantID

	ack, err := h.sup.Enqueue(ctx, draft.Outbound(dest), dest)
	if errors.Is(err, errors.ErrAdapterNotLive) {
		r.metrics.Send(string(dest.Platform), metrics.ResultNotLive, 0)
	}
	return ack, err
}

// Snapshot returns the registry entries sorted by platform and tenant.
func (r *Router) Snapshot() []registry.Entry {
	return r.registry.Snapshot()
}

// Lookup returns the handle registered for (platform, tenant).
func (r *Router) Lookup(platform message.Platform, tenantID string) (*Handle, bool) {
	entry, ok := r.registry.Get(registry.Key{Platform: platform, TenantID: tenantID})
	if !ok {
		return nil, false
	}
	return entry.Handle.(*Handle), true
}

// Close deregisters every instance and closes the events stream.
func (r *Router) Close(ctx context.Context) error {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	if r.isClosed() {
		return nil
	}

	var g errgroup.Group
	for _, entry := range r.registry.Snapshot() {
		key := entry.Key
		g.Go(func() error {
			return r.deregister(ctx, key)
		})
	}
	err := g.Wait()

	r.cancel()

	r.eventsMu.Lock()
	r.closed = true
	close(r.events)
	r.eventsMu.Unlock()

	if err != nil {
		return fmt.Errorf("close router: %w", err)
	}
	return nil
}

func (r *Router) isClosed() bool {
	r.eventsMu.RLock()
	defer r.eventsMu.RUnlock()
	return r.closed
}

// deliver pushes one inbound message onto the merged stream, blocking while
// the consumer is behind.
func (r *Router) deliver(ctx context.Context, msg message.Message) bool {
	r.eventsMu.RLock()
	defer r.eventsMu.RUnlock()

	if r.closed {
		return false
	}
	select {
	case r.events <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-r.ctx.Done():
		return false
	}
}
