// Package supervisor owns the connection lifecycle of one adapter instance:
// connect, authenticate, listen, reconnect with backoff, and the outbound queue
// that serializes sends onto the live session.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/concurrency"
	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
	"github.com/harunnryd/chatgate/internal/metrics"
	"github.com/harunnryd/chatgate/internal/registry"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultSendTimeout    = 15 * time.Second
	DefaultQueueSize      = 256
	DefaultStableWindow   = 60 * time.Second
)

var allStates = []string{
	registry.Disconnected.String(),
	registry.Connecting.String(),
	registry.Authenticating.String(),
	registry.Live.String(),
	registry.Reconnecting.String(),
	registry.FailedTerminal.String(),
}

var (
	errSessionEnded    = errors.New("session ended")
	errHeartbeatMissed = errors.New("heartbeat missed")
)

type Options struct {
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	QueueSize      int
	// StableWindow is how long a session must stay live before the backoff resets.
	StableWindow time.Duration
	// HeartbeatInterval enables periodic Ping on sessions that implement
	// adapter.Pinger. Zero disables it.
	HeartbeatInterval time.Duration
	DedupeWindow      int
	Backoff           BackoffConfig
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.StableWindow <= 0 {
		o.StableWindow = DefaultStableWindow
	}
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = DefaultDedupeWindow
	}
	return o
}

// StateRecorder receives every state transition.
type StateRecorder interface {
	SetState(key registry.Key, state registry.State, cause error)
}

// DeliverFunc hands an inbound message to the consumer. It blocks until the
// message is accepted and returns false when ctx ends first.
type DeliverFunc func(ctx context.Context, msg message.Message) bool

type Config struct {
	Key         registry.Key
	Adapter     adapter.Adapter
	Credentials adapter.Credentials
	Options     Options
	States      StateRecorder
	Deliver     DeliverFunc
	Metrics     *metrics.Collector
	// OnTerminal is called once when the instance enters FailedTerminal.
	OnTerminal func(err error)
}

type sendRequest struct {
	ctx      context.Context
	msg      message.Message
	dest     message.Destination
	enqueued time.Time
	result   chan sendResult
}

type sendResult struct {
	ack message.Ack
	err error
}

// Supervisor runs one adapter instance.
type Supervisor struct {
	key     registry.Key
	adapter adapter.Adapter
	creds   adapter.Credentials
	opts    Options
	states  StateRecorder
	deliver DeliverFunc
	metrics *metrics.Collector
	onTerm  func(err error)
	log     *slog.Logger

	backoff *Backoff
	recent  *recentIDs
	queue   chan *sendRequest

	mu      sync.Mutex
	held    *sendRequest
	state   registry.State
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config) *Supervisor {
	opts := cfg.Options.withDefaults()
	return &Supervisor{
		key:     cfg.Key,
		adapter: cfg.Adapter,
		creds:   cfg.Credentials,
		opts:    opts,
		states:  cfg.States,
		deliver: cfg.Deliver,
		metrics: cfg.Metrics,
		onTerm:  cfg.OnTerminal,
		log:     slog.With("platform", string(cfg.Key.Platform), "tenant", cfg.Key.TenantID),
		backoff: NewBackoff(opts.Backoff),
		recent:  newRecentIDs(opts.DedupeWindow),
		queue:   make(chan *sendRequest, opts.QueueSize),
		state:   registry.Disconnected,
		done:    make(chan struct{}),
	}
}

func (s *Supervisor) Key() registry.Key {
	return s.key
}

func (s *Supervisor) State() registry.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the supervisor has stopped running.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Start launches the lifecycle loop. The loop runs until Stop is called, ctx
// ends, or the credentials are rejected.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	concurrency.SafeGo(func() { s.run(runCtx) }, func(r interface{}) {
		err := fmt.Errorf("supervisor panic: %v", r)
		s.setState(registry.FailedTerminal, err)
		s.failQueued(errors.NewSendError(string(s.key.Platform), errors.ErrSessionDead, err))
		if s.onTerm != nil {
			s.onTerm(err)
		}
	})
}

// Stop ends the lifecycle loop and fails every queued send. It waits for the
// loop to exit until ctx ends.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if started {
		select {
		case <-s.done:
		case <-ctx.Done():
			err = fmt.Errorf("stop %s: %w", s.key, ctx.Err())
		}
	}
	s.failQueued(errors.NewSendError(string(s.key.Platform), errors.ErrSessionDead, fmt.Errorf("adapter deregistered")))
	return err
}

// Enqueue submits msg for delivery and waits for the outcome. Sends are accepted
// in every state but FailedTerminal and delivered in submission order once the
// session is live.
func (s *Supervisor) Enqueue(ctx context.Context, msg message.Message, dest message.Destination) (message.Ack, error) {
	req := &sendRequest{
		ctx:      ctx,
		msg:      msg,
		dest:     dest,
		enqueued: time.Now(),
		result:   make(chan sendResult, 1),
	}

	s.mu.Lock()
	if s.stopped || !s.state.AcceptsSends() {
		s.mu.Unlock()
		return message.Ack{}, errors.AdapterNotLive(dest.String())
	}
	select {
	case s.queue <- req:
	default:
		s.mu.Unlock()
		s.log.Warn("Outbound queue full", "destination", dest.String(), "capacity", cap(s.queue))
		return message.Ack{}, errors.AdapterNotLive(dest.String())
	}
	s.mu.Unlock()
	s.metrics.Queue(string(s.key.Platform), s.key.TenantID, len(s.queue))

	select {
	case r := <-req.result:
		return r.ack, r.err
	case <-ctx.Done():
		return message.Ack{}, ctx.Err()
	}
}

// QueueLen reports how many sends are waiting.
func (s *Supervisor) QueueLen() int {
	s.mu.Lock()
	n := len(s.queue)
	if s.held != nil {
		n++
	}
	s.mu.Unlock()
	return n
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	for {
		err := s.session(ctx)

		if ctx.Err() != nil {
			s.setState(registry.Disconnected, nil)
			return
		}

		if errors.Is(err, errors.ErrAuthRejected) {
			s.setState(registry.FailedTerminal, err)
			s.log.Error("Adapter failed permanently", "error", err)
			s.metrics.Terminal(string(s.key.Platform), s.key.TenantID)
			s.failQueued(errors.NewSendError(string(s.key.Platform), errors.ErrSessionDead, err))
			if s.onTerm != nil {
				s.onTerm(err)
			}
			return
		}

		s.setState(registry.Reconnecting, err)
		wait := s.backoff.Next()
		s.metrics.Reconnect(string(s.key.Platform), s.key.TenantID)
		s.log.Warn("Adapter disconnected, reconnecting", "error", err, "backoff", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(registry.Disconnected, nil)
			return
		case <-timer.C:
		}
	}
}

// session runs one connect, handshake and listen cycle.
func (s *Supervisor) session(ctx context.Context) error {
	sess, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	liveAt := time.Now()
	s.setState(registry.Live, nil)
	s.log.Info("Adapter live")

	err = s.serve(ctx, sess)

	if time.Since(liveAt) >= s.opts.StableWindow {
		s.backoff.Reset()
	}
	return err
}

func (s *Supervisor) connect(ctx context.Context) (adapter.Session, error) {
	ctx, span := otel.Tracer("github.com/harunnryd/chatgate/internal/supervisor").Start(ctx, "supervisor.connect")
	span.SetAttributes(
		attribute.String("chat.platform", string(s.key.Platform)),
		attribute.String("chat.tenant", s.key.TenantID),
	)
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	s.setState(registry.Connecting, nil)
	sess, err := s.adapter.Connect(cctx, s.creds)
	if err != nil {
		err = s.connectError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		return nil, err
	}

	s.setState(registry.Authenticating, nil)
	if err := sess.Handshake(cctx); err != nil {
		_ = sess.Close()
		err = s.connectError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
		return nil, err
	}
	return sess, nil
}

func (s *Supervisor) connectError(err error) error {
	var ce *errors.ConnectError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.NewConnectError(string(s.key.Platform), errors.ErrNetworkUnreachable, err)
	}
	return errors.NewConnectError(string(s.key.Platform), errors.NewDefaultErrorMapper().ConnectReason(err), err)
}

// serve listens on a live session while draining the outbound queue onto it.
func (s *Supervisor) serve(ctx context.Context, sess adapter.Session) error {
	lctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	concurrency.SafeGo(func() {
		defer wg.Done()
		s.drain(lctx, sess)
	}, func(r interface{}) { cancel(fmt.Errorf("sender panic: %v", r)) })

	if p, ok := sess.(adapter.Pinger); ok && s.opts.HeartbeatInterval > 0 {
		wg.Add(1)
		concurrency.SafeGo(func() {
			defer wg.Done()
			s.heartbeat(lctx, p, cancel)
		}, nil)
	}

	err := sess.Listen(lctx, sink{s: s, ctx: lctx})
	cause := context.Cause(lctx)
	cancel(errSessionEnded)
	wg.Wait()

	switch {
	case err != nil:
		return err
	case ctx.Err() != nil:
		return nil
	case cause != nil:
		return cause
	default:
		return errSessionEnded
	}
}

func (s *Supervisor) heartbeat(ctx context.Context, p adapter.Pinger, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, s.opts.HeartbeatInterval)
			err := p.Ping(pctx)
			pcancel()
			if err != nil && ctx.Err() == nil {
				cancel(fmt.Errorf("%w: %v", errHeartbeatMissed, err))
				return
			}
		}
	}
}

// drain sends queued requests on sess in FIFO order. A request dequeued after
// the session ended is held back for the next session instead of failing.
func (s *Supervisor) drain(ctx context.Context, sess adapter.Session) {
	for {
		req := s.takeHeld()
		if req == nil {
			select {
			case <-ctx.Done():
				return
			case req = <-s.queue:
			}
		}
		if ctx.Err() != nil {
			s.hold(req)
			return
		}
		s.metrics.Queue(string(s.key.Platform), s.key.TenantID, s.QueueLen())
		ack, err := s.send(ctx, sess, req)
		req.result <- sendResult{ack: ack, err: err}
	}
}

func (s *Supervisor) takeHeld() *sendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.held
	s.held = nil
	return req
}

func (s *Supervisor) hold(req *sendRequest) {
	s.mu.Lock()
	if !s.stopped {
		s.held = req
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	req.result <- sendResult{err: errors.NewSendError(string(s.key.Platform), errors.ErrSessionDead, fmt.Errorf("adapter deregistered"))}
}

func (s *Supervisor) send(ctx context.Context, sess adapter.Session, req *sendRequest) (message.Ack, error) {
	platform := string(s.key.Platform)
	if err := req.ctx.Err(); err != nil {
		s.metrics.Send(platform, metrics.ResultCanceled, 0)
		return message.Ack{}, err
	}

	sctx, cancel := context.WithTimeout(req.ctx, s.opts.SendTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	ack, err := sess.Send(sctx, req.msg, req.dest)
	if err != nil {
		err = s.sendError(err)
		s.metrics.Send(platform, sendResultLabel(err), 0)
		s.log.Warn("Send failed", "destination", req.dest.String(), "error", err)
		return message.Ack{}, err
	}
	s.metrics.Send(platform, metrics.ResultOK, time.Since(req.enqueued))
	return ack, nil
}

func (s *Supervisor) sendError(err error) error {
	var se *errors.SendError
	var ee *errors.EncodeError
	if errors.As(err, &se) || errors.As(err, &ee) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.NewSendError(string(s.key.Platform), errors.ErrSessionDead, err)
	}
	return errors.NewSendError(string(s.key.Platform), errors.NewDefaultErrorMapper().SendReason(err), err)
}

func sendResultLabel(err error) string {
	switch {
	case errors.Is(err, errors.ErrRateLimited):
		return metrics.ResultRateLimited
	case errors.Is(err, errors.ErrRejected):
		return metrics.ResultRejected
	case errors.Is(err, errors.ErrInvalidInput):
		return metrics.ResultEncodeError
	default:
		return metrics.ResultSessionDead
	}
}

func (s *Supervisor) failQueued(err error) {
	if req := s.takeHeld(); req != nil {
		req.result <- sendResult{err: err}
	}
	for {
		select {
		case req := <-s.queue:
			req.result <- sendResult{err: err}
		default:
			s.metrics.Queue(string(s.key.Platform), s.key.TenantID, 0)
			return
		}
	}
}

func (s *Supervisor) setState(state registry.State, cause error) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()

	if s.states != nil {
		s.states.SetState(s.key, state, cause)
	}
	if prev != state {
		s.metrics.SetState(string(s.key.Platform), s.key.TenantID, state.String(), allStates)
		s.log.Debug("Adapter state changed", "from", prev.String(), "to", state.String())
	}
}

// sink dedupes and forwards inbound messages from one session.
type sink struct {
	s   *Supervisor
	ctx context.Context
}

func (k sink) Deliver(msg message.Message) {
	s := k.s
	msg.Platform = s.key.Platform
	msg.TenantID = s.key.TenantID

	if s.recent.Contains(msg.ID) {
		s.metrics.Duplicate(string(s.key.Platform))
		s.log.Debug("Duplicate inbound message dropped", "id", msg.ID)
		return
	}
	// Only delivered IDs count as seen, so a replay of a refused message
	// still gets through.
	if s.deliver != nil && s.deliver(k.ctx, msg) {
		s.recent.Add(msg.ID)
		s.metrics.Inbound(string(s.key.Platform))
	}
}

func (k sink) Drop(err error) {
	k.s.metrics.DecodeError(string(k.s.key.Platform))
	k.s.log.Warn("Inbound event dropped", "error", err)
}
