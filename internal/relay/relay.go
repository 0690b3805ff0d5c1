// Package relay consumes the gateway event stream, logs each message and
// answers built-in commands in the conversation they came from.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/chatgate/internal/concurrency"
	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
	"github.com/harunnryd/chatgate/internal/registry"
)

// Gateway is the part of the router the relay needs.
type Gateway interface {
	Events() <-chan message.Message
	SendTo(ctx context.Context, dest message.Destination, draft message.Draft) (message.Ack, error)
	Snapshot() []registry.Entry
}

const (
	DefaultSendTimeout = 15 * time.Second
	DefaultReplyQueue  = 64
)

type Options struct {
	// Echo mirrors every non-command message back to its conversation.
	Echo bool
	// Commands enables the built-in command set.
	Commands bool
	// Observe is called for every received message before it is handled.
	Observe func(message.Message)
	// SendTimeout bounds each reply, including the time spent queued behind a
	// reconnecting adapter.
	SendTimeout time.Duration
	// ReplyQueue is how many replies may wait per adapter instance. Replies
	// beyond it are dropped.
	ReplyQueue int
}

func (o Options) withDefaults() Options {
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.ReplyQueue <= 0 {
		o.ReplyQueue = DefaultReplyQueue
	}
	return o
}

type replyJob struct {
	to   message.Message
	text string
}

type Relay struct {
	gw       Gateway
	opts     Options
	commands *CommandHandler
	mapper   *errors.DefaultErrorMapper

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	// workers sends replies for one adapter instance each, so a stalled
	// platform only delays its own replies.
	workers map[registry.Key]chan replyJob

	received atomic.Int64
	replied  atomic.Int64
	dropped  atomic.Int64
}

func New(gw Gateway, opts Options) *Relay {
	return &Relay{
		gw:       gw,
		opts:     opts.withDefaults(),
		commands: NewCommandHandler(gw.Snapshot),
		mapper:   errors.NewDefaultErrorMapper(),
		workers:  make(map[registry.Key]chan replyJob),
	}
}

func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("relay already started: %w", errors.ErrConflict)
	}
	r.started = true
	r.workers = make(map[registry.Key]chan replyJob)

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	concurrency.SafeGo(func() {
		defer r.wg.Done()
		slog.Info("Relay started", "echo", r.opts.Echo, "commands", r.opts.Commands)
		r.eventLoop(loopCtx)
		slog.Info("Relay stopped", "received", r.received.Load(), "replied", r.replied.Load(), "dropped", r.dropped.Load())
	}, nil)
	return nil
}

// Stop ends the event loop and the reply workers and waits for them, bounded
// by ctx. Replies still queued are abandoned.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns how many messages were received and answered.
func (r *Relay) Stats() (received, replied int64) {
	return r.received.Load(), r.replied.Load()
}

// Dropped returns how many replies were discarded because their destination's
// queue was full.
func (r *Relay) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Relay) eventLoop(ctx context.Context) {
	events := r.gw.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				slog.Info("Relay stopping (events closed)")
				return
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *Relay) handle(ctx context.Context, msg message.Message) {
	r.received.Add(1)
	slog.Info("Message received",
		"id", msg.ID,
		"platform", string(msg.Platform),
		"tenant", msg.TenantID,
		"channel", msg.ChannelRef,
		"author", msg.AuthorName,
		"text", msg.Text)

	if r.opts.Observe != nil {
		r.opts.Observe(msg)
	}

	if r.opts.Commands && r.commands.CanHandle(msg.Text) {
		if reply, ok := r.commands.Execute(ctx, msg); ok {
			r.reply(ctx, msg, reply)
			return
		}
	}

	if r.opts.Echo && msg.Text != "" {
		r.reply(ctx, msg, msg.Text)
	}
}

// reply queues text for the conversation of to. It never blocks the event
// loop: a full queue drops the reply.
func (r *Relay) reply(ctx context.Context, to message.Message, text string) {
	queue, ok := r.worker(ctx, registry.Key{Platform: to.Platform, TenantID: to.TenantID})
	if !ok {
		return
	}
	select {
	case queue <- replyJob{to: to, text: text}:
	default:
		r.dropped.Add(1)
		slog.Warn("Reply dropped, destination backlog full",
			"platform", string(to.Platform),
			"tenant", to.TenantID,
			"channel", to.ChannelRef,
			"capacity", cap(queue))
	}
}

func (r *Relay) worker(ctx context.Context, key registry.Key) (chan replyJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil, false
	}
	if queue, ok := r.workers[key]; ok {
		return queue, true
	}
	queue := make(chan replyJob, r.opts.ReplyQueue)
	r.workers[key] = queue

	r.wg.Add(1)
	concurrency.SafeGo(func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-queue:
				r.send(ctx, job)
			}
		}
	}, nil)
	return queue, true
}

func (r *Relay) send(ctx context.Context, job replyJob) {
	to := job.to
	sctx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
	defer cancel()

	ack, err := r.gw.SendTo(sctx, to.ReplyDestination(), message.Draft{Text: job.text, ReplyTo: to.ID})
	if err != nil {
		slog.Warn("Reply failed",
			"platform", string(to.Platform),
			"tenant", to.TenantID,
			"channel", to.ChannelRef,
			"category", r.mapper.Category(err),
			"error", err)
		return
	}
	r.replied.Add(1)
	slog.Debug("Reply sent", "platform", string(ack.Platform), "channel", ack.ChannelRef, "id", ack.ID, "parts", ack.Parts)
}
