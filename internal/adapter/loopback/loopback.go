// Package loopback is an in-process adapter. It speaks no network protocol:
// events are injected by the caller and sends are recorded. It backs tests and
// local development, and it can be scripted to fail the way real platforms do.
package loopback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
)

// RejectToken is the credential value loopback treats as revoked.
const RejectToken = "invalid"

// Event is the native loopback event shape.
type Event struct {
	ID         string
	Channel    string
	Author     string
	AuthorName string
	Text       string
	Thread     string
	Bot        bool
	Time       time.Time
}

// Sent is one recorded outbound chunk.
type Sent struct {
	ID          string
	Destination message.Destination
	Text        string
	ReplyTo     string
}

type Adapter struct {
	platform message.Platform
	tenantID string
	maxLen   int

	feed chan Event

	mu            sync.Mutex
	connectErrs   []error
	handshakeErrs []error
	sendErrs      []error
	pingErr       error
	sendDelay     time.Duration
	revoked       bool
	connects      int
	current       *Session
	sent          []Sent
	liveCh        chan struct{}
}

// New returns a loopback adapter for tenantID that reports the loopback platform.
func New(tenantID string) *Adapter {
	return NewAs(message.Loopback, tenantID)
}

// NewAs returns a loopback adapter that reports itself as platform. Tests use it
// to stand in for a real platform.
func NewAs(platform message.Platform, tenantID string) *Adapter {
	return &Adapter{
		platform: platform,
		tenantID: tenantID,
		feed:     make(chan Event, 256),
		liveCh:   make(chan struct{}),
	}
}

// Factory builds loopback adapters from registrations. The max_length setting
// enables chunking of outbound text.
func Factory(reg adapter.Registration) (adapter.Adapter, error) {
	a := NewAs(reg.Platform, reg.TenantID)
	a.maxLen = reg.Settings.Int("max_length", 0)
	return a, nil
}

func (a *Adapter) Platform() message.Platform {
	return a.platform
}

// FailConnect queues errors returned by the next Connect calls, one per call.
func (a *Adapter) FailConnect(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErrs = append(a.connectErrs, errs...)
}

// FailHandshake queues errors returned by the next Handshake calls.
func (a *Adapter) FailHandshake(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handshakeErrs = append(a.handshakeErrs, errs...)
}

// FailSend queues errors returned by the next Send calls.
func (a *Adapter) FailSend(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendErrs = append(a.sendErrs, errs...)
}

// FailPing makes every Ping return err until it is called again with nil.
func (a *Adapter) FailPing(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pingErr = err
}

// SlowSend delays every Send by d.
func (a *Adapter) SlowSend(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendDelay = d
}

// Revoke invalidates the credentials: the live session fails and every later
// Connect is rejected.
func (a *Adapter) Revoke() {
	a.mu.Lock()
	a.revoked = true
	cur := a.current
	a.mu.Unlock()

	if cur != nil {
		cur.fail(errors.NewConnectError(string(a.platform), errors.ErrAuthRejected, fmt.Errorf("token revoked")))
	}
}

// Drop kills the live session's connection with err, as a network failure would.
// It reports false when no session is live.
func (a *Adapter) Drop(err error) bool {
	a.mu.Lock()
	cur := a.current
	a.mu.Unlock()

	if cur == nil {
		return false
	}
	if err == nil {
		err = errors.NewConnectError(string(a.platform), errors.ErrNetworkUnreachable, fmt.Errorf("connection reset by peer"))
	}
	cur.fail(err)
	return true
}

// Inject queues a platform event. Events wait until a session is listening, the
// way a platform holds events for a reconnecting bot.
func (a *Adapter) Inject(ev Event) {
	a.feed <- ev
}

// Live returns a channel closed once the next session completes its handshake.
func (a *Adapter) Live() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveCh
}

// Connects reports how many Connect calls were made.
func (a *Adapter) Connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

// Sent returns a copy of every recorded outbound chunk.
func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Sent, len(a.sent))
	copy(out, a.sent)
	return out
}

func (a *Adapter) Connect(ctx context.Context, creds adapter.Credentials) (adapter.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewConnectError(string(a.platform), errors.ErrNetworkUnreachable, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++

	if a.revoked || creds.Get("token") == RejectToken {
		return nil, errors.NewConnectError(string(a.platform), errors.ErrAuthRejected, fmt.Errorf("invalid token"))
	}
	if len(a.connectErrs) > 0 {
		err := a.connectErrs[0]
		a.connectErrs = a.connectErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	return &Session{
		adapter: a,
		failed:  make(chan error, 1),
		done:    make(chan struct{}),
	}, nil
}

// Session is one loopback connection.
type Session struct {
	adapter *Adapter

	failed    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Session) Handshake(ctx context.Context) error {
	a := s.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.handshakeErrs) > 0 {
		err := a.handshakeErrs[0]
		a.handshakeErrs = a.handshakeErrs[1:]
		if err != nil {
			return err
		}
	}

	a.current = s
	close(a.liveCh)
	a.liveCh = make(chan struct{})
	return nil
}

func (s *Session) Listen(ctx context.Context, sink adapter.Sink) error {
	platform := s.adapter.platform
	tenant := s.adapter.tenantID

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case err := <-s.failed:
			return err
		case ev := <-s.adapter.feed:
			if ev.Bot {
				continue
			}
			msg, err := Decode(platform, tenant, ev)
			if err != nil {
				sink.Drop(err)
				continue
			}
			sink.Deliver(msg)
		}
	}
}

func (s *Session) Send(ctx context.Context, msg message.Message, dest message.Destination) (message.Ack, error) {
	a := s.adapter
	platform := string(a.platform)

	chunks, err := Encode(platform, msg, dest, a.maxLen)
	if err != nil {
		return message.Ack{}, err
	}

	a.mu.Lock()
	delay := a.sendDelay
	var scripted error
	if len(a.sendErrs) > 0 {
		scripted = a.sendErrs[0]
		a.sendErrs = a.sendErrs[1:]
	}
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return message.Ack{}, errors.NewSendError(platform, errors.ErrSessionDead, ctx.Err())
		case <-s.done:
			return message.Ack{}, errors.NewSendError(platform, errors.ErrSessionDead, fmt.Errorf("session closed"))
		}
	}
	if scripted != nil {
		return message.Ack{}, scripted
	}
	select {
	case <-s.done:
		return message.Ack{}, errors.NewSendError(platform, errors.ErrSessionDead, fmt.Errorf("session closed"))
	default:
	}

	ack := message.Ack{Platform: a.platform, ChannelRef: dest.ChannelRef, Timestamp: time.Now(), Parts: len(chunks)}
	a.mu.Lock()
	for _, chunk := range chunks {
		id := ulid.Make().String()
		a.sent = append(a.sent, Sent{ID: id, Destination: dest, Text: chunk, ReplyTo: msg.ReplyTo})
		ack.ID = id
	}
	a.mu.Unlock()
	return ack, nil
}

func (s *Session) Ping(ctx context.Context) error {
	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()
	return s.adapter.pingErr
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		a := s.adapter
		a.mu.Lock()
		if a.current == s {
			a.current = nil
		}
		a.mu.Unlock()
	})
	return nil
}

func (s *Session) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

// Decode converts a native event into a message.
func Decode(platform message.Platform, tenantID string, ev Event) (message.Message, error) {
	if strings.TrimSpace(ev.Channel) == "" {
		return message.Message{}, errors.NewDecodeError(string(platform), "event", fmt.Errorf("missing channel"))
	}
	if strings.TrimSpace(ev.Author) == "" {
		return message.Message{}, errors.NewDecodeError(string(platform), "event", fmt.Errorf("missing author"))
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	id := ev.ID
	if id == "" {
		id = ulid.Make().String()
	}
	return message.Message{
		ID:         id,
		Platform:   platform,
		TenantID:   tenantID,
		ChannelRef: ev.Channel,
		AuthorRef:  ev.Author,
		AuthorName: ev.AuthorName,
		Text:       ev.Text,
		Timestamp:  ts,
		ThreadRef:  ev.Thread,
	}, nil
}

// Encode renders msg as the chunks loopback will record. maxLen <= 0 disables chunking.
func Encode(platform string, msg message.Message, dest message.Destination, maxLen int) ([]string, error) {
	if strings.TrimSpace(dest.ChannelRef) == "" {
		return nil, errors.NewEncodeError(platform, fmt.Errorf("missing channel"))
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil, errors.NewEncodeError(platform, fmt.Errorf("empty text"))
	}
	if maxLen <= 0 {
		return []string{msg.Text}, nil
	}
	return message.Split(msg.Text, maxLen), nil
}
