// Package slack implements the chat adapter for Slack workspaces, over socket
// mode or the Events API webhook.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
)

const (
	ModeSocket = "socket"
	ModeEvents = "events"

	DefaultListenAddr = ":3000"
	DefaultEventsPath = "/slack/events"

	platform = string(message.Slack)
)

type Adapter struct {
	tenantID string
	mode     string
	listen   string
	path     string
	apiURL   string
}

// Factory builds a Slack adapter. Settings: mode (socket|events), listen and
// path for the events webhook, api_url to point the Web API client elsewhere.
func Factory(reg adapter.Registration) (adapter.Adapter, error) {
	mode := strings.ToLower(reg.Settings.String("mode", ModeSocket))
	if mode != ModeSocket && mode != ModeEvents {
		return nil, errors.InvalidInput(fmt.Sprintf("slack mode %q is not socket or events", mode))
	}
	return &Adapter{
		tenantID: reg.TenantID,
		mode:     mode,
		listen:   reg.Settings.String("listen", DefaultListenAddr),
		path:     reg.Settings.String("path", DefaultEventsPath),
		apiURL:   reg.Settings.String("api_url", ""),
	}, nil
}

func (a *Adapter) Platform() message.Platform {
	return message.Slack
}

// Connect validates the bot token with auth.test. Socket mode also needs an
// app-level token; events mode needs the signing secret.
func (a *Adapter) Connect(ctx context.Context, creds adapter.Credentials) (adapter.Session, error) {
	botToken, err := creds.Require(message.Slack, "bot_token")
	if err != nil {
		return nil, err
	}

	opts := []slack.Option{}
	if a.apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(a.apiURL))
	}

	var signingSecret string
	switch a.mode {
	case ModeSocket:
		appToken, err := creds.Require(message.Slack, "app_token")
		if err != nil {
			return nil, err
		}
		opts = append(opts, slack.OptionAppLevelToken(appToken))
	case ModeEvents:
		signingSecret, err = creds.Require(message.Slack, "signing_secret")
		if err != nil {
			return nil, err
		}
	}

	client := slack.New(botToken, opts...)
	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		return nil, connectError(err)
	}
	slog.Info("Slack bot authenticated", "team", auth.Team, "user", auth.User, "tenant", a.tenantID)

	return newSession(a, client, signingSecret, identity{userID: auth.UserID, botID: auth.BotID}), nil
}

// identity is the bot's own user, used to skip its echoes.
type identity struct {
	userID string
	botID  string
}

type Session struct {
	adapter       *Adapter
	client        *slack.Client
	signingSecret string
	self          identity

	inbound *adapter.Inbound
	failed  chan error
	done    chan struct{}

	closeOnce sync.Once
	cancel    context.CancelFunc
	server    *http.Server
}

func newSession(a *Adapter, client *slack.Client, signingSecret string, self identity) *Session {
	return &Session{
		adapter:       a,
		client:        client,
		signingSecret: signingSecret,
		self:          self,
		inbound:       adapter.NewInbound(0),
		failed:        make(chan error, 1),
		done:          make(chan struct{}),
	}
}

func (s *Session) Handshake(ctx context.Context) error {
	if s.adapter.mode == ModeEvents {
		return s.startWebhook()
	}
	return s.startSocket(ctx)
}

func (s *Session) Listen(ctx context.Context, sink adapter.Sink) error {
	return s.inbound.Pump(ctx, s.failed, s.done, sink)
}

func (s *Session) Send(ctx context.Context, msg message.Message, dest message.Destination) (message.Ack, error) {
	chunks, threadTS, err := Encode(msg, dest)
	if err != nil {
		return message.Ack{}, err
	}

	ack := message.Ack{Platform: message.Slack, ChannelRef: dest.ChannelRef}
	for _, chunk := range chunks {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if threadTS != "" {
			opts = append(opts, slack.MsgOptionTS(threadTS))
		}
		channel, ts, err := s.client.PostMessageContext(ctx, dest.ChannelRef, opts...)
		if err != nil {
			return message.Ack{}, sendError(err)
		}
		ack.ID = ts
		ack.ChannelRef = channel
		ack.Timestamp = parseTS(ts)
		ack.Parts++
	}
	slog.Debug("Slack message sent", "channel", dest.ChannelRef, "parts", ack.Parts)
	return ack, nil
}

// Ping re-runs auth.test so revoked tokens are noticed while idle.
func (s *Session) Ping(ctx context.Context) error {
	if _, err := s.client.AuthTestContext(ctx); err != nil {
		return connectError(err)
	}
	return nil
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.server.Shutdown(ctx); err != nil {
				slog.Warn("Slack webhook shutdown failed", "error", err)
			}
		}
	})
	return nil
}

func (s *Session) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

// handleMessage turns one message-like inner event into inbound traffic.
func (s *Session) handleMessage(data interface{}) {
	var ev *slackevents.MessageEvent
	switch e := data.(type) {
	case *slackevents.MessageEvent:
		ev = e
	case *slackevents.AppMentionEvent:
		ev = &slackevents.MessageEvent{
			User:            e.User,
			Text:            e.Text,
			TimeStamp:       e.TimeStamp,
			ThreadTimeStamp: e.ThreadTimeStamp,
			Channel:         e.Channel,
			BotID:           e.BotID,
		}
	default:
		return
	}

	if s.skip(ev) {
		return
	}
	msg, err := Decode(s.adapter.tenantID, ev)
	if err != nil {
		s.inbound.Reject(err, s.done)
		return
	}
	s.inbound.Push(msg, s.done)
}

func (s *Session) skip(ev *slackevents.MessageEvent) bool {
	if ev.BotID != "" || ev.SubType == "bot_message" {
		return true
	}
	if s.self.userID != "" && ev.User == s.self.userID {
		return true
	}
	// Edits, deletions and joins are not new messages.
	return ev.SubType != "" && ev.SubType != "thread_broadcast" && ev.SubType != "file_share"
}

// MessageID scopes a message ts to its channel. Slack only guarantees ts
// uniqueness within one channel.
func MessageID(channel, ts string) string {
	return channel + ":" + ts
}

// threadTS returns the ts part of a reference produced by MessageID. Bare ts
// values pass through unchanged.
func threadTS(ref string) string {
	if i := strings.LastIndexByte(ref, ':'); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// Decode converts a Slack message event. Its ID is MessageID(channel, ts).
func Decode(tenantID string, ev *slackevents.MessageEvent) (message.Message, error) {
	if ev == nil {
		return message.Message{}, errors.NewDecodeError(platform, "message", fmt.Errorf("nil event"))
	}
	if ev.Channel == "" {
		return message.Message{}, errors.NewDecodeError(platform, "message", fmt.Errorf("event %s has no channel", ev.TimeStamp))
	}
	if ev.User == "" {
		return message.Message{}, errors.NewDecodeError(platform, "message", fmt.Errorf("event %s has no user", ev.TimeStamp))
	}
	if ev.TimeStamp == "" {
		return message.Message{}, errors.NewDecodeError(platform, "message", fmt.Errorf("event has no ts"))
	}

	return message.Message{
		ID:         MessageID(ev.Channel, ev.TimeStamp),
		Platform:   message.Slack,
		TenantID:   tenantID,
		ChannelRef: ev.Channel,
		AuthorRef:  ev.User,
		AuthorName: ev.Username,
		Text:       ev.Text,
		Timestamp:  parseTS(ev.TimeStamp),
		ThreadRef:  ev.ThreadTimeStamp,
	}, nil
}

// Encode splits msg into postable chunks and picks the thread to reply in:
// the destination thread, else the message being replied to.
func Encode(msg message.Message, dest message.Destination) ([]string, string, error) {
	if strings.TrimSpace(dest.ChannelRef) == "" {
		return nil, "", errors.NewEncodeError(platform, fmt.Errorf("missing channel"))
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil, "", errors.NewEncodeError(platform, fmt.Errorf("empty text"))
	}
	thread := dest.ThreadRef
	if thread == "" {
		thread = threadTS(msg.ReplyTo)
	}
	return message.Split(msg.Text, message.SlackMaxLength), thread, nil
}

func parseTS(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}

func connectError(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return errors.NewConnectError(platform, errors.ErrRateLimited, err)
	}
	return errors.NewConnectError(platform, errors.NewDefaultErrorMapper().ConnectReason(err), err)
}

func sendError(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return errors.NewSendError(platform, errors.ErrRateLimited, err)
	}
	var resp slack.SlackErrorResponse
	if errors.As(err, &resp) {
		switch resp.Err {
		case "ratelimited":
			return errors.NewSendError(platform, errors.ErrRateLimited, err)
		case "invalid_auth", "token_revoked", "account_inactive", "not_authed":
			return errors.NewSendError(platform, errors.ErrSessionDead, err)
		default:
			return errors.NewSendError(platform, errors.ErrRejected, err)
		}
	}
	return errors.NewSendError(platform, errors.NewDefaultErrorMapper().SendReason(err), err)
}
