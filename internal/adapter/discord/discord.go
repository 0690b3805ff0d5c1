// Package discord implements the chat adapter over the Discord gateway and REST API.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
)

const platform = string(message.Discord)

// Gateway close codes that retrying cannot fix.
const (
	closeAuthenticationFailed = 4004
	closeInvalidIntents       = 4013
	closeDisallowedIntents    = 4014
)

type Adapter struct {
	tenantID    string
	mentionOnly bool
	allowGuilds map[string]bool
	intents     discordgo.Intent
}

// Factory builds a Discord adapter. Settings: mention_only, guilds (comma
// separated allowlist).
func Factory(reg adapter.Registration) (adapter.Adapter, error) {
	return &Adapter{
		tenantID:    reg.TenantID,
		mentionOnly: reg.Settings.Bool("mention_only", false),
		allowGuilds: toSet(reg.Settings.List("guilds")),
		intents:     discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent,
	}, nil
}

func (a *Adapter) Platform() message.Platform {
	return message.Discord
}

// Connect checks the bot token against the REST API.
func (a *Adapter) Connect(ctx context.Context, creds adapter.Credentials) (adapter.Session, error) {
	token, err := creds.Require(message.Discord, "bot_token")
	if err != nil {
		return nil, err
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.NewConnectError(platform, errors.ErrAuthRejected, err)
	}
	dg.Identify.Intents = a.intents
	dg.ShouldReconnectOnError = false
	dg.ShouldRetryOnRateLimit = false
	dg.StateEnabled = false

	self, err := dg.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, connectError(err)
	}
	slog.Info("Discord bot authenticated", "user", self.Username, "tenant", a.tenantID)

	return newSession(a, dg, self.ID), nil
}

type Session struct {
	adapter *Adapter
	dg      *discordgo.Session
	selfID  string

	inbound *adapter.Inbound
	failed  chan error
	done    chan struct{}

	closeOnce sync.Once
	removers  []func()
}

func newSession(a *Adapter, dg *discordgo.Session, selfID string) *Session {
	return &Session{
		adapter: a,
		dg:      dg,
		selfID:  selfID,
		inbound: adapter.NewInbound(0),
		failed:  make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// Handshake opens the gateway websocket and waits for READY.
func (s *Session) Handshake(ctx context.Context) error {
	s.removers = append(s.removers,
		s.dg.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) { s.handleMessage(m) }),
		s.dg.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
			s.fail(errors.NewConnectError(platform, errors.ErrNetworkUnreachable, fmt.Errorf("gateway disconnected")))
		}),
	)

	opened := make(chan error, 1)
	go func() { opened <- s.dg.Open() }()

	select {
	case <-ctx.Done():
		_ = s.dg.Close()
		return errors.NewConnectError(platform, errors.ErrNetworkUnreachable, ctx.Err())
	case err := <-opened:
		if err != nil {
			return connectError(err)
		}
		return nil
	}
}

func (s *Session) Listen(ctx context.Context, sink adapter.Sink) error {
	return s.inbound.Pump(ctx, s.failed, s.done, sink)
}

func (s *Session) Send(ctx context.Context, msg message.Message, dest message.Destination) (message.Ack, error) {
	channel, sends, err := Encode(msg, dest)
	if err != nil {
		return message.Ack{}, err
	}

	ack := message.Ack{Platform: message.Discord, ChannelRef: channel}
	for _, data := range sends {
		sent, err := s.dg.ChannelMessageSendComplex(channel, data, discordgo.WithContext(ctx))
		if err != nil {
			return message.Ack{}, sendError(err)
		}
		ack.ID = sent.ID
		ack.Timestamp = sent.Timestamp
		ack.Parts++
	}
	slog.Debug("Discord message sent", "channel", channel, "parts", ack.Parts)
	return ack, nil
}

// Ping reports whether the gateway connection is still up.
func (s *Session) Ping(ctx context.Context) error {
	if !s.dg.DataReady {
		return errors.NewConnectError(platform, errors.ErrNetworkUnreachable, fmt.Errorf("gateway not ready"))
	}
	return nil
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		for _, remove := range s.removers {
			remove()
		}
		err = s.dg.Close()
	})
	return err
}

func (s *Session) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

func (s *Session) handleMessage(m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	if m.Author != nil && (m.Author.ID == s.selfID || m.Author.Bot) {
		return
	}
	if m.GuildID != "" && len(s.adapter.allowGuilds) > 0 && !s.adapter.allowGuilds[m.GuildID] {
		return
	}
	if m.GuildID != "" && s.adapter.mentionOnly && !isMentioned(m.Mentions, s.selfID) {
		return
	}

	msg, err := Decode(s.adapter.tenantID, m)
	if err != nil {
		s.inbound.Reject(err, s.done)
		return
	}
	msg.Text = stripMention(msg.Text, s.selfID)
	s.inbound.Push(msg, s.done)
}

// Decode converts a MESSAGE_CREATE event.
func Decode(tenantID string, m *discordgo.MessageCreate) (message.Message, error) {
	if m == nil || m.Message == nil {
		return message.Message{}, errors.NewDecodeError(platform, "MESSAGE_CREATE", fmt.Errorf("empty event"))
	}
	if m.Author == nil {
		return message.Message{}, errors.NewDecodeError(platform, "MESSAGE_CREATE", fmt.Errorf("message %s has no author", m.ID))
	}
	if m.ChannelID == "" {
		return message.Message{}, errors.NewDecodeError(platform, "MESSAGE_CREATE", fmt.Errorf("message %s has no channel", m.ID))
	}

	var attachments []string
	for _, att := range m.Attachments {
		attachments = append(attachments, att.Filename)
	}

	out := message.Message{
		ID:          m.ID,
		Platform:    message.Discord,
		TenantID:    tenantID,
		ChannelRef:  m.ChannelID,
		AuthorRef:   m.Author.ID,
		AuthorName:  m.Author.Username,
		Text:        m.Content,
		Timestamp:   m.Timestamp,
		Attachments: attachments,
	}
	if m.MessageReference != nil {
		out.ReplyTo = m.MessageReference.MessageID
	}
	return out, nil
}

// Encode renders msg as one request per chunk. Threads are channels on Discord,
// so a thread destination replaces the channel. Only the first chunk replies.
func Encode(msg message.Message, dest message.Destination) (string, []*discordgo.MessageSend, error) {
	channel := dest.ChannelRef
	if dest.ThreadRef != "" {
		channel = dest.ThreadRef
	}
	if strings.TrimSpace(channel) == "" {
		return "", nil, errors.NewEncodeError(platform, fmt.Errorf("missing channel"))
	}
	if strings.TrimSpace(msg.Text) == "" {
		return "", nil, errors.NewEncodeError(platform, fmt.Errorf("empty text"))
	}

	chunks := message.Split(msg.Text, message.DiscordMaxLength)
	sends := make([]*discordgo.MessageSend, 0, len(chunks))
	for i, chunk := range chunks {
		data := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.ReplyTo != "" {
			data.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: channel}
		}
		sends = append(sends, data)
	}
	return channel, sends, nil
}

func connectError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case closeAuthenticationFailed, closeInvalidIntents, closeDisallowedIntents:
			return errors.NewConnectError(platform, errors.ErrAuthRejected, err)
		}
		return errors.NewConnectError(platform, errors.ErrNetworkUnreachable, err)
	}

	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return errors.NewConnectError(platform, errors.ErrRateLimited, err)
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch code := restErr.Response.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return errors.NewConnectError(platform, errors.ErrAuthRejected, err)
		case code == http.StatusTooManyRequests:
			return errors.NewConnectError(platform, errors.ErrRateLimited, err)
		}
	}
	return errors.NewConnectError(platform, errors.NewDefaultErrorMapper().ConnectReason(err), err)
}

func sendError(err error) error {
	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return errors.NewSendError(platform, errors.ErrRateLimited, err)
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch code := restErr.Response.StatusCode; {
		case code == http.StatusTooManyRequests:
			return errors.NewSendError(platform, errors.ErrRateLimited, err)
		case code == http.StatusUnauthorized:
			return errors.NewSendError(platform, errors.ErrSessionDead, err)
		case code >= 400 && code < 500:
			return errors.NewSendError(platform, errors.ErrRejected, err)
		default:
			return errors.NewSendError(platform, errors.ErrSessionDead, err)
		}
	}
	return errors.NewSendError(platform, errors.NewDefaultErrorMapper().SendReason(err), err)
}

func isMentioned(mentions []*discordgo.User, id string) bool {
	for _, u := range mentions {
		if u != nil && u.ID == id {
			return true
		}
	}
	return false
}

func stripMention(text, id string) string {
	if id == "" {
		return text
	}
	text = strings.ReplaceAll(text, "<@"+id+">", "")
	text = strings.ReplaceAll(text, "<@!"+id+">", "")
	return strings.TrimSpace(text)
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
