// Package telegram implements the chat adapter over the Telegram Bot API using
// long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
)

const (
	DefaultUpdateTimeout = 30
	platform             = string(message.Telegram)
)

type Adapter struct {
	tenantID      string
	updateTimeout int
	endpoint      string
	client        *http.Client

	// offset survives reconnects so confirmed updates are not fetched again.
	mu     sync.Mutex
	offset int
}

// Factory builds a Telegram adapter. Settings: update_timeout (seconds),
// api_endpoint (format string with token and method placeholders).
func Factory(reg adapter.Registration) (adapter.Adapter, error) {
	return New(reg.TenantID, reg.Settings), nil
}

func New(tenantID string, settings adapter.Settings) *Adapter {
	timeout := settings.Int("update_timeout", DefaultUpdateTimeout)
	if timeout <= 0 {
		timeout = DefaultUpdateTimeout
	}
	return &Adapter{
		tenantID:      tenantID,
		updateTimeout: timeout,
		endpoint:      settings.String("api_endpoint", tgbotapi.APIEndpoint),
		client:        &http.Client{Timeout: time.Duration(timeout+10) * time.Second},
	}
}

func (a *Adapter) Platform() message.Platform {
	return message.Telegram
}

func (a *Adapter) Connect(ctx context.Context, creds adapter.Credentials) (adapter.Session, error) {
	token, err := creds.Require(message.Telegram, "bot_token")
	if err != nil {
		return nil, err
	}

	type result struct {
		bot *tgbotapi.BotAPI
		err error
	}
	ch := make(chan result, 1)
	go func() {
		bot, err := tgbotapi.NewBotAPIWithClient(token, a.endpoint, a.client)
		ch <- result{bot: bot, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.NewConnectError(platform, errors.ErrNetworkUnreachable, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, connectError(r.err)
		}
		slog.Info("Telegram bot authenticated", "user", r.bot.Self.UserName, "tenant", a.tenantID)
		return &Session{adapter: a, bot: r.bot, done: make(chan struct{})}, nil
	}
}

type Session struct {
	adapter *Adapter
	bot     *tgbotapi.BotAPI

	done      chan struct{}
	closeOnce sync.Once
}

// Handshake is a no-op: long polling has no channel to open beyond the
// authenticated client.
func (s *Session) Handshake(ctx context.Context) error {
	return nil
}

func (s *Session) Listen(ctx context.Context, sink adapter.Sink) error {
	type poll struct {
		updates []tgbotapi.Update
		err     error
	}

	for {
		cfg := tgbotapi.NewUpdate(s.adapter.currentOffset())
		cfg.Timeout = s.adapter.updateTimeout

		ch := make(chan poll, 1)
		go func() {
			updates, err := s.bot.GetUpdates(cfg)
			ch <- poll{updates: updates, err: err}
		}()

		var p poll
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case p = <-ch:
		}

		if p.err != nil {
			return connectError(p.err)
		}
		for _, update := range p.updates {
			s.adapter.advance(update.UpdateID)
			s.handleUpdate(update, sink)
		}
	}
}

func (s *Session) handleUpdate(update tgbotapi.Update, sink adapter.Sink) {
	if update.Message == nil {
		return
	}
	if from := update.Message.From; from != nil && (from.IsBot || from.ID == s.bot.Self.ID) {
		return
	}
	msg, err := Decode(s.adapter.tenantID, update)
	if err != nil {
		sink.Drop(err)
		return
	}
	sink.Deliver(msg)
}

func (s *Session) Send(ctx context.Context, msg message.Message, dest message.Destination) (message.Ack, error) {
	configs, err := Encode(msg, dest)
	if err != nil {
		return message.Ack{}, err
	}

	ack := message.Ack{Platform: message.Telegram, ChannelRef: dest.ChannelRef}
	for _, cfg := range configs {
		if err := ctx.Err(); err != nil {
			return message.Ack{}, errors.NewSendError(platform, errors.ErrSessionDead, err)
		}
		sent, err := s.bot.Send(cfg)
		if err != nil {
			return message.Ack{}, sendError(err)
		}
		ack.ID = messageID(sent.Chat.ID, sent.MessageID)
		ack.Timestamp = sent.Time()
		ack.Parts++
	}
	slog.Debug("Telegram message sent", "chat_id", dest.ChannelRef, "parts", ack.Parts)
	return ack, nil
}

// Ping checks the token is still accepted.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.bot.GetMe()
	if err != nil {
		return connectError(err)
	}
	return nil
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (a *Adapter) currentOffset() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

func (a *Adapter) advance(updateID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if updateID >= a.offset {
		a.offset = updateID + 1
	}
}

// Decode converts a message update. Message IDs are only unique per chat, so
// the ID carries both.
func Decode(tenantID string, update tgbotapi.Update) (message.Message, error) {
	m := update.Message
	if m == nil {
		return message.Message{}, errors.NewDecodeError(platform, "update", fmt.Errorf("update %d has no message", update.UpdateID))
	}
	if m.Chat == nil {
		return message.Message{}, errors.NewDecodeError(platform, "message", fmt.Errorf("message %d has no chat", m.MessageID))
	}
	if m.From == nil {
		return message.Message{}, errors.NewDecodeError(platform, "message", fmt.Errorf("message %d has no sender", m.MessageID))
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}

	var attachments []string
	if m.Document != nil {
		attachments = append(attachments, m.Document.FileName)
	}
	if len(m.Photo) > 0 {
		attachments = append(attachments, "photo")
	}

	name := m.From.UserName
	if name == "" {
		name = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	}

	out := message.Message{
		ID:          messageID(m.Chat.ID, m.MessageID),
		Platform:    message.Telegram,
		TenantID:    tenantID,
		ChannelRef:  strconv.FormatInt(m.Chat.ID, 10),
		AuthorRef:   strconv.FormatInt(m.From.ID, 10),
		AuthorName:  name,
		Text:        text,
		Timestamp:   m.Time(),
		Attachments: attachments,
	}
	if m.ReplyToMessage != nil {
		out.ReplyTo = messageID(m.Chat.ID, m.ReplyToMessage.MessageID)
	}
	return out, nil
}

// Encode renders msg as one sendMessage request per chunk. Only the first chunk
// carries the reply reference.
func Encode(msg message.Message, dest message.Destination) ([]tgbotapi.MessageConfig, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(dest.ChannelRef), 10, 64)
	if err != nil {
		return nil, errors.NewEncodeError(platform, fmt.Errorf("invalid chat id %q", dest.ChannelRef))
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil, errors.NewEncodeError(platform, fmt.Errorf("empty text"))
	}

	replyTo := replyMessageID(msg.ReplyTo)
	if replyTo == 0 {
		replyTo = replyMessageID(dest.ThreadRef)
	}

	chunks := message.Split(msg.Text, message.TelegramMaxLength)
	configs := make([]tgbotapi.MessageConfig, 0, len(chunks))
	for i, chunk := range chunks {
		cfg := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 && replyTo != 0 {
			cfg.ReplyToMessageID = replyTo
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func messageID(chatID int64, msgID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(msgID)
}

// replyMessageID accepts "chat:message" or a bare message number.
func replyMessageID(ref string) int {
	if ref == "" {
		return 0
	}
	if i := strings.LastIndexByte(ref, ':'); i >= 0 {
		ref = ref[i+1:]
	}
	n, err := strconv.Atoi(ref)
	if err != nil {
		return 0
	}
	return n
}

func connectError(err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		switch tgErr.Code {
		case http.StatusUnauthorized, http.StatusNotFound:
			return errors.NewConnectError(platform, errors.ErrAuthRejected, err)
		case http.StatusTooManyRequests:
			return errors.NewConnectError(platform, errors.ErrRateLimited, err)
		}
	}
	return errors.NewConnectError(platform, errors.NewDefaultErrorMapper().ConnectReason(err), err)
}

func sendError(err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		switch {
		case tgErr.Code == http.StatusTooManyRequests:
			return errors.NewSendError(platform, errors.ErrRateLimited, err)
		case tgErr.Code >= 400 && tgErr.Code < 500:
			return errors.NewSendError(platform, errors.ErrRejected, err)
		}
	}
	return errors.NewSendError(platform, errors.NewDefaultErrorMapper().SendReason(err), err)
}
