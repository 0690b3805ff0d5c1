package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
)

func TestDecode_MessageUpdate(t *testing.T) {
	msg, err := Decode("tenant", tgbotapi.Update{
		UpdateID: 99,
		Message: &tgbotapi.Message{
			MessageID: 123,
			Text:      "hello from telegram",
			Date:      1710000000,
			Chat:      &tgbotapi.Chat{ID: 456},
			From:      &tgbotapi.User{ID: 789, UserName: "alice"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "456:123", msg.ID)
	assert.Equal(t, message.Telegram, msg.Platform)
	assert.Equal(t, "tenant", msg.TenantID)
	assert.Equal(t, "456", msg.ChannelRef)
	assert.Equal(t, "789", msg.AuthorRef)
	assert.Equal(t, "alice", msg.AuthorName)
	assert.Equal(t, "hello from telegram", msg.Text)
	assert.Equal(t, int64(1710000000), msg.Timestamp.Unix())
}

func TestDecode_CaptionAndAttachments(t *testing.T) {
	msg, err := Decode("tenant", tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID:      5,
			Caption:        "see file",
			Chat:           &tgbotapi.Chat{ID: 1},
			From:           &tgbotapi.User{ID: 2, FirstName: "Ada", LastName: "L"},
			Document:       &tgbotapi.Document{FileName: "report.pdf"},
			ReplyToMessage: &tgbotapi.Message{MessageID: 4},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "see file", msg.Text)
	assert.Equal(t, "Ada L", msg.AuthorName)
	assert.Equal(t, []string{"report.pdf"}, msg.Attachments)
	assert.Equal(t, "1:4", msg.ReplyTo)
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]tgbotapi.Update{
		"no message": {UpdateID: 1},
		"no chat":    {Message: &tgbotapi.Message{MessageID: 1, From: &tgbotapi.User{ID: 1}}},
		"no sender":  {Message: &tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: 1}}},
	}
	for name, update := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode("t", update)
			var decErr *errors.DecodeError
			assert.ErrorAs(t, err, &decErr)
		})
	}
}

func TestEncode(t *testing.T) {
	dest := message.Destination{Platform: message.Telegram, ChannelRef: "456"}

	configs, err := Encode(message.Message{Text: "hi", ReplyTo: "456:12"}, dest)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, int64(456), configs[0].ChatID)
	assert.Equal(t, 12, configs[0].ReplyToMessageID)

	long := strings.Repeat("a", message.TelegramMaxLength+10)
	configs, err = Encode(message.Message{Text: long, ReplyTo: "7"}, dest)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, 7, configs[0].ReplyToMessageID)
	assert.Zero(t, configs[1].ReplyToMessageID)

	_, err = Encode(message.Message{Text: "hi"}, message.Destination{ChannelRef: "general"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = Encode(message.Message{Text: " "}, dest)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

// fakeBotAPI serves the subset of the Bot API the adapter uses.
type fakeBotAPI struct {
	mu      sync.Mutex
	token   string
	updates []string
	sent    []string
	polls   int
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !strings.HasPrefix(r.URL.Path, "/bot"+f.token+"/") {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		return
	}
	_ = r.ParseForm()
	if strings.HasSuffix(r.URL.Path, "/getUpdates") {
		time.Sleep(20 * time.Millisecond)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"gate","username":"gatebot"}}`)
	case strings.HasSuffix(r.URL.Path, "/getUpdates"):
		f.polls++
		fmt.Fprintf(w, `{"ok":true,"result":[%s]}`, strings.Join(f.updates, ","))
		f.updates = nil
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		f.sent = append(f.sent, r.Form.Get("text"))
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1710000000,"chat":{"id":%s,"type":"private"},"text":"ok"}}`, 70+len(f.sent), r.Form.Get("chat_id"))
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

func newFakeAdapter(t *testing.T, f *fakeBotAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New("tenant", adapter.Settings{
		"update_timeout": "1",
		"api_endpoint":   srv.URL + "/bot%s/%s",
	})
}

func TestConnect_InvalidTokenIsAuthRejected(t *testing.T) {
	a := newFakeAdapter(t, &fakeBotAPI{token: "good"})

	_, err := a.Connect(context.Background(), adapter.Credentials{"bot_token": "bad"})
	var connErr *errors.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Terminal())

	_, err = a.Connect(context.Background(), adapter.Credentials{})
	assert.ErrorIs(t, err, errors.ErrAuthRejected)
}

func TestSession_ListenSkipsBotsAndSends(t *testing.T) {
	f := &fakeBotAPI{token: "good", updates: []string{
		`{"update_id":10,"message":{"message_id":1,"date":1710000000,"chat":{"id":456,"type":"private"},"from":{"id":789,"is_bot":false,"first_name":"Al","username":"alice"},"text":"hi"}}`,
		`{"update_id":11,"message":{"message_id":2,"date":1710000000,"chat":{"id":456,"type":"private"},"from":{"id":5,"is_bot":true,"first_name":"other"},"text":"beep"}}`,
	}}
	a := newFakeAdapter(t, f)

	sess, err := a.Connect(context.Background(), adapter.Credentials{"bot_token": "good"})
	require.NoError(t, err)
	defer sess.Close()
	require.NoError(t, sess.Handshake(context.Background()))

	got := make(chan message.Message, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = sess.Listen(ctx, adapter.SinkFuncs{Delivered: func(m message.Message) { got <- m }})
	}()

	select {
	case m := <-got:
		assert.Equal(t, "hi", m.Text)
		assert.Equal(t, "456:1", m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
	require.Eventually(t, func() bool { return a.currentOffset() == 12 }, time.Second, 5*time.Millisecond)

	dest := message.Destination{Platform: message.Telegram, ChannelRef: "456"}
	ack, err := sess.Send(context.Background(), message.Draft{Text: "pong"}.Outbound(dest), dest)
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Parts)
	assert.Equal(t, "456:71", ack.ID)

	f.mu.Lock()
	assert.Equal(t, []string{"pong"}, f.sent)
	f.mu.Unlock()

	select {
	case m := <-got:
		t.Fatalf("unexpected message from bot: %q", m.Text)
	default:
	}
}

func TestSendError_Classification(t *testing.T) {
	assert.ErrorIs(t, sendError(&tgbotapi.Error{Code: 429, Message: "Too Many Requests"}), errors.ErrRateLimited)
	assert.ErrorIs(t, sendError(&tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}), errors.ErrRejected)
	assert.ErrorIs(t, sendError(fmt.Errorf("connection reset by peer")), errors.ErrSessionDead)
}
