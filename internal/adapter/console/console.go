// Package console implements the chat adapter over a terminal: each input line
// is an inbound message and outbound messages are printed.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
)

// Channel is the only channel the console has.
const Channel = "console"

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorRed    = "\033[31m"
)

type Adapter struct {
	tenantID string
	user     string
	prompt   string
	noColor  bool

	in  io.Reader
	out io.Writer

	readOnce sync.Once
	lines    chan string
	done     chan struct{}
	doneOnce sync.Once

	writeMu sync.Mutex
}

// Factory builds a console adapter on stdin and stdout. Settings: user, prompt,
// no_color.
func Factory(reg adapter.Registration) (adapter.Adapter, error) {
	return New(reg.TenantID, os.Stdin, os.Stdout, reg.Settings), nil
}

func New(tenantID string, in io.Reader, out io.Writer, settings adapter.Settings) *Adapter {
	user := settings.String("user", os.Getenv("USER"))
	if user == "" {
		user = "you"
	}
	return &Adapter{
		tenantID: tenantID,
		user:     user,
		prompt:   settings.String("prompt", "> "),
		noColor:  settings.Bool("no_color", false),
		in:       in,
		out:      out,
		lines:    make(chan string),
		done:     make(chan struct{}),
	}
}

func (a *Adapter) Platform() message.Platform {
	return message.Console
}

// Done is closed when input ends or the user types /exit.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

func (a *Adapter) finish() {
	a.doneOnce.Do(func() { close(a.done) })
}

// read scans input for the life of the adapter; sessions come and go on top of it.
func (a *Adapter) read() {
	scanner := bufio.NewScanner(a.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			a.printPrompt()
			continue
		}
		if line == "/exit" || line == "/quit" {
			break
		}
		select {
		case a.lines <- line:
		case <-a.done:
			return
		}
	}
	a.finish()
}

func (a *Adapter) Connect(ctx context.Context, creds adapter.Credentials) (adapter.Session, error) {
	select {
	case <-a.done:
		return nil, errors.NewConnectError(string(message.Console), errors.ErrNetworkUnreachable, io.EOF)
	default:
	}
	a.readOnce.Do(func() { go a.read() })
	return &Session{adapter: a, closed: make(chan struct{})}, nil
}

type Session struct {
	adapter   *Adapter
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *Session) Handshake(ctx context.Context) error {
	a := s.adapter
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	fmt.Fprintln(a.out, "chatgate console. Type a message, /exit to quit.")
	fmt.Fprint(a.out, a.prompt)
	return nil
}

// Listen turns input lines into messages. End of input does not fail the
// session; callers watch Done instead.
func (s *Session) Listen(ctx context.Context, sink adapter.Sink) error {
	a := s.adapter
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		case line := <-a.lines:
			sink.Deliver(message.Message{
				ID:         ulid.Make().String(),
				Platform:   message.Console,
				TenantID:   a.tenantID,
				ChannelRef: Channel,
				AuthorRef:  a.user,
				AuthorName: a.user,
				Text:       line,
				Timestamp:  time.Now(),
			})
		}
	}
}

func (s *Session) Send(ctx context.Context, msg message.Message, dest message.Destination) (message.Ack, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return message.Ack{}, errors.NewEncodeError(string(message.Console), fmt.Errorf("empty text"))
	}
	if dest.ChannelRef != Channel {
		return message.Ack{}, errors.NewEncodeError(string(message.Console), fmt.Errorf("unknown channel %q", dest.ChannelRef))
	}

	a := s.adapter
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	// \r plus clear-line wipes the pending prompt before printing.
	fmt.Fprint(a.out, "\r\033[K")
	if a.noColor {
		fmt.Fprintln(a.out, msg.Text)
	} else {
		fmt.Fprintf(a.out, "%s%s%s\n", colorFor(msg.Text), msg.Text, colorReset)
	}
	fmt.Fprint(a.out, a.prompt)

	return message.Ack{
		ID:         ulid.Make().String(),
		Platform:   message.Console,
		ChannelRef: Channel,
		Timestamp:  time.Now(),
		Parts:      1,
	}, nil
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (a *Adapter) printPrompt() {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	fmt.Fprint(a.out, a.prompt)
}

func colorFor(text string) string {
	switch {
	case strings.HasPrefix(text, "Error:"):
		return colorRed
	case strings.HasPrefix(text, "[status]"):
		return colorBlue
	case strings.HasPrefix(text, "[schedule]"):
		return colorYellow
	default:
		return colorGreen
	}
}
