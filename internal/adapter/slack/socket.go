package slack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/harunnryd/chatgate/internal/errors"
)

// startSocket opens the socket mode connection and waits for Slack to confirm it.
func (s *Session) startSocket(ctx context.Context) error {
	sm := socketmode.New(s.client)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		if err := sm.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			s.fail(connectError(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			cancel()
			return errors.NewConnectError(platform, errors.ErrNetworkUnreachable, ctx.Err())
		case err := <-s.failed:
			cancel()
			return err
		case evt, ok := <-sm.Events:
			if !ok {
				cancel()
				return errors.NewConnectError(platform, errors.ErrNetworkUnreachable, fmt.Errorf("socket closed during handshake"))
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				go s.readSocket(runCtx, sm)
				return nil
			case socketmode.EventTypeInvalidAuth:
				cancel()
				return errors.NewConnectError(platform, errors.ErrAuthRejected, fmt.Errorf("socket mode rejected the app token"))
			case socketmode.EventTypeConnectionError:
				slog.Debug("Slack socket connection error", "data", evt.Data)
			}
		}
	}
}

func (s *Session) readSocket(ctx context.Context, sm *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sm.Events:
			if !ok {
				s.fail(errors.NewConnectError(platform, errors.ErrNetworkUnreachable, fmt.Errorf("socket closed")))
				return
			}
			s.handleSocketEvent(sm, evt)
		}
	}
}

func (s *Session) handleSocketEvent(sm *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			sm.Ack(*evt.Request)
		}
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			s.inbound.Reject(errors.NewDecodeError(platform, "events_api", fmt.Errorf("unexpected payload %T", evt.Data)), s.done)
			return
		}
		if apiEvent.Type == slackevents.CallbackEvent {
			s.handleMessage(apiEvent.InnerEvent.Data)
		}
	case socketmode.EventTypeInvalidAuth:
		s.fail(errors.NewConnectError(platform, errors.ErrAuthRejected, fmt.Errorf("socket mode auth revoked")))
	case socketmode.EventTypeIncomingError:
		s.fail(errors.NewConnectError(platform, errors.ErrNetworkUnreachable, fmt.Errorf("socket error: %v", evt.Data)))
	case socketmode.EventTypeInteractive, socketmode.EventTypeSlashCommand:
		if evt.Request != nil {
			sm.Ack(*evt.Request)
		}
	}
}
