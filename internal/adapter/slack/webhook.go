package slack

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/harunnryd/chatgate/internal/errors"
)

// startWebhook binds the Events API listener. Binding failures are reported as
// unreachable so the supervisor retries.
func (s *Session) startWebhook() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.adapter.path, s.handleEvents)

	ln, err := net.Listen("tcp", s.adapter.listen)
	if err != nil {
		return errors.NewConnectError(platform, errors.ErrNetworkUnreachable, err)
	}

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Slack events webhook listening", "addr", ln.Addr().String(), "path", s.adapter.path)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.fail(errors.NewConnectError(platform, errors.ErrNetworkUnreachable, err))
		}
	}()
	return nil
}

func (s *Session) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sv, err := slack.NewSecretsVerifier(r.Header, s.signingSecret)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := sv.Write(body); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if err := sv.Ensure(); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	eventsAPIEvent, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		s.inbound.Reject(errors.NewDecodeError(platform, "events_api", err), s.done)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch eventsAPIEvent.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return
	case slackevents.AppRateLimited:
		slog.Warn("Slack is rate limiting event delivery", "tenant", s.adapter.tenantID)
	case slackevents.CallbackEvent:
		s.handleMessage(eventsAPIEvent.InnerEvent.Data)
	default:
		s.inbound.Reject(errors.NewDecodeError(platform, eventsAPIEvent.Type, fmt.Errorf("unsupported event type")), s.done)
	}

	w.WriteHeader(http.StatusOK)
}
