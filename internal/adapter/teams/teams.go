// Package teams implements the chat adapter for Microsoft Teams through the Bot
// Framework: activities arrive on a webhook and replies go out over the
// connector REST API with a client-credentials token.
package teams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
)

const (
	DefaultListenAddr = ":3978"
	DefaultPath       = "/api/messages"
	DefaultTokenURL   = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	DefaultScope      = "https://api.botframework.com/.default"

	platform = string(message.Teams)
)

type Adapter struct {
	tenantID   string
	listen     string
	path       string
	tokenURL   string
	scope      string
	serviceURL string
	httpClient *http.Client
	verifier   *tokenVerifier

	// Service URLs are learned per conversation from inbound activities and
	// kept across reconnects.
	mu       sync.RWMutex
	services map[string]string
}

// Factory builds a Teams adapter. Settings: listen, path, token_url, scope,
// service_url (fallback for conversations not seen yet), openid_url and issuer
// (inbound token validation).
func Factory(reg adapter.Registration) (adapter.Adapter, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	verifier := newTokenVerifier(
		reg.Settings.String("openid_url", DefaultOpenIDURL),
		reg.Settings.String("issuer", DefaultIssuer),
		client,
	)
	return &Adapter{
		tenantID:   reg.TenantID,
		listen:     reg.Settings.String("listen", DefaultListenAddr),
		path:       reg.Settings.String("path", DefaultPath),
		tokenURL:   reg.Settings.String("token_url", DefaultTokenURL),
		scope:      reg.Settings.String("scope", DefaultScope),
		serviceURL: reg.Settings.String("service_url", ""),
		httpClient: client,
		verifier:   verifier,
		services:   make(map[string]string),
	}, nil
}

func (a *Adapter) Platform() message.Platform {
	return message.Teams
}

// Connect exchanges the app credentials for a connector token.
func (a *Adapter) Connect(ctx context.Context, creds adapter.Credentials) (adapter.Session, error) {
	appID, err := creds.Require(message.Teams, "app_id")
	if err != nil {
		return nil, err
	}
	secret, err := creds.Require(message.Teams, "app_password")
	if err != nil {
		return nil, err
	}

	cfg := clientcredentials.Config{
		ClientID:     appID,
		ClientSecret: secret,
		TokenURL:     a.tokenURL,
		Scopes:       []string{a.scope},
	}
	// The token source outlives this call, so it gets its own context.
	base := context.WithValue(context.Background(), oauth2.HTTPClient, a.httpClient)
	ts := cfg.TokenSource(base)

	type result struct {
		tok *oauth2.Token
		err error
	}
	ch := make(chan result, 1)
	go func() {
		tok, err := ts.Token()
		ch <- result{tok: tok, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.NewConnectError(platform, errors.ErrNetworkUnreachable, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, connectError(r.err)
		}
	}
	slog.Info("Teams bot authenticated", "app_id", appID, "tenant", a.tenantID)

	return newSession(a, appID, ts), nil
}

func (a *Adapter) rememberService(conversationID, serviceURL string) {
	if conversationID == "" || serviceURL == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.services[conversationID] = strings.TrimRight(serviceURL, "/")
}

func (a *Adapter) serviceFor(conversationID string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if u, ok := a.services[conversationID]; ok {
		return u
	}
	return strings.TrimRight(a.serviceURL, "/")
}

type Session struct {
	adapter *Adapter
	appID   string
	tokens  oauth2.TokenSource
	client  *http.Client

	inbound *adapter.Inbound
	failed  chan error
	done    chan struct{}

	closeOnce sync.Once
	server    *http.Server
}

func newSession(a *Adapter, appID string, ts oauth2.TokenSource) *Session {
	return &Session{
		adapter: a,
		appID:   appID,
		tokens:  ts,
		client: &http.Client{
			Timeout:   a.httpClient.Timeout,
			Transport: &oauth2.Transport{Source: ts, Base: a.httpClient.Transport},
		},
		inbound: adapter.NewInbound(0),
		failed:  make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// Handshake binds the activity webhook.
func (s *Session) Handshake(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.adapter.path, s.handleActivity)

	ln, err := net.Listen("tcp", s.adapter.listen)
	if err != nil {
		return errors.NewConnectError(platform, errors.ErrNetworkUnreachable, err)
	}
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		slog.Info("Teams webhook listening", "addr", ln.Addr().String(), "path", s.adapter.path)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.fail(errors.NewConnectError(platform, errors.ErrNetworkUnreachable, err))
		}
	}()
	return nil
}

func (s *Session) Listen(ctx context.Context, sink adapter.Sink) error {
	return s.inbound.Pump(ctx, s.failed, s.done, sink)
}

func (s *Session) Send(ctx context.Context, msg message.Message, dest message.Destination) (message.Ack, error) {
	activities, err := Encode(msg, dest)
	if err != nil {
		return message.Ack{}, err
	}
	service := s.adapter.serviceFor(dest.ChannelRef)
	if service == "" {
		return message.Ack{}, errors.NewEncodeError(platform, fmt.Errorf("no service url known for conversation %q", dest.ChannelRef))
	}

	ack := message.Ack{Platform: message.Teams, ChannelRef: dest.ChannelRef}
	for _, act := range activities {
		act.From = &ChannelAccount{ID: s.appID}
		id, err := s.post(ctx, service, act)
		if err != nil {
			return message.Ack{}, err
		}
		ack.ID = id
		ack.Timestamp = time.Now()
		ack.Parts++
	}
	slog.Debug("Teams message sent", "conversation", dest.ChannelRef, "parts", ack.Parts)
	return ack, nil
}

func (s *Session) post(ctx context.Context, service string, act Activity) (string, error) {
	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities", service, url.PathEscape(act.Conversation.ID))
	if act.ReplyToID != "" {
		endpoint += "/" + url.PathEscape(act.ReplyToID)
	}

	body, err := json.Marshal(act)
	if err != nil {
		return "", errors.NewEncodeError(platform, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", errors.NewEncodeError(platform, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", sendError(err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := statusError(resp.StatusCode, payload); err != nil {
		return "", err
	}

	var rr ResourceResponse
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rr); err != nil {
			slog.Debug("Teams response was not a resource response", "error", err)
		}
	}
	return rr.ID, nil
}

// Ping refreshes the connector token if needed, surfacing revoked credentials.
func (s *Session) Ping(ctx context.Context) error {
	if _, err := s.tokens.Token(); err != nil {
		return connectError(err)
	}
	return nil
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.server.Shutdown(ctx); err != nil {
				slog.Warn("Teams webhook shutdown failed", "error", err)
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

func (s *Session) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, err := s.adapter.verifier.Verify(r.Context(), r.Header.Get("Authorization"), s.appID)
	if err != nil {
		slog.Warn("Teams activity rejected", "remote", r.RemoteAddr, "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var act Activity
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&act); err != nil {
		s.inbound.Reject(errors.NewDecodeError(platform, "activity", err), s.done)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if claimed := claimedServiceURL(claims); claimed != "" && claimed != strings.TrimRight(act.ServiceURL, "/") {
		slog.Warn("Teams activity rejected", "remote", r.RemoteAddr, "error", "serviceUrl does not match token")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if act.Conversation != nil {
		s.adapter.rememberService(act.Conversation.ID, act.ServiceURL)
	}

	switch {
	case act.Type != activityMessage:
		// conversationUpdate, typing and friends carry no chat text.
	case act.From != nil && (act.From.Role == "bot" || act.From.ID == s.appID || strings.HasSuffix(act.From.ID, ":"+s.appID)):
	default:
		msg, err := Decode(s.adapter.tenantID, act)
		if err != nil {
			s.inbound.Reject(err, s.done)
		} else {
			s.inbound.Push(msg, s.done)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("connector returned %d: %s", code, strings.TrimSpace(string(body)))
	switch {
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

func connectError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch {
		case re.ErrorCode == "invalid_client" || re.ErrorCode == "unauthorized_client":
			return errors.NewConnectError(platform, errors.ErrAuthRejected, err)
		case re.Response != nil && re.Response.StatusCode == http.StatusTooManyRequests:
			return errors.NewConnectError(platform, errors.ErrRateLimited, err)
		case re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized):
			return errors.NewConnectError(platform, errors.ErrAuthRejected, err)
		}
	}
	return errors.NewConnectError(platform, errors.NewDefaultErrorMapper().ConnectReason(err), err)
}

func sendError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return errors.NewSendError(platform, errors.ErrSessionDead, err)
	}
	return errors.NewSendError(platform, errors.NewDefaultErrorMapper().SendReason(err), err)
}
