package teams

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/chatgate/internal/adapter"
	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
)

const (
	testIssuer = "https://api.botframework.test"
	testKid    = "key-1"
)

var (
	signingKeyOnce sync.Once
	signingKey     *rsa.PrivateKey
)

func testSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	signingKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		signingKey = k
	})
	return signingKey
}

// sign issues a connector token for audience "app" with the test key.
func sign(t *testing.T, key *rsa.PrivateKey, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud": "app",
		"iss": testIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKid
	raw, err := tok.SignedString(key)
	require.NoError(t, err)
	return raw
}

// botFramework fakes the token endpoint, the OpenID metadata and the
// connector API.
type botFramework struct {
	mu       sync.Mutex
	secret   string
	posted   []Activity
	paths    []string
	status   int
	tokenHit int
	keysHit  int
	jwks     *rsa.PublicKey
}

func (b *botFramework) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch r.URL.Path {
	case "/openid":
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"issuer":%q,"jwks_uri":"http://%s/keys"}`, testIssuer, r.Host)
		return
	case "/keys":
		b.keysHit++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": testKid,
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(b.jwks.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(b.jwks.E)).Bytes()),
		}}})
		return
	}

	if r.URL.Path == "/token" {
		b.tokenHit++
		_ = r.ParseForm()
		_, pass, ok := r.BasicAuth()
		if !ok {
			pass = r.Form.Get("client_secret")
		}
		w.Header().Set("Content-Type", "application/json")
		if pass != b.secret {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"invalid_client","error_description":"bad secret"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
		return
	}

	if r.Header.Get("Authorization") != "Bearer tok" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if b.status != 0 {
		w.WriteHeader(b.status)
		return
	}
	var act Activity
	_ = json.NewDecoder(r.Body).Decode(&act)
	b.posted = append(b.posted, act)
	b.paths = append(b.paths, r.URL.Path)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"act-%d"}`, len(b.posted))
}

func newTestAdapter(t *testing.T, bf *botFramework) (*Adapter, string) {
	t.Helper()
	bf.jwks = &testSigningKey(t).PublicKey
	srv := httptest.NewServer(bf)
	t.Cleanup(srv.Close)

	a, err := Factory(adapter.Registration{
		Platform: message.Teams,
		TenantID: "contoso",
		Settings: adapter.Settings{
			"token_url":  srv.URL + "/token",
			"openid_url": srv.URL + "/openid",
			"issuer":     testIssuer,
			"listen":     "127.0.0.1:0",
		},
	})
	require.NoError(t, err)
	return a.(*Adapter), srv.URL
}

func TestConnect_BadSecretIsAuthRejected(t *testing.T) {
	a, _ := newTestAdapter(t, &botFramework{secret: "s3cret"})

	_, err := a.Connect(context.Background(), adapter.Credentials{"app_id": "app", "app_password": "wrong"})
	var connErr *errors.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Terminal())

	_, err = a.Connect(context.Background(), adapter.Credentials{"app_id": "app"})
	assert.ErrorIs(t, err, errors.ErrAuthRejected)
}

func TestSession_SendUsesLearnedServiceURL(t *testing.T) {
	bf := &botFramework{secret: "s3cret"}
	a, base := newTestAdapter(t, bf)

	sess, err := a.Connect(context.Background(), adapter.Credentials{"app_id": "app", "app_password": "s3cret"})
	require.NoError(t, err)
	defer sess.Close()

	dest := message.Destination{Platform: message.Teams, ChannelRef: "19:abc@thread.skype"}
	_, err = sess.Send(context.Background(), message.Draft{Text: "hi"}.Outbound(dest), dest)
	var encErr *errors.EncodeError
	require.ErrorAs(t, err, &encErr, "no service url is known yet")

	a.rememberService(dest.ChannelRef, base+"/")
	ack, err := sess.Send(context.Background(), message.Draft{Text: "hi", ReplyTo: "orig"}.Outbound(dest), dest)
	require.NoError(t, err)
	assert.Equal(t, "act-1", ack.ID)
	assert.Equal(t, 1, ack.Parts)

	bf.mu.Lock()
	defer bf.mu.Unlock()
	require.Len(t, bf.posted, 1)
	assert.Equal(t, "hi", bf.posted[0].Text)
	assert.Equal(t, "app", bf.posted[0].From.ID)
	assert.Equal(t, "/v3/conversations/19:abc@thread.skype/activities/orig", bf.paths[0])
}

func TestSession_SendClassifiesStatus(t *testing.T) {
	bf := &botFramework{secret: "s3cret"}
	a, base := newTestAdapter(t, bf)
	sess, err := a.Connect(context.Background(), adapter.Credentials{"app_id": "app", "app_password": "s3cret"})
	require.NoError(t, err)
	defer sess.Close()

	dest := message.Destination{Platform: message.Teams, ChannelRef: "conv"}
	a.rememberService("conv", base)

	for code, want := range map[int]error{
		http.StatusTooManyRequests: errors.ErrRateLimited,
		http.StatusNotFound:        errors.ErrRejected,
		http.StatusBadGateway:      errors.ErrSessionDead,
	} {
		bf.mu.Lock()
		bf.status = code
		bf.mu.Unlock()

		_, err := sess.Send(context.Background(), message.Draft{Text: "x"}.Outbound(dest), dest)
		var sendErr *errors.SendError
		require.ErrorAs(t, err, &sendErr, "status %d", code)
		assert.ErrorIs(t, err, want, "status %d", code)
	}
}

func activityRequest(t *testing.T, act Activity, token string) *http.Request {
	t.Helper()
	body, err := json.Marshal(act)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, DefaultPath, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestSession_HandleActivity(t *testing.T) {
	a, _ := newTestAdapter(t, &botFramework{})
	s := newSession(a, "app", nil)
	defer s.Close()

	got := make(chan message.Message, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = s.Listen(ctx, adapter.SinkFuncs{Delivered: func(m message.Message) { got <- m }})
	}()

	token := sign(t, testSigningKey(t), func(c jwt.MapClaims) { c["serviceurl"] = "https://smba.example/emea/" })
	conv := &Conversation{ID: "conv-1", TenantID: "aad"}
	for _, act := range []Activity{
		{Type: "conversationUpdate", ServiceURL: "https://smba.example/emea/", Conversation: conv},
		{Type: "message", ID: "a0", From: &ChannelAccount{ID: "28:app", Role: "bot"}, Conversation: conv, Text: "echo"},
		{Type: "message", ID: "a1", Timestamp: "2024-03-09T16:00:00.123Z", From: &ChannelAccount{ID: "29:user", Name: "Megan"}, Conversation: conv, Text: "<at>Gate</at> hello", ReplyToID: "a0"},
	} {
		rr := httptest.NewRecorder()
		act.ServiceURL = "https://smba.example/emea/"
		s.handleActivity(rr, activityRequest(t, act, token))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	select {
	case msg := <-got:
		assert.Equal(t, "a1", msg.ID)
		assert.Equal(t, message.Teams, msg.Platform)
		assert.Equal(t, "contoso", msg.TenantID)
		assert.Equal(t, "conv-1", msg.ChannelRef)
		assert.Equal(t, "29:user", msg.AuthorRef)
		assert.Equal(t, "Megan", msg.AuthorName)
		assert.Equal(t, "hello", msg.Text)
		assert.Equal(t, "a0", msg.ReplyTo)
		assert.Equal(t, 2024, msg.Timestamp.Year())
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
	assert.Equal(t, "https://smba.example/emea", a.serviceFor("conv-1"))
}

func TestSession_HandleActivityRejectsBadTokens(t *testing.T) {
	foreign, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key := testSigningKey(t)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "not a jwt", token: "incoming"},
		{name: "wrong audience", token: sign(t, key, func(c jwt.MapClaims) { c["aud"] = "other-app" })},
		{name: "wrong issuer", token: sign(t, key, func(c jwt.MapClaims) { c["iss"] = "https://evil.example" })},
		{name: "expired", token: sign(t, key, func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() })},
		{name: "no expiry", token: sign(t, key, func(c jwt.MapClaims) { delete(c, "exp") })},
		{name: "foreign key", token: sign(t, foreign, nil)},
		{
			name:  "serviceurl mismatch",
			token: sign(t, key, func(c jwt.MapClaims) { c["serviceurl"] = "https://smba.example/amer/" }),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAdapter(t, &botFramework{})
			s := newSession(a, "app", nil)
			defer s.Close()

			act := Activity{
				Type:         "message",
				ID:           "a1",
				ServiceURL:   "https://attacker.example/",
				From:         &ChannelAccount{ID: "29:user"},
				Conversation: &Conversation{ID: "conv-1"},
				Text:         "hi",
			}
			rr := httptest.NewRecorder()
			s.handleActivity(rr, activityRequest(t, act, tt.token))
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Empty(t, a.serviceFor("conv-1"), "service url must not be learned from a rejected activity")
		})
	}
}

func TestTokenVerifier_CachesKeys(t *testing.T) {
	bf := &botFramework{}
	a, _ := newTestAdapter(t, bf)
	key := testSigningKey(t)

	for i := 0; i < 3; i++ {
		claims, err := a.verifier.Verify(context.Background(), "Bearer "+sign(t, key, nil), "app")
		require.NoError(t, err)
		assert.Equal(t, testIssuer, claims["iss"])
	}

	bf.mu.Lock()
	defer bf.mu.Unlock()
	assert.Equal(t, 1, bf.keysHit)
}

func TestEncode(t *testing.T) {
	dest := message.Destination{ChannelRef: "conv", ThreadRef: "root"}
	acts, err := Encode(message.Message{Text: strings.Repeat("x", message.TeamsMaxLength+1)}, dest)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "root", acts[0].ReplyToID)
	assert.Empty(t, acts[1].ReplyToID)
	assert.Equal(t, "conv", acts[1].Conversation.ID)

	_, err = Encode(message.Message{Text: "x"}, message.Destination{})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode("t", Activity{Type: "message", ID: "x", From: &ChannelAccount{ID: "u"}})
	var decErr *errors.DecodeError
	assert.ErrorAs(t, err, &decErr)

	_, err = Decode("t", Activity{Type: "typing"})
	assert.ErrorAs(t, err, &decErr)
}

func TestStripMentions(t *testing.T) {
	assert.Equal(t, "hi there", stripMentions("<at>Bot</at> hi there"))
	assert.Equal(t, "a <at>open", stripMentions("a <at>open"))
}
