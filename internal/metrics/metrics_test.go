package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_SetStateIsOneHot(t *testing.T) {
	c := New()
	all := []string{"connecting", "live", "reconnecting"}

	c.SetState("discord", "t1", "connecting", all)
	c.SetState("discord", "t1", "live", all)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ConnectionState.WithLabelValues("discord", "t1", "live")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.ConnectionState.WithLabelValues("discord", "t1", "connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StateTransitions.WithLabelValues("discord", "live")))
}

func TestCollector_SendAndHandler(t *testing.T) {
	c := New()
	c.Send("slack", ResultOK, 20*time.Millisecond)
	c.Send("slack", ResultNotLive, 0)
	c.Inbound("slack")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.OutboundSends.WithLabelValues("slack", ResultNotLive)))

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "chatgate_outbound_sends_total")
	assert.Contains(t, rr.Body.String(), "chatgate_inbound_messages_total")
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector
	c.SetState("x", "y", "live", []string{"live"})
	c.Send("x", ResultOK, time.Second)
	c.Inbound("x")
	c.ForgetInstance("x", "y")

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
