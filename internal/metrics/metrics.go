// Package metrics holds the Prometheus collectors for the gateway. It uses a
// custom registry, no global state. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatgate"

// Send outcomes used as the "result" label.
const (
	ResultOK            = "ok"
	ResultRateLimited   = "rate_limited"
	ResultRejected      = "rejected"
	ResultSessionDead   = "session_dead"
	ResultEncodeError   = "encode_error"
	ResultNotLive       = "not_live"
	ResultNoDestination = "no_destination"
	ResultCanceled      = "canceled"
)

type Collector struct {
	Registry *prometheus.Registry

	ConnectionState  *prometheus.GaugeVec
	StateTransitions *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	TerminalFailures *prometheus.CounterVec

	InboundMessages      *prometheus.CounterVec
	DuplicatesSuppressed *prometheus.CounterVec
	DecodeErrors         *prometheus.CounterVec

	OutboundSends *prometheus.CounterVec
	SendDuration  *prometheus.HistogramVec
	QueueDepth    *prometheus.GaugeVec

	ScheduledRuns *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "connection_state",
			Help:      "1 for the current connection state of each adapter instance.",
		}, []string{"platform", "tenant", "state"}),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"platform", "state"}),

		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts per adapter instance.",
		}, []string{"platform", "tenant"}),

		TerminalFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "terminal_failures_total",
			Help:      "Adapter instances that entered the failed_terminal state.",
		}, []string{"platform", "tenant"}),

		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "messages_total",
			Help:      "Inbound messages delivered to the merged stream.",
		}, []string{"platform"}),

		DuplicatesSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "duplicates_total",
			Help:      "Inbound messages dropped because their ID was already delivered.",
		}, []string{"platform"}),

		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "decode_errors_total",
			Help:      "Inbound platform events that could not be decoded.",
		}, []string{"platform"}),

		OutboundSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "sends_total",
			Help:      "Outbound send attempts by result.",
		}, []string{"platform", "result"}),

		SendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "send_duration_seconds",
			Help:      "Time from enqueue to platform acknowledgement.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"platform"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "queue_depth",
			Help:      "Outbound messages waiting per adapter instance.",
		}, []string{"platform", "tenant"}),

		ScheduledRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduled posts by result.",
		}, []string{"schedule", "result"}),
	}

	reg.MustRegister(
		c.ConnectionState,
		c.StateTransitions,
		c.Reconnects,
		c.TerminalFailures,
		c.InboundMessages,
		c.DuplicatesSuppressed,
		c.DecodeErrors,
		c.OutboundSends,
		c.SendDuration,
		c.QueueDepth,
		c.ScheduledRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{Registry: c.Registry})
}

// SetState marks state as the current one for the instance.
func (c *Collector) SetState(platform, tenant string, state string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		c.ConnectionState.WithLabelValues(platform, tenant, s).Set(v)
	}
	c.StateTransitions.WithLabelValues(platform, state).Inc()
}

// ForgetInstance drops the per-instance series of a deregistered adapter.
func (c *Collector) ForgetInstance(platform, tenant string) {
	if c == nil {
		return
	}
	c.ConnectionState.DeletePartialMatch(prometheus.Labels{"platform": platform, "tenant": tenant})
	c.QueueDepth.DeleteLabelValues(platform, tenant)
}

func (c *Collector) Reconnect(platform, tenant string) {
	if c == nil {
		return
	}
	c.Reconnects.WithLabelValues(platform, tenant).Inc()
}

func (c *Collector) Terminal(platform, tenant string) {
	if c == nil {
		return
	}
	c.TerminalFailures.WithLabelValues(platform, tenant).Inc()
}

func (c *Collector) Inbound(platform string) {
	if c == nil {
		return
	}
	c.InboundMessages.WithLabelValues(platform).Inc()
}

func (c *Collector) Duplicate(platform string) {
	if c == nil {
		return
	}
	c.DuplicatesSuppressed.WithLabelValues(platform).Inc()
}

func (c *Collector) DecodeError(platform string) {
	if c == nil {
		return
	}
	c.DecodeErrors.WithLabelValues(platform).Inc()
}

func (c *Collector) Send(platform, result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.OutboundSends.WithLabelValues(platform, result).Inc()
	if result == ResultOK {
		c.SendDuration.WithLabelValues(platform).Observe(elapsed.Seconds())
	}
}

func (c *Collector) Queue(platform, tenant string, depth int) {
	if c == nil {
		return
	}
	c.QueueDepth.WithLabelValues(platform, tenant).Set(float64(depth))
}

func (c *Collector) ScheduledRun(schedule, result string) {
	if c == nil {
		return
	}
	c.ScheduledRuns.WithLabelValues(schedule, result).Inc()
}
