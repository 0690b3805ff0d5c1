package supervisor

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Reconnect backoff defaults.
const (
	DefaultBackoffMin        = 1 * time.Second
	DefaultBackoffMax        = 2 * time.Minute
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffJitter     = 0.2
)

type BackoffConfig struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor applied around each interval, in [0, 1).
	Jitter float64
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Min <= 0 {
		c.Min = DefaultBackoffMin
	}
	if c.Max <= 0 {
		c.Max = DefaultBackoffMax
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultBackoffMultiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = DefaultBackoffJitter
	}
	return c
}

// Backoff yields reconnect waits that never decrease until Reset and never
// exceed the configured maximum.
type Backoff struct {
	mu   sync.Mutex
	exp  *backoff.ExponentialBackOff
	max  time.Duration
	last time.Duration
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg = cfg.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.Min
	exp.MaxInterval = cfg.Max
	exp.Multiplier = cfg.Multiplier
	exp.RandomizationFactor = cfg.Jitter
	exp.Reset()

	return &Backoff{exp: exp, max: cfg.Max}
}

// Next returns the wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.exp.NextBackOff()
	if d == backoff.Stop || d > b.max {
		d = b.max
	}
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

// Reset returns the schedule to its minimum.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exp.Reset()
	b.last = 0
}

// Last returns the most recent wait handed out, or zero after Reset.
func (b *Backoff) Last() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
