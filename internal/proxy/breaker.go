package proxy

import (
	"sync"
	"time"
)

// BreakerState is the state of one upstream's circuit.
type BreakerState uint8

const (
	BreakerClosed   BreakerState = iota // requests pass through
	BreakerOpen                         // requests are rejected without a round trip
	BreakerHalfOpen                     // one probe request is in flight
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type circuit struct {
	state    BreakerState
	failures int
	openedAt time.Time
}

// Breakers keeps a circuit per upstream so that one failing upstream does
// not cause requests to healthy ones to be rejected.
//
//	Closed → Open:      after maxFailures consecutive failures
//	Open → Half-Open:   once cooldown has elapsed; one probe is let through
//	Half-Open → Closed: the probe succeeds
//	Half-Open → Open:   the probe fails
type Breakers struct {
	mu          sync.Mutex
	circuits    map[string]*circuit
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time
}

// NewBreakers returns a breaker set that opens an upstream's circuit after
// maxFailures consecutive failures and probes it again after cooldown.
func NewBreakers(maxFailures int, cooldown time.Duration) *Breakers {
	return &Breakers{
		circuits:    make(map[string]*circuit),
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Allow reports whether a request to upstream may proceed.
func (b *Breakers) Allow(upstream string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(upstream)
	switch c.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(c.openedAt) >= b.cooldown {
			c.state = BreakerHalfOpen
			return true
		}
	}
	return false
}

// Success closes the upstream's circuit.
func (b *Breakers) Success(upstream string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(upstream)
	c.failures = 0
	c.state = BreakerClosed
}

// Failure counts a failure and opens the circuit when the limit is reached
// or a probe failed.
func (b *Breakers) Failure(upstream string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(upstream)
	c.failures++
	if c.state == BreakerHalfOpen || c.failures >= b.maxFailures {
		c.state = BreakerOpen
		c.openedAt = b.now()
	}
}

// abandon releases a probe whose caller went away before an answer, so the
// next request can probe instead.
func (b *Breakers) abandon(upstream string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.get(upstream); c.state == BreakerHalfOpen {
		c.state = BreakerOpen
	}
}

// State returns the upstream's current state.
func (b *Breakers) State(upstream string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(upstream).state
}

// get must be called with mu held.
func (b *Breakers) get(upstream string) *circuit {
	c, ok := b.circuits[upstream]
	if !ok {
		c = &circuit{}
		b.circuits[upstream] = c
	}
	return c
}
