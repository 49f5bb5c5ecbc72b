// Package lb picks which upstream receives the next proxied request.
package lb

import "sync/atomic"

// Balancer returns the base URL of the next upstream.
type Balancer interface {
	Next() string
}

// RoundRobin cycles through its upstreams in order.
type RoundRobin struct {
	upstreams []string
	counter   atomic.Uint64
}

// NewRoundRobin panics if upstreams is empty.
func NewRoundRobin(upstreams []string) *RoundRobin {
	if len(upstreams) == 0 {
		panic("lb: round robin needs at least one upstream")
	}
	return &RoundRobin{upstreams: append([]string(nil), upstreams...)}
}

// Next returns upstreams in order, starting with the first.
func (rr *RoundRobin) Next() string {
	idx := rr.counter.Add(1) - 1
	return rr.upstreams[idx%uint64(len(rr.upstreams))]
}

// Len returns the number of upstreams.
func (rr *RoundRobin) Len() int {
	return len(rr.upstreams)
}
