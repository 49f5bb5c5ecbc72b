package ratelimit

import (
	"sync"
	"time"
)

// Entry is the counter kept for one client key.
type Entry struct {
	Count   int
	ResetAt time.Time
}

// Decision describes a key's window after a call to Hit, Refund or Snapshot.
type Decision struct {
	Allowed    bool
	Limit      int
	Count      int
	Remaining  int           // max(0, Limit-Count)
	ResetAt    time.Time     // end of the current window
	RetryAfter time.Duration // time left in the window, rounded up to whole seconds
}

// FixedWindow counts requests per key in fixed windows that start at the
// key's first request and reset once they have elapsed.
//
// The whole table sits behind one mutex so that each read-modify-write on a
// key is serialized. Entries are kept for the life of the limiter; an
// expired entry is simply reset on its next use. WithSweep enables a
// background sweep that drops expired entries to bound idle memory.
type FixedWindow struct {
	mu      sync.Mutex
	entries map[string]*Entry
	limit   int
	window  time.Duration
	now     func() time.Time

	sweepEvery time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// Option configures a FixedWindow.
type Option func(*FixedWindow)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(fw *FixedWindow) {
		fw.now = now
	}
}

// WithSweep removes expired entries every interval.
func WithSweep(interval time.Duration) Option {
	return func(fw *FixedWindow) {
		fw.sweepEvery = interval
	}
}

// NewFixedWindow creates a limiter allowing limit requests per key per window.
func NewFixedWindow(limit int, window time.Duration, opts ...Option) *FixedWindow {
	fw := &FixedWindow{
		entries: make(map[string]*Entry),
		limit:   limit,
		window:  window,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fw)
	}
	if fw.sweepEvery > 0 {
		go fw.sweep()
	}
	return fw
}

// Limit returns the configured maximum per window.
func (fw *FixedWindow) Limit() int {
	return fw.limit
}

// Window returns the configured window length.
func (fw *FixedWindow) Window() time.Duration {
	return fw.window
}

// Hit counts one request for key.
//
// A missing or expired entry starts a new window with a count of 1.
// Otherwise the count is incremented and the request is allowed while the
// count stays within the limit. Rejected requests still count.
func (fw *FixedWindow) Hit(key string) Decision {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := fw.now()
	e, ok := fw.entries[key]
	if !ok || !e.ResetAt.After(now) {
		e = &Entry{Count: 1, ResetAt: now.Add(fw.window)}
		fw.entries[key] = e
		return fw.decide(e, now, true)
	}

	e.Count++
	return fw.decide(e, now, e.Count <= fw.limit)
}

// Refund takes back one request from key's current window, never going
// below zero. It is used when a request should not have counted.
func (fw *FixedWindow) Refund(key string) Decision {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := fw.now()
	e, ok := fw.entries[key]
	if !ok {
		return fw.decide(&Entry{ResetAt: now.Add(fw.window)}, now, true)
	}
	if e.Count > 0 {
		e.Count--
	}
	return fw.decide(e, now, e.Count <= fw.limit)
}

// Snapshot reports key's state without changing it.
func (fw *FixedWindow) Snapshot(key string) Decision {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := fw.now()
	e, ok := fw.entries[key]
	if !ok || !e.ResetAt.After(now) {
		return fw.decide(&Entry{ResetAt: now.Add(fw.window)}, now, true)
	}
	return fw.decide(e, now, e.Count <= fw.limit)
}

// Len returns the number of tracked keys.
func (fw *FixedWindow) Len() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.entries)
}

// decide must be called with fw.mu held.
func (fw *FixedWindow) decide(e *Entry, now time.Time, allowed bool) Decision {
	remaining := fw.limit - e.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    allowed,
		Limit:      fw.limit,
		Count:      e.Count,
		Remaining:  remaining,
		ResetAt:    e.ResetAt,
		RetryAfter: ceilSeconds(e.ResetAt.Sub(now)),
	}
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	secs := (d + time.Second - 1) / time.Second
	return secs * time.Second
}

// sweep periodically drops entries whose window has ended.
func (fw *FixedWindow) sweep() {
	ticker := time.NewTicker(fw.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fw.removeExpired()
		case <-fw.stop:
			return
		}
	}
}

func (fw *FixedWindow) removeExpired() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := fw.now()
	for key, e := range fw.entries {
		if !e.ResetAt.After(now) {
			delete(fw.entries, key)
		}
	}
}

// Close stops the background sweep, if any. It is safe to call twice.
func (fw *FixedWindow) Close() error {
	fw.stopOnce.Do(func() {
		close(fw.stop)
	})
	return nil
}
