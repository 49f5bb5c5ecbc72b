// Package reqctx holds the per-request key/value store that pipeline stages
// use to pass data to each other and to the terminal handler.
//
// A store belongs to exactly one dispatched request. The dispatcher installs
// an empty holder with Attach; the map itself is only allocated the first
// time a stage reads or writes it.
package reqctx

import (
	"context"
	"net/http"
	"sort"
	"sync"
)

type holderKey struct{}

type holder struct {
	once   sync.Once
	values *Values
}

// Values is a request's key/value bag.
//
// It is locked because a timeout can leave downstream stages running on
// another goroutine while upstream stages keep using the same request.
type Values struct {
	mu sync.RWMutex
	m  map[string]any
}

// Attach returns r with a store holder installed in its context.
// If r already carries one (a pipeline nested inside another), r is
// returned unchanged so both pipelines share the same store.
func Attach(r *http.Request) *http.Request {
	if _, ok := r.Context().Value(holderKey{}).(*holder); ok {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), holderKey{}, &holder{}))
}

// Get returns the store for r, creating it on first access.
// Requests derived from r with WithContext share the same store.
//
// Outside a dispatched request there is no holder and Get returns a
// detached, empty store that nothing else will observe.
func Get(r *http.Request) *Values {
	return FromContext(r.Context())
}

// FromContext is Get for code that only has the request context.
func FromContext(ctx context.Context) *Values {
	h, ok := ctx.Value(holderKey{}).(*holder)
	if !ok {
		return &Values{}
	}
	h.once.Do(func() {
		h.values = &Values{m: make(map[string]any)}
	})
	return h.values
}

// Set writes key into r's store.
func Set(r *http.Request, key string, value any) {
	Get(r).Set(key, value)
}

// Lookup reads key from r's store and asserts it to T.
func Lookup[T any](r *http.Request, key string) (T, bool) {
	var zero T
	v, ok := Get(r).Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Get returns the value stored under key.
func (v *Values) Get(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.m[key]
	return val, ok
}

// Set stores value under key, replacing any previous value.
func (v *Values) Set(key string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.m == nil {
		v.m = make(map[string]any)
	}
	v.m[key] = value
}

// Len returns the number of keys.
func (v *Values) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.m)
}

// Keys returns the stored keys in sorted order.
func (v *Values) Keys() []string {
	v.mu.RLock()
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	v.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
