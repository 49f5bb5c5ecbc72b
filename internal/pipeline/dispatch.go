package pipeline

import (
	"errors"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/G1D0/http-pipeline/internal/reqctx"
)

// Dispatcher runs one fixed chain. It is immutable and safe for concurrent
// use; all per-request state lives in a cursor created by Dispatch.
type Dispatcher struct {
	middlewares []Middleware
	handler     Handler
	policy      ErrorPolicy
}

// New builds a Dispatcher. An empty middleware list calls the handler
// directly.
func New(middlewares []Middleware, handler Handler, policy ErrorPolicy) *Dispatcher {
	mws := make([]Middleware, len(middlewares))
	copy(mws, middlewares)
	return &Dispatcher{
		middlewares: mws,
		handler:     handler,
		policy:      policy.withDefaults(),
	}
}

// Len returns the number of middleware in the chain.
func (d *Dispatcher) Len() int {
	return len(d.middlewares)
}

// Dispatch runs the chain for r.
//
// Stage failures are resolved by the error policy, so the only error
// returned is one matching ErrDoubleInvocation. A nil response with a nil
// error means no stage produced one, which only happens when the handler
// fails under ContinueOnError.
func (d *Dispatcher) Dispatch(r *http.Request) (*Response, error) {
	c := &cursor{
		d:          d,
		high:       -1,
		downstream: make([]outcome, len(d.middlewares)),
	}
	resp, err := c.advance(0, reqctx.Attach(r))
	if v := c.violated(); v != nil {
		return nil, v
	}
	return resp, err
}

// outcome is what a stage's continuation returned.
type outcome struct {
	resp *Response
	done bool
}

// cursor tracks a single dispatch. high is the highest index advanced to.
// It is locked because a timeout guard runs its continuation on another
// goroutine.
type cursor struct {
	d *Dispatcher

	mu         sync.Mutex
	high       int
	violation  error
	downstream []outcome
}

func (c *cursor) advance(i int, r *http.Request) (*Response, error) {
	c.mu.Lock()
	if i <= c.high {
		err := &DoubleInvocationError{Stage: i - 1}
		if c.violation == nil {
			c.violation = err
		}
		c.mu.Unlock()
		return nil, err
	}
	c.high = i
	c.mu.Unlock()

	n := len(c.d.middlewares)
	if i > n {
		return nil, nil
	}

	resp, err := c.invoke(i, r)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, ErrDoubleInvocation) {
		return nil, err
	}

	serr := &StageError{Stage: i, Handler: i == n, Err: err}
	policy := c.d.policy
	if !policy.ContinueOnError {
		return policy.respond(serr, r), nil
	}

	policy.Logger.Warn("pipeline stage failed, continuing",
		"stage", i,
		"handler", i == n,
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	// A stage that already ran its continuation passes through whatever
	// the rest of the chain produced.
	if c.started(i) {
		return c.result(i), nil
	}
	return c.advance(i+1, r)
}

func (c *cursor) invoke(i int, r *http.Request) (resp *Response, err error) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			resp, err = nil, &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()

	if i == len(c.d.middlewares) {
		return c.d.handler.Serve(r)
	}
	return c.d.middlewares[i].Handle(r, func(next *http.Request) (*Response, error) {
		if next == nil {
			next = r
		}
		resp, err := c.advance(i+1, next)
		if err == nil {
			c.record(i, resp)
		}
		return resp, err
	})
}

func (c *cursor) started(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.high > i
}

func (c *cursor) record(i int, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.downstream[i].done {
		c.downstream[i] = outcome{resp: resp, done: true}
	}
}

func (c *cursor) result(i int) *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downstream[i].resp
}

func (c *cursor) violated() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violation
}
