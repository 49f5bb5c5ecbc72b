package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/G1D0/http-pipeline/internal/observe"
	"github.com/G1D0/http-pipeline/internal/pipeline"
)

// errTimeoutExceeded tells Timeout that the deadline won the race. It is
// always turned into a 408 and never returned to the caller.
var errTimeoutExceeded = errors.New("timeout exceeded")

// TimeoutOption configures Timeout.
type TimeoutOption func(*timeoutConfig)

type timeoutConfig struct {
	metrics *observe.Metrics
}

// WithTimeoutMetrics counts 408 answers.
func WithTimeoutMetrics(m *observe.Metrics) TimeoutOption {
	return func(c *timeoutConfig) {
		c.metrics = m
	}
}

// Timeout races the rest of the chain against a deadline of d.
//
// If the deadline fires first the request is answered with 408 and
// {"error":"Request Timeout"}. The downstream stages are not stopped: they
// see a cancelled context and may keep running until they notice it. A
// response that arrives in time is returned unchanged. A non-positive d
// disables the guard.
func Timeout(d time.Duration, opts ...TimeoutOption) pipeline.Middleware {
	cfg := &timeoutConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return pipeline.MiddlewareFunc(func(r *http.Request, next pipeline.Next) (*pipeline.Response, error) {
		if d <= 0 {
			return next(r)
		}

		resp, err := race(r, next, d)
		if errors.Is(err, errTimeoutExceeded) {
			if cfg.metrics != nil {
				cfg.metrics.TimeoutsTotal.Inc()
			}
			return pipeline.ErrorResponse(http.StatusRequestTimeout, "Request Timeout"), nil
		}
		return resp, err
	})
}

type raceResult struct {
	resp     *pipeline.Response
	err      error
	panicked any
}

func race(r *http.Request, next pipeline.Next, d time.Duration) (*pipeline.Response, error) {
	ctx, cancel := context.WithTimeout(r.Context(), d)
	defer cancel()

	// Buffered so an abandoned goroutine can still deliver and exit.
	done := make(chan raceResult, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- raceResult{panicked: v}
			}
		}()
		resp, err := next(r.WithContext(ctx))
		done <- raceResult{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.panicked != nil {
			panic(res.panicked)
		}
		return res.resp, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errTimeoutExceeded
		}
		return nil, ctx.Err()
	}
}
