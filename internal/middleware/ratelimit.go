package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/G1D0/http-pipeline/internal/observe"
	"github.com/G1D0/http-pipeline/internal/pipeline"
	"github.com/G1D0/http-pipeline/internal/ratelimit"
)

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int

	// KeyFunc picks the counter a request is charged to. Defaults to HostKey.
	KeyFunc KeyFunc

	// SkipSuccessfulRequests refunds requests that end with a status below 400.
	SkipSuccessfulRequests bool

	// Limiter lets callers share or inspect the counter table. When nil one
	// is created from Window and MaxRequests.
	Limiter *ratelimit.FixedWindow

	Metrics *observe.Metrics
}

type rateLimitBody struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
}

// RateLimit rejects requests with 429 once their key has used up its window.
// Allowed responses carry X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset (Unix milliseconds).
func RateLimit(cfg RateLimitConfig) pipeline.Middleware {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewFixedWindow(cfg.MaxRequests, cfg.Window)
	}
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = HostKey
	}

	return pipeline.MiddlewareFunc(func(r *http.Request, next pipeline.Next) (*pipeline.Response, error) {
		key := keyFunc(r)

		d := limiter.Hit(key)
		if !d.Allowed {
			if cfg.Metrics != nil {
				cfg.Metrics.RateLimitedTotal.Inc()
			}
			return tooManyRequests(d), nil
		}

		resp, err := next(r)
		if err != nil || resp == nil {
			return resp, err
		}

		if cfg.SkipSuccessfulRequests && resp.Status < http.StatusBadRequest {
			d = limiter.Refund(key)
		} else {
			d = limiter.Snapshot(key)
		}
		setRateLimitHeaders(resp, d)
		return resp, nil
	})
}

func tooManyRequests(d ratelimit.Decision) *pipeline.Response {
	secs := int64(d.RetryAfter / time.Second)
	resp := pipeline.JSON(http.StatusTooManyRequests, rateLimitBody{
		Error:      "Too Many Requests",
		RetryAfter: secs,
	})
	resp.SetHeader("Retry-After", strconv.FormatInt(secs, 10))
	setRateLimitHeaders(resp, d)
	return resp
}

func setRateLimitHeaders(resp *pipeline.Response, d ratelimit.Decision) {
	resp.SetHeader("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	resp.SetHeader("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	resp.SetHeader("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.UnixMilli(), 10))
}
