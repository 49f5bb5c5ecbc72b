// Package app assembles a pipeline from configuration.
package app

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/G1D0/http-pipeline/internal/config"
	"github.com/G1D0/http-pipeline/internal/lb"
	"github.com/G1D0/http-pipeline/internal/middleware"
	"github.com/G1D0/http-pipeline/internal/observe"
	"github.com/G1D0/http-pipeline/internal/pipeline"
	"github.com/G1D0/http-pipeline/internal/proxy"
	"github.com/G1D0/http-pipeline/internal/ratelimit"
)

// Deps are the process-wide collaborators a pipeline is built with.
type Deps struct {
	Logger  *slog.Logger
	Metrics *observe.Metrics // nil disables metrics

	// RequestLog receives the simple and detailed request log formats.
	// Defaults to os.Stdout.
	RequestLog io.Writer

	// Handler overrides the terminal handler chosen from the config.
	Handler pipeline.Handler

	// Limiters shares rate-limit counters between successive builds. When
	// nil each Built owns a fresh table.
	Limiters *Limiters
}

// Built is an assembled pipeline plus the resources it owns.
type Built struct {
	Pipeline *pipeline.Pipeline
	closers  []io.Closer
}

// Close releases background resources such as limiter sweeps.
func (b *Built) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build assembles the configured middleware in a fixed order: RequestID,
// Logger, Metrics, CORS, RateLimit, Timeout. Disabled stages are left out.
func Build(cfg *config.Config, deps Deps) *Built {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RequestLog == nil {
		deps.RequestLog = os.Stdout
	}

	built := &Built{}
	pc := cfg.Pipeline
	b := pipeline.NewBuilder().
		Configure(
			pipeline.ContinueOnError(pc.ContinueOnError),
			pipeline.WithErrorLogger(deps.Logger),
		).
		Use(middleware.RequestID())

	if pc.Logger.Enabled {
		b.Use(middleware.Logger(middleware.LoggerConfig{
			Format:         middleware.LogFormat(pc.Logger.Format),
			IncludeHeaders: pc.Logger.IncludeHeaders,
			IncludeBody:    pc.Logger.IncludeBody,
			MaxBodyBytes:   pc.Logger.MaxBodyBytes,
			Output:         deps.RequestLog,
			Logger:         deps.Logger,
		}))
	}

	if deps.Metrics != nil {
		b.Use(middleware.Metrics(deps.Metrics))
	}

	if pc.CORS.Enabled {
		b.Use(middleware.CORS(middleware.CORSConfig{
			Origin:         pc.CORS.Origin,
			AllowedOrigins: pc.CORS.AllowedOrigins,
			Methods:        pc.CORS.Methods,
			Headers:        pc.CORS.Headers,
			Credentials:    pc.CORS.Credentials,
			MaxAge:         pc.CORS.MaxAge,
			Metrics:        deps.Metrics,
		}))
	}

	if rl := pc.RateLimit; rl.Enabled {
		var limiter *ratelimit.FixedWindow
		if deps.Limiters != nil {
			limiter = deps.Limiters.Get(rl)
		} else {
			limiter = newLimiter(rl)
			built.closers = append(built.closers, limiter)
		}

		b.Use(middleware.RateLimit(middleware.RateLimitConfig{
			Window:                 rl.Window,
			MaxRequests:            rl.MaxRequests,
			KeyFunc:                keyFunc(rl.Key),
			SkipSuccessfulRequests: rl.SkipSuccessful,
			Limiter:                limiter,
			Metrics:                deps.Metrics,
		}))
	}

	if pc.Timeout > 0 {
		b.Use(middleware.Timeout(pc.Timeout, middleware.WithTimeoutMetrics(deps.Metrics)))
	}

	handler := deps.Handler
	if handler == nil {
		handler = terminal(cfg)
	}
	built.Pipeline = b.Handle(handler)
	return built
}

func newLimiter(rl config.RateLimitConfig) *ratelimit.FixedWindow {
	var opts []ratelimit.Option
	if rl.SweepInterval > 0 {
		opts = append(opts, ratelimit.WithSweep(rl.SweepInterval))
	}
	return ratelimit.NewFixedWindow(rl.MaxRequests, rl.Window, opts...)
}

type limiterShape struct {
	max    int
	window time.Duration
	sweep  time.Duration
}

// Limiters keeps one counter table alive across config reloads. The table
// is replaced only when max_requests, window or sweep_interval change;
// reloads that touch anything else keep every client's current window.
type Limiters struct {
	mu      sync.Mutex
	current *ratelimit.FixedWindow
	shape   limiterShape
}

// NewLimiters returns an empty holder.
func NewLimiters() *Limiters {
	return &Limiters{}
}

// Get returns the shared limiter for rl, creating it on first use.
func (l *Limiters) Get(rl config.RateLimitConfig) *ratelimit.FixedWindow {
	shape := limiterShape{max: rl.MaxRequests, window: rl.Window, sweep: rl.SweepInterval}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil && l.shape == shape {
		return l.current
	}
	if l.current != nil {
		// Only stops the sweep; requests still running on the old pipeline
		// can keep using the table.
		l.current.Close()
	}
	l.current = newLimiter(rl)
	l.shape = shape
	return l.current
}

// Close stops the shared limiter's sweep.
func (l *Limiters) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	return l.current.Close()
}

func terminal(cfg *config.Config) pipeline.Handler {
	if len(cfg.Upstreams) == 0 {
		return pipeline.HandlerFunc(Echo)
	}
	var opts []proxy.Option
	if cfg.Breaker.MaxFailures > 0 {
		opts = append(opts, proxy.WithBreakers(proxy.NewBreakers(cfg.Breaker.MaxFailures, cfg.Breaker.Cooldown)))
	}
	return proxy.New(lb.NewRoundRobin(cfg.Upstreams), opts...)
}

func keyFunc(key string) middleware.KeyFunc {
	if name, ok := strings.CutPrefix(key, "header:"); ok {
		return middleware.HeaderKey(name)
	}
	if key == "remote_addr" {
		return middleware.RemoteAddrKey
	}
	return middleware.HostKey
}

type echoBody struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	Query     string `json:"query,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Echo answers with a JSON description of the request. It is the terminal
// handler when no upstream is configured.
func Echo(r *http.Request) (*pipeline.Response, error) {
	return pipeline.JSON(http.StatusOK, echoBody{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		RequestID: middleware.RequestIDFrom(r),
	}), nil
}

// Swapper serves whichever pipeline was stored last. Reads are lock-free.
type Swapper struct {
	current atomic.Pointer[Built]
	mu      sync.Mutex // serializes Swap
}

// NewSwapper starts with b.
func NewSwapper(b *Built) *Swapper {
	s := &Swapper{}
	s.current.Store(b)
	return s
}

// Swap installs next and closes the pipeline it replaced. Requests already
// running on the old pipeline finish on it.
func (s *Swapper) Swap(next *Built) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current.Swap(next)
	if prev == nil {
		return nil
	}
	return prev.Close()
}

// Current returns the active pipeline.
func (s *Swapper) Current() *Built {
	return s.current.Load()
}

// ServeHTTP implements http.Handler.
func (s *Swapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.current.Load().Pipeline.ServeHTTP(w, r)
}

// Close closes the active pipeline.
func (s *Swapper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.current.Load(); b != nil {
		return b.Close()
	}
	return nil
}
