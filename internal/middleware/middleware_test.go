package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/G1D0/http-pipeline/internal/observe"
	"github.com/G1D0/http-pipeline/internal/pipeline"
	"github.com/G1D0/http-pipeline/internal/ratelimit"
	"github.com/G1D0/http-pipeline/internal/reqctx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func okHandler(r *http.Request) (*pipeline.Response, error) {
	return pipeline.Text(http.StatusOK, "ok"), nil
}

func serve(p http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, r)
	return rec
}

func quietPipeline() *pipeline.Builder {
	return pipeline.NewBuilder().Configure(pipeline.WithErrorLogger(observe.Discard()))
}

// --- Keys ---

func TestHostKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://api.example.com:8080/x", nil)
	if got := HostKey(r); got != "api.example.com" {
		t.Fatalf("expected api.example.com, got %q", got)
	}
}

func TestRemoteAddrKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	if got := RemoteAddrKey(r); got != "10.0.0.7" {
		t.Fatalf("expected 10.0.0.7, got %q", got)
	}

	r.RemoteAddr = "[::1]:443"
	if got := RemoteAddrKey(r); got != "::1" {
		t.Fatalf("expected ::1, got %q", got)
	}
}

func TestHeaderKeyFallsBackToHost(t *testing.T) {
	key := HeaderKey("X-API-Key")

	r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	if got := key(r); got != "example.com" {
		t.Fatalf("expected host fallback, got %q", got)
	}

	r.Header.Set("X-API-Key", "abc")
	if got := key(r); got != "abc" {
		t.Fatalf("expected header value, got %q", got)
	}
}

// --- RateLimit ---

func newLimited(clock *fakeClock, max int, skip bool, h pipeline.HandlerFunc) *pipeline.Pipeline {
	limiter := ratelimit.NewFixedWindow(max, time.Minute, ratelimit.WithClock(clock.Now))
	return quietPipeline().
		Use(RateLimit(RateLimitConfig{
			Window:                 time.Minute,
			MaxRequests:            max,
			Limiter:                limiter,
			SkipSuccessfulRequests: skip,
		})).
		Handle(h)
}

func TestRateLimitCountsDown(t *testing.T) {
	clock := newFakeClock()
	p := newLimited(clock, 3, false, okHandler)

	for i, want := range []string{"2", "1", "0"} {
		rec := serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != want {
			t.Fatalf("request %d: expected remaining %s, got %s", i+1, want, got)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
			t.Fatalf("request %d: expected limit 3, got %s", i+1, got)
		}
	}

	clock.Advance(15 * time.Second)
	rec := serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != `{"error":"Too Many Requests","retryAfter":45}` {
		t.Fatalf("unexpected body %s", got)
	}
	if got := rec.Header().Get("Retry-After"); got != "45" {
		t.Fatalf("expected Retry-After 45, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected remaining 0, got %s", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected JSON content type, got %q", got)
	}
}

func TestRateLimitResetHeaderIsUnixMillis(t *testing.T) {
	clock := newFakeClock()
	p := newLimited(clock, 3, false, okHandler)

	rec := serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil))
	want := clock.Now().Add(time.Minute).UnixMilli()
	if got := rec.Header().Get("X-RateLimit-Reset"); got != strconv.FormatInt(want, 10) {
		t.Fatalf("expected reset %d, got %s", want, got)
	}
}

func TestRateLimitWindowResets(t *testing.T) {
	clock := newFakeClock()
	p := newLimited(clock, 1, false, okHandler)

	if rec := serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil)); rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil)); rec.Code != 429 {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	clock.Advance(time.Minute)
	rec := serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200 after window, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected remaining 0, got %s", got)
	}
}

func TestRateLimitKeysAreIsolated(t *testing.T) {
	clock := newFakeClock()
	p := newLimited(clock, 1, false, okHandler)

	serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil))
	if rec := serve(p, httptest.NewRequest(http.MethodGet, "http://b.test/", nil)); rec.Code != 200 {
		t.Fatalf("other host should not be limited, got %d", rec.Code)
	}
}

func TestRateLimitSkipSuccessful(t *testing.T) {
	clock := newFakeClock()
	p := newLimited(clock, 2, true, okHandler)

	for i := 0; i < 5; i++ {
		rec := serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: successful requests should not count, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != "2" {
			t.Fatalf("request %d: expected remaining 2, got %s", i+1, got)
		}
	}
}

func TestRateLimitSkipSuccessfulStillCountsFailures(t *testing.T) {
	clock := newFakeClock()
	failing := func(r *http.Request) (*pipeline.Response, error) {
		return pipeline.ErrorResponse(http.StatusBadRequest, "bad"), nil
	}
	p := newLimited(clock, 2, true, failing)

	for i := 0; i < 2; i++ {
		if rec := serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil)); rec.Code != 400 {
			t.Fatalf("request %d: expected 400, got %d", i+1, rec.Code)
		}
	}
	if rec := serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil)); rec.Code != 429 {
		t.Fatalf("third failing request should be limited, got %d", rec.Code)
	}
}

func TestRateLimitCountsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observe.NewMetrics(reg)
	clock := newFakeClock()
	p := quietPipeline().
		Use(RateLimit(RateLimitConfig{
			MaxRequests: 1,
			Window:      time.Minute,
			Limiter:     ratelimit.NewFixedWindow(1, time.Minute, ratelimit.WithClock(clock.Now)),
			Metrics:     m,
		})).
		HandleFunc(okHandler)

	for i := 0; i < 3; i++ {
		serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil))
	}
	if got := testutil.ToFloat64(m.RateLimitedTotal); got != 2 {
		t.Fatalf("expected 2 rejections, got %v", got)
	}
}

func TestRateLimitMetricsHideClientKeys(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observe.NewMetrics(reg)
	p := quietPipeline().
		Use(RateLimit(RateLimitConfig{
			MaxRequests: 1,
			Window:      time.Minute,
			KeyFunc:     HeaderKey("X-API-Key"),
			Metrics:     m,
		})).
		HandleFunc(okHandler)

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodGet, "http://a.test/", nil)
		r.Header.Set("X-API-Key", "sk_live_secret123")
		serve(p, r)
	}

	rec := serve(observe.Handler(reg), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	exposition := rec.Body.String()
	if !strings.Contains(exposition, "pipeline_rate_limited_total 1") {
		t.Fatalf("expected one unlabelled rejection, got:\n%s", exposition)
	}
	if strings.Contains(exposition, "sk_live_secret123") || strings.Contains(exposition, "a.test") {
		t.Fatalf("client key leaked into metrics:\n%s", exposition)
	}
}

// --- Timeout ---

func TestTimeoutPassesFastResponse(t *testing.T) {
	p := quietPipeline().
		Use(Timeout(time.Second)).
		HandleFunc(okHandler)

	rec := serve(p, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestTimeoutPassesErrorThrough(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observe.NewMetrics(reg)
	cause := errors.New("downstream failed")

	mw := Timeout(time.Second, WithTimeoutMetrics(m))
	start := time.Now()
	resp, err := mw.Handle(httptest.NewRequest(http.MethodGet, "/", nil), func(*http.Request) (*pipeline.Response, error) {
		return nil, cause
	})

	if !errors.Is(err, cause) {
		t.Fatalf("expected the downstream error, got %v", err)
	}
	if resp != nil {
		t.Fatalf("expected no response, got %+v", resp)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("error should return before the deadline, took %v", elapsed)
	}
	if got := testutil.ToFloat64(m.TimeoutsTotal); got != 0 {
		t.Fatalf("expected no timeouts, got %v", got)
	}
}

func TestTimeoutErrorReachesErrorHandler(t *testing.T) {
	var got error
	p := quietPipeline().
		Configure(pipeline.WithErrorHandler(func(err error, r *http.Request) *pipeline.Response {
			got = err
			return pipeline.ErrorResponse(http.StatusBadGateway, "Bad Gateway")
		})).
		Use(Timeout(time.Second)).
		HandleFunc(func(r *http.Request) (*pipeline.Response, error) {
			return nil, errors.New("upstream refused")
		})

	rec := serve(p, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 from the error handler, got %d", rec.Code)
	}
	var serr *pipeline.StageError
	if !errors.As(got, &serr) || !serr.Handler {
		t.Fatalf("expected the handler's StageError, got %v", got)
	}
}

func TestTimeoutAnswers408(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observe.NewMetrics(reg)
	sawCancel := make(chan struct{})

	p := quietPipeline().
		Use(Timeout(20*time.Millisecond, WithTimeoutMetrics(m))).
		HandleFunc(func(r *http.Request) (*pipeline.Response, error) {
			select {
			case <-r.Context().Done():
				close(sawCancel)
				time.Sleep(50 * time.Millisecond)
				return nil, r.Context().Err()
			case <-time.After(2 * time.Second):
				return pipeline.Text(http.StatusOK, "late"), nil
			}
		})

	start := time.Now()
	rec := serve(p, httptest.NewRequest(http.MethodGet, "/", nil))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout did not fire in time: %v", elapsed)
	}
	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("expected 408, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != `{"error":"Request Timeout"}` {
		t.Fatalf("unexpected body %s", got)
	}

	select {
	case <-sawCancel:
	case <-time.After(time.Second):
		t.Fatal("handler never saw the cancelled context")
	}
	if got := testutil.ToFloat64(m.TimeoutsTotal); got != 1 {
		t.Fatalf("expected 1 timeout, got %v", got)
	}
}

func TestTimeoutDisabled(t *testing.T) {
	p := quietPipeline().
		Use(Timeout(0)).
		HandleFunc(func(r *http.Request) (*pipeline.Response, error) {
			if _, ok := r.Context().Deadline(); ok {
				t.Error("zero timeout should not set a deadline")
			}
			return okHandler(r)
		})

	if rec := serve(p, httptest.NewRequest(http.MethodGet, "/", nil)); rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestTimeoutPropagatesParentCancel(t *testing.T) {
	seen := make(chan error, 2)
	p := pipeline.NewBuilder().
		Configure(
			pipeline.WithErrorLogger(observe.Discard()),
			pipeline.WithErrorHandler(func(err error, r *http.Request) *pipeline.Response {
				select {
				case seen <- err:
				default:
				}
				return pipeline.ErrorResponse(http.StatusServiceUnavailable, "cancelled")
			}),
		).
		Use(Timeout(time.Second)).
		HandleFunc(func(r *http.Request) (*pipeline.Response, error) {
			<-r.Context().Done()
			return nil, r.Context().Err()
		})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)

	resp, err := p.Dispatch(r)
	if err != nil {
		t.Fatalf("unexpected dispatch error: %v", err)
	}
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected the error handler's response, got %d", resp.Status)
	}
	select {
	case err := <-seen:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("error handler was not called")
	}
}

func TestTimeoutKeepsContextStore(t *testing.T) {
	p := quietPipeline().
		UseFunc(func(r *http.Request, next pipeline.Next) (*pipeline.Response, error) {
			reqctx.Set(r, "user", "ada")
			return next(r)
		}).
		Use(Timeout(time.Second)).
		HandleFunc(func(r *http.Request) (*pipeline.Response, error) {
			user, _ := reqctx.Lookup[string](r, "user")
			return pipeline.Text(http.StatusOK, user), nil
		})

	if rec := serve(p, httptest.NewRequest(http.MethodGet, "/", nil)); rec.Body.String() != "ada" {
		t.Fatalf("expected store value through timeout, got %q", rec.Body.String())
	}
}

// --- CORS ---

func TestCORSPreflightDefaults(t *testing.T) {
	called := false
	p := quietPipeline().
		Use(CORS(CORSConfig{})).
		HandleFunc(func(r *http.Request) (*pipeline.Response, error) {
			called = true
			return okHandler(r)
		})

	rec := serve(p, httptest.NewRequest(http.MethodOptions, "/", nil))
	if called {
		t.Fatal("preflight should not reach the handler")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rec.Body.String())
	}

	want := map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE, PATCH, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type, Authorization",
		"Access-Control-Max-Age":       "86400",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s: expected %q, got %q", k, v, got)
		}
	}
}

func TestCORSMaxAgeZero(t *testing.T) {
	zero := 0
	p := quietPipeline().
		Use(CORS(CORSConfig{MaxAge: &zero})).
		HandleFunc(okHandler)

	rec := serve(p, httptest.NewRequest(http.MethodOptions, "/", nil))
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "0" {
		t.Fatalf("expected max age 0, got %q", got)
	}
}

func TestCORSDecoratesResponse(t *testing.T) {
	p := quietPipeline().
		Use(CORS(CORSConfig{Origin: "https://app.test", Credentials: true})).
		HandleFunc(okHandler)

	rec := serve(p, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.test" {
		t.Fatalf("unexpected origin %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("expected credentials header, got %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") != "" {
		t.Fatal("non-preflight responses should not carry allow-methods")
	}
}

func TestCORSAllowedOrigins(t *testing.T) {
	p := quietPipeline().
		Use(CORS(CORSConfig{AllowedOrigins: []string{"https://a.com"}})).
		HandleFunc(okHandler)

	r := httptest.NewRequest(http.MethodOptions, "/", nil)
	r.Header.Set("Origin", "https://a.com")
	rec := serve(p, r)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://a.com" {
		t.Fatalf("expected a.com echoed, got %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("expected Vary: Origin, got %q", got)
	}

	r = httptest.NewRequest(http.MethodOptions, "/", nil)
	r.Header.Set("Origin", "https://b.com")
	rec = serve(p, r)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("b.com should not be allowed, got %q", got)
	}
}

func TestCORSCountsPreflights(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observe.NewMetrics(reg)
	p := quietPipeline().Use(CORS(CORSConfig{Metrics: m})).HandleFunc(okHandler)

	serve(p, httptest.NewRequest(http.MethodOptions, "/", nil))
	serve(p, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := testutil.ToFloat64(m.PreflightsTotal); got != 1 {
		t.Fatalf("expected 1 preflight, got %v", got)
	}
}

// --- RequestID ---

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	p := quietPipeline().
		Use(RequestID()).
		HandleFunc(func(r *http.Request) (*pipeline.Response, error) {
			seen = RequestIDFrom(r)
			if r.Header.Get(RequestIDHeader) != seen {
				t.Error("request header should carry the generated ID")
			}
			return okHandler(r)
		})

	rec := serve(p, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 36 {
		t.Fatalf("expected a UUID, got %q", seen)
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Fatalf("response header %q does not match %q", got, seen)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	p := quietPipeline().Use(RequestID()).HandleFunc(okHandler)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "client-id-1")
	rec := serve(p, r)
	if got := rec.Header().Get(RequestIDHeader); got != "client-id-1" {
		t.Fatalf("expected client ID echoed, got %q", got)
	}
}

func TestRequestIDFromEmpty(t *testing.T) {
	if got := RequestIDFrom(httptest.NewRequest(http.MethodGet, "/", nil)); got != "" {
		t.Fatalf("expected empty ID, got %q", got)
	}
}

// --- Logger ---

func TestLoggerSimple(t *testing.T) {
	var buf bytes.Buffer
	p := quietPipeline().
		Use(RequestID()).
		Use(Logger(LoggerConfig{Output: &buf})).
		HandleFunc(func(r *http.Request) (*pipeline.Response, error) {
			return pipeline.Text(http.StatusCreated, "made"), nil
		})

	r := httptest.NewRequest(http.MethodPost, "/items?x=1", nil)
	r.Header.Set("User-Agent", "tester/1.0")
	r.Header.Set(RequestIDHeader, "rid-7")
	rec := serve(p, r)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	line := buf.String()
	for _, want := range []string{"POST", "/items?x=1", "201", `"tester/1.0"`, "id=rid-7"} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %q", line, want)
		}
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("simple format should be one line, got %q", line)
	}
}

func TestLoggerDetailedWithHeaders(t *testing.T) {
	var buf bytes.Buffer
	p := quietPipeline().
		Use(Logger(LoggerConfig{Format: FormatDetailed, IncludeHeaders: true, Output: &buf})).
		HandleFunc(okHandler)

	r := httptest.NewRequest(http.MethodGet, "/a?b=c", nil)
	r.Header.Set("X-Custom", "yes")
	serve(p, r)

	out := buf.String()
	for _, want := range []string{"GET /a", "Query: b=c", "Status: 200", "X-Custom: yes"} {
		if !strings.Contains(out, want) {
			t.Errorf("detailed log missing %q:\n%s", want, out)
		}
	}
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	p := quietPipeline().
		Use(Logger(LoggerConfig{Format: FormatJSON, Logger: logger})).
		HandleFunc(okHandler)

	serve(p, httptest.NewRequest(http.MethodGet, "/json?q=1", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log is not JSON: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "request completed" {
		t.Fatalf("unexpected msg %v", entry["msg"])
	}
	if entry["path"] != "/json" || entry["query"] != "q=1" {
		t.Fatalf("unexpected path/query %v %v", entry["path"], entry["query"])
	}
	if entry["status"] != float64(200) {
		t.Fatalf("unexpected status %v", entry["status"])
	}
	if entry["level"] != "INFO" {
		t.Fatalf("unexpected level %v", entry["level"])
	}
}

func TestLoggerJSONServerErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	p := quietPipeline().
		Use(Logger(LoggerConfig{Format: FormatJSON, Logger: logger})).
		HandleFunc(func(r *http.Request) (*pipeline.Response, error) {
			return nil, errors.New("db down")
		})

	rec := serve(p, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log is not JSON: %v", err)
	}
	// The handler's error has already been turned into a 500 by the
	// error policy when it reaches the logger.
	if entry["level"] != "WARN" {
		t.Fatalf("expected WARN level, got %v", entry["level"])
	}
	if entry["status"] != float64(500) {
		t.Fatalf("expected status 500, got %v", entry["status"])
	}
}

func TestLoggerBodyIsRestored(t *testing.T) {
	var buf bytes.Buffer
	p := quietPipeline().
		Use(Logger(LoggerConfig{Format: FormatDetailed, IncludeBody: true, Output: &buf})).
		HandleFunc(func(r *http.Request) (*pipeline.Response, error) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				return nil, err
			}
			return pipeline.Text(http.StatusOK, string(body)), nil
		})

	rec := serve(p, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`)))
	if got := rec.Body.String(); got != `{"name":"x"}` {
		t.Fatalf("handler saw %q", got)
	}
	if !strings.Contains(buf.String(), `Body: {"name":"x"}`) {
		t.Fatalf("body not logged:\n%s", buf.String())
	}
}

func TestLoggerBodyTruncated(t *testing.T) {
	var buf bytes.Buffer
	p := quietPipeline().
		Use(Logger(LoggerConfig{Format: FormatDetailed, IncludeBody: true, MaxBodyBytes: 4, Output: &buf})).
		HandleFunc(func(r *http.Request) (*pipeline.Response, error) {
			body, _ := io.ReadAll(r.Body)
			return pipeline.Text(http.StatusOK, string(body)), nil
		})

	rec := serve(p, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("abcdefgh")))
	if rec.Body.String() != "abcdefgh" {
		t.Fatalf("handler should see the full body, got %q", rec.Body.String())
	}
	if !strings.Contains(buf.String(), "Body: abcd...(truncated)") {
		t.Fatalf("expected truncated body:\n%s", buf.String())
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestLoggerUnreadableBody(t *testing.T) {
	var buf bytes.Buffer
	p := quietPipeline().
		Use(Logger(LoggerConfig{Format: FormatDetailed, IncludeBody: true, Output: &buf})).
		HandleFunc(okHandler)

	serve(p, httptest.NewRequest(http.MethodPost, "/", errReader{}))
	if !strings.Contains(buf.String(), "Body: [unreadable]") {
		t.Fatalf("expected unreadable marker:\n%s", buf.String())
	}
}

type panicWriter struct{}

func (panicWriter) Write([]byte) (int, error) { panic("sink exploded") }

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestLoggerSwallowsSinkFailures(t *testing.T) {
	for _, w := range []io.Writer{panicWriter{}, failWriter{}} {
		p := quietPipeline().
			Use(Logger(LoggerConfig{Output: w})).
			HandleFunc(okHandler)

		rec := serve(p, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
			t.Fatalf("%T: response affected by logging: %d %q", w, rec.Code, rec.Body.String())
		}
	}
}

func TestLoggerSeesRateLimitRejections(t *testing.T) {
	var buf bytes.Buffer
	clock := newFakeClock()
	p := quietPipeline().
		Use(Logger(LoggerConfig{Output: &buf})).
		Use(RateLimit(RateLimitConfig{
			MaxRequests: 1,
			Window:      time.Minute,
			Limiter:     ratelimit.NewFixedWindow(1, time.Minute, ratelimit.WithClock(clock.Now)),
		})).
		HandleFunc(okHandler)

	serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil))
	serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	if !strings.Contains(lines[1], " 429 ") {
		t.Fatalf("expected 429 logged, got %q", lines[1])
	}
}

// --- Metrics ---

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observe.NewMetrics(reg)
	p := quietPipeline().
		Use(Metrics(m)).
		HandleFunc(func(r *http.Request) (*pipeline.Response, error) {
			if got := testutil.ToFloat64(m.InFlight); got != 1 {
				t.Errorf("expected 1 in flight, got %v", got)
			}
			if r.URL.Path == "/fail" {
				return nil, errors.New("fail")
			}
			return okHandler(r)
		})

	serve(p, httptest.NewRequest(http.MethodGet, "/", nil))
	serve(p, httptest.NewRequest(http.MethodGet, "/", nil))
	serve(p, httptest.NewRequest(http.MethodGet, "/fail", nil))

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "200")); got != 2 {
		t.Fatalf("expected 2 ok requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "500")); got != 1 {
		t.Fatalf("expected 1 failed request, got %v", got)
	}
	if got := testutil.ToFloat64(m.InFlight); got != 0 {
		t.Fatalf("expected 0 in flight, got %v", got)
	}
	if got := testutil.CollectAndCount(m.RequestDuration); got != 1 {
		t.Fatalf("expected 1 duration series, got %d", got)
	}
}

// --- Full chain ---

func TestFullChain(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	m := observe.NewMetrics(reg)
	clock := newFakeClock()

	p := quietPipeline().
		Use(RequestID()).
		Use(Logger(LoggerConfig{Output: &buf})).
		Use(Metrics(m)).
		Use(CORS(CORSConfig{})).
		Use(RateLimit(RateLimitConfig{
			MaxRequests: 2,
			Window:      time.Minute,
			Limiter:     ratelimit.NewFixedWindow(2, time.Minute, ratelimit.WithClock(clock.Now)),
			Metrics:     m,
		})).
		Use(Timeout(time.Second, WithTimeoutMetrics(m))).
		HandleFunc(func(r *http.Request) (*pipeline.Response, error) {
			return pipeline.JSON(http.StatusOK, map[string]string{"id": RequestIDFrom(r)}), nil
		})

	rec := serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	id := rec.Header().Get(RequestIDHeader)
	if id == "" || !strings.Contains(rec.Body.String(), id) {
		t.Fatalf("request ID %q not visible to handler: %s", id, rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Fatalf("expected remaining 1, got %s", rec.Header().Get("X-RateLimit-Remaining"))
	}

	serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil))
	rec = serve(p, httptest.NewRequest(http.MethodGet, "http://a.test/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("rejections should still carry CORS headers")
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatal("rejections should still carry a request ID")
	}

	if got := strings.Count(buf.String(), "\n"); got != 3 {
		t.Fatalf("expected 3 log lines, got %d", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "429")); got != 1 {
		t.Fatalf("expected one 429 counted, got %v", got)
	}
}
