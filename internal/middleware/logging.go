package middleware

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/G1D0/http-pipeline/internal/pipeline"
)

// LogFormat selects how Logger renders a request.
type LogFormat string

const (
	FormatSimple   LogFormat = "simple"   // one line of text
	FormatDetailed LogFormat = "detailed" // several lines of text
	FormatJSON     LogFormat = "json"     // one structured slog record
)

// unreadableBody replaces a body that could not be read.
const unreadableBody = "[unreadable]"

// LoggerConfig configures Logger.
type LoggerConfig struct {
	Format         LogFormat
	IncludeHeaders bool
	IncludeBody    bool

	// MaxBodyBytes caps how much of the body is logged. Default 64 KiB.
	MaxBodyBytes int64

	// Output receives the simple and detailed formats. Default os.Stdout.
	Output io.Writer

	// Logger receives the json format. Default slog.Default().
	Logger *slog.Logger
}

type requestRecord struct {
	Time      time.Time
	Method    string
	Path      string
	Query     string
	Status    int
	Duration  time.Duration
	UserAgent string
	RequestID string
	Headers   http.Header
	Body      string
	Err       error
}

// Logger records every request after the rest of the chain has answered
// it. Logging is best effort: a failing sink never affects the response.
func Logger(cfg LoggerConfig) pipeline.Middleware {
	if cfg.Format == "" {
		cfg.Format = FormatSimple
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return pipeline.MiddlewareFunc(func(r *http.Request, next pipeline.Next) (*pipeline.Response, error) {
		start := time.Now()
		rec := requestRecord{
			Time:      start,
			Method:    r.Method,
			Path:      r.URL.Path,
			Query:     r.URL.RawQuery,
			UserAgent: r.UserAgent(),
		}
		if cfg.IncludeHeaders {
			rec.Headers = r.Header.Clone()
		}
		if cfg.IncludeBody {
			rec.Body, r = snapshotBody(r, cfg.MaxBodyBytes)
		}

		resp, err := next(r)

		rec.Duration = time.Since(start)
		rec.RequestID = RequestIDFrom(r)
		rec.Err = err
		if resp != nil {
			rec.Status = resp.Status
		}
		cfg.emit(r.Context(), rec)

		return resp, err
	})
}

// snapshotBody reads up to limit bytes of the body for logging and returns
// a request whose body still yields the full original content.
func snapshotBody(r *http.Request, limit int64) (string, *http.Request) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", r
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))

	orig := r.Body
	r = r.WithContext(r.Context())
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(data), orig), orig}

	if err != nil {
		return unreadableBody, r
	}
	if int64(len(data)) > limit {
		return string(data[:limit]) + "...(truncated)", r
	}
	return string(data), r
}

func (cfg *LoggerConfig) emit(ctx context.Context, rec requestRecord) {
	defer func() {
		// A broken sink must not fail the request.
		_ = recover()
	}()

	switch cfg.Format {
	case FormatJSON:
		cfg.logJSON(ctx, rec)
	case FormatDetailed:
		_, _ = io.WriteString(cfg.Output, formatDetailed(rec))
	default:
		_, _ = io.WriteString(cfg.Output, formatSimple(rec))
	}
}

func (cfg *LoggerConfig) logJSON(ctx context.Context, rec requestRecord) {
	attrs := []slog.Attr{
		slog.String("method", rec.Method),
		slog.String("path", rec.Path),
		slog.String("query", rec.Query),
		slog.Int("status", rec.Status),
		slog.Int64("duration_ms", rec.Duration.Milliseconds()),
		slog.String("user_agent", rec.UserAgent),
	}
	if rec.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", rec.RequestID))
	}
	if rec.Headers != nil {
		attrs = append(attrs, slog.Any("headers", flattenHeaders(rec.Headers)))
	}
	if rec.Body != "" {
		attrs = append(attrs, slog.String("body", rec.Body))
	}

	level := slog.LevelInfo
	if rec.Err != nil {
		level = slog.LevelError
		attrs = append(attrs, slog.String("error", rec.Err.Error()))
	} else if rec.Status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	cfg.Logger.LogAttrs(ctx, level, "request completed", attrs...)
}

func formatSimple(rec requestRecord) string {
	target := rec.Path
	if rec.Query != "" {
		target += "?" + rec.Query
	}
	line := fmt.Sprintf("%s %s %s %d %s %q",
		rec.Time.Format(time.RFC3339), rec.Method, target, rec.Status, rec.Duration, rec.UserAgent)
	if rec.RequestID != "" {
		line += " id=" + rec.RequestID
	}
	if rec.Err != nil {
		line += " error=" + rec.Err.Error()
	}
	return line + "\n"
}

func formatDetailed(rec requestRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s\n", rec.Time.Format(time.RFC3339), rec.Method, rec.Path)
	if rec.Query != "" {
		fmt.Fprintf(&b, "  Query: %s\n", rec.Query)
	}
	fmt.Fprintf(&b, "  Status: %d\n", rec.Status)
	fmt.Fprintf(&b, "  Duration: %s\n", rec.Duration)
	fmt.Fprintf(&b, "  User-Agent: %s\n", rec.UserAgent)
	if rec.RequestID != "" {
		fmt.Fprintf(&b, "  Request-ID: %s\n", rec.RequestID)
	}
	if rec.Headers != nil {
		b.WriteString("  Headers:\n")
		flat := flattenHeaders(rec.Headers)
		keys := make([]string, 0, len(flat))
		for k := range flat {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "    %s: %s\n", k, flat[k])
		}
	}
	if rec.Body != "" {
		fmt.Fprintf(&b, "  Body: %s\n", rec.Body)
	}
	if rec.Err != nil {
		fmt.Fprintf(&b, "  Error: %v\n", rec.Err)
	}
	return b.String()
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, vs := range h {
		flat[k] = strings.Join(vs, ", ")
	}
	return flat
}
