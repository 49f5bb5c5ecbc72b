package pipeline

import (
	"log/slog"
	"net/http"
)

// Builder accumulates middleware and error-policy settings. It is not safe
// for concurrent use and is normally discarded after Handle.
type Builder struct {
	middlewares []Middleware
	policy      ErrorPolicy
}

// NewBuilder returns an empty builder with the default error policy.
func NewBuilder() *Builder {
	return &Builder{}
}

// Use appends middleware. The first middleware added sees the request first.
func (b *Builder) Use(middlewares ...Middleware) *Builder {
	b.middlewares = append(b.middlewares, middlewares...)
	return b
}

// UseFunc appends a middleware function.
func (b *Builder) UseFunc(fn func(r *http.Request, next Next) (*Response, error)) *Builder {
	return b.Use(MiddlewareFunc(fn))
}

// Configure applies policy options. Later options win per field.
func (b *Builder) Configure(opts ...PolicyOption) *Builder {
	for _, opt := range opts {
		opt(&b.policy)
	}
	return b
}

// Handle materializes the chain around h. Later changes to the builder do
// not affect the returned Pipeline.
func (b *Builder) Handle(h Handler) *Pipeline {
	d := New(b.middlewares, h, b.policy)
	return &Pipeline{d: d, logger: d.policy.Logger}
}

// HandleFunc is Handle for a handler function.
func (b *Builder) HandleFunc(fn func(r *http.Request) (*Response, error)) *Pipeline {
	return b.Handle(HandlerFunc(fn))
}

// Pipeline is a materialized chain. It implements http.Handler.
type Pipeline struct {
	d      *Dispatcher
	logger *slog.Logger
}

// Dispatch runs the chain and returns its response. See Dispatcher.Dispatch.
func (p *Pipeline) Dispatch(r *http.Request) (*Response, error) {
	return p.d.Dispatch(r)
}

// ServeHTTP dispatches r and writes the result. A broken chain (a stage that
// invoked its continuation twice) is logged and answered with a 500.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := p.d.Dispatch(r)
	if err != nil {
		p.logger.Error("pipeline dispatch failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		resp = DefaultErrorHandler(err, r)
	}
	if resp == nil {
		resp = ErrorResponse(http.StatusNotFound, "Not Found")
	}
	if err := resp.Send(w); err != nil {
		p.logger.Debug("response write failed", "path", r.URL.Path, "error", err)
	}
}
