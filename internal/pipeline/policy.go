package pipeline

import (
	"log/slog"
	"net/http"
)

// ErrorHandler turns a stage failure into the chain's final response.
type ErrorHandler func(err error, r *http.Request) *Response

// ErrorPolicy decides what happens when a stage returns an error.
//
// With ContinueOnError the failure is logged and the failing stage is
// treated as a pass-through. Otherwise ErrorHandler answers the request and
// nothing further downstream runs.
type ErrorPolicy struct {
	ContinueOnError bool
	ErrorHandler    ErrorHandler
	Logger          *slog.Logger
}

// DefaultErrorHandler answers 500 with {"error":"Internal Server Error"}.
func DefaultErrorHandler(_ error, _ *http.Request) *Response {
	return ErrorResponse(http.StatusInternalServerError, "Internal Server Error")
}

func (p ErrorPolicy) withDefaults() ErrorPolicy {
	if p.ErrorHandler == nil {
		p.ErrorHandler = DefaultErrorHandler
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// respond runs the error handler. A nil answer or a panic inside the
// handler falls back to DefaultErrorHandler.
func (p ErrorPolicy) respond(serr *StageError, r *http.Request) (out *Response) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			p.Logger.Error("pipeline error handler panicked",
				"stage", serr.Stage,
				"panic", v,
				"error", serr.Err,
			)
			out = DefaultErrorHandler(serr, r)
		}
	}()
	if out = p.ErrorHandler(serr, r); out == nil {
		out = DefaultErrorHandler(serr, r)
	}
	return out
}

// PolicyOption sets one field of an ErrorPolicy.
type PolicyOption func(*ErrorPolicy)

// ContinueOnError makes failing stages transparent instead of fatal.
func ContinueOnError(on bool) PolicyOption {
	return func(p *ErrorPolicy) {
		p.ContinueOnError = on
	}
}

// WithErrorHandler replaces the default 500 handler.
func WithErrorHandler(h ErrorHandler) PolicyOption {
	return func(p *ErrorPolicy) {
		p.ErrorHandler = h
	}
}

// WithErrorLogger sets where swallowed errors are logged.
func WithErrorLogger(l *slog.Logger) PolicyOption {
	return func(p *ErrorPolicy) {
		p.Logger = l
	}
}
