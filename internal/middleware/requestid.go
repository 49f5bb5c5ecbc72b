package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/G1D0/http-pipeline/internal/pipeline"
	"github.com/G1D0/http-pipeline/internal/reqctx"
)

const (
	// RequestIDHeader carries the request ID in both directions.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the context-store key holding the request ID.
	RequestIDKey = "requestID"
)

// RequestID generates or propagates an ID for each request.
// If the client sends X-Request-ID it is reused, otherwise a UUID is
// generated. The ID goes into the context store, onto the request headers
// (for forwarding upstream) and onto the response.
func RequestID() pipeline.Middleware {
	return pipeline.MiddlewareFunc(func(r *http.Request, next pipeline.Next) (*pipeline.Response, error) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		reqctx.Set(r, RequestIDKey, id)

		resp, err := next(r)
		if resp != nil {
			resp.SetHeader(RequestIDHeader, id)
		}
		return resp, err
	})
}

// RequestIDFrom returns the request ID stored by RequestID, or "".
func RequestIDFrom(r *http.Request) string {
	id, _ := reqctx.Lookup[string](r, RequestIDKey)
	return id
}
