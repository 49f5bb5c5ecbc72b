// Package pipeline composes middleware around a terminal handler.
//
// A request enters the first middleware. Each middleware either answers it
// directly (short-circuit) or calls its continuation to run the rest of the
// chain, and may then inspect or change the response on the way back:
//
//	b := pipeline.NewBuilder().
//		Use(first).
//		Use(second).
//		Configure(pipeline.ContinueOnError(false))
//	p := b.Handle(handler) // first(second(handler))
//
// Responses are plain values, so stages can decorate them after the
// downstream stages have finished. A Pipeline is an http.Handler and writes
// the final Response to the client.
package pipeline

import (
	"encoding/json"
	"net/http"
)

// Response is the outcome of a request. Stages may mutate it in place on
// the way back up the chain.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

// Text returns a text/plain response.
func Text(status int, body string) *Response {
	resp := NewResponse(status)
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Body = []byte(body)
	return resp
}

// JSON returns a response with v encoded as its body.
func JSON(status int, v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return Text(http.StatusInternalServerError, "response encoding failed")
	}
	resp := NewResponse(status)
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = body
	return resp
}

// SetHeader sets a header, allocating the header map if needed.
func (r *Response) SetHeader(key, value string) {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set(key, value)
}

// Send writes the response to w.
func (r *Response) Send(w http.ResponseWriter) error {
	h := w.Header()
	for k, vs := range r.Header {
		h[k] = append([]string(nil), vs...)
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

// Handler produces the response at the end of the chain.
type Handler interface {
	Serve(r *http.Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(r *http.Request) (*Response, error)

// Serve calls f(r).
func (f HandlerFunc) Serve(r *http.Request) (*Response, error) {
	return f(r)
}

// Next runs the remainder of the chain. It may be called at most once per
// stage. The request passed in becomes the request seen downstream; a nil
// request means the stage's own request.
type Next func(r *http.Request) (*Response, error)

// Middleware is one stage of the chain.
type Middleware interface {
	Handle(r *http.Request, next Next) (*Response, error)
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(r *http.Request, next Next) (*Response, error)

// Handle calls f(r, next).
func (f MiddlewareFunc) Handle(r *http.Request, next Next) (*Response, error) {
	return f(r, next)
}

type errorBody struct {
	Error string `json:"error"`
}

// ErrorResponse returns the JSON body {"error": msg} with the given status.
func ErrorResponse(status int, msg string) *Response {
	return JSON(status, errorBody{Error: msg})
}
