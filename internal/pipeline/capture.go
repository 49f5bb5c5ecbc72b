package pipeline

import (
	"bytes"
	"net/http"
)

// ResponseCapture is an http.ResponseWriter that buffers the status, headers
// and body a net/http handler writes, so they can become a Response.
type ResponseCapture struct {
	header      http.Header
	body        bytes.Buffer
	StatusCode  int
	Written     int64
	wroteHeader bool
}

// NewResponseCapture returns an empty capture.
func NewResponseCapture() *ResponseCapture {
	return &ResponseCapture{
		header:     make(http.Header),
		StatusCode: http.StatusOK, // default if WriteHeader is never called
	}
}

// Header returns the header map the handler writes into.
func (rc *ResponseCapture) Header() http.Header {
	return rc.header
}

// WriteHeader records the status code. Only the first call counts.
func (rc *ResponseCapture) WriteHeader(code int) {
	if rc.wroteHeader {
		return
	}
	rc.StatusCode = code
	rc.wroteHeader = true
}

// Write buffers b.
func (rc *ResponseCapture) Write(b []byte) (int, error) {
	rc.wroteHeader = true
	n, err := rc.body.Write(b)
	rc.Written += int64(n)
	return n, err
}

// Response converts what was captured.
func (rc *ResponseCapture) Response() *Response {
	return &Response{
		Status: rc.StatusCode,
		Header: rc.header.Clone(),
		Body:   bytes.Clone(rc.body.Bytes()),
	}
}

// FromHTTP adapts a net/http handler into a terminal Handler. The handler's
// output is buffered in full.
func FromHTTP(h http.Handler) Handler {
	return HandlerFunc(func(r *http.Request) (*Response, error) {
		rc := NewResponseCapture()
		h.ServeHTTP(rc, r)
		return rc.Response(), nil
	})
}
