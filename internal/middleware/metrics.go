package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/G1D0/http-pipeline/internal/observe"
	"github.com/G1D0/http-pipeline/internal/pipeline"
)

// Metrics records request count, latency and in-flight requests.
// Requests that end without a response are labelled "none".
func Metrics(m *observe.Metrics) pipeline.Middleware {
	return pipeline.MiddlewareFunc(func(r *http.Request, next pipeline.Next) (*pipeline.Response, error) {
		start := time.Now()
		m.InFlight.Inc()
		defer m.InFlight.Dec()

		resp, err := next(r)

		status := "none"
		switch {
		case err != nil:
			status = "error"
		case resp != nil:
			status = strconv.Itoa(resp.Status)
		}
		m.RequestsTotal.WithLabelValues(r.Method, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())

		return resp, err
	})
}
