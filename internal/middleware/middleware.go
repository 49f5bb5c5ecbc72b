// Package middleware provides the built-in pipeline stages: request IDs,
// request logging, Prometheus metrics, CORS, fixed-window rate limiting and
// request timeouts.
//
// Every constructor returns a pipeline.Middleware. A typical chain is
//
//	pipeline.NewBuilder().
//		Use(middleware.RequestID()).
//		Use(middleware.Logger(logCfg)).
//		Use(middleware.CORS(corsCfg)).
//		Use(middleware.RateLimit(rlCfg)).
//		Use(middleware.Timeout(5 * time.Second)).
//		Handle(handler)
//
// Logging sits outside rate limiting so rejected requests are still logged.
package middleware

import (
	"net"
	"net/http"
	"strings"
)

// KeyFunc extracts a client identifier from a request.
type KeyFunc func(r *http.Request) string

// HostKey returns the hostname the request was addressed to, without port.
func HostKey(r *http.Request) string {
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	return stripPort(host)
}

// RemoteAddrKey returns the client IP from the connection's remote address.
func RemoteAddrKey(r *http.Request) string {
	return stripPort(r.RemoteAddr)
}

// HeaderKey keys requests by the value of a header (an API key, say),
// falling back to HostKey when the header is absent.
func HeaderKey(name string) KeyFunc {
	return func(r *http.Request) string {
		if v := r.Header.Get(name); v != "" {
			return v
		}
		return HostKey(r)
	}
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}
