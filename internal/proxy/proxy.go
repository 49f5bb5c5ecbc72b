// Package proxy provides a terminal pipeline handler that forwards requests
// to upstream HTTP services.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/G1D0/http-pipeline/internal/lb"
	"github.com/G1D0/http-pipeline/internal/pipeline"
)

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Proxy forwards each request to the upstream chosen by its balancer and
// buffers the answer into a pipeline.Response.
type Proxy struct {
	balancer lb.Balancer
	breakers *Breakers
	client   *http.Client
	timeout  time.Duration
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithClient replaces the pooled default client.
func WithClient(c *http.Client) Option {
	return func(p *Proxy) {
		p.client = c
	}
}

// WithTimeout bounds each upstream round trip. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		p.timeout = d
	}
}

// WithBreakers rejects requests to upstreams whose circuit is open with 503.
// Transport errors and 5xx answers count as failures.
func WithBreakers(b *Breakers) Option {
	return func(p *Proxy) {
		p.breakers = b
	}
}

// New returns a Proxy over the balancer's upstreams.
func New(b lb.Balancer, opts ...Option) *Proxy {
	p := &Proxy{
		balancer: b,
		timeout:  30 * time.Second,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
			},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Serve forwards r. An unreachable upstream is answered with 502; a
// request whose context was cancelled (by a timeout guard, say) returns
// the context's error instead.
func (p *Proxy) Serve(r *http.Request) (*pipeline.Response, error) {
	upstream := p.balancer.Next()
	if p.breakers != nil && !p.breakers.Allow(upstream) {
		return pipeline.ErrorResponse(http.StatusServiceUnavailable, "Service Unavailable"), nil
	}

	target := strings.TrimSuffix(upstream, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		if p.breakers != nil {
			p.breakers.abandon(upstream)
		}
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	copyHeaders(out.Header, r.Header)
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		out.Header.Add("X-Forwarded-For", ip)
	}
	out.Header.Set("X-Forwarded-Host", r.Host)

	resp, err := p.client.Do(out)
	if err != nil {
		if cerr := r.Context().Err(); cerr != nil {
			if p.breakers != nil {
				p.breakers.abandon(upstream)
			}
			return nil, cerr
		}
		p.recordFailure(upstream)
		if errors.Is(err, context.DeadlineExceeded) {
			return pipeline.ErrorResponse(http.StatusGatewayTimeout, "Gateway Timeout"), nil
		}
		return pipeline.ErrorResponse(http.StatusBadGateway, "Bad Gateway"), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordFailure(upstream)
		return pipeline.ErrorResponse(http.StatusBadGateway, "Bad Gateway"), nil
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		p.recordFailure(upstream)
	} else if p.breakers != nil {
		p.breakers.Success(upstream)
	}

	result := pipeline.NewResponse(resp.StatusCode)
	copyHeaders(result.Header, resp.Header)
	// Later stages may rewrite the body.
	result.Header.Del("Content-Length")
	result.Body = body
	return result, nil
}

func (p *Proxy) recordFailure(upstream string) {
	if p.breakers != nil {
		p.breakers.Failure(upstream)
	}
}

// copyHeaders copies src into dst minus hop-by-hop headers, including any
// named in src's Connection header.
func copyHeaders(dst, src http.Header) {
	var named map[string]bool
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				if named == nil {
					named = make(map[string]bool)
				}
				named[textproto.CanonicalMIMEHeaderKey(name)] = true
			}
		}
	}

	for key, values := range src {
		if hopByHop[key] || named[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
