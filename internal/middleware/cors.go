package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/G1D0/http-pipeline/internal/observe"
	"github.com/G1D0/http-pipeline/internal/pipeline"
)

// CORSConfig configures CORS. Zero fields take the values from
// DefaultCORSConfig.
type CORSConfig struct {
	// Origin is sent as Access-Control-Allow-Origin verbatim: "*" or a
	// single fixed origin. Ignored when AllowedOrigins is set.
	Origin string

	// AllowedOrigins, when non-empty, echoes the request's Origin header
	// only if it matches one of these exactly.
	AllowedOrigins []string

	Methods     []string
	Headers     []string
	Credentials bool

	// MaxAge is the preflight cache lifetime in seconds. Nil means 86400;
	// a zero value is sent as is.
	MaxAge *int

	Metrics *observe.Metrics
}

// DefaultCORSConfig allows any origin.
func DefaultCORSConfig() CORSConfig {
	maxAge := 86400
	return CORSConfig{
		Origin:  "*",
		Methods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		Headers: []string{"Content-Type", "Authorization"},
		MaxAge:  &maxAge,
	}
}

// CORS answers preflight (OPTIONS) requests with 204 and the negotiated
// headers, and adds Access-Control-Allow-Origin (and -Credentials) to every
// other response.
func CORS(cfg CORSConfig) pipeline.Middleware {
	def := DefaultCORSConfig()
	if cfg.Origin == "" {
		cfg.Origin = def.Origin
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = def.Methods
	}
	if len(cfg.Headers) == 0 {
		cfg.Headers = def.Headers
	}
	if cfg.MaxAge == nil {
		cfg.MaxAge = def.MaxAge
	}
	methods := strings.Join(cfg.Methods, ", ")
	headers := strings.Join(cfg.Headers, ", ")
	maxAge := strconv.Itoa(*cfg.MaxAge)

	return pipeline.MiddlewareFunc(func(r *http.Request, next pipeline.Next) (*pipeline.Response, error) {
		if r.Method == http.MethodOptions {
			if cfg.Metrics != nil {
				cfg.Metrics.PreflightsTotal.Inc()
			}
			resp := pipeline.NewResponse(http.StatusNoContent)
			cfg.allowOrigin(resp, r)
			resp.Header.Set("Access-Control-Allow-Methods", methods)
			resp.Header.Set("Access-Control-Allow-Headers", headers)
			resp.Header.Set("Access-Control-Max-Age", maxAge)
			return resp, nil
		}

		resp, err := next(r)
		if err != nil || resp == nil {
			return resp, err
		}
		cfg.allowOrigin(resp, r)
		return resp, nil
	})
}

func (cfg *CORSConfig) allowOrigin(resp *pipeline.Response, r *http.Request) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	origin := cfg.Origin
	if len(cfg.AllowedOrigins) > 0 {
		resp.Header.Add("Vary", "Origin")
		origin = r.Header.Get("Origin")
		if origin == "" || !slices.Contains(cfg.AllowedOrigins, origin) {
			return
		}
	}
	resp.Header.Set("Access-Control-Allow-Origin", origin)
	if cfg.Credentials {
		resp.Header.Set("Access-Control-Allow-Credentials", "true")
	}
}
