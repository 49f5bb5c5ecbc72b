// Package config loads the pipeline server's configuration: a YAML file,
// then environment overrides, then defaults, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/G1D0/http-pipeline/internal/observe"
)

// EnvPrefix marks environment variables that override the file.
// Nested keys are joined with a double underscore, so
// PIPELINE_PIPELINE__RATE_LIMIT__MAX_REQUESTS sets
// pipeline.rate_limit.max_requests.
const EnvPrefix = "PIPELINE_"

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig   `yaml:"server" koanf:"server"`
	Log       LogConfig      `yaml:"log" koanf:"log"`
	Upstreams []string       `yaml:"upstreams" koanf:"upstreams"`
	Breaker   BreakerConfig  `yaml:"breaker" koanf:"breaker"`
	Pipeline  PipelineConfig `yaml:"pipeline" koanf:"pipeline"`
}

// BreakerConfig guards each upstream with a circuit breaker. A zero
// MaxFailures disables it.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures" koanf:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown" koanf:"cooldown"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr" koanf:"addr"`
	DrainTimeout time.Duration `yaml:"drain_timeout" koanf:"drain_timeout"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level" koanf:"level"`
	Format string `yaml:"format" koanf:"format"` // json or text
}

// PipelineConfig selects and tunes the built-in middleware.
type PipelineConfig struct {
	ContinueOnError bool            `yaml:"continue_on_error" koanf:"continue_on_error"`
	Logger          LoggerConfig    `yaml:"logger" koanf:"logger"`
	CORS            CORSConfig      `yaml:"cors" koanf:"cors"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" koanf:"rate_limit"`
	Timeout         time.Duration   `yaml:"timeout" koanf:"timeout"`
}

// LoggerConfig configures request logging.
type LoggerConfig struct {
	Enabled        bool   `yaml:"enabled" koanf:"enabled"`
	Format         string `yaml:"format" koanf:"format"` // simple, detailed or json
	IncludeHeaders bool   `yaml:"include_headers" koanf:"include_headers"`
	IncludeBody    bool   `yaml:"include_body" koanf:"include_body"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes" koanf:"max_body_bytes"`
}

// CORSConfig configures cross-origin headers.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" koanf:"enabled"`
	Origin         string   `yaml:"origin" koanf:"origin"`
	AllowedOrigins []string `yaml:"allowed_origins" koanf:"allowed_origins"`
	Methods        []string `yaml:"methods" koanf:"methods"`
	Headers        []string `yaml:"headers" koanf:"headers"`
	Credentials    bool     `yaml:"credentials" koanf:"credentials"`
	MaxAge         *int     `yaml:"max_age" koanf:"max_age"` // unset means 86400; 0 disables preflight caching
}

// RateLimitConfig configures the fixed-window limiter.
type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled" koanf:"enabled"`
	Window         time.Duration `yaml:"window" koanf:"window"`
	MaxRequests    int           `yaml:"max_requests" koanf:"max_requests"`
	Key            string        `yaml:"key" koanf:"key"` // host, remote_addr or header:<name>
	SkipSuccessful bool          `yaml:"skip_successful" koanf:"skip_successful"`
	SweepInterval  time.Duration `yaml:"sweep_interval" koanf:"sweep_interval"`
}

// LoadConfig reads a YAML config file and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML bytes, layers PIPELINE_* environment variables
// over them, fills defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Pipeline.Logger.Enabled = true
	applyDefaults(cfg)
	return cfg
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// applyEnv overlays matching environment variables on cfg. Keys absent
// from the environment keep their file values.
func applyEnv(cfg *Config) error {
	k := koanf.New(".")

	provider := env.Provider(EnvPrefix, ".", envKey)
	if err := k.Load(provider, nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	if len(k.Keys()) == 0 {
		return nil
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("apply env: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.DrainTimeout == 0 {
		cfg.Server.DrainTimeout = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Breaker.MaxFailures > 0 && cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = 30 * time.Second
	}
	if cfg.Pipeline.Logger.Format == "" {
		cfg.Pipeline.Logger.Format = "simple"
	}
	if cfg.Pipeline.Logger.MaxBodyBytes == 0 {
		cfg.Pipeline.Logger.MaxBodyBytes = 64 << 10
	}
	if cfg.Pipeline.RateLimit.Window == 0 {
		cfg.Pipeline.RateLimit.Window = time.Minute
	}
	if cfg.Pipeline.RateLimit.MaxRequests == 0 {
		cfg.Pipeline.RateLimit.MaxRequests = 100
	}
	if cfg.Pipeline.RateLimit.Key == "" {
		cfg.Pipeline.RateLimit.Key = "host"
	}
}

var errInvalid = errors.New("invalid config")

// validateConfig checks that the config is semantically valid.
func validateConfig(cfg *Config) error {
	if _, err := observe.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", errInvalid, err)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: log.format must be json or text, got %q", errInvalid, cfg.Log.Format)
	}

	switch cfg.Pipeline.Logger.Format {
	case "simple", "detailed", "json":
	default:
		return fmt.Errorf("%w: pipeline.logger.format must be simple, detailed or json, got %q",
			errInvalid, cfg.Pipeline.Logger.Format)
	}

	if cfg.Pipeline.Timeout < 0 {
		return fmt.Errorf("%w: pipeline.timeout cannot be negative", errInvalid)
	}

	rl := cfg.Pipeline.RateLimit
	if rl.Enabled {
		if rl.MaxRequests < 0 {
			return fmt.Errorf("%w: pipeline.rate_limit.max_requests cannot be negative", errInvalid)
		}
		if rl.Window < 0 {
			return fmt.Errorf("%w: pipeline.rate_limit.window cannot be negative", errInvalid)
		}
		if !validKey(rl.Key) {
			return fmt.Errorf("%w: pipeline.rate_limit.key %q is not host, remote_addr or header:<name>",
				errInvalid, rl.Key)
		}
	}

	if m := cfg.Pipeline.CORS.MaxAge; m != nil && *m < 0 {
		return fmt.Errorf("%w: pipeline.cors.max_age cannot be negative", errInvalid)
	}

	if cfg.Breaker.MaxFailures < 0 || cfg.Breaker.Cooldown < 0 {
		return fmt.Errorf("%w: breaker settings cannot be negative", errInvalid)
	}

	for i, u := range cfg.Upstreams {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%w: upstream %d (%s): must be an http or https URL", errInvalid, i, u)
		}
	}

	return nil
}

func validKey(key string) bool {
	switch key {
	case "host", "remote_addr":
		return true
	}
	name, ok := strings.CutPrefix(key, "header:")
	return ok && name != ""
}

// IsInvalid reports whether err came from validation rather than I/O or
// parsing.
func IsInvalid(err error) bool {
	return errors.Is(err, errInvalid)
}
