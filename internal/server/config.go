package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer     *http.Server
	afterShutdown  []func()
	allowedOrigins []string
	gatherer       prometheus.Gatherer
	timeout        time.Duration
	timeoutMsg     string
	tracing        string
	tracingOpts    []otelhttp.Option
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host           string        `env:"HOST" envDefault:"0.0.0.0"`
	Port           uint16        `env:"PORT" envDefault:"3000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters for http.Server
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
		if cfg.ReadTimeout > 0 {
			c.httpServer.ReadHeaderTimeout = cfg.ReadTimeout
		}
		c.allowedOrigins = cfg.AllowedOrigins
	})
}

// ReadTimeout sets read header timeout for http.Server.
// Full read timeout would cut long-lived websocket connections.
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadHeaderTimeout = d
	})
}

// AllowedOrigins sets origins accepted on websocket upgrade; "*" accepts any
func AllowedOrigins(origins ...string) Option {
	return optionFunc(func(c *config) {
		c.allowedOrigins = origins
	})
}

// WithMetrics exposes g on /metrics
func WithMetrics(g prometheus.Gatherer) Option {
	return optionFunc(func(c *config) {
		c.gatherer = g
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}

// TimeoutHandler wraps each REST handler in http.TimeoutHandler with provided duration and message
func TimeoutHandler(d time.Duration, msg string) Option {
	return optionFunc(func(c *config) {
		c.timeout = d
		c.timeoutMsg = msg
	})
}

// WithTracing wraps the whole handler in otelhttp with operation name op.
// Spans go to the global tracer provider unless opts say otherwise.
func WithTracing(op string, opts ...otelhttp.Option) Option {
	return optionFunc(func(c *config) {
		c.tracing = op
		c.tracingOpts = opts
	})
}
