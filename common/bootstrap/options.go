package bootstrap

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lyzr/mediapipe/common/config"
	"github.com/lyzr/mediapipe/common/logger"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipDB          bool
	skipRedis       bool
	skipQueue       bool
	skipTelemetry   bool
	customLogger    *logger.Logger
	logOutput       io.Writer
	customConfig    *config.Config
	metricsRegistry prometheus.Registerer
	metricsGatherer prometheus.Gatherer
}

// WithoutDB skips database initialization
func WithoutDB() Option {
	return func(o *options) {
		o.skipDB = true
	}
}

// WithoutRedis skips Redis initialization
func WithoutRedis() Option {
	return func(o *options) {
		o.skipRedis = true
	}
}

// WithoutQueue skips queue initialization
func WithoutQueue() Option {
	return func(o *options) {
		o.skipQueue = true
	}
}

// WithoutTelemetry skips telemetry initialization
func WithoutTelemetry() Option {
	return func(o *options) {
		o.skipTelemetry = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithLogOutput sends the configured logger to w instead of stdout
func WithLogOutput(w io.Writer) Option {
	return func(o *options) {
		o.logOutput = w
	}
}

// WithCustomConfig uses a custom config instead of loading from env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithMetricsRegistry registers metrics on reg instead of the default
// Prometheus registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.metricsRegistry = reg
		o.metricsGatherer = reg
	}
}

func defaultOptions() *options {
	return &options{}
}
