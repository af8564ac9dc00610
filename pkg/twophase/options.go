package twophase

import (
	"log/slog"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-twophase/pkg/metrics"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type config struct {
	name    string
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func defaultConfig() config {
	return config{
		name:   "twophase",
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer(""),
	}
}

// Option defines a functional configuration for the Driver.
type Option = options.Option[config]

// WithName sets the name the driver logs and reports metrics under.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records lifecycle counters in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithTracer wraps every entry point in a span of t.
func WithTracer(t trace.Tracer) Option {
	return func(c *config) {
		if t != nil {
			c.tracer = t
		}
	}
}
