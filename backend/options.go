package backend

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-flows/backend/converter"
	"github.com/cschleiden/go-flows/backend/metrics"
	mi "github.com/cschleiden/go-flows/internal/metrics"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	// Converter is the converter to use for serializing and deserializing state and events. If not explicitly set
	// converter.DefaultConverter is used.
	Converter converter.Converter

	// Clock is used for visibility and lease times.
	Clock clock.Clock

	// EventLockTimeout determines how long an event task can be locked for. If the event task is not completed
	// by that timeframe, it's considered abandoned and another worker might pick it up.
	//
	// For long running event handlers, combine this with heartbeats.
	EventLockTimeout time.Duration

	// WorkerName identifies the leases taken by this backend instance.
	WorkerName string
}

var DefaultOptions Options = Options{
	EventLockTimeout: time.Minute,

	Logger:         slog.Default(),
	Metrics:        mi.NewNoopMetricsClient(),
	TracerProvider: noop.NewTracerProvider(),
	Converter:      converter.DefaultConverter,
	Clock:          clock.New(),
}

type BackendOption func(*Options)

func WithLogger(logger *slog.Logger) BackendOption {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) BackendOption {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) BackendOption {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithConverter(converter converter.Converter) BackendOption {
	return func(o *Options) {
		o.Converter = converter
	}
}

func WithClock(c clock.Clock) BackendOption {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithEventLockTimeout(timeout time.Duration) BackendOption {
	return func(o *Options) {
		o.EventLockTimeout = timeout
	}
}

func WithWorkerName(name string) BackendOption {
	return func(o *Options) {
		o.WorkerName = name
	}
}

func ApplyOptions(opts ...BackendOption) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	return options
}
