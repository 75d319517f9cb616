package tester

import (
	"log/slog"
	"time"

	"github.com/cschleiden/go-flows/backend/converter"
)

type options struct {
	Logger    *slog.Logger
	Converter converter.Converter
	StartTime time.Time
	Args      string
}

type FlowTesterOption func(*options)

func WithLogger(logger *slog.Logger) FlowTesterOption {
	return func(o *options) {
		o.Logger = logger
	}
}

func WithConverter(converter converter.Converter) FlowTesterOption {
	return func(o *options) {
		o.Converter = converter
	}
}

// WithStartTime sets the initial time of the simulated clock.
func WithStartTime(t time.Time) FlowTesterOption {
	return func(o *options) {
		o.StartTime = t
	}
}

// WithArgs sets the args part of the identity of the tested instance. Defaults to "test".
func WithArgs(args string) FlowTesterOption {
	return func(o *options) {
		o.Args = args
	}
}
