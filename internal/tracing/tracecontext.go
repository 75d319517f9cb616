package tracing

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

// Carrier stores the trace context of a span in the metadata of a scheduled event.
type Carrier map[string]string

func (c Carrier) Get(key string) string {
	return c[key]
}

func (c Carrier) Set(key string, value string) {
	c[key] = value
}

func (c Carrier) Keys() []string {
	r := make([]string, 0, len(c))

	for k := range c {
		r = append(r, k)
	}

	return r
}

var propagator propagation.TraceContext

// Inject returns the trace context of the span in ctx, nil if there is no valid span.
func Inject(ctx context.Context) map[string]string {
	carrier := make(Carrier)
	propagator.Inject(ctx, carrier)

	if len(carrier) == 0 {
		return nil
	}

	return carrier
}

// Extract returns a context carrying the remote span context stored in metadata.
func Extract(ctx context.Context, metadata map[string]string) context.Context {
	if len(metadata) == 0 {
		return ctx
	}

	return propagator.Extract(ctx, Carrier(metadata))
}
