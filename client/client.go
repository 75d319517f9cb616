// Package client looks up, starts and signals flow instances from outside of flow handlers.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/metrics"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/flow"
	"github.com/cschleiden/go-flows/host"
	"github.com/cschleiden/go-flows/internal/log"
	"github.com/cschleiden/go-flows/internal/metrickeys"
	"github.com/cschleiden/go-flows/internal/tracing"
	"github.com/cschleiden/go-flows/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrStepTimeout = errors.New("flow instance did not reach step in specified timeout")

type Client struct {
	backend backend.Backend
	host    *host.Host
	clock   clock.Clock
}

// New creates a client. The registry has to know the flow types and events the client works with,
// usually it is the registry of a worker.
func New(b backend.Backend, r *registry.Registry) *Client {
	return &Client{
		backend: b,
		host:    host.New(b, r),
		clock:   clock.New(),
	}
}

func (c *Client) startSpan(ctx context.Context, name string, id core.FlowID) (context.Context, trace.Span) {
	return c.backend.Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String(tracing.FlowType, id.Type),
		attribute.String(tracing.FlowArgs, id.Args),
	))
}

// GetFlow returns the persisted record of a flow instance.
func (c *Client) GetFlow(ctx context.Context, id core.FlowID) (*core.FlowRecord, error) {
	return c.backend.GetFlowInstance(ctx, id)
}

// GetFlowState returns the persisted business state of a flow instance of a type with state S.
func GetFlowState[S any](ctx context.Context, c *Client, id core.FlowID) (S, error) {
	f, err := c.host.Get(ctx, id)
	if err != nil {
		return *new(S), err
	}

	i, ok := f.(*flow.Instance[S])
	if !ok {
		return *new(S), fmt.Errorf("flow type %v does not have state %T", id.Type, *new(S))
	}

	return i.State, nil
}

// GetOrStartFlow creates the flow instance if it does not exist yet. Creation and the Start event
// are persisted atomically, the instance is started by a worker.
func (c *Client) GetOrStartFlow(ctx context.Context, id core.FlowID) (*core.FlowRecord, error) {
	ctx, span := c.startSpan(ctx, "GetOrStartFlow", id)
	defer span.End()

	if _, err := c.host.Registry().GetFlow(id.Type); err != nil {
		return nil, tracing.WithSpanError(span, err)
	}

	start, err := c.newEvent(ctx, id, c.now(), core.StartEvent{})
	if err != nil {
		return nil, tracing.WithSpanError(span, err)
	}

	err = c.backend.CreateFlowInstance(ctx, id, start)
	switch {
	case err == nil:
		c.backend.Metrics().Counter(metrickeys.FlowInstanceCreated, metrics.Tags{metrickeys.FlowType: id.Type}, 1)
		c.backend.Logger().DebugContext(ctx, "created flow instance",
			log.FlowTypeKey, id.Type,
			log.InstanceIDKey, id.String(),
		)
	case errors.Is(err, backend.ErrInstanceAlreadyExists):
	default:
		return nil, tracing.WithSpanError(span, fmt.Errorf("creating flow instance %v: %w", id, err))
	}

	r, err := c.backend.GetFlowInstance(ctx, id)
	return r, tracing.WithSpanError(span, err)
}

// SignalFlow schedules an event for an existing flow instance for immediate delivery.
//
// If the instance does not exist, it returns backend.ErrInstanceNotFound.
func (c *Client) SignalFlow(ctx context.Context, id core.FlowID, e core.Event) error {
	return c.SignalFlowAt(ctx, id, c.now(), e)
}

// SignalFlowAt schedules an event for an existing flow instance, delivered no earlier than at.
func (c *Client) SignalFlowAt(ctx context.Context, id core.FlowID, at time.Time, e core.Event) error {
	ctx, span := c.startSpan(ctx, "SignalFlow: "+e.EventName(), id)
	defer span.End()

	se, err := c.newEvent(ctx, id, at, e)
	if err != nil {
		return tracing.WithSpanError(span, err)
	}

	if err := c.backend.SignalFlowInstance(ctx, se); err != nil {
		return tracing.WithSpanError(span, err)
	}

	c.backend.Logger().DebugContext(ctx, "signaled flow instance",
		log.FlowTypeKey, id.Type,
		log.InstanceIDKey, id.String(),
		log.EventNameKey, e.EventName(),
		log.AtKey, at,
	)

	return nil
}

// KillFlow moves the flow instance to its ending sequence.
func (c *Client) KillFlow(ctx context.Context, id core.FlowID) error {
	return c.SignalFlow(ctx, id, core.KillEvent{})
}

// ResetFlow wipes the business state of the flow instance and starts it again.
func (c *Client) ResetFlow(ctx context.Context, id core.FlowID) error {
	return c.SignalFlow(ctx, id, core.ResetEvent{})
}

// RemoveFlow removes an ended flow instance and any events still pending for it. Instances that
// have not reached OnEnded are not removed, see KillFlow.
func (c *Client) RemoveFlow(ctx context.Context, id core.FlowID) error {
	ctx, span := c.startSpan(ctx, "RemoveFlow", id)
	defer span.End()

	r, err := c.backend.GetFlowInstance(ctx, id)
	if err != nil {
		return tracing.WithSpanError(span, err)
	}

	if r.Step != flow.StepOnEnded {
		return tracing.WithSpanError(span, backend.ErrInstanceNotEnded)
	}

	if err := c.backend.RemoveFlowInstance(ctx, id, r.Version); err != nil {
		return tracing.WithSpanError(span, err)
	}

	c.backend.Metrics().Counter(metrickeys.FlowInstanceRemoved, metrics.Tags{metrickeys.FlowType: id.Type}, 1)

	return nil
}

// WaitForStep waits until the persisted flow instance is in the given step or until the given
// timeout has expired.
func (c *Client) WaitForStep(ctx context.Context, id core.FlowID, step string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = time.Second * 20
	}

	ctx, span := c.startSpan(ctx, "WaitForStep", id)
	defer span.End()

	b := backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 1,
		MaxInterval:         time.Second * 1,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      timeout,
		Stop:                backoff.Stop,
		Clock:               c.clock,
	}
	b.Reset()

	ticker := backoff.NewTickerWithTimer(backoff.WithContext(&b, ctx), nil)
	defer ticker.Stop()

	for range ticker.C {
		r, err := c.backend.GetFlowInstance(ctx, id)
		if err != nil {
			return tracing.WithSpanError(span, fmt.Errorf("getting flow instance: %w", err))
		}

		if r.Step == step {
			return nil
		}
	}

	if ctx.Err() != nil {
		return tracing.WithSpanError(span, ctx.Err())
	}

	return tracing.WithSpanError(span, fmt.Errorf("%w: %v", ErrStepTimeout, step))
}

func (c *Client) now() time.Time {
	return c.backend.Options().Clock.Now()
}

func (c *Client) newEvent(ctx context.Context, id core.FlowID, at time.Time, e core.Event) (*core.ScheduledEvent, error) {
	return host.NewScheduledEvent(ctx, c.backend.Options().Converter, id, at, e)
}
