// Package host executes flow instances. It serializes the handling of events per flow instance,
// keeps live instances in memory between deliveries and persists them through a backend.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/metrics"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/flow"
	"github.com/cschleiden/go-flows/internal/keylock"
	"github.com/cschleiden/go-flows/internal/log"
	"github.com/cschleiden/go-flows/internal/metrickeys"
	im "github.com/cschleiden/go-flows/internal/metrics"
	"github.com/cschleiden/go-flows/internal/tracing"
	"github.com/cschleiden/go-flows/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrContinuationLimit is returned when handling an event keeps transitioning without waiting.
var ErrContinuationLimit = errors.New("too many transitions without waiting")

type Host struct {
	backend  backend.Backend
	registry *registry.Registry
	options  Options

	binding *binding
	locks   *keylock.Locks
	cache   *instanceCache

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics metrics.Client
	clock   clock.Clock
}

func New(b backend.Backend, r *registry.Registry, opts ...Option) *Host {
	options := DefaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.CacheSize <= 0 {
		options.CacheSize = DefaultOptions.CacheSize
	}

	if options.CacheTTL <= 0 {
		options.CacheTTL = DefaultOptions.CacheTTL
	}

	mc := b.Metrics()

	return &Host{
		backend:  b,
		registry: r,
		options:  options,

		binding: &binding{backend: b, metrics: mc},
		locks:   keylock.New(),
		cache:   newInstanceCache(mc, options.CacheSize, options.CacheTTL),

		logger:  b.Logger(),
		tracer:  b.Tracer(),
		metrics: mc,
		clock:   b.Options().Clock,
	}
}

func (h *Host) Backend() backend.Backend {
	return h.backend
}

func (h *Host) Registry() *registry.Registry {
	return h.registry
}

// StartEviction removes expired instances from memory until ctx is canceled.
func (h *Host) StartEviction(ctx context.Context) {
	h.cache.StartEviction(ctx)
}

// Deliver hands an event to a flow instance and runs it until it waits or has ended. Deliveries
// to the same instance never overlap.
//
// Any error leaves the persisted instance as it was after the last successful commit, the in-memory
// copy is dropped.
func (h *Host) Deliver(ctx context.Context, id core.FlowID, e core.Event) (flow.Transition, error) {
	ctx, span := h.tracer.Start(ctx, "Deliver: "+e.EventName(),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String(tracing.FlowType, id.Type),
			attribute.String(tracing.FlowArgs, id.Args),
			attribute.String(tracing.EventName, e.EventName()),
		))
	defer span.End()

	key := id.String()
	if err := h.locks.Lock(ctx, key); err != nil {
		return flow.Transition{}, tracing.WithSpanError(span, err)
	}
	defer h.locks.Unlock(key)

	f, err := h.instance(ctx, id)
	if err != nil {
		return flow.Transition{}, tracing.WithSpanError(span, err)
	}

	tags := metrics.Tags{metrickeys.FlowType: id.Type, metrickeys.EventName: e.EventName()}
	timer := im.NewTimer(h.metrics, h.clock, metrickeys.EventDeliveryTime, tags)
	defer timer.Stop()

	prevStep := f.Step()

	t, err := h.run(ctx, f, e, tags)
	if err != nil {
		h.cache.Evict(id)
		h.metrics.Counter(metrickeys.HandlerFailed, tags, 1)

		h.logger.DebugContext(ctx, "delivery failed",
			log.FlowTypeKey, id.Type,
			log.InstanceIDKey, key,
			log.EventNameKey, e.EventName(),
			log.StepKey, f.Step(),
			"error", err,
		)

		return flow.Transition{}, tracing.WithSpanError(span, err)
	}

	h.metrics.Counter(metrickeys.EventDelivered, tags, 1)

	span.SetAttributes(
		attribute.String(tracing.Step, t.Step),
		attribute.Int64(tracing.Version, f.Version()),
	)

	h.logger.DebugContext(ctx, "delivered event",
		log.FlowTypeKey, id.Type,
		log.InstanceIDKey, key,
		log.EventNameKey, e.EventName(),
		log.PrevStepKey, prevStep,
		log.StepKey, t.Step,
		log.VersionKey, f.Version(),
	)

	if h.options.RemoveEnded && isRemovable(e, prevStep, t) {
		if err := h.remove(ctx, f); err != nil {
			return flow.Transition{}, tracing.WithSpanError(span, err)
		}

		return t, nil
	}

	h.cache.Store(f)

	return t, nil
}

func (h *Host) run(ctx context.Context, f flow.Handler, e core.Event, tags metrics.Tags) (flow.Transition, error) {
	t, err := f.HandleEvent(ctx, e)

	hops := 0
	for err == nil && !t.MustWait && t.Step != flow.StepOnEnded {
		if hops >= h.options.MaxContinuations {
			return flow.Transition{}, fmt.Errorf("%w: flow instance %v in step %v after %d transitions",
				ErrContinuationLimit, f.ID(), t.Step, hops)
		}

		hops++
		t, err = f.Continue(ctx, e)
	}

	if hops > 0 {
		h.metrics.Distribution(metrickeys.ContinuationHops, tags, float64(hops))
	}

	return t, err
}

// instance returns the live instance for id, loading it from the backend if it is not cached.
func (h *Host) instance(ctx context.Context, id core.FlowID) (flow.Handler, error) {
	if f, ok := h.cache.Get(id); ok {
		return f, nil
	}

	return h.load(ctx, id)
}

func (h *Host) load(ctx context.Context, id core.FlowID) (flow.Handler, error) {
	factory, err := h.registry.GetFlow(id.Type)
	if err != nil {
		return nil, err
	}

	r, err := h.backend.GetFlowInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading flow instance %v: %w", id, err)
	}

	return factory.Load(r, h.binding)
}

// Get returns a snapshot of the persisted flow instance. The snapshot is not shared with
// deliveries, handling events on it is not supported.
func (h *Host) Get(ctx context.Context, id core.FlowID) (flow.Handler, error) {
	return h.load(ctx, id)
}

// GetOrStart creates the flow instance if it does not exist and delivers the Start event to it
// if it has not been started yet.
func (h *Host) GetOrStart(ctx context.Context, id core.FlowID) (flow.Handler, error) {
	if _, err := h.registry.GetFlow(id.Type); err != nil {
		return nil, err
	}

	err := h.backend.CreateFlowInstance(ctx, id)
	switch {
	case err == nil:
		h.metrics.Counter(metrickeys.FlowInstanceCreated, metrics.Tags{metrickeys.FlowType: id.Type}, 1)
	case errors.Is(err, backend.ErrInstanceAlreadyExists):
	default:
		return nil, fmt.Errorf("creating flow instance %v: %w", id, err)
	}

	f, err := h.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if f.Step() != "" {
		return f, nil
	}

	if _, err := h.Deliver(ctx, id, core.StartEvent{}); err != nil {
		return nil, err
	}

	return h.Get(ctx, id)
}

func (h *Host) remove(ctx context.Context, f flow.Handler) error {
	h.cache.Evict(f.ID())

	if err := h.backend.RemoveFlowInstance(ctx, f.ID(), f.Version()); err != nil {
		return fmt.Errorf("removing flow instance %v: %w", f.ID(), err)
	}

	h.metrics.Counter(metrickeys.FlowInstanceRemoved, metrics.Tags{metrickeys.FlowType: f.ID().Type}, 1)

	h.logger.DebugContext(ctx, "removed ended flow instance",
		log.FlowTypeKey, f.ID().Type,
		log.InstanceIDKey, f.ID().String(),
		log.VersionKey, f.Version(),
	)

	return nil
}

// isRemovable returns true if the instance reached OnEnded and does not wait for its removal timer.
func isRemovable(e core.Event, prevStep string, t flow.Transition) bool {
	if t.Step != flow.StepOnEnded {
		return false
	}

	for _, se := range t.ScheduledEvents {
		if isRemovalTimer(se.Event) {
			return false
		}
	}

	return prevStep != flow.StepOnEnded || isRemovalTimer(e)
}

func isRemovalTimer(e core.Event) bool {
	te, ok := e.(core.TimerEvent)
	return ok && te.Tag == flow.RemovalTimerTag
}
