// Package memory provides an in-process backend, mainly for tests and single process setups.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/metrics"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/core/task"
	"github.com/cschleiden/go-flows/internal/metrickeys"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

type event struct {
	seq         int64
	event       *core.ScheduledEvent
	lockedUntil time.Time
}

type memoryBackend struct {
	mu sync.Mutex

	flows  map[string]*core.FlowRecord
	events []*event
	seq    int64

	options *backend.Options
	tracer  trace.Tracer
	metrics metrics.Client
}

var _ backend.Backend = (*memoryBackend)(nil)

// NewMemoryBackend creates a new in-memory backend. All data is lost when the process exits.
func NewMemoryBackend(opts ...backend.BackendOption) *memoryBackend {
	options := backend.ApplyOptions(opts...)

	return &memoryBackend{
		flows:   make(map[string]*core.FlowRecord),
		options: &options,
		tracer:  options.TracerProvider.Tracer(backend.TracerName),
		metrics: options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "memory"}),
	}
}

func (mb *memoryBackend) CreateFlowInstance(_ context.Context, id core.FlowID, events ...*core.ScheduledEvent) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	key := id.String()
	if _, ok := mb.flows[key]; ok {
		return backend.ErrInstanceAlreadyExists
	}

	now := mb.options.Clock.Now()
	mb.flows[key] = &core.FlowRecord{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
	}

	mb.enqueue(events)

	return nil
}

func (mb *memoryBackend) GetFlowInstance(_ context.Context, id core.FlowID) (*core.FlowRecord, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	r, ok := mb.flows[id.String()]
	if !ok {
		return nil, backend.ErrInstanceNotFound
	}

	cr := *r
	cr.State = append([]byte(nil), r.State...)

	return &cr, nil
}

func (mb *memoryBackend) CommitFlowInstance(_ context.Context, c *core.Commit) (int64, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	r, ok := mb.flows[c.ID.String()]
	if !ok {
		return 0, backend.ErrInstanceNotFound
	}

	if r.Version != c.ExpectedVersion {
		return 0, fmt.Errorf("%w: expected %d, stored %d", backend.ErrStaleVersion, c.ExpectedVersion, r.Version)
	}

	r.Version++
	r.Step = c.Step
	r.State = append([]byte(nil), c.State...)
	r.UpdatedAt = mb.options.Clock.Now()

	mb.enqueue(c.Events)

	return r.Version, nil
}

func (mb *memoryBackend) RemoveFlowInstance(_ context.Context, id core.FlowID, expectedVersion int64) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	key := id.String()
	r, ok := mb.flows[key]
	if !ok {
		return backend.ErrInstanceNotFound
	}

	if r.Version != expectedVersion {
		return fmt.Errorf("%w: expected %d, stored %d", backend.ErrStaleVersion, expectedVersion, r.Version)
	}

	delete(mb.flows, key)

	events := mb.events[:0]
	for _, e := range mb.events {
		if e.event.Target != id {
			events = append(events, e)
		}
	}
	mb.events = events

	return nil
}

func (mb *memoryBackend) SignalFlowInstance(_ context.Context, e *core.ScheduledEvent) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if _, ok := mb.flows[e.Target.String()]; !ok {
		return backend.ErrInstanceNotFound
	}

	mb.enqueue([]*core.ScheduledEvent{e})

	return nil
}

func (mb *memoryBackend) GetEventTask(_ context.Context) (*task.Event, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	now := mb.options.Clock.Now()

	leased := make(map[core.FlowID]bool)
	for _, e := range mb.events {
		if e.lockedUntil.After(now) {
			leased[e.event.Target] = true
		}
	}

	// Events are kept ordered by visibility and sequence
	for _, e := range mb.events {
		if e.event.VisibleAt.After(now) {
			break
		}

		if leased[e.event.Target] {
			continue
		}

		e.lockedUntil = now.Add(mb.options.EventLockTimeout)

		ce := *e.event
		return &task.Event{
			ID:          e.event.ID,
			Event:       &ce,
			LockedUntil: e.lockedUntil,
		}, nil
	}

	return nil, nil
}

func (mb *memoryBackend) ExtendEventTask(_ context.Context, t *task.Event) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for _, e := range mb.events {
		if e.event.ID == t.ID {
			e.lockedUntil = mb.options.Clock.Now().Add(mb.options.EventLockTimeout)
			t.LockedUntil = e.lockedUntil
			return nil
		}
	}

	return backend.ErrEventNotFound
}

func (mb *memoryBackend) CompleteEventTask(_ context.Context, t *task.Event) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for i, e := range mb.events {
		if e.event.ID == t.ID {
			mb.events = append(mb.events[:i], mb.events[i+1:]...)
			break
		}
	}

	return nil
}

func (mb *memoryBackend) GetStats(_ context.Context) (*backend.Stats, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return &backend.Stats{
		ActiveFlowInstances: int64(len(mb.flows)),
		PendingEvents:       int64(len(mb.events)),
	}, nil
}

func (mb *memoryBackend) Logger() *slog.Logger {
	return mb.options.Logger
}

func (mb *memoryBackend) Tracer() trace.Tracer {
	return mb.tracer
}

func (mb *memoryBackend) Metrics() metrics.Client {
	return mb.metrics
}

func (mb *memoryBackend) Options() *backend.Options {
	return mb.options
}

func (mb *memoryBackend) Close() error {
	return nil
}

// enqueue adds events keeping the queue ordered by (visible at, sequence). Must be called with
// the lock held.
func (mb *memoryBackend) enqueue(events []*core.ScheduledEvent) {
	if len(events) == 0 {
		return
	}

	for _, se := range events {
		ce := *se
		if ce.ID == "" {
			ce.ID = uuid.NewString()
		}

		mb.seq++
		mb.events = append(mb.events, &event{
			seq:   mb.seq,
			event: &ce,
		})
	}

	sort.SliceStable(mb.events, func(i, j int) bool {
		a, b := mb.events[i], mb.events[j]
		if !a.event.VisibleAt.Equal(b.event.VisibleAt) {
			return a.event.VisibleAt.Before(b.event.VisibleAt)
		}

		return a.seq < b.seq
	})
}
