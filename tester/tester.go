// Package tester runs a single flow type against an in-memory backend with a simulated clock.
// Timers and other scheduled events are delivered when the clock is advanced past their time.
package tester

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/memory"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/flow"
	"github.com/cschleiden/go-flows/host"
	"github.com/cschleiden/go-flows/registry"
)

// scheduleRecorder remembers the visibility times of all scheduled events, so that the tester
// knows where to stop the clock when advancing it.
type scheduleRecorder struct {
	backend.Backend

	mu  sync.Mutex
	due []time.Time
}

func (r *scheduleRecorder) record(events ...*core.ScheduledEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range events {
		r.due = append(r.due, e.VisibleAt)
	}
}

// next returns the earliest recorded time after now and not after until.
func (r *scheduleRecorder) next(now, until time.Time) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.due = slices.DeleteFunc(r.due, func(t time.Time) bool {
		return !t.After(now)
	})

	if len(r.due) == 0 {
		return time.Time{}, false
	}

	n := slices.MinFunc(r.due, func(a, b time.Time) int {
		return a.Compare(b)
	})
	if n.After(until) {
		return time.Time{}, false
	}

	return n, true
}

func (r *scheduleRecorder) CreateFlowInstance(ctx context.Context, id core.FlowID, events ...*core.ScheduledEvent) error {
	if err := r.Backend.CreateFlowInstance(ctx, id, events...); err != nil {
		return err
	}

	r.record(events...)

	return nil
}

func (r *scheduleRecorder) CommitFlowInstance(ctx context.Context, c *core.Commit) (int64, error) {
	v, err := r.Backend.CommitFlowInstance(ctx, c)
	if err != nil {
		return 0, err
	}

	r.record(c.Events...)

	return v, nil
}

func (r *scheduleRecorder) SignalFlowInstance(ctx context.Context, e *core.ScheduledEvent) error {
	if err := r.Backend.SignalFlowInstance(ctx, e); err != nil {
		return err
	}

	r.record(e)

	return nil
}

type FlowTester[S any] struct {
	id core.FlowID

	clock    *clock.Mock
	backend  *scheduleRecorder
	registry *registry.Registry
	host     *host.Host

	transitions []flow.Transition
	sent        []*core.ScheduledEvent
}

// NewFlowTester registers the flow type with a fresh registry and prepares an instance of it. The
// instance is created by Start.
func NewFlowTester[S any](ft *flow.Type[S], opts ...FlowTesterOption) (*FlowTester[S], error) {
	options := &options{
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Args:      "test",
	}

	for _, o := range opts {
		o(options)
	}

	c := clock.NewMock()
	c.Set(options.StartTime)

	bopts := []backend.BackendOption{backend.WithClock(c)}
	if options.Logger != nil {
		bopts = append(bopts, backend.WithLogger(options.Logger))
	}

	if options.Converter != nil {
		bopts = append(bopts, backend.WithConverter(options.Converter))
	}

	b := &scheduleRecorder{Backend: memory.NewMemoryBackend(bopts...)}

	r := registry.New()
	if err := r.RegisterFlow(ft); err != nil {
		return nil, fmt.Errorf("registering flow type: %w", err)
	}

	return &FlowTester[S]{
		id:       core.NewFlowID(ft.Name(), options.Args),
		clock:    c,
		backend:  b,
		registry: r,
		host:     host.New(b, r),
	}, nil
}

// RegisterEvent registers an event type the flow schedules for itself, so that it can be decoded
// when it is due.
func RegisterEvent[E core.Event, S any](ft *FlowTester[S]) error {
	return registry.RegisterEvent[E](ft.registry)
}

func (ft *FlowTester[S]) ID() core.FlowID {
	return ft.id
}

// Now returns the current time of the simulated clock.
func (ft *FlowTester[S]) Now() time.Time {
	return ft.clock.Now()
}

// Start creates the instance and delivers the Start event to it.
func (ft *FlowTester[S]) Start(ctx context.Context) error {
	return ft.Send(ctx, core.StartEvent{})
}

// Send delivers an event to the instance right away, followed by any events that became due.
func (ft *FlowTester[S]) Send(ctx context.Context, e core.Event) error {
	if err := ft.backend.CreateFlowInstance(ctx, ft.id); err != nil && !errors.Is(err, backend.ErrInstanceAlreadyExists) {
		return fmt.Errorf("creating flow instance: %w", err)
	}

	t, err := ft.host.Deliver(ctx, ft.id, e)
	if err != nil {
		return err
	}

	ft.transitions = append(ft.transitions, t)

	return ft.drain(ctx)
}

// Advance moves the simulated clock forward by d. Scheduled events are delivered in order, each
// with the clock set to its visibility time.
func (ft *FlowTester[S]) Advance(ctx context.Context, d time.Duration) error {
	until := ft.clock.Now().Add(d)

	for {
		at, ok := ft.backend.next(ft.clock.Now(), until)
		if !ok {
			break
		}

		ft.clock.Set(at)

		if err := ft.drain(ctx); err != nil {
			return err
		}
	}

	ft.clock.Set(until)

	return ft.drain(ctx)
}

// drain delivers all visible events. Events for other flow instances are recorded, not delivered.
func (ft *FlowTester[S]) drain(ctx context.Context) error {
	for {
		task, err := ft.backend.GetEventTask(ctx)
		if err != nil {
			return fmt.Errorf("getting event task: %w", err)
		}

		if task == nil {
			return nil
		}

		if task.Event.Target != ft.id {
			ft.sent = append(ft.sent, task.Event)
		} else {
			e, err := ft.registry.DecodeEvent(ft.backend.Options().Converter, task.Event.Name, task.Event.Payload)
			if err != nil {
				return err
			}

			t, err := ft.host.Deliver(ctx, ft.id, e)
			if err != nil {
				// The event stays leased and is delivered again once its lease expired
				return err
			}

			ft.transitions = append(ft.transitions, t)
		}

		if err := ft.backend.CompleteEventTask(ctx, task); err != nil {
			return fmt.Errorf("completing event task: %w", err)
		}
	}
}

// Instance returns the persisted state of the flow instance.
func (ft *FlowTester[S]) Instance(ctx context.Context) (*flow.Instance[S], error) {
	f, err := ft.host.Get(ctx, ft.id)
	if err != nil {
		return nil, err
	}

	return f.(*flow.Instance[S]), nil
}

// State returns the persisted business state of the instance.
func (ft *FlowTester[S]) State(ctx context.Context) (S, error) {
	f, err := ft.Instance(ctx)
	if err != nil {
		return *new(S), err
	}

	return f.State, nil
}

// Step returns the persisted step of the instance.
func (ft *FlowTester[S]) Step(ctx context.Context) (string, error) {
	f, err := ft.Instance(ctx)
	if err != nil {
		return "", err
	}

	return f.Step(), nil
}

// Ended returns true once the instance reached OnEnded.
func (ft *FlowTester[S]) Ended(ctx context.Context) bool {
	step, err := ft.Step(ctx)
	return err == nil && step == flow.StepOnEnded
}

// Transitions returns the final transition of every delivered event, in delivery order.
func (ft *FlowTester[S]) Transitions() []flow.Transition {
	return ft.transitions
}

// SentEvents returns the events the instance scheduled for other flow instances.
func (ft *FlowTester[S]) SentEvents() []*core.ScheduledEvent {
	return ft.sent
}

// Pending returns the number of scheduled events not delivered yet.
func (ft *FlowTester[S]) Pending(ctx context.Context) (int64, error) {
	s, err := ft.backend.GetStats(ctx)
	if err != nil {
		return 0, err
	}

	return s.PendingEvents, nil
}
