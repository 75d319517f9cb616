package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/internal/log"
)

// Instance is a live flow instance. State is only mutated by handlers of the instance while the
// host holds its exclusivity.
type Instance[S any] struct {
	State S

	id      core.FlowID
	version int64
	step    string

	t       *Type[S]
	binding Binding
	logger  *slog.Logger
}

var _ Handler = (*Instance[struct{}])(nil)

func newInstance[S any](t *Type[S], id core.FlowID, state S, b Binding) *Instance[S] {
	return &Instance[S]{
		State:   state,
		id:      id,
		t:       t,
		binding: b,
		logger: b.Logger().With(
			log.FlowTypeKey, id.Type,
			log.InstanceIDKey, id.String(),
		),
	}
}

func (f *Instance[S]) ID() core.FlowID {
	return f.id
}

func (f *Instance[S]) Version() int64 {
	return f.version
}

// Step returns the current step, empty if the instance has not been started.
func (f *Instance[S]) Step() string {
	return f.step
}

func (f *Instance[S]) Now() time.Time {
	return f.binding.Clock().Now()
}

func (f *Instance[S]) Logger() *slog.Logger {
	return f.logger
}

// Wait moves to step and suspends until the next event. The instance is persisted unless
// WithoutStore is given.
func (f *Instance[S]) Wait(step string, opts ...TransitionOption) Transition {
	return f.transition(step, true, true, opts)
}

// Goto moves to step and immediately dispatches the current event to it. The instance is not
// persisted unless WithStore is given.
func (f *Instance[S]) Goto(step string, opts ...TransitionOption) Transition {
	return f.transition(step, false, false, opts)
}

// GotoEnding enters the ending sequence.
func (f *Instance[S]) GotoEnding() Transition {
	return f.Goto(StepOnEnding)
}

func (f *Instance[S]) transition(step string, store, wait bool, opts []TransitionOption) Transition {
	t := Transition{
		Step:      step,
		MustStore: store,
		MustWait:  wait,
		owner:     f.id,
		now:       f.Now(),
	}

	for _, opt := range opts {
		opt(&t)
	}

	return t
}

// ResetState replaces the business state with the output of the state factory of the type.
func (f *Instance[S]) ResetState() error {
	state, err := f.t.newState(f.id)
	if err != nil {
		return fmt.Errorf("creating state for %v: %w", f.id, err)
	}

	f.State = state

	return nil
}

func (f *Instance[S]) HandleEvent(ctx context.Context, e core.Event) (Transition, error) {
	return f.handle(ctx, e, f.dispatch)
}

func (f *Instance[S]) Continue(ctx context.Context, e core.Event) (Transition, error) {
	return f.handle(ctx, e, f.dispatchStep)
}

func (f *Instance[S]) handle(
	ctx context.Context, e core.Event, route func(context.Context, *Envelope) (Transition, error),
) (Transition, error) {
	step := f.step

	env := newEnvelope(f.id, e)
	t, err := invoke(func() (Transition, error) {
		return route(ctx, env)
	})
	if err != nil {
		if isCanceled(ctx, err) {
			return Transition{}, err
		}

		f.step = step

		t, err = f.handleError(ctx, e, err)
		if err != nil {
			return Transition{}, err
		}
	} else if !env.Consumed() {
		f.logger.WarnContext(ctx, "step ignored event",
			log.StepKey, step,
			log.EventNameKey, e.EventName(),
		)
	}

	if err := f.apply(ctx, t); err != nil {
		return Transition{}, err
	}

	return t, nil
}

func (f *Instance[S]) handleError(ctx context.Context, e core.Event, cause error) (Transition, error) {
	_, _, _, onError := f.t.hooks()
	if onError == nil {
		return Transition{}, cause
	}

	env := newEnvelope(f.id, e)
	t, err := invoke(func() (Transition, error) {
		return onError(ctx, f, env, cause)
	})
	if err != nil {
		return Transition{}, errors.Join(cause, err)
	}

	if !env.Consumed() {
		return Transition{}, cause
	}

	f.logger.DebugContext(ctx, "error claimed by error handler",
		log.StepKey, f.step,
		log.EventNameKey, e.EventName(),
		"error", cause,
	)

	return t, nil
}

func (f *Instance[S]) dispatch(ctx context.Context, env *Envelope) (Transition, error) {
	onReset, onKill, _, _ := f.t.hooks()

	switch {
	case Is[core.StartEvent](env):
		if f.step != "" {
			return f.Wait(f.step, WithoutStore()), nil
		}

		return f.t.onStart(ctx, f, env)

	case Is[core.ResetEvent](env):
		if onReset != nil {
			return onReset(ctx, f, env)
		}

		if err := f.ResetState(); err != nil {
			return Transition{}, err
		}

		f.step = ""

		return f.t.onStart(ctx, f, env)

	case Is[core.KillEvent](env):
		if onKill != nil {
			return onKill(ctx, f, env)
		}

		return f.GotoEnding(), nil
	}

	return f.dispatchStep(ctx, env)
}

func (f *Instance[S]) dispatchStep(ctx context.Context, env *Envelope) (Transition, error) {
	if fn, ok := f.t.step(f.step); ok {
		return fn(ctx, f, env)
	}

	_, _, onMissingStep, _ := f.t.hooks()
	if onMissingStep != nil {
		return onMissingStep(ctx, f, env)
	}

	if f.t.options.MissingStepTolerated {
		return f.Wait(f.step, WithoutStore()), nil
	}

	return Transition{}, fmt.Errorf("%w: %q of flow type %v", ErrMissingStep, f.step, f.t.name)
}

// apply moves the instance to the step of the transition and persists it if required.
func (f *Instance[S]) apply(ctx context.Context, t Transition) error {
	prev := f.step
	f.step = t.Step

	if !t.mustStoreFrom(prev) {
		return nil
	}

	state, err := f.binding.Converter().To(f.State)
	if err != nil {
		return fmt.Errorf("encoding state of %v: %w", f.id, err)
	}

	events := make([]ScheduledEvent, 0, len(t.ScheduledEvents))
	for _, se := range t.ScheduledEvents {
		if se.Target.IsZero() {
			se.Target = f.id
		}

		if te, ok := se.Event.(core.TimerEvent); ok && te.Flow.IsZero() {
			te.Flow = se.Target
			se.Event = te
		}

		events = append(events, se)
	}

	v, err := f.binding.Commit(ctx, &Commit{
		ID:              f.id,
		ExpectedVersion: f.version,
		Step:            t.Step,
		State:           state,
		Events:          events,
	})
	if err != nil {
		return fmt.Errorf("committing flow instance %v: %w", f.id, err)
	}

	if v != f.version+1 {
		return fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, f.version+1, v)
	}

	f.version = v

	return nil
}

func invoke(fn func() (Transition, error)) (t Transition, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()

	return fn()
}
