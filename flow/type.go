package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-flows/backend/converter"
	"github.com/cschleiden/go-flows/core"
)

// StepFunc handles an event in a step of a flow instance.
type StepFunc[S any] func(ctx context.Context, f *Instance[S], e *Envelope) (Transition, error)

// ErrorFunc is called with a fresh envelope when a step handler failed. It claims the error by
// consuming the envelope, in which case the returned transition is applied instead.
type ErrorFunc[S any] func(ctx context.Context, f *Instance[S], e *Envelope, err error) (Transition, error)

// NewStateFunc returns the fresh business state of an instance. It is used on creation and on reset.
type NewStateFunc[S any] func(id core.FlowID) (S, error)

// Binding connects flow instances to the host executing them.
type Binding interface {
	Clock() clock.Clock
	Logger() *slog.Logger
	Converter() converter.Converter

	// Commit atomically persists the instance together with the scheduled events and returns the
	// new version.
	Commit(ctx context.Context, c *Commit) (int64, error)
}

// Commit is the decoded form of a core.Commit, events are encoded by the host.
type Commit struct {
	ID              core.FlowID
	ExpectedVersion int64
	Step            string
	State           []byte
	Events          []ScheduledEvent
}

// Handler is the non-generic view of a flow instance used by the host.
type Handler interface {
	ID() core.FlowID
	Version() int64
	Step() string

	// HandleEvent dispatches an event to the system handlers or the current step.
	HandleEvent(ctx context.Context, e core.Event) (Transition, error)

	// Continue dispatches the event again to the current step. The host calls this for
	// transitions that do not wait.
	Continue(ctx context.Context, e core.Event) (Transition, error)
}

// Factory is the non-generic view of a flow type used by registry and host.
type Factory interface {
	Name() string

	// Seal prevents further registrations on the type.
	Seal()

	New(id core.FlowID, b Binding) (Handler, error)
	Load(r *core.FlowRecord, b Binding) (Handler, error)
}

var _ Factory = (*Type[struct{}])(nil)

// Type is the registration table of a flow type. A type is sealed when it is registered with a
// registry or when its first instance is created, after that it is shared read-only.
type Type[S any] struct {
	mu     sync.RWMutex
	sealed bool

	name     string
	newState NewStateFunc[S]
	options  typeOptions

	onStart       StepFunc[S]
	onReset       StepFunc[S]
	onKill        StepFunc[S]
	onMissingStep StepFunc[S]
	onError       ErrorFunc[S]

	steps map[string]StepFunc[S]
}

// NewType declares a flow type.
func NewType[S any](name string, newState NewStateFunc[S], onStart StepFunc[S], opts ...TypeOption) (*Type[S], error) {
	if name == "" {
		return nil, errors.New("flow type name must not be empty")
	}

	if newState == nil {
		return nil, fmt.Errorf("flow type %v: state factory must not be nil", name)
	}

	if onStart == nil {
		return nil, fmt.Errorf("flow type %v: OnStart must not be nil", name)
	}

	t := &Type[S]{
		name:     name,
		newState: newState,
		onStart:  onStart,
		steps:    map[string]StepFunc[S]{},
	}

	for _, opt := range opts {
		opt(&t.options)
	}

	t.steps[StepOnEnding] = t.defaultOnEnding
	t.steps[StepOnEnded] = defaultOnEnded[S]

	return t, nil
}

func (t *Type[S]) Name() string {
	return t.name
}

func (t *Type[S]) Seal() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sealed = true
}

// HandleStep registers the handler for a step.
func (t *Type[S]) HandleStep(step string, fn StepFunc[S]) error {
	if step == "" {
		return ErrInvalidStepName
	}

	if isReservedStep(step) {
		return fmt.Errorf("%w: %v", ErrReservedStep, step)
	}

	return t.register(func() error {
		if _, ok := t.steps[step]; ok {
			return fmt.Errorf("%w: %v", ErrStepExists, step)
		}

		t.steps[step] = fn
		return nil
	}, fn != nil)
}

// HandleError registers the error handler of the type.
func (t *Type[S]) HandleError(fn ErrorFunc[S]) error {
	return t.register(func() error {
		t.onError = fn
		return nil
	}, fn != nil)
}

// HandleReset replaces the default reset behavior. The handler is responsible for resetting the
// business state, see Instance.ResetState.
func (t *Type[S]) HandleReset(fn StepFunc[S]) error {
	return t.register(func() error {
		t.onReset = fn
		return nil
	}, fn != nil)
}

// HandleKill replaces the default kill behavior of moving to the ending sequence.
func (t *Type[S]) HandleKill(fn StepFunc[S]) error {
	return t.register(func() error {
		t.onKill = fn
		return nil
	}, fn != nil)
}

// HandleEnding replaces the default OnEnding step.
func (t *Type[S]) HandleEnding(fn StepFunc[S]) error {
	return t.register(func() error {
		t.steps[StepOnEnding] = fn
		return nil
	}, fn != nil)
}

// HandleMissingStep is called for events arriving in a step without handler.
func (t *Type[S]) HandleMissingStep(fn StepFunc[S]) error {
	return t.register(func() error {
		t.onMissingStep = fn
		return nil
	}, fn != nil)
}

func (t *Type[S]) register(fn func() error, valid bool) error {
	if !valid {
		return errors.New("handler must not be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return fmt.Errorf("%w: %v", ErrTypeSealed, t.name)
	}

	return fn()
}

func (t *Type[S]) step(step string) (StepFunc[S], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	fn, ok := t.steps[step]
	return fn, ok
}

func (t *Type[S]) hooks() (onReset, onKill, onMissingStep StepFunc[S], onError ErrorFunc[S]) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.onReset, t.onKill, t.onMissingStep, t.onError
}

// NewInstance creates a new, not yet started instance.
func (t *Type[S]) NewInstance(id core.FlowID, b Binding) (*Instance[S], error) {
	if id.Type != t.name {
		return nil, fmt.Errorf("flow id %v does not belong to flow type %v", id, t.name)
	}

	t.Seal()

	state, err := t.newState(id)
	if err != nil {
		return nil, fmt.Errorf("creating state for %v: %w", id, err)
	}

	return newInstance(t, id, state, b), nil
}

// LoadInstance restores an instance from its persisted record.
func (t *Type[S]) LoadInstance(r *core.FlowRecord, b Binding) (*Instance[S], error) {
	f, err := t.NewInstance(r.ID, b)
	if err != nil {
		return nil, err
	}

	if len(r.State) > 0 {
		if err := b.Converter().From(r.State, &f.State); err != nil {
			return nil, fmt.Errorf("decoding state of %v: %w", r.ID, err)
		}
	}

	f.version = r.Version
	f.step = r.Step

	return f, nil
}

func (t *Type[S]) New(id core.FlowID, b Binding) (Handler, error) {
	return t.NewInstance(id, b)
}

func (t *Type[S]) Load(r *core.FlowRecord, b Binding) (Handler, error) {
	return t.LoadInstance(r, b)
}

func (t *Type[S]) defaultOnEnding(_ context.Context, f *Instance[S], e *Envelope) (Transition, error) {
	e.Consume()

	if t.options.RemovalDelay <= 0 {
		return f.Goto(StepOnEnded), nil
	}

	return f.Wait(StepOnEnded).AddTimerEvent(t.options.RemovalDelay, RemovalTimerTag), nil
}

func defaultOnEnded[S any](_ context.Context, f *Instance[S], e *Envelope) (Transition, error) {
	e.Consume()

	return f.Goto(StepOnEnded), nil
}
