// Package periodic provides flow types that run an action repeatedly on a schedule.
package periodic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/flow"
	"github.com/cschleiden/go-flows/internal/log"
)

const (
	// StepOnCheck is the single business step of a periodic flow.
	StepOnCheck = "OnCheck"

	// TimerTag tags the timers scheduled for the next check.
	TimerTag = "flows.periodic"

	DefaultMaxDelay = 24 * time.Hour
)

// State is the persisted state of a periodic flow. D is the user data.
type State[D any] struct {
	LastRunAt time.Time  `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	RunCount  int64      `json:"run_count"`
	Data      D          `json:"data"`
}

// Definition describes the behavior of a periodic flow type.
type Definition[D any] struct {
	// NewData returns the initial user data. Optional, defaults to the zero value.
	NewData func(id core.FlowID) (D, error)

	// Update is called before every check. A non-empty end reason ends the flow.
	Update func(ctx context.Context, f *flow.Instance[State[D]]) (endReason string, err error)

	// Run executes the periodic action.
	Run func(ctx context.Context, f *flow.Instance[State[D]]) error

	// ComputeNextRunAt returns the time of the next run. Defaults to the last run plus Interval.
	ComputeNextRunAt func(f *flow.Instance[State[D]], now time.Time) time.Time

	// Interval between runs, used when ComputeNextRunAt is not set.
	Interval time.Duration

	// MaxDelay bounds the time between now and the next run. Defaults to DefaultMaxDelay.
	MaxDelay time.Duration
}

// NewType declares a periodic flow type. The returned type can be extended with further steps
// and hooks before it is registered.
func NewType[D any](name string, def Definition[D], opts ...flow.TypeOption) (*flow.Type[State[D]], error) {
	if def.Run == nil {
		return nil, errors.New("periodic flow requires a Run function")
	}

	if def.ComputeNextRunAt == nil && def.Interval <= 0 {
		return nil, errors.New("periodic flow requires either an interval or ComputeNextRunAt")
	}

	if def.MaxDelay <= 0 {
		def.MaxDelay = DefaultMaxDelay
	}

	p := &periodic[D]{def: def}

	t, err := flow.NewType(name, p.newState, p.onStart, opts...)
	if err != nil {
		return nil, err
	}

	if err := t.HandleStep(StepOnCheck, p.onCheck); err != nil {
		return nil, err
	}

	if err := t.HandleReset(p.onReset); err != nil {
		return nil, err
	}

	return t, nil
}

type periodic[D any] struct {
	def Definition[D]
}

func (p *periodic[D]) newState(id core.FlowID) (State[D], error) {
	var s State[D]

	if p.def.NewData != nil {
		d, err := p.def.NewData(id)
		if err != nil {
			return s, err
		}

		s.Data = d
	}

	return s, nil
}

func (p *periodic[D]) onStart(ctx context.Context, f *flow.Instance[State[D]], _ *flow.Envelope) (flow.Transition, error) {
	return p.next(ctx, f)
}

func (p *periodic[D]) onReset(ctx context.Context, f *flow.Instance[State[D]], _ *flow.Envelope) (flow.Transition, error) {
	if err := f.ResetState(); err != nil {
		return flow.Transition{}, err
	}

	f.State.LastRunAt = time.Time{}
	f.State.NextRunAt = nil

	return p.next(ctx, f)
}

func (p *periodic[D]) onCheck(ctx context.Context, f *flow.Instance[State[D]], e *flow.Envelope) (flow.Transition, error) {
	if !e.Consumed() {
		if _, ok := e.IsTimer(); !ok {
			return f.Wait(StepOnCheck, flow.WithoutStore()), nil
		}
	}

	t, err := p.next(ctx, f)
	if err != nil {
		return t, err
	}

	if !isRecheck(t) {
		return t, nil
	}

	if err := p.def.Run(ctx, f); err != nil {
		return flow.Transition{}, fmt.Errorf("running periodic flow: %w", err)
	}

	f.State.LastRunAt = f.Now()
	f.State.NextRunAt = nil
	f.State.RunCount++

	f.Logger().DebugContext(ctx, "periodic flow ran", "run_count", f.State.RunCount)

	return p.next(ctx, f)
}

// next decides between ending, running now and waiting for the next run.
func (p *periodic[D]) next(ctx context.Context, f *flow.Instance[State[D]]) (flow.Transition, error) {
	if p.def.Update != nil {
		reason, err := p.def.Update(ctx, f)
		if err != nil {
			return flow.Transition{}, fmt.Errorf("updating periodic flow: %w", err)
		}

		if reason != "" {
			f.Logger().InfoContext(ctx, "periodic flow ending", "reason", reason)
			return f.GotoEnding(), nil
		}
	}

	now := f.Now()

	if f.State.NextRunAt != nil {
		if !now.Before(*f.State.NextRunAt) {
			return f.Goto(StepOnCheck), nil
		}

		return f.Wait(StepOnCheck).AddTimerEventAt(*f.State.NextRunAt, TimerTag), nil
	}

	at := p.clamp(now, p.computeNextRunAt(f, now))
	f.State.NextRunAt = &at

	f.Logger().DebugContext(ctx, "scheduled next periodic run", log.AtKey, at)

	return f.Wait(StepOnCheck).AddTimerEventAt(at, TimerTag), nil
}

func (p *periodic[D]) computeNextRunAt(f *flow.Instance[State[D]], now time.Time) time.Time {
	if p.def.ComputeNextRunAt != nil {
		return p.def.ComputeNextRunAt(f, now)
	}

	if f.State.LastRunAt.IsZero() {
		return now
	}

	return f.State.LastRunAt.Add(p.def.Interval)
}

func (p *periodic[D]) clamp(now, at time.Time) time.Time {
	delay := at.Sub(now)

	switch {
	case delay < 0:
		delay = 0
	case delay > p.def.MaxDelay:
		delay = p.def.MaxDelay
	}

	return now.Add(delay)
}

// isRecheck is true for the immediate continuation into OnCheck produced when a run is due.
func isRecheck(t flow.Transition) bool {
	return t.Step == StepOnCheck && !t.MustWait
}
