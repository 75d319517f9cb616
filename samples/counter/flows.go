package main

import (
	"context"
	"time"

	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/flow"
	"github.com/cschleiden/go-flows/flow/periodic"
)

const (
	StepCounting = "Counting"

	CounterType = "counter"
	TickerType  = "ticker"
)

type CounterState struct {
	Count int `json:"count"`
	Limit int `json:"limit"`
}

type IncrementEvent struct {
	By int `json:"by"`
}

func (IncrementEvent) EventName() string { return "sample.increment" }

// NewCounterType counts increments until the limit is reached. The instance args are unused, every
// counter starts with a limit of 10.
func NewCounterType() (*flow.Type[CounterState], error) {
	t, err := flow.NewType(CounterType,
		func(core.FlowID) (CounterState, error) {
			return CounterState{Limit: 10}, nil
		},
		func(ctx context.Context, f *flow.Instance[CounterState], e *flow.Envelope) (flow.Transition, error) {
			e.Consume()
			return f.Wait(StepCounting), nil
		},
		flow.WithRemovalDelay(time.Minute),
	)
	if err != nil {
		return nil, err
	}

	if err := t.HandleStep(StepCounting, func(ctx context.Context, f *flow.Instance[CounterState], e *flow.Envelope) (flow.Transition, error) {
		inc, ok := flow.As[IncrementEvent](e)
		if !ok {
			return f.Wait(StepCounting, flow.WithoutStore()), nil
		}

		f.State.Count += inc.By
		f.Logger().InfoContext(ctx, "counted", "count", f.State.Count)

		if f.State.Count >= f.State.Limit {
			return f.GotoEnding(), nil
		}

		return f.Wait(StepCounting), nil
	}); err != nil {
		return nil, err
	}

	return t, nil
}

// NewTickerType logs a tick every interval and ends after the given number of runs.
func NewTickerType(interval time.Duration, runs int64) (*flow.Type[periodic.State[struct{}]], error) {
	return periodic.NewType(TickerType, periodic.Definition[struct{}]{
		Interval: interval,
		Update: func(ctx context.Context, f *flow.Instance[periodic.State[struct{}]]) (string, error) {
			if f.State.RunCount >= runs {
				return "done", nil
			}

			return "", nil
		},
		Run: func(ctx context.Context, f *flow.Instance[periodic.State[struct{}]]) error {
			f.Logger().InfoContext(ctx, "tick", "run", f.State.RunCount)
			return nil
		},
	})
}
