package periodic

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-flows/backend/converter"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/flow"
	"github.com/stretchr/testify/require"
)

type binding struct {
	clock   *clock.Mock
	version int64
}

func (b *binding) Clock() clock.Clock             { return b.clock }
func (b *binding) Logger() *slog.Logger           { return slog.Default() }
func (b *binding) Converter() converter.Converter { return converter.DefaultConverter }

func (b *binding) Commit(_ context.Context, c *flow.Commit) (int64, error) {
	b.version = c.ExpectedVersion + 1
	return b.version, nil
}

type pokeEvent struct{}

func (pokeEvent) EventName() string { return "poke" }

type data struct {
	Runs   []time.Time
	EndAt  int64
	Target string
}

func newPeriodic(t *testing.T, def Definition[data]) (*flow.Instance[State[data]], *binding) {
	if def.Run == nil {
		def.Run = func(ctx context.Context, f *flow.Instance[State[data]]) error {
			f.State.Data.Runs = append(f.State.Data.Runs, f.Now())
			return nil
		}
	}

	ft, err := NewType("report", def)
	require.NoError(t, err)

	b := &binding{clock: clock.NewMock()}
	f, err := ft.NewInstance(core.NewFlowID("report", "daily"), b)
	require.NoError(t, err)

	return f, b
}

func handle(t *testing.T, f *flow.Instance[State[data]], e core.Event) flow.Transition {
	tr, err := f.HandleEvent(context.Background(), e)
	require.NoError(t, err)

	for !tr.MustWait && tr.Step != flow.StepOnEnded {
		tr, err = f.Continue(context.Background(), e)
		require.NoError(t, err)
	}

	return tr
}

func timerAt(t *testing.T, tr flow.Transition) time.Time {
	require.Len(t, tr.ScheduledEvents, 1)

	te, ok := tr.ScheduledEvents[0].Event.(core.TimerEvent)
	require.True(t, ok)
	require.Equal(t, TimerTag, te.Tag)

	return tr.ScheduledEvents[0].At
}

func Test_Periodic_RunsOnInterval(t *testing.T) {
	f, b := newPeriodic(t, Definition[data]{Interval: time.Hour})
	id := f.ID()

	tr := handle(t, f, core.StartEvent{})
	require.Equal(t, StepOnCheck, tr.Step)
	require.Equal(t, b.clock.Now(), timerAt(t, tr))
	require.Empty(t, f.State.Data.Runs)

	start := b.clock.Now()
	tr = handle(t, f, core.TimerEvent{Flow: id, Tag: TimerTag})
	require.Len(t, f.State.Data.Runs, 1)
	require.Equal(t, int64(1), f.State.RunCount)
	require.Equal(t, start, f.State.LastRunAt)
	require.Equal(t, start.Add(time.Hour), timerAt(t, tr))
	require.Equal(t, start.Add(time.Hour), *f.State.NextRunAt)

	// Early timer does not run
	b.clock.Add(30 * time.Minute)
	tr = handle(t, f, core.TimerEvent{Flow: id, Tag: TimerTag})
	require.Len(t, f.State.Data.Runs, 1)
	require.Equal(t, start.Add(time.Hour), timerAt(t, tr))

	b.clock.Add(30 * time.Minute)
	handle(t, f, core.TimerEvent{Flow: id, Tag: TimerTag})
	require.Len(t, f.State.Data.Runs, 2)
	require.Equal(t, int64(2), f.State.RunCount)
	require.Equal(t, b.version, f.Version())
}

func Test_Periodic_DelayClamped(t *testing.T) {
	var next time.Time

	f, b := newPeriodic(t, Definition[data]{
		MaxDelay: 2 * time.Hour,
		ComputeNextRunAt: func(f *flow.Instance[State[data]], now time.Time) time.Time {
			return next
		},
	})

	for _, tc := range []struct {
		name string
		at   time.Duration
		want time.Duration
	}{
		{"past", -time.Hour, 0},
		{"within", time.Hour, time.Hour},
		{"beyond", 48 * time.Hour, 2 * time.Hour},
	} {
		t.Run(tc.name, func(t *testing.T) {
			now := b.clock.Now()
			next = now.Add(tc.at)

			tr := handle(t, f, core.ResetEvent{})
			at := timerAt(t, tr)

			require.Equal(t, now.Add(tc.want), at)
			require.GreaterOrEqual(t, f.State.NextRunAt.Sub(now), time.Duration(0))
			require.LessOrEqual(t, f.State.NextRunAt.Sub(now), 2*time.Hour)
		})
	}
}

func Test_Periodic_Ends(t *testing.T) {
	f, b := newPeriodic(t, Definition[data]{
		Interval: time.Minute,
		Update: func(ctx context.Context, f *flow.Instance[State[data]]) (string, error) {
			if f.State.RunCount >= 2 {
				return "done", nil
			}

			return "", nil
		},
	})
	id := f.ID()

	handle(t, f, core.StartEvent{})
	handle(t, f, core.TimerEvent{Flow: id})

	b.clock.Add(time.Minute)
	tr := handle(t, f, core.TimerEvent{Flow: id})

	require.Equal(t, flow.StepOnEnded, tr.Step)
	require.Equal(t, int64(2), f.State.RunCount)
}

func Test_Periodic_IgnoresNonTimerEvents(t *testing.T) {
	f, _ := newPeriodic(t, Definition[data]{Interval: time.Minute})

	handle(t, f, core.StartEvent{})
	v := f.Version()

	tr, err := f.HandleEvent(context.Background(), pokeEvent{})
	require.NoError(t, err)
	require.Equal(t, StepOnCheck, tr.Step)
	require.False(t, tr.EffectiveMustStore())
	require.Equal(t, v, f.Version())
	require.Empty(t, f.State.Data.Runs)
}

func Test_Periodic_Reset(t *testing.T) {
	f, b := newPeriodic(t, Definition[data]{
		Interval: time.Hour,
		NewData: func(id core.FlowID) (data, error) {
			return data{Target: id.Args}, nil
		},
	})
	id := f.ID()

	handle(t, f, core.StartEvent{})
	handle(t, f, core.TimerEvent{Flow: id})
	require.Equal(t, int64(1), f.State.RunCount)

	b.clock.Add(10 * time.Minute)
	tr := handle(t, f, core.ResetEvent{})

	require.Equal(t, int64(0), f.State.RunCount)
	require.True(t, f.State.LastRunAt.IsZero())
	require.Equal(t, "daily", f.State.Data.Target)
	require.Empty(t, f.State.Data.Runs)
	require.Equal(t, b.clock.Now(), timerAt(t, tr))
}

func Test_Periodic_RunError(t *testing.T) {
	errRun := errors.New("run failed")

	f, _ := newPeriodic(t, Definition[data]{
		Interval: time.Hour,
		Run: func(ctx context.Context, f *flow.Instance[State[data]]) error {
			return errRun
		},
	})

	handle(t, f, core.StartEvent{})

	_, err := f.HandleEvent(context.Background(), core.TimerEvent{Flow: f.ID()})
	require.ErrorIs(t, err, errRun)
	require.Equal(t, int64(0), f.State.RunCount)
	require.Equal(t, StepOnCheck, f.Step())
}

func Test_NewType_Validates(t *testing.T) {
	_, err := NewType("x", Definition[data]{Interval: time.Hour})
	require.Error(t, err)

	_, err = NewType("x", Definition[data]{Run: func(context.Context, *flow.Instance[State[data]]) error { return nil }})
	require.Error(t, err)
}
