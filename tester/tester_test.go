package tester

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/flow"
	"github.com/stretchr/testify/require"
)

type reminderState struct {
	Fired []time.Time `json:"fired"`
}

type remindEvent struct {
	Text string `json:"text"`
}

func (remindEvent) EventName() string { return "test.remind" }

type failEvent struct{}

func (failEvent) EventName() string { return "test.fail" }

var errFailed = errors.New("failed")

func newReminderType(t *testing.T) *flow.Type[reminderState] {
	ft, err := flow.NewType("reminder",
		func(core.FlowID) (reminderState, error) {
			return reminderState{}, nil
		},
		func(ctx context.Context, f *flow.Instance[reminderState], e *flow.Envelope) (flow.Transition, error) {
			e.Consume()
			return f.Wait("Waiting").
				AddTimerEvent(20*time.Minute, "second").
				AddTimerEvent(10*time.Minute, "first"), nil
		},
	)
	require.NoError(t, err)

	require.NoError(t, ft.HandleStep("Waiting", func(ctx context.Context, f *flow.Instance[reminderState], e *flow.Envelope) (flow.Transition, error) {
		if flow.Is[failEvent](e) {
			return flow.Transition{}, errFailed
		}

		if r, ok := flow.As[remindEvent](e); ok {
			return f.Wait("Waiting").
				AddEventTo(core.NewFlowID("mailer", r.Text), f.Now(), r), nil
		}

		if _, ok := e.IsTimer(); ok {
			f.State.Fired = append(f.State.Fired, f.Now())
			if len(f.State.Fired) == 2 {
				return f.Wait("Waiting").AddEvent(f.Now().Add(time.Hour), remindEvent{Text: "done"}), nil
			}

			return f.Wait("Waiting"), nil
		}

		return f.Wait("Waiting", flow.WithoutStore()), nil
	}))

	return ft
}

func Test_FlowTester_Start(t *testing.T) {
	ctx := context.Background()

	ft, err := NewFlowTester(newReminderType(t))
	require.NoError(t, err)
	require.Equal(t, core.NewFlowID("reminder", "test"), ft.ID())

	require.NoError(t, ft.Start(ctx))

	step, err := ft.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, "Waiting", step)

	pending, err := ft.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), pending)

	require.Len(t, ft.Transitions(), 1)
}

func Test_FlowTester_AdvanceFiresTimersInOrder(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

	ft, err := NewFlowTester(newReminderType(t), WithStartTime(start), WithArgs("r1"))
	require.NoError(t, err)
	require.NoError(t, RegisterEvent[remindEvent](ft))

	require.NoError(t, ft.Start(ctx))

	require.NoError(t, ft.Advance(ctx, 5*time.Minute))
	s, err := ft.State(ctx)
	require.NoError(t, err)
	require.Empty(t, s.Fired)

	require.NoError(t, ft.Advance(ctx, 30*time.Minute))
	s, err = ft.State(ctx)
	require.NoError(t, err)
	require.Equal(t, []time.Time{
		start.Add(10 * time.Minute),
		start.Add(20 * time.Minute),
	}, utc(s.Fired))
	require.Equal(t, start.Add(35*time.Minute), ft.Now())

	require.Empty(t, ft.SentEvents())

	// Self-scheduled reminder is due an hour after the second timer
	require.NoError(t, ft.Advance(ctx, time.Hour))

	sent := ft.SentEvents()
	require.Len(t, sent, 1)
	require.Equal(t, core.NewFlowID("mailer", "done"), sent[0].Target)
	require.Equal(t, remindEvent{}.EventName(), sent[0].Name)

	pending, err := ft.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), pending)
}

func Test_FlowTester_SendError(t *testing.T) {
	ctx := context.Background()

	ft, err := NewFlowTester(newReminderType(t))
	require.NoError(t, err)
	require.NoError(t, ft.Start(ctx))

	err = ft.Send(ctx, failEvent{})
	require.ErrorIs(t, err, errFailed)

	// Failed deliveries do not change the persisted instance
	f, err := ft.Instance(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), f.Version())
}

func Test_FlowTester_Kill(t *testing.T) {
	ctx := context.Background()

	ft, err := NewFlowTester(newReminderType(t))
	require.NoError(t, err)
	require.NoError(t, ft.Start(ctx))
	require.False(t, ft.Ended(ctx))

	require.NoError(t, ft.Send(ctx, core.KillEvent{}))
	require.True(t, ft.Ended(ctx))

	// Timers still land on the ended instance without effect
	require.NoError(t, ft.Advance(ctx, time.Hour))
	require.True(t, ft.Ended(ctx))
}

func utc(ts []time.Time) []time.Time {
	r := make([]time.Time, len(ts))
	for i, t := range ts {
		r[i] = t.UTC()
	}

	return r
}
