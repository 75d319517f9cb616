package flow

import (
	"context"
	"testing"

	"github.com/cschleiden/go-flows/core"
	"github.com/stretchr/testify/require"
)

func Test_Type_Registration(t *testing.T) {
	ft := newCounterType(t)

	err := ft.HandleStep("OnTimer", ignoreStep)
	require.ErrorIs(t, err, ErrStepExists)

	err = ft.HandleStep(StepOnEnded, ignoreStep)
	require.ErrorIs(t, err, ErrReservedStep)

	err = ft.HandleStep("", ignoreStep)
	require.ErrorIs(t, err, ErrInvalidStepName)

	err = ft.HandleStep("Other", nil)
	require.Error(t, err)

	ft.Seal()

	err = ft.HandleStep("Other", ignoreStep)
	require.ErrorIs(t, err, ErrTypeSealed)
}

func Test_Type_SealedByFirstInstance(t *testing.T) {
	ft := newCounterType(t)

	_, err := ft.NewInstance(core.NewFlowID("counter", "f0:1"), newTestBinding())
	require.NoError(t, err)

	err = ft.HandleKill(ignoreStep)
	require.ErrorIs(t, err, ErrTypeSealed)
}

func Test_NewType_Validates(t *testing.T) {
	newState := func(core.FlowID) (int, error) { return 0, nil }
	onStart := func(ctx context.Context, f *Instance[int], e *Envelope) (Transition, error) {
		return f.Wait("x"), nil
	}

	_, err := NewType("", newState, onStart)
	require.Error(t, err)

	_, err = NewType[int]("t", nil, onStart)
	require.Error(t, err)

	_, err = NewType("t", newState, nil)
	require.Error(t, err)
}

func Test_Type_KillOverride(t *testing.T) {
	ft := newCounterType(t)
	require.NoError(t, ft.HandleKill(func(ctx context.Context, f *Instance[counterState], e *Envelope) (Transition, error) {
		return f.Wait("Dying"), nil
	}))

	f, err := ft.NewInstance(core.NewFlowID("counter", "f0:1"), newTestBinding())
	require.NoError(t, err)

	drive(t, f, core.StartEvent{})
	drive(t, f, core.KillEvent{})

	require.Equal(t, "Dying", f.Step())
}

func Test_Envelope(t *testing.T) {
	id := core.NewFlowID("ping", "1")

	e := newEnvelope(id, core.TimerEvent{Flow: id, Tag: "a"})
	require.Equal(t, id, e.Flow())
	require.False(t, e.Consumed())

	_, ok := As[pingEvent](e)
	require.False(t, ok)
	require.False(t, e.Consumed())

	require.False(t, e.IsTimerTagged("b"))
	require.False(t, e.Consumed())

	require.True(t, e.IsTimerTagged("a"))
	require.True(t, e.Consumed())

	e = newEnvelope(id, &pingEvent{Value: "v"})
	p, ok := As[pingEvent](e)
	require.True(t, ok)
	require.Equal(t, "v", p.Value)
	require.True(t, e.Consumed())
}

func Test_Transition_IsValue(t *testing.T) {
	b := newTestBinding()
	f, err := newCounterType(t).NewInstance(core.NewFlowID("counter", "f0:1"), b)
	require.NoError(t, err)

	base := f.Goto("A")
	require.False(t, base.EffectiveMustStore())

	withTimer := base.AddTimerEvent(0, "x")
	require.Empty(t, base.ScheduledEvents)
	require.Len(t, withTimer.ScheduledEvents, 1)
	require.True(t, withTimer.EffectiveMustStore())

	require.True(t, f.Goto(StepOnEnded).EffectiveMustStore())
	require.True(t, f.Goto("A", WithStore()).EffectiveMustStore())
	require.False(t, f.Wait("A", WithoutStore()).EffectiveMustStore())
}

func Test_Transition_StoresOnlyWhenEnteringOnEnded(t *testing.T) {
	b := newTestBinding()
	f, err := newCounterType(t).NewInstance(core.NewFlowID("counter", "f0:1"), b)
	require.NoError(t, err)

	ended := f.Goto(StepOnEnded)
	require.True(t, ended.mustStoreFrom(StepOnEnding))
	require.True(t, ended.mustStoreFrom("Counting"))
	require.False(t, ended.mustStoreFrom(StepOnEnded))

	require.True(t, f.Goto(StepOnEnded, WithStore()).mustStoreFrom(StepOnEnded))
	require.True(t, ended.AddTimerEvent(0, "x").mustStoreFrom(StepOnEnded))
	require.False(t, f.Goto("A").mustStoreFrom(StepOnEnded))
}
