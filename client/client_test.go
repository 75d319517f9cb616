package client

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/memory"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/flow"
	im "github.com/cschleiden/go-flows/internal/metrics"
	"github.com/cschleiden/go-flows/registry"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type orderState struct {
	Items int `json:"items"`
}

type addItemEvent struct{}

func (addItemEvent) EventName() string { return "test.add_item" }

func newRegistry(t *testing.T) *registry.Registry {
	ft, err := flow.NewType("order",
		func(core.FlowID) (orderState, error) {
			return orderState{}, nil
		},
		func(ctx context.Context, f *flow.Instance[orderState], e *flow.Envelope) (flow.Transition, error) {
			e.Consume()
			return f.Wait("Open"), nil
		},
	)
	require.NoError(t, err)

	r := registry.New()
	require.NoError(t, r.RegisterFlow(ft))
	require.NoError(t, registry.RegisterEvent[addItemEvent](r))

	return r
}

func newClient(t *testing.T) (*Client, backend.Backend, *clock.Mock) {
	c := clock.NewMock()
	b := memory.NewMemoryBackend(backend.WithClock(c))

	return New(b, newRegistry(t)), b, c
}

func newMockBackend() *backend.MockBackend {
	options := backend.ApplyOptions()

	b := &backend.MockBackend{}
	b.On("Tracer").Return(noop.NewTracerProvider().Tracer("test")).Maybe()
	b.On("Logger").Return(slog.Default()).Maybe()
	b.On("Metrics").Return(im.NewNoopMetricsClient()).Maybe()
	b.On("Options").Return(&options).Maybe()

	return b
}

func Test_Client_GetOrStartFlow(t *testing.T) {
	c, b, _ := newClient(t)
	ctx := context.Background()
	id := core.NewFlowID("order", "o1")

	r, err := c.GetOrStartFlow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(0), r.Version)
	require.Equal(t, "", r.Step)

	// Second call does not enqueue another Start event
	_, err = c.GetOrStartFlow(ctx, id)
	require.NoError(t, err)

	task, err := b.GetEventTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, core.StartEventName, task.Event.Name)
	require.NoError(t, b.CompleteEventTask(ctx, task))

	stats, err := b.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.PendingEvents)
}

func Test_Client_GetOrStartFlow_UnknownType(t *testing.T) {
	c, _, _ := newClient(t)

	_, err := c.GetOrStartFlow(context.Background(), core.NewFlowID("unknown", "o1"))

	var notFound *registry.ErrFlowNotFound
	require.ErrorAs(t, err, &notFound)
}

func Test_Client_GetFlowState(t *testing.T) {
	c, b, _ := newClient(t)
	ctx := context.Background()
	id := core.NewFlowID("order", "o1")

	require.NoError(t, b.CreateFlowInstance(ctx, id))
	_, err := b.CommitFlowInstance(ctx, &core.Commit{ID: id, Step: "Open", State: []byte(`{"items":2}`)})
	require.NoError(t, err)

	s, err := GetFlowState[orderState](ctx, c, id)
	require.NoError(t, err)
	require.Equal(t, 2, s.Items)

	_, err = GetFlowState[int](ctx, c, id)
	require.Error(t, err)

	_, err = GetFlowState[orderState](ctx, c, core.NewFlowID("order", "missing"))
	require.ErrorIs(t, err, backend.ErrInstanceNotFound)
}

func Test_Client_SignalFlow(t *testing.T) {
	c, b, mc := newClient(t)
	ctx := context.Background()
	id := core.NewFlowID("order", "o1")

	err := c.SignalFlow(ctx, id, addItemEvent{})
	require.ErrorIs(t, err, backend.ErrInstanceNotFound)

	require.NoError(t, b.CreateFlowInstance(ctx, id))
	require.NoError(t, c.SignalFlowAt(ctx, id, mc.Now().Add(time.Minute), core.KillEvent{}))
	require.NoError(t, c.SignalFlow(ctx, id, addItemEvent{}))

	task, err := b.GetEventTask(ctx)
	require.NoError(t, err)
	require.Equal(t, "test.add_item", task.Event.Name)
	require.NoError(t, b.CompleteEventTask(ctx, task))

	task, err = b.GetEventTask(ctx)
	require.NoError(t, err)
	require.Nil(t, task)

	mc.Add(time.Minute)

	task, err = b.GetEventTask(ctx)
	require.NoError(t, err)
	require.Equal(t, core.KillEventName, task.Event.Name)
}

func Test_Client_KillAndResetFlow(t *testing.T) {
	c, b, _ := newClient(t)
	ctx := context.Background()
	id := core.NewFlowID("order", "o1")
	require.NoError(t, b.CreateFlowInstance(ctx, id))

	require.NoError(t, c.KillFlow(ctx, id))
	require.NoError(t, c.ResetFlow(ctx, id))

	stats, err := b.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.PendingEvents)
}

func Test_Client_RemoveFlow(t *testing.T) {
	c, b, _ := newClient(t)
	ctx := context.Background()
	id := core.NewFlowID("order", "o1")
	require.NoError(t, b.CreateFlowInstance(ctx, id))

	err := c.RemoveFlow(ctx, id)
	require.ErrorIs(t, err, backend.ErrInstanceNotEnded)

	_, err = b.CommitFlowInstance(ctx, &core.Commit{ID: id, Step: flow.StepOnEnded})
	require.NoError(t, err)

	require.NoError(t, c.RemoveFlow(ctx, id))

	_, err = c.GetFlow(ctx, id)
	require.ErrorIs(t, err, backend.ErrInstanceNotFound)
}

func Test_Client_RemoveFlow_StaleVersion(t *testing.T) {
	id := core.NewFlowID("order", "o1")

	b := newMockBackend()
	b.On("GetFlowInstance", mock.Anything, id).Return(&core.FlowRecord{ID: id, Version: 4, Step: flow.StepOnEnded}, nil)
	b.On("RemoveFlowInstance", mock.Anything, id, int64(4)).Return(backend.ErrStaleVersion)

	c := New(b, newRegistry(t))

	err := c.RemoveFlow(context.Background(), id)
	require.ErrorIs(t, err, backend.ErrStaleVersion)
	b.AssertExpectations(t)
}

func Test_Client_WaitForStep(t *testing.T) {
	id := core.NewFlowID("order", "o1")

	t.Run("Timeout", func(t *testing.T) {
		b := newMockBackend()
		b.On("GetFlowInstance", mock.Anything, id).Return(&core.FlowRecord{ID: id, Step: "Open"}, nil)

		c := New(b, newRegistry(t))

		err := c.WaitForStep(context.Background(), id, flow.StepOnEnded, time.Microsecond)
		require.ErrorIs(t, err, ErrStepTimeout)
	})

	t.Run("ReachesStep", func(t *testing.T) {
		b := newMockBackend()
		b.On("GetFlowInstance", mock.Anything, id).Return(&core.FlowRecord{ID: id, Step: "Open"}, nil).Once()
		b.On("GetFlowInstance", mock.Anything, id).Return(&core.FlowRecord{ID: id, Step: flow.StepOnEnded}, nil)

		c := New(b, newRegistry(t))

		require.NoError(t, c.WaitForStep(context.Background(), id, flow.StepOnEnded, time.Second))
	})

	t.Run("Canceled", func(t *testing.T) {
		b := newMockBackend()
		b.On("GetFlowInstance", mock.Anything, id).Return(&core.FlowRecord{ID: id, Step: "Open"}, nil).Maybe()

		c := New(b, newRegistry(t))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := c.WaitForStep(ctx, id, flow.StepOnEnded, time.Second)
		require.ErrorIs(t, err, context.Canceled)
	})
}
