package test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/client"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/flow"
	"github.com/cschleiden/go-flows/worker"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type orderState struct {
	Items int `json:"items"`
}

type addItemEvent struct {
	Count int `json:"count"`
}

func (addItemEvent) EventName() string { return "e2e.add_item" }

type closeOrderEvent struct{}

func (closeOrderEvent) EventName() string { return "e2e.close_order" }

// EndToEndBackendTest runs flows through a worker and a client on top of the given backend.
func EndToEndBackendTest(t *testing.T, setup func(options ...backend.BackendOption) backend.Backend, teardown func(b backend.Backend)) {
	tests := []struct {
		name    string
		options func(o *worker.Options)
		f       func(t *testing.T, ctx context.Context, c *client.Client, w *worker.Worker)
	}{
		{
			name: "SimpleFlow",
			f: func(t *testing.T, ctx context.Context, c *client.Client, w *worker.Worker) {
				register(t, ctx, w, newOrderType(t))

				id := core.NewFlowID("order", uuid.NewString())
				startFlow(t, ctx, c, id, "Open")

				require.NoError(t, c.SignalFlow(ctx, id, addItemEvent{Count: 1}))
				require.NoError(t, c.SignalFlow(ctx, id, addItemEvent{Count: 2}))
				require.NoError(t, c.SignalFlow(ctx, id, closeOrderEvent{}))

				require.NoError(t, c.WaitForStep(ctx, id, flow.StepOnEnded, time.Second*10))

				s, err := client.GetFlowState[orderState](ctx, c, id)
				require.NoError(t, err)
				require.Equal(t, 3, s.Items)
			},
		},
		{
			name: "GetOrStartFlow_Idempotent",
			f: func(t *testing.T, ctx context.Context, c *client.Client, w *worker.Worker) {
				register(t, ctx, w, newOrderType(t))

				id := core.NewFlowID("order", uuid.NewString())
				startFlow(t, ctx, c, id, "Open")

				r, err := c.GetOrStartFlow(ctx, id)
				require.NoError(t, err)
				require.Equal(t, "Open", r.Step)
				require.Equal(t, int64(1), r.Version)
			},
		},
		{
			name: "Timer",
			f: func(t *testing.T, ctx context.Context, c *client.Client, w *worker.Worker) {
				ft, err := flow.NewType("reminder",
					func(core.FlowID) (orderState, error) {
						return orderState{}, nil
					},
					func(ctx context.Context, f *flow.Instance[orderState], e *flow.Envelope) (flow.Transition, error) {
						e.Consume()
						return f.Wait("Waiting").AddTimerEvent(time.Millisecond*100, "expire"), nil
					},
				)
				require.NoError(t, err)
				require.NoError(t, ft.HandleStep("Waiting", func(ctx context.Context, f *flow.Instance[orderState], e *flow.Envelope) (flow.Transition, error) {
					if !e.IsTimerTagged("expire") {
						return f.Wait("Waiting", flow.WithoutStore()), nil
					}

					return f.GotoEnding(), nil
				}))
				register(t, ctx, w, ft)

				id := core.NewFlowID("reminder", uuid.NewString())
				startFlow(t, ctx, c, id, "Waiting")

				require.NoError(t, c.WaitForStep(ctx, id, flow.StepOnEnded, time.Second*10))
			},
		},
		{
			name: "EventToOtherFlow",
			f: func(t *testing.T, ctx context.Context, c *client.Client, w *worker.Worker) {
				target := core.NewFlowID("order", uuid.NewString())

				ft, err := flow.NewType("customer",
					func(core.FlowID) (orderState, error) {
						return orderState{}, nil
					},
					func(ctx context.Context, f *flow.Instance[orderState], e *flow.Envelope) (flow.Transition, error) {
						e.Consume()
						return f.Wait("Done").
							AddEventTo(target, f.Now(), addItemEvent{Count: 5}).
							AddEventTo(target, f.Now(), closeOrderEvent{}), nil
					},
				)
				require.NoError(t, err)
				register(t, ctx, w, newOrderType(t), ft)

				startFlow(t, ctx, c, target, "Open")

				_, err = c.GetOrStartFlow(ctx, core.NewFlowID("customer", uuid.NewString()))
				require.NoError(t, err)

				require.NoError(t, c.WaitForStep(ctx, target, flow.StepOnEnded, time.Second*10))

				s, err := client.GetFlowState[orderState](ctx, c, target)
				require.NoError(t, err)
				require.Equal(t, 5, s.Items)
			},
		},
		{
			name: "KillFlow",
			f: func(t *testing.T, ctx context.Context, c *client.Client, w *worker.Worker) {
				register(t, ctx, w, newOrderType(t))

				id := core.NewFlowID("order", uuid.NewString())
				startFlow(t, ctx, c, id, "Open")

				require.NoError(t, c.KillFlow(ctx, id))
				require.NoError(t, c.WaitForStep(ctx, id, flow.StepOnEnded, time.Second*10))

				require.NoError(t, c.RemoveFlow(ctx, id))

				_, err := c.GetFlow(ctx, id)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
		{
			name: "ResetFlow",
			f: func(t *testing.T, ctx context.Context, c *client.Client, w *worker.Worker) {
				register(t, ctx, w, newOrderType(t))

				id := core.NewFlowID("order", uuid.NewString())
				startFlow(t, ctx, c, id, "Open")

				require.NoError(t, c.SignalFlow(ctx, id, addItemEvent{Count: 2}))
				require.Eventually(t, func() bool {
					s, err := client.GetFlowState[orderState](ctx, c, id)
					return err == nil && s.Items == 2
				}, time.Second*10, time.Millisecond*10)

				require.NoError(t, c.ResetFlow(ctx, id))
				require.Eventually(t, func() bool {
					r, err := c.GetFlow(ctx, id)
					return err == nil && r.Version >= 3
				}, time.Second*10, time.Millisecond*10)

				s, err := client.GetFlowState[orderState](ctx, c, id)
				require.NoError(t, err)
				require.Equal(t, 0, s.Items)
			},
		},
		{
			name: "RemoveEndedFlows",
			options: func(o *worker.Options) {
				o.RemoveEndedFlows = true
			},
			f: func(t *testing.T, ctx context.Context, c *client.Client, w *worker.Worker) {
				register(t, ctx, w, newOrderType(t))

				id := core.NewFlowID("order", uuid.NewString())
				startFlow(t, ctx, c, id, "Open")

				require.NoError(t, c.SignalFlow(ctx, id, closeOrderEvent{}))

				require.Eventually(t, func() bool {
					_, err := c.GetFlow(ctx, id)
					return errors.Is(err, backend.ErrInstanceNotFound)
				}, time.Second*10, time.Millisecond*10)
			},
		},
		{
			name: "SignalUnknownFlow",
			f: func(t *testing.T, ctx context.Context, c *client.Client, w *worker.Worker) {
				register(t, ctx, w, newOrderType(t))

				err := c.SignalFlow(ctx, core.NewFlowID("order", uuid.NewString()), closeOrderEvent{})
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup()
			ctx := context.Background()
			ctx, cancel := context.WithCancel(ctx)

			options := worker.DefaultOptions
			options.PollingInterval = time.Millisecond * 10
			if tt.options != nil {
				tt.options(&options)
			}

			w := worker.New(b, &options)
			c := client.New(b, w.Registry())

			tt.f(t, ctx, c, w)

			cancel()
			if err := w.WaitForCompletion(); err != nil {
				fmt.Println("Worker did not stop in time")
				t.FailNow()
			}

			if teardown != nil {
				teardown(b)
			}
		})
	}
}

func newOrderType(t *testing.T) *flow.Type[orderState] {
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

	require.NoError(t, ft.HandleStep("Open", func(ctx context.Context, f *flow.Instance[orderState], e *flow.Envelope) (flow.Transition, error) {
		if flow.Is[closeOrderEvent](e) {
			e.Consume()
			return f.GotoEnding(), nil
		}

		add, ok := flow.As[addItemEvent](e)
		if !ok {
			return f.Wait("Open", flow.WithoutStore()), nil
		}

		f.State.Items += add.Count

		return f.Wait("Open"), nil
	}))

	return ft
}

func register(t *testing.T, ctx context.Context, w *worker.Worker, flows ...flow.Factory) {
	for _, f := range flows {
		require.NoError(t, w.RegisterFlow(f))
	}

	require.NoError(t, worker.RegisterEvent[addItemEvent](w))
	require.NoError(t, worker.RegisterEvent[closeOrderEvent](w))

	err := w.Start(ctx)
	require.NoError(t, err)
}

func startFlow(t *testing.T, ctx context.Context, c *client.Client, id core.FlowID, step string) {
	_, err := c.GetOrStartFlow(ctx, id)
	require.NoError(t, err)

	require.NoError(t, c.WaitForStep(ctx, id, step, time.Second*10))
}
