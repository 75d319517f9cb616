package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/memory"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/core/task"
	"github.com/cschleiden/go-flows/flow"
	"github.com/cschleiden/go-flows/host"
	"github.com/cschleiden/go-flows/registry"
	"github.com/stretchr/testify/require"
)

type noteState struct {
	Notes []string `json:"notes"`
}

type noteEvent struct {
	Text string `json:"text"`
}

func (noteEvent) EventName() string { return "test.note" }

var errRejected = errors.New("rejected")

func newEventWorker(t *testing.T) (*eventWorker, *host.Host, backend.Backend) {
	ft, err := flow.NewType("notes",
		func(core.FlowID) (noteState, error) {
			return noteState{}, nil
		},
		func(ctx context.Context, f *flow.Instance[noteState], e *flow.Envelope) (flow.Transition, error) {
			e.Consume()
			return f.Wait("Taking"), nil
		},
	)
	require.NoError(t, err)
	require.NoError(t, ft.HandleStep("Taking", func(ctx context.Context, f *flow.Instance[noteState], e *flow.Envelope) (flow.Transition, error) {
		n, ok := flow.As[noteEvent](e)
		if !ok {
			return f.Wait("Taking", flow.WithoutStore()), nil
		}

		if n.Text == "reject" {
			return flow.Transition{}, errRejected
		}

		f.State.Notes = append(f.State.Notes, n.Text)

		return f.Wait("Taking"), nil
	}))

	r := registry.New()
	require.NoError(t, r.RegisterFlow(ft))
	require.NoError(t, registry.RegisterEvent[noteEvent](r))

	b := memory.NewMemoryBackend(backend.WithClock(clock.NewMock()))
	h := host.New(b, r)

	ew := &eventWorker{
		backend: b,
		host:    h,
		options: &EventWorkerOptions{StaleVersionRetries: 3, StaleVersionBackoff: time.Millisecond},
		logger:  b.Logger(),
		metrics: b.Metrics(),
	}

	return ew, h, b
}

func newTask(t *testing.T, b backend.Backend, target core.FlowID, e core.Event) *task.Event {
	se, err := host.NewScheduledEvent(context.Background(), b.Options().Converter, target, b.Options().Clock.Now(), e)
	require.NoError(t, err)

	return &task.Event{ID: se.ID, Event: se}
}

func startNotes(t *testing.T, h *host.Host, id core.FlowID) {
	_, err := h.GetOrStart(context.Background(), id)
	require.NoError(t, err)
}

func Test_EventWorker_DeliversEvent(t *testing.T) {
	ew, h, _ := newEventWorker(t)
	ctx := context.Background()
	id := core.NewFlowID("notes", "a")
	startNotes(t, h, id)

	res, err := ew.Execute(ctx, newTask(t, ew.backend, id, noteEvent{Text: "hello"}))
	require.NoError(t, err)
	require.NotNil(t, res)

	f, err := h.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"hello"}, f.(*flow.Instance[noteState]).State.Notes)
}

func Test_EventWorker_DropsUndecodableEvent(t *testing.T) {
	ew, h, _ := newEventWorker(t)
	id := core.NewFlowID("notes", "a")
	startNotes(t, h, id)

	tk := newTask(t, ew.backend, id, noteEvent{Text: "hello"})
	tk.Event.Name = "test.unknown"

	res, err := ew.Execute(context.Background(), tk)
	require.NoError(t, err)
	require.NotNil(t, res)
}

func Test_EventWorker_DropsEventForUnknownInstance(t *testing.T) {
	ew, _, _ := newEventWorker(t)

	res, err := ew.Execute(context.Background(), newTask(t, ew.backend, core.NewFlowID("notes", "missing"), noteEvent{Text: "hello"}))
	require.NoError(t, err)
	require.NotNil(t, res)
}

func Test_EventWorker_HandlerErrorLeavesTask(t *testing.T) {
	ew, h, _ := newEventWorker(t)
	id := core.NewFlowID("notes", "a")
	startNotes(t, h, id)

	_, err := ew.Execute(context.Background(), newTask(t, ew.backend, id, noteEvent{Text: "reject"}))
	require.ErrorIs(t, err, errRejected)
}

func Test_EventWorker_RetriesStaleVersion(t *testing.T) {
	ew, h, b := newEventWorker(t)
	ctx := context.Background()
	id := core.NewFlowID("notes", "a")
	startNotes(t, h, id)

	// Cache the instance, then let another process commit it
	_, err := h.Deliver(ctx, id, noteEvent{Text: "first"})
	require.NoError(t, err)

	_, err = b.CommitFlowInstance(ctx, &core.Commit{
		ID:              id,
		ExpectedVersion: 2,
		Step:            "Taking",
		State:           []byte(`{"notes":["first","elsewhere"]}`),
	})
	require.NoError(t, err)

	_, err = ew.Execute(ctx, newTask(t, b, id, noteEvent{Text: "second"}))
	require.NoError(t, err)

	f, err := h.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"first", "elsewhere", "second"}, f.(*flow.Instance[noteState]).State.Notes)
	require.Equal(t, int64(4), f.Version())
}

func Test_EventWorker_CompleteRemovesEvent(t *testing.T) {
	ew, h, b := newEventWorker(t)
	ctx := context.Background()
	id := core.NewFlowID("notes", "a")
	startNotes(t, h, id)

	se, err := host.NewScheduledEvent(ctx, b.Options().Converter, id, b.Options().Clock.Now(), noteEvent{Text: "hello"})
	require.NoError(t, err)
	require.NoError(t, b.SignalFlowInstance(ctx, se))

	tk, err := ew.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, tk)

	res, err := ew.Execute(ctx, tk)
	require.NoError(t, err)
	require.NoError(t, ew.Complete(ctx, res, tk))

	stats, err := b.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.PendingEvents)
}
