package test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const lockTimeout = time.Minute

// BackendTest runs the store contract against a backend. setup has to return a fresh, empty backend
// configured with the given options.
func BackendTest(t *testing.T, setup func(options ...backend.BackendOption) backend.Backend, teardown func(b backend.Backend)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock)
	}{
		{
			name: "GetEventTask_ReturnsNilWhenEmpty",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				task, err := b.GetEventTask(ctx)
				require.NoError(t, err)
				require.Nil(t, task)
			},
		},
		{
			name: "CreateFlowInstance_StartsAtVersionZero",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				id := newFlowID()

				require.NoError(t, b.CreateFlowInstance(ctx, id))

				r, err := b.GetFlowInstance(ctx, id)
				require.NoError(t, err)
				require.Equal(t, id, r.ID)
				require.Equal(t, int64(0), r.Version)
				require.Equal(t, "", r.Step)
				require.Empty(t, r.State)
				require.Equal(t, c.Now().UnixMilli(), r.CreatedAt.UnixMilli())
			},
		},
		{
			name: "CreateFlowInstance_SameIDErrors",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				id := newFlowID()

				require.NoError(t, b.CreateFlowInstance(ctx, id))

				err := b.CreateFlowInstance(ctx, id, newEvent(id, c.Now()))
				require.ErrorIs(t, err, backend.ErrInstanceAlreadyExists)

				stats, err := b.GetStats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(0), stats.PendingEvents)
			},
		},
		{
			name: "CreateFlowInstance_SchedulesEvents",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				id := newFlowID()
				e := newEvent(id, c.Now())

				require.NoError(t, b.CreateFlowInstance(ctx, id, e))

				task, err := b.GetEventTask(ctx)
				require.NoError(t, err)
				require.NotNil(t, task)
				require.Equal(t, e.ID, task.ID)
				require.Equal(t, id, task.Event.Target)
				require.Equal(t, e.Name, task.Event.Name)
				require.Equal(t, e.Payload, task.Event.Payload)
				require.Equal(t, e.Metadata, task.Event.Metadata)
				require.Equal(t, e.VisibleAt.UnixMilli(), task.Event.VisibleAt.UnixMilli())
			},
		},
		{
			name: "GetFlowInstance_NotFound",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, err := b.GetFlowInstance(ctx, newFlowID())
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
		{
			name: "CommitFlowInstance_IncrementsVersion",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				id := newFlowID()
				require.NoError(t, b.CreateFlowInstance(ctx, id))

				for i := int64(0); i < 3; i++ {
					v, err := b.CommitFlowInstance(ctx, &core.Commit{
						ID:              id,
						ExpectedVersion: i,
						Step:            "Step",
						State:           []byte(`{"n":1}`),
					})
					require.NoError(t, err)
					require.Equal(t, i+1, v)
				}

				r, err := b.GetFlowInstance(ctx, id)
				require.NoError(t, err)
				require.Equal(t, int64(3), r.Version)
				require.Equal(t, "Step", r.Step)
				require.Equal(t, []byte(`{"n":1}`), r.State)
			},
		},
		{
			name: "CommitFlowInstance_StaleVersionRejected",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				id := newFlowID()
				require.NoError(t, b.CreateFlowInstance(ctx, id))

				for i := int64(0); i < 6; i++ {
					_, err := b.CommitFlowInstance(ctx, &core.Commit{ID: id, ExpectedVersion: i, Step: "Current"})
					require.NoError(t, err)
				}

				_, err := b.CommitFlowInstance(ctx, &core.Commit{
					ID:              id,
					ExpectedVersion: 5,
					Step:            "Stale",
					Events:          []*core.ScheduledEvent{newEvent(id, c.Now())},
				})
				require.ErrorIs(t, err, backend.ErrStaleVersion)

				r, err := b.GetFlowInstance(ctx, id)
				require.NoError(t, err)
				require.Equal(t, int64(6), r.Version)
				require.Equal(t, "Current", r.Step)

				stats, err := b.GetStats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(0), stats.PendingEvents)
			},
		},
		{
			name: "CommitFlowInstance_NotFound",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				_, err := b.CommitFlowInstance(ctx, &core.Commit{ID: newFlowID(), ExpectedVersion: 0})
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
		{
			name: "CommitFlowInstance_SchedulesEventsForOtherFlows",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				id := newFlowID()
				other := newFlowID()
				require.NoError(t, b.CreateFlowInstance(ctx, id))

				_, err := b.CommitFlowInstance(ctx, &core.Commit{
					ID:              id,
					ExpectedVersion: 0,
					Step:            "Step",
					Events:          []*core.ScheduledEvent{newEvent(other, c.Now())},
				})
				require.NoError(t, err)

				task, err := b.GetEventTask(ctx)
				require.NoError(t, err)
				require.NotNil(t, task)
				require.Equal(t, other, task.Event.Target)
			},
		},
		{
			name: "GetEventTask_RespectsVisibility",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				id := newFlowID()
				e := newEvent(id, c.Now().Add(time.Minute))
				require.NoError(t, b.CreateFlowInstance(ctx, id, e))

				task, err := b.GetEventTask(ctx)
				require.NoError(t, err)
				require.Nil(t, task)

				c.Add(time.Minute)

				task, err = b.GetEventTask(ctx)
				require.NoError(t, err)
				require.NotNil(t, task)
				require.Equal(t, e.ID, task.ID)
			},
		},
		{
			name: "GetEventTask_OrdersByVisibilityThenSequence",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				id := newFlowID()
				now := c.Now()

				late := newEvent(id, now)
				first := newEvent(id, now.Add(-time.Second))
				second := newEvent(id, now.Add(-time.Second))
				require.NoError(t, b.CreateFlowInstance(ctx, id, late, first, second))

				for _, want := range []string{first.ID, second.ID, late.ID} {
					task, err := b.GetEventTask(ctx)
					require.NoError(t, err)
					require.NotNil(t, task)
					require.Equal(t, want, task.ID)

					require.NoError(t, b.CompleteEventTask(ctx, task))
				}
			},
		},
		{
			name: "GetEventTask_LeasesOneEventPerFlow",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				id := newFlowID()
				other := newFlowID()
				now := c.Now()

				require.NoError(t, b.CreateFlowInstance(ctx, id, newEvent(id, now), newEvent(id, now)))
				require.NoError(t, b.CreateFlowInstance(ctx, other, newEvent(other, now.Add(time.Millisecond))))

				c.Add(time.Millisecond)

				task, err := b.GetEventTask(ctx)
				require.NoError(t, err)
				require.NotNil(t, task)
				require.Equal(t, id, task.Event.Target)

				task2, err := b.GetEventTask(ctx)
				require.NoError(t, err)
				require.NotNil(t, task2)
				require.Equal(t, other, task2.Event.Target)

				task3, err := b.GetEventTask(ctx)
				require.NoError(t, err)
				require.Nil(t, task3)

				require.NoError(t, b.CompleteEventTask(ctx, task))

				task3, err = b.GetEventTask(ctx)
				require.NoError(t, err)
				require.NotNil(t, task3)
				require.Equal(t, id, task3.Event.Target)
				require.NotEqual(t, task.ID, task3.ID)
			},
		},
		{
			name: "GetEventTask_ExpiredLeaseIsRedelivered",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				id := newFlowID()
				require.NoError(t, b.CreateFlowInstance(ctx, id, newEvent(id, c.Now())))

				task, err := b.GetEventTask(ctx)
				require.NoError(t, err)
				require.NotNil(t, task)

				c.Add(lockTimeout + time.Second)

				task2, err := b.GetEventTask(ctx)
				require.NoError(t, err)
				require.NotNil(t, task2)
				require.Equal(t, task.ID, task2.ID)
			},
		},
		{
			name: "ExtendEventTask_ExtendsLease",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				id := newFlowID()
				require.NoError(t, b.CreateFlowInstance(ctx, id, newEvent(id, c.Now())))

				task, err := b.GetEventTask(ctx)
				require.NoError(t, err)
				require.NotNil(t, task)

				c.Add(lockTimeout / 2)
				require.NoError(t, b.ExtendEventTask(ctx, task))
				require.Equal(t, c.Now().Add(lockTimeout).UnixMilli(), task.LockedUntil.UnixMilli())

				c.Add(lockTimeout/2 + time.Second)

				task2, err := b.GetEventTask(ctx)
				require.NoError(t, err)
				require.Nil(t, task2)
			},
		},
		{
			name: "CompleteEventTask_RemovesEvent",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				id := newFlowID()
				require.NoError(t, b.CreateFlowInstance(ctx, id, newEvent(id, c.Now())))

				task, err := b.GetEventTask(ctx)
				require.NoError(t, err)
				require.NotNil(t, task)

				require.NoError(t, b.CompleteEventTask(ctx, task))
				require.NoError(t, b.CompleteEventTask(ctx, task))

				c.Add(lockTimeout + time.Second)

				task, err = b.GetEventTask(ctx)
				require.NoError(t, err)
				require.Nil(t, task)
			},
		},
		{
			name: "SignalFlowInstance_RequiresInstance",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				id := newFlowID()

				err := b.SignalFlowInstance(ctx, newEvent(id, c.Now()))
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)

				require.NoError(t, b.CreateFlowInstance(ctx, id))

				e := newEvent(id, c.Now())
				require.NoError(t, b.SignalFlowInstance(ctx, e))

				task, err := b.GetEventTask(ctx)
				require.NoError(t, err)
				require.NotNil(t, task)
				require.Equal(t, e.ID, task.ID)
			},
		},
		{
			name: "RemoveFlowInstance_RemovesPendingEvents",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				id := newFlowID()
				require.NoError(t, b.CreateFlowInstance(ctx, id, newEvent(id, c.Now()), newEvent(id, c.Now().Add(time.Hour))))

				err := b.RemoveFlowInstance(ctx, id, 3)
				require.ErrorIs(t, err, backend.ErrStaleVersion)

				require.NoError(t, b.RemoveFlowInstance(ctx, id, 0))

				_, err = b.GetFlowInstance(ctx, id)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)

				err = b.RemoveFlowInstance(ctx, id, 0)
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)

				stats, err := b.GetStats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(0), stats.PendingEvents)
				require.Equal(t, int64(0), stats.ActiveFlowInstances)
			},
		},
		{
			name: "GetStats_CountsFlowsAndEvents",
			f: func(t *testing.T, ctx context.Context, b backend.Backend, c *clock.Mock) {
				a := newFlowID()
				require.NoError(t, b.CreateFlowInstance(ctx, a, newEvent(a, c.Now()), newEvent(a, c.Now().Add(time.Hour))))
				require.NoError(t, b.CreateFlowInstance(ctx, newFlowID()))

				stats, err := b.GetStats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(2), stats.ActiveFlowInstances)
				require.Equal(t, int64(2), stats.PendingEvents)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := clock.NewMock()
			c.Set(time.Now().Truncate(time.Millisecond))

			b := setup(backend.WithClock(c), backend.WithEventLockTimeout(lockTimeout))
			ctx := context.Background()

			tt.f(t, ctx, b, c)

			if teardown != nil {
				teardown(b)
			}
		})
	}
}

func newFlowID() core.FlowID {
	return core.NewFlowID("test", uuid.NewString())
}

func newEvent(target core.FlowID, at time.Time) *core.ScheduledEvent {
	return &core.ScheduledEvent{
		ID:        uuid.NewString(),
		Target:    target,
		VisibleAt: at,
		Name:      "test.ping",
		Payload:   []byte(`{"v":1}`),
		Metadata:  map[string]string{"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"},
	}
}
