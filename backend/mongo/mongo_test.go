package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/test"
	"github.com/cschleiden/go-flows/core"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Transactions need a replica set, e.g. a single node started with --replSet rs0
const (
	uri      = "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"
	database = "flows_test"
)

func Test_MongoBackend(t *testing.T) {
	test.BackendTest(t, getCreateBackend(t), closeBackend)
}

func Test_EndToEndMongoBackend(t *testing.T) {
	test.EndToEndBackendTest(t, getCreateBackend(t), closeBackend)
}

func getCreateBackend(t *testing.T) func(options ...backend.BackendOption) backend.Backend {
	if testing.Short() || os.Getenv("FLOWS_MONGO_TESTS") == "" {
		t.Skip("set FLOWS_MONGO_TESTS to run against a local MongoDB replica set")
	}

	return func(opts ...backend.BackendOption) backend.Backend {
		dropDatabase()

		b, err := NewMongoBackend(uri, database, WithBackendOptions(opts...))
		if err != nil {
			panic(err)
		}

		return b
	}
}

func dropDatabase() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		panic(err)
	}
	defer client.Disconnect(ctx)

	if err := client.Database(database).Drop(ctx); err != nil {
		panic(err)
	}
}

func closeBackend(b backend.Backend) {
	if err := b.Close(); err != nil {
		panic(err)
	}
}

func Test_event(t *testing.T) {
	at := time.UnixMilli(1700000000000)

	e := newEvent(7, &core.ScheduledEvent{
		ID:        "e1",
		Target:    core.NewFlowID("counter", "f0:3"),
		VisibleAt: at,
		Name:      "counter.increment",
		Payload:   []byte(`{"by":1}`),
		Metadata:  map[string]string{"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"},
	})
	require.Equal(t, "e1", e.ID)
	require.Equal(t, int64(7), e.Seq)
	require.Equal(t, "counter/f0:3", e.FlowKey)
	require.Equal(t, at.UnixMilli(), e.VisibleAt)

	se := e.scheduledEvent()
	require.Equal(t, core.NewFlowID("counter", "f0:3"), se.Target)
	require.True(t, at.Equal(se.VisibleAt))
	require.Equal(t, []byte(`{"by":1}`), se.Payload)
	require.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", se.Metadata["traceparent"])

	t.Run("GeneratesID", func(t *testing.T) {
		e := newEvent(1, &core.ScheduledEvent{Target: core.NewFlowID("counter", ""), Name: "flows.start"})
		require.NotEmpty(t, e.ID)
		require.Nil(t, e.scheduledEvent().Payload)
	})
}

func Test_flowInstanceRecord(t *testing.T) {
	f := &flowInstance{
		Key:       "counter/f0:3",
		FlowType:  "counter",
		FlowArgs:  "f0:3",
		Version:   2,
		Step:      "Counting",
		State:     []byte(`{"count":2}`),
		CreatedAt: 1700000000000,
		UpdatedAt: 1700000005000,
	}

	r := f.record()
	require.Equal(t, core.NewFlowID("counter", "f0:3"), r.ID)
	require.Equal(t, int64(2), r.Version)
	require.Equal(t, "Counting", r.Step)
	require.Equal(t, int64(1700000005000), r.UpdatedAt.UnixMilli())
}
