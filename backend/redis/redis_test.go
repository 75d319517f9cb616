package redis

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/test"
	"github.com/cschleiden/go-flows/core"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	address  = "localhost:6379"
	user     = ""
	password = "RedisPassw0rd"
)

func Test_RedisBackend(t *testing.T) {
	test.BackendTest(t, getCreateBackend(t), closeBackend)
}

func Test_EndToEndRedisBackend(t *testing.T) {
	test.EndToEndBackendTest(t, getCreateBackend(t), closeBackend)
}

func getClient() redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{address},
		Username: user,
		Password: password,
		DB:       0,
	})
}

func getCreateBackend(t *testing.T) func(options ...backend.BackendOption) backend.Backend {
	if testing.Short() || os.Getenv("FLOWS_REDIS_TESTS") == "" {
		t.Skip("set FLOWS_REDIS_TESTS to run against a local Redis server")
	}

	return func(options ...backend.BackendOption) backend.Backend {
		client := getClient()

		// Flush database
		if err := client.FlushDB(context.Background()).Err(); err != nil {
			panic(err)
		}

		r, err := client.Keys(context.Background(), "*").Result()
		if err != nil {
			panic(err)
		}

		if len(r) > 0 {
			panic("Keys should've been empty" + strings.Join(r, ", "))
		}

		b, err := NewRedisBackend(client, WithKeyPrefix("flows"), WithBackendOptions(options...))
		if err != nil {
			panic(err)
		}

		return b
	}
}

func closeBackend(b backend.Backend) {
	if err := b.Close(); err != nil {
		panic(err)
	}
}

func Test_parseEvent(t *testing.T) {
	e, err := parseEvent([]string{
		"id", "e1",
		"member", eventMember(1, "e1"),
		"flow_key", "counter/f0:3",
		"flow_type", "counter",
		"flow_args", "f0:3",
		"visible_at", "1700000000000",
		"name", "counter.increment",
		"payload", `{"by":1}`,
		"metadata", `{"traceparent":"00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"}`,
		"worker", "worker-1",
		"locked_until", "1700000060000",
	})
	require.NoError(t, err)
	require.Equal(t, "e1", e.ID)
	require.Equal(t, core.NewFlowID("counter", "f0:3"), e.Target)
	require.Equal(t, int64(1700000000000), e.VisibleAt.UnixMilli())
	require.Equal(t, "counter.increment", e.Name)
	require.Equal(t, []byte(`{"by":1}`), e.Payload)
	require.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", e.Metadata["traceparent"])

	t.Run("WithoutPayloadAndMetadata", func(t *testing.T) {
		e, err := parseEvent([]string{
			"id", "e2",
			"flow_type", "counter",
			"flow_args", "",
			"visible_at", "1",
			"name", "flows.start",
			"payload", "",
		})
		require.NoError(t, err)
		require.Nil(t, e.Payload)
		require.Nil(t, e.Metadata)
	})

	t.Run("OddFieldCount", func(t *testing.T) {
		_, err := parseEvent([]string{"id"})
		require.Error(t, err)
	})

	t.Run("InvalidVisibility", func(t *testing.T) {
		_, err := parseEvent([]string{"id", "e3", "visible_at", "soon"})
		require.Error(t, err)
	})
}
