package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cschleiden/go-flows/backend/memory"
	"github.com/cschleiden/go-flows/core"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, mux *http.ServeMux, url string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	return rec
}

func Test_Diag_Stats(t *testing.T) {
	ctx := context.Background()
	b := memory.NewMemoryBackend()

	require.NoError(t, b.CreateFlowInstance(ctx, core.NewFlowID("order", "1")))

	rec := get(t, NewServeMux(b), "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var s Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	require.Equal(t, int64(1), s.ActiveFlowInstances)
}

func Test_Diag_FlowInstance(t *testing.T) {
	ctx := context.Background()
	b := memory.NewMemoryBackend()
	id := core.NewFlowID("order", "eu/1")

	require.NoError(t, b.CreateFlowInstance(ctx, id))
	_, err := b.CommitFlowInstance(ctx, &core.Commit{ID: id, Step: "Open", State: []byte(`{"items":3}`)})
	require.NoError(t, err)

	mux := NewServeMux(b)

	rec := get(t, mux, "/api/flows/order/eu/1")
	require.Equal(t, http.StatusOK, rec.Code)

	var info FlowInstanceInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	require.Equal(t, "order", info.Type)
	require.Equal(t, "eu/1", info.Args)
	require.Equal(t, "Open", info.Step)
	require.Equal(t, int64(1), info.Version)
	require.JSONEq(t, `{"items":3}`, string(info.State))

	rec = get(t, mux, "/api/flows/order/2")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stats", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
