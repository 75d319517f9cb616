// Package diag serves a read-only JSON API to inspect flow instances of a backend.
package diag

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/core"
)

// NewServeMux returns an *http.ServeMux that serves the diagnostics API at /api.
//
//	GET /api/stats                returns the backend stats
//	GET /api/flows/{type}/{args}  returns the persisted flow instance
func NewServeMux(b backend.Backend) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := b.GetStats(r.Context())
		if err != nil {
			b.Logger().ErrorContext(r.Context(), "getting stats", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, newStats(stats))
	})

	mux.HandleFunc("GET /api/flows/{type}/{args...}", func(w http.ResponseWriter, r *http.Request) {
		id := core.NewFlowID(r.PathValue("type"), r.PathValue("args"))

		instance, err := b.GetFlowInstance(r.Context(), id)
		if err != nil {
			if errors.Is(err, backend.ErrInstanceNotFound) {
				w.WriteHeader(http.StatusNotFound)
				return
			}

			b.Logger().ErrorContext(r.Context(), "getting flow instance", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, newFlowInstanceInfo(instance))
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}
