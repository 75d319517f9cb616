package diag

import (
	"encoding/json"
	"time"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/core"
)

type FlowInstanceInfo struct {
	Type    string `json:"type"`
	Args    string `json:"args"`
	Version int64  `json:"version"`
	Step    string `json:"step"`

	// State is the encoded business state, included as is.
	State json.RawMessage `json:"state,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Stats struct {
	ActiveFlowInstances int64 `json:"active_flow_instances"`
	PendingEvents       int64 `json:"pending_events"`
}

func newFlowInstanceInfo(r *core.FlowRecord) *FlowInstanceInfo {
	info := &FlowInstanceInfo{
		Type:      r.ID.Type,
		Args:      r.ID.Args,
		Version:   r.Version,
		Step:      r.Step,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}

	if json.Valid(r.State) {
		info.State = r.State
	}

	return info
}

func newStats(s *backend.Stats) *Stats {
	return &Stats{
		ActiveFlowInstances: s.ActiveFlowInstances,
		PendingEvents:       s.PendingEvents,
	}
}
