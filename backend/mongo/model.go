package mongo

import (
	"time"

	"github.com/cschleiden/go-flows/core"
	"github.com/google/uuid"
)

type flowInstance struct {
	Key       string `bson:"_id"`
	FlowType  string `bson:"flow_type"`
	FlowArgs  string `bson:"flow_args"`
	Version   int64  `bson:"version"`
	Step      string `bson:"step"`
	State     []byte `bson:"state"`
	CreatedAt int64  `bson:"created_at"`
	UpdatedAt int64  `bson:"updated_at"`
}

func (f *flowInstance) record() *core.FlowRecord {
	return &core.FlowRecord{
		ID:        core.NewFlowID(f.FlowType, f.FlowArgs),
		Version:   f.Version,
		Step:      f.Step,
		State:     f.State,
		CreatedAt: time.UnixMilli(f.CreatedAt),
		UpdatedAt: time.UnixMilli(f.UpdatedAt),
	}
}

type event struct {
	ID        string            `bson:"_id"`
	Seq       int64             `bson:"seq"`
	FlowKey   string            `bson:"flow_key"`
	FlowType  string            `bson:"flow_type"`
	FlowArgs  string            `bson:"flow_args"`
	VisibleAt int64             `bson:"visible_at"`
	Name      string            `bson:"name"`
	Payload   []byte            `bson:"payload,omitempty"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
}

func newEvent(seq int64, e *core.ScheduledEvent) *event {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &event{
		ID:        id,
		Seq:       seq,
		FlowKey:   e.Target.String(),
		FlowType:  e.Target.Type,
		FlowArgs:  e.Target.Args,
		VisibleAt: e.VisibleAt.UnixMilli(),
		Name:      e.Name,
		Payload:   e.Payload,
		Metadata:  e.Metadata,
	}
}

func (e *event) scheduledEvent() *core.ScheduledEvent {
	se := &core.ScheduledEvent{
		ID:        e.ID,
		Target:    core.NewFlowID(e.FlowType, e.FlowArgs),
		VisibleAt: time.UnixMilli(e.VisibleAt),
		Name:      e.Name,
		Metadata:  e.Metadata,
	}

	if len(e.Payload) > 0 {
		se.Payload = e.Payload
	}

	return se
}

// lease marks the event of a flow instance that is currently being delivered. There is at most
// one lease document per flow instance.
type lease struct {
	FlowKey     string `bson:"_id"`
	EventID     string `bson:"event_id"`
	Worker      string `bson:"worker"`
	LockedUntil int64  `bson:"locked_until"`
}

type counter struct {
	Seq int64 `bson:"seq"`
}
