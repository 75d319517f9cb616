package core

import "time"

// ScheduledEvent is an encoded event waiting in a store to be delivered to Target no earlier
// than VisibleAt.
type ScheduledEvent struct {
	ID string `json:"id"`

	Target FlowID `json:"target"`

	VisibleAt time.Time `json:"visible_at"`

	// Name is the registered event name, Payload the encoded event.
	Name    string `json:"name"`
	Payload []byte `json:"payload,omitempty"`

	// Metadata carries the trace context of the scheduling span.
	Metadata map[string]string `json:"metadata,omitempty"`
}
