package core

// Event is delivered to a flow instance. Events are values and never mutated after creation.
type Event interface {
	// EventName is the registered name of the event type, used to encode and decode it.
	EventName() string
}

const (
	StartEventName = "flows.start"
	ResetEventName = "flows.reset"
	KillEventName  = "flows.kill"
	TimerEventName = "flows.timer"
)

// StartEvent starts a flow instance that has not been started yet.
type StartEvent struct{}

func (StartEvent) EventName() string { return StartEventName }

// ResetEvent wipes the business state of a flow instance and starts it again.
type ResetEvent struct{}

func (ResetEvent) EventName() string { return ResetEventName }

// KillEvent moves a flow instance to its ending sequence regardless of its current step.
type KillEvent struct{}

func (KillEvent) EventName() string { return KillEventName }

// TimerEvent is delivered at or after the moment it was scheduled for.
type TimerEvent struct {
	Flow FlowID `json:"flow"`

	// Tag optionally distinguishes timers of the same flow.
	Tag string `json:"tag,omitempty"`
}

func (TimerEvent) EventName() string { return TimerEventName }

// IsSystemEvent returns true for the lifecycle events Start, Reset and Kill.
func IsSystemEvent(e Event) bool {
	switch e.(type) {
	case StartEvent, *StartEvent, ResetEvent, *ResetEvent, KillEvent, *KillEvent:
		return true
	}

	return false
}
