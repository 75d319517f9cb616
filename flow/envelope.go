package flow

import "github.com/cschleiden/go-flows/core"

// Envelope binds an event to the instance handling it for the duration of one handling pass. It
// records whether handler code consumed the event.
type Envelope struct {
	flow     core.FlowID
	event    core.Event
	consumed bool
}

func newEnvelope(id core.FlowID, e core.Event) *Envelope {
	return &Envelope{
		flow:  id,
		event: e,
	}
}

// Flow returns the id of the instance handling the event.
func (e *Envelope) Flow() core.FlowID {
	return e.flow
}

// Event returns the wrapped event without consuming it.
func (e *Envelope) Event() core.Event {
	return e.event
}

func (e *Envelope) Consumed() bool {
	return e.consumed
}

// Consume marks the event as handled. OnError handlers call this to claim an error.
func (e *Envelope) Consume() {
	e.consumed = true
}

// IsTimer tests whether the event is a timer event and consumes it if so.
func (e *Envelope) IsTimer() (core.TimerEvent, bool) {
	return As[core.TimerEvent](e)
}

// IsTimerTagged tests whether the event is a timer event with the given tag and consumes it if so.
func (e *Envelope) IsTimerTagged(tag string) bool {
	te, ok := peek[core.TimerEvent](e.event)
	if ok && te.Tag == tag {
		e.consumed = true
		return true
	}

	return false
}

// As tests whether the event of the envelope is of type E and consumes it on success. Events
// delivered as *E match as well.
func As[E core.Event](e *Envelope) (E, bool) {
	ev, ok := peek[E](e.event)
	if ok {
		e.consumed = true
	}

	return ev, ok
}

// Is is As without the event value.
func Is[E core.Event](e *Envelope) bool {
	_, ok := As[E](e)
	return ok
}

func peek[E core.Event](event core.Event) (E, bool) {
	if ev, ok := event.(E); ok {
		return ev, true
	}

	if p, ok := any(event).(*E); ok && p != nil {
		return *p, true
	}

	return *new(E), false
}
