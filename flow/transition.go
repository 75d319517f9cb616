package flow

import (
	"time"

	"github.com/cschleiden/go-flows/core"
)

// Transition is the outcome of handling one event. Transitions are values; the Add* methods
// return modified copies.
//
// Build transitions with the Wait, Goto and GotoEnding helpers of an Instance, they bind the
// owning instance and the current time needed to schedule timers.
type Transition struct {
	// Step is the step handling the next event.
	Step string

	// MustStore requests a commit of the instance after the transition has been applied.
	MustStore bool

	// MustWait suspends the instance until the next event. When false, the host immediately
	// dispatches the current event again to Step.
	MustWait bool

	// ScheduledEvents are queued atomically with the commit of the instance.
	ScheduledEvents []ScheduledEvent

	owner core.FlowID
	now   time.Time
}

// ScheduledEvent is an event to be delivered to Target no earlier than At.
type ScheduledEvent struct {
	Target core.FlowID
	At     time.Time
	Event  core.Event
}

// EffectiveMustStore returns true if applying the transition has to persist the instance. Any
// side effect that must survive a crash forces a commit.
func (t Transition) EffectiveMustStore() bool {
	return t.MustStore || t.Step == StepOnEnded || len(t.ScheduledEvents) > 0
}

// mustStoreFrom is EffectiveMustStore for an instance currently in step prev. Only entering
// OnEnded forces a commit, staying there does not.
func (t Transition) mustStoreFrom(prev string) bool {
	if prev == StepOnEnded && t.Step == StepOnEnded {
		return t.MustStore || len(t.ScheduledEvents) > 0
	}

	return t.EffectiveMustStore()
}

// AddTimerEvent schedules a timer event for the owning instance after the given delay.
func (t Transition) AddTimerEvent(delay time.Duration, tag string) Transition {
	return t.AddTimerEventAt(t.now.Add(delay), tag)
}

// AddTimerEventAt schedules a timer event for the owning instance at the given time.
func (t Transition) AddTimerEventAt(at time.Time, tag string) Transition {
	return t.AddEventTo(t.owner, at, core.TimerEvent{Flow: t.owner, Tag: tag})
}

// AddEvent schedules an event for the owning instance.
func (t Transition) AddEvent(at time.Time, e core.Event) Transition {
	return t.AddEventTo(t.owner, at, e)
}

// AddEventTo schedules an event for another flow instance. Nothing guarantees that the target
// exists when the event is delivered.
func (t Transition) AddEventTo(target core.FlowID, at time.Time, e core.Event) Transition {
	events := make([]ScheduledEvent, len(t.ScheduledEvents), len(t.ScheduledEvents)+1)
	copy(events, t.ScheduledEvents)

	t.ScheduledEvents = append(events, ScheduledEvent{
		Target: target,
		At:     at,
		Event:  e,
	})

	return t
}

type TransitionOption func(*Transition)

// WithStore forces a commit, e.g. for a Goto that changed business state.
func WithStore() TransitionOption {
	return func(t *Transition) {
		t.MustStore = true
	}
}

// WithoutStore skips the commit of a Wait. The transition is still persisted if it schedules events.
func WithoutStore() TransitionOption {
	return func(t *Transition) {
		t.MustStore = false
	}
}
