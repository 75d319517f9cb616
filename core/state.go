package core

import "time"

// FlowRecord is the persisted row of a flow instance as stored by a backend.
type FlowRecord struct {
	ID FlowID `json:"id"`

	// Version is the optimistic concurrency token, incremented by exactly one on every commit.
	Version int64 `json:"version"`

	// Step is the name of the step handling the next non-system event. Empty if not started.
	Step string `json:"step,omitempty"`

	// State is the encoded business state. Nil until the first commit.
	State []byte `json:"state,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Commit is a single atomic write of a flow instance: the new step and state together with
// any events to schedule.
type Commit struct {
	ID FlowID

	// ExpectedVersion is the version the instance had when it was loaded. A commit against any
	// other stored version has to fail.
	ExpectedVersion int64

	Step  string
	State []byte

	Events []*ScheduledEvent
}
