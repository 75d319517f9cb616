package task

import (
	"time"

	"github.com/cschleiden/go-flows/core"
)

// Event is a scheduled event leased by a worker for delivery.
type Event struct {
	// ID is the id of the scheduled event
	ID string

	Event *core.ScheduledEvent

	// LockedUntil is the end of the current lease. If the task is not completed or extended until
	// then, the event becomes visible to other workers again.
	LockedUntil time.Time
}
