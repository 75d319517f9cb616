package backend

type Stats struct {
	ActiveFlowInstances int64

	// PendingEvents are the number of scheduled events that have not been delivered yet,
	// including events that are not visible yet
	PendingEvents int64
}
