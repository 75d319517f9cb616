package log

const (
	NamespaceKey = "flows"

	InstanceIDKey = NamespaceKey + ".instance.id"
	FlowTypeKey   = NamespaceKey + ".flow.type"
	VersionKey    = NamespaceKey + ".version"

	StepKey     = NamespaceKey + ".step"
	PrevStepKey = NamespaceKey + ".step.previous"

	EventNameKey = NamespaceKey + ".event.name"
	EventIDKey   = NamespaceKey + ".event.id"
	TimerTagKey  = NamespaceKey + ".timer.tag"

	MustStoreKey    = NamespaceKey + ".transition.must_store"
	MustWaitKey     = NamespaceKey + ".transition.must_wait"
	ScheduledKey    = NamespaceKey + ".transition.scheduled_events"
	ContinuationKey = NamespaceKey + ".continuation"

	TaskIDKey = NamespaceKey + ".task.id"

	AttemptKey  = NamespaceKey + ".attempt"
	DurationKey = NamespaceKey + ".duration_ms"

	// AtKey is the time at which a scheduled event becomes visible
	AtKey = NamespaceKey + ".event.at"
)
