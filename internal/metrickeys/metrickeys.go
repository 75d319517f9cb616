package metrickeys

const (
	Prefix = "flows."

	// Flows
	FlowInstanceCreated = Prefix + "flow.created"
	FlowInstanceRemoved = Prefix + "flow.removed"

	EventDelivered    = Prefix + "event.delivered"
	EventDeliveryTime = Prefix + "event.delivery_ms"
	EventDelay        = Prefix + "event.time_in_queue"
	EventScheduled    = Prefix + "event.scheduled"

	HandlerFailed = Prefix + "handler.failed"

	FlowPersisted    = Prefix + "flow.persisted"
	StaleVersion     = Prefix + "flow.stale_version"
	ContinuationHops = Prefix + "flow.continuations"

	FlowInstanceCacheSize     = Prefix + "flow.cache.size"
	FlowInstanceCacheEviction = Prefix + "flow.cache.eviction"
)

// Tag names
const (
	// Backend being used
	Backend = "backend"

	// Reason for evicting an entry from the flow instance cache
	EvictionReason = "reason"

	FlowType  = "flow_type"
	EventName = "event"
)
