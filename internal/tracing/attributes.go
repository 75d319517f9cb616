package tracing

const (
	FlowType = "flow.type"
	FlowArgs = "flow.args"
	Step     = "flow.step"
	Version  = "flow.version"

	EventName = "event.name"
	EventID   = "event.id"

	Continuations = "flow.continuations"
)
