package flow

const (
	// StepOnEnding is the first step of the ending sequence.
	StepOnEnding = "OnEnding"

	// StepOnEnded is the terminal step. An instance in this step stays there until it is removed.
	StepOnEnded = "OnEnded"
)

// RemovalTimerTag tags the timer scheduled by the default ending sequence when a removal delay is
// configured.
const RemovalTimerTag = "flows.removal"

func isReservedStep(step string) bool {
	return step == StepOnEnding || step == StepOnEnded
}
