package flow

import "time"

type typeOptions struct {
	RemovalDelay         time.Duration
	MissingStepTolerated bool
}

type TypeOption func(*typeOptions)

// WithRemovalDelay keeps ended instances around for the given delay. The default ending sequence
// waits in OnEnded for a timer tagged RemovalTimerTag before the instance can be removed.
func WithRemovalDelay(d time.Duration) TypeOption {
	return func(o *typeOptions) {
		o.RemovalDelay = d
	}
}

// WithMissingStepTolerated ignores events for steps without a registered handler instead of
// failing with ErrMissingStep.
func WithMissingStepTolerated() TypeOption {
	return func(o *typeOptions) {
		o.MissingStepTolerated = true
	}
}
