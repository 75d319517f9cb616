// Package flow implements durable, versioned, step based state machines ("flows").
//
// A flow type is declared once with NewType, giving it a name, a factory for fresh business
// state and an OnStart handler. Further steps are registered with HandleStep. Every handler
// receives the instance and an Envelope for the event being handled and returns a Transition
// describing the next step, whether the instance has to be persisted, whether it waits for the
// next event and which events to schedule.
//
//	counter, _ := flow.NewType("counter", newCounter, func(ctx context.Context, f *flow.Instance[Counter], e *flow.Envelope) (flow.Transition, error) {
//		f.State.Remaining = 3
//		return f.Wait("OnTimer").AddTimerEvent(3*time.Second, ""), nil
//	})
//
// Instances are driven by a host (see package host), which guarantees that at most one event is
// handled per instance at any time.
package flow
