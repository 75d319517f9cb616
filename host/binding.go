package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/converter"
	"github.com/cschleiden/go-flows/backend/metrics"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/flow"
	"github.com/cschleiden/go-flows/internal/metrickeys"
	"github.com/cschleiden/go-flows/internal/tracing"
	"github.com/cschleiden/go-flows/registry"
	"github.com/google/uuid"
)

// binding connects flow instances to the backend of the host.
type binding struct {
	backend backend.Backend
	metrics metrics.Client
}

var _ flow.Binding = (*binding)(nil)

func (b *binding) Clock() clock.Clock {
	return b.backend.Options().Clock
}

func (b *binding) Logger() *slog.Logger {
	return b.backend.Logger()
}

func (b *binding) Converter() converter.Converter {
	return b.backend.Options().Converter
}

func (b *binding) Commit(ctx context.Context, c *flow.Commit) (int64, error) {
	events, err := encodeEvents(ctx, b.Converter(), c.Events)
	if err != nil {
		return 0, err
	}

	tags := metrics.Tags{metrickeys.FlowType: c.ID.Type}

	v, err := b.backend.CommitFlowInstance(ctx, &core.Commit{
		ID:              c.ID,
		ExpectedVersion: c.ExpectedVersion,
		Step:            c.Step,
		State:           c.State,
		Events:          events,
	})
	if err != nil {
		if errors.Is(err, backend.ErrStaleVersion) {
			b.metrics.Counter(metrickeys.StaleVersion, tags, 1)
		}

		return 0, err
	}

	b.metrics.Counter(metrickeys.FlowPersisted, tags, 1)
	if len(events) > 0 {
		b.metrics.Counter(metrickeys.EventScheduled, tags, int64(len(events)))
	}

	return v, nil
}

// encodeEvents prepares events for the backend. The trace context of ctx travels with every
// event so that its delivery continues the trace.
func encodeEvents(ctx context.Context, c converter.Converter, events []flow.ScheduledEvent) ([]*core.ScheduledEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	metadata := tracing.Inject(ctx)

	r := make([]*core.ScheduledEvent, 0, len(events))
	for _, se := range events {
		name, payload, err := registry.EncodeEvent(c, se.Event)
		if err != nil {
			return nil, err
		}

		r = append(r, &core.ScheduledEvent{
			ID:        uuid.NewString(),
			Target:    se.Target,
			VisibleAt: se.At,
			Name:      name,
			Payload:   payload,
			Metadata:  metadata,
		})
	}

	return r, nil
}

// NewScheduledEvent encodes an event for delivery to target at the given time.
func NewScheduledEvent(ctx context.Context, c converter.Converter, target core.FlowID, at time.Time, e core.Event) (*core.ScheduledEvent, error) {
	events, err := encodeEvents(ctx, c, []flow.ScheduledEvent{{Target: target, At: at, Event: e}})
	if err != nil {
		return nil, fmt.Errorf("encoding event for %v: %w", target, err)
	}

	return events[0], nil
}
