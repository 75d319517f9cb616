package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/metrics"
	"github.com/cschleiden/go-flows/core/task"
	"github.com/cschleiden/go-flows/host"
	"github.com/cschleiden/go-flows/internal/log"
	"github.com/cschleiden/go-flows/internal/metrickeys"
	"github.com/cschleiden/go-flows/internal/tracing"
)

type EventWorkerOptions struct {
	WorkerOptions

	// StaleVersionRetries is the number of times a delivery is retried after losing a version
	// conflict. The host reloads the instance before every retry.
	StaleVersionRetries uint64

	// StaleVersionBackoff is the initial delay between retries.
	StaleVersionBackoff time.Duration
}

type eventResult struct{}

// eventWorker leases scheduled events and delivers them through the host.
type eventWorker struct {
	backend backend.Backend
	host    *host.Host
	options *EventWorkerOptions

	logger  *slog.Logger
	metrics metrics.Client
}

var _ TaskWorker[task.Event, eventResult] = (*eventWorker)(nil)

func NewEventWorker(h *host.Host, options *EventWorkerOptions) *Worker[task.Event, eventResult] {
	b := h.Backend()

	ew := &eventWorker{
		backend: b,
		host:    h,
		options: options,
		logger:  b.Logger(),
		metrics: b.Metrics(),
	}

	return NewWorker[task.Event, eventResult](b, ew, &options.WorkerOptions)
}

func (ew *eventWorker) Get(ctx context.Context) (*task.Event, error) {
	return ew.backend.GetEventTask(ctx)
}

func (ew *eventWorker) Extend(ctx context.Context, t *task.Event) error {
	return ew.backend.ExtendEventTask(ctx, t)
}

// Execute delivers the event of the task. A nil error settles the task, any error leaves the lease
// to expire so that the event is delivered again.
func (ew *eventWorker) Execute(ctx context.Context, t *task.Event) (*eventResult, error) {
	se := t.Event
	logger := ew.logger.With(
		log.TaskIDKey, t.ID,
		log.FlowTypeKey, se.Target.Type,
		log.InstanceIDKey, se.Target.String(),
		log.EventNameKey, se.Name,
	)

	e, err := ew.host.Registry().DecodeEvent(ew.backend.Options().Converter, se.Name, se.Payload)
	if err != nil {
		// Delivering it again won't help
		logger.ErrorContext(ctx, "dropping undecodable event", "error", err)
		return &eventResult{}, nil
	}

	ctx = tracing.Extract(ctx, se.Metadata)

	tags := metrics.Tags{metrickeys.FlowType: se.Target.Type, metrickeys.EventName: se.Name}
	ew.metrics.Distribution(metrickeys.EventDelay, tags,
		float64(ew.backend.Options().Clock.Since(se.VisibleAt)/time.Millisecond))

	b := backoff.WithContext(
		backoff.WithMaxRetries(ew.newBackOff(), ew.options.StaleVersionRetries),
		ctx,
	)

	err = backoff.RetryNotify(func() error {
		_, err := ew.host.Deliver(ctx, se.Target, e)
		if err == nil || errors.Is(err, backend.ErrStaleVersion) {
			return err
		}

		return backoff.Permanent(err)
	}, b, func(err error, d time.Duration) {
		logger.DebugContext(ctx, "retrying delivery after version conflict", "error", err, "delay", d)
	})
	if err != nil {
		if errors.Is(err, backend.ErrInstanceNotFound) {
			logger.WarnContext(ctx, "dropping event for unknown flow instance")
			return &eventResult{}, nil
		}

		logger.ErrorContext(ctx, "delivering event failed, leaving it for redelivery",
			log.AtKey, se.VisibleAt,
			"error", err,
		)

		return nil, err
	}

	return &eventResult{}, nil
}

func (ew *eventWorker) Complete(ctx context.Context, _ *eventResult, t *task.Event) error {
	return ew.backend.CompleteEventTask(ctx, t)
}

func (ew *eventWorker) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ew.options.StaleVersionBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = 10 * time.Millisecond
	}
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	return b
}
