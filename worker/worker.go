package worker

import (
	"context"
	"fmt"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/flow"
	"github.com/cschleiden/go-flows/host"
	internal "github.com/cschleiden/go-flows/internal/worker"
	"github.com/cschleiden/go-flows/registry"
)

type Worker struct {
	backend backend.Backend

	registry *registry.Registry

	host *host.Host

	eventWorker worker

	evictionDone chan struct{}
}

type worker interface {
	Start(context.Context) error
	WaitForCompletion() error
}

// New creates a worker that leases scheduled events from the backend and delivers them to the
// flow instances they target.
func New(b backend.Backend, options *Options) *Worker {
	if options == nil {
		options = &DefaultOptions
	}

	r := registry.New()

	hostOptions := []host.Option{
		host.WithCacheSize(options.FlowInstanceCacheSize),
		host.WithCacheTTL(options.FlowInstanceCacheTTL),
	}

	if options.MaxContinuations > 0 {
		hostOptions = append(hostOptions, host.WithMaxContinuations(options.MaxContinuations))
	}

	if options.RemoveEndedFlows {
		hostOptions = append(hostOptions, host.WithRemoveEnded())
	}

	h := host.New(b, r, hostOptions...)

	eventWorker := internal.NewEventWorker(h, &internal.EventWorkerOptions{
		WorkerOptions: internal.WorkerOptions{
			Pollers:           options.Pollers,
			MaxParallelTasks:  options.MaxParallelTasks,
			HeartbeatInterval: options.HeartbeatInterval,
			PollingInterval:   options.PollingInterval,
		},
		StaleVersionRetries: options.StaleVersionRetries,
	})

	return &Worker{
		backend:      b,
		registry:     r,
		host:         h,
		eventWorker:  eventWorker,
		evictionDone: make(chan struct{}),
	}
}

// Start starts the worker.
//
// To stop the worker, cancel the context passed to Start. To wait for completion of the active
// deliveries, call `WaitForCompletion`.
func (w *Worker) Start(ctx context.Context) error {
	go func() {
		defer close(w.evictionDone)

		w.host.StartEviction(ctx)
	}()

	if err := w.eventWorker.Start(ctx); err != nil {
		return fmt.Errorf("starting event worker: %w", err)
	}

	return nil
}

// WaitForCompletion waits for all active deliveries to complete.
func (w *Worker) WaitForCompletion() error {
	if err := w.eventWorker.WaitForCompletion(); err != nil {
		return fmt.Errorf("waiting for event worker completion: %w", err)
	}

	<-w.evictionDone

	return nil
}

// RegisterFlow registers a flow type with the worker's registry. The type is sealed afterwards.
func (w *Worker) RegisterFlow(f flow.Factory) error {
	return w.registry.RegisterFlow(f)
}

// RegisterEvent registers the event type E with the registry of the worker.
func RegisterEvent[E core.Event](w *Worker) error {
	return registry.RegisterEvent[E](w.registry)
}

// Registry returns the registry shared by the worker and its host.
func (w *Worker) Registry() *registry.Registry {
	return w.registry
}

// Host returns the host delivering events to flow instances in this process.
func (w *Worker) Host() *host.Host {
	return w.host
}
