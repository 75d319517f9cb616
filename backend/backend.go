package backend

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/cschleiden/go-flows/backend/metrics"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/core/task"
)

var (
	ErrInstanceNotFound      = errors.New("flow instance not found")
	ErrInstanceAlreadyExists = errors.New("flow instance already exists")
	ErrInstanceNotEnded      = errors.New("flow instance has not ended")
	ErrEventNotFound         = errors.New("event not found")

	// ErrStaleVersion is returned when a commit or removal is attempted with an expected version
	// that does not match the stored version.
	ErrStaleVersion = errors.New("stale flow instance version")
)

const TracerName = "go-flows"

//go:generate mockery --name=Backend --inpackage
type Backend interface {
	// CreateFlowInstance creates a new flow instance with version 0 and schedules the given events
	// in the same transaction.
	//
	// Returns ErrInstanceAlreadyExists if an instance with the same id exists.
	CreateFlowInstance(ctx context.Context, id core.FlowID, events ...*core.ScheduledEvent) error

	// GetFlowInstance returns the persisted record of the given flow instance
	GetFlowInstance(ctx context.Context, id core.FlowID) (*core.FlowRecord, error)

	// CommitFlowInstance persists step and state of a flow instance and schedules events, all
	// atomically. It returns the new version of the instance.
	//
	// If the stored version does not match the expected version of the commit, ErrStaleVersion
	// is returned and nothing is written.
	CommitFlowInstance(ctx context.Context, commit *core.Commit) (int64, error)

	// RemoveFlowInstance removes a flow instance and its pending events
	RemoveFlowInstance(ctx context.Context, id core.FlowID, expectedVersion int64) error

	// SignalFlowInstance schedules an event for an existing flow instance
	//
	// If the target instance does not exist, it will return ErrInstanceNotFound
	SignalFlowInstance(ctx context.Context, event *core.ScheduledEvent) error

	// GetEventTask leases a visible event or returns nil if there are no pending events. At most
	// one event per flow instance is leased at any time.
	GetEventTask(ctx context.Context) (*task.Event, error)

	// ExtendEventTask extends the lease of an event task
	ExtendEventTask(ctx context.Context, task *task.Event) error

	// CompleteEventTask removes a delivered event. Completing an event that has been removed
	// together with its flow instance is not an error.
	CompleteEventTask(ctx context.Context, task *task.Event) error

	// GetStats returns stats about the backend
	GetStats(ctx context.Context) (*Stats, error)

	// Logger returns the configured logger for the backend
	Logger() *slog.Logger

	// Tracer returns the configured trace provider for the backend
	Tracer() trace.Tracer

	// Metrics returns the configured metrics client for the backend
	Metrics() metrics.Client

	// Options returns the configured options for the backend
	Options() *Options

	// Close closes any underlying resources
	Close() error
}
