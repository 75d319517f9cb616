package backend

import (
	"context"
	"log/slog"

	"github.com/cschleiden/go-flows/backend/metrics"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/core/task"
	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel/trace"
)

// MockBackend is a mock type for the Backend type
type MockBackend struct {
	mock.Mock
}

var _ Backend = (*MockBackend)(nil)

// CreateFlowInstance provides a mock function with given fields: ctx, id, events
func (_m *MockBackend) CreateFlowInstance(ctx context.Context, id core.FlowID, events ...*core.ScheduledEvent) error {
	_ca := []interface{}{ctx, id}
	for _i := range events {
		_ca = append(_ca, events[_i])
	}

	ret := _m.Called(_ca...)

	if rf, ok := ret.Get(0).(func(context.Context, core.FlowID, ...*core.ScheduledEvent) error); ok {
		return rf(ctx, id, events...)
	}

	return ret.Error(0)
}

// GetFlowInstance provides a mock function with given fields: ctx, id
func (_m *MockBackend) GetFlowInstance(ctx context.Context, id core.FlowID) (*core.FlowRecord, error) {
	ret := _m.Called(ctx, id)

	if rf, ok := ret.Get(0).(func(context.Context, core.FlowID) (*core.FlowRecord, error)); ok {
		return rf(ctx, id)
	}

	var r0 *core.FlowRecord
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*core.FlowRecord)
	}

	return r0, ret.Error(1)
}

// CommitFlowInstance provides a mock function with given fields: ctx, commit
func (_m *MockBackend) CommitFlowInstance(ctx context.Context, commit *core.Commit) (int64, error) {
	ret := _m.Called(ctx, commit)

	if rf, ok := ret.Get(0).(func(context.Context, *core.Commit) (int64, error)); ok {
		return rf(ctx, commit)
	}

	return ret.Get(0).(int64), ret.Error(1)
}

// RemoveFlowInstance provides a mock function with given fields: ctx, id, expectedVersion
func (_m *MockBackend) RemoveFlowInstance(ctx context.Context, id core.FlowID, expectedVersion int64) error {
	ret := _m.Called(ctx, id, expectedVersion)

	return ret.Error(0)
}

// SignalFlowInstance provides a mock function with given fields: ctx, event
func (_m *MockBackend) SignalFlowInstance(ctx context.Context, event *core.ScheduledEvent) error {
	ret := _m.Called(ctx, event)

	return ret.Error(0)
}

// GetEventTask provides a mock function with given fields: ctx
func (_m *MockBackend) GetEventTask(ctx context.Context) (*task.Event, error) {
	ret := _m.Called(ctx)

	var r0 *task.Event
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*task.Event)
	}

	return r0, ret.Error(1)
}

// ExtendEventTask provides a mock function with given fields: ctx, _a1
func (_m *MockBackend) ExtendEventTask(ctx context.Context, _a1 *task.Event) error {
	ret := _m.Called(ctx, _a1)

	return ret.Error(0)
}

// CompleteEventTask provides a mock function with given fields: ctx, _a1
func (_m *MockBackend) CompleteEventTask(ctx context.Context, _a1 *task.Event) error {
	ret := _m.Called(ctx, _a1)

	return ret.Error(0)
}

// GetStats provides a mock function with given fields: ctx
func (_m *MockBackend) GetStats(ctx context.Context) (*Stats, error) {
	ret := _m.Called(ctx)

	var r0 *Stats
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*Stats)
	}

	return r0, ret.Error(1)
}

// Logger provides a mock function with given fields:
func (_m *MockBackend) Logger() *slog.Logger {
	ret := _m.Called()

	var r0 *slog.Logger
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*slog.Logger)
	}

	return r0
}

// Tracer provides a mock function with given fields:
func (_m *MockBackend) Tracer() trace.Tracer {
	ret := _m.Called()

	var r0 trace.Tracer
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(trace.Tracer)
	}

	return r0
}

// Metrics provides a mock function with given fields:
func (_m *MockBackend) Metrics() metrics.Client {
	ret := _m.Called()

	var r0 metrics.Client
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(metrics.Client)
	}

	return r0
}

// Options provides a mock function with given fields:
func (_m *MockBackend) Options() *Options {
	ret := _m.Called()

	var r0 *Options
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*Options)
	}

	return r0
}

// Close provides a mock function with given fields:
func (_m *MockBackend) Close() error {
	ret := _m.Called()

	return ret.Error(0)
}
