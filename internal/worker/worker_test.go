package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cschleiden/go-flows/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testTask struct {
	ID   int
	Data string
}

type testResult struct {
	Output string
}

// mockTaskWorker implements TaskWorker for testing
type mockTaskWorker struct {
	mock.Mock
}

func (m *mockTaskWorker) Get(ctx context.Context) (*testTask, error) {
	args := m.Called(ctx)
	if fn, ok := args.Get(0).(func(context.Context) *testTask); ok {
		return fn(ctx), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*testTask), args.Error(1)
}

func (m *mockTaskWorker) Extend(ctx context.Context, task *testTask) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *mockTaskWorker) Execute(ctx context.Context, task *testTask) (*testResult, error) {
	args := m.Called(ctx, task)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*testResult), args.Error(1)
}

func (m *mockTaskWorker) Complete(ctx context.Context, result *testResult, task *testTask) error {
	args := m.Called(ctx, result, task)
	return args.Error(0)
}

func createMockBackend() *backend.MockBackend {
	mockBackend := &backend.MockBackend{}
	mockBackend.On("Logger").Return(slog.Default())
	return mockBackend
}

func TestNewWorker_Defaults(t *testing.T) {
	worker := NewWorker(createMockBackend(), &mockTaskWorker{}, &WorkerOptions{})

	require.Equal(t, 1, worker.options.Pollers)
	require.Equal(t, 200*time.Millisecond, worker.options.PollingInterval)
	require.Nil(t, worker.wq.slots)
}

func TestWorker_Poll(t *testing.T) {
	t.Run("successful poll", func(t *testing.T) {
		tw := &mockTaskWorker{}
		worker := NewWorker(createMockBackend(), tw, &WorkerOptions{Pollers: 1})

		expectedTask := &testTask{ID: 1, Data: "test"}
		tw.On("Get", mock.Anything).Return(expectedTask, nil)

		task, err := worker.poll(context.Background(), time.Second)
		assert.NoError(t, err)
		assert.Equal(t, expectedTask, task)

		tw.AssertExpectations(t)
	})

	t.Run("timeout returns nil", func(t *testing.T) {
		tw := &mockTaskWorker{}
		worker := NewWorker(createMockBackend(), tw, &WorkerOptions{Pollers: 1})

		tw.On("Get", mock.Anything).Return(nil, context.DeadlineExceeded)

		task, err := worker.poll(context.Background(), time.Millisecond)
		assert.NoError(t, err)
		assert.Nil(t, task)
	})

	t.Run("canceled context returns nil", func(t *testing.T) {
		tw := &mockTaskWorker{}
		worker := NewWorker(createMockBackend(), tw, &WorkerOptions{Pollers: 1})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		tw.On("Get", mock.Anything).Return(nil, context.Canceled)

		task, err := worker.poll(ctx, time.Second)
		assert.NoError(t, err)
		assert.Nil(t, task)
	})

	t.Run("get error", func(t *testing.T) {
		tw := &mockTaskWorker{}
		worker := NewWorker(createMockBackend(), tw, &WorkerOptions{Pollers: 1})

		expectedErr := errors.New("get error")
		tw.On("Get", mock.Anything).Return(nil, expectedErr)

		task, err := worker.poll(context.Background(), time.Second)
		assert.Equal(t, expectedErr, err)
		assert.Nil(t, task)
	})
}

func TestWorker_Handle(t *testing.T) {
	t.Run("successful handle with heartbeat", func(t *testing.T) {
		tw := &mockTaskWorker{}
		worker := NewWorker(createMockBackend(), tw, &WorkerOptions{
			Pollers:           1,
			HeartbeatInterval: time.Millisecond * 10,
		})

		task := &testTask{ID: 1, Data: "test"}
		result := &testResult{Output: "success"}

		tw.On("Execute", mock.Anything, task).Run(func(mock.Arguments) {
			time.Sleep(30 * time.Millisecond)
		}).Return(result, nil)
		tw.On("Complete", mock.Anything, result, task).Return(nil)
		tw.On("Extend", mock.Anything, task).Return(nil).Maybe()

		err := worker.handle(context.Background(), task)
		assert.NoError(t, err)

		tw.AssertExpectations(t)
	})

	t.Run("execution error skips completion", func(t *testing.T) {
		tw := &mockTaskWorker{}
		worker := NewWorker(createMockBackend(), tw, &WorkerOptions{Pollers: 1})

		task := &testTask{ID: 1, Data: "test"}
		expectedErr := errors.New("execution error")

		tw.On("Execute", mock.Anything, task).Return(nil, expectedErr)

		err := worker.handle(context.Background(), task)
		assert.ErrorIs(t, err, expectedErr)
		assert.Contains(t, err.Error(), "executing task")

		tw.AssertExpectations(t)
		tw.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("completion error", func(t *testing.T) {
		tw := &mockTaskWorker{}
		worker := NewWorker(createMockBackend(), tw, &WorkerOptions{Pollers: 1})

		task := &testTask{ID: 1, Data: "test"}
		result := &testResult{Output: "success"}
		expectedErr := errors.New("completion error")

		tw.On("Execute", mock.Anything, task).Return(result, nil)
		tw.On("Complete", mock.Anything, result, task).Return(expectedErr)

		err := worker.handle(context.Background(), task)
		assert.Equal(t, expectedErr, err)
	})
}

func TestWorker_ProcessesTasksUntilStopped(t *testing.T) {
	tw := &mockTaskWorker{}
	worker := NewWorker(createMockBackend(), tw, &WorkerOptions{
		Pollers:          2,
		MaxParallelTasks: 2,
		PollingInterval:  time.Millisecond,
	})

	var served, completed int32
	tw.On("Get", mock.Anything).Return(func(ctx context.Context) *testTask {
		if n := atomic.AddInt32(&served, 1); n <= 5 {
			return &testTask{ID: int(n)}
		}

		return nil
	}, nil)
	tw.On("Execute", mock.Anything, mock.Anything).Return(&testResult{}, nil)
	tw.On("Complete", mock.Anything, mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		atomic.AddInt32(&completed, 1)
	}).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, worker.Start(ctx))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&completed) == 5
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, worker.WaitForCompletion())
}

func TestWorkQueue(t *testing.T) {
	t.Run("unlimited parallelism", func(t *testing.T) {
		wq := newWorkQueue[testTask](0)
		require.Nil(t, wq.slots)

		require.NoError(t, wq.reserve(context.Background()))
		require.NotPanics(t, wq.release)
	})

	t.Run("reservation blocks when slots are taken", func(t *testing.T) {
		wq := newWorkQueue[testTask](1)
		require.NoError(t, wq.reserve(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, wq.reserve(ctx), context.DeadlineExceeded)

		wq.release()
		require.NoError(t, wq.reserve(context.Background()))
	})

	t.Run("add hands task to reader", func(t *testing.T) {
		wq := newWorkQueue[testTask](0)
		task := &testTask{ID: 1}

		go func() {
			_ = wq.add(context.Background(), task)
		}()

		select {
		case received := <-wq.tasks:
			require.Equal(t, task, received)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for task")
		}
	})

	t.Run("add honors context", func(t *testing.T) {
		wq := newWorkQueue[testTask](0)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.ErrorIs(t, wq.add(ctx, &testTask{}), context.Canceled)
	})
}
