package flow

import (
	"context"
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

var (
	// ErrMissingStep is returned when the current step of an instance has no registered handler.
	ErrMissingStep = errors.New("no handler registered for step")

	// ErrVersionMismatch is returned when a store acknowledges a commit with a version other than
	// the previous version plus one.
	ErrVersionMismatch = errors.New("unexpected flow instance version")

	ErrTypeSealed      = errors.New("flow type is sealed")
	ErrReservedStep    = errors.New("step name is reserved")
	ErrInvalidStepName = errors.New("invalid step name")
	ErrStepExists      = errors.New("step already registered")
)

// PanicError is returned when a step handler panics.
type PanicError struct {
	Value any

	stacktrace string
}

func newPanicError(r any) *PanicError {
	// Skip the deferred recover and the runtime panic frames
	goerr := goerrors.Wrap(r, 3)

	return &PanicError{
		Value:      r,
		stacktrace: string(goerr.Stack()),
	}
}

func (pe *PanicError) Error() string {
	return fmt.Sprintf("panic in step handler: %v", pe.Value)
}

func (pe *PanicError) Stack() string {
	return pe.stacktrace
}

func (pe *PanicError) Unwrap() error {
	if err, ok := pe.Value.(error); ok {
		return err
	}

	return nil
}

// isCanceled returns true if err was caused by the cancellation of ctx.
func isCanceled(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}

	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
