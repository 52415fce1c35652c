package async

import (
	"context"
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrNoCoroutine is returned when a coroutine-only operation is invoked
	// with a context that does not carry a running coroutine.
	ErrNoCoroutine = errors.New("async: no coroutine context")

	// ErrNotCurrent is returned by Suspend when called on a coroutine that
	// is not the one currently running.
	ErrNotCurrent = errors.New("async: coroutine is not running")

	ErrWakerExists = errors.New("async: coroutine already has a waker")
	ErrNoWaker     = errors.New("async: coroutine has no waker")

	// ErrEventExclusive is returned by ResumeWhen when an exclusive event
	// already has a waiter.
	ErrEventExclusive = errors.New("async: exclusive event already has a waiter")

	// ErrEventDisposed is returned when registering against a disposed event.
	ErrEventDisposed = errors.New("async: event is disposed")

	// ErrResourceExhausted indicates an allocation or registration limit.
	ErrResourceExhausted = errors.New("async: resource exhausted")

	// ErrCancelled is matched by every *CancellationError.
	ErrCancelled = errors.New("async: cancelled")

	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("async: timed out")
)

// CancellationError is raised into a coroutine that was cancelled while
// suspended, or at its next suspension point.
type CancellationError struct {
	Cause error
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	if e.Cause == nil {
		return "async: coroutine cancelled"
	}
	return "async: coroutine cancelled: " + e.Cause.Error()
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// Is matches [ErrCancelled].
func (e *CancellationError) Is(target error) bool {
	return target == ErrCancelled
}

// TimeoutError is raised into a coroutine whose waker timed out, or whose
// context deadline passed while suspended.
type TimeoutError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "async: operation timed out"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Is matches [ErrTimeout].
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// PanicError wraps a value recovered from a panicking coroutine.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("async: coroutine panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// contextError maps a done context to the error raised at the suspension
// point: deadlines become timeouts, anything else cancellation.
func contextError(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Cause: cause, Message: "async: context deadline exceeded"}
	}
	return &CancellationError{Cause: cause}
}
