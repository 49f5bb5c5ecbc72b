package pipeline

import (
	"errors"
	"fmt"
)

// ErrDoubleInvocation is matched by errors.Is when a stage called its
// continuation more than once. It is never handled by the error policy.
var ErrDoubleInvocation = errors.New("pipeline: continuation invoked more than once")

// DoubleInvocationError reports which stage broke the at-most-once rule.
type DoubleInvocationError struct {
	Stage int
}

func (e *DoubleInvocationError) Error() string {
	return fmt.Sprintf("pipeline: stage %d invoked its continuation more than once", e.Stage)
}

// Is reports whether target is ErrDoubleInvocation.
func (e *DoubleInvocationError) Is(target error) bool {
	return target == ErrDoubleInvocation
}

// StageError wraps an error returned (or panicked) by a middleware or the
// terminal handler. It is what the error handler receives.
type StageError struct {
	Stage   int // index in the chain; equal to the middleware count for the handler
	Handler bool
	Err     error
}

func (e *StageError) Error() string {
	if e.Handler {
		return fmt.Sprintf("pipeline: handler failed: %v", e.Err)
	}
	return fmt.Sprintf("pipeline: stage %d failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// PanicError carries a value recovered from a panicking stage.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
