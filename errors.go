package mqbridge

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a handle does not resolve in the registry.
	ErrNotFound = errors.New("handle not found")
	// ErrNotInitialized is returned by every operation before Init or after Fini.
	ErrNotInitialized = errors.New("library is not initialized")
	// ErrIllegalState matches every *StateError.
	ErrIllegalState = errors.New("illegal state")
	// ErrNotProducer is returned when a consumer is asked to send.
	ErrNotProducer = errors.New("send is only supported on a producer")
	// ErrNotConsumer is returned when a producer is given a message handler.
	ErrNotConsumer = errors.New("message handlers are only supported on a consumer")
	// ErrUnsupportedScheme is returned when no driver is registered for a broker URI.
	ErrUnsupportedScheme = errors.New("unsupported broker uri scheme")
	// ErrQueueFull is returned when a notification could not be queued in time.
	ErrQueueFull = errors.New("callback queue is full")
)

// StateError reports an operation invoked outside its legal lifecycle state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s is not allowed while %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrIllegalState
}

// NativeError wraps a failure reported by the messaging library.
type NativeError struct {
	Op     string
	Broker string
	Err    error
}

func (e *NativeError) Error() string {
	if e.Broker == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Broker, e.Op, e.Err)
}

func (e *NativeError) Unwrap() error {
	return e.Err
}
