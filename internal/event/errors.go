package event

import (
	"errors"
	"fmt"
	"reflect"
)

// Sentinel errors for the event dispatcher.
var (
	// ErrInvalidEventName is returned when an event name is empty or the wildcard.
	ErrInvalidEventName = errors.New("invalid event name")

	// ErrInvalidListener is returned when a listener target is nil or not callable.
	ErrInvalidListener = errors.New("invalid listener")

	// ErrInvalidSubscriber is returned when a subscriber declares an unusable mapping.
	ErrInvalidSubscriber = errors.New("invalid subscriber")

	// ErrArgumentNotFound is returned when a GenericEvent has no argument with the given key.
	ErrArgumentNotFound = errors.New("argument not found")

	// ErrNoLocator is returned when a static target is invoked without a Locator.
	ErrNoLocator = errors.New("no locator configured")

	// ErrListenerPanic is returned when a listener panics.
	ErrListenerPanic = errors.New("listener panicked")
)

// ResolutionError is returned when the Resolver cannot bind a listener parameter.
type ResolutionError struct {
	// Listener is the pretty name of the listener target.
	Listener string

	// Param is the zero-based index of the unresolved parameter.
	Param int

	// Type is the parameter type that could not be satisfied.
	Type reflect.Type

	// Reason is set when the target itself could not be resolved.
	Reason string
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	if e.Reason != "" {
		return "cannot resolve listener " + e.Listener + ": " + e.Reason
	}
	return fmt.Sprintf("cannot resolve parameter %d (%v) of listener %s", e.Param, e.Type, e.Listener)
}

// NotInstantiableError is returned when a string-referenced target cannot be constructed.
type NotInstantiableError struct {
	// TypeName is the referenced type name.
	TypeName string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *NotInstantiableError) Error() string {
	if e.Err == nil {
		return "type " + e.TypeName + " is not instantiable"
	}
	return "type " + e.TypeName + " is not instantiable: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *NotInstantiableError) Unwrap() error {
	return e.Err
}

// ListenerError wraps an error returned by a listener with dispatch context.
type ListenerError struct {
	// EventName is the name the listener was invoked for.
	EventName string

	// Listener is the pretty name of the listener target.
	Listener string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ListenerError) Error() string {
	return "listener " + e.Listener + " on event " + e.EventName + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ListenerError) Unwrap() error {
	return e.Err
}

// PanicError wraps a listener panic as an error.
type PanicError struct {
	// EventName is the name the listener was invoked for.
	EventName string

	// Listener is the pretty name of the listener target.
	Listener string

	// Value is the value passed to panic().
	Value any

	// Stack is the stack trace at the time of the panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("listener %s panicked on event %s: %v", e.Listener, e.EventName, e.Value)
}

// Is allows errors.Is to match PanicError with ErrListenerPanic.
func (e *PanicError) Is(target error) bool {
	return target == ErrListenerPanic
}
