package script

import "errors"

// Errors for script operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutionTimeout is returned when a call exceeds the state timeout.
	ErrExecutionTimeout = errors.New("lua execution timeout")

	// ErrNotModule is returned when a chunk does not return a table.
	ErrNotModule = errors.New("chunk must return a table")

	// ErrFunctionNotFound is returned when a module does not export a function.
	ErrFunctionNotFound = errors.New("function not found")

	// ErrInvalidSubscriptions is returned for a malformed subscribed_events table.
	ErrInvalidSubscriptions = errors.New("invalid subscribed_events")
)

// ScriptError reports a failure loading or calling a module.
type ScriptError struct {
	Module   string
	Function string
	Err      error
}

func (e *ScriptError) Error() string {
	if e.Function == "" {
		return "script " + e.Module + ": " + e.Err.Error()
	}
	return "script " + e.Module + "." + e.Function + ": " + e.Err.Error()
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}
