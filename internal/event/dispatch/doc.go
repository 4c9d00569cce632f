// Package dispatch runs individual listener calls for the event dispatcher.
//
// The Executor wraps one call with panic recovery, context checks and timing.
// Both the core dispatcher and the tracing decorator use it, so a panicking
// listener never unwinds through dispatcher bookkeeping.
//
// # Usage
//
//	exec := dispatch.NewExecutor()
//	result := exec.Execute(ctx, func(ctx context.Context) (any, error) {
//	    return listener(ctx, ev)
//	})
//	if result.Panicked {
//	    // result.PanicValue and result.PanicStack describe the panic
//	}
//
// # Timing
//
// Result.Duration is the wall-clock time of the call. Millis converts a
// duration to milliseconds with two-decimal precision, the unit used by trace
// reports.
package dispatch
