package dispatch

import (
	"context"
	"math"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Func is a single listener call prepared by the caller.
type Func func(ctx context.Context) (any, error)

// Result captures the outcome of one listener call.
type Result struct {
	// Value is the listener's response, if any.
	Value any

	// Err is the error returned by the listener, or the context error
	// when the call was skipped.
	Err error

	// Skipped is true when the context was done before the call started.
	Skipped bool

	// Panicked is true when the listener panicked.
	Panicked bool

	// PanicValue is the value passed to panic().
	PanicValue any

	// PanicStack is the stack trace captured at the panic.
	PanicStack []byte

	// Duration is the wall-clock time spent in the call.
	Duration time.Duration
}

// IsSuccess returns true if the call completed without error or panic.
func (r Result) IsSuccess() bool {
	return r.Err == nil && !r.Panicked && !r.Skipped
}

// Millis returns the call duration in milliseconds rounded to two decimals.
func (r Result) Millis() float64 {
	return Millis(r.Duration)
}

// Millis converts d to milliseconds rounded to two decimals.
func Millis(d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	return math.Round(ms*100) / 100
}

// Executor runs listener calls with panic recovery and timing.
// It is safe for concurrent use.
type Executor struct {
	executed    atomic.Uint64
	failed      atomic.Uint64
	panicked    atomic.Uint64
	skipped     atomic.Uint64
	totalTimeNs atomic.Int64
}

// NewExecutor creates a new executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// Execute runs fn and returns its result.
// A panic inside fn is recovered and reported through the result.
func (e *Executor) Execute(ctx context.Context, fn Func) (result Result) {
	select {
	case <-ctx.Done():
		e.skipped.Add(1)
		return Result{Err: ctx.Err(), Skipped: true}
	default:
	}

	e.executed.Add(1)
	start := time.Now()

	defer func() {
		result.Duration = time.Since(start)
		e.totalTimeNs.Add(result.Duration.Nanoseconds())

		if r := recover(); r != nil {
			result.Value = nil
			result.Panicked = true
			result.PanicValue = r
			result.PanicStack = debug.Stack()
			e.panicked.Add(1)
			return
		}
		if result.Err != nil {
			e.failed.Add(1)
		}
	}()

	result.Value, result.Err = fn(ctx)
	return result
}

// Stats contains executor statistics.
type Stats struct {
	Executed      uint64
	Failed        uint64
	Panicked      uint64
	Skipped       uint64
	TotalDuration time.Duration
}

// AverageDuration returns the average call duration.
func (s Stats) AverageDuration() time.Duration {
	if s.Executed == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Executed)
}

// Stats returns a snapshot of the executor statistics.
func (e *Executor) Stats() Stats {
	return Stats{
		Executed:      e.executed.Load(),
		Failed:        e.failed.Load(),
		Panicked:      e.panicked.Load(),
		Skipped:       e.skipped.Load(),
		TotalDuration: time.Duration(e.totalTimeNs.Load()),
	}
}

// ResetStats resets all counters to zero.
func (e *Executor) ResetStats() {
	e.executed.Store(0)
	e.failed.Store(0)
	e.panicked.Store(0)
	e.skipped.Store(0)
	e.totalTimeNs.Store(0)
}
