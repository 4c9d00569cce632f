package script

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Default limits for Lua state.
const (
	DefaultExecutionTimeout = 5 * time.Second
	DefaultCallStackSize    = 256
)

// State wraps a sandboxed gopher-lua state.
//
// gopher-lua's LState is not goroutine-safe. State serializes every
// operation with a mutex, so a module may be called from concurrent
// dispatches but never runs two calls at once.
type State struct {
	L *lua.LState

	mu      sync.Mutex
	timeout time.Duration
	closed  bool
}

// NewState creates a sandboxed Lua state. The logger receives print output.
func NewState(timeout time.Duration, callStackSize int, logger *zap.Logger) *State {
	if callStackSize <= 0 {
		callStackSize = DefaultCallStackSize
	}
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: callStackSize,
	})
	installSandbox(L, logger)

	return &State{L: L, timeout: timeout}
}

// Do runs fn with exclusive access to the Lua state. The call is bounded by
// ctx and the state timeout.
func (s *State) Do(ctx context.Context, fn func(L *lua.LState) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	defer cancel()

	s.L.SetContext(callCtx)
	defer s.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	err = fn(s.L)
	if err != nil && callCtx.Err() != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrExecutionTimeout, s.timeout)
	}
	return err
}

// Run compiles and executes src, returning its first result.
func (s *State) Run(ctx context.Context, name, src string) (lua.LValue, error) {
	var ret lua.LValue = lua.LNil
	err := s.Do(ctx, func(L *lua.LState) error {
		fn, err := L.Load(strings.NewReader(src), name)
		if err != nil {
			return err
		}
		L.Push(fn)
		if err := L.PCall(0, 1, nil); err != nil {
			return err
		}
		ret = L.Get(-1)
		L.Pop(1)
		return nil
	})
	return ret, err
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the Lua state. After Close every call returns
// ErrStateClosed.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
