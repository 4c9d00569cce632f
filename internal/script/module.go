package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/dshills/eventmanager/internal/container"
	"github.com/dshills/eventmanager/internal/event"
)

// SubscriptionsField is the exported table mapping event names to module
// functions.
const SubscriptionsField = "subscribed_events"

// Option configures module loading.
type Option func(*options)

type options struct {
	timeout       time.Duration
	callStackSize int
	logger        *zap.Logger
}

// WithTimeout bounds every call into the module. Zero disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithCallStackSize sets the Lua call stack size.
func WithCallStackSize(n int) Option {
	return func(o *options) {
		o.callStackSize = n
	}
}

// WithLogger sets the logger for print output and call failures.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Module is a Lua chunk whose returned table exports listener functions.
//
//	return {
//	  subscribed_events = {
//	    ["order.placed"] = "on_order",
//	    ["order.paid"] = { "on_paid", 10 },
//	  },
//	  on_order = function(name, payload, evt)
//	    payload.seen = true
//	    evt:stop()
//	  end,
//	}
//
// Each function is called with the event name, the event payload and an
// event handle exposing name, subject, stop and stopped. Changes a function
// makes to the payload table are written back to a *event.GenericEvent.
//
// Module implements event.MethodCaller, so once bound in a container its
// functions are reachable as "module@function" listener references. It
// also implements event.Subscriber through its subscribed_events table.
type Module struct {
	name    string
	state   *State
	exports *lua.LTable
	funcs   []string
	subs    map[string][]event.Handle
	logger  *zap.Logger
}

// Load runs src in a fresh sandboxed state and wraps the table it returns.
func Load(name, src string, opts ...Option) (*Module, error) {
	o := options{
		timeout:       DefaultExecutionTimeout,
		callStackSize: DefaultCallStackSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	logger := o.logger.Named("script").With(zap.String("module", name))

	state := NewState(o.timeout, o.callStackSize, logger)
	ret, err := state.Run(context.Background(), name, src)
	if err != nil {
		state.Close()
		return nil, &ScriptError{Module: name, Err: err}
	}

	exports, ok := ret.(*lua.LTable)
	if !ok {
		state.Close()
		return nil, &ScriptError{Module: name, Err: fmt.Errorf("%w, got %s", ErrNotModule, ret.Type())}
	}

	subs, err := parseSubscriptions(exports)
	if err != nil {
		state.Close()
		return nil, &ScriptError{Module: name, Err: err}
	}

	var funcs []string
	exports.ForEach(func(k, v lua.LValue) {
		if ks, ok := k.(lua.LString); ok && v.Type() == lua.LTFunction {
			funcs = append(funcs, string(ks))
		}
	})
	sort.Strings(funcs)

	return &Module{
		name:    name,
		state:   state,
		exports: exports,
		funcs:   funcs,
		subs:    subs,
		logger:  logger,
	}, nil
}

// LoadFile loads a module named after the file without its extension.
func LoadFile(path string, opts ...Option) (*Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Load(name, string(src), opts...)
}

// LoadDir loads every *.lua file in dir, ordered by file name.
func LoadDir(dir string, opts ...Option) ([]*Module, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}

	modules := make([]*Module, 0, len(paths))
	for _, path := range paths {
		m, err := LoadFile(path, opts...)
		if err != nil {
			for _, loaded := range modules {
				loaded.Close()
			}
			return nil, err
		}
		modules = append(modules, m)
	}
	return modules, nil
}

// Name returns the module name.
func (m *Module) Name() string {
	return m.name
}

// Pretty returns the module name, so subscribed listeners are described
// as "name::function".
func (m *Module) Pretty() string {
	return m.name
}

// Functions returns the names of the exported functions, sorted.
func (m *Module) Functions() []string {
	return slices.Clone(m.funcs)
}

// Has reports whether the module exports a function named fn.
func (m *Module) Has(fn string) bool {
	_, found := slices.BinarySearch(m.funcs, fn)
	return found
}

// SubscribedEvents returns the mappings declared in subscribed_events.
func (m *Module) SubscribedEvents() map[string][]event.Handle {
	out := make(map[string][]event.Handle, len(m.subs))
	for name, handles := range m.subs {
		out[name] = append([]event.Handle(nil), handles...)
	}
	return out
}

// CallMethod calls the exported function method with (name, payload, evt)
// and returns its first result converted to Go.
func (m *Module) CallMethod(ctx context.Context, method string, args event.Arguments) (any, error) {
	var result any
	err := m.state.Do(ctx, func(L *lua.LState) error {
		fn, ok := m.exports.RawGetString(method).(*lua.LFunction)
		if !ok {
			return ErrFunctionNotFound
		}

		payload := toLua(L, payloadOf(args.Event))
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true},
			lua.LString(args.Name), payload, eventHandle(L, args)); err != nil {
			return err
		}
		ret := L.Get(-1)
		L.Pop(1)
		result = toGo(ret)

		if ge, ok := args.Event.(*event.GenericEvent); ok {
			if t, ok := payload.(*lua.LTable); ok {
				ge.SetArguments(tableMap(t, make(map[*lua.LTable]bool)))
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Debug("lua call failed",
			zap.String("function", method),
			zap.String("event", args.Name),
			zap.Error(err),
		)
		return nil, &ScriptError{Module: m.name, Function: method, Err: err}
	}
	return result, nil
}

// Close releases the module's Lua state.
func (m *Module) Close() error {
	return m.state.Close()
}

// payloadOf returns the table contents passed to Lua for ev.
func payloadOf(ev any) any {
	switch v := ev.(type) {
	case nil:
		return map[string]any{}
	case *event.GenericEvent:
		return v.Arguments()
	case map[string]any:
		return v
	}
	return ev
}

// eventHandle builds the evt argument passed to module functions.
func eventHandle(L *lua.LState, args event.Arguments) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("name", lua.LString(args.Name))
	if ge, ok := args.Event.(*event.GenericEvent); ok {
		t.RawSetString("subject", toLua(L, ge.Subject()))
	}

	stopper, _ := args.Event.(event.PropagationStopper)
	stoppable, _ := args.Event.(event.Stoppable)

	t.RawSetString("stop", L.NewFunction(func(L *lua.LState) int {
		if stopper == nil {
			L.RaiseError("event %q cannot stop propagation", args.Name)
			return 0
		}
		stopper.StopPropagation()
		return 0
	}))
	t.RawSetString("stopped", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(stoppable != nil && stoppable.IsPropagationStopped()))
		return 1
	}))
	return t
}

// parseSubscriptions reads the subscribed_events table. Values may be a
// function name, a {name, priority} pair, or a list of pairs.
func parseSubscriptions(exports *lua.LTable) (map[string][]event.Handle, error) {
	subs := make(map[string][]event.Handle)
	raw := exports.RawGetString(SubscriptionsField)
	if raw == lua.LNil {
		return subs, nil
	}
	table, ok := raw.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: expected table, got %s", ErrInvalidSubscriptions, raw.Type())
	}

	var err error
	table.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		name, ok := k.(lua.LString)
		if !ok {
			err = fmt.Errorf("%w: event name %v is not a string", ErrInvalidSubscriptions, k)
			return
		}
		var handles []event.Handle
		handles, err = parseHandles(string(name), v)
		if err != nil {
			return
		}
		for _, h := range handles {
			if exports.RawGetString(h.Method).Type() != lua.LTFunction {
				err = fmt.Errorf("%w: %q maps to missing function %q", ErrInvalidSubscriptions, string(name), h.Method)
				return
			}
		}
		subs[string(name)] = handles
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func parseHandles(name string, v lua.LValue) ([]event.Handle, error) {
	switch val := v.(type) {
	case lua.LString:
		return []event.Handle{{Method: string(val)}}, nil
	case *lua.LTable:
		if _, nested := val.RawGetInt(1).(*lua.LTable); !nested {
			h, err := parseHandle(name, val)
			if err != nil {
				return nil, err
			}
			return []event.Handle{h}, nil
		}
		var handles []event.Handle
		for i := 1; i <= val.Len(); i++ {
			entry, ok := val.RawGetInt(i).(*lua.LTable)
			if !ok {
				return nil, fmt.Errorf("%w: %q entry %d is not a table", ErrInvalidSubscriptions, name, i)
			}
			h, err := parseHandle(name, entry)
			if err != nil {
				return nil, err
			}
			handles = append(handles, h)
		}
		return handles, nil
	}
	return nil, fmt.Errorf("%w: %q has unsupported value %s", ErrInvalidSubscriptions, name, v.Type())
}

func parseHandle(name string, t *lua.LTable) (event.Handle, error) {
	method, ok := t.RawGetInt(1).(lua.LString)
	if !ok {
		return event.Handle{}, fmt.Errorf("%w: %q entry has no function name", ErrInvalidSubscriptions, name)
	}
	h := event.Handle{Method: string(method)}
	switch p := t.RawGetInt(2).(type) {
	case lua.LNumber:
		h.Priority = int(p)
	case *lua.LNilType:
	default:
		return event.Handle{}, fmt.Errorf("%w: %q priority is %s", ErrInvalidSubscriptions, name, p.Type())
	}
	return h, nil
}

// Install binds each module in c under its name, making its functions
// resolvable as "name@function" references.
func Install(c *container.Container, modules ...*Module) {
	for _, m := range modules {
		c.Bind(m.Name(), m)
	}
}

// Subscribe adds every module's subscribed_events to d.
func Subscribe(d event.Dispatcher, modules ...*Module) error {
	for _, m := range modules {
		if err := d.AddSubscriber(m); err != nil {
			return fmt.Errorf("subscribe %s: %w", m.Name(), err)
		}
	}
	return nil
}
