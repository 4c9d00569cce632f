package event

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/eventmanager/internal/event/dispatch"
)

// Dispatcher registers listeners and dispatches events to them.
type Dispatcher interface {
	// AddListener registers l for eventName. The same listener may be
	// registered more than once.
	AddListener(eventName string, l Listener, priority int) error

	// RemoveListener removes the first registration of l for eventName.
	RemoveListener(eventName string, l Listener)

	// RemoveListeners removes every listener of eventName.
	RemoveListeners(eventName string)

	// AddSubscriber registers every mapping declared by s.
	AddSubscriber(s Subscriber) error

	// RemoveSubscriber removes every listener added for s.
	RemoveSubscriber(s Subscriber)

	// HasListeners reports whether any listener applies to eventName.
	HasListeners(eventName string) bool

	// Listeners returns the listeners of eventName in invocation order.
	Listeners(eventName string) []Listener

	// AllListeners returns the directly registered listeners of every event.
	AllListeners() map[string][]Listener

	// ListenerPriority returns the priority l is registered with for eventName.
	ListenerPriority(eventName string, l Listener) (int, bool)

	// Dispatch invokes the listeners of ev and returns ev.
	Dispatch(ctx context.Context, ev any, eventName string, args ...any) (any, error)

	// DispatchUntil invokes listeners until one returns a non-nil response,
	// which it returns. It returns nil if no listener responds.
	DispatchUntil(ctx context.Context, ev any, eventName string, args ...any) (any, error)

	// Collect invokes the listeners of ev and returns their responses.
	// A false response stops the loop and is not collected.
	Collect(ctx context.Context, ev any, eventName string, args ...any) ([]any, error)
}

type mode int

const (
	modeDispatch mode = iota
	modeUntil
	modeCollect
)

// EventDispatcher is the default Dispatcher.
// It is safe for concurrent use; each dispatch works on a snapshot of the
// listeners registered when it starts.
type EventDispatcher struct {
	registry *Registry
	resolver Resolver
	logger   *zap.Logger
	executor *dispatch.Executor
}

// New creates a dispatcher with the given options.
func New(opts ...Option) *EventDispatcher {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.registry == nil {
		cfg.registry = NewRegistry()
	}
	if cfg.resolver == nil {
		cfg.resolver = NewReflectResolver(cfg.locator)
	}

	return &EventDispatcher{
		registry: cfg.registry,
		resolver: cfg.resolver,
		logger:   cfg.logger.Named("event"),
		executor: dispatch.NewExecutor(),
	}
}

// AddListener registers l for eventName.
func (d *EventDispatcher) AddListener(eventName string, l Listener, priority int) error {
	if eventName == "" || eventName == Wildcard {
		return fmt.Errorf("%w: %q", ErrInvalidEventName, eventName)
	}
	if err := validateListener(l); err != nil {
		return err
	}

	d.registry.Add(eventName, l, priority, CallerSite())
	return nil
}

// RemoveListener removes the first registration of l for eventName.
func (d *EventDispatcher) RemoveListener(eventName string, l Listener) {
	d.registry.Remove(eventName, l)
}

// RemoveListeners removes every listener of eventName.
func (d *EventDispatcher) RemoveListeners(eventName string) {
	d.registry.RemoveAll(eventName)
}

// ReplaceListener swaps old for replacement in place.
func (d *EventDispatcher) ReplaceListener(eventName string, old, replacement Listener) bool {
	return d.registry.Replace(eventName, old, replacement)
}

// AddSubscriber registers every mapping declared by s.
// No listener is added if any mapping is invalid.
func (d *EventDispatcher) AddSubscriber(s Subscriber) error {
	subs, err := expand(s)
	if err != nil {
		return err
	}

	site := CallerSite()
	for _, sub := range subs {
		d.registry.Add(sub.name, sub.target, sub.priority, site)
	}
	return nil
}

// RemoveSubscriber removes every listener added for s.
func (d *EventDispatcher) RemoveSubscriber(s Subscriber) {
	if s == nil {
		return
	}
	for name, handles := range s.SubscribedEvents() {
		for _, h := range handles {
			d.registry.RemoveFunc(name, subscribedBy(s, h.Method))
		}
	}
}

// HasListeners reports whether any listener applies to eventName.
func (d *EventDispatcher) HasListeners(eventName string) bool {
	return d.registry.Has(eventName)
}

// Listeners returns the listeners of eventName in invocation order.
func (d *EventDispatcher) Listeners(eventName string) []Listener {
	return d.registry.Listeners(eventName)
}

// Records returns the records of eventName in invocation order.
func (d *EventDispatcher) Records(eventName string) []Record {
	return d.registry.Records(eventName)
}

// AllListeners returns the directly registered listeners of every event.
func (d *EventDispatcher) AllListeners() map[string][]Listener {
	return d.registry.All()
}

// ListenerPriority returns the priority l is registered with for eventName.
func (d *EventDispatcher) ListenerPriority(eventName string, l Listener) (int, bool) {
	return d.registry.Priority(eventName, l)
}

// RegisterType records t for interface-aware lookup.
func (d *EventDispatcher) RegisterType(t reflect.Type) {
	d.registry.RegisterType(t)
}

// Resolver returns the resolver used for plain targets.
func (d *EventDispatcher) Resolver() Resolver {
	return d.resolver
}

// Stats returns listener execution statistics.
func (d *EventDispatcher) Stats() dispatch.Stats {
	return d.executor.Stats()
}

// Dispatch invokes the listeners of ev and returns ev.
// An empty eventName derives the name from ev.
func (d *EventDispatcher) Dispatch(ctx context.Context, ev any, eventName string, args ...any) (any, error) {
	_, err := d.run(ctx, ev, eventName, args, modeDispatch)
	return ev, err
}

// DispatchUntil invokes listeners until one returns a non-nil response.
func (d *EventDispatcher) DispatchUntil(ctx context.Context, ev any, eventName string, args ...any) (any, error) {
	responses, err := d.run(ctx, ev, eventName, args, modeUntil)
	if err != nil || len(responses) == 0 {
		return nil, err
	}
	return responses[0], nil
}

// Collect invokes the listeners of ev and returns their responses.
func (d *EventDispatcher) Collect(ctx context.Context, ev any, eventName string, args ...any) ([]any, error) {
	return d.run(ctx, ev, eventName, args, modeCollect)
}

func (d *EventDispatcher) run(ctx context.Context, ev any, eventName string, extra []any, m mode) ([]any, error) {
	name, typ, err := ResolveName(ev, eventName)
	if err != nil {
		return nil, err
	}
	if typ != nil {
		d.registry.RegisterType(typ)
	}

	records := d.registry.Records(name)
	if len(records) == 0 {
		return nil, nil
	}

	args := Arguments{Event: ev, Name: name, Dispatcher: d, Extra: extra}
	stoppable, _ := ev.(Stoppable)

	var responses []any
	for _, rec := range records {
		if stoppable != nil && stoppable.IsPropagationStopped() {
			d.logger.Debug("propagation stopped", zap.String("event", name))
			break
		}

		resp, err := d.call(ctx, rec, args)
		if err != nil {
			return responses, err
		}

		switch m {
		case modeUntil:
			if resp != nil {
				return []any{resp}, nil
			}
		case modeCollect:
			if b, ok := resp.(bool); ok && !b {
				return responses, nil
			}
			responses = append(responses, resp)
		}
	}

	if m == modeUntil {
		return nil, nil
	}
	return responses, nil
}

func (d *EventDispatcher) call(ctx context.Context, rec Record, args Arguments) (any, error) {
	var fn dispatch.Func
	if inv, ok := rec.Listener.(Invoker); ok {
		fn = func(ctx context.Context) (any, error) {
			return inv.Invoke(ctx, args)
		}
	} else {
		target := rec.Listener.Target()
		fn = func(ctx context.Context) (any, error) {
			return d.resolver.Invoke(ctx, target, args)
		}
	}

	result := d.executor.Execute(ctx, fn)
	switch {
	case result.Panicked:
		d.logger.Debug("listener panicked",
			zap.String("event", args.Name),
			zap.String("listener", Describe(rec.Listener)),
			zap.Any("panic", result.PanicValue),
		)
		return nil, &PanicError{
			EventName: args.Name,
			Listener:  Describe(rec.Listener),
			Value:     result.PanicValue,
			Stack:     string(result.PanicStack),
		}
	case result.Skipped:
		return nil, result.Err
	case result.Err != nil:
		return nil, wrapListenerError(args.Name, rec.Listener, result.Err)
	}
	return result.Value, nil
}

func wrapListenerError(name string, l Listener, err error) error {
	var le *ListenerError
	if errors.As(err, &le) && le.EventName == name {
		return err
	}
	var pe *PanicError
	if errors.As(err, &pe) && pe.EventName == name {
		return err
	}
	return &ListenerError{EventName: name, Listener: Describe(l), Err: err}
}

func validateListener(l Listener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", ErrInvalidListener)
	}
	if _, ok := l.(Invoker); ok {
		return nil
	}
	return l.Target().Validate()
}

// On registers l for the event type T and records T for interface-aware lookup.
func On[T any](d Dispatcher, l Listener, priority int) error {
	if tr, ok := d.(TypeRegistrar); ok {
		tr.RegisterType(reflect.TypeFor[T]())
	}
	return d.AddListener(TypeName[T](), l, priority)
}

// Listen registers l for each of eventNames. Either every registration is
// made or none is.
func Listen(d Dispatcher, eventNames []string, l Listener, priority int) error {
	for _, name := range eventNames {
		if name == "" || name == Wildcard {
			return fmt.Errorf("%w: %q", ErrInvalidEventName, name)
		}
	}
	for i, name := range eventNames {
		if err := d.AddListener(name, l, priority); err != nil {
			for _, added := range eventNames[:i] {
				d.RemoveListener(added, l)
			}
			return err
		}
	}
	return nil
}

// Override replaces every listener of eventName with l.
// The existing listeners are kept if l cannot be registered.
func Override(d Dispatcher, eventName string, l Listener, priority int) error {
	if eventName == "" || eventName == Wildcard {
		return fmt.Errorf("%w: %q", ErrInvalidEventName, eventName)
	}
	if err := validateListener(l); err != nil {
		return err
	}
	d.RemoveListeners(eventName)
	return d.AddListener(eventName, l, priority)
}

var (
	eventPkg = reflect.TypeFor[Registry]().PkgPath()
	tracePkg = eventPkg + "/trace"
)

// CallerSite returns the file:line of the first caller outside the event
// packages, or "" if none is found. Test files are never skipped.
func CallerSite() string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if f.File == "" {
			return ""
		}
		if !internalFrame(f) {
			return fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
		}
		if !more {
			return ""
		}
	}
}

func internalFrame(f runtime.Frame) bool {
	if strings.HasSuffix(f.File, "_test.go") {
		return false
	}
	return strings.HasPrefix(f.Function, eventPkg+".") || strings.HasPrefix(f.Function, tracePkg+".")
}
