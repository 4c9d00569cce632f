package trace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dshills/eventmanager/internal/event"
	"github.com/dshills/eventmanager/internal/event/dispatch"
)

// Info describes one listener for reporting.
type Info struct {
	// EventName is the event the listener was dispatched for or registered under.
	EventName string `json:"event"`

	// RegisteredAs is the name the listener is registered under when it
	// differs from EventName, as for interface listeners.
	RegisteredAs string `json:"registered_as,omitempty"`

	// Pretty is the human-readable listener description.
	Pretty string `json:"pretty"`

	// Priority is the registered priority, if known.
	Priority *int `json:"priority"`

	// Duration is the call duration in milliseconds, if the listener was called.
	Duration *float64 `json:"duration_ms"`

	// Called reports whether the listener was invoked.
	Called bool `json:"called"`

	// StoppedPropagation reports whether the listener stopped the event.
	StoppedPropagation bool `json:"stopped_propagation"`

	// DispatchID identifies the dispatch the listener was wrapped for.
	DispatchID string `json:"dispatch_id,omitempty"`
}

// WrappedListener decorates a listener with call metadata for one dispatch.
type WrappedListener struct {
	listener   event.Listener
	dispatcher event.Dispatcher
	resolver   event.Resolver
	tracer     oteltrace.Tracer
	dispatchID string
	pretty     string

	mu       sync.Mutex
	called   bool
	stopped  bool
	priority *int
	duration *float64
}

// WrappedOption configures a WrappedListener.
type WrappedOption func(*WrappedListener)

// WithDispatcher fixes the dispatcher passed to the listener and queried
// for its priority.
func WithDispatcher(d event.Dispatcher) WrappedOption {
	return func(w *WrappedListener) {
		w.dispatcher = d
	}
}

// WithResolver sets the resolver used when the listener does not have the
// fixed signature.
func WithResolver(r event.Resolver) WrappedOption {
	return func(w *WrappedListener) {
		w.resolver = r
	}
}

// WithDispatchID tags the wrapper with the dispatch it belongs to.
func WithDispatchID(id string) WrappedOption {
	return func(w *WrappedListener) {
		w.dispatchID = id
	}
}

// WithTracer sets the OpenTelemetry tracer used for the listener span.
func WithTracer(t oteltrace.Tracer) WrappedOption {
	return func(w *WrappedListener) {
		if t != nil {
			w.tracer = t
		}
	}
}

// NewWrappedListener wraps l. Wrapping a WrappedListener wraps its listener.
func NewWrappedListener(l event.Listener, opts ...WrappedOption) *WrappedListener {
	if inner, ok := l.(*WrappedListener); ok {
		l = inner.listener
	}

	w := &WrappedListener{
		listener: l,
		pretty:   event.Describe(l),
		tracer:   noop.NewTracerProvider().Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Target returns the wrapped listener's target.
func (w *WrappedListener) Target() *event.Target {
	return w.listener.Target()
}

// Unwrap returns the wrapped listener.
func (w *WrappedListener) Unwrap() event.Listener {
	return w.listener
}

// Pretty returns the human-readable listener description.
func (w *WrappedListener) Pretty() string {
	return w.pretty
}

// DispatchID returns the dispatch the wrapper was created for.
func (w *WrappedListener) DispatchID() string {
	return w.dispatchID
}

// WasCalled reports whether the listener was invoked.
func (w *WrappedListener) WasCalled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.called
}

// StoppedPropagation reports whether the event was stopped after this listener ran.
func (w *WrappedListener) StoppedPropagation() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// Invoke calls the wrapped listener and records call metadata.
func (w *WrappedListener) Invoke(ctx context.Context, args event.Arguments) (any, error) {
	if w.dispatcher != nil {
		args.Dispatcher = w.dispatcher
	}

	var priority *int
	if args.Dispatcher != nil {
		if p, ok := args.Dispatcher.ListenerPriority(args.Name, w); ok {
			priority = &p
		} else if p, ok := args.Dispatcher.ListenerPriority(args.Name, w.listener); ok {
			priority = &p
		}
	}

	w.mu.Lock()
	w.called = true
	w.priority = priority
	w.mu.Unlock()

	ctx, span := w.tracer.Start(ctx, "listener "+w.pretty, oteltrace.WithAttributes(
		attribute.String("event.name", args.Name),
		attribute.String("event.listener", w.pretty),
	))
	start := time.Now()
	defer func() {
		ms := dispatch.Millis(time.Since(start))
		w.mu.Lock()
		w.duration = &ms
		w.mu.Unlock()
		span.End()
	}()

	v, err := w.call(ctx, args)

	if s, ok := args.Event.(event.Stoppable); ok && s.IsPropagationStopped() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		span.SetAttributes(attribute.Bool("event.stopped_propagation", true))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}

// call invokes the listener through the fixed signature when it has one,
// otherwise once through the resolver.
func (w *WrappedListener) call(ctx context.Context, args event.Arguments) (any, error) {
	if inv, ok := w.listener.(event.Invoker); ok {
		return inv.Invoke(ctx, args)
	}

	target := w.listener.Target()
	if target == nil {
		return nil, fmt.Errorf("%w: %s has no target", event.ErrInvalidListener, w.pretty)
	}
	if target.Kind() == event.KindFunc {
		if v, ok, err := event.CallFixed(ctx, target.Fn(), args); ok {
			return v, err
		}
	}
	return w.resolverFor(args.Dispatcher).Invoke(ctx, target, args)
}

func (w *WrappedListener) resolverFor(d event.Dispatcher) event.Resolver {
	if w.resolver != nil {
		return w.resolver
	}
	if rp, ok := d.(event.ResolverProvider); ok {
		if r := rp.Resolver(); r != nil {
			return r
		}
	}
	return event.NewReflectResolver(nil)
}

// Info returns the listener's report for eventName. When the listener has
// not been called its priority is looked up on the fixed dispatcher.
func (w *WrappedListener) Info(eventName string) Info {
	w.mu.Lock()
	info := Info{
		EventName:          eventName,
		Pretty:             w.pretty,
		Priority:           w.priority,
		Duration:           w.duration,
		Called:             w.called,
		StoppedPropagation: w.stopped,
		DispatchID:         w.dispatchID,
	}
	w.mu.Unlock()

	if info.Priority == nil && w.dispatcher != nil {
		if p, ok := w.dispatcher.ListenerPriority(eventName, w.listener); ok {
			info.Priority = &p
		}
	}
	return info
}
