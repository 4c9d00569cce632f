package trace

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dshills/eventmanager/internal/event"
	"github.com/dshills/eventmanager/internal/event/dispatch"
)

const instrumentationName = "github.com/dshills/eventmanager/internal/event/trace"

// LogEntry is one dispatch in the events log.
type LogEntry struct {
	DispatchID     string  `json:"dispatch_id"`
	EventName      string  `json:"event"`
	DurationMillis float64 `json:"duration_ms"`
}

// call is a call stack entry.
type call struct {
	w            *WrappedListener
	eventName    string
	registeredAs string
}

// wrapping is one listener swapped for a wrapper during a dispatch.
type wrapping struct {
	w            *WrappedListener
	replaced     event.Listener
	registeredAs string
	priority     int
}

// Option configures a TraceableDispatcher.
type Option func(*TraceableDispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *TraceableDispatcher) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
// The global provider is used by default.
func WithTracerProvider(tp oteltrace.TracerProvider) Option {
	return func(t *TraceableDispatcher) {
		if tp != nil {
			t.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// TraceableDispatcher decorates a dispatcher to record which listeners each
// dispatch calls, how long they take, and which events had no listeners.
//
// Before delegating a dispatch it swaps every listener of the event for a
// WrappedListener and swaps the originals back afterwards. Each dispatch only
// restores its own wrappers, so listeners may dispatch again through the
// same TraceableDispatcher.
type TraceableDispatcher struct {
	inner  event.Dispatcher
	logger *zap.Logger
	tracer oteltrace.Tracer

	mu        sync.Mutex
	eventsLog []LogEntry
	callStack []call
	wrapped   map[string][]*wrapping
	orphaned  []string
}

// New creates a TraceableDispatcher around inner.
func New(inner event.Dispatcher, opts ...Option) *TraceableDispatcher {
	t := &TraceableDispatcher{
		inner:   inner,
		logger:  zap.NewNop(),
		tracer:  otel.GetTracerProvider().Tracer(instrumentationName),
		wrapped: make(map[string][]*wrapping),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("trace")
	return t
}

// Inner returns the decorated dispatcher.
func (t *TraceableDispatcher) Inner() event.Dispatcher {
	return t.inner
}

// Dispatch dispatches ev through the inner dispatcher and returns ev.
func (t *TraceableDispatcher) Dispatch(ctx context.Context, ev any, eventName string, args ...any) (any, error) {
	err := t.traced(ctx, ev, eventName, func(ctx context.Context, name string) error {
		_, err := t.inner.Dispatch(ctx, ev, name, args...)
		return err
	})
	return ev, err
}

// DispatchUntil dispatches ev until a listener returns a non-nil response.
func (t *TraceableDispatcher) DispatchUntil(ctx context.Context, ev any, eventName string, args ...any) (any, error) {
	var resp any
	err := t.traced(ctx, ev, eventName, func(ctx context.Context, name string) error {
		var err error
		resp, err = t.inner.DispatchUntil(ctx, ev, name, args...)
		return err
	})
	return resp, err
}

// Collect dispatches ev and returns the listener responses.
func (t *TraceableDispatcher) Collect(ctx context.Context, ev any, eventName string, args ...any) ([]any, error) {
	var responses []any
	err := t.traced(ctx, ev, eventName, func(ctx context.Context, name string) error {
		var err error
		responses, err = t.inner.Collect(ctx, ev, name, args...)
		return err
	})
	return responses, err
}

func (t *TraceableDispatcher) traced(ctx context.Context, ev any, eventName string, delegate func(context.Context, string) error) (err error) {
	start := time.Now()
	id := uuid.NewString()

	// An unresolvable dispatch is still logged, under the name it was given.
	name, typ, err := event.ResolveName(ev, eventName)
	if err != nil {
		name = eventName
	}

	ctx, span := t.tracer.Start(ctx, "dispatch "+name, oteltrace.WithAttributes(
		attribute.String("event.name", name),
		attribute.String("event.dispatch_id", id),
	))
	defer func() {
		entry := LogEntry{DispatchID: id, EventName: name, DurationMillis: dispatch.Millis(time.Since(start))}
		t.mu.Lock()
		t.eventsLog = append(t.eventsLog, entry)
		t.mu.Unlock()

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err != nil {
		return err
	}
	if typ != nil {
		t.RegisterType(typ)
	}

	if s, ok := ev.(event.Stoppable); ok && s.IsPropagationStopped() {
		t.logger.Debug("event already stopped, no listeners called", zap.String("event", name))
	}

	own := t.preProcess(name, id)
	defer t.postProcess(name, own)

	return delegate(ctx, name)
}

// preProcess swaps the listeners of name for wrappers.
func (t *TraceableDispatcher) preProcess(name, dispatchID string) []*wrapping {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.inner.HasListeners(name) {
		t.orphaned = append(t.orphaned, name)
		return nil
	}

	var own []*wrapping
	for _, rec := range t.records(name) {
		w := NewWrappedListener(rec.Listener,
			WithDispatcher(t),
			WithDispatchID(dispatchID),
			WithTracer(t.tracer),
		)
		wr := &wrapping{w: w, replaced: rec.Listener, registeredAs: rec.EventName, priority: rec.Priority}
		t.swap(rec.EventName, rec.Listener, w, rec.Priority)

		own = append(own, wr)
		t.wrapped[rec.EventName] = append(t.wrapped[rec.EventName], wr)
		t.callStack = append(t.callStack, call{w: w, eventName: name, registeredAs: rec.EventName})
	}
	return own
}

// postProcess restores the listeners swapped by one dispatch, logs what
// happened to them, and drops uncalled wrappers from the call stack.
func (t *TraceableDispatcher) postProcess(name string, own []*wrapping) {
	if len(own) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	mine := make(map[*WrappedListener]*wrapping, len(own))
	for _, wr := range own {
		mine[wr.w] = wr
		t.unlink(wr)
	}

	skipped := false
	for _, rec := range t.records(name) {
		w, ok := rec.Listener.(*WrappedListener)
		if !ok {
			continue
		}
		wr, ok := mine[w]
		if !ok {
			continue
		}
		delete(mine, w)
		t.swap(wr.registeredAs, w, wr.replaced, rec.Priority)

		pretty := zap.String("listener", w.Pretty())
		if w.WasCalled() {
			t.logger.Debug("listener notified", zap.String("event", name), pretty)
		} else {
			t.detach(w)
			if skipped {
				t.logger.Debug("listener not called", zap.String("event", name), pretty)
			}
		}
		if w.StoppedPropagation() {
			t.logger.Debug("listener stopped propagation", zap.String("event", name), pretty)
			skipped = true
		}
	}

	// Wrappers no longer registered were removed, or were wrapped again by a
	// dispatch still in flight. Point that dispatch at what they replaced.
	for w, wr := range mine {
		for _, other := range t.wrapped[wr.registeredAs] {
			if other.replaced == event.Listener(w) {
				other.replaced = wr.replaced
			}
		}
		if !w.WasCalled() {
			t.detach(w)
		}
	}
}

// records returns the records of name. Caller must hold t.mu.
func (t *TraceableDispatcher) records(name string) []event.Record {
	if rl, ok := t.inner.(event.RecordLister); ok {
		return rl.Records(name)
	}

	ls := t.inner.Listeners(name)
	recs := make([]event.Record, 0, len(ls))
	for _, l := range ls {
		p, _ := t.inner.ListenerPriority(name, l)
		recs = append(recs, event.Record{EventName: name, Listener: l, Priority: p})
	}
	return recs
}

// swap replaces old with replacement under name. Caller must hold t.mu.
func (t *TraceableDispatcher) swap(name string, old, replacement event.Listener, priority int) {
	if r, ok := t.inner.(event.ListenerReplacer); ok && r.ReplaceListener(name, old, replacement) {
		return
	}
	t.inner.RemoveListener(name, old)
	_ = t.inner.AddListener(name, replacement, priority)
}

// unlink removes wr from the transient wrapper lists. Caller must hold t.mu.
func (t *TraceableDispatcher) unlink(wr *wrapping) {
	list := t.wrapped[wr.registeredAs]
	for i, cur := range list {
		if cur == wr {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.wrapped, wr.registeredAs)
		return
	}
	t.wrapped[wr.registeredAs] = list
}

// detach removes w from the call stack. Caller must hold t.mu.
func (t *TraceableDispatcher) detach(w *WrappedListener) {
	for i, c := range t.callStack {
		if c.w == w {
			t.callStack = append(t.callStack[:i:i], t.callStack[i+1:]...)
			return
		}
	}
}

// owned returns the transient wrapping of w under name, if any. Caller must hold t.mu.
func (t *TraceableDispatcher) owned(name string, w *WrappedListener) *wrapping {
	for _, wr := range t.wrapped[name] {
		if wr.w == w {
			return wr
		}
	}
	return nil
}

// AddListener registers l on the inner dispatcher.
func (t *TraceableDispatcher) AddListener(eventName string, l event.Listener, priority int) error {
	return t.inner.AddListener(eventName, l, priority)
}

// RemoveListener removes the first registration of l for eventName. A wrapper
// standing in for l during a dispatch is removed instead of l.
func (t *TraceableDispatcher) RemoveListener(eventName string, l event.Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range t.records(eventName) {
		if rec.EventName != eventName {
			continue
		}
		if event.Same(rec.Listener, l) {
			break
		}
		w, ok := rec.Listener.(*WrappedListener)
		if !ok || !event.Matches(w, l) {
			continue
		}
		if wr := t.owned(eventName, w); wr != nil {
			t.inner.RemoveListener(eventName, w)
			t.unlink(wr)
			return
		}
	}
	t.inner.RemoveListener(eventName, l)
}

// RemoveListeners removes every listener of eventName.
func (t *TraceableDispatcher) RemoveListeners(eventName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.wrapped, eventName)
	t.inner.RemoveListeners(eventName)
}

// AddSubscriber registers s on the inner dispatcher.
func (t *TraceableDispatcher) AddSubscriber(s event.Subscriber) error {
	return t.inner.AddSubscriber(s)
}

// RemoveSubscriber removes s from the inner dispatcher.
func (t *TraceableDispatcher) RemoveSubscriber(s event.Subscriber) {
	t.inner.RemoveSubscriber(s)
}

// HasListeners reports whether eventName has listeners.
func (t *TraceableDispatcher) HasListeners(eventName string) bool {
	return t.inner.HasListeners(eventName)
}

// Listeners returns the listeners of eventName.
func (t *TraceableDispatcher) Listeners(eventName string) []event.Listener {
	return t.inner.Listeners(eventName)
}

// AllListeners returns the directly registered listeners of every event.
func (t *TraceableDispatcher) AllListeners() map[string][]event.Listener {
	return t.inner.AllListeners()
}

// ListenerPriority returns the priority of l for eventName.
func (t *TraceableDispatcher) ListenerPriority(eventName string, l event.Listener) (int, bool) {
	return t.inner.ListenerPriority(eventName, l)
}

// Records returns the records of eventName when the inner dispatcher exposes them.
func (t *TraceableDispatcher) Records(eventName string) []event.Record {
	if rl, ok := t.inner.(event.RecordLister); ok {
		return rl.Records(eventName)
	}
	return nil
}

// ReplaceListener swaps old for replacement when the inner dispatcher supports it.
func (t *TraceableDispatcher) ReplaceListener(eventName string, old, replacement event.Listener) bool {
	if r, ok := t.inner.(event.ListenerReplacer); ok {
		return r.ReplaceListener(eventName, old, replacement)
	}
	return false
}

// RegisterType records a type for interface-aware lookup when the inner
// dispatcher supports it.
func (t *TraceableDispatcher) RegisterType(typ reflect.Type) {
	if tr, ok := t.inner.(event.TypeRegistrar); ok {
		tr.RegisterType(typ)
	}
}

// Resolver returns the inner dispatcher's resolver, if it exposes one.
func (t *TraceableDispatcher) Resolver() event.Resolver {
	if rp, ok := t.inner.(event.ResolverProvider); ok {
		return rp.Resolver()
	}
	return nil
}

// CalledListeners returns the listeners called since the last Reset,
// in call stack order.
func (t *TraceableDispatcher) CalledListeners() []Info {
	t.mu.Lock()
	stack := make([]call, len(t.callStack))
	copy(stack, t.callStack)
	t.mu.Unlock()

	infos := make([]Info, 0, len(stack))
	for _, c := range stack {
		if !c.w.WasCalled() {
			continue
		}
		infos = append(infos, t.info(c.w, c.eventName, c.registeredAs))
	}
	return infos
}

type calledKey struct {
	name     string
	listener event.Listener
}

// NotCalledListeners returns the registered listeners absent from the call
// stack, sorted by event name, then descending priority with unknown
// priorities last. It returns an empty list if the inner dispatcher fails.
func (t *TraceableDispatcher) NotCalledListeners() []Info {
	all, ok := t.allListeners()
	if !ok {
		return []Info{}
	}

	called := make(map[calledKey]bool)
	t.mu.Lock()
	for _, c := range t.callStack {
		if !c.w.WasCalled() {
			continue
		}
		if key, ok := keyOf(c.registeredAs, c.w.Unwrap()); ok {
			called[key] = true
		}
	}
	t.mu.Unlock()

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := []Info{}
	for _, name := range names {
		for _, l := range all[name] {
			if key, ok := keyOf(name, event.Original(l)); ok && called[key] {
				continue
			}
			w, ok := l.(*WrappedListener)
			if !ok {
				w = NewWrappedListener(l, WithDispatcher(t))
			}
			infos = append(infos, w.Info(name))
		}
	}

	sort.SliceStable(infos, func(i, j int) bool {
		a, b := infos[i], infos[j]
		if a.EventName != b.EventName {
			return a.EventName < b.EventName
		}
		switch {
		case a.Priority == nil:
			return false
		case b.Priority == nil:
			return true
		default:
			return *a.Priority > *b.Priority
		}
	})
	return infos
}

func keyOf(name string, l event.Listener) (calledKey, bool) {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return calledKey{}, false
	}
	return calledKey{name: name, listener: l}, true
}

// allListeners reads every listener from the inner dispatcher, reporting
// false if it panics.
func (t *TraceableDispatcher) allListeners() (all map[string][]event.Listener, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Info("failed to get uncalled listeners", zap.Any("panic", r))
			all, ok = nil, false
		}
	}()
	return t.inner.AllListeners(), true
}

func (t *TraceableDispatcher) info(w *WrappedListener, eventName, registeredAs string) Info {
	info := w.Info(eventName)
	if registeredAs != eventName {
		info.RegisteredAs = registeredAs
	}
	return info
}

// OrphanedEvents returns the events dispatched without listeners since the last Reset.
func (t *TraceableDispatcher) OrphanedEvents() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, len(t.orphaned))
	copy(out, t.orphaned)
	return out
}

// EventsLog returns every dispatch recorded since creation.
func (t *TraceableDispatcher) EventsLog() []LogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]LogEntry, len(t.eventsLog))
	copy(out, t.eventsLog)
	return out
}

// Reset clears the call stack and orphaned events. The events log is kept.
func (t *TraceableDispatcher) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.callStack = nil
	t.orphaned = nil
}

// Report is a snapshot of the trace state.
type Report struct {
	Called    []Info     `json:"called"`
	NotCalled []Info     `json:"not_called"`
	Orphaned  []string   `json:"orphaned"`
	Events    []LogEntry `json:"events"`
}

// Report returns a snapshot of the trace state.
func (t *TraceableDispatcher) Report() Report {
	return Report{
		Called:    t.CalledListeners(),
		NotCalled: t.NotCalledListeners(),
		Orphaned:  t.OrphanedEvents(),
		Events:    t.EventsLog(),
	}
}
