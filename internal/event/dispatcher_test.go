package event

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func recorder(calls *[]string, label string) *Target {
	return Func(func() {
		*calls = append(*calls, label)
	})
}

func TestDispatcher_PriorityOrder(t *testing.T) {
	d := New()
	var calls []string

	d.AddListener("foo", recorder(&calls, "5"), 5)
	d.AddListener("foo", recorder(&calls, "20"), 20)
	d.AddListener("foo", recorder(&calls, "10"), 10)

	if _, err := d.Dispatch(context.Background(), nil, "foo"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Join(calls, ",") != "20,10,5" {
		t.Errorf("expected [20 10 5], got %v", calls)
	}
}

func TestDispatcher_ReturnsEvent(t *testing.T) {
	d := New()
	ev := &orderPlaced{ID: "1"}

	got, err := d.Dispatch(context.Background(), ev, "order.placed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != ev {
		t.Error("expected Dispatch with no listeners to return the event unchanged")
	}

	d.AddListener("order.placed", Func(func(e *orderPlaced) { e.ID = "2" }), 0)
	got, _ = d.Dispatch(context.Background(), ev, "order.placed")
	if got.(*orderPlaced).ID != "2" {
		t.Errorf("expected mutated event, got %v", got)
	}
}

func TestDispatcher_InvalidNames(t *testing.T) {
	d := New()
	ctx := context.Background()

	for _, name := range []string{"", Wildcard} {
		if err := d.AddListener(name, newTestListener(), 0); !errors.Is(err, ErrInvalidEventName) {
			t.Errorf("AddListener(%q): expected ErrInvalidEventName, got %v", name, err)
		}
		if _, err := d.Dispatch(ctx, nil, name); !errors.Is(err, ErrInvalidEventName) {
			t.Errorf("Dispatch(%q): expected ErrInvalidEventName, got %v", name, err)
		}
		if _, err := d.DispatchUntil(ctx, nil, name); !errors.Is(err, ErrInvalidEventName) {
			t.Errorf("DispatchUntil(%q): expected ErrInvalidEventName, got %v", name, err)
		}
		if _, err := d.Collect(ctx, nil, name); !errors.Is(err, ErrInvalidEventName) {
			t.Errorf("Collect(%q): expected ErrInvalidEventName, got %v", name, err)
		}
	}
}

func TestDispatcher_InvalidListener(t *testing.T) {
	d := New()

	if err := d.AddListener("foo", nil, 0); !errors.Is(err, ErrInvalidListener) {
		t.Errorf("expected ErrInvalidListener for nil, got %v", err)
	}
	if err := d.AddListener("foo", Func("not a func"), 0); !errors.Is(err, ErrInvalidListener) {
		t.Errorf("expected ErrInvalidListener for non-func, got %v", err)
	}
	if d.HasListeners("foo") {
		t.Error("expected invalid listeners not to be registered")
	}
}

func TestDispatcher_StopPropagation(t *testing.T) {
	d := New()
	var calls []string

	d.AddListener("foo", Func(func(e *orderPlaced) {
		calls = append(calls, "first")
		e.StopPropagation()
	}), 10)
	d.AddListener("foo", recorder(&calls, "second"), 0)

	ev := &orderPlaced{}
	d.Dispatch(context.Background(), ev, "foo")

	if len(calls) != 1 || calls[0] != "first" {
		t.Errorf("expected only first listener, got %v", calls)
	}
	if !ev.IsPropagationStopped() {
		t.Error("expected event to be stopped")
	}

	calls = nil
	d.Dispatch(context.Background(), ev, "foo")
	if len(calls) != 0 {
		t.Errorf("expected already stopped event to skip listeners, got %v", calls)
	}
}

func TestDispatcher_DerivedName(t *testing.T) {
	d := New()
	var got string

	if err := d.AddListener(NameOf(&orderPlaced{}), Func(func(e *orderPlaced, name string) { got = name }), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.Dispatch(context.Background(), &orderPlaced{}, "")
	if got != NameOf(&orderPlaced{}) {
		t.Errorf("expected derived name, got %q", got)
	}

	var str string
	d.AddListener("ping", Func(func(name string) { str = name }), 0)
	d.Dispatch(context.Background(), "ping", "")
	if str != "ping" {
		t.Errorf("expected string event to be its own name, got %q", str)
	}
}

func TestDispatcher_InterfaceListeners(t *testing.T) {
	d := New()
	var calls []string

	if err := On[auditable](d, Func(func(a auditable) { calls = append(calls, "audit:"+a.AuditKey()) }), 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.AddListener(NameOf(&orderPlaced{}), recorder(&calls, "direct10"), 10)
	d.AddListener(NameOf(&orderPlaced{}), recorder(&calls, "direct5"), 5)

	d.Dispatch(context.Background(), &orderPlaced{ID: "9"}, "")

	want := []string{"direct10", "direct5", "audit:order:9"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("expected %v, got %v", want, calls)
	}

	calls = nil
	d.Dispatch(context.Background(), &orderPlaced{ID: "9"}, "custom.name")
	if len(calls) != 0 {
		t.Errorf("expected explicitly named dispatch to skip type listeners, got %v", calls)
	}
}

func TestDispatcher_DispatchUntil(t *testing.T) {
	d := New()
	var calls []string

	d.AddListener("query", Func(func() any { calls = append(calls, "nil"); return nil }), 30)
	d.AddListener("query", Func(func() string { calls = append(calls, "answer"); return "42" }), 20)
	d.AddListener("query", recorder(&calls, "never"), 10)

	v, err := d.DispatchUntil(context.Background(), nil, "query")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "42" {
		t.Errorf("expected first non-nil response, got %v", v)
	}
	if !reflect.DeepEqual(calls, []string{"nil", "answer"}) {
		t.Errorf("expected loop to halt, got %v", calls)
	}

	v, err = d.DispatchUntil(context.Background(), nil, "nobody")
	if v != nil || err != nil {
		t.Errorf("expected nil response, got %v, %v", v, err)
	}
}

func TestDispatcher_Collect(t *testing.T) {
	d := New()

	d.AddListener("vote", Func(func() int { return 1 }), 40)
	d.AddListener("vote", Func(func() {}), 30)
	d.AddListener("vote", Func(func() bool { return false }), 20)
	d.AddListener("vote", Func(func() int { return 3 }), 10)

	responses, err := d.Collect(context.Background(), nil, "vote")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []any{1, nil}
	if !reflect.DeepEqual(responses, want) {
		t.Errorf("expected %v, got %v", want, responses)
	}
}

func TestDispatcher_ListenerError(t *testing.T) {
	d := New()
	boom := errors.New("boom")
	var calls []string

	d.AddListener("foo", Func(func() error { return boom }), 10)
	d.AddListener("foo", recorder(&calls, "after"), 0)

	_, err := d.Dispatch(context.Background(), nil, "foo")
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	var le *ListenerError
	if !errors.As(err, &le) || le.EventName != "foo" || le.Listener != "closure" {
		t.Errorf("expected ListenerError with context, got %v", err)
	}
	if len(calls) != 0 {
		t.Error("expected error to stop the dispatch")
	}
}

func TestDispatcher_Panic(t *testing.T) {
	d := New()
	d.AddListener("foo", Func(func() { panic("kaboom") }), 0)

	_, err := d.Dispatch(context.Background(), nil, "foo")
	if !errors.Is(err, ErrListenerPanic) {
		t.Fatalf("expected ErrListenerPanic, got %v", err)
	}
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "kaboom" || pe.Stack == "" {
		t.Errorf("expected PanicError details, got %+v", pe)
	}
	if d.Stats().Panicked != 1 {
		t.Errorf("expected 1 panicked call, got %d", d.Stats().Panicked)
	}
}

func TestDispatcher_ResolutionErrorPropagates(t *testing.T) {
	d := New()
	d.AddListener("foo", Func(func(g *greeter) {}), 0)

	_, err := d.Dispatch(context.Background(), nil, "foo")
	var re *ResolutionError
	if !errors.As(err, &re) {
		t.Errorf("expected ResolutionError, got %v", err)
	}
}

func TestDispatcher_CancelledContext(t *testing.T) {
	d := New()
	var calls []string
	d.AddListener("foo", recorder(&calls, "a"), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dispatch(ctx, nil, "foo")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(calls) != 0 {
		t.Error("expected no listener to run")
	}
}

func TestDispatcher_RemoveDuringDispatch(t *testing.T) {
	d := New()
	var calls []string
	var self *Target

	self = Func(func(disp Dispatcher) {
		calls = append(calls, "self")
		disp.RemoveListener("foo", self)
	})
	d.AddListener("foo", self, 10)
	d.AddListener("foo", recorder(&calls, "other"), 0)

	d.Dispatch(context.Background(), nil, "foo")

	if !reflect.DeepEqual(calls, []string{"self", "other"}) {
		t.Errorf("expected both listeners to run, got %v", calls)
	}
	if got := len(d.Listeners("foo")); got != 1 {
		t.Errorf("expected 1 listener left, got %d", got)
	}
}

func TestDispatcher_NestedDispatch(t *testing.T) {
	d := New()
	var calls []string

	d.AddListener("outer", Func(func(ctx context.Context, disp Dispatcher) error {
		calls = append(calls, "outer")
		_, err := disp.Dispatch(ctx, nil, "inner")
		return err
	}), 0)
	d.AddListener("inner", recorder(&calls, "inner"), 0)

	if _, err := d.Dispatch(context.Background(), nil, "outer"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(calls, []string{"outer", "inner"}) {
		t.Errorf("expected nested dispatch, got %v", calls)
	}
}

func TestDispatcher_ExtraArguments(t *testing.T) {
	d := New()
	var got string
	d.AddListener("greet", Func(func(name string, who *greeter) { got = who.prefix }), 0)

	d.Dispatch(context.Background(), nil, "greet", &greeter{prefix: "hi"})
	if got != "hi" {
		t.Errorf("expected extra argument, got %q", got)
	}
}

func TestDispatcher_Locator(t *testing.T) {
	g := &greeter{prefix: "svc"}
	d := New(WithLocator(&stubLocator{
		services:  map[reflect.Type]any{reflect.TypeFor[*greeter](): g},
		instances: map[string]any{"mailer": &mailer{}},
	}))

	var got *greeter
	d.AddListener("foo", Func(func(gr *greeter) { got = gr }), 0)
	d.AddListener("foo", Ref("mailer@Send"), 0)

	if _, err := d.Dispatch(context.Background(), &orderPlaced{ID: "1"}, "foo"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != g {
		t.Error("expected locator service")
	}
}

func TestDispatcher_ListenerPriority(t *testing.T) {
	d := New()
	l := newTestListener()
	d.AddListener("foo", l, 15)

	if p, ok := d.ListenerPriority("foo", l); !ok || p != 15 {
		t.Errorf("expected priority 15, got %d (%v)", p, ok)
	}
	if _, ok := d.ListenerPriority("foo", newTestListener()); ok {
		t.Error("expected unknown listener to have no priority")
	}
}

func TestDispatcher_RemoveListeners(t *testing.T) {
	d := New()
	d.AddListener("foo", newTestListener(), 0)
	d.AddListener("foo", newTestListener(), 0)
	d.AddListener("bar", newTestListener(), 0)

	d.RemoveListeners("foo")
	if d.HasListeners("foo") {
		t.Error("expected foo listeners to be removed")
	}
	if all := d.AllListeners(); len(all) != 1 || len(all["bar"]) != 1 {
		t.Errorf("unexpected listeners: %v", all)
	}
}

func TestListen(t *testing.T) {
	d := New()
	var calls []string
	l := recorder(&calls, "audit")

	if err := Listen(d, []string{"order.placed", "order.paid"}, l, 3); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	for _, name := range []string{"order.placed", "order.paid"} {
		if p, ok := d.ListenerPriority(name, l); !ok || p != 3 {
			t.Errorf("expected %s at priority 3, got %d, %v", name, p, ok)
		}
		d.Dispatch(context.Background(), nil, name)
	}
	if len(calls) != 2 {
		t.Errorf("expected 2 calls, got %d", len(calls))
	}

	if err := Listen(d, []string{"order.shipped", Wildcard}, l, 0); !errors.Is(err, ErrInvalidEventName) {
		t.Errorf("expected ErrInvalidEventName, got %v", err)
	}
	if err := Listen(d, []string{"order.shipped"}, Func("not a func"), 0); !errors.Is(err, ErrInvalidListener) {
		t.Errorf("expected ErrInvalidListener, got %v", err)
	}
	if d.HasListeners("order.shipped") {
		t.Error("expected failed Listen not to register anything")
	}
}

func TestOverride(t *testing.T) {
	d := New()
	var calls []string
	d.AddListener("foo", recorder(&calls, "old1"), 10)
	d.AddListener("foo", recorder(&calls, "old2"), 0)
	d.AddListener("bar", recorder(&calls, "bar"), 0)

	if err := Override(d, "foo", Func("not a func"), 0); !errors.Is(err, ErrInvalidListener) {
		t.Errorf("expected ErrInvalidListener, got %v", err)
	}
	if got := len(d.Listeners("foo")); got != 2 {
		t.Fatalf("expected listeners kept after failed override, got %d", got)
	}

	if err := Override(d, "foo", recorder(&calls, "new"), 5); err != nil {
		t.Fatalf("Override() error = %v", err)
	}
	d.Dispatch(context.Background(), nil, "foo")
	d.Dispatch(context.Background(), nil, "bar")
	if strings.Join(calls, ",") != "new,bar" {
		t.Errorf("expected [new bar], got %v", calls)
	}

	if err := Override(d, "", recorder(&calls, "x"), 0); !errors.Is(err, ErrInvalidEventName) {
		t.Errorf("expected ErrInvalidEventName, got %v", err)
	}
}

func TestDispatcher_RecordsSite(t *testing.T) {
	d := New()
	d.AddListener("foo", newTestListener(), 0)

	recs := d.Records("foo")
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if !strings.HasPrefix(recs[0].Site, "dispatcher_test.go:") {
		t.Errorf("expected registration site in this file, got %q", recs[0].Site)
	}
}

func TestDispatcher_SharedRegistry(t *testing.T) {
	reg := NewRegistry()
	a := New(WithRegistry(reg))
	b := New(WithRegistry(reg))

	a.AddListener("foo", newTestListener(), 0)
	if !b.HasListeners("foo") {
		t.Error("expected dispatchers to share the registry")
	}
}

type countingResolver struct {
	calls int
}

func (r *countingResolver) Invoke(ctx context.Context, target *Target, args Arguments) (any, error) {
	r.calls++
	return nil, nil
}

func TestDispatcher_CustomResolver(t *testing.T) {
	res := &countingResolver{}
	d := New(WithResolver(res))
	d.AddListener("foo", newTestListener(), 0)

	d.Dispatch(context.Background(), nil, "foo")
	if res.calls != 1 {
		t.Errorf("expected custom resolver to be used, got %d calls", res.calls)
	}
	if d.Resolver() != Resolver(res) {
		t.Error("expected Resolver() to return the custom resolver")
	}
}

type selfInvoker struct {
	target *Target
	args   Arguments
}

func (s *selfInvoker) Target() *Target { return s.target }

func (s *selfInvoker) Invoke(ctx context.Context, args Arguments) (any, error) {
	s.args = args
	return "invoked", nil
}

func TestDispatcher_Invoker(t *testing.T) {
	d := New()
	inv := &selfInvoker{target: newTestListener()}
	d.AddListener("foo", inv, 0)

	v, err := d.DispatchUntil(context.Background(), "payload", "foo", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "invoked" {
		t.Errorf("expected Invoker response, got %v", v)
	}
	if inv.args.Name != "foo" || inv.args.Event != "payload" || inv.args.Dispatcher != Dispatcher(d) {
		t.Errorf("unexpected arguments: %+v", inv.args)
	}
	if len(inv.args.Extra) != 1 {
		t.Errorf("expected extra arguments, got %v", inv.args.Extra)
	}
}

func TestDispatcher_Logging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := New(WithLogger(zap.New(core)))

	d.AddListener("foo", Func(func(e *orderPlaced) { e.StopPropagation() }), 10)
	d.AddListener("foo", newTestListener(), 0)
	d.Dispatch(context.Background(), &orderPlaced{}, "foo")

	entries := logs.FilterMessage("propagation stopped").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["event"] != "foo" {
		t.Errorf("expected event field, got %v", entries[0].ContextMap())
	}
}
