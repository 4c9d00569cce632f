package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dshills/eventmanager/internal/container"
	"github.com/dshills/eventmanager/internal/event"
)

const orderModule = `
return {
  subscribed_events = {
    ["order.placed"] = { {"audit", -10}, {"notify", 10} },
    ["order.paid"] = "notify",
  },
  audit = function(name, payload, evt)
    payload.trail = (payload.trail or "") .. "audit;"
  end,
  notify = function(name, payload, evt)
    payload.trail = (payload.trail or "") .. "notify;"
  end,
  total = function(name, payload, evt)
    return payload.total * 2
  end,
  halt = function(name, payload, evt)
    evt:stop()
    return evt:stopped()
  end,
  describe = function(name, payload, evt)
    return { name = evt.name, subject = evt.subject }
  end,
}
`

func mustLoad(t *testing.T, name, src string, opts ...Option) *Module {
	t.Helper()
	m, err := Load(name, src, opts...)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestLoad(t *testing.T) {
	m := mustLoad(t, "orders", orderModule)

	if m.Name() != "orders" {
		t.Errorf("expected name orders, got %q", m.Name())
	}
	expected := []string{"audit", "describe", "halt", "notify", "total"}
	if !reflect.DeepEqual(m.Functions(), expected) {
		t.Errorf("expected functions %v, got %v", expected, m.Functions())
	}
	if !m.Has("audit") || m.Has("subscribed_events") || m.Has("missing") {
		t.Error("unexpected Has results")
	}

	subs := m.SubscribedEvents()
	placed := []event.Handle{{Method: "audit", Priority: -10}, {Method: "notify", Priority: 10}}
	if !reflect.DeepEqual(subs["order.placed"], placed) {
		t.Errorf("expected %v, got %v", placed, subs["order.placed"])
	}
	if !reflect.DeepEqual(subs["order.paid"], []event.Handle{{Method: "notify"}}) {
		t.Errorf("unexpected order.paid handles: %v", subs["order.paid"])
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"not a table", `return 42`, ErrNotModule},
		{"subscriptions not a table", `return { subscribed_events = "x" }`, ErrInvalidSubscriptions},
		{"missing function", `return { subscribed_events = { ev = "nope" } }`, ErrInvalidSubscriptions},
		{"bad priority", `return { subscribed_events = { ev = { "f", "high" } }, f = function() end }`, ErrInvalidSubscriptions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("broken", tt.src)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			var se *ScriptError
			if !errors.As(err, &se) || se.Module != "broken" {
				t.Errorf("expected ScriptError for module broken, got %v", err)
			}
		})
	}

	if _, err := Load("syntax", `return {`); err == nil {
		t.Error("expected syntax error")
	}
}

func TestModule_CallMethod(t *testing.T) {
	m := mustLoad(t, "orders", orderModule)
	ctx := context.Background()

	ev := event.NewGenericEvent("cart-1", map[string]any{"total": 21})
	v, err := m.CallMethod(ctx, "total", event.Arguments{Event: ev, Name: "order.placed"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != int64(42) {
		t.Errorf("expected 42, got %v (%T)", v, v)
	}

	v, err = m.CallMethod(ctx, "describe", event.Arguments{Event: ev, Name: "order.placed"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := map[string]any{"name": "order.placed", "subject": "cart-1"}
	if !reflect.DeepEqual(v, expected) {
		t.Errorf("expected %v, got %v", expected, v)
	}

	_, err = m.CallMethod(ctx, "missing", event.Arguments{Name: "x"})
	if !errors.Is(err, ErrFunctionNotFound) {
		t.Errorf("expected ErrFunctionNotFound, got %v", err)
	}
}

func TestModule_PayloadWriteBack(t *testing.T) {
	m := mustLoad(t, "orders", orderModule)
	ev := event.NewGenericEvent(nil, nil)

	if _, err := m.CallMethod(context.Background(), "audit", event.Arguments{Event: ev, Name: "order.placed"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trail, err := ev.Argument("trail")
	if err != nil || trail != "audit;" {
		t.Errorf("expected payload change on the event, got %v, %v", trail, err)
	}
}

func TestModule_Stop(t *testing.T) {
	m := mustLoad(t, "orders", orderModule)
	ev := event.NewGenericEvent(nil, nil)

	v, err := m.CallMethod(context.Background(), "halt", event.Arguments{Event: ev, Name: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != true || !ev.IsPropagationStopped() {
		t.Errorf("expected propagation stopped, got %v", v)
	}

	_, err = m.CallMethod(context.Background(), "halt", event.Arguments{Event: "plain", Name: "x"})
	if err == nil {
		t.Error("expected error stopping an event without propagation control")
	}
}

func TestModule_Timeout(t *testing.T) {
	m := mustLoad(t, "spin", `return { loop = function() while true do end end }`, WithTimeout(50*time.Millisecond))

	_, err := m.CallMethod(context.Background(), "loop", event.Arguments{Name: "x"})
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Errorf("expected ErrExecutionTimeout, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.CallMethod(ctx, "loop", event.Arguments{Name: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestModule_Closed(t *testing.T) {
	m, err := Load("orders", orderModule)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	m.Close()
	m.Close()

	_, err = m.CallMethod(context.Background(), "audit", event.Arguments{Name: "x"})
	if !errors.Is(err, ErrStateClosed) {
		t.Errorf("expected ErrStateClosed, got %v", err)
	}
}

func TestSandbox(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := mustLoad(t, "sandboxed", `
return {
  sandboxed = function()
    print("hello", 1)
    return io == nil and os == nil and debug == nil and dofile == nil and require == nil and load == nil
  end,
}`, WithLogger(zap.New(core)))

	v, err := m.CallMethod(context.Background(), "sandboxed", event.Arguments{Name: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != true {
		t.Error("expected restricted globals to be absent")
	}

	entries := logs.FilterMessage("lua print").All()
	if len(entries) != 1 {
		t.Fatalf("expected one print entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["message"] != "hello\t1" || fields["module"] != "sandboxed" {
		t.Errorf("unexpected print fields: %v", fields)
	}
}

func TestModule_StaticReference(t *testing.T) {
	m := mustLoad(t, "orders", orderModule)
	c := container.New()
	Install(c, m)

	d := event.New(event.WithLocator(c))
	d.AddListener("order.placed", event.Ref("orders@notify"), 0)
	d.AddListener("order.placed", event.Ref("orders@audit"), 5)

	ev := event.NewGenericEvent(nil, nil)
	if _, err := d.Dispatch(context.Background(), ev, "order.placed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trail, _ := ev.Argument("trail")
	if trail != "audit;notify;" {
		t.Errorf("expected audit then notify, got %v", trail)
	}

	v, err := d.DispatchUntil(context.Background(), event.NewGenericEvent(nil, map[string]any{"total": 5}), "order.total")
	if err != nil || v != nil {
		t.Errorf("expected no listeners for order.total, got %v, %v", v, err)
	}
	d.AddListener("order.total", event.Ref("orders@total"), 0)
	v, err = d.DispatchUntil(context.Background(), event.NewGenericEvent(nil, map[string]any{"total": 5}), "order.total")
	if err != nil || v != int64(10) {
		t.Errorf("expected 10, got %v, %v", v, err)
	}
}

func TestModule_ErrorsThroughDispatcher(t *testing.T) {
	m := mustLoad(t, "bad", `return { fail = function() error("boom") end }`)
	c := container.New()
	Install(c, m)

	d := event.New(event.WithLocator(c))
	d.AddListener("x", event.Ref("bad@fail"), 0)

	_, err := d.Dispatch(context.Background(), nil, "x")
	var le *event.ListenerError
	if !errors.As(err, &le) {
		t.Fatalf("expected ListenerError, got %v", err)
	}
	var se *ScriptError
	if !errors.As(err, &se) || se.Function != "fail" {
		t.Errorf("expected ScriptError for fail, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected Lua message in error, got %q", err.Error())
	}
}

func TestSubscribe(t *testing.T) {
	m := mustLoad(t, "orders", orderModule)
	d := event.New()

	if err := Subscribe(d, m); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !d.HasListeners("order.placed") || !d.HasListeners("order.paid") {
		t.Fatal("expected subscribed events to have listeners")
	}

	ev := event.NewGenericEvent(nil, nil)
	if _, err := d.Dispatch(context.Background(), ev, "order.placed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trail, _ := ev.Argument("trail")
	if trail != "notify;audit;" {
		t.Errorf("expected priority order notify then audit, got %v", trail)
	}

	got := event.Describe(d.Listeners("order.placed")[0])
	if got != "orders::notify" {
		t.Errorf("expected orders::notify, got %q", got)
	}

	d.RemoveSubscriber(m)
	if d.HasListeners("order.placed") || d.HasListeners("order.paid") {
		t.Error("expected subscriber listeners to be removed")
	}
}

func TestSubscribe_ExportShadowsGoMethod(t *testing.T) {
	m := mustLoad(t, "lifecycle", `
return {
  subscribed_events = { x = "Close" },
  Close = function(name, payload, evt)
    payload.hits = (payload.hits or 0) + 1
  end,
}`)
	d := event.New()
	if err := Subscribe(d, m); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ev := event.NewGenericEvent(nil, nil)
	for i := 0; i < 2; i++ {
		if _, err := d.Dispatch(context.Background(), ev, "x"); err != nil {
			t.Fatalf("dispatch %d: unexpected error: %v", i, err)
		}
	}
	if hits, _ := ev.Argument("hits"); hits != int64(2) {
		t.Errorf("expected Lua Close to run twice, got %v", hits)
	}
	if m.state.IsClosed() {
		t.Error("expected module state to stay open")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b.lua":     `return { run = function() return "b" end }`,
		"a.lua":     `return { run = function() return "a" end }`,
		"notes.txt": `ignored`,
	}
	for name, src := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	modules, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	defer func() {
		for _, m := range modules {
			m.Close()
		}
	}()

	if len(modules) != 2 || modules[0].Name() != "a" || modules[1].Name() != "b" {
		t.Fatalf("expected modules a and b, got %d", len(modules))
	}

	if err := os.WriteFile(filepath.Join(dir, "c.lua"), []byte(`return 1`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDir(dir); !errors.Is(err, ErrNotModule) {
		t.Errorf("expected ErrNotModule for c.lua, got %v", err)
	}
}
