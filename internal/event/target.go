package event

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"strings"
)

// Kind identifies the shape of a listener target.
type Kind uint8

const (
	// KindFunc is a function or closure.
	KindFunc Kind = iota + 1

	// KindMethod is a method bound to an instance.
	KindMethod

	// KindStatic is a string reference to a method of a named type,
	// resolved through the Locator at invocation time.
	KindStatic

	// KindInvokable is an instance whose Invoke method is the listener.
	KindInvokable
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindMethod:
		return "method"
	case KindStatic:
		return "static"
	case KindInvokable:
		return "invokable"
	default:
		return "unknown"
	}
}

// DefaultMethod is the method used for a reference without a method part.
const DefaultMethod = "Handle"

// InvokeMethod is the method called on invokable instances.
const InvokeMethod = "Invoke"

// Target is the innermost listener value. Two targets are the same
// listener only if they are the same pointer.
type Target struct {
	kind     Kind
	fn       any
	instance any
	typeName string
	method   string
	pretty   string
}

// Func creates a target from a function or closure.
// The function may declare any parameters the Resolver can bind.
func Func(fn any) *Target {
	t := &Target{kind: KindFunc, fn: fn}
	t.pretty = funcPretty(fn)
	return t
}

// Method creates a target bound to the named method of instance.
func Method(instance any, name string) *Target {
	return &Target{
		kind:     KindMethod,
		instance: instance,
		method:   name,
		pretty:   typeLabel(instance) + "::" + name,
	}
}

// Static creates a target referencing method of the type registered under
// typeName in the Locator.
func Static(typeName, method string) *Target {
	return &Target{
		kind:     KindStatic,
		typeName: typeName,
		method:   method,
		pretty:   typeName + "::" + method,
	}
}

// Ref parses a "Type@method" or "Type::method" reference into a static target.
// A reference without a method part uses DefaultMethod.
func Ref(ref string) *Target {
	typeName, method := ParseRef(ref)
	return Static(typeName, method)
}

// ParseRef splits a listener reference into its type and method parts.
func ParseRef(ref string) (typeName, method string) {
	if i := strings.Index(ref, "@"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	if i := strings.Index(ref, "::"); i >= 0 {
		return ref[:i], ref[i+2:]
	}
	return ref, DefaultMethod
}

// Invokable creates a target from an instance exposing an Invoke method.
func Invokable(instance any) *Target {
	return &Target{
		kind:     KindInvokable,
		instance: instance,
		method:   InvokeMethod,
		pretty:   typeLabel(instance) + "::" + InvokeMethod,
	}
}

// Target returns t. It makes *Target a Listener.
func (t *Target) Target() *Target {
	return t
}

// Kind returns the target kind.
func (t *Target) Kind() Kind {
	return t.kind
}

// Fn returns the function of a KindFunc target.
func (t *Target) Fn() any {
	return t.fn
}

// Instance returns the bound instance of a KindMethod or KindInvokable target.
func (t *Target) Instance() any {
	return t.instance
}

// TypeName returns the referenced type name of a KindStatic target.
func (t *Target) TypeName() string {
	return t.typeName
}

// MethodName returns the method name of a method, static or invokable target.
func (t *Target) MethodName() string {
	return t.method
}

// Pretty returns a human-readable description of the target.
func (t *Target) Pretty() string {
	return t.pretty
}

// String implements fmt.Stringer.
func (t *Target) String() string {
	return t.kind.String() + " " + t.pretty
}

// Validate reports whether the target can be invoked.
// Static targets are only checked for shape; the referenced type is
// resolved lazily.
func (t *Target) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil target", ErrInvalidListener)
	}

	switch t.kind {
	case KindFunc:
		v := reflect.ValueOf(t.fn)
		if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
			return fmt.Errorf("%w: %T is not a function", ErrInvalidListener, t.fn)
		}
	case KindMethod, KindInvokable:
		if t.instance == nil {
			return fmt.Errorf("%w: nil instance for %s", ErrInvalidListener, t.pretty)
		}
		if _, ok := t.instance.(MethodCaller); ok {
			return nil
		}
		if !reflect.ValueOf(t.instance).MethodByName(t.method).IsValid() {
			return fmt.Errorf("%w: %s is not callable", ErrInvalidListener, t.pretty)
		}
	case KindStatic:
		if t.typeName == "" || t.method == "" {
			return fmt.Errorf("%w: malformed reference %q", ErrInvalidListener, t.typeName+"@"+t.method)
		}
	default:
		return fmt.Errorf("%w: unknown target kind", ErrInvalidListener)
	}
	return nil
}

// Describe returns the pretty name of a listener.
func Describe(l Listener) string {
	if l == nil {
		return "<nil>"
	}
	if p, ok := l.(interface{ Pretty() string }); ok {
		return p.Pretty()
	}
	if t := l.Target(); t != nil {
		return t.Pretty()
	}
	return fmt.Sprintf("%T", l)
}

// IsFixedSignature reports whether fn has the fixed ListenerFunc or
// ResponderFunc shape and can be called without the Resolver.
func IsFixedSignature(fn any) bool {
	switch fn.(type) {
	case ListenerFunc, ResponderFunc,
		func(context.Context, any, string, Dispatcher) error,
		func(context.Context, any, string, Dispatcher) (any, error):
		return true
	}
	return false
}

// CallFixed calls fn if it has the fixed signature.
// The second result is false when fn has another shape.
func CallFixed(ctx context.Context, fn any, args Arguments) (any, bool, error) {
	switch f := fn.(type) {
	case ListenerFunc:
		return nil, true, f(ctx, args.Event, args.Name, args.Dispatcher)
	case func(context.Context, any, string, Dispatcher) error:
		return nil, true, f(ctx, args.Event, args.Name, args.Dispatcher)
	case ResponderFunc:
		v, err := f(ctx, args.Event, args.Name, args.Dispatcher)
		return v, true, err
	case func(context.Context, any, string, Dispatcher) (any, error):
		v, err := f(ctx, args.Event, args.Name, args.Dispatcher)
		return v, true, err
	}
	return nil, false, nil
}

var closureName = regexp.MustCompile(`\.func\d+`)

func funcPretty(fn any) string {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return "invalid"
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return "closure"
	}
	return prettyFuncName(f.Name())
}

// prettyFuncName shortens a runtime function name.
//
//	example.com/app/orders.Notify          -> orders.Notify
//	example.com/app/orders.(*Mailer).Send-fm -> orders.Mailer::Send
//	example.com/app/orders.Setup.func1     -> closure
func prettyFuncName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if closureName.MatchString(name) {
		return "closure"
	}
	if !strings.HasSuffix(name, "-fm") {
		return name
	}

	name = strings.TrimSuffix(name, "-fm")
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name
	}
	recv := strings.NewReplacer("(*", "", "(", "", ")", "").Replace(name[:i])
	return recv + "::" + name[i+1:]
}

// typeLabel names an instance by its Pretty method or its element type.
func typeLabel(v any) string {
	if p, ok := v.(interface{ Pretty() string }); ok {
		return p.Pretty()
	}
	t := reflect.TypeOf(v)
	if t == nil {
		return "<nil>"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}
