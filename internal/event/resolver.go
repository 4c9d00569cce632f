package event

import (
	"context"
	"reflect"
)

var (
	contextType    = reflect.TypeFor[context.Context]()
	dispatcherType = reflect.TypeFor[Dispatcher]()
	errorType      = reflect.TypeFor[error]()
)

// ReflectResolver invokes listener targets by binding their parameters by type.
//
// Parameters are bound in this order:
//
//  1. context.Context receives the dispatch context.
//  2. Dispatcher receives the dispatcher performing the call.
//  3. The first parameter the event is assignable to receives the event.
//  4. The first remaining string parameter receives the event name.
//  5. Extra dispatch arguments fill parameters they are assignable to, in order.
//  6. The Locator supplies services by type.
//  7. Other interfaces the dispatcher satisfies receive the dispatcher.
//
// A parameter that cannot be bound yields a *ResolutionError. A variadic
// final parameter is left empty.
//
// Results may be (), (value), (error) or (value, error).
type ReflectResolver struct {
	locator Locator
}

// NewReflectResolver creates a resolver backed by locator, which may be nil.
func NewReflectResolver(locator Locator) *ReflectResolver {
	return &ReflectResolver{locator: locator}
}

// Locator returns the resolver's locator.
func (r *ReflectResolver) Locator() Locator {
	return r.locator
}

// Invoke binds and calls target.
func (r *ReflectResolver) Invoke(ctx context.Context, target *Target, args Arguments) (any, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	switch target.Kind() {
	case KindFunc:
		if v, ok, err := CallFixed(ctx, target.Fn(), args); ok {
			return v, err
		}
		return r.call(ctx, target.Pretty(), reflect.ValueOf(target.Fn()), args)

	case KindMethod, KindInvokable:
		return r.callMethod(ctx, target.Pretty(), target.Instance(), target.MethodName(), args)

	case KindStatic:
		if r.locator == nil {
			return nil, &NotInstantiableError{TypeName: target.TypeName(), Err: ErrNoLocator}
		}
		inst, err := r.locator.Instance(target.TypeName())
		if err != nil {
			return nil, err
		}
		return r.callMethod(ctx, target.Pretty(), inst, target.MethodName(), args)
	}

	return nil, &ResolutionError{Listener: target.Pretty(), Reason: "unknown target kind"}
}

func (r *ReflectResolver) callMethod(ctx context.Context, label string, inst any, method string, args Arguments) (any, error) {
	if mc, ok := inst.(MethodCaller); ok {
		return mc.CallMethod(ctx, method, args)
	}
	if m := reflect.ValueOf(inst).MethodByName(method); m.IsValid() {
		return r.call(ctx, label, m, args)
	}
	return nil, &ResolutionError{Listener: label, Reason: "method " + method + " not found on " + typeLabel(inst)}
}

func (r *ReflectResolver) call(ctx context.Context, label string, fn reflect.Value, args Arguments) (any, error) {
	ft := fn.Type()
	n := ft.NumIn()
	if ft.IsVariadic() {
		n--
	}

	b := binder{ctx: ctx, args: args, locator: r.locator, used: make([]bool, len(args.Extra))}
	in := make([]reflect.Value, n)
	for i := 0; i < n; i++ {
		v, ok := b.bind(ft.In(i))
		if !ok {
			return nil, &ResolutionError{Listener: label, Param: i, Type: ft.In(i)}
		}
		in[i] = v
	}

	return results(fn.Call(in))
}

type binder struct {
	ctx       context.Context
	args      Arguments
	locator   Locator
	used      []bool
	eventDone bool
	nameDone  bool
}

func (b *binder) bind(pt reflect.Type) (reflect.Value, bool) {
	if pt == contextType {
		return reflect.ValueOf(&b.ctx).Elem(), true
	}

	if pt == dispatcherType && b.args.Dispatcher != nil {
		return reflect.ValueOf(b.args.Dispatcher), true
	}

	if !b.eventDone {
		if b.args.Event == nil {
			if pt.Kind() == reflect.Interface && pt.NumMethod() == 0 {
				b.eventDone = true
				return reflect.Zero(pt), true
			}
		} else if reflect.TypeOf(b.args.Event).AssignableTo(pt) {
			b.eventDone = true
			return reflect.ValueOf(b.args.Event), true
		}
	}

	if pt.Kind() == reflect.String && !b.nameDone {
		b.nameDone = true
		return reflect.ValueOf(b.args.Name).Convert(pt), true
	}

	for i, extra := range b.args.Extra {
		if b.used[i] {
			continue
		}
		if extra == nil {
			if nillable(pt) {
				b.used[i] = true
				return reflect.Zero(pt), true
			}
			continue
		}
		if reflect.TypeOf(extra).AssignableTo(pt) {
			b.used[i] = true
			return reflect.ValueOf(extra), true
		}
	}

	if b.locator != nil {
		if svc, ok := b.locator.Service(pt); ok && svc != nil && reflect.TypeOf(svc).AssignableTo(pt) {
			return reflect.ValueOf(svc), true
		}
	}

	if pt.Kind() == reflect.Interface && b.args.Dispatcher != nil && reflect.TypeOf(b.args.Dispatcher).Implements(pt) {
		return reflect.ValueOf(b.args.Dispatcher), true
	}

	return reflect.Value{}, false
}

func results(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type() == errorType {
			return nil, asError(out[0])
		}
		return asValue(out[0]), nil
	default:
		last := out[len(out)-1]
		if last.Type() == errorType {
			return asValue(out[0]), asError(last)
		}
		return asValue(out[0]), nil
	}
}

func asValue(v reflect.Value) any {
	if nillable(v.Type()) && v.IsNil() {
		return nil
	}
	return v.Interface()
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

func nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return true
	}
	return false
}
