package event

import (
	"fmt"
	"reflect"
	"sort"
)

// Base is an embeddable event that supports stopping propagation.
// The dispatcher only reads the flag; listeners set it.
type Base struct {
	stopped bool
}

// StopPropagation prevents the event from reaching later listeners.
func (b *Base) StopPropagation() {
	b.stopped = true
}

// IsPropagationStopped reports whether a listener stopped propagation.
func (b *Base) IsPropagationStopped() bool {
	return b.stopped
}

// GenericEvent is a stoppable event carrying a subject and named arguments.
type GenericEvent struct {
	Base

	subject   any
	arguments map[string]any
}

// NewGenericEvent creates an event for subject with a copy of args.
func NewGenericEvent(subject any, args map[string]any) *GenericEvent {
	e := &GenericEvent{subject: subject}
	e.SetArguments(args)
	return e
}

// Subject returns the event subject.
func (e *GenericEvent) Subject() any {
	return e.subject
}

// Argument returns the argument stored under key.
func (e *GenericEvent) Argument(key string) (any, error) {
	v, ok := e.arguments[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrArgumentNotFound, key)
	}
	return v, nil
}

// SetArgument stores an argument under key.
func (e *GenericEvent) SetArgument(key string, value any) *GenericEvent {
	if e.arguments == nil {
		e.arguments = make(map[string]any)
	}
	e.arguments[key] = value
	return e
}

// HasArgument reports whether an argument is stored under key.
func (e *GenericEvent) HasArgument(key string) bool {
	_, ok := e.arguments[key]
	return ok
}

// RemoveArgument deletes the argument stored under key.
func (e *GenericEvent) RemoveArgument(key string) {
	delete(e.arguments, key)
}

// Arguments returns a copy of all arguments.
func (e *GenericEvent) Arguments() map[string]any {
	out := make(map[string]any, len(e.arguments))
	for k, v := range e.arguments {
		out[k] = v
	}
	return out
}

// SetArguments replaces all arguments with a copy of args.
func (e *GenericEvent) SetArguments(args map[string]any) *GenericEvent {
	e.arguments = make(map[string]any, len(args))
	for k, v := range args {
		e.arguments[k] = v
	}
	return e
}

// Keys returns the argument keys in sorted order.
func (e *GenericEvent) Keys() []string {
	keys := make([]string, 0, len(e.arguments))
	for k := range e.arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NameOf returns the event name derived from the runtime type of v:
// the package path and type name joined by a dot. Pointer types use their
// element type. It returns "" for a nil value.
func NameOf(v any) string {
	return typeName(reflect.TypeOf(v))
}

// TypeName returns the event name derived from T.
func TypeName[T any]() string {
	return typeName(reflect.TypeFor[T]())
}

func typeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// ResolveName returns the name ev is dispatched under.
// An explicit name wins. Otherwise a string event is its own name and any
// other event is named after its type, in which case the type is returned
// for interface-aware lookup.
func ResolveName(ev any, name string) (string, reflect.Type, error) {
	var typ reflect.Type
	if ev != nil {
		if _, ok := ev.(string); !ok {
			typ = reflect.TypeOf(ev)
		}
	}

	if name == "" {
		if s, ok := ev.(string); ok {
			name = s
		} else {
			name = typeName(typ)
		}
	}

	if name == "" || name == Wildcard {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidEventName, name)
	}
	if typ != nil && typeName(typ) != name {
		typ = nil
	}
	return name, typ, nil
}
