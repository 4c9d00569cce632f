package event

import (
	"context"
	"reflect"
)

// Priority values. Higher values execute first; listeners with equal
// priority run in registration order.
const (
	// PriorityHigh is for listeners that must observe an event before others.
	PriorityHigh = 100

	// DefaultPriority is the priority used by subscribers that do not set one.
	DefaultPriority = 0

	// PriorityLow is for metrics and logging listeners that run last.
	PriorityLow = -100
)

// Wildcard is the reserved event name that cannot be dispatched.
const Wildcard = "*"

// Listener is a registered unit of behavior.
// It is either a *Target or a decorator that wraps one.
// Implementations must be comparable; the registry compares listeners by identity.
type Listener interface {
	// Target returns the innermost listener target.
	Target() *Target
}

// Unwrapper is implemented by listener decorators.
type Unwrapper interface {
	Unwrap() Listener
}

// Invoker is implemented by listeners that handle their own invocation.
// The dispatcher calls Invoke directly instead of going through the Resolver.
type Invoker interface {
	Listener
	Invoke(ctx context.Context, args Arguments) (any, error)
}

// Arguments are the contextual values offered to a listener invocation.
type Arguments struct {
	// Event is the dispatched event value. It may be nil for name-only dispatches.
	Event any

	// Name is the event name the listener is invoked for.
	Name string

	// Dispatcher is the dispatcher performing the invocation.
	Dispatcher Dispatcher

	// Extra holds additional arguments passed to Dispatch.
	Extra []any
}

// ListenerFunc is the fixed listener signature.
// Functions of this shape are called directly, without reflection.
type ListenerFunc func(ctx context.Context, ev any, name string, d Dispatcher) error

// ResponderFunc is the fixed listener signature for listeners that return a response.
type ResponderFunc func(ctx context.Context, ev any, name string, d Dispatcher) (any, error)

// Stoppable is implemented by events that can halt propagation.
type Stoppable interface {
	IsPropagationStopped() bool
}

// PropagationStopper is implemented by events that let listeners stop propagation.
type PropagationStopper interface {
	Stoppable
	StopPropagation()
}

// Resolver turns a listener target plus contextual arguments into an invocation.
type Resolver interface {
	Invoke(ctx context.Context, target *Target, args Arguments) (any, error)
}

// Locator supplies injected services and lazily constructed instances
// for string-referenced targets.
type Locator interface {
	// Service returns a service assignable to t, if one is registered.
	Service(t reflect.Type) (any, bool)

	// Instance returns the instance registered under name.
	// It returns a *NotInstantiableError if the instance cannot be built.
	Instance(name string) (any, error)
}

// MethodCaller is implemented by instances that dispatch method calls themselves,
// such as script modules whose functions are not Go methods. The resolver
// routes every method target on a MethodCaller through CallMethod, even when
// the instance has a Go method of the same name.
type MethodCaller interface {
	CallMethod(ctx context.Context, method string, args Arguments) (any, error)
}

// ResolverProvider is implemented by dispatchers that expose their Resolver.
type ResolverProvider interface {
	Resolver() Resolver
}

// ListenerReplacer is implemented by dispatchers that can swap a listener in place,
// keeping its priority and position among equal priorities.
type ListenerReplacer interface {
	ReplaceListener(eventName string, old, replacement Listener) bool
}

// RecordLister is implemented by dispatchers that expose full listener records.
type RecordLister interface {
	Records(eventName string) []Record
}

// TypeRegistrar is implemented by dispatchers that support interface-aware lookup.
type TypeRegistrar interface {
	RegisterType(t reflect.Type)
}
