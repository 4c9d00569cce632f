// Package container provides the service locator used to resolve listener
// dependencies and string-referenced listener instances.
package container

import (
	"errors"
	"reflect"
	"slices"
	"sort"
	"sync"

	"github.com/dshills/eventmanager/internal/event"
)

// Sentinel errors wrapped by event.NotInstantiableError.
var (
	// ErrNotRegistered is returned for an instance name with no factory.
	ErrNotRegistered = errors.New("no factory registered")

	// ErrCircularDependency is returned when a factory requires itself.
	ErrCircularDependency = errors.New("circular dependency")

	// ErrNilInstance is returned when a factory returns nil without an error.
	ErrNilInstance = errors.New("factory returned nil")
)

// Factory builds a named instance. The locator resolves the factory's own
// dependencies.
type Factory func(l event.Locator) (any, error)

// Container holds services keyed by type and lazily built named instances.
// It is thread-safe for concurrent access.
type Container struct {
	// services holds values keyed by the type they are provided as.
	services map[reflect.Type]any

	// order records service registration order for interface lookups.
	order []reflect.Type

	// factories builds named instances on first use.
	factories map[string]Factory

	// instances caches built and bound named instances.
	instances map[string]any

	// mu protects all of the above.
	mu sync.RWMutex
}

// New creates an empty container.
func New() *Container {
	return &Container{
		services:  make(map[reflect.Type]any),
		factories: make(map[string]Factory),
		instances: make(map[string]any),
	}
}

// Set registers v as a service under its dynamic type.
func (c *Container) Set(v any) {
	if v == nil {
		return
	}
	c.provide(reflect.TypeOf(v), v)
}

// Provide registers v as a service under T, which may be an interface type.
func Provide[T any](c *Container, v T) {
	c.provide(reflect.TypeFor[T](), v)
}

func (c *Container) provide(t reflect.Type, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.services[t]; !ok {
		c.order = append(c.order, t)
	}
	c.services[t] = v
}

// Service returns the service registered under t. For interface types a
// service registered under another type that implements t is returned when
// no exact match exists, the earliest registration first.
func (c *Container) Service(t reflect.Type) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.services[t]; ok {
		return v, true
	}
	if t.Kind() != reflect.Interface {
		return nil, false
	}
	for _, st := range c.order {
		v := c.services[st]
		if v != nil && reflect.TypeOf(v).Implements(t) {
			return v, true
		}
	}
	return nil, false
}

// Get returns the service registered for T.
func Get[T any](c *Container) (T, bool) {
	var zero T
	v, ok := c.Service(reflect.TypeFor[T]())
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// Register sets the factory for name, dropping any cached instance.
func (c *Container) Register(name string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.factories[name] = f
	delete(c.instances, name)
}

// Bind registers an already built instance under name.
func (c *Container) Bind(name string, instance any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.instances[name] = instance
	delete(c.factories, name)
}

// Has reports whether name can be resolved.
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, built := c.instances[name]
	_, registered := c.factories[name]
	return built || registered
}

// Names returns every resolvable instance name, sorted.
func (c *Container) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{}, len(c.instances)+len(c.factories))
	for name := range c.instances {
		seen[name] = struct{}{}
	}
	for name := range c.factories {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instance returns the instance registered under name, building it on first
// use. Failures are reported as *event.NotInstantiableError.
func (c *Container) Instance(name string) (any, error) {
	return c.instance(name, nil)
}

func (c *Container) instance(name string, chain []string) (any, error) {
	c.mu.RLock()
	inst, built := c.instances[name]
	f, registered := c.factories[name]
	c.mu.RUnlock()

	if built {
		return inst, nil
	}
	if !registered {
		return nil, &event.NotInstantiableError{TypeName: name, Err: ErrNotRegistered}
	}
	if slices.Contains(chain, name) {
		return nil, &event.NotInstantiableError{TypeName: name, Err: ErrCircularDependency}
	}

	inst, err := f(&scope{c: c, chain: append(chain[:len(chain):len(chain)], name)})
	if err == nil && inst == nil {
		err = ErrNilInstance
	}
	if err != nil {
		return nil, &event.NotInstantiableError{TypeName: name, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.instances[name]; ok {
		return existing, nil
	}
	c.instances[name] = inst
	return inst, nil
}

// scope resolves a factory's dependencies and tracks the build chain.
type scope struct {
	c     *Container
	chain []string
}

func (s *scope) Service(t reflect.Type) (any, bool) {
	return s.c.Service(t)
}

func (s *scope) Instance(name string) (any, error) {
	return s.c.instance(name, s.chain)
}
