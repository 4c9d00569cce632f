package event

import (
	"reflect"
	"sort"
	"sync"
)

// Record binds a listener to an event name at a priority.
type Record struct {
	// EventName is the name the listener is registered under. For listeners
	// found through an implemented interface it is the interface name.
	EventName string

	// Listener is the registered listener.
	Listener Listener

	// Priority orders listeners; higher runs earlier.
	Priority int

	// Site is the file:line that registered the listener, if known.
	Site string

	seq uint64
}

// Registry stores listener records by event name.
// It is thread-safe for concurrent access.
type Registry struct {
	mu        sync.RWMutex
	listeners map[string][]*Record
	types     map[string]reflect.Type
	typeOrder []string
	seq       uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		listeners: make(map[string][]*Record),
		types:     make(map[string]reflect.Type),
	}
}

// Add appends a record for name. Records are kept in descending priority
// order; equal priorities keep insertion order.
func (r *Registry) Add(name string, l Listener, priority int, site string) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	rec := &Record{EventName: name, Listener: l, Priority: priority, Site: site, seq: r.seq}

	recs := append(r.listeners[name], rec)
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Priority > recs[j].Priority
	})
	r.listeners[name] = recs

	return *rec
}

// Remove removes the first record for name whose listener is l.
func (r *Registry) Remove(name string, l Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.listeners[name]
	for i, rec := range recs {
		if identical(rec.Listener, l) {
			r.drop(name, i)
			return true
		}
	}
	return false
}

// RemoveFunc removes every record for name whose listener satisfies match.
// It returns the number of records removed.
func (r *Registry) RemoveFunc(name string, match func(Listener) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.listeners[name]
	kept := recs[:0:0]
	for _, rec := range recs {
		if !match(rec.Listener) {
			kept = append(kept, rec)
		}
	}

	removed := len(recs) - len(kept)
	if len(kept) == 0 {
		delete(r.listeners, name)
	} else {
		r.listeners[name] = kept
	}
	return removed
}

// RemoveAll removes every record for name.
func (r *Registry) RemoveAll(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.listeners[name])
	delete(r.listeners, name)
	return n
}

// Replace swaps the first record for name holding old so that it holds
// replacement, keeping its priority and position.
func (r *Registry) Replace(name string, old, replacement Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.listeners[name] {
		if identical(rec.Listener, old) {
			rec.Listener = replacement
			return true
		}
	}
	return false
}

// drop removes index i of name. Caller must hold the write lock.
func (r *Registry) drop(name string, i int) {
	recs := r.listeners[name]
	out := make([]*Record, 0, len(recs)-1)
	out = append(out, recs[:i]...)
	out = append(out, recs[i+1:]...)
	if len(out) == 0 {
		delete(r.listeners, name)
		return
	}
	r.listeners[name] = out
}

// RegisterType records t for interface-aware lookup under its type name.
// Registering a type twice is a no-op.
func (r *Registry) RegisterType(t reflect.Type) {
	name := typeName(t)
	if name == "" {
		return
	}

	r.mu.RLock()
	_, ok := r.types[name]
	r.mu.RUnlock()
	if ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[name]; ok {
		return
	}
	r.types[name] = t
	r.typeOrder = append(r.typeOrder, name)
}

// Records returns the records that apply to name in invocation order.
//
// When name is a registered concrete type, records registered under the
// names of registered interfaces it implements are merged in. The merge is
// strictly by priority; among equal priorities direct records come first,
// then interface groups in the order their types were registered.
func (r *Registry) Records(name string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	direct := r.listeners[name]
	groups := r.interfaceGroups(name)

	n := len(direct)
	for _, g := range groups {
		n += len(g)
	}
	if n == 0 {
		return nil
	}

	out := make([]Record, 0, n)
	for _, rec := range direct {
		out = append(out, *rec)
	}
	if len(groups) == 0 {
		return out
	}
	for _, g := range groups {
		for _, rec := range g {
			out = append(out, *rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// interfaceGroups returns the records of interfaces implemented by the
// type registered as name. Caller must hold the read lock.
func (r *Registry) interfaceGroups(name string) [][]*Record {
	t, ok := r.types[name]
	if !ok || t.Kind() == reflect.Interface {
		return nil
	}
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	ptr := reflect.PointerTo(base)

	var groups [][]*Record
	for _, iname := range r.typeOrder {
		it := r.types[iname]
		if iname == name || it.Kind() != reflect.Interface {
			continue
		}
		recs := r.listeners[iname]
		if len(recs) == 0 {
			continue
		}
		if ptr.Implements(it) {
			groups = append(groups, recs)
		}
	}
	return groups
}

// Listeners returns the listeners that apply to name in invocation order.
func (r *Registry) Listeners(name string) []Listener {
	recs := r.Records(name)
	if len(recs) == 0 {
		return nil
	}
	out := make([]Listener, len(recs))
	for i, rec := range recs {
		out[i] = rec.Listener
	}
	return out
}

// Has reports whether any listener applies to name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.listeners[name]) > 0 {
		return true
	}
	return len(r.interfaceGroups(name)) > 0
}

// Names returns the event names with directly registered listeners, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.listeners))
	for name := range r.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the directly registered listeners of every event.
func (r *Registry) All() map[string][]Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]Listener, len(r.listeners))
	for name, recs := range r.listeners {
		ls := make([]Listener, len(recs))
		for i, rec := range recs {
			ls[i] = rec.Listener
		}
		out[name] = ls
	}
	return out
}

// Priority returns the priority of l for name. A record matches when its
// listener is l or a decorator whose Unwrap chain reaches l.
func (r *Registry) Priority(name string, l Listener) (int, bool) {
	for _, rec := range r.Records(name) {
		if Matches(rec.Listener, l) {
			return rec.Priority, true
		}
	}
	return 0, false
}

// Count returns the total number of directly registered records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, recs := range r.listeners {
		n += len(recs)
	}
	return n
}

// Matches reports whether registered is l or unwraps to l.
func Matches(registered, l Listener) bool {
	for cur := registered; cur != nil; {
		if identical(cur, l) {
			return true
		}
		u, ok := cur.(Unwrapper)
		if !ok {
			return false
		}
		cur = u.Unwrap()
	}
	return false
}

// Original returns the innermost listener of a decorator chain.
func Original(l Listener) Listener {
	for {
		u, ok := l.(Unwrapper)
		if !ok {
			return l
		}
		inner := u.Unwrap()
		if inner == nil {
			return l
		}
		l = inner
	}
}

// Same reports whether a and b are the same listener.
// Listeners of uncomparable dynamic types are never the same.
func Same(a, b Listener) bool {
	return identical(a, b)
}

// identical compares two values by identity without panicking on
// uncomparable dynamic types.
func identical(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
