package event

import (
	"fmt"
	"sort"
)

// Handle maps an event to a subscriber method.
type Handle struct {
	// Method is the subscriber method invoked for the event.
	Method string

	// Priority orders the listener; higher runs earlier.
	Priority int
}

// Subscriber declares a batch of event to method mappings.
//
//	func (m *Mailer) SubscribedEvents() map[string][]event.Handle {
//	    return map[string][]event.Handle{
//	        "order.placed":   {{Method: "OnPlaced", Priority: 10}},
//	        "order.canceled": {{Method: "OnCanceled"}, {Method: "Audit", Priority: -10}},
//	    }
//	}
//
// Methods are resolved on the subscriber itself, so a subscriber with
// pointer receivers must be registered as a pointer.
type Subscriber interface {
	SubscribedEvents() map[string][]Handle
}

type subscription struct {
	name     string
	target   *Target
	priority int
}

// expand validates every mapping of s and returns the listeners to add,
// ordered by event name and declaration order.
func expand(s Subscriber) ([]subscription, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil subscriber", ErrInvalidSubscriber)
	}

	events := s.SubscribedEvents()
	names := make([]string, 0, len(events))
	for name := range events {
		names = append(names, name)
	}
	sort.Strings(names)

	var subs []subscription
	for _, name := range names {
		if name == "" || name == Wildcard {
			return nil, fmt.Errorf("%w: %w: %q", ErrInvalidSubscriber, ErrInvalidEventName, name)
		}
		for _, h := range events[name] {
			if h.Method == "" {
				return nil, fmt.Errorf("%w: empty method for event %q", ErrInvalidSubscriber, name)
			}
			t := Method(s, h.Method)
			if err := t.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidSubscriber, err)
			}
			subs = append(subs, subscription{name: name, target: t, priority: h.Priority})
		}
	}
	return subs, nil
}

// subscribedBy returns a matcher for listeners added for s with method.
func subscribedBy(s Subscriber, method string) func(Listener) bool {
	return func(l Listener) bool {
		t := l.Target()
		return t != nil && t.Kind() == KindMethod && t.MethodName() == method && identical(t.Instance(), s)
	}
}
