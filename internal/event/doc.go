// Package event provides a synchronous, in-process event dispatcher.
//
// Components register listeners against event names; callers dispatch
// events and the dispatcher invokes the matching listeners in priority
// order. Listeners may stop propagation, and two alternate dispatch modes
// short-circuit on listener responses.
//
// # Architecture
//
//	                ┌──────────────────────────────────────┐
//	                │            EventDispatcher           │
//	                │  - name resolution                   │
//	                │  - dispatch loop (snapshot)          │
//	                │  - Dispatch / DispatchUntil / Collect│
//	                └──────────────────────────────────────┘
//	                                  │
//	          ┌───────────────────────┼───────────────────────┐
//	          ▼                       ▼                       ▼
//	┌─────────────────┐     ┌─────────────────┐     ┌─────────────────┐
//	│    Registry     │     │    Resolver     │     │    Executor     │
//	│  - priorities   │     │  - parameter    │     │  - panics       │
//	│  - interfaces   │     │    binding      │     │  - timing       │
//	└─────────────────┘     │  - Locator      │     └─────────────────┘
//	                        └─────────────────┘
//
// # Event Names
//
// An event is any Go value. When no name is given, a string event is its
// own name and any other event is named after its type:
//
//	d.Dispatch(ctx, nil, "cache.cleared")       // "cache.cleared"
//	d.Dispatch(ctx, &OrderPlaced{}, "")         // "example.com/shop/orders.OrderPlaced"
//
// The empty name and the wildcard "*" cannot be dispatched.
//
// # Listeners
//
// A listener is a *Target or a decorator around one. Targets come in four
// shapes:
//
//	event.Func(fn)                  // a function or closure
//	event.Method(mailer, "Send")    // a method bound to an instance
//	event.Ref("mailer@Send")        // a method of a Locator instance, resolved lazily
//	event.Invokable(handler)        // an instance exposing Invoke
//
// Listeners with the fixed ListenerFunc or ResponderFunc shape are called
// directly. Any other shape goes through the Resolver, which binds
// parameters by type:
//
//	d.AddListener("order.placed", event.Func(func(ev *OrderPlaced, log *zap.Logger) {
//	    log.Info("order placed", zap.String("id", ev.ID))
//	}), 10)
//
// # Priority
//
// Higher priorities run first. Listeners with equal priority run in
// registration order.
//
// # Interfaces
//
// Listeners registered under the name of an interface type with On[T] also
// receive concrete events implementing that interface. They are merged with
// the direct listeners by priority; among equal priorities the direct
// listeners run first.
//
//	event.On[Auditable](d, event.Func(audit), 0)
//	d.Dispatch(ctx, &OrderPlaced{}, "") // runs audit if *OrderPlaced implements Auditable
//
// # Stopping Propagation
//
// Events implementing Stoppable are checked before each listener. Embed
// Base to get StopPropagation:
//
//	type OrderPlaced struct {
//	    event.Base
//	    ID string
//	}
//
// # Dispatch Modes
//
//   - Dispatch always returns the event.
//   - DispatchUntil returns the first non-nil listener response.
//   - Collect returns every response, stopping at the first false response.
//
// # Errors
//
// Listener errors stop the dispatch and are returned wrapped in a
// *ListenerError. Panics are recovered and returned as *PanicError, which
// matches ErrListenerPanic with errors.Is.
package event
