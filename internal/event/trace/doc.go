// Package trace records what an event dispatcher does.
//
// TraceableDispatcher decorates any event.Dispatcher. For each dispatch it
// swaps the event's listeners for WrappedListeners, delegates, and swaps the
// originals back, so the registry never keeps a wrapper once the dispatch
// returns, even on error or panic.
//
//	d := trace.New(event.New(), trace.WithLogger(logger))
//	d.AddListener("ping", event.Func(onPing), 10)
//	d.Dispatch(ctx, nil, "ping")
//
//	d.CalledListeners()    // listeners that ran, with duration and priority
//	d.NotCalledListeners() // registered listeners that did not run
//	d.OrphanedEvents()     // ["..."] events dispatched with no listeners
//	d.EventsLog()          // every dispatch with its total duration
//
// Listeners receive the TraceableDispatcher, so dispatches they start are
// traced too. Dispatches may nest to any depth.
//
// Each dispatch and each listener call starts an OpenTelemetry span on the
// configured tracer provider; the global provider is used by default.
package trace
