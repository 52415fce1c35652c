package async

import (
	"slices"
)

// Event is the common interface of all event variants. Implementations
// embed [EventCore], which provides every method.
//
// Events are not safe for concurrent use: they belong to the reactor
// goroutine and the coroutines it runs.
type Event interface {
	// Start registers the event with its underlying source. No-op if already
	// started or closed. On failure the event is stopped and the error
	// returned.
	Start() error

	// Stop deregisters the event and marks it closed. Idempotent.
	Stop()

	// Dispose stops the event if needed and detaches every callback.
	// Idempotent. Only the event's owner may dispose it.
	Dispose()

	Closed() bool
	Disposed() bool

	AddCallback(cb *Callback)
	RemoveCallback(cb *Callback)

	// Info describes the event for diagnostics.
	Info() string

	core() *EventCore
}

// EventHooks supply the variant-specific behavior of an [EventCore].
type EventHooks struct {
	// Start registers with the underlying source. It must not leave anything
	// registered if it fails.
	Start func() error

	// Stop deregisters from the underlying source. Called at most once, and
	// only after a successful (or still running) Start.
	Stop func()

	Info func() string

	// Scheduler, if set, receives lifecycle metrics.
	Scheduler *Scheduler

	// Persistent events keep their callbacks across notifications.
	Persistent bool

	// Exclusive events accept a single waiter.
	Exclusive bool
}

// EventCore implements [Event]. Embed it, then call Init from the
// variant's constructor.
type EventCore struct {
	self      Event
	hooks     EventHooks
	callbacks []*Callback
	started   bool
	active    bool
	closed    bool
	disposed  bool
	// counted is set while the event is reflected in the active gauge.
	counted bool
}

// Init binds the core to the embedding event, and its hooks. Must be called
// exactly once, before any other method.
func (x *EventCore) Init(self Event, hooks EventHooks) {
	x.self = self
	x.hooks = hooks
}

func (x *EventCore) core() *EventCore { return x }

// Start implements [Event.Start].
func (x *EventCore) Start() error {
	if x.started || x.closed {
		return nil
	}
	x.started = true
	x.active = true
	if x.hooks.Start != nil {
		if err := x.hooks.Start(); err != nil {
			x.active = false
			x.Stop()
			return err
		}
	}
	// a hook may complete and stop the event before returning
	if x.hooks.Scheduler != nil && !x.closed {
		x.counted = true
		x.hooks.Scheduler.metrics.eventStarted()
	}
	return nil
}

// Stop implements [Event.Stop].
func (x *EventCore) Stop() {
	if x.closed {
		return
	}
	x.closed = true
	if !x.active {
		return
	}
	x.active = false
	if x.hooks.Stop != nil {
		x.hooks.Stop()
	}
	if x.counted {
		x.counted = false
		x.hooks.Scheduler.metrics.eventStopped()
	}
}

// Dispose implements [Event.Dispose].
func (x *EventCore) Dispose() {
	if x.disposed {
		return
	}
	x.Stop()
	x.disposed = true
	for _, cb := range x.callbacks {
		cb.event = nil
	}
	x.callbacks = nil
}

// Started reports whether Start has been called.
func (x *EventCore) Started() bool { return x.started }

// Closed implements [Event.Closed].
func (x *EventCore) Closed() bool { return x.closed }

// Disposed implements [Event.Disposed].
func (x *EventCore) Disposed() bool { return x.disposed }

// AddCallback implements [Event.AddCallback]. A callback registered
// elsewhere is moved. Adding to a disposed event does nothing.
func (x *EventCore) AddCallback(cb *Callback) {
	if x.disposed || cb == nil || cb.event == x {
		return
	}
	if cb.event != nil {
		cb.event.RemoveCallback(cb)
	}
	cb.event = x
	x.callbacks = append(x.callbacks, cb)
}

// RemoveCallback implements [Event.RemoveCallback].
func (x *EventCore) RemoveCallback(cb *Callback) {
	if cb == nil || cb.event != x {
		return
	}
	cb.event = nil
	if i := slices.Index(x.callbacks, cb); i >= 0 {
		x.callbacks = slices.Delete(x.callbacks, i, i+1)
	}
}

// CallbackCount returns the number of registered callbacks.
func (x *EventCore) CallbackCount() int {
	return len(x.callbacks)
}

// Info implements [Event.Info].
func (x *EventCore) Info() string {
	if x.hooks.Info != nil {
		return x.hooks.Info()
	}
	return "event"
}

// Notify delivers result and err to the callbacks registered at the time of
// the call, in registration order. A callback removed by an earlier one is
// skipped. Unless the event is persistent, each callback is detached before
// it is invoked, so it may re-register itself. Notifying a disposed event
// does nothing.
func (x *EventCore) Notify(result any, err error) {
	if x.disposed || len(x.callbacks) == 0 {
		return
	}
	snapshot := slices.Clone(x.callbacks)
	for _, cb := range snapshot {
		if cb.event != x {
			continue
		}
		if !x.hooks.Persistent {
			x.RemoveCallback(cb)
		}
		if cb.fn != nil {
			cb.fn(x.self, result, err)
		}
	}
}
