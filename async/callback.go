package async

import (
	"sync/atomic"
)

// CallbackFunc receives an event's notification. result and err are
// variant-specific.
type CallbackFunc func(event Event, result any, err error)

// CallbackID uniquely identifies a callback. Functions cannot be compared
// for equality, so each callback is given one.
type CallbackID uint64

var callbackIDCounter atomic.Uint64

// Callback is a registration handle for a [CallbackFunc]. It may be
// registered on at most one event at a time, and does not own that event.
type Callback struct {
	fn    CallbackFunc
	event *EventCore
	id    CallbackID
}

// NewCallback wraps fn in a new registration handle.
func NewCallback(fn CallbackFunc) *Callback {
	return &Callback{
		fn: fn,
		id: CallbackID(callbackIDCounter.Add(1)),
	}
}

// ID returns the callback's unique identifier.
func (c *Callback) ID() CallbackID {
	return c.id
}

// Registered reports whether the callback is currently attached to an event.
func (c *Callback) Registered() bool {
	return c.event != nil
}
