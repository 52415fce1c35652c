package async

// BroadcastEvent has no underlying source: its owner triggers it explicitly,
// delivering the same result to every waiter, in registration order.
type BroadcastEvent struct {
	EventCore
	info string
}

// NewBroadcastEvent creates a broadcast event described by info.
func NewBroadcastEvent(info string) *BroadcastEvent {
	e := &BroadcastEvent{info: info}
	e.Init(e, EventHooks{
		Info: func() string { return e.info },
	})
	return e
}

// Broadcast notifies every registered callback.
func (e *BroadcastEvent) Broadcast(result any, err error) {
	e.Notify(result, err)
}
