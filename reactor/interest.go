package reactor

import (
	"sync"
)

const (
	// initialInterest sizes the table for the common low descriptor range.
	initialInterest = 1024
	// interestLimit bounds the descriptor values a table will index.
	interestLimit = 100000000
)

// interest is one descriptor's registration.
type interest struct {
	cb     IOCallback
	events IOEvents
}

// interestTable indexes registrations by descriptor. Entries are copied out
// under the read lock, so callbacks run without it held and may freely
// change the table, including their own entry.
type interestTable struct {
	mu      sync.RWMutex
	entries []interest
	live    []bool
}

func (t *interestTable) reset() {
	t.mu.Lock()
	t.entries = make([]interest, initialInterest)
	t.live = make([]bool, initialInterest)
	t.mu.Unlock()
}

// add claims fd, growing the table if needed.
func (t *interestTable) add(fd int, events IOEvents, cb IOCallback) error {
	if fd < 0 || fd >= interestLimit {
		return ErrFDOutOfRange
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= len(t.live) {
		size := min(fd*2+1, interestLimit)
		entries := make([]interest, size)
		live := make([]bool, size)
		copy(entries, t.entries)
		copy(live, t.live)
		t.entries, t.live = entries, live
	}
	if t.live[fd] {
		return ErrFDAlreadyRegistered
	}
	t.entries[fd] = interest{cb: cb, events: events}
	t.live[fd] = true
	return nil
}

// remove releases fd, returning the events it was registered for.
func (t *interestTable) remove(fd int) (IOEvents, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.has(fd) {
		return 0, ErrFDNotRegistered
	}
	events := t.entries[fd].events
	t.entries[fd] = interest{}
	t.live[fd] = false
	return events, nil
}

// update replaces the events for fd, returning the previous set.
func (t *interestTable) update(fd int, events IOEvents) (IOEvents, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.has(fd) {
		return 0, ErrFDNotRegistered
	}
	prev := t.entries[fd].events
	t.entries[fd].events = events
	return prev, nil
}

// callback returns the callback registered for fd, if any.
func (t *interestTable) callback(fd int) IOCallback {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.has(fd) {
		return nil
	}
	return t.entries[fd].cb
}

func (t *interestTable) has(fd int) bool {
	return fd >= 0 && fd < len(t.live) && t.live[fd]
}

// checkFD validates fd for operations on an existing registration.
func checkFD(fd int) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}
	return nil
}
