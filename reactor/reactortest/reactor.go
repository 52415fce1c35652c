// Package reactortest provides a deterministic, manually driven reactor for
// tests: descriptor readiness is injected with Trigger, time only moves with
// Advance, and submitted tasks run when the test says so.
package reactortest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/joeycumines/go-asyncbridge/reactor"
)

type registration struct {
	callback reactor.IOCallback
	events   reactor.IOEvents
}

type fakeTimer struct {
	when time.Time
	fn   func()
	id   reactor.TimerID
}

// Reactor is a fake implementation of the reactor contract. Submit is safe
// for concurrent use; everything else must be called from the goroutine
// driving the reactor, or from code it calls.
type Reactor struct {
	// RegisterErr, if set, is consulted before each RegisterFD. A non-nil
	// return fails the registration.
	RegisterErr func(fd int, events reactor.IOEvents) error

	tasks *queue.Queue

	mu        sync.Mutex
	now       time.Time
	fds       map[int]*registration
	timers    []*fakeTimer
	nextTimer reactor.TimerID
	closed    bool

	registered   int
	unregistered int
	scheduled    int
	cancelled    int
}

// New returns a fake reactor whose clock starts at an arbitrary fixed time.
func New() *Reactor {
	return &Reactor{
		tasks: queue.New(64),
		now:   time.Unix(1700000000, 0),
		fds:   make(map[int]*registration),
	}
}

// Submit queues fn, to be run by RunPending or RunNext.
func (r *Reactor) Submit(fn func()) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return reactor.ErrLoopTerminated
	}
	if err := r.tasks.Put(fn); err != nil {
		return reactor.ErrLoopTerminated
	}
	return nil
}

// RunPending runs queued tasks, including any they submit, until the queue
// is empty. Returns the number of tasks run.
func (r *Reactor) RunPending() (n int) {
	for !r.tasks.Empty() {
		items, err := r.tasks.Get(r.tasks.Len())
		if err != nil {
			return n
		}
		for _, item := range items {
			n++
			item.(func())()
		}
	}
	return n
}

// RunNext blocks until at least one task is queued, or timeout elapses, then
// runs everything pending. Reports whether any task ran. Useful when tasks
// are submitted from other goroutines.
func (r *Reactor) RunNext(timeout time.Duration) bool {
	items, err := r.tasks.Poll(1, timeout)
	if err != nil {
		return false
	}
	for _, item := range items {
		item.(func())()
	}
	r.RunPending()
	return true
}

// RegisterFD implements the reactor contract.
func (r *Reactor) RegisterFD(fd int, events reactor.IOEvents, cb reactor.IOCallback) error {
	if r.RegisterErr != nil {
		if err := r.RegisterErr(fd, events); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return reactor.ErrPollerClosed
	}
	if fd < 0 {
		return reactor.ErrFDOutOfRange
	}
	if _, ok := r.fds[fd]; ok {
		return reactor.ErrFDAlreadyRegistered
	}
	r.fds[fd] = &registration{callback: cb, events: events}
	r.registered++
	return nil
}

// ModifyFD implements the reactor contract.
func (r *Reactor) ModifyFD(fd int, events reactor.IOEvents) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.fds[fd]
	if !ok {
		return reactor.ErrFDNotRegistered
	}
	reg.events = events
	return nil
}

// UnregisterFD implements the reactor contract.
func (r *Reactor) UnregisterFD(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fds[fd]; !ok {
		return reactor.ErrFDNotRegistered
	}
	delete(r.fds, fd)
	r.unregistered++
	return nil
}

// ScheduleTimer implements the reactor contract, against the fake clock.
func (r *Reactor) ScheduleTimer(delay time.Duration, fn func()) (reactor.TimerID, error) {
	if delay < 0 {
		delay = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, reactor.ErrLoopTerminated
	}
	r.nextTimer++
	r.timers = append(r.timers, &fakeTimer{when: r.now.Add(delay), fn: fn, id: r.nextTimer})
	r.scheduled++
	return r.nextTimer, nil
}

// CancelTimer implements the reactor contract.
func (r *Reactor) CancelTimer(id reactor.TimerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.timers {
		if t.id == id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			r.cancelled++
			return nil
		}
	}
	return reactor.ErrTimerNotFound
}

// Trigger delivers events to the callback registered for fd, then runs
// pending tasks. Reports whether fd was registered.
func (r *Reactor) Trigger(fd int, events reactor.IOEvents) bool {
	r.mu.Lock()
	reg, ok := r.fds[fd]
	r.mu.Unlock()
	if !ok {
		return false
	}
	reg.callback(events)
	r.RunPending()
	return true
}

// Advance moves the clock forward, firing due timers in deadline order. Tasks
// are run after each timer, as a real loop would on the following tick.
func (r *Reactor) Advance(d time.Duration) {
	r.mu.Lock()
	target := r.now.Add(d)
	r.mu.Unlock()
	for {
		r.mu.Lock()
		sort.SliceStable(r.timers, func(i, j int) bool {
			if r.timers[i].when.Equal(r.timers[j].when) {
				return r.timers[i].id < r.timers[j].id
			}
			return r.timers[i].when.Before(r.timers[j].when)
		})
		if len(r.timers) == 0 || r.timers[0].when.After(target) {
			r.now = target
			r.mu.Unlock()
			r.RunPending()
			return
		}
		t := r.timers[0]
		r.timers = r.timers[1:]
		if t.when.After(r.now) {
			r.now = t.when
		}
		r.mu.Unlock()
		t.fn()
		r.RunPending()
	}
}

// Now returns the fake clock's current time.
func (r *Reactor) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

// Close causes subsequent submissions and registrations to fail.
func (r *Reactor) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// FDCount returns the number of currently registered descriptors.
func (r *Reactor) FDCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fds)
}

// TimerCount returns the number of pending timers.
func (r *Reactor) TimerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Interest returns the events registered for fd.
func (r *Reactor) Interest(fd int) (reactor.IOEvents, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.fds[fd]
	if !ok {
		return 0, false
	}
	return reg.events, true
}

// Stats summarises lifetime registration activity.
type Stats struct {
	Registered, Unregistered int
	Scheduled, Cancelled     int
}

func (s Stats) String() string {
	return fmt.Sprintf("fds +%d -%d, timers +%d -%d", s.Registered, s.Unregistered, s.Scheduled, s.Cancelled)
}

// Stats returns lifetime registration counters.
func (r *Reactor) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Registered:   r.registered,
		Unregistered: r.unregistered,
		Scheduled:    r.scheduled,
		Cancelled:    r.cancelled,
	}
}
