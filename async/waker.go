package async

import (
	"errors"
	"time"
)

// Ownership states whether a waker takes ownership of an event passed to
// [Scheduler.ResumeWhen].
type Ownership int

const (
	// Borrowed events outlive the waker. Only the waker's callback is
	// detached when it is destroyed.
	Borrowed Ownership = iota
	// Owned events are disposed along with the waker.
	Owned
)

// ResumeFunc is a custom resume handler for [Scheduler.ResumeWhen]. It is
// responsible for calling [Scheduler.Resume], or not.
type ResumeFunc func(w *Waker, ev Event, result any, err error)

type wakerEntry struct {
	event     Event
	callback  *Callback
	ownership Ownership
}

// Waker is the per-suspension record of what can resume a coroutine. A
// coroutine has at most one waker at a time.
type Waker struct {
	// Result holds the result of the event that resumed the coroutine, set
	// by the default resume handler.
	Result any

	co       *Coroutine
	entries  []wakerEntry
	timer    *TimerEvent
	timedOut bool
	expiry   *TimeoutError
}

// Coroutine returns the coroutine the waker belongs to.
func (w *Waker) Coroutine() *Coroutine { return w.co }

// TimedOut reports whether the waker's timeout fired. The coroutine may
// still have been resumed with another error; see Expired.
func (w *Waker) TimedOut() bool { return w.timedOut }

// Expired reports whether err, as returned by Suspend, is this waker's own
// timeout. It is false for cancellation that replaced the timeout, and for
// timeouts raised by a context deadline.
func (w *Waker) Expired(err error) bool {
	var te *TimeoutError
	return w.expiry != nil && errors.As(err, &te) && te == w.expiry
}

// NewWaker creates the waker for co. If timeout is not negative (see
// [NoTimeout]) the coroutine is resumed with a *TimeoutError once it elapses.
func (s *Scheduler) NewWaker(co *Coroutine, timeout time.Duration) (*Waker, error) {
	if co == nil || co.state == stateFinished {
		return nil, ErrNoCoroutine
	}
	if co.waker != nil {
		return nil, ErrWakerExists
	}
	w := &Waker{co: co}
	co.waker = w
	s.metrics.wakers.Inc()

	if timeout >= 0 {
		t := s.NewTimerEvent(timeout)
		t.AddCallback(NewCallback(func(Event, any, error) {
			if co.waker != w {
				return
			}
			w.timedOut = true
			w.expiry = &TimeoutError{Message: "waker timed out"}
			s.metrics.wakerTimeouts.Inc()
			s.Resume(co, w.expiry)
		}))
		if err := t.Start(); err != nil {
			t.Dispose()
			co.waker = nil
			return nil, err
		}
		w.timer = t
	}

	return w, nil
}

// DestroyWaker releases co's waker: its callbacks are detached, owned events
// are disposed and its timer is cancelled. A resumption that was scheduled
// but not yet consumed is discarded. Does nothing if co has no waker.
func (s *Scheduler) DestroyWaker(co *Coroutine) {
	w := co.waker
	if w == nil {
		return
	}
	co.waker = nil
	for _, e := range w.entries {
		e.event.RemoveCallback(e.callback)
		if e.ownership == Owned {
			e.event.Dispose()
		}
	}
	w.entries = nil
	if w.timer != nil {
		w.timer.Dispose()
		w.timer = nil
	}
	if co.state != stateSuspended {
		co.pending = false
		co.pendingErr = nil
	}
}

// ResumeWhen registers ev with co's waker, and starts it. When ev fires, fn
// is invoked, or if fn is nil co is resumed with the event's error, its
// result being stored in [Waker.Result].
//
// The callback is registered before the event is started, so an event that
// triggers synchronously from Start still resumes the coroutine. If Start
// fails the event is left registered with the waker, and the error returned.
func (s *Scheduler) ResumeWhen(co *Coroutine, ev Event, ownership Ownership, fn ResumeFunc) error {
	if co == nil {
		return ErrNoCoroutine
	}
	w := co.waker
	if w == nil {
		return ErrNoWaker
	}
	if ev == nil || ev.Disposed() {
		return ErrEventDisposed
	}
	c := ev.core()
	if c.hooks.Exclusive && len(c.callbacks) != 0 {
		return ErrEventExclusive
	}

	cb := NewCallback(func(ev Event, result any, err error) {
		if co.waker != w {
			return
		}
		if fn != nil {
			fn(w, ev, result, err)
			return
		}
		if err == nil {
			w.Result = result
		}
		s.Resume(co, err)
	})
	ev.AddCallback(cb)
	w.entries = append(w.entries, wakerEntry{event: ev, callback: cb, ownership: ownership})

	if err := ev.Start(); err != nil {
		return err
	}
	return nil
}

// Await is a convenience for the common case: it creates a waker for the
// current coroutine, waits for ev (borrowed) or the timeout, then destroys
// the waker, returning the event's result.
func (s *Scheduler) Await(co *Coroutine, ev Event, timeout time.Duration) (any, error) {
	if _, err := s.NewWaker(co, timeout); err != nil {
		return nil, err
	}
	defer s.DestroyWaker(co)
	if err := s.ResumeWhen(co, ev, Borrowed, nil); err != nil {
		return nil, err
	}
	if err := co.Suspend(co.ctx); err != nil {
		return nil, err
	}
	return co.waker.Result, nil
}
