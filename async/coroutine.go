package async

import (
	"context"
	"fmt"
	"sync/atomic"
)

type coroutineState int

const (
	stateCreated coroutineState = iota
	stateRunning
	stateSuspended
	stateFinished
)

func (s coroutineState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	case stateSuspended:
		return "suspended"
	case stateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Coroutine is a cooperatively scheduled unit of work. See [Scheduler.Spawn].
type Coroutine struct {
	sched *Scheduler
	fn    func(ctx context.Context) error
	ctx   context.Context

	waker *Waker

	// pending is set once a resumption has been scheduled, pendingErr being
	// the error Suspend will return.
	pending    bool
	pendingErr error

	// cancelErr is raised at the next suspension point.
	cancelErr error

	values      map[*ContextKey]any
	termination *BroadcastEvent

	baton chan struct{}
	done  chan struct{}
	err   error

	id    uint64
	state coroutineState
}

var coroutineIDCounter atomic.Uint64

func nextCoroutineID() uint64 { return coroutineIDCounter.Add(1) }

func newCoroutine(s *Scheduler, ctx context.Context, fn func(ctx context.Context) error) *Coroutine {
	if ctx == nil {
		ctx = context.Background()
	}
	co := &Coroutine{
		sched: s,
		fn:    fn,
		baton: make(chan struct{}),
		done:  make(chan struct{}),
	}
	co.id = nextCoroutineID()
	co.ctx = context.WithValue(ctx, coroutineKey{}, co)
	co.termination = NewBroadcastEvent(fmt.Sprintf("coroutine %d termination", co.id))
	return co
}

// ID returns the coroutine's unique identifier.
func (co *Coroutine) ID() uint64 { return co.id }

// Context returns the context passed to the coroutine's function.
func (co *Coroutine) Context() context.Context { return co.ctx }

// Scheduler returns the scheduler running the coroutine.
func (co *Coroutine) Scheduler() *Scheduler { return co.sched }

// Waker returns the coroutine's current waker, or nil.
func (co *Coroutine) Waker() *Waker { return co.waker }

// Done is closed once the coroutine has finished. Safe for concurrent use.
func (co *Coroutine) Done() <-chan struct{} { return co.done }

// Err returns the coroutine's result. Only valid once Done is closed.
func (co *Coroutine) Err() error { return co.err }

func (co *Coroutine) String() string {
	return fmt.Sprintf("coroutine %d (%s)", co.id, co.state)
}

// Cancel requests cancellation, with an optional cause. Safe for concurrent
// use; the request is applied on the reactor goroutine.
func (co *Coroutine) Cancel(cause error) {
	if err := co.sched.reactor.Submit(func() { co.sched.cancel(co, cause) }); err != nil {
		co.sched.logger.Warning().Err(err).Uint64(`coroutine`, co.id).Log(`coroutine cancel dropped`)
	}
}

// OnTerminate registers fn to be called when the coroutine finishes, with
// the coroutine as the result and its error. Returns nil if the coroutine
// has already finished.
func (co *Coroutine) OnTerminate(fn func(co *Coroutine, err error)) *Callback {
	if co.state == stateFinished {
		return nil
	}
	cb := NewCallback(func(_ Event, _ any, err error) { fn(co, err) })
	co.termination.AddCallback(cb)
	return cb
}

// RemoveTerminateCallback detaches a callback returned by OnTerminate.
func (co *Coroutine) RemoveTerminateCallback(cb *Callback) {
	co.termination.RemoveCallback(cb)
}

// Suspend yields control until the coroutine is resumed, returning the
// error it was resumed with. A waker must exist. Must be called by the
// coroutine itself. If ctx ends while suspended the coroutine is resumed
// with a *CancellationError, or a *TimeoutError for deadlines.
func (co *Coroutine) Suspend(ctx context.Context) error {
	s := co.sched
	if s.current != co {
		return ErrNotCurrent
	}
	if co.waker == nil {
		return ErrNoWaker
	}
	if err := co.cancelErr; err != nil {
		co.cancelErr = nil
		return err
	}

	if !co.pending {
		if ctx != nil {
			if err := contextError(ctx); err != nil {
				return err
			}
		}

		var stop func() bool
		if ctx != nil && ctx.Done() != nil {
			w := co.waker
			stop = context.AfterFunc(ctx, func() {
				err := contextError(ctx)
				_ = s.reactor.Submit(func() {
					if co.waker == w && co.state == stateSuspended {
						s.Resume(co, err)
					}
				})
			})
		}

		co.state = stateSuspended
		s.yield <- struct{}{}
		<-co.baton

		if stop != nil {
			stop()
		}
	}

	err := co.pendingErr
	co.pending = false
	co.pendingErr = nil
	return err
}

func (co *Coroutine) main() {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				co.sched.metrics.coroutinePanics.Inc()
				err = PanicError{Value: r}
				co.sched.logger.Err().Err(err).Uint64(`coroutine`, co.id).Log(`coroutine panicked`)
			}
		}()
		err = co.fn(co.ctx)
	}()
	co.finish(err)
	co.sched.yield <- struct{}{}
}

// finish runs termination handling, on whichever goroutine holds control.
func (co *Coroutine) finish(err error) {
	co.state = stateFinished
	co.err = err
	if co.waker != nil {
		co.sched.DestroyWaker(co)
	}
	co.termination.Broadcast(co, err)
	co.termination.Dispose()
	co.values = nil
	co.sched.metrics.coroutinesLive.Dec()
	close(co.done)
}
