package async

import (
	"context"
	"errors"
	"time"

	"github.com/joeycumines/go-asyncbridge/reactor"
	"github.com/joeycumines/logiface"
)

// Reactor is the host event loop contract consumed by the scheduler.
// [reactor.Loop] and reactortest.Reactor implement it.
type Reactor interface {
	// Submit queues fn to run on the reactor goroutine. Safe for concurrent
	// use.
	Submit(fn func()) error
	RegisterFD(fd int, events reactor.IOEvents, cb reactor.IOCallback) error
	ModifyFD(fd int, events reactor.IOEvents) error
	UnregisterFD(fd int) error
	ScheduleTimer(delay time.Duration, fn func()) (reactor.TimerID, error)
	CancelTimer(id reactor.TimerID) error
}

// NoTimeout disables a waker's timeout.
const NoTimeout time.Duration = -1

// Scheduler runs coroutines on a [Reactor]. All methods other than
// NewScheduler, Spawn and [Coroutine.Cancel] must be called from the reactor
// goroutine or the running coroutine.
type Scheduler struct {
	reactor Reactor
	logger  *logiface.Logger[logiface.Event]
	metrics *schedulerMetrics

	// current is the running coroutine, nil while the reactor runs.
	current *Coroutine

	// yield receives control back from the running coroutine.
	yield chan struct{}
}

// NewScheduler creates a scheduler on r.
func NewScheduler(r Reactor, opts ...Option) (*Scheduler, error) {
	if r == nil {
		return nil, errors.New("async: nil reactor")
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	metrics, err := newSchedulerMetrics(cfg.registerer)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		reactor: r,
		logger:  cfg.logger,
		metrics: metrics,
		yield:   make(chan struct{}),
	}, nil
}

// Reactor returns the underlying reactor.
func (s *Scheduler) Reactor() Reactor { return s.reactor }

// Logger returns the scheduler's logger, which may be nil.
func (s *Scheduler) Logger() *logiface.Logger[logiface.Event] { return s.logger }

// Spawn creates a coroutine running fn, and queues it to start on the
// reactor goroutine. fn receives a context derived from ctx that carries the
// coroutine. Safe for concurrent use.
func (s *Scheduler) Spawn(ctx context.Context, fn func(ctx context.Context) error) (*Coroutine, error) {
	co := newCoroutine(s, ctx, fn)
	if err := s.reactor.Submit(func() { s.switchTo(co) }); err != nil {
		return nil, err
	}
	s.metrics.coroutines.Inc()
	s.metrics.coroutinesLive.Inc()
	return co, nil
}

// switchTo hands control to co until it suspends or finishes.
func (s *Scheduler) switchTo(co *Coroutine) {
	if s.current != nil {
		// a coroutine is running, so this can't be the reactor goroutine
		if err := s.reactor.Submit(func() { s.switchTo(co) }); err != nil {
			s.logger.Err().Err(err).Uint64(`coroutine`, co.id).Log(`coroutine switch requeue failed`)
		}
		return
	}
	switch co.state {
	case stateCreated:
		if co.cancelErr != nil {
			// never started
			co.finish(co.cancelErr)
			return
		}
		s.current = co
		co.state = stateRunning
		go co.main()
	case stateSuspended:
		s.current = co
		co.state = stateRunning
		co.baton <- struct{}{}
	default:
		return
	}
	<-s.yield
	s.current = nil
}

// Resume schedules co to continue from its suspension point, where Suspend
// returns err. It never switches immediately: several resumptions in one
// reactor tick coalesce, the first one winning, except that cancellation
// always replaces a pending non-cancellation error. If co is running (e.g.
// it triggered its own event synchronously) its next Suspend returns at once.
func (s *Scheduler) Resume(co *Coroutine, err error) {
	if co == nil || co.state == stateFinished {
		return
	}
	if co.pending {
		if err != nil && errors.Is(err, ErrCancelled) && !errors.Is(co.pendingErr, ErrCancelled) {
			co.pendingErr = err
		}
		return
	}
	co.pending = true
	co.pendingErr = err
	s.metrics.resumes.Inc()
	if co.state == stateSuspended {
		if err := s.reactor.Submit(func() { s.switchTo(co) }); err != nil {
			s.logger.Err().Err(err).Uint64(`coroutine`, co.id).Log(`coroutine resume failed`)
		}
	}
}

// cancel raises a *CancellationError into co: immediately if suspended, at
// its next Suspend if running, or instead of running it at all if it has
// not started.
func (s *Scheduler) cancel(co *Coroutine, cause error) {
	err := &CancellationError{Cause: cause}
	switch co.state {
	case stateCreated, stateRunning:
		if co.cancelErr == nil {
			co.cancelErr = err
		}
	case stateSuspended:
		s.Resume(co, err)
	}
}

// Current returns the coroutine carried by ctx, which must be the one
// currently running.
func Current(ctx context.Context) (*Coroutine, error) {
	co := FromContext(ctx)
	if co == nil || co.sched.current != co {
		return nil, ErrNoCoroutine
	}
	return co, nil
}

type coroutineKey struct{}

// FromContext returns the coroutine carried by ctx, or nil.
func FromContext(ctx context.Context) *Coroutine {
	if ctx == nil {
		return nil
	}
	co, _ := ctx.Value(coroutineKey{}).(*Coroutine)
	return co
}
