package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/joeycumines/go-asyncbridge/async"
	"github.com/joeycumines/logiface"
)

// Multi drives an engine whose transfers the caller manages directly,
// providing the perform and wait halves of a multi interface. Completions are
// left queued in the engine, for the caller to read.
//
// Waiters share one context: when the engine stops watching its last socket,
// every waiter is resumed, in the order they started waiting.
type Multi struct {
	sched  *async.Scheduler
	engine Engine
	logger *logiface.Logger[logiface.Event]

	mux   *multiplexer
	ready *async.BroadcastEvent
	// fds that reported readiness since the last broadcast
	readyFDs map[int]struct{}

	closed bool
}

// NewMulti wraps engine. Nothing is registered with the reactor until the
// first Perform or Wait.
func NewMulti(sched *async.Scheduler, engine Engine, opts ...Option) (*Multi, error) {
	if sched == nil {
		return nil, errors.New("transfer: nil scheduler")
	}
	if engine == nil {
		return nil, ErrNilEngine
	}
	cfg, err := resolveOptions(opts, sched.Logger())
	if err != nil {
		return nil, err
	}
	return &Multi{
		sched:  sched,
		engine: engine,
		logger: cfg.logger,
	}, nil
}

func (m *Multi) shared() *multiplexer {
	if m.mux == nil {
		m.mux = newMultiplexer(m.sched, m.engine, m.logger)
		m.mux.onReady = m.markReady
		m.mux.onEmpty = m.broadcast
		m.ready = async.NewBroadcastEvent("multi wait")
		m.readyFDs = make(map[int]struct{})
	}
	return m.mux
}

func (m *Multi) markReady(fd int) {
	m.readyFDs[fd] = struct{}{}
}

func (m *Multi) broadcast() {
	n := len(m.readyFDs)
	clear(m.readyFDs)
	m.logger.Trace().Int(`ready`, n).Int(`waiters`, m.ready.CallbackCount()).Log(`multi sockets drained`)
	m.ready.Broadcast(n, nil)
}

// Perform drives the engine once, returning the number of transfers still
// running.
func (m *Multi) Perform(ctx context.Context) (int, MultiCode) {
	if m.closed {
		return 0, MultiBadHandle
	}
	if ctx != nil && ctx.Err() != nil {
		return 0, MultiInternalError
	}
	running, err := m.shared().drive(SocketTimeout, 0)
	if err != nil {
		return running, codeOf(err)
	}
	return running, MultiOK
}

// Wait suspends the calling coroutine until the engine has no sockets left
// to watch, returning the number of distinct descriptors that reported
// readiness in the meantime, or until timeout elapses, in which case it
// returns 0 without error. A negative timeout waits indefinitely.
//
// Cancellation and other resumption errors are returned with
// MultiInternalError, ErrClosed with MultiBadHandle.
func (m *Multi) Wait(ctx context.Context, timeout time.Duration) (int, MultiCode, error) {
	if m.closed {
		return 0, MultiBadHandle, ErrClosed
	}
	co, err := async.Current(ctx)
	if err != nil {
		return 0, MultiBadHandle, err
	}
	mux := m.shared()

	if timeout < 0 {
		timeout = async.NoTimeout
	}
	w, err := m.sched.NewWaker(co, timeout)
	if err != nil {
		return 0, MultiOutOfMemory, err
	}
	defer m.sched.DestroyWaker(co)

	if err := m.sched.ResumeWhen(co, m.ready, async.Borrowed, nil); err != nil {
		return 0, MultiInternalError, err
	}

	if _, err := mux.drive(SocketTimeout, 0); err != nil {
		return 0, codeOf(err), err
	}

	if err := co.Suspend(ctx); err != nil {
		switch {
		case w.Expired(err):
			return 0, MultiOK, nil
		case errors.Is(err, ErrClosed):
			return 0, MultiBadHandle, err
		default:
			return 0, MultiInternalError, err
		}
	}

	n, _ := w.Result.(int)
	return n, MultiOK, nil
}

// Sockets returns the number of descriptors currently registered.
func (m *Multi) Sockets() int {
	if m.mux == nil {
		return 0
	}
	return m.mux.socketCount()
}

// Close tears down the shared context: socket events and the timer are
// disposed, the engine's hooks are detached, and waiters are resumed with
// ErrClosed. Idempotent.
func (m *Multi) Close() {
	if m.closed {
		return
	}
	m.closed = true
	if m.mux == nil {
		return
	}
	m.mux.close()
	m.ready.Broadcast(0, ErrClosed)
	m.ready.Dispose()
}
