package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeycumines/go-asyncbridge/async"
	"github.com/joeycumines/logiface"
)

// Channel runs single transfers to completion from coroutines, multiplexing
// all of them onto one engine. The engine is created on first use, and torn
// down by Shutdown, after which the next Perform creates a new one.
//
// A Channel must only be used from its scheduler's coroutines and reactor
// goroutine.
type Channel struct {
	sched   *async.Scheduler
	factory func() (Engine, error)
	logger  *logiface.Logger[logiface.Event]

	mux       *multiplexer
	transfers map[Handle]*transferEvent
}

// NewChannel returns a channel that obtains its engine from factory.
func NewChannel(sched *async.Scheduler, factory func() (Engine, error), opts ...Option) (*Channel, error) {
	if sched == nil {
		return nil, errors.New("transfer: nil scheduler")
	}
	if factory == nil {
		return nil, ErrNilEngine
	}
	cfg, err := resolveOptions(opts, sched.Logger())
	if err != nil {
		return nil, err
	}
	return &Channel{
		sched:   sched,
		factory: factory,
		logger:  cfg.logger,
	}, nil
}

func (c *Channel) setup() error {
	if c.mux != nil {
		return nil
	}
	engine, err := c.factory()
	if err != nil {
		return fmt.Errorf("transfer: engine init: %w", err)
	}
	if engine == nil {
		return ErrNilEngine
	}
	c.mux = newMultiplexer(c.sched, engine, c.logger)
	c.mux.afterDrive = c.drain
	c.transfers = make(map[Handle]*transferEvent)
	return nil
}

// Perform runs the transfer identified by h, suspending the calling
// coroutine (carried by ctx) until it completes. A transfer that completes
// without needing any I/O returns without suspending.
//
// CodeFailedInit is returned with the error if the transfer could not be
// started, and CodeAbortedByCallback if the coroutine was resumed with an
// error (cancellation, ctx ending). Either way the handle is no longer
// attached to the engine when Perform returns.
func (c *Channel) Perform(ctx context.Context, h Handle) (Code, error) {
	co, err := async.Current(ctx)
	if err != nil {
		return CodeFailedInit, err
	}
	if err := c.setup(); err != nil {
		return CodeFailedInit, err
	}

	w, err := c.sched.NewWaker(co, async.NoTimeout)
	if err != nil {
		return CodeFailedInit, err
	}
	defer c.sched.DestroyWaker(co)

	if err := c.sched.ResumeWhen(co, c.newTransferEvent(h), async.Owned, nil); err != nil {
		return CodeFailedInit, err
	}

	if err := co.Suspend(ctx); err != nil {
		return CodeAbortedByCallback, err
	}

	code, _ := w.Result.(Code)
	return code, nil
}

// drain delivers every queued completion to its waiting transfer.
func (c *Channel) drain() {
	if c.mux == nil {
		return
	}
	engine := c.mux.engine
	for {
		msg, ok := engine.InfoRead()
		if !ok {
			return
		}
		if err := engine.Remove(msg.Handle); err != nil {
			c.logger.Debug().Err(err).Log(`completed handle remove failed`)
		}
		ev, ok := c.transfers[msg.Handle]
		if !ok {
			c.logger.Debug().Str(`result`, msg.Result.String()).Log(`completion for unknown transfer`)
			continue
		}
		ev.added = false
		delete(c.transfers, msg.Handle)
		ev.Notify(msg.Result, nil)
		ev.Stop()
	}
}

// Running returns the number of transfers the engine last reported as
// running, or 0 before first use.
func (c *Channel) Running() int {
	if c.mux == nil {
		return 0
	}
	return c.mux.running
}

// Shutdown tears down the engine's reactor registrations, and resolves any
// in-flight transfers with ErrClosed.
func (c *Channel) Shutdown() {
	if c.mux == nil {
		return
	}
	mux, transfers := c.mux, c.transfers
	c.mux, c.transfers = nil, nil
	for _, ev := range transfers {
		if ev.added {
			ev.added = false
			if err := mux.engine.Remove(ev.handle); err != nil {
				c.logger.Debug().Err(err).Log(`handle remove failed`)
			}
		}
		ev.Notify(CodeAbortedByCallback, ErrClosed)
		ev.Stop()
	}
	mux.close()
}

// transferEvent is the exclusive event a Perform call waits on. Starting it
// hands the transfer to the engine, and it notifies with the transfer's Code.
type transferEvent struct {
	async.EventCore
	ch     *Channel
	mux    *multiplexer
	handle Handle
	added  bool
}

func (c *Channel) newTransferEvent(h Handle) *transferEvent {
	e := &transferEvent{ch: c, mux: c.mux, handle: h}
	e.Init(e, async.EventHooks{
		Start:     e.start,
		Stop:      e.stop,
		Info:      func() string { return "transfer event" },
		Scheduler: c.sched,
		Exclusive: true,
	})
	return e
}

func (e *transferEvent) start() error {
	c := e.ch
	if c.mux != e.mux {
		return ErrClosed
	}
	if _, ok := c.transfers[e.handle]; ok {
		return ErrHandleInUse
	}
	c.transfers[e.handle] = e
	if err := e.mux.engine.Add(e.handle); err != nil {
		delete(c.transfers, e.handle)
		return fmt.Errorf("transfer: add handle: %w", err)
	}
	e.added = true
	// may complete synchronously
	if _, err := e.mux.drive(SocketTimeout, 0); err != nil && !e.Closed() {
		// the core skips the stop hook for a failed start
		e.stop()
		return fmt.Errorf("transfer: initial drive: %w", err)
	}
	return nil
}

func (e *transferEvent) stop() {
	if e.ch.transfers != nil && e.ch.transfers[e.handle] == e {
		delete(e.ch.transfers, e.handle)
	}
	if e.added {
		e.added = false
		if err := e.mux.engine.Remove(e.handle); err != nil {
			e.ch.logger.Debug().Err(err).Log(`handle remove failed`)
		}
	}
}
