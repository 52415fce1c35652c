package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joeycumines/go-asyncbridge/async"
)

// lookupEvent runs one blocking lookup on the resolver's pool. It notifies
// once, on the reactor goroutine, with the lookup's result or error.
type lookupEvent struct {
	async.EventCore
	resolver *Resolver
	sched    *async.Scheduler
	name     string
	fn       func(ctx context.Context) (any, error)
	key      string
	cancel   context.CancelFunc
	done     bool
}

func (x *Resolver) newLookupEvent(s *async.Scheduler, name string, fn func(ctx context.Context) (any, error)) *lookupEvent {
	ev := &lookupEvent{resolver: x, sched: s, name: name, fn: fn}
	ev.Init(ev, async.EventHooks{
		Start: ev.start,
		Stop:  ev.stop,
		Info: func() string {
			return fmt.Sprintf("lookup event name=%q", ev.name)
		},
		Scheduler: s,
		Exclusive: true,
	})
	return ev
}

func (ev *lookupEvent) start() error {
	r := ev.resolver
	r.init()
	if r.poolErr != nil {
		return r.poolErr
	}
	if r.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	ev.cancel = cancel
	r.track(ev)

	if err := r.pool.Submit(ev.run(ctx)); err != nil {
		r.untrack(ev)
		cancel()
		if r.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("%w: resolve: submit lookup: %w", async.ErrResourceExhausted, err)
	}
	return nil
}

// run returns the pool task. It must not touch the event beyond the fields
// fixed at start, other than through the reactor.
func (ev *lookupEvent) run(ctx context.Context) func() {
	return func() {
		var (
			result any
			err    error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("resolve: lookup panicked: %v", r)
				}
			}()
			result, err = ev.fn(ctx)
		}()
		if serr := ev.sched.Reactor().Submit(func() { ev.complete(result, err) }); serr != nil {
			ev.resolver.Logger.Debug().
				Str(`name`, ev.name).
				Err(serr).
				Log(`lookup result dropped`)
		}
	}
}

func (ev *lookupEvent) complete(result any, err error) {
	if ev.Closed() {
		return
	}
	ev.done = true
	ev.Stop()
	ev.Notify(result, err)
}

func (ev *lookupEvent) stop() {
	ev.resolver.untrack(ev)
	if !ev.done {
		ev.cancel()
	}
}

// temporary reports whether err is worth retrying.
func temporary(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	return false
}

// retry calls op until it succeeds, fails permanently, or the resolver's
// retry budget is spent.
func retry[T any](ctx context.Context, x *Resolver, name string, op func() (T, error)) (T, error) {
	return backoff.RetryNotifyWithData(
		func() (T, error) {
			v, err := op()
			if err != nil && (!temporary(err) || ctx.Err() != nil) {
				return v, backoff.Permanent(err)
			}
			return v, err
		},
		x.newBackOff(ctx),
		func(err error, d time.Duration) {
			x.Logger.Debug().
				Str(`name`, name).
				Err(err).
				Dur(`delay`, d).
				Log(`temporary lookup failure`)
		},
	)
}
