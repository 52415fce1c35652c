// Package async implements cooperative coroutines on top of a single-threaded
// reactor, together with the event object model used to suspend and resume
// them.
//
// # Coroutines
//
// A [Coroutine] runs on its own goroutine, but only while the reactor
// goroutine has handed it control. Exactly one of the reactor or a single
// coroutine executes at any time, so state shared between callbacks and
// coroutines (events, wakers, descriptor tables) needs no locking.
//
// # Events
//
// An [Event] is a start/stop/dispose-able source of notifications, with an
// ordered list of [Callback] registrations. Variants embed [EventCore] and
// supply [EventHooks]. Socket readiness ([PollEvent]), timers ([TimerEvent])
// and fan-out ([BroadcastEvent]) are provided here; other packages define
// their own.
//
// # Suspension
//
// A coroutine suspends by creating a [Waker], registering it against one or
// more events with [Scheduler.ResumeWhen], and calling [Coroutine.Suspend]:
//
//	co, err := async.Current(ctx)
//	if err != nil {
//		return err
//	}
//	w, err := sched.NewWaker(co, time.Second)
//	if err != nil {
//		return err
//	}
//	defer sched.DestroyWaker(co)
//	if err := sched.ResumeWhen(co, ev, async.Owned, nil); err != nil {
//		return err
//	}
//	if err := co.Suspend(ctx); err != nil {
//		return err // *TimeoutError, *CancellationError, or propagated
//	}
//	use(w.Result)
package async
