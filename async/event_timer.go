package async

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-asyncbridge/reactor"
)

// TimerEvent is a one-shot timer. It notifies once, with a nil result, when
// the delay elapses, and is closed from then on.
type TimerEvent struct {
	EventCore
	sched *Scheduler
	delay time.Duration
	id    reactor.TimerID
	fired bool
}

// NewTimerEvent creates an unstarted timer event. The delay is measured from
// Start.
func (s *Scheduler) NewTimerEvent(delay time.Duration) *TimerEvent {
	t := &TimerEvent{sched: s, delay: delay}
	t.Init(t, EventHooks{
		Start: t.start,
		Stop:  t.stop,
		Info: func() string {
			return fmt.Sprintf("timer event delay=%s", t.delay)
		},
		Scheduler: s,
	})
	return t
}

func (t *TimerEvent) start() error {
	id, err := t.sched.reactor.ScheduleTimer(t.delay, t.onFire)
	if err != nil {
		return err
	}
	t.id = id
	return nil
}

func (t *TimerEvent) stop() {
	if t.fired {
		return
	}
	if err := t.sched.reactor.CancelTimer(t.id); err != nil && !errors.Is(err, reactor.ErrTimerNotFound) {
		t.sched.logger.Debug().Err(err).Log(`timer cancel failed`)
	}
}

func (t *TimerEvent) onFire() {
	if t.closed {
		return
	}
	t.fired = true
	t.Stop()
	t.Notify(nil, nil)
}

// Delay returns the configured delay.
func (t *TimerEvent) Delay() time.Duration { return t.delay }

// Fired reports whether the timer has fired.
func (t *TimerEvent) Fired() bool { return t.fired }
