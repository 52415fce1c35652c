package async

import (
	"fmt"

	"github.com/joeycumines/go-asyncbridge/reactor"
)

// PollEvent is a persistent socket readiness event. Each readiness
// notification carries the observed [reactor.IOEvents] as its result, which
// is also available via Triggered.
type PollEvent struct {
	EventCore
	sched     *Scheduler
	fd        int
	events    reactor.IOEvents
	triggered reactor.IOEvents
}

// NewPollEvent creates an unstarted readiness event for fd.
func (s *Scheduler) NewPollEvent(fd int, events reactor.IOEvents) *PollEvent {
	p := &PollEvent{sched: s, fd: fd, events: events}
	p.Init(p, EventHooks{
		Start:      p.start,
		Stop:       p.stop,
		Info:       p.info,
		Scheduler:  s,
		Persistent: true,
	})
	return p
}

func (p *PollEvent) start() error {
	return p.sched.reactor.RegisterFD(p.fd, p.events, p.onReady)
}

func (p *PollEvent) stop() {
	if err := p.sched.reactor.UnregisterFD(p.fd); err != nil {
		p.sched.logger.Debug().
			Int(`fd`, p.fd).
			Err(err).
			Log(`poll event unregister failed`)
	}
}

func (p *PollEvent) onReady(events reactor.IOEvents) {
	if p.closed {
		return
	}
	p.triggered = events
	p.Notify(events, nil)
}

func (p *PollEvent) info() string {
	return fmt.Sprintf("poll event fd=%d events=%s", p.fd, p.events)
}

// FD returns the watched descriptor.
func (p *PollEvent) FD() int { return p.fd }

// Events returns the current interest mask.
func (p *PollEvent) Events() reactor.IOEvents { return p.events }

// Triggered returns the events observed by the most recent notification.
func (p *PollEvent) Triggered() reactor.IOEvents { return p.triggered }

// SetEvents replaces the interest mask, updating the reactor if started.
func (p *PollEvent) SetEvents(events reactor.IOEvents) error {
	if events == p.events {
		return nil
	}
	p.events = events
	if p.active {
		return p.sched.reactor.ModifyFD(p.fd, events)
	}
	return nil
}

// AddEvents merges events into the interest mask.
func (p *PollEvent) AddEvents(events reactor.IOEvents) error {
	return p.SetEvents(p.events | events)
}
