//go:build darwin

package reactor

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// SupportsRegularFiles reports whether the poller can watch regular files.
// kqueue's read and write filters accept them.
const SupportsRegularFiles = true

// fastPoller is the kqueue backend.
//
// kqueue has no priority filter, so EventPriority rides on the read filter.
// EV_EOF on either filter is reported as EventHangup.
type fastPoller struct {
	table  interestTable
	ready  [256]unix.Kevent_t
	kq     int
	closed atomic.Bool
}

func (p *fastPoller) Init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	p.table.reset()
	return nil
}

func (p *fastPoller) Close() error {
	if p.closed.Swap(true) || p.kq <= 0 {
		return nil
	}
	return unix.Close(p.kq)
}

// apply submits changes for the filters in events, with the given flags.
func (p *fastPoller) apply(fd int, events IOEvents, flags uint16) error {
	var changes []unix.Kevent_t
	filters := kqueueFilters(events)
	if filters&EventRead != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if filters&EventWrite != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *fastPoller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if err := p.table.add(fd, events, cb); err != nil {
		return err
	}
	if err := p.apply(fd, events, unix.EV_ADD|unix.EV_ENABLE); err != nil {
		_, _ = p.table.remove(fd)
		return err
	}
	return nil
}

// UnregisterFD stops watching fd. Filter removal errors are ignored, since
// closing a descriptor drops its filters anyway.
func (p *fastPoller) UnregisterFD(fd int) error {
	if err := checkFD(fd); err != nil {
		return err
	}
	events, err := p.table.remove(fd)
	if err != nil {
		return err
	}
	_ = p.apply(fd, events, unix.EV_DELETE)
	return nil
}

// ModifyFD adds and deletes only the filters that differ.
func (p *fastPoller) ModifyFD(fd int, events IOEvents) error {
	if err := checkFD(fd); err != nil {
		return err
	}
	prev, err := p.table.update(fd, events)
	if err != nil {
		return err
	}
	was, now := kqueueFilters(prev), kqueueFilters(events)
	_ = p.apply(fd, was&^now, unix.EV_DELETE)
	return p.apply(fd, now&^was, unix.EV_ADD|unix.EV_ENABLE)
}

// PollIO blocks for up to timeoutMs (negative means no limit), then runs
// the callback of every ready descriptor. EINTR counts as an empty wait.
func (p *fastPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.ready[:], ts)
	switch {
	case err == unix.EINTR:
		return 0, nil
	case err != nil:
		return 0, err
	}
	var dispatched int
	for i := range p.ready[:n] {
		ev := &p.ready[i]
		if cb := p.table.callback(int(ev.Ident)); cb != nil {
			dispatched++
			cb(fromKevent(ev))
		}
	}
	return dispatched, nil
}

// kqueueFilters reduces events to the filters kqueue offers.
func kqueueFilters(events IOEvents) (filters IOEvents) {
	if events&(EventRead|EventPriority) != 0 {
		filters |= EventRead
	}
	if events&EventWrite != 0 {
		filters |= EventWrite
	}
	return filters
}

func fromKevent(ev *unix.Kevent_t) (events IOEvents) {
	switch ev.Filter {
	case unix.EVFILT_READ:
		events = EventRead
	case unix.EVFILT_WRITE:
		events = EventWrite
	}
	if ev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	if ev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	return events
}
