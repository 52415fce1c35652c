//go:build linux

package reactor

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// SupportsRegularFiles reports whether the poller can watch regular files.
// epoll rejects them with EPERM.
const SupportsRegularFiles = false

// fastPoller is the epoll backend.
//
// A descriptor unregistered by a callback may still have an event pending in
// the current batch; dispatch consults the interest table per event, so such
// events are dropped.
type fastPoller struct {
	table  interestTable
	ready  [256]unix.EpollEvent
	epfd   int
	closed atomic.Bool
}

func (p *fastPoller) Init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.table.reset()
	return nil
}

func (p *fastPoller) Close() error {
	if p.closed.Swap(true) || p.epfd <= 0 {
		return nil
	}
	return unix.Close(p.epfd)
}

func (p *fastPoller) ctl(op, fd int, events IOEvents) error {
	if op == unix.EPOLL_CTL_DEL {
		return unix.EpollCtl(p.epfd, op, fd, nil)
	}
	return unix.EpollCtl(p.epfd, op, fd, &unix.EpollEvent{
		Events: epollMask(events),
		Fd:     int32(fd),
	})
}

// RegisterFD starts watching fd. The raw errno from epoll_ctl is returned
// if the kernel refuses the descriptor.
func (p *fastPoller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if err := p.table.add(fd, events, cb); err != nil {
		return err
	}
	if err := p.ctl(unix.EPOLL_CTL_ADD, fd, events); err != nil {
		_, _ = p.table.remove(fd)
		return err
	}
	return nil
}

// UnregisterFD stops watching fd. A descriptor the owner already closed has
// left the epoll set on its own, which is not an error.
func (p *fastPoller) UnregisterFD(fd int) error {
	if err := checkFD(fd); err != nil {
		return err
	}
	if _, err := p.table.remove(fd); err != nil {
		return err
	}
	err := p.ctl(unix.EPOLL_CTL_DEL, fd, 0)
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}

func (p *fastPoller) ModifyFD(fd int, events IOEvents) error {
	if err := checkFD(fd); err != nil {
		return err
	}
	if _, err := p.table.update(fd, events); err != nil {
		return err
	}
	return p.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

// PollIO blocks for up to timeoutMs (negative means no limit), then runs
// the callback of every ready descriptor. EINTR counts as an empty wait.
func (p *fastPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	n, err := unix.EpollWait(p.epfd, p.ready[:], timeoutMs)
	switch {
	case err == unix.EINTR:
		return 0, nil
	case err != nil:
		return 0, err
	}
	var dispatched int
	for _, ev := range p.ready[:n] {
		if cb := p.table.callback(int(ev.Fd)); cb != nil {
			dispatched++
			cb(fromEpoll(ev.Events))
		}
	}
	return dispatched, nil
}

var epollBits = [...]struct {
	event IOEvents
	epoll uint32
}{
	{EventRead, unix.EPOLLIN},
	{EventWrite, unix.EPOLLOUT},
	{EventPriority, unix.EPOLLPRI},
	{EventHangup, unix.EPOLLRDHUP},
}

// epollMask translates an interest set. Error and hangup are always
// reported by the kernel, EPOLLRDHUP is the half-close notification.
func epollMask(events IOEvents) (mask uint32) {
	for _, b := range epollBits {
		if events&b.event != 0 {
			mask |= b.epoll
		}
	}
	return mask
}

func fromEpoll(mask uint32) (events IOEvents) {
	for _, b := range epollBits {
		if mask&b.epoll != 0 {
			events |= b.event
		}
	}
	if mask&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	if mask&unix.EPOLLERR != 0 {
		events |= EventError
	}
	return events
}
