//go:build linux || darwin

package netwait

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/joeycumines/go-asyncbridge/async"
	"github.com/joeycumines/go-asyncbridge/reactor"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// FDSetSize is the number of descriptors a [unix.FdSet] can hold.
const FDSetSize = int(unsafe.Sizeof(unix.FdSet{})) * 8

// Waiter emulates poll(2) and select(2) for coroutines: instead of blocking
// the thread, the calling coroutine is suspended until a descriptor is ready
// or the timeout elapses. The zero value is ready to use.
//
// Results follow the system call conventions: a count, or -1 with a
// [unix.Errno].
type Waiter struct {
	// Logger receives warnings for unexpected resumption errors. Defaults to
	// the scheduler's logger.
	Logger *logiface.Logger[logiface.Event]

	// WarnRates bounds those warnings, per error type. Defaults to 1 per
	// second and 10 per minute.
	WarnRates map[time.Duration]int

	once    sync.Once
	limiter *catrate.Limiter
}

var defaultWaiter Waiter

// Poll calls [Waiter.Poll] on a shared zero-value Waiter.
func Poll(ctx context.Context, fds []unix.PollFd, timeout int) (int, error) {
	return defaultWaiter.Poll(ctx, fds, timeout)
}

// Select calls [Waiter.Select] on a shared zero-value Waiter.
func Select(ctx context.Context, nfd int, r, w, e *unix.FdSet, tv *unix.Timeval) (int, error) {
	return defaultWaiter.Select(ctx, nfd, r, w, e, tv)
}

// SetBlocking switches fd between blocking and non-blocking mode.
func SetBlocking(fd int, blocking bool) error {
	if err := unix.SetNonblock(fd, !blocking); err != nil {
		return fmt.Errorf("netwait: set blocking fd=%d: %w", fd, err)
	}
	return nil
}

func pollToEvents(events int16) reactor.IOEvents {
	var result reactor.IOEvents
	if events&unix.POLLIN != 0 {
		result |= reactor.EventRead
	}
	if events&unix.POLLOUT != 0 {
		result |= reactor.EventWrite
	}
	if events&unix.POLLHUP != 0 {
		result |= reactor.EventHangup
	}
	if events&unix.POLLPRI != 0 {
		result |= reactor.EventPriority
	}
	if events&(unix.POLLERR|unix.POLLNVAL) != 0 {
		result |= reactor.EventRead
	}
	return result
}

func eventsToPoll(events reactor.IOEvents) int16 {
	var result int16
	if events&reactor.EventRead != 0 {
		result |= unix.POLLIN
	}
	if events&reactor.EventWrite != 0 {
		result |= unix.POLLOUT
	}
	if events&reactor.EventHangup != 0 {
		result |= unix.POLLHUP
	}
	if events&reactor.EventPriority != 0 {
		result |= unix.POLLPRI
	}
	if events&reactor.EventError != 0 {
		result |= unix.POLLERR
	}
	return result
}

// pollTimeout converts a poll(2) style timeout.
func pollTimeout(ms int) time.Duration {
	if ms < 0 {
		return async.NoTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

func isRegularFile(fd int) bool {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false
	}
	return uint32(st.Mode)&unix.S_IFMT == unix.S_IFREG
}

// immediate reports whether fd must be treated as always ready, as the
// reactor can't watch it.
func immediate(fd int) bool {
	return !reactor.SupportsRegularFiles && isRegularFile(fd)
}

// sample polls fds without blocking.
func sample(fds []unix.PollFd) error {
	if len(fds) == 0 {
		return nil
	}
	for {
		_, err := unix.Poll(fds, 0)
		if err != unix.EINTR {
			return err
		}
	}
}

// registrationErrno maps an event start failure.
func registrationErrno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.ENOMEM
}

// resumeErrno maps the error a suspended wait was resumed with.
func (x *Waiter) resumeErrno(s *async.Scheduler, err error) unix.Errno {
	switch {
	case errors.Is(err, async.ErrCancelled):
		return unix.ECANCELED
	case errors.Is(err, async.ErrTimeout):
		return unix.ETIMEDOUT
	}
	if _, ok := x.getLimiter().Allow(fmt.Sprintf("%T", err)); ok {
		logger := x.Logger
		if logger == nil {
			logger = s.Logger()
		}
		logger.Warning().Err(err).Log(`descriptor wait interrupted`)
	}
	return unix.EINTR
}

func (x *Waiter) getLimiter() *catrate.Limiter {
	x.once.Do(func() {
		rates := x.WarnRates
		if rates == nil {
			rates = map[time.Duration]int{
				time.Second: 1,
				time.Minute: 10,
			}
		}
		x.limiter = catrate.NewLimiter(rates)
	})
	return x.limiter
}

func incrementResult(w *async.Waker) {
	n, _ := w.Result.(int)
	w.Result = n + 1
}

// Poll waits for events on fds, writing the observed events into each
// entry's Revents. timeout is in milliseconds: negative waits indefinitely,
// and 0 returns once the reactor has polled. Entries with a negative Fd are
// ignored, and duplicate descriptors share a registration.
//
// Regular files the reactor can't watch are always ready. If any is
// requested, Poll returns without suspending, the other entries being
// sampled once without blocking.
//
// The result is the number of entries with non-zero Revents. Errors are
// EINVAL outside a coroutine, the registration errno (or ENOMEM) if a
// descriptor could not be watched, ECANCELED if the coroutine was cancelled,
// ETIMEDOUT if ctx's deadline passed, and EINTR otherwise.
func (x *Waiter) Poll(ctx context.Context, fds []unix.PollFd, timeout int) (int, error) {
	co, err := async.Current(ctx)
	if err != nil {
		return -1, unix.EINVAL
	}
	s := co.Scheduler()

	for i := range fds {
		fds[i].Revents = 0
	}

	var ready int
	var rest []int
	for i := range fds {
		switch {
		case fds[i].Fd < 0:
		case immediate(int(fds[i].Fd)):
			fds[i].Revents = fds[i].Events & (unix.POLLIN | unix.POLLOUT)
			if fds[i].Revents != 0 {
				ready++
			}
		default:
			rest = append(rest, i)
		}
	}
	if ready != 0 {
		// not suspending, so report the rest as they stand now
		probe := make([]unix.PollFd, len(rest))
		for j, i := range rest {
			probe[j] = unix.PollFd{Fd: fds[i].Fd, Events: fds[i].Events}
		}
		if err := sample(probe); err != nil {
			return -1, registrationErrno(err)
		}
		for j, i := range rest {
			fds[i].Revents = probe[j].Revents
			if fds[i].Revents != 0 {
				ready++
			}
		}
		return ready, nil
	}

	w, err := s.NewWaker(co, pollTimeout(timeout))
	if err != nil {
		return -1, registrationErrno(err)
	}
	defer s.DestroyWaker(co)
	w.Result = 0

	// slots by descriptor, in first-seen order
	var order []int
	slots := make(map[int][]int)
	for i := range fds {
		fd := int(fds[i].Fd)
		if fd < 0 {
			continue
		}
		if _, ok := slots[fd]; !ok {
			order = append(order, fd)
		}
		slots[fd] = append(slots[fd], i)
	}

	counted := make([]bool, len(fds))
	for _, fd := range order {
		idx := slots[fd]
		var events reactor.IOEvents
		for _, i := range idx {
			events |= pollToEvents(fds[i].Events)
		}
		if immediate(fd) {
			continue
		}
		err := s.ResumeWhen(co, s.NewPollEvent(fd, events), async.Owned, func(w *async.Waker, _ async.Event, result any, err error) {
			if err != nil {
				s.Resume(co, err)
				return
			}
			revents := eventsToPoll(result.(reactor.IOEvents))
			for _, i := range idx {
				fds[i].Revents = revents & (fds[i].Events | unix.POLLERR | unix.POLLHUP | unix.POLLNVAL)
				if fds[i].Revents != 0 && !counted[i] {
					counted[i] = true
					incrementResult(w)
				}
			}
			s.Resume(co, nil)
		})
		if err != nil {
			return -1, registrationErrno(err)
		}
	}

	if err := co.Suspend(ctx); err != nil && !w.Expired(err) {
		return -1, x.resumeErrno(s, err)
	}

	n, _ := w.Result.(int)
	return n, nil
}

// Select waits until a descriptor below nfd in r is readable, in w writable,
// or in e has an exceptional condition (urgent data or hangup). tv nil waits
// indefinitely.
//
// On success each non-nil set is replaced by the descriptors that were
// ready, and the number of distinct ready descriptors is returned. On error
// the sets are left unchanged. nfd outside [0, FDSetSize] is EINVAL; other
// errors are as for Poll. Regular files are handled as by Poll, a closed
// descriptor sampled alongside one being EBADF.
func (x *Waiter) Select(ctx context.Context, nfd int, r, w, e *unix.FdSet, tv *unix.Timeval) (int, error) {
	co, err := async.Current(ctx)
	if err != nil {
		return -1, unix.EINVAL
	}
	if nfd < 0 || nfd > FDSetSize {
		return -1, unix.EINVAL
	}
	if tv != nil && (tv.Sec < 0 || tv.Usec < 0) {
		return -1, unix.EINVAL
	}
	s := co.Scheduler()

	isSet := func(set *unix.FdSet, fd int) bool { return set != nil && set.IsSet(fd) }
	copyBack := func(ar, aw, ae *unix.FdSet) {
		if r != nil {
			*r = *ar
		}
		if w != nil {
			*w = *aw
		}
		if e != nil {
			*e = *ae
		}
	}

	var ar, aw, ae unix.FdSet

	var ready int
	var rest []unix.PollFd
	for fd := 0; fd < nfd; fd++ {
		if !isSet(r, fd) && !isSet(w, fd) && !isSet(e, fd) {
			continue
		}
		if (isSet(r, fd) || isSet(w, fd)) && immediate(fd) {
			if isSet(r, fd) {
				ar.Set(fd)
			}
			if isSet(w, fd) {
				aw.Set(fd)
			}
			ready++
			continue
		}
		var events int16
		if isSet(r, fd) {
			events |= unix.POLLIN
		}
		if isSet(w, fd) {
			events |= unix.POLLOUT
		}
		if isSet(e, fd) {
			events |= unix.POLLPRI
		}
		rest = append(rest, unix.PollFd{Fd: int32(fd), Events: events})
	}
	if ready != 0 {
		// not suspending, so report the rest as they stand now
		if err := sample(rest); err != nil {
			return -1, registrationErrno(err)
		}
		for _, p := range rest {
			fd := int(p.Fd)
			if p.Revents&unix.POLLNVAL != 0 {
				return -1, unix.EBADF
			}
			var hit bool
			if isSet(r, fd) && p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				ar.Set(fd)
				hit = true
			}
			if isSet(w, fd) && p.Revents&(unix.POLLOUT|unix.POLLERR) != 0 {
				aw.Set(fd)
				hit = true
			}
			if isSet(e, fd) && p.Revents&(unix.POLLPRI|unix.POLLHUP) != 0 {
				ae.Set(fd)
				hit = true
			}
			if hit {
				ready++
			}
		}
		copyBack(&ar, &aw, &ae)
		return ready, nil
	}

	timeout := async.NoTimeout
	if tv != nil {
		timeout = time.Duration(tv.Nano())
	}
	wk, err := s.NewWaker(co, timeout)
	if err != nil {
		return -1, registrationErrno(err)
	}
	defer s.DestroyWaker(co)
	wk.Result = 0

	for fd := 0; fd < nfd; fd++ {
		var events reactor.IOEvents
		if isSet(r, fd) {
			events |= reactor.EventRead
		}
		if isSet(w, fd) {
			events |= reactor.EventWrite
		}
		if isSet(e, fd) {
			events |= reactor.EventPriority
		}
		if events == 0 || immediate(fd) {
			continue
		}
		var counted bool
		err := s.ResumeWhen(co, s.NewPollEvent(fd, events), async.Owned, func(wk *async.Waker, _ async.Event, result any, err error) {
			if err != nil {
				s.Resume(co, err)
				return
			}
			triggered := result.(reactor.IOEvents)
			var hit bool
			if isSet(r, fd) && triggered&(reactor.EventRead|reactor.EventHangup|reactor.EventError) != 0 {
				ar.Set(fd)
				hit = true
			}
			if isSet(w, fd) && triggered&(reactor.EventWrite|reactor.EventError) != 0 {
				aw.Set(fd)
				hit = true
			}
			if isSet(e, fd) && triggered&(reactor.EventPriority|reactor.EventHangup) != 0 {
				ae.Set(fd)
				hit = true
			}
			if !hit {
				return
			}
			if !counted {
				counted = true
				incrementResult(wk)
			}
			s.Resume(co, nil)
		})
		if err != nil {
			return -1, registrationErrno(err)
		}
	}

	if err := co.Suspend(ctx); err != nil && !wk.Expired(err) {
		return -1, x.resumeErrno(s, err)
	}

	copyBack(&ar, &aw, &ae)
	n, _ := wk.Result.(int)
	return n, nil
}
