package transfer

import (
	"time"

	"github.com/joeycumines/go-asyncbridge/async"
	"github.com/joeycumines/go-asyncbridge/reactor"
	"github.com/joeycumines/logiface"
)

// multiplexer binds an engine's socket and timer hooks to reactor events.
// One exists per Channel, or per Multi.
type multiplexer struct {
	sched  *async.Scheduler
	engine Engine
	logger *logiface.Logger[logiface.Event]

	sockets map[int]*async.PollEvent
	timer   *async.TimerEvent

	// afterDrive runs after every SocketAction.
	afterDrive func()
	// onReady runs before the engine is driven for a ready descriptor.
	onReady func(fd int)
	// onEmpty runs when the last socket is removed.
	onEmpty func()

	running int
}

func newMultiplexer(sched *async.Scheduler, engine Engine, logger *logiface.Logger[logiface.Event]) *multiplexer {
	m := &multiplexer{
		sched:   sched,
		engine:  engine,
		logger:  logger,
		sockets: make(map[int]*async.PollEvent),
	}
	engine.SetSocketFunc(m.socketHook)
	engine.SetTimerFunc(m.timerHook)
	return m
}

func pollEvents(what Poll) reactor.IOEvents {
	var events reactor.IOEvents
	if what == PollIn || what == PollInOut {
		events |= reactor.EventRead
	}
	if what == PollOut || what == PollInOut {
		events |= reactor.EventWrite
	}
	return events
}

func (m *multiplexer) socketHook(h Handle, fd int, what Poll) MultiCode {
	if what == PollRemove {
		ev, ok := m.sockets[fd]
		if !ok {
			return MultiOK
		}
		// the entry goes first, the engine may re-enter during dispose
		delete(m.sockets, fd)
		ev.Dispose()
		m.logger.Trace().Int(`fd`, fd).Log(`socket removed`)
		if len(m.sockets) == 0 && m.onEmpty != nil {
			m.onEmpty()
		}
		return MultiOK
	}

	events := pollEvents(what)

	if ev, ok := m.sockets[fd]; ok {
		if err := ev.AddEvents(events); err != nil {
			m.logger.Warning().Int(`fd`, fd).Err(err).Log(`socket interest update failed`)
			return MultiBadSocket
		}
		return MultiOK
	}

	if events == 0 {
		return MultiOK
	}

	ev := m.sched.NewPollEvent(fd, events)
	ev.AddCallback(async.NewCallback(func(_ async.Event, result any, err error) {
		m.onSocket(fd, result, err)
	}))
	m.sockets[fd] = ev
	if err := ev.Start(); err != nil {
		if m.sockets[fd] == ev {
			delete(m.sockets, fd)
		}
		ev.Dispose()
		m.logger.Warning().Int(`fd`, fd).Err(err).Log(`socket registration failed`)
		return MultiBadSocket
	}
	m.logger.Trace().Int(`fd`, fd).Str(`events`, events.String()).Log(`socket added`)
	return MultiOK
}

func (m *multiplexer) onSocket(fd int, result any, err error) {
	events, _ := result.(reactor.IOEvents)
	var action Action
	if events&(reactor.EventRead|reactor.EventHangup) != 0 {
		action |= CSelectIn
	}
	if events&reactor.EventWrite != 0 {
		action |= CSelectOut
	}
	if err != nil || events&reactor.EventError != 0 {
		action |= CSelectErr
	}
	if m.onReady != nil {
		m.onReady(fd)
	}
	_, _ = m.drive(fd, action)
}

func (m *multiplexer) timerHook(delay time.Duration) MultiCode {
	if m.timer != nil {
		m.timer.Dispose()
		m.timer = nil
	}
	if delay < 0 {
		return MultiOK
	}
	t := m.sched.NewTimerEvent(delay)
	t.AddCallback(async.NewCallback(func(async.Event, any, error) {
		if m.timer == t {
			m.timer = nil
		}
		_, _ = m.drive(SocketTimeout, 0)
	}))
	m.timer = t
	if err := t.Start(); err != nil {
		m.timer = nil
		t.Dispose()
		m.logger.Warning().Err(err).Log(`engine timer failed`)
		return MultiInternalError
	}
	return MultiOK
}

// drive runs the engine once for fd.
func (m *multiplexer) drive(fd int, action Action) (int, error) {
	running, err := m.engine.SocketAction(fd, action)
	if err != nil {
		m.logger.Debug().Int(`fd`, fd).Err(err).Log(`socket action failed`)
	} else {
		m.running = running
	}
	if m.afterDrive != nil {
		m.afterDrive()
	}
	return running, err
}

func (m *multiplexer) socketCount() int {
	return len(m.sockets)
}

// close disposes every socket event and the timer, and detaches the hooks.
// The empty hook is not invoked.
func (m *multiplexer) close() {
	for fd, ev := range m.sockets {
		delete(m.sockets, fd)
		ev.Dispose()
	}
	if m.timer != nil {
		m.timer.Dispose()
		m.timer = nil
	}
	m.engine.SetSocketFunc(nil)
	m.engine.SetTimerFunc(nil)
}
