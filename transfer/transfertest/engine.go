// Package transfertest provides a scriptable in-memory transfer engine.
package transfertest

import (
	"slices"
	"sync"
	"time"

	"github.com/joeycumines/go-asyncbridge/transfer"
)

// ActionCall records one SocketAction invocation.
type ActionCall struct {
	FD     int
	Action transfer.Action
}

// Engine implements [transfer.Engine]. It does no I/O: tests script it via
// Watch, Timeout and Complete, typically from the OnAdd and OnAction hooks so
// that the hooks fire synchronously, as they would in a real engine.
type Engine struct {
	// OnAdd, if set, is called at the end of a successful Add.
	OnAdd func(e *Engine, h transfer.Handle)

	// OnAction, if set, is called from SocketAction before the running count
	// is computed.
	OnAction func(e *Engine, fd int, action transfer.Action)

	// AddErr, if set, fails every Add.
	AddErr error

	// ActionErr, if set, fails every SocketAction (after OnAction).
	ActionErr error

	mu       sync.Mutex
	socketFn transfer.SocketFunc
	timerFn  transfer.TimerFunc
	attached map[transfer.Handle]bool // value: completed
	messages []transfer.Message
	actions  []ActionCall
	added    []transfer.Handle
	removed  []transfer.Handle
	// sockets holds the descriptors each handle is watching
	sockets map[transfer.Handle]map[int]bool
}

var _ transfer.Engine = (*Engine)(nil)

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		attached: make(map[transfer.Handle]bool),
		sockets:  make(map[transfer.Handle]map[int]bool),
	}
}

// Add implements [transfer.Engine].
func (e *Engine) Add(h transfer.Handle) error {
	if e.AddErr != nil {
		return e.AddErr
	}
	e.mu.Lock()
	if _, ok := e.attached[h]; ok {
		e.mu.Unlock()
		return transfer.MultiBadEasyHandle
	}
	e.attached[h] = false
	e.added = append(e.added, h)
	e.mu.Unlock()
	if e.OnAdd != nil {
		e.OnAdd(e, h)
	}
	return nil
}

// Remove implements [transfer.Engine]. Like a real engine, it asks for every
// socket h is still watching to be removed.
func (e *Engine) Remove(h transfer.Handle) error {
	e.mu.Lock()
	if _, ok := e.attached[h]; !ok {
		e.mu.Unlock()
		return transfer.MultiBadEasyHandle
	}
	delete(e.attached, h)
	e.removed = append(e.removed, h)
	fds := make([]int, 0, len(e.sockets[h]))
	for fd := range e.sockets[h] {
		fds = append(fds, fd)
	}
	delete(e.sockets, h)
	fn := e.socketFn
	e.mu.Unlock()
	slices.Sort(fds)
	if fn != nil {
		for _, fd := range fds {
			fn(h, fd, transfer.PollRemove)
		}
	}
	return nil
}

// SocketAction implements [transfer.Engine].
func (e *Engine) SocketAction(fd int, action transfer.Action) (int, error) {
	e.mu.Lock()
	e.actions = append(e.actions, ActionCall{FD: fd, Action: action})
	e.mu.Unlock()
	if e.OnAction != nil {
		e.OnAction(e, fd, action)
	}
	running := e.Running()
	if e.ActionErr != nil {
		return running, e.ActionErr
	}
	return running, nil
}

// InfoRead implements [transfer.Engine].
func (e *Engine) InfoRead() (transfer.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.messages) == 0 {
		return transfer.Message{}, false
	}
	msg := e.messages[0]
	e.messages = e.messages[1:]
	return msg, true
}

// SetSocketFunc implements [transfer.Engine].
func (e *Engine) SetSocketFunc(fn transfer.SocketFunc) {
	e.mu.Lock()
	e.socketFn = fn
	e.mu.Unlock()
}

// SetTimerFunc implements [transfer.Engine].
func (e *Engine) SetTimerFunc(fn transfer.TimerFunc) {
	e.mu.Lock()
	e.timerFn = fn
	e.mu.Unlock()
}

// Watch declares interest in fd on behalf of h, through the socket hook.
// Returns MultiBadHandle if no hook is installed.
func (e *Engine) Watch(h transfer.Handle, fd int, what transfer.Poll) transfer.MultiCode {
	e.mu.Lock()
	fn := e.socketFn
	e.mu.Unlock()
	if fn == nil {
		return transfer.MultiBadHandle
	}
	code := fn(h, fd, what)
	if code == transfer.MultiOK {
		e.track(h, fd, what != transfer.PollRemove)
	}
	return code
}

func (e *Engine) track(h transfer.Handle, fd int, watching bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !watching {
		delete(e.sockets[h], fd)
		return
	}
	if e.sockets[h] == nil {
		e.sockets[h] = make(map[int]bool)
	}
	e.sockets[h][fd] = true
}

// Timeout replaces the engine's timeout through the timer hook. Returns
// MultiBadHandle if no hook is installed.
func (e *Engine) Timeout(d time.Duration) transfer.MultiCode {
	e.mu.Lock()
	fn := e.timerFn
	e.mu.Unlock()
	if fn == nil {
		return transfer.MultiBadHandle
	}
	return fn(d)
}

// Complete marks h finished with code, queueing its completion message.
func (e *Engine) Complete(h transfer.Handle, code transfer.Code) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if done, ok := e.attached[h]; !ok || done {
		return
	}
	e.attached[h] = true
	e.messages = append(e.messages, transfer.Message{Handle: h, Result: code})
}

// Running returns the number of attached, incomplete transfers.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var n int
	for _, done := range e.attached {
		if !done {
			n++
		}
	}
	return n
}

// Attached reports whether h has been added and not yet removed.
func (e *Engine) Attached(h transfer.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.attached[h]
	return ok
}

// HasHooks reports whether socket and timer hooks are installed.
func (e *Engine) HasHooks() (socket, timer bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.socketFn != nil, e.timerFn != nil
}

// Actions returns every SocketAction call so far.
func (e *Engine) Actions() []ActionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ActionCall(nil), e.actions...)
}

// Added returns every handle accepted by Add, in order.
func (e *Engine) Added() []transfer.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]transfer.Handle(nil), e.added...)
}

// Removed returns every handle removed, in order.
func (e *Engine) Removed() []transfer.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]transfer.Handle(nil), e.removed...)
}
