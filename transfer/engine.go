package transfer

import (
	"fmt"
	"time"
)

// Handle identifies a single transfer within an engine. Handles are compared
// by identity, and must be comparable (typically a pointer).
type Handle any

// Code is the outcome of a single transfer.
type Code int

const (
	CodeOK Code = 0
	// CodeFailedInit is returned when a transfer could not be set up, e.g.
	// because there was no coroutine to suspend.
	CodeFailedInit Code = 2
	// CodeAbortedByCallback is returned when the waiting coroutine was
	// resumed with an error, e.g. cancelled.
	CodeAbortedByCallback Code = 42
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeFailedInit:
		return "failed init"
	case CodeAbortedByCallback:
		return "aborted by callback"
	default:
		return fmt.Sprintf("code %d", int(c))
	}
}

// MultiCode is the status of an operation on a multi handle. It implements
// error, so engines may return it directly.
type MultiCode int

const (
	MultiOK MultiCode = iota
	MultiBadHandle
	MultiBadEasyHandle
	MultiOutOfMemory
	MultiInternalError
	MultiBadSocket
)

func (c MultiCode) Error() string {
	switch c {
	case MultiOK:
		return "transfer: ok"
	case MultiBadHandle:
		return "transfer: bad multi handle"
	case MultiBadEasyHandle:
		return "transfer: bad transfer handle"
	case MultiOutOfMemory:
		return "transfer: out of memory"
	case MultiInternalError:
		return "transfer: internal error"
	case MultiBadSocket:
		return "transfer: bad socket"
	default:
		return fmt.Sprintf("transfer: multi code %d", int(c))
	}
}

// Poll is the interest an engine declares for a socket.
type Poll int

const (
	PollNone Poll = iota
	PollIn
	PollOut
	PollInOut
	PollRemove
)

func (p Poll) String() string {
	switch p {
	case PollNone:
		return "none"
	case PollIn:
		return "in"
	case PollOut:
		return "out"
	case PollInOut:
		return "inout"
	case PollRemove:
		return "remove"
	default:
		return fmt.Sprintf("poll(%d)", int(p))
	}
}

// Action is the readiness reported to [Engine.SocketAction].
type Action int

const (
	CSelectIn Action = 1 << iota
	CSelectOut
	CSelectErr
)

// SocketTimeout is passed to [Engine.SocketAction] in place of a descriptor
// to signal that the engine's timer expired, or to kick off processing.
const SocketTimeout = -1

type (
	// SocketFunc is called by the engine when it wants a socket watched, or
	// no longer watched (PollRemove). A non-OK result fails the engine's
	// current operation.
	SocketFunc func(h Handle, fd int, what Poll) MultiCode

	// TimerFunc is called by the engine to replace its single timeout. A
	// negative delay cancels it.
	TimerFunc func(delay time.Duration) MultiCode
)

// Message reports a finished transfer, via [Engine.InfoRead].
type Message struct {
	Handle Handle
	Result Code
}

// Engine is the multiplexed, callback-driven transfer engine. It is driven
// entirely from the reactor goroutine: hooks are invoked synchronously from
// within Add, Remove and SocketAction.
type Engine interface {
	Add(h Handle) error
	Remove(h Handle) error

	// SocketAction drives the engine for fd (or SocketTimeout), returning
	// the number of transfers still running.
	SocketAction(fd int, action Action) (running int, err error)

	// InfoRead pops the next completion message, if any.
	InfoRead() (Message, bool)

	SetSocketFunc(fn SocketFunc)
	SetTimerFunc(fn TimerFunc)
}
