package reactor

import (
	"sync/atomic"
)

// LoopState is the lifecycle phase of a Loop. A loop moves from Awake to
// Running once, alternates between Running and Sleeping while it polls, and
// ends in Terminating then Terminated. Shutdown before Run skips straight to
// Terminated.
type LoopState uint64

const (
	StateAwake LoopState = iota
	StateRunning
	// StateSleeping means the loop is blocked in the poller.
	StateSleeping
	StateTerminating
	StateTerminated
)

var stateNames = [...]string{
	StateAwake:       "Awake",
	StateRunning:     "Running",
	StateSleeping:    "Sleeping",
	StateTerminating: "Terminating",
	StateTerminated:  "Terminated",
}

func (s LoopState) String() string {
	if s < LoopState(len(stateNames)) {
		return stateNames[s]
	}
	return "Unknown"
}

// Stopping reports whether s is Terminating or Terminated.
func (s LoopState) Stopping() bool {
	return s == StateTerminating || s == StateTerminated
}

// loopState holds a LoopState. Running and Sleeping are only entered by
// compare-and-swap; Store is used for the final Terminated state.
type loopState struct {
	v atomic.Uint64
}

func (s *loopState) Load() LoopState { return LoopState(s.v.Load()) }

func (s *loopState) Store(state LoopState) { s.v.Store(uint64(state)) }

func (s *loopState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
