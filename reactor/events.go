package reactor

import (
	"strings"
)

// IOEvents represents the type of I/O events to monitor, or that were
// observed, for a file descriptor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	// Always reported, never needs to be requested.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
	// EventPriority indicates urgent (out-of-band) data is available.
	EventPriority
)

// String returns a pipe-separated list of the set flags, e.g. "read|write".
func (e IOEvents) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	for _, v := range [...]struct {
		flag IOEvents
		name string
	}{
		{EventRead, "read"},
		{EventWrite, "write"},
		{EventError, "error"},
		{EventHangup, "hangup"},
		{EventPriority, "priority"},
	} {
		if e&v.flag != 0 {
			parts = append(parts, v.name)
		}
	}
	return strings.Join(parts, "|")
}

// IOCallback is the callback type for I/O events.
type IOCallback func(IOEvents)

// TimerID identifies a scheduled timer, for use with CancelTimer.
// The zero value is never issued.
type TimerID uint64
