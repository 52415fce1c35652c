package transfer

import (
	"errors"
)

var (
	// ErrClosed is returned to waiters when their channel or multi handle is
	// shut down underneath them, and by operations on a closed multi handle.
	ErrClosed = errors.New("transfer: closed")

	// ErrHandleInUse is returned when a handle is performed while it is
	// already in flight on the same channel.
	ErrHandleInUse = errors.New("transfer: handle already in progress")

	ErrNilEngine = errors.New("transfer: nil engine")
)

// codeOf maps an engine error to a multi status code.
func codeOf(err error) MultiCode {
	if err == nil {
		return MultiOK
	}
	var code MultiCode
	if errors.As(err, &code) {
		return code
	}
	return MultiInternalError
}
