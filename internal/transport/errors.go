package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrOversized reports a payload the datagram path cannot carry.
	ErrOversized = errors.New("message exceeds datagram size limit")
	// ErrNotConnected reports a stream exchange attempted outside the Connected state.
	ErrNotConnected = errors.New("stream connection is not established")
	// ErrClosed reports use of a transport after Close.
	ErrClosed = errors.New("transport is closed")
	// ErrFrameTooLarge reports an inbound frame above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// IOError wraps a socket-level failure during send or receive.
// Params: Op failed operation name; Err underlying network error.
// Returns: error value matched with errors.As.
type IOError struct {
	Op  string
	Err error
}

// Error formats socket failure.
// Params: none.
// Returns: human-readable message.
func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying network error.
func (e *IOError) Unwrap() error {
	return e.Err
}
