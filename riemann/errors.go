package riemann

import (
	"errors"
	"fmt"

	"rmagent/internal/event"
	"rmagent/internal/schedule"
	"rmagent/internal/transport"
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("riemann client is closed")
	// ErrNoStream is returned by Query when no stream path is configured.
	ErrNoStream = errors.New("riemann query requires a stream transport")

	// ErrOversized reports a datagram batch too large for one packet with no stream fallback.
	ErrOversized = transport.ErrOversized
	// ErrNotConnected reports a stream send attempted while the connection is down.
	ErrNotConnected = transport.ErrNotConnected
)

type (
	// ValidationError reports an event rejected before any I/O.
	ValidationError = event.ValidationError
	// IOError reports a socket failure during send or receive.
	IOError = transport.IOError
	// TickCallbackError wraps a failure of one scheduled check.
	TickCallbackError = schedule.TickCallbackError
)

// RemoteError reports a collector reply with ok=false.
// Params: Op is "publish" or "query"; Message is the collector error text.
// Returns: error value for errors.As matching.
type RemoteError struct {
	Op      string
	Message string
}

// Error formats the collector rejection.
// Params: none.
// Returns: human-readable message.
func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("riemann %s rejected", e.Op)
	}
	return fmt.Sprintf("riemann %s rejected: %s", e.Op, e.Message)
}

// suppressible reports whether err belongs to the connection/IO class covered by SuppressSendErrors.
// Params: err send failure.
// Returns: true for ErrNotConnected and *IOError.
func suppressible(err error) bool {
	if errors.Is(err, transport.ErrNotConnected) {
		return true
	}
	var ioErr *transport.IOError
	return errors.As(err, &ioErr)
}
