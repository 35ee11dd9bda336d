package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultMaxDatagramSize matches the collector's default UDP receive buffer.
	DefaultMaxDatagramSize = 16384
	defaultDialTimeout     = 5 * time.Second
)

// DatagramConfig defines the connectionless path.
// Params: Address host:port; MaxSize payload limit; DialTimeout resolve/dial limit; WriteTimeout per send.
// Returns: datagram sender settings.
type DatagramConfig struct {
	Address      string
	MaxSize      int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Datagram sends each message as one best-effort UDP packet.
// Params: built by NewDatagram.
// Returns: sender with lazily created socket.
type Datagram struct {
	cfg DatagramConfig

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewDatagram creates a datagram sender; the socket is opened on first Send.
// Params: cfg datagram settings.
// Returns: datagram sender.
func NewDatagram(cfg DatagramConfig) *Datagram {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxDatagramSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Datagram{cfg: cfg}
}

// Send writes payload as one datagram.
// Params: ctx bounds dial and write; payload encoded message.
// Returns: ErrOversized when payload cannot fit one datagram, *IOError on socket failure.
func (d *Datagram) Send(ctx context.Context, payload []byte) error {
	if len(payload) > d.cfg.MaxSize {
		return fmt.Errorf("send datagram: %d bytes: %w", len(payload), ErrOversized)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	conn, err := d.connLocked(ctx)
	if err != nil {
		return err
	}

	if err := conn.SetWriteDeadline(writeDeadline(ctx, d.cfg.WriteTimeout)); err != nil {
		d.resetLocked()
		return &IOError{Op: "set datagram deadline", Err: err}
	}

	if _, err := conn.Write(payload); err != nil {
		if errors.Is(err, syscall.EMSGSIZE) {
			return fmt.Errorf("send datagram: %d bytes: %w", len(payload), ErrOversized)
		}
		d.resetLocked()
		return &IOError{Op: "send datagram", Err: err}
	}
	return nil
}

// Close releases the socket; safe to call repeatedly and before first use.
// Params: none.
// Returns: socket close error.
func (d *Datagram) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// connLocked returns the cached socket or dials a new one.
// Params: ctx dial context.
// Returns: connected UDP socket or *IOError.
func (d *Datagram) connLocked(ctx context.Context) (net.Conn, error) {
	if d.conn != nil {
		return d.conn, nil
	}

	dialer := &net.Dialer{Timeout: d.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "udp", d.cfg.Address)
	if err != nil {
		return nil, &IOError{Op: "dial datagram " + d.cfg.Address, Err: err}
	}
	d.conn = conn
	return conn, nil
}

// resetLocked drops the socket so the next Send re-resolves the address.
func (d *Datagram) resetLocked() {
	if d.conn == nil {
		return
	}
	_ = d.conn.Close()
	d.conn = nil
}

// writeDeadline picks the earlier of ctx deadline and now+timeout.
// Params: ctx caller context; timeout per-operation limit (0 = none).
// Returns: deadline or zero time when unbounded.
func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	return deadline
}
