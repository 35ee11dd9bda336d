package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultReconnectInterval is the pause between reconnect attempts.
const DefaultReconnectInterval = 5 * time.Second

// State is the stream connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// DialFunc opens one stream connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ManagerConfig defines the persistent stream path.
// Params: Address host:port; reconnect/dial/io timing; optional Dial override, Logger, OnStateChange observer.
// Returns: manager settings.
type ManagerConfig struct {
	Address           string
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	IOTimeout         time.Duration
	Dial              DialFunc
	Logger            *slog.Logger
	// OnStateChange runs under the manager lock and must not call back into the Manager.
	OnStateChange func(State)
}

// Manager owns one framed stream connection, its state machine, and the reconnect loop.
// Params: built by NewManager.
// Returns: manager with a running reconnect loop.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	state    State
	conn     net.Conn
	closed   bool
	changed  chan struct{}
	observed atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	connects atomic.Uint64
}

// NewManager creates a manager in Disconnected state and starts its reconnect loop.
// Params: cfg stream settings.
// Returns: running manager; Close must be called to stop the loop.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Dial == nil {
		dialer := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dial = dialer.DialContext
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		state:   Disconnected,
		changed: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go m.run()
	return m
}

// State returns the current lifecycle state without waiting for an in-flight exchange.
func (m *Manager) State() State {
	return State(m.observed.Load())
}

// Connects returns how many times the stream was established.
func (m *Manager) Connects() uint64 {
	return m.connects.Load()
}

// Connect establishes the stream on demand, or waits for an attempt already in flight.
// Params: ctx bounds the wait and dial.
// Returns: nil once Connected, dial error, ErrClosed, or ctx error.
func (m *Manager) Connect(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		switch m.state {
		case Connected:
			m.mu.Unlock()
			return nil
		case Disconnected:
			m.mu.Unlock()
			return m.attempt(ctx)
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Exchange writes one framed request and reads one framed reply under the connection lock.
// Params: ctx bounds the exchange; payload encoded request.
// Returns: reply bytes, ErrNotConnected when not Connected, *IOError on socket failure.
func (m *Manager) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.state != Connected || m.conn == nil {
		return nil, ErrNotConnected
	}

	conn := m.conn
	if err := conn.SetDeadline(writeDeadline(ctx, m.cfg.IOTimeout)); err != nil {
		m.dropLocked(err)
		return nil, &IOError{Op: "set stream deadline", Err: err}
	}
	defer abortOnCancel(ctx, conn)()

	if err := WriteFrame(conn, payload); err != nil {
		m.dropLocked(err)
		return nil, &IOError{Op: "write stream", Err: err}
	}

	reply, err := ReadFrame(conn)
	if err != nil {
		m.dropLocked(err)
		return nil, &IOError{Op: "read stream", Err: err}
	}
	return reply, nil
}

// abortOnCancel expires conn's deadline when ctx is cancelled mid-exchange.
// Params: ctx exchange context; conn connection in use.
// Returns: release func; once it returns, a late cancellation no longer touches conn.
func abortOnCancel(ctx context.Context, conn net.Conn) func() {
	var mu sync.Mutex
	active := true
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if active {
			_ = conn.SetDeadline(time.Unix(1, 0))
		}
	})
	return func() {
		stop()
		mu.Lock()
		active = false
		mu.Unlock()
	}
}

// Close stops the reconnect loop and closes the connection; safe to call repeatedly.
// Params: none.
// Returns: connection close error. Waits for an in-flight exchange, never aborts it.
func (m *Manager) Close() error {
	m.cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.closed = true
	m.setStateLocked(Disconnecting)

	var err error
	if m.conn != nil {
		err = m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	<-m.done
	return err
}

// run retries the connection every ReconnectInterval while Disconnected.
// Params: none.
// Returns: none; exits on Close.
func (m *Manager) run() {
	defer close(m.done)

	for {
		if m.State() == Disconnected {
			_ = m.attempt(m.ctx)
		}

		timer := time.NewTimer(m.cfg.ReconnectInterval)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// attempt performs one Disconnected -> Connecting -> Connected transition.
// Params: ctx dial context.
// Returns: dial error, or nil when connected or another attempt owns the transition.
func (m *Manager) attempt(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	stop := context.AfterFunc(m.ctx, cancel)
	conn, err := m.cfg.Dial(dialCtx, "tcp", m.cfg.Address)
	stop()
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		if !m.closed {
			m.setStateLocked(Disconnected)
		}
		m.cfg.Logger.Debug(
			"collector connect failed",
			slog.String("address", m.cfg.Address),
			slog.String("error", err.Error()),
		)
		return &IOError{Op: "dial stream " + m.cfg.Address, Err: err}
	}
	if m.closed {
		_ = conn.Close()
		return ErrClosed
	}

	m.conn = conn
	m.connects.Add(1)
	m.setStateLocked(Connected)
	m.cfg.Logger.Info("collector connected", slog.String("address", m.cfg.Address))
	return nil
}

// dropLocked releases a broken connection and hands recovery to the reconnect loop.
// Params: cause failure that broke the connection.
// Returns: none.
func (m *Manager) dropLocked(cause error) {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(Disconnected)

	attrs := []any{slog.String("address", m.cfg.Address)}
	if cause != nil && !errors.Is(cause, net.ErrClosed) {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	m.cfg.Logger.Warn("collector connection lost", attrs...)
}

// setStateLocked records a transition and wakes Connect waiters; caller holds m.mu.
func (m *Manager) setStateLocked(next State) {
	if m.state == next {
		return
	}
	m.state = next
	m.observed.Store(int32(next))
	close(m.changed)
	m.changed = make(chan struct{})

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(next)
	}
}
