package schedule

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"rmagent/internal/event"
)

// DefaultPulse is the period of the shared driver.
const DefaultPulse = time.Second

// ErrClosed is returned by Register after Close.
var ErrClosed = errors.New("scheduler is closed")

// Callback produces the current result of one recurring check.
type Callback func() (event.TickResult, error)

// TickCallbackError wraps a failure raised by one check callback.
// Params: Service registration service name; Err callback error, panic, or result validation error.
// Returns: error value delivered to the failure observer.
type TickCallbackError struct {
	Service string
	Err     error
}

// Error formats callback failure.
// Params: none.
// Returns: human-readable message.
func (e *TickCallbackError) Error() string {
	return fmt.Sprintf("tick %q: %v", e.Service, e.Err)
}

// Unwrap exposes the underlying callback error.
func (e *TickCallbackError) Unwrap() error {
	return e.Err
}

// Config defines scheduler behavior.
// Params: Pulse driver period; Flush batch consumer; Propagate/OnError failure policy; Logger diagnostics.
// Returns: scheduler settings.
type Config struct {
	Pulse     time.Duration
	Flush     func(events []event.Event)
	Propagate bool
	OnError   func(error)
	Logger    *slog.Logger
}

// Scheduler runs many recurring checks from one shared driver goroutine.
// Params: built by New.
// Returns: scheduler with lazily started driver.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	regs    []*registration
	running bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
	last    chan struct{}

	fired  atomic.Uint64
	failed atomic.Uint64

	// callouts counts driver calls into user code (callbacks, OnError, Flush) in progress.
	callouts atomic.Int32
}

type registration struct {
	interval  int32
	service   string
	callback  Callback
	remaining int32
	cancelled atomic.Bool
}

// Handle cancels one registration.
type Handle struct {
	reg *registration
}

// Cancel marks the registration for removal on the next sweep.
// Params: none.
// Returns: none. At most one more firing may happen if a sweep is already in progress.
func (h *Handle) Cancel() {
	if h == nil || h.reg == nil {
		return
	}
	h.reg.cancelled.Store(true)
}

// Service returns the registration service name.
func (h *Handle) Service() string {
	return h.reg.service
}

// New builds a scheduler; the driver starts with the first registration.
// Params: cfg scheduler settings.
// Returns: scheduler instance.
func New(cfg Config) *Scheduler {
	if cfg.Pulse <= 0 {
		cfg.Pulse = DefaultPulse
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{cfg: cfg}
}

// Register adds one recurring check.
// Params: interval in driver pulses (>= 1); service name for produced events; callback check body.
// Returns: cancel handle or validation/closed error.
func (s *Scheduler) Register(interval int32, service string, callback Callback) (*Handle, error) {
	if interval < 1 {
		return nil, fmt.Errorf("tick interval must be >= 1, got %d", interval)
	}
	if callback == nil {
		return nil, fmt.Errorf("tick callback is required")
	}

	reg := &registration{
		interval: interval,
		service:  service,
		callback: callback,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	s.regs = append(s.regs, reg)
	if !s.running {
		s.startLocked()
	}
	return &Handle{reg: reg}, nil
}

// Len returns the number of registrations not yet swept.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs)
}

// Running reports whether the shared driver is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Fired returns the number of successful callback firings.
func (s *Scheduler) Fired() uint64 {
	return s.fired.Load()
}

// Failed returns the number of failed callback firings.
func (s *Scheduler) Failed() uint64 {
	return s.failed.Load()
}

// Close stops the driver and rejects new registrations.
// Params: none.
// Returns: none. Waits for an in-progress pulse to finish, except when called from a
// callback, OnError or Flush, where it only signals the driver; safe to call repeatedly.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.regs = nil

	var done chan struct{}
	if s.running {
		close(s.stop)
		done = s.done
		s.running = false
	}
	s.mu.Unlock()

	if done != nil && s.callouts.Load() == 0 {
		<-done
	}
}

// Done returns a channel closed once the most recent driver has exited.
// Params: none.
// Returns: closed channel when no driver ever ran. After Close it marks the end of the final pulse.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		s.last = make(chan struct{})
		close(s.last)
	}
	return s.last
}

// startLocked launches a driver goroutine; caller holds s.mu.
func (s *Scheduler) startLocked() {
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop = stop
	s.done = done
	s.last = done
	s.running = true

	go s.drive(stop, done)
}

// drive ticks once per pulse until stopped or the registration set empties.
// Params: stop close signal; done closed on exit.
// Returns: none.
func (s *Scheduler) drive(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Pulse)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.pulse(stop) {
				return
			}
		}
	}
}

// pulse runs one sweep over a snapshot of registrations and flushes produced events.
// Params: stop identifies the driver that owns this pulse (nil in direct calls).
// Returns: false when the driver should exit.
func (s *Scheduler) pulse(stop <-chan struct{}) bool {
	s.mu.Lock()
	snapshot := slices.Clone(s.regs)
	s.mu.Unlock()

	var events []event.Event
	for _, reg := range snapshot {
		if reg.cancelled.Load() {
			continue
		}
		reg.remaining--
		if reg.remaining > 0 {
			continue
		}
		reg.remaining = reg.interval

		s.callouts.Add(1)
		ev, err := s.fire(reg)
		if err != nil {
			s.failed.Add(1)
			s.report(err)
		}
		s.callouts.Add(-1)
		if err != nil {
			continue
		}
		s.fired.Add(1)
		events = append(events, ev)
	}

	keep := s.sweep(stop)

	if len(events) > 0 && s.cfg.Flush != nil {
		s.callouts.Add(1)
		s.cfg.Flush(events)
		s.callouts.Add(-1)
	}
	return keep
}

// sweep removes cancelled registrations and tears the driver down when none remain.
// Params: stop channel of the calling driver.
// Returns: false when the driver must exit.
func (s *Scheduler) sweep(stop <-chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.regs = slices.DeleteFunc(s.regs, func(reg *registration) bool {
		return reg.cancelled.Load()
	})

	if s.closed {
		return false
	}
	if len(s.regs) > 0 {
		return true
	}
	if stop != nil && s.running && s.stop == stop {
		s.running = false
		s.stop = nil
		s.done = nil
		s.cfg.Logger.Debug("tick driver stopped, no registrations left")
	}
	return false
}

// fire invokes one callback and converts its result into an event.
// Params: reg due registration.
// Returns: produced event or *TickCallbackError.
func (s *Scheduler) fire(reg *registration) (ev event.Event, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &TickCallbackError{Service: reg.service, Err: fmt.Errorf("panic: %v", recovered)}
		}
	}()

	result, cbErr := reg.callback()
	if cbErr != nil {
		return event.Event{}, &TickCallbackError{Service: reg.service, Err: cbErr}
	}

	ttl := result.TTL
	if ttl == 0 {
		ttl = defaultTTL(reg.interval)
	}

	ev, err = event.New(
		reg.service,
		result.State,
		event.WithDescription(result.Description),
		event.WithMetric(result.Metric),
		event.WithTTL(ttl),
		event.WithTags(result.Tags...),
		event.WithAttributes(result.Attributes),
	)
	if err != nil {
		return event.Event{}, &TickCallbackError{Service: reg.service, Err: err}
	}
	return ev, nil
}

// report applies the failure policy to one callback error.
// Params: err callback failure.
// Returns: none.
func (s *Scheduler) report(err error) {
	if !s.cfg.Propagate {
		s.cfg.Logger.Debug("tick callback failed", slog.String("error", err.Error()))
		return
	}
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
		return
	}
	s.cfg.Logger.Error("tick callback failed", slog.String("error", err.Error()))
}

// defaultTTL returns the TTL for results without one: two intervals.
func defaultTTL(interval int32) int32 {
	ttl := int64(interval) * 2
	if ttl > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(ttl)
}
