package schedule

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"rmagent/internal/event"
)

// TestMain verifies no driver goroutine outlives the tests.
// Params: m test runner.
// Returns: none.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]event.Event
}

// flush stores one delivered batch.
// Params: events batch from one pulse.
// Returns: none.
func (r *flushRecorder) flush(events []event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
}

// snapshot returns delivered batches.
// Params: none.
// Returns: copy of batch list.
func (r *flushRecorder) snapshot() [][]event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]event.Event, len(r.batches))
	copy(out, r.batches)
	return out
}

// newManualScheduler builds a scheduler whose driver never ticks during the test.
// Params: t test context; cfg base config.
// Returns: scheduler closed on cleanup.
func newManualScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	cfg.Pulse = time.Hour
	s := New(cfg)
	t.Cleanup(s.Close)
	return s
}

// TestScheduler_IntervalCadence verifies firing every k pulses and ttl=2k.
// Params: testing.T for assertions.
// Returns: none.
func TestScheduler_IntervalCadence(t *testing.T) {
	rec := &flushRecorder{}
	s := newManualScheduler(t, Config{Flush: rec.flush})

	var calls []int
	pulseNo := 0
	if _, err := s.Register(3, "disk", func() (event.TickResult, error) {
		calls = append(calls, pulseNo)
		return event.TickResult{State: "ok", Metric: 42}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	for pulseNo = 1; pulseNo <= 10; pulseNo++ {
		s.pulse(nil)
	}

	want := []int{1, 4, 7, 10}
	if len(calls) != len(want) {
		t.Fatalf("unexpected firings: %v", calls)
	}
	for idx := range want {
		if calls[idx] != want[idx] {
			t.Fatalf("unexpected firings: %v want %v", calls, want)
		}
	}

	batches := rec.snapshot()
	if len(batches) != 4 {
		t.Fatalf("unexpected batch count: %d", len(batches))
	}
	ev := batches[0][0]
	if ev.Service() != "disk" || ev.TTL() != 6 || ev.Metric() != 42 {
		t.Fatalf("unexpected event: service=%q ttl=%d metric=%v", ev.Service(), ev.TTL(), ev.Metric())
	}
	if s.Fired() != 4 {
		t.Fatalf("unexpected fired counter: %d", s.Fired())
	}
}

// TestScheduler_ExplicitTTLAndTags verifies callback TTL and tags are preserved.
// Params: testing.T for assertions.
// Returns: none.
func TestScheduler_ExplicitTTLAndTags(t *testing.T) {
	rec := &flushRecorder{}
	s := newManualScheduler(t, Config{Flush: rec.flush})

	if _, err := s.Register(1, "queue", func() (event.TickResult, error) {
		return event.TickResult{State: "warning", Description: "deep", TTL: 90, Tags: []string{"q1"}}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.pulse(nil)

	batches := rec.snapshot()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("unexpected batches: %d", len(batches))
	}
	ev := batches[0][0]
	if ev.TTL() != 90 || ev.State() != "warning" || ev.Description() != "deep" {
		t.Fatalf("unexpected event fields: ttl=%d state=%q", ev.TTL(), ev.State())
	}
	if tags := ev.Tags(); len(tags) != 1 || tags[0] != "q1" {
		t.Fatalf("unexpected tags: %v", tags)
	}
}

// TestScheduler_OneFlushPerPulse verifies all due registrations share one batch in registration order.
// Params: testing.T for assertions.
// Returns: none.
func TestScheduler_OneFlushPerPulse(t *testing.T) {
	rec := &flushRecorder{}
	s := newManualScheduler(t, Config{Flush: rec.flush})

	for _, name := range []string{"a", "b", "c"} {
		if _, err := s.Register(1, name, func() (event.TickResult, error) {
			return event.TickResult{State: "ok"}, nil
		}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	s.pulse(nil)

	batches := rec.snapshot()
	if len(batches) != 1 {
		t.Fatalf("expected one flush, got %d", len(batches))
	}
	var services []string
	for _, ev := range batches[0] {
		services = append(services, ev.Service())
	}
	if strings.Join(services, ",") != "a,b,c" {
		t.Fatalf("unexpected order: %v", services)
	}
}

// TestScheduler_CancelStopsFiring verifies cancelled registrations stop within one pulse and are swept.
// Params: testing.T for assertions.
// Returns: none.
func TestScheduler_CancelStopsFiring(t *testing.T) {
	s := newManualScheduler(t, Config{})

	calls := 0
	handle, err := s.Register(1, "svc", func() (event.TickResult, error) {
		calls++
		return event.TickResult{State: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	keep, err := s.Register(1, "other", func() (event.TickResult, error) {
		return event.TickResult{State: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	s.pulse(nil)
	handle.Cancel()
	s.pulse(nil)
	s.pulse(nil)

	if calls > 2 {
		t.Fatalf("cancelled registration fired %d times", calls)
	}
	if s.Len() != 1 {
		t.Fatalf("expected cancelled registration to be swept, len=%d", s.Len())
	}
	keep.Cancel()
}

// TestScheduler_ErrorsDoNotBlockSiblings verifies failure isolation and propagation.
// Params: testing.T for assertions.
// Returns: none.
func TestScheduler_ErrorsDoNotBlockSiblings(t *testing.T) {
	rec := &flushRecorder{}
	var reported []error
	s := newManualScheduler(t, Config{
		Flush:     rec.flush,
		Propagate: true,
		OnError: func(err error) {
			reported = append(reported, err)
		},
	})

	boom := errors.New("check failed")
	register := func(service string, cb Callback) {
		t.Helper()
		if _, err := s.Register(1, service, cb); err != nil {
			t.Fatalf("register %s: %v", service, err)
		}
	}
	register("failing", func() (event.TickResult, error) {
		return event.TickResult{}, boom
	})
	register("panicking", func() (event.TickResult, error) {
		panic("nil map")
	})
	register("invalid", func() (event.TickResult, error) {
		return event.TickResult{State: strings.Repeat("s", event.MaxStateLength+1)}, nil
	})
	register("healthy", func() (event.TickResult, error) {
		return event.TickResult{State: "ok"}, nil
	})

	s.pulse(nil)

	if len(reported) != 3 {
		t.Fatalf("expected 3 reported errors, got %d", len(reported))
	}
	var tickErr *TickCallbackError
	if !errors.As(reported[0], &tickErr) || tickErr.Service != "failing" || !errors.Is(reported[0], boom) {
		t.Fatalf("unexpected first error: %v", reported[0])
	}
	if !strings.Contains(reported[1].Error(), "panic") {
		t.Fatalf("expected panic error, got %v", reported[1])
	}
	var validation *event.ValidationError
	if !errors.As(reported[2], &validation) {
		t.Fatalf("expected validation error, got %v", reported[2])
	}

	batches := rec.snapshot()
	if len(batches) != 1 || len(batches[0]) != 1 || batches[0][0].Service() != "healthy" {
		t.Fatalf("healthy registration did not fire")
	}
	if s.Failed() != 3 {
		t.Fatalf("unexpected failed counter: %d", s.Failed())
	}
}

// TestScheduler_QuietModeSwallowsErrors verifies errors are not propagated by default.
// Params: testing.T for assertions.
// Returns: none.
func TestScheduler_QuietModeSwallowsErrors(t *testing.T) {
	called := false
	s := newManualScheduler(t, Config{
		OnError: func(error) { called = true },
	})

	if _, err := s.Register(1, "svc", func() (event.TickResult, error) {
		return event.TickResult{}, errors.New("down")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.pulse(nil)

	if called {
		t.Fatalf("quiet mode must not call error observer")
	}
	if s.Failed() != 1 {
		t.Fatalf("unexpected failed counter: %d", s.Failed())
	}
}

// TestScheduler_RegisterValidation verifies interval and callback checks.
// Params: testing.T for assertions.
// Returns: none.
func TestScheduler_RegisterValidation(t *testing.T) {
	s := newManualScheduler(t, Config{})
	ok := func() (event.TickResult, error) { return event.TickResult{}, nil }

	if _, err := s.Register(0, "svc", ok); err == nil {
		t.Fatalf("expected interval error")
	}
	if _, err := s.Register(1, "svc", nil); err == nil {
		t.Fatalf("expected callback error")
	}

	s.Close()
	if _, err := s.Register(1, "svc", ok); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// TestScheduler_DriverLifecycle verifies the real driver fires and stops once the set empties.
// Params: testing.T for assertions.
// Returns: none.
func TestScheduler_DriverLifecycle(t *testing.T) {
	batches := make(chan []event.Event, 16)
	s := New(Config{
		Pulse: 10 * time.Millisecond,
		Flush: func(events []event.Event) {
			select {
			case batches <- events:
			default:
			}
		},
	})
	defer s.Close()

	handle, err := s.Register(1, "svc", func() (event.TickResult, error) {
		return event.TickResult{State: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !s.Running() {
		t.Fatalf("expected driver to start on first registration")
	}

	select {
	case batch := <-batches:
		if len(batch) != 1 || batch[0].Service() != "svc" {
			t.Fatalf("unexpected batch: %d", len(batch))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for tick")
	}

	handle.Cancel()
	waitFor(t, func() bool { return !s.Running() })
	if s.Len() != 0 {
		t.Fatalf("expected empty registration set, len=%d", s.Len())
	}

	again, err := s.Register(1, "svc2", func() (event.TickResult, error) {
		return event.TickResult{State: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("register after teardown: %v", err)
	}
	if !s.Running() {
		t.Fatalf("expected driver restart after teardown")
	}
	again.Cancel()
}

// waitFor polls condition until it holds.
// Params: t test context; cond predicate.
// Returns: none; fails test on timeout.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition")
}

// TestScheduler_CloseFromDriverReturns verifies Close called from user code run by the driver does not block.
// Params: testing.T for assertions.
// Returns: none.
func TestScheduler_CloseFromDriverReturns(t *testing.T) {
	cases := []struct {
		name  string
		build func(closeFn func()) (Config, Callback)
	}{
		{
			name: "callback",
			build: func(closeFn func()) (Config, Callback) {
				return Config{}, func() (event.TickResult, error) {
					closeFn()
					return event.TickResult{State: "ok"}, nil
				}
			},
		},
		{
			name: "on error",
			build: func(closeFn func()) (Config, Callback) {
				cfg := Config{Propagate: true, OnError: func(error) { closeFn() }}
				return cfg, func() (event.TickResult, error) {
					return event.TickResult{}, errors.New("boom")
				}
			},
		},
		{
			name: "flush",
			build: func(closeFn func()) (Config, Callback) {
				cfg := Config{Flush: func([]event.Event) { closeFn() }}
				return cfg, func() (event.TickResult, error) {
					return event.TickResult{State: "ok"}, nil
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var s *Scheduler
			returned := make(chan struct{})
			var once sync.Once
			cfg, callback := tc.build(func() {
				s.Close()
				once.Do(func() { close(returned) })
			})
			cfg.Pulse = 10 * time.Millisecond
			s = New(cfg)
			defer s.Close()

			if _, err := s.Register(1, "svc", callback); err != nil {
				t.Fatalf("register: %v", err)
			}

			select {
			case <-returned:
			case <-time.After(2 * time.Second):
				t.Fatalf("close called from the driver did not return")
			}
			waitFor(t, func() bool { return !s.Running() })
			if _, err := s.Register(1, "svc", callback); !errors.Is(err, ErrClosed) {
				t.Fatalf("expected ErrClosed after close, got %v", err)
			}
		})
	}
}

// TestScheduler_CloseMidPulseFlushes verifies a pulse running at Close still flushes before Done closes.
// Params: testing.T for assertions.
// Returns: none.
func TestScheduler_CloseMidPulseFlushes(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var flushed atomic.Bool

	s := New(Config{
		Pulse: 10 * time.Millisecond,
		Flush: func([]event.Event) { flushed.Store(true) },
	})
	var once sync.Once
	if _, err := s.Register(1, "svc", func() (event.TickResult, error) {
		once.Do(func() {
			close(entered)
			<-release
		})
		return event.TickResult{State: "ok"}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for callback")
	}

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("close blocked behind a running callback")
	}
	select {
	case <-s.Done():
		t.Fatalf("driver exited before the running pulse finished")
	default:
	}

	close(release)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("driver did not exit after close")
	}
	if !flushed.Load() {
		t.Fatalf("pulse running at close must still flush")
	}
}

// TestScheduler_DoneWithoutDriver verifies Done is closed when no driver ever ran.
// Params: testing.T for assertions.
// Returns: none.
func TestScheduler_DoneWithoutDriver(t *testing.T) {
	s := New(Config{})
	s.Close()
	select {
	case <-s.Done():
	default:
		t.Fatalf("expected closed Done channel")
	}
}
