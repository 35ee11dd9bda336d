// Package riemann is a client for the Riemann monitoring collector.
//
// A Client publishes events over a datagram (UDP) or a persistent framed stream (TCP)
// transport, decorates them with scoped context tags, runs recurring checks on one shared
// scheduler, and queries the collector index back over the stream path.
package riemann

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"rmagent/internal/event"
	"rmagent/internal/riemannpb"
	"rmagent/internal/schedule"
	"rmagent/internal/tags"
	"rmagent/internal/transport"
)

type (
	// Event is one immutable observation; build it with NewEvent.
	Event = event.Event
	// EventOption customizes optional event fields.
	EventOption = event.Option
	// TickResult is what a tick callback reports on each firing.
	TickResult = event.TickResult
	// State is one collector index entry returned by Query.
	State = event.State
	// TickFunc is a recurring check body.
	TickFunc = schedule.Callback
	// TickHandle cancels one recurring check.
	TickHandle = schedule.Handle
	// TagScope restores the previous tag context on Release.
	TagScope = tags.Scope
	// ConnectionState is the stream connection lifecycle state.
	ConnectionState = transport.State
)

const (
	Disconnected  = transport.Disconnected
	Connecting    = transport.Connecting
	Connected     = transport.Connected
	Disconnecting = transport.Disconnecting
)

// NewEvent validates and builds one event.
// Params: service name; state (<= 255 bytes); optional field setters.
// Returns: event or *ValidationError.
func NewEvent(service, state string, opts ...EventOption) (Event, error) {
	return event.New(service, state, opts...)
}

var (
	WithHost        = event.WithHost
	WithDescription = event.WithDescription
	WithMetric      = event.WithMetric
	WithTTL         = event.WithTTL
	WithTags        = event.WithTags
	WithAttributes  = event.WithAttributes
	WithTime        = event.WithTime
)

// Option customizes client dependencies.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	onTickErr  func(error)
}

// WithLogger sets the client logger; the default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers client metrics with registerer; they are unregistered on Close.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(o *options) { o.registerer = registerer }
}

// WithTickErrorHandler receives tick callback failures when ThrowOnTickError is set.
func WithTickErrorHandler(handler func(error)) Option {
	return func(o *options) { o.onTickErr = handler }
}

// Client publishes events to one collector.
// Params: built by New.
// Returns: client safe for concurrent use; Close releases sockets and goroutines.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	hostname string

	tags      tags.Context
	scheduler *schedule.Scheduler
	datagram  *transport.Datagram
	stream    *transport.Manager
	metrics   *clientMetrics

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds a client; in stream mode the reconnect loop starts immediately.
// Params: cfg collector settings; opts logger/metrics/error-handler overrides.
// Returns: client or configuration error.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		cfg:      cfg,
		logger:   o.logger.With(slog.String("collector", cfg.address())),
		hostname: canonicalHostname(cfg.Hostname),
	}

	c.scheduler = schedule.New(schedule.Config{
		Pulse:     cfg.TickPulse,
		Flush:     c.flushTicks,
		Propagate: cfg.ThrowOnTickError,
		OnError:   o.onTickErr,
		Logger:    c.logger,
	})
	c.metrics = newClientMetrics(c.scheduler)

	if cfg.Transport == TransportDatagram {
		c.datagram = transport.NewDatagram(transport.DatagramConfig{
			Address:      cfg.address(),
			MaxSize:      cfg.MaxDatagramSize,
			DialTimeout:  cfg.DialTimeout,
			WriteTimeout: cfg.IOTimeout,
		})
	}
	if cfg.hasStream() {
		c.stream = transport.NewManager(transport.ManagerConfig{
			Address:           cfg.address(),
			ReconnectInterval: cfg.ReconnectInterval,
			DialTimeout:       cfg.DialTimeout,
			IOTimeout:         cfg.IOTimeout,
			Logger:            c.logger,
			OnStateChange:     c.metrics.observeState,
		})
		c.metrics.watchStream(c.stream)
	}

	if err := c.metrics.register(o.registerer); err != nil {
		_ = c.Close()
		return nil, err
	}

	c.logger.Debug(
		"riemann client created",
		slog.String("transport", cfg.Transport),
		slog.Bool("stream_fallback", cfg.StreamFallback),
		slog.String("hostname", c.hostname),
	)
	return c, nil
}

// Hostname returns the host stamped on events that carry none.
func (c *Client) Hostname() string {
	return c.hostname
}

// Tag pushes a context tag attached to every event sent until the scope is released.
// Params: tag value.
// Returns: scope; Release restores the previous context exactly once.
func (c *Client) Tag(tag string) *TagScope {
	return c.tags.Push(tag)
}

// Tick registers a recurring check fired every interval scheduler pulses (seconds by default).
// Params: interval >= 1; service of produced events; fn check body.
// Returns: cancel handle or validation/closed error.
func (c *Client) Tick(interval int32, service string, fn TickFunc) (*TickHandle, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	handle, err := c.scheduler.Register(interval, service, fn)
	if err != nil {
		if errors.Is(err, schedule.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return handle, nil
}

// SendEvent builds and sends a single event.
// Params: ctx bounds I/O; service/state/description/metric event fields; opts extra fields.
// Returns: *ValidationError before any I/O, or the same errors as SendEvents.
func (c *Client) SendEvent(ctx context.Context, service, state, description string, metric float64, opts ...EventOption) error {
	all := make([]EventOption, 0, len(opts)+2)
	all = append(all, event.WithDescription(description), event.WithMetric(metric))
	all = append(all, opts...)

	ev, err := event.New(service, state, all...)
	if err != nil {
		return err
	}
	return c.SendEvents(ctx, []Event{ev})
}

// SendEvents sends one batch as a single message.
// Params: ctx bounds I/O; events in delivery order.
// Returns: nil when delivered or suppressed; ErrOversized, ErrNotConnected, *IOError, *RemoteError otherwise.
func (c *Client) SendEvents(ctx context.Context, events []Event) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.send(ctx, events)
}

// send encodes and publishes a batch without the closed check; the final pulse flushes through it.
// Params: ctx bounds I/O; events batch.
// Returns: nil, suppressed failure, or transport/collector error.
func (c *Client) send(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	msg := c.buildMessage(events, time.Now())
	err := c.publish(ctx, msg.Marshal())
	if err == nil {
		c.metrics.eventsSent.Add(float64(len(events)))
		return nil
	}

	c.metrics.sendErrors.Inc()
	if c.cfg.SuppressSendErrors && suppressible(err) {
		c.metrics.eventsDropped.Add(float64(len(events)))
		c.logger.Debug(
			"event send failed, dropped",
			slog.Int("events", len(events)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return err
}

// Query runs a collector index query over the stream path.
// Params: ctx bounds I/O; query expression, e.g. `service = "api" and state = "critical"`.
// Returns: matching states, ErrNoStream in pure datagram mode, *RemoteError on ok=false.
func (c *Client) Query(ctx context.Context, query string) ([]State, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.stream == nil {
		return nil, ErrNoStream
	}
	c.metrics.queries.Inc()

	req := &riemannpb.Msg{Query: &riemannpb.Query{String: query}}
	reply, err := c.exchange(ctx, "query", req.Marshal())
	if err != nil {
		c.metrics.queryErrors.Inc()
		return nil, err
	}
	return statesFromMsg(reply), nil
}

// ConnectionState returns the stream connection state; Disconnected without a stream path.
func (c *Client) ConnectionState() ConnectionState {
	if c.stream == nil {
		return Disconnected
	}
	return c.stream.State()
}

// Connect establishes the stream connection without waiting for the reconnect loop.
// Params: ctx bounds the dial.
// Returns: ErrNoStream without a stream path, or the dial error.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.stream == nil {
		return ErrNoStream
	}
	return c.stream.Connect(ctx)
}

// Close stops the scheduler and reconnect loop and closes sockets; safe to call repeatedly.
// Params: none.
// Returns: combined socket close errors of the first call. When a pulse is still running
// (including a Close made from a tick callback or the error handler) the sockets are closed
// after that pulse has flushed, and their errors are logged instead.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.scheduler.Close()
		c.closed.Store(true)
		c.metrics.unregister()

		select {
		case <-c.scheduler.Done():
			c.closeErr = c.closeSockets()
			c.logger.Debug("riemann client closed")
		default:
			go func() {
				<-c.scheduler.Done()
				if err := c.closeSockets(); err != nil {
					c.logger.Warn("riemann client close", slog.String("error", err.Error()))
				}
				c.logger.Debug("riemann client closed after final pulse")
			}()
		}
	})
	return c.closeErr
}

// closeSockets stops the reconnect loop and releases both transports.
// Params: none.
// Returns: combined close errors.
func (c *Client) closeSockets() error {
	var err error
	if c.stream != nil {
		err = multierr.Append(err, c.stream.Close())
	}
	if c.datagram != nil {
		err = multierr.Append(err, c.datagram.Close())
	}
	return err
}

// flushTicks publishes one scheduler pulse.
// Params: events produced by due registrations.
// Returns: none; failures are logged.
func (c *Client) flushTicks(events []event.Event) {
	ctx := context.Background()
	if c.cfg.IOTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.IOTimeout)
		defer cancel()
	}
	if err := c.send(ctx, events); err != nil {
		c.logger.Warn(
			"tick events not delivered",
			slog.Int("events", len(events)),
			slog.String("error", err.Error()),
		)
	}
}

// publish dispatches an encoded event batch on the configured transport.
// Params: ctx bounds I/O; payload encoded Msg.
// Returns: transport or collector error.
func (c *Client) publish(ctx context.Context, payload []byte) error {
	if c.datagram == nil {
		_, err := c.exchange(ctx, "publish", payload)
		return err
	}

	err := c.datagram.Send(ctx, payload)
	if err == nil || !errors.Is(err, transport.ErrOversized) || c.stream == nil {
		return err
	}

	c.metrics.fallbacks.Inc()
	c.logger.Debug("datagram too large, using stream", slog.Int("bytes", len(payload)))
	_, err = c.exchange(ctx, "publish", payload)
	return err
}

// exchange sends one request on the stream and decodes the acknowledgement.
// Params: ctx bounds I/O; op "publish" or "query"; payload encoded Msg.
// Returns: decoded reply, transport error, or *RemoteError.
func (c *Client) exchange(ctx context.Context, op string, payload []byte) (*riemannpb.Msg, error) {
	raw, err := c.stream.Exchange(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	reply, err := riemannpb.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: decode reply: %w", op, err)
	}
	if reply.OK == nil || !*reply.OK {
		return nil, &RemoteError{Op: op, Message: reply.Error}
	}
	return reply, nil
}

// buildMessage converts events to wire form with context tags, host, and time applied.
// Params: events batch; now send time for events without one.
// Returns: message ready to encode.
func (c *Client) buildMessage(events []Event, now time.Time) *riemannpb.Msg {
	contextTags := c.tags.Current()

	msg := &riemannpb.Msg{Events: make([]*riemannpb.Event, 0, len(events))}
	for _, ev := range events {
		at := ev.Time()
		if at.IsZero() {
			at = now
		}
		host := ev.Host()
		if host == "" {
			host = c.hostname
		}

		metric := ev.Metric()
		out := &riemannpb.Event{
			Time:        at.Unix(),
			TimeMicros:  at.UnixMicro(),
			State:       ev.State(),
			Service:     ev.Service(),
			Host:        host,
			Description: ev.Description(),
			Tags:        append(ev.Tags(), contextTags...),
			TTL:         float32(ev.TTL()),
			MetricD:     metric,
			HasMetricD:  true,
			MetricF:     float32(metric),
			HasMetricF:  true,
		}
		if attrs := ev.Attributes(); len(attrs) > 0 {
			keys := make([]string, 0, len(attrs))
			for key := range attrs {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				out.Attributes = append(out.Attributes, &riemannpb.Attribute{Key: key, Value: attrs[key]})
			}
		}
		msg.Events = append(msg.Events, out)
	}
	return msg
}

// statesFromMsg converts query results; the collector answers with events, older ones with states.
// Params: reply decoded collector reply.
// Returns: result set in reply order.
func statesFromMsg(reply *riemannpb.Msg) []State {
	out := make([]State, 0, len(reply.States)+len(reply.Events))
	for _, st := range reply.States {
		out = append(out, State{
			Time:        unixTime(st.Time, 0),
			State:       st.State,
			Service:     st.Service,
			Host:        st.Host,
			Description: st.Description,
			Once:        st.Once,
			Tags:        slices.Clone(st.Tags),
			TTL:         st.TTL,
		})
	}
	for _, ev := range reply.Events {
		metric, _ := ev.Metric()
		var attrs map[string]string
		if len(ev.Attributes) > 0 {
			attrs = make(map[string]string, len(ev.Attributes))
			for _, attr := range ev.Attributes {
				attrs[attr.Key] = attr.Value
			}
		}
		out = append(out, State{
			Time:        unixTime(ev.Time, ev.TimeMicros),
			State:       ev.State,
			Service:     ev.Service,
			Host:        ev.Host,
			Description: ev.Description,
			Tags:        slices.Clone(ev.Tags),
			TTL:         ev.TTL,
			Metric:      metric,
			Attributes:  attrs,
		})
	}
	return out
}

// unixTime picks the microsecond timestamp when present.
// Params: seconds and micros since epoch (0 = absent).
// Returns: time or zero time.
func unixTime(seconds, micros int64) time.Time {
	switch {
	case micros != 0:
		return time.UnixMicro(micros)
	case seconds != 0:
		return time.Unix(seconds, 0)
	default:
		return time.Time{}
	}
}
