package event

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// MaxStateLength is the longest state value accepted by the collector, in bytes.
const MaxStateLength = 255

// ValidationError reports an event field rejected before any network activity.
// Params: Field is the offending field name; Reason explains the rejection.
// Returns: error value for errors.As matching.
type ValidationError struct {
	Field  string
	Reason string
}

// Error formats validation failure.
// Params: none.
// Returns: human-readable message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event %s: %s", e.Field, e.Reason)
}

// Event is one immutable health/metric observation about a service.
// Params: built via New with options.
// Returns: value safe to share between goroutines.
type Event struct {
	service     string
	host        string
	state       string
	description string
	metric      float64
	ttl         int32
	tags        []string
	attributes  map[string]string
	time        time.Time
}

// Option customizes optional Event fields at construction time.
type Option func(*Event)

// WithHost sets the event source host; empty means the sender's host.
func WithHost(host string) Option {
	return func(e *Event) { e.host = host }
}

// WithDescription sets a free-form state description.
func WithDescription(description string) Option {
	return func(e *Event) { e.description = description }
}

// WithMetric sets the numeric metric value.
func WithMetric(metric float64) Option {
	return func(e *Event) { e.metric = metric }
}

// WithTTL sets the number of seconds the event stays valid; 0 leaves it unset.
func WithTTL(seconds int32) Option {
	return func(e *Event) { e.ttl = seconds }
}

// WithTags sets the per-event tags. The slice is copied.
func WithTags(tags ...string) Option {
	return func(e *Event) { e.tags = slices.Clone(tags) }
}

// WithAttributes sets custom key/value attributes. The map is copied.
func WithAttributes(attributes map[string]string) Option {
	return func(e *Event) { e.attributes = maps.Clone(attributes) }
}

// WithTime sets the observation time; zero means "stamp at send time".
func WithTime(at time.Time) Option {
	return func(e *Event) { e.time = at }
}

// New validates and builds one event.
// Params: service name; state value (<= MaxStateLength bytes); optional field setters.
// Returns: immutable event or *ValidationError.
func New(service, state string, opts ...Option) (Event, error) {
	if len(state) > MaxStateLength {
		return Event{}, &ValidationError{
			Field:  "state",
			Reason: fmt.Sprintf("length %d exceeds %d bytes", len(state), MaxStateLength),
		}
	}

	ev := Event{service: service, state: state}
	for _, opt := range opts {
		if opt != nil {
			opt(&ev)
		}
	}
	if ev.ttl < 0 {
		return Event{}, &ValidationError{Field: "ttl", Reason: "cannot be negative"}
	}
	return ev, nil
}

func (e Event) Service() string     { return e.service }
func (e Event) Host() string        { return e.host }
func (e Event) State() string       { return e.state }
func (e Event) Description() string { return e.description }
func (e Event) Metric() float64     { return e.metric }
func (e Event) TTL() int32          { return e.ttl }
func (e Event) Time() time.Time     { return e.time }

// Tags returns a copy of the per-event tags.
func (e Event) Tags() []string { return slices.Clone(e.tags) }

// Attributes returns a copy of the custom attributes.
func (e Event) Attributes() map[string]string { return maps.Clone(e.attributes) }

// TickResult is what a scheduled check reports on each firing.
// Params: state/description/metric of the check; TTL seconds (0 = derive from interval); extra tags and attributes.
// Returns: input for scheduler event construction.
type TickResult struct {
	State       string
	Description string
	Metric      float64
	TTL         int32
	Tags        []string
	Attributes  map[string]string
}

// State is one entry of the collector index returned by a query.
type State struct {
	Time        time.Time
	State       string
	Service     string
	Host        string
	Description string
	Once        bool
	Tags        []string
	TTL         float32
	Metric      float64
	Attributes  map[string]string
}
