package riemann

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"rmagent/internal/schedule"
	"rmagent/internal/transport"
)

const metricsNamespace = "rmagent"

// clientMetrics holds the Prometheus collectors of one client.
type clientMetrics struct {
	registerer prometheus.Registerer
	collectors []prometheus.Collector

	eventsSent      prometheus.Counter
	eventsDropped   prometheus.Counter
	sendErrors      prometheus.Counter
	fallbacks       prometheus.Counter
	queries         prometheus.Counter
	queryErrors     prometheus.Counter
	connectionState prometheus.Gauge
}

// newClientMetrics builds unregistered client collectors; scheduler counters are read on scrape.
// Params: sched scheduler of the client.
// Returns: metrics set.
func newClientMetrics(sched *schedule.Scheduler) *clientMetrics {
	m := &clientMetrics{
		eventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "events_sent_total",
			Help:      "Events accepted by the collector transport.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "events_dropped_total",
			Help:      "Events dropped because send errors are suppressed.",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "send_errors_total",
			Help:      "Failed event batch sends, suppressed or not.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "datagram_fallbacks_total",
			Help:      "Oversize datagram batches promoted to the stream transport.",
		}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "queries_total",
			Help:      "Queries sent to the collector.",
		}),
		queryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "query_errors_total",
			Help:      "Queries that failed locally or were rejected by the collector.",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "connection_state",
			Help:      "Stream connection state (0=disconnected, 1=connecting, 2=connected, 3=disconnecting).",
		}),
	}

	m.collectors = []prometheus.Collector{
		m.eventsSent,
		m.eventsDropped,
		m.sendErrors,
		m.fallbacks,
		m.queries,
		m.queryErrors,
		m.connectionState,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "ticks_fired_total",
			Help:      "Tick callbacks that produced an event.",
		}, func() float64 { return float64(sched.Fired()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "ticks_failed_total",
			Help:      "Tick callbacks that failed or panicked.",
		}, func() float64 { return float64(sched.Failed()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "registrations",
			Help:      "Live tick registrations.",
		}, func() float64 { return float64(sched.Len()) }),
	}
	return m
}

// watchStream adds the reconnect counter of the stream manager.
// Params: stream connection manager.
// Returns: none.
func (m *clientMetrics) watchStream(stream *transport.Manager) {
	m.collectors = append(m.collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "client",
		Name:      "stream_connects_total",
		Help:      "Stream connections established, including reconnects.",
	}, func() float64 { return float64(stream.Connects()) }))
}

// register adds all collectors to registerer; a partial registration is rolled back.
// Params: registerer target (nil = keep unregistered).
// Returns: registration error.
func (m *clientMetrics) register(registerer prometheus.Registerer) error {
	if registerer == nil {
		return nil
	}
	for i, c := range m.collectors {
		if err := registerer.Register(c); err != nil {
			for _, registered := range m.collectors[:i] {
				registerer.Unregister(registered)
			}
			return fmt.Errorf("register client metrics: %w", err)
		}
	}
	m.registerer = registerer
	return nil
}

// observeState records a stream state transition.
// Params: state new connection state.
// Returns: none.
func (m *clientMetrics) observeState(state transport.State) {
	m.connectionState.Set(float64(state))
}

// unregister removes all collectors from the registerer.
// Params: none.
// Returns: none.
func (m *clientMetrics) unregister() {
	if m.registerer == nil {
		return
	}
	for _, c := range m.collectors {
		m.registerer.Unregister(c)
	}
	m.registerer = nil
}
