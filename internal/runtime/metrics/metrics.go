// Package metrics holds the Prometheus collectors of the bridge. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/status"
)

const namespace = "paybridge"

// Metrics groups the responder, backend and correlator collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	eventsReceived  *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec
	pending         prometheus.Gauge
	sends           *prometheus.CounterVec
	sendLatency     prometheus.Histogram
	streamResponses prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith registers the collectors on reg, which also serves Handler.
func NewWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_received_total",
			Help:      "Events pulled from the topic, by receiving role and envelope kind.",
		}, []string{"role", "kind"}),
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "responder",
			Name:      "dispatches_total",
			Help:      "Request envelopes handled by the responder, by method and outcome.",
		}, []string{"method", "outcome"}),
		backendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "call_duration_seconds",
			Help:      "Latency of backend RPCs including channel setup and shutdown.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "code"}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "pending_requests",
			Help:      "Correlation ids currently awaiting a response.",
		}),
		sends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "sends_total",
			Help:      "SendAndWait calls by outcome.",
		}, []string{"outcome"}),
		sendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "send_duration_seconds",
			Help:      "Time from publish to the returned response.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		streamResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "stream_responses_total",
			Help:      "Responses accumulated for streaming calls.",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) EventReceived(role, kind string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(role, kind).Inc()
}

// Dispatched counts one responder dispatch. outcome is an error category or
// "ok".
func (m *Metrics) Dispatched(method, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(method, outcome).Inc()
}

// BackendCall records a backend RPC labelled by its gRPC status code.
func (m *Metrics) BackendCall(method string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.backendLatency.WithLabelValues(method, status.Code(err).String()).Observe(elapsed.Seconds())
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// Sent records the outcome of one SendAndWait.
func (m *Metrics) Sent(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
	m.sendLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) StreamResponse() {
	if m == nil {
		return
	}
	m.streamResponses.Inc()
}
