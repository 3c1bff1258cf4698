package iobroker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the gateway's Prometheus instrumentation: one gauge per
// endpoint's connection state, a reconnect counter, and a callback-latency
// histogram. Registered once via sync.Once so multiple Pools/facades in the
// same process (e.g. in tests) never double-register collectors.
type Metrics struct {
	connectionState   *prometheus.GaugeVec
	reconnectTotal    *prometheus.CounterVec
	callbackLatencyMS prometheus.Histogram
	pendingCallbacks  *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *Metrics
)

// NewMetrics returns the process-wide Metrics instance, registering its
// collectors with reg on first use. Passing a fresh *prometheus.Registry in
// tests avoids collisions with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		m := &Metrics{
			connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "iobroker_gateway",
				Name:      "connection_state",
				Help:      "Current connection state per endpoint (1 = active value, one series per state label).",
			}, []string{"endpoint", "state"}),
			reconnectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "iobroker_gateway",
				Name:      "reconnect_attempts_total",
				Help:      "Total reconnect attempts per endpoint.",
			}, []string{"endpoint"}),
			callbackLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "iobroker_gateway",
				Name:      "callback_latency_milliseconds",
				Help:      "Round-trip latency of upstream callback requests.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
			}),
			pendingCallbacks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "iobroker_gateway",
				Name:      "pending_callbacks",
				Help:      "Outstanding upstream callbacks per endpoint.",
			}, []string{"endpoint"}),
		}
		reg.MustRegister(m.connectionState, m.reconnectTotal, m.callbackLatencyMS, m.pendingCallbacks)
		metricsInst = m
	})
	return metricsInst
}

// SetConnectionState flips the gauge for endpoint to 1 for the new state and
// 0 for every other known state label, so a single time series per endpoint
// is ever "hot".
func (m *Metrics) SetConnectionState(endpoint string, state ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range []ConnectionState{
		StateIdle, StateConnecting, StateConnected, StateAuthFailed,
		StateNetworkError, StateRetryScheduled, StateDestroying,
	} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.connectionState.WithLabelValues(endpoint, s.String()).Set(v)
	}
}

// IncReconnect records one reconnect attempt for endpoint.
func (m *Metrics) IncReconnect(endpoint string) {
	if m == nil {
		return
	}
	m.reconnectTotal.WithLabelValues(endpoint).Inc()
}

// ObserveCallbackLatency records a callback round-trip in milliseconds.
func (m *Metrics) ObserveCallbackLatency(ms float64) {
	if m == nil {
		return
	}
	m.callbackLatencyMS.Observe(ms)
}

// SetPendingCallbacks records the current outstanding-callback count for
// endpoint.
func (m *Metrics) SetPendingCallbacks(endpoint string, n int) {
	if m == nil {
		return
	}
	m.pendingCallbacks.WithLabelValues(endpoint).Set(float64(n))
}
