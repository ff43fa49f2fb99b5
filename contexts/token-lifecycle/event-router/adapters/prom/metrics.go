package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"waypoint/contexts/token-lifecycle/event-router/ports"
)

// Metrics is the Prometheus-backed MetricsSink. One instance per process;
// registering twice on the same registry panics, which is intentional.
type Metrics struct {
	processed      *prometheus.CounterVec
	failures       *prometheus.CounterVec
	freezes        prometheus.Counter
	proofFailures  prometheus.Counter
	settlements    prometheus.Counter
	proofRequests  prometheus.Counter
	auditEmissions prometheus.Counter
	latency        *prometheus.HistogramVec
	dlqSize        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waypoint",
			Subsystem: "event_router",
			Name:      "events_processed_total",
			Help:      "Events that completed the routing pipeline, by type.",
		}, []string{"event_type"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waypoint",
			Subsystem: "event_router",
			Name:      "events_failed_total",
			Help:      "Events rejected or deferred, by failure reason and type.",
		}, []string{"reason", "event_type"}),
		freezes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waypoint",
			Subsystem: "event_router",
			Name:      "governance_freezes_total",
			Help:      "Transitions blocked by a governance freeze.",
		}),
		proofFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waypoint",
			Subsystem: "event_router",
			Name:      "proof_request_failures_total",
			Help:      "Proof requests that the attestor failed to take.",
		}),
		settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waypoint",
			Subsystem: "event_router",
			Name:      "settlement_triggers_total",
			Help:      "Accepted settlement triggers.",
		}),
		proofRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waypoint",
			Subsystem: "event_router",
			Name:      "proof_requests_total",
			Help:      "Proof requests emitted for held transitions.",
		}),
		auditEmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "waypoint",
			Subsystem: "event_router",
			Name:      "audit_emissions_total",
			Help:      "Decision records handed to the audit sink.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "waypoint",
			Subsystem: "event_router",
			Name:      "event_latency_ms",
			Help:      "End-to-end routing latency in milliseconds.",
			Buckets:   []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"event_type"}),
		dlqSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "waypoint",
			Subsystem: "event_router",
			Name:      "dlq_depth",
			Help:      "Current dead letter queue depth.",
		}),
	}
	reg.MustRegister(
		m.processed,
		m.failures,
		m.freezes,
		m.proofFailures,
		m.settlements,
		m.proofRequests,
		m.auditEmissions,
		m.latency,
		m.dlqSize,
	)
	return m
}

func (m *Metrics) RecordProcessed(eventType ports.EventType, latencyMS float64, ocEmitted, settlement, proofRequested int) {
	m.processed.WithLabelValues(string(eventType)).Inc()
	m.latency.WithLabelValues(string(eventType)).Observe(latencyMS)
	m.auditEmissions.Add(float64(ocEmitted))
	m.settlements.Add(float64(settlement))
	m.proofRequests.Add(float64(proofRequested))
}

func (m *Metrics) RecordFailure(reason string, eventType ports.EventType, governanceFreeze bool) {
	m.failures.WithLabelValues(reason, string(eventType)).Inc()
	if governanceFreeze {
		m.freezes.Inc()
	}
}

func (m *Metrics) RecordProofFailure() {
	m.proofFailures.Inc()
}

func (m *Metrics) SetDLQSize(n int) {
	m.dlqSize.Set(float64(n))
}
