// ABOUTME: Prometheus collectors for access decisions, credentials and agents
// ABOUTME: A nil *Metrics is valid and records nothing

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tunnelward"

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	accessDecisions   *prometheus.CounterVec
	credentialsIssued *prometheus.CounterVec
	verifications     *prometheus.CounterVec
	revocations       *prometheus.CounterVec
	revokeAllFailures prometheus.Counter
	caSwaps           *prometheus.CounterVec
	heartbeats        *prometheus.CounterVec
	heartbeatsDropped prometheus.Counter
	agentsOnline      *prometheus.GaugeVec
	propagation       *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "access_decisions_total",
			Help: "Access checks by target kind and result.",
		}, []string{"kind", "result"}),
		credentialsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "credentials_issued_total",
			Help: "Credentials issued by kind.",
		}, []string{"kind"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "credential_verifications_total",
			Help: "Credential verifications by outcome.",
		}, []string{"outcome"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "revocations_total",
			Help: "Credentials newly revoked by kind.",
		}, []string{"kind"}),
		revokeAllFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "revoke_all_failures_total",
			Help: "Records a bulk revocation could not revoke after retries.",
		}),
		caSwaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ca_swaps_total",
			Help: "Active CA swaps by source.",
		}, []string{"source"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeats_total",
			Help: "Agent heartbeats received by target type.",
		}, []string{"target"}),
		heartbeatsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeat_persist_dropped_total",
			Help: "Heartbeats not persisted because the write queue was full.",
		}),
		agentsOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "agents_online",
			Help: "Agents whose last heartbeat is within the offline threshold.",
		}, []string{"target"}),
		propagation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_propagation_total",
			Help: "Revocation pushes to agents by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.accessDecisions,
		m.credentialsIssued,
		m.verifications,
		m.revocations,
		m.revokeAllFailures,
		m.caSwaps,
		m.heartbeats,
		m.heartbeatsDropped,
		m.agentsOnline,
		m.propagation,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) AccessDecision(kind string, allowed bool) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.accessDecisions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) CredentialIssued(kind string) {
	if m == nil {
		return
	}
	m.credentialsIssued.WithLabelValues(kind).Inc()
}

// Verification records a verification outcome: "ok" or an error kind.
func (m *Metrics) Verification(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Revoked(kind string) {
	if m == nil {
		return
	}
	m.revocations.WithLabelValues(kind).Inc()
}

func (m *Metrics) RevokeAllFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.revokeAllFailures.Add(float64(n))
}

func (m *Metrics) CASwapped(source string) {
	if m == nil {
		return
	}
	m.caSwaps.WithLabelValues(source).Inc()
}

func (m *Metrics) Heartbeat(target string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(target).Inc()
}

func (m *Metrics) HeartbeatDropped() {
	if m == nil {
		return
	}
	m.heartbeatsDropped.Inc()
}

func (m *Metrics) SetAgentsOnline(target string, n int) {
	if m == nil {
		return
	}
	m.agentsOnline.WithLabelValues(target).Set(float64(n))
}

// Propagation records one push attempt result: "delivered", "retry" or "dropped".
func (m *Metrics) Propagation(result string) {
	if m == nil {
		return
	}
	m.propagation.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
