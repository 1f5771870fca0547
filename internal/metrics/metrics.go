// Package metrics exposes Prometheus collectors for the synchronization
// engine. A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "purchasesync"

type Metrics struct {
	Attempts            *prometheus.CounterVec
	Retries             prometheus.Counter
	TerminalFailures    prometheus.Counter
	DuplicateCallbacks  prometheus.Counter
	Verifications       *prometheus.CounterVec
	CacheLookups        *prometheus.CounterVec
	OfflineComputations *prometheus.CounterVec
}

// New creates the collectors and registers them with reg (skipped when reg
// is nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "attempts_total",
			Help: "Request attempts by outcome.",
		}, []string{"outcome"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "retries_total",
			Help: "Attempts scheduled after a transient failure.",
		}),
		TerminalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "terminal_failures_total",
			Help: "Requests that failed after exhausting retries.",
		}),
		DuplicateCallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "duplicate_callbacks_total",
			Help: "Transport completions dropped because the request already completed.",
		}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "verification", Name: "results_total",
			Help: "Signature verification results.",
		}, []string{"result"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Customer info lookups by cache tier and outcome.",
		}, []string{"tier", "outcome"}),
		OfflineComputations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "offline", Name: "computations_total",
			Help: "Offline entitlement computations by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Attempts, m.Retries, m.TerminalFailures, m.DuplicateCallbacks,
			m.Verifications, m.CacheLookups, m.OfflineComputations)
	}
	return m
}

func (m *Metrics) ObserveAttempt(outcome string) {
	if m != nil {
		m.Attempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveRetry() {
	if m != nil {
		m.Retries.Inc()
	}
}

func (m *Metrics) ObserveTerminalFailure() {
	if m != nil {
		m.TerminalFailures.Inc()
	}
}

func (m *Metrics) ObserveDuplicateCallback() {
	if m != nil {
		m.DuplicateCallbacks.Inc()
	}
}

func (m *Metrics) ObserveVerification(result string) {
	if m != nil {
		m.Verifications.WithLabelValues(result).Inc()
	}
}

// ObserveCacheLookup records a lookup; tier is "memory" or "device", outcome
// "hit", "stale" or "miss".
func (m *Metrics) ObserveCacheLookup(tier, outcome string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(tier, outcome).Inc()
	}
}

func (m *Metrics) ObserveOffline(outcome string) {
	if m != nil {
		m.OfflineComputations.WithLabelValues(outcome).Inc()
	}
}
