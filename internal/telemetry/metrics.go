package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vnmchuo/metered-gateway/internal/breaker"
	"github.com/vnmchuo/metered-gateway/internal/ledger"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Breakers
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	// Routing
	backendAttempts *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec

	// Metering
	spends        *prometheus.CounterVec
	charged       prometheus.Counter
	budgetDenials *prometheus.CounterVec

	// Ledger
	ledgerTransitions *prometheus.CounterVec
}

// NewMetrics creates the collectors under namespace. Call Register to expose
// them.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Current circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
			},
			[]string{"backend"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state changes per backend",
			},
			[]string{"backend", "from", "to"},
		),
		backendAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_attempts_total",
				Help:      "Total number of routing attempts per backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		backendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_request_duration_seconds",
				Help:      "Backend call latency, skipped candidates excluded",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),
		spends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spend_requests_total",
				Help:      "Total number of spend requests per outcome",
			},
			[]string{"outcome"},
		),
		charged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_charged_total",
				Help:      "Total credits charged for completed spends",
			},
		),
		budgetDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_denials_total",
				Help:      "Total number of admissions denied per scope and window",
			},
			[]string{"scope", "window"},
		),
		ledgerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_transactions_total",
				Help:      "Total number of ledger transactions written per kind and status",
			},
			[]string{"kind", "status"},
		),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.breakerState,
		m.breakerTransitions,
		m.backendAttempts,
		m.backendLatency,
		m.spends,
		m.charged,
		m.budgetDenials,
		m.ledgerTransitions,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// BreakerStateChanged matches breaker.StateChangeFunc.
func (m *Metrics) BreakerStateChanged(backend string, from, to breaker.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(backend).Set(float64(to))
	m.breakerTransitions.WithLabelValues(backend, from.String(), to.String()).Inc()
}

// ObserveAttempt implements routing.Observer.
func (m *Metrics) ObserveAttempt(backend, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.backendAttempts.WithLabelValues(backend, outcome).Inc()
	if elapsed > 0 {
		m.backendLatency.WithLabelValues(backend).Observe(elapsed.Seconds())
	}
}

// ObserveSpend implements metering.Observer.
func (m *Metrics) ObserveSpend(outcome string, charged int64) {
	if m == nil {
		return
	}
	m.spends.WithLabelValues(outcome).Inc()
	if charged > 0 {
		m.charged.Add(float64(charged))
	}
}

// ObserveBudgetDenial implements metering.Observer.
func (m *Metrics) ObserveBudgetDenial(scope, window string) {
	if m == nil {
		return
	}
	m.budgetDenials.WithLabelValues(scope, window).Inc()
}

// LedgerTransition matches ledger.TransitionFunc.
func (m *Metrics) LedgerTransition(kind ledger.TxKind, status ledger.Status) {
	if m == nil {
		return
	}
	m.ledgerTransitions.WithLabelValues(string(kind), string(status)).Inc()
}
