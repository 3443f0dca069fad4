package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imagegen"

// Metrics exposes the billing collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	deductions         *prometheus.CounterVec
	creditsAdded       *prometheus.CounterVec
	generations        *prometheus.CounterVec
	generationDuration prometheus.Histogram
	generationsActive  prometheus.Gauge
	payments           *prometheus.CounterVec
	signatureFailures  prometheus.Counter
}

// MustNewMetrics registers every collector on reg and panics on conflicts.
// Tests pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		deductions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "deductions_total",
			Help:      "Credit deduction attempts by result.",
		}, []string{"result"}),
		creditsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "added_total",
			Help:      "Credits granted by transaction type.",
		}, []string{"type"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "finished_total",
			Help:      "Generations that reached a terminal status.",
		}, []string{"status"}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Time from dispatch to terminal status.",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 90, 120, 180},
		}),
		generationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "active",
			Help:      "Generations currently running.",
		}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "settled_total",
			Help:      "Payment orders settled by terminal status.",
		}, []string{"status"}),
		signatureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "signature_failures_total",
			Help:      "Checkout callbacks and webhooks rejected for a bad signature.",
		}),
	}
	reg.MustRegister(
		m.deductions,
		m.creditsAdded,
		m.generations,
		m.generationDuration,
		m.generationsActive,
		m.payments,
		m.signatureFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Deduction(result string) {
	if m == nil {
		return
	}
	m.deductions.WithLabelValues(result).Inc()
}

func (m *Metrics) CreditsAdded(txType string, amount int) {
	if m == nil {
		return
	}
	m.creditsAdded.WithLabelValues(txType).Add(float64(amount))
}

func (m *Metrics) GenerationStarted() {
	if m == nil {
		return
	}
	m.generationsActive.Inc()
}

func (m *Metrics) GenerationFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.generationsActive.Dec()
	m.generations.WithLabelValues(status).Inc()
	m.generationDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) PaymentSettled(status string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(status).Inc()
}

func (m *Metrics) SignatureFailure() {
	if m == nil {
		return
	}
	m.signatureFailures.Inc()
}
