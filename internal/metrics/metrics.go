package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	reservations      *prometheus.CounterVec
	offerTransitions  *prometheus.CounterVec
	paymentOutcomes   *prometheus.CounterVec
	sweepItems        *prometheus.CounterVec
	sweepFailures     *prometheus.CounterVec
	sweepDuration     *prometheus.HistogramVec
	notificationsSent *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tour_engine",
			Name:      "slot_reservations_total",
			Help:      "Slot reserve and release attempts by result.",
		}, []string{"op", "result"}),
		offerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tour_engine",
			Name:      "offer_transitions_total",
			Help:      "Offer status transitions by target status and result.",
		}, []string{"to", "result"}),
		paymentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tour_engine",
			Name:      "payment_confirmations_total",
			Help:      "Processed payment confirmations by outcome.",
		}, []string{"outcome"}),
		sweepItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tour_engine",
			Name:      "sweep_items_total",
			Help:      "Items handled by the reconciliation sweeps.",
		}, []string{"job", "result"}),
		sweepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tour_engine",
			Name:      "sweep_failures_total",
			Help:      "Sweep runs that ended with an error.",
		}, []string{"job"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tour_engine",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reconciliation sweeps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tour_engine",
			Name:      "notifications_total",
			Help:      "Notification dispatch attempts by kind and result.",
		}, []string{"kind", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.reservations,
		m.offerTransitions,
		m.paymentOutcomes,
		m.sweepItems,
		m.sweepFailures,
		m.sweepDuration,
		m.notificationsSent,
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests, extra collectors)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "rejected"
}

func (m *Metrics) Reservation(op string, ok bool) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(op, result(ok)).Inc()
}

func (m *Metrics) OfferTransition(to string, ok bool) {
	if m == nil {
		return
	}
	m.offerTransitions.WithLabelValues(to, result(ok)).Inc()
}

func (m *Metrics) PaymentOutcome(outcome string) {
	if m == nil {
		return
	}
	m.paymentOutcomes.WithLabelValues(outcome).Inc()
}

// SweepItem records one item with result "processed", "skipped" or "failed"
func (m *Metrics) SweepItem(job, itemResult string) {
	if m == nil {
		return
	}
	m.sweepItems.WithLabelValues(job, itemResult).Inc()
}

// SweepFailed records a run that ended with an error, including one that
// could not select its batch
func (m *Metrics) SweepFailed(job string) {
	if m == nil {
		return
	}
	m.sweepFailures.WithLabelValues(job).Inc()
}

func (m *Metrics) SweepDuration(job string, seconds float64) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(job).Observe(seconds)
}

func (m *Metrics) Notification(kind string, ok bool) {
	if m == nil {
		return
	}
	m.notificationsSent.WithLabelValues(kind, result(ok)).Inc()
}
