package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus series the router exports. A nil *Metrics is
// valid and records nothing, which keeps wiring optional in tests.
type Metrics struct {
	poolSize *prometheus.GaugeVec
	poolBusy *prometheus.GaugeVec

	checkouts    *prometheus.CounterVec
	checkoutErrs *prometheus.CounterVec
	scaleEvents  *prometheus.CounterVec
	retries      *prometheus.CounterVec

	requestDuration *prometheus.HistogramVec
}

// New creates and registers the collectors with the given registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		poolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "switchboard",
				Name:      "pool_size",
				Help:      "Current number of instances in the pool",
			},
			[]string{"provider"},
		),
		poolBusy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "switchboard",
				Name:      "pool_busy",
				Help:      "Number of instances currently serving a request",
			},
			[]string{"provider"},
		),
		checkouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Name:      "pool_checkouts_total",
				Help:      "Total successful instance checkouts",
			},
			[]string{"provider"},
		),
		checkoutErrs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Name:      "pool_checkout_failures_total",
				Help:      "Checkout failures by reason",
			},
			[]string{"provider", "reason"},
		),
		scaleEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Name:      "pool_scale_events_total",
				Help:      "Autoscale actions committed, by direction",
			},
			[]string{"provider", "direction"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "switchboard",
				Name:      "retries_total",
				Help:      "Provider call retries by classification",
			},
			[]string{"provider", "class"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "switchboard",
				Name:      "request_duration_seconds",
				Help:      "End to end routed request latency",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider", "outcome"},
		),
	}

	registry.MustRegister(
		m.poolSize, m.poolBusy,
		m.checkouts, m.checkoutErrs, m.scaleEvents, m.retries,
		m.requestDuration,
	)

	return m
}

func (m *Metrics) SetPoolGauges(provider string, size, busy int) {
	if m == nil {
		return
	}
	m.poolSize.WithLabelValues(provider).Set(float64(size))
	m.poolBusy.WithLabelValues(provider).Set(float64(busy))
}

func (m *Metrics) ObserveCheckout(provider string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(provider).Inc()
}

func (m *Metrics) ObserveCheckoutFailure(provider, reason string) {
	if m == nil {
		return
	}
	m.checkoutErrs.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) ObserveScaleEvent(provider, direction string) {
	if m == nil {
		return
	}
	m.scaleEvents.WithLabelValues(provider, direction).Inc()
}

func (m *Metrics) ObserveRetry(provider, class string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(provider, class).Inc()
}

func (m *Metrics) ObserveRequest(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.requestDuration.WithLabelValues(provider, outcome).Observe(elapsed.Seconds())
}
