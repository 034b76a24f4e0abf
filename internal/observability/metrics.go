package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry with the collectors for the HTTP API, the
// payment flow and notification delivery. All methods are safe on a nil
// receiver so components can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	paymentInitiations *prometheus.CounterVec
	paymentTransitions *prometheus.CounterVec
	paymentCallbacks   *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec

	deliveriesSent   *prometheus.CounterVec
	deliveriesFailed *prometheus.CounterVec
	deliveryLatency  *prometheus.HistogramVec
	retriesScheduled *prometheus.CounterVec
	dispatchInFlight prometheus.Gauge
	operatorAlerts   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequests: counterVec("http_requests_total",
			"HTTP requests by method, route and status code.", "method", "path", "status"),
		httpLatency: histogramVec("http_request_duration_seconds",
			"HTTP request latency by method and route.", prometheus.DefBuckets, "method", "path"),

		paymentInitiations: counterVec("payments_initiated_total",
			"STK push initiations by result (pending, rejected, error) and origin (tenant, admin).", "result", "origin"),
		paymentTransitions: counterVec("payment_transitions_total",
			"Applied payment status transitions by target status and source.", "to", "source"),
		paymentCallbacks: counterVec("payment_callbacks_total",
			"Provider callbacks by outcome (applied, duplicate, unknown, invalid, unauthenticated, error).", "outcome"),
		gatewayLatency: histogramVec("payment_gateway_duration_seconds",
			"Mobile-money provider call latency by operation.", prometheus.ExponentialBuckets(0.05, 2, 10), "operation"),

		deliveriesSent: counterVec("notification_deliveries_sent_total",
			"Notifications delivered on at least one transport, by channel.", "channel"),
		deliveriesFailed: counterVec("notification_deliveries_failed_total",
			"Notifications that reached the failed status, by channel and reason.", "channel", "reason"),
		deliveryLatency: histogramVec("notification_delivery_duration_seconds",
			"Single transport send latency by concrete channel.", prometheus.ExponentialBuckets(0.01, 2, 12), "channel"),
		retriesScheduled: counterVec("notification_retries_scheduled_total",
			"Transient delivery failures given another attempt, by channel.", "channel"),
		dispatchInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ServiceName,
			Name:      "dispatch_inflight",
			Help:      "Notifications currently being delivered by this process.",
		}),
		operatorAlerts: counterVec("operator_alerts_total",
			"Alerts raised for operator follow-up by kind.", "kind"),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpLatency,
		m.paymentInitiations, m.paymentTransitions, m.paymentCallbacks, m.gatewayLatency,
		m.deliveriesSent, m.deliveriesFailed, m.deliveryLatency, m.retriesScheduled,
		m.dispatchInFlight, m.operatorAlerts,
	)

	return m
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ServiceName, Name: name, Help: help}, labels)
}

func histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ServiceName, Name: name, Help: help, Buckets: buckets}, labels)
}

// Handler serves this registry, or the default one for a nil Metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) IncPaymentInitiated(result, origin string) {
	if m != nil {
		m.paymentInitiations.WithLabelValues(label(result), label(origin)).Inc()
	}
}

func (m *Metrics) IncPaymentTransition(to, source string) {
	if m != nil {
		m.paymentTransitions.WithLabelValues(label(to), label(source)).Inc()
	}
}

func (m *Metrics) IncPaymentCallback(outcome string) {
	if m != nil {
		m.paymentCallbacks.WithLabelValues(label(outcome)).Inc()
	}
}

func (m *Metrics) ObservePaymentGateway(operation string, d time.Duration) {
	if m != nil {
		m.gatewayLatency.WithLabelValues(label(operation)).Observe(seconds(d))
	}
}

func (m *Metrics) IncNotificationSent(channel string) {
	if m != nil {
		m.deliveriesSent.WithLabelValues(label(channel)).Inc()
	}
}

func (m *Metrics) IncNotificationFailed(channel, reason string) {
	if m != nil {
		m.deliveriesFailed.WithLabelValues(label(channel), label(reason)).Inc()
	}
}

func (m *Metrics) ObserveDelivery(channel string, d time.Duration) {
	if m != nil {
		m.deliveryLatency.WithLabelValues(label(channel)).Observe(seconds(d))
	}
}

func (m *Metrics) IncRetryScheduled(channel string) {
	if m != nil {
		m.retriesScheduled.WithLabelValues(label(channel)).Inc()
	}
}

func (m *Metrics) IncWorkerInFlight() {
	if m != nil {
		m.dispatchInFlight.Inc()
	}
}

func (m *Metrics) DecWorkerInFlight() {
	if m != nil {
		m.dispatchInFlight.Dec()
	}
}

func (m *Metrics) IncOperatorAlert(kind string) {
	if m != nil {
		m.operatorAlerts.WithLabelValues(label(kind)).Inc()
	}
}

func seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}
