package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the Prometheus collectors shared by every saga role.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	calls    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec

	messages    *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	published   *prometheus.CounterVec

	transitions  *prometheus.CounterVec
	reservations *prometheus.CounterVec
	expired      prometheus.Counter
	payments     *prometheus.CounterVec

	rateLimited    prometheus.Counter
	rateLimitWait  prometheus.Histogram
	inflightAtStop prometheus.Gauge
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tourflow_calls_total",
			Help: "Handled calls by method and outcome.",
		}, []string{"method", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tourflow_call_latency_seconds",
			Help:    "Call latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tourflow_calls_in_flight",
			Help: "Calls currently being handled.",
		}, []string{"method"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tourflow_bus_messages_total",
			Help: "Consumed bus messages by queue and outcome.",
		}, []string{"queue", "outcome"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tourflow_bus_dead_letters_total",
			Help: "Messages moved to a dead-letter queue.",
		}, []string{"queue"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tourflow_bus_published_total",
			Help: "Published bus messages by queue and outcome.",
		}, []string{"queue", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tourflow_saga_transitions_total",
			Help: "Saga status transitions by target status.",
		}, []string{"status"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tourflow_stock_reservations_total",
			Help: "Stock reservation operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tourflow_stock_reservations_expired_total",
			Help: "Reservations reclaimed by the expiry sweep.",
		}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tourflow_payment_transactions_total",
			Help: "Payment transactions by status.",
		}, []string{"status"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tourflow_http_rate_limited_total",
			Help: "Requests rejected by the ingress rate limiter.",
		}),
		rateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tourflow_rate_limit_wait_seconds",
			Help:    "Time spent waiting on outbound rate limiters.",
			Buckets: prometheus.DefBuckets,
		}),
		inflightAtStop: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tourflow_inflight_at_shutdown",
			Help: "In-flight work observed when shutdown started.",
		}),
	}
	registry.MustRegister(
		m.calls, m.latency, m.inFlight,
		m.messages, m.deadLetters, m.published,
		m.transitions, m.reservations, m.expired, m.payments,
		m.rateLimited, m.rateLimitWait, m.inflightAtStop,
	)
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.inFlight.WithLabelValues(method).Inc()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	m := s.metrics
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.inFlight.WithLabelValues(s.method).Dec()
	m.calls.WithLabelValues(s.method, outcome).Inc()
	m.latency.WithLabelValues(s.method).Observe(time.Since(s.start).Seconds())
}

func (m *Metrics) MessageHandled(queue string, err error) {
	if m == nil {
		return
	}
	outcome := "ack"
	if err != nil {
		outcome = "retry"
	}
	m.messages.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) MessageDeadLettered(queue string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(queue).Inc()
}

func (m *Metrics) MessagePublished(queue string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.published.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) SagaTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Reservation(operation, outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ReservationsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

func (m *Metrics) PaymentRecorded(status string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(status).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.rateLimitWait.Observe(d.Seconds())
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.inflightAtStop.Set(float64(inflight))
}
