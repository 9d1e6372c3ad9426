package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
)

// DetectionMetrics implements ports.DetectionMetrics on a private Prometheus registry.
type DetectionMetrics struct {
	service  string
	registry *prometheus.Registry

	messagesTotal   *prometheus.CounterVec
	messageDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	objectsTotal    *prometheus.CounterVec
	alertFailures   *prometheus.CounterVec
	queueLag        *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

func NewDetectionMetrics(service string) *DetectionMetrics {
	registry := prometheus.NewRegistry()

	messagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "detector",
			Subsystem: "worker",
			Name:      "messages_total",
			Help:      "Total processed queue messages by status and failure kind.",
		},
		[]string{"service", "status", "kind"},
	)
	messageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "detector",
			Subsystem: "worker",
			Name:      "message_duration_seconds",
			Help:      "Queue message processing duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "detector",
			Subsystem: "worker",
			Name:      "messages_in_flight",
			Help:      "Number of queue messages currently being processed.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	objectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "detector",
			Subsystem: "worker",
			Name:      "objects_total",
			Help:      "Total classified storage objects by outcome.",
		},
		[]string{"service", "outcome"},
	)
	alertFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "detector",
			Subsystem: "alerts",
			Name:      "publish_failures_total",
			Help:      "Alerts that could not be published.",
		},
		[]string{"service"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "detector",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between notification enqueue and fetch.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)

	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "detector",
			Subsystem: "dependency",
			Name:      "retries_total",
			Help:      "Retried calls to remote dependencies.",
		},
		[]string{"service", "dependency", "operation"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "detector",
			Subsystem: "dependency",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per dependency operation: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"service", "dependency", "operation"},
	)

	registry.MustRegister(messagesTotal, messageDuration, inFlight, objectsTotal, alertFailures, queueLag, retries, breakerState)

	return &DetectionMetrics{
		service:         service,
		registry:        registry,
		messagesTotal:   messagesTotal,
		messageDuration: messageDuration,
		inFlight:        inFlight,
		objectsTotal:    objectsTotal,
		alertFailures:   alertFailures,
		queueLag:        queueLag,
		retries:         retries,
		breakerState:    breakerState,
	}
}

func (m *DetectionMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *DetectionMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *DetectionMetrics) StartMessage() {
	m.inFlight.Inc()
}

func (m *DetectionMetrics) FinishMessage(duration time.Duration, err error) {
	m.inFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	m.messagesTotal.WithLabelValues(m.service, status, domain.Kind(err)).Inc()
	m.messageDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
}

func (m *DetectionMetrics) ObserveObject(outcome string) {
	m.objectsTotal.WithLabelValues(m.service, outcome).Inc()
}

func (m *DetectionMetrics) ObserveAlertFailure() {
	m.alertFailures.WithLabelValues(m.service).Inc()
}

func (m *DetectionMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}

func (m *DetectionMetrics) ObserveRetry(dependency, operation string) {
	m.retries.WithLabelValues(m.service, dependency, operation).Inc()
}

func (m *DetectionMetrics) ObserveBreakerState(dependency, operation, state string) {
	value := 0.0
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	m.breakerState.WithLabelValues(m.service, dependency, operation).Set(value)
}

// Handler serves several registries on one endpoint.
func Handler(gatherers ...prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(prometheus.Gatherers(gatherers), promhttp.HandlerOpts{})
}
