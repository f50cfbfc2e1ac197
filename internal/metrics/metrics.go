package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "preventx"

type Metrics struct {
	startTime time.Time
	registry  *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	vitalsRecorded  *prometheus.CounterVec
	vitalsRejected  *prometheus.CounterVec
	doseTransitions *prometheus.CounterVec
	factorInputs    *prometheus.CounterVec

	notificationsTriggered *prometheus.CounterVec
	notificationsAcked     prometheus.Counter
	publishFailures        *prometheus.CounterVec

	rescoreRuns     prometheus.Counter
	rescoreUsers    *prometheus.CounterVec
	rescoreDuration prometheus.Histogram

	activeConnections prometheus.Gauge
	ingestMessages    *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

// New builds a metrics set on its own registry.
func New() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		vitalsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "vitals_recorded_total",
			Help: "Vital readings stored, per metric",
		}, []string{"metric"}),
		vitalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "vitals_rejected_total",
			Help: "Vital readings rejected, per error code",
		}, []string{"code"}),
		doseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dose_transitions_total",
			Help: "Dose events moved to a terminal status",
		}, []string{"status"}),
		factorInputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "factor_inputs_total",
			Help: "Self-reported factor inputs stored",
		}, []string{"factor"}),

		notificationsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_triggered_total",
			Help: "Notification rules that moved to Triggered",
		}, []string{"kind"}),
		notificationsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_acknowledged_total",
			Help: "Notifications acknowledged by users",
		}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notification_publish_failures_total",
			Help: "Notification deliveries that failed, per sink",
		}, []string{"sink"}),

		rescoreRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rescore_runs_total",
			Help: "Scheduled sweep and rescore passes",
		}),
		rescoreUsers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rescore_users_total",
			Help: "Users processed by scheduled passes, per result",
		}, []string{"result"}),
		rescoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rescore_duration_seconds",
			Help:    "Duration of a scheduled pass",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "websocket_connections",
			Help: "Open notification WebSocket connections",
		}),
		ingestMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingest_messages_total",
			Help: "MQTT vitals messages, per result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "uptime_seconds",
			Help: "Time since server start",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
		m.requestsTotal, m.requestDuration,
		m.vitalsRecorded, m.vitalsRejected, m.doseTransitions, m.factorInputs,
		m.notificationsTriggered, m.notificationsAcked, m.publishFailures,
		m.rescoreRuns, m.rescoreUsers, m.rescoreDuration,
		m.activeConnections, m.ingestMessages,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) RecordVital(metric string) {
	if m == nil {
		return
	}
	m.vitalsRecorded.WithLabelValues(metric).Inc()
}

func (m *Metrics) RecordVitalRejected(code string) {
	if m == nil {
		return
	}
	m.vitalsRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordDoseTransition(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.doseTransitions.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) RecordFactorInput(factor string) {
	if m == nil {
		return
	}
	m.factorInputs.WithLabelValues(factor).Inc()
}

func (m *Metrics) RecordNotification(kind string) {
	if m == nil {
		return
	}
	m.notificationsTriggered.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordAcknowledged() {
	if m == nil {
		return
	}
	m.notificationsAcked.Inc()
}

func (m *Metrics) RecordPublishFailure(sink string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(sink).Inc()
}

// RecordRescore records one scheduled pass.
func (m *Metrics) RecordRescore(ok, failed int, d time.Duration) {
	if m == nil {
		return
	}
	m.rescoreRuns.Inc()
	m.rescoreUsers.WithLabelValues("ok").Add(float64(ok))
	m.rescoreUsers.WithLabelValues("failed").Add(float64(failed))
	m.rescoreDuration.Observe(d.Seconds())
}

func (m *Metrics) IncrementActiveConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) DecrementActiveConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) RecordIngest(result string) {
	if m == nil {
		return
	}
	m.ingestMessages.WithLabelValues(result).Inc()
}

type Snapshot struct {
	Uptime            time.Duration `json:"uptime"`
	VitalsRecorded    float64       `json:"vitals_recorded"`
	DoseTransitions   float64       `json:"dose_transitions"`
	Notifications     float64       `json:"notifications_triggered"`
	RescoreRuns       float64       `json:"rescore_runs"`
	ActiveConnections float64       `json:"active_connections"`
}

// Snapshot sums the main counters for the health endpoint.
func (m *Metrics) Snapshot() *Snapshot {
	s := &Snapshot{Uptime: time.Since(m.startTime)}
	families, err := m.registry.Gather()
	if err != nil {
		return s
	}
	for _, f := range families {
		var total float64
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			}
		}
		switch f.GetName() {
		case namespace + "_vitals_recorded_total":
			s.VitalsRecorded = total
		case namespace + "_dose_transitions_total":
			s.DoseTransitions = total
		case namespace + "_notifications_triggered_total":
			s.Notifications = total
		case namespace + "_rescore_runs_total":
			s.RescoreRuns = total
		case namespace + "_websocket_connections":
			s.ActiveConnections = total
		}
	}
	return s
}
