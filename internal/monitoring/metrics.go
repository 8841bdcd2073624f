// Package monitoring exposes the Prometheus instrumentation for the API.
package monitoring

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the compliance API
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec

	// Ingestion metrics
	ActionsIngested    *prometheus.CounterVec
	UsageLimitExceeded *prometheus.CounterVec

	// Detection metrics
	AnomaliesTotal *prometheus.CounterVec

	// Task metrics
	TasksTotal *prometheus.CounterVec

	// Billing metrics
	WebhookEvents *prometheus.CounterVec

	// Usage metrics
	ProjectEventCount *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontext_http_requests_total",
				Help: "Total number of HTTP requests served",
			},
			[]string{"method", "path", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kontext_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets, // 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10
			},
			[]string{"method", "path"},
		),

		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontext_rate_limited_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
			[]string{"path"},
		),

		ActionsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontext_actions_ingested_total",
				Help: "Total number of compliance actions recorded",
			},
			[]string{"project"},
		),

		UsageLimitExceeded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontext_usage_limit_exceeded_total",
				Help: "Ingest requests answered with the over-limit 429",
			},
			[]string{"plan"},
		),

		AnomaliesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontext_anomalies_total",
				Help: "Total number of anomalies flagged by the evaluator",
			},
			[]string{"type", "severity"},
		),

		TasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontext_tasks_total",
				Help: "Task lifecycle transitions",
			},
			[]string{"status"}, // status: pending, confirmed, failed, expired
		),

		WebhookEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontext_webhook_events_total",
				Help: "Billing provider webhook events received",
			},
			[]string{"type", "handled"},
		),

		ProjectEventCount: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kontext_project_event_count",
				Help: "Events recorded in the current billing period per project",
			},
			[]string{"project", "plan"},
		),
	}
}

// Handler returns the scrape endpoint for the default registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records a served request
func (m *Metrics) RecordRequest(method, path string, status int, duration float64) {
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordRateLimited records a 429 rejection
func (m *Metrics) RecordRateLimited(path string) {
	m.RateLimited.WithLabelValues(path).Inc()
}

// RecordIngest records accepted action events
func (m *Metrics) RecordIngest(project string, count int) {
	m.ActionsIngested.WithLabelValues(project).Add(float64(count))
}

// RecordUsageExceeded records an over-limit ingest
func (m *Metrics) RecordUsageExceeded(plan string) {
	m.UsageLimitExceeded.WithLabelValues(plan).Inc()
}

// RecordAnomaly records a flagged anomaly
func (m *Metrics) RecordAnomaly(anomalyType, severity string) {
	m.AnomaliesTotal.WithLabelValues(anomalyType, severity).Inc()
}

// RecordTask records a task lifecycle transition
func (m *Metrics) RecordTask(status string) {
	m.TasksTotal.WithLabelValues(status).Inc()
}

// RecordWebhookEvent records a billing webhook event and whether it mapped
// to an internal action
func (m *Metrics) RecordWebhookEvent(eventType string, handled bool) {
	m.WebhookEvents.WithLabelValues(eventType, strconv.FormatBool(handled)).Inc()
}

// SetProjectUsage updates the usage gauge after tracking
func (m *Metrics) SetProjectUsage(project, plan string, eventCount int64) {
	m.ProjectEventCount.WithLabelValues(project, plan).Set(float64(eventCount))
}
