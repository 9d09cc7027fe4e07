package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the reminder engine
type Metrics struct {
	OccurrencesMaterialized *prometheus.CounterVec
	OccurrencesCancelled    *prometheus.CounterVec
	NotificationsDispatched *prometheus.CounterVec
	DeliveryAttempts        *prometheus.CounterVec
	ChannelSendDuration     *prometheus.HistogramVec
	ClaimConflicts          prometheus.Counter
	RetryCount              *prometheus.CounterVec
	Escalations             prometheus.Counter
	DueBacklog              prometheus.Gauge
	TickDuration            *prometheus.HistogramVec
	APIRequestDuration      *prometheus.HistogramVec
	ActiveConnections       prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the engine metrics and registers them on reg. A nil
// registry gets a private one, so tests can build as many as they like.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	metrics := &Metrics{
		OccurrencesMaterialized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reminder_occurrences_materialized_total",
				Help: "Total number of scheduled notifications materialized",
			},
			[]string{"event"},
		),
		OccurrencesCancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reminder_occurrences_cancelled_total",
				Help: "Total number of pending notifications cancelled",
			},
			[]string{"reason"},
		),
		NotificationsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reminder_notifications_dispatched_total",
				Help: "Total number of dispatch outcomes by resulting state",
			},
			[]string{"state"},
		),
		DeliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reminder_delivery_attempts_total",
				Help: "Total number of channel sends by result",
			},
			[]string{"channel", "result"},
		),
		ChannelSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reminder_channel_send_duration_seconds",
				Help:    "Time taken by channels to send a notification",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		ClaimConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reminder_claim_conflicts_total",
				Help: "Total number of claims or transitions lost to another worker",
			},
		),
		RetryCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reminder_retries_total",
				Help: "Total number of notifications rescheduled for retry",
			},
			[]string{"reason"},
		),
		Escalations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reminder_escalations_total",
				Help: "Total number of escalation follow-ups created",
			},
		),
		DueBacklog: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reminder_due_backlog",
				Help: "Due notifications found by the last scheduler tick",
			},
		),
		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reminder_tick_duration_seconds",
				Help:    "Time taken by periodic engine passes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		),
		APIRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reminder_api_request_duration_seconds",
				Help:    "Time taken to serve API requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"api", "operation", "code"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reminder_api_active_connections",
				Help: "Number of API requests in flight",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		metrics.OccurrencesMaterialized,
		metrics.OccurrencesCancelled,
		metrics.NotificationsDispatched,
		metrics.DeliveryAttempts,
		metrics.ChannelSendDuration,
		metrics.ClaimConflicts,
		metrics.RetryCount,
		metrics.Escalations,
		metrics.DueBacklog,
		metrics.TickDuration,
		metrics.APIRequestDuration,
		metrics.ActiveConnections,
	)

	return metrics
}

// The Record helpers accept a nil receiver so components can run without
// metrics.

// RecordMaterialized records newly materialized occurrences
func (m *Metrics) RecordMaterialized(event string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.OccurrencesMaterialized.WithLabelValues(event).Add(float64(count))
}

// RecordCancelled records cancelled pending occurrences
func (m *Metrics) RecordCancelled(reason string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.OccurrencesCancelled.WithLabelValues(reason).Add(float64(count))
}

// RecordDispatched records the state a dispatch ended in
func (m *Metrics) RecordDispatched(state string) {
	if m == nil {
		return
	}
	m.NotificationsDispatched.WithLabelValues(state).Inc()
}

// RecordAttempt records a single channel send
func (m *Metrics) RecordAttempt(channel, result string, seconds float64) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(channel, result).Inc()
	m.ChannelSendDuration.WithLabelValues(channel).Observe(seconds)
}

// RecordClaimConflict records a lost claim or transition
func (m *Metrics) RecordClaimConflict() {
	if m == nil {
		return
	}
	m.ClaimConflicts.Inc()
}

// RecordRetry records a notification rescheduled for retry
func (m *Metrics) RecordRetry(reason string) {
	if m == nil {
		return
	}
	m.RetryCount.WithLabelValues(reason).Inc()
}

// RecordEscalation records an escalation follow-up
func (m *Metrics) RecordEscalation() {
	if m == nil {
		return
	}
	m.Escalations.Inc()
}

// SetDueBacklog sets the due backlog gauge
func (m *Metrics) SetDueBacklog(size int) {
	if m == nil {
		return
	}
	m.DueBacklog.Set(float64(size))
}

// RecordTick records the duration of a periodic pass
func (m *Metrics) RecordTick(task string, seconds float64) {
	if m == nil {
		return
	}
	m.TickDuration.WithLabelValues(task).Observe(seconds)
}

// RecordRequest records one API request
func (m *Metrics) RecordRequest(api, operation, code string, seconds float64) {
	if m == nil {
		return
	}
	m.APIRequestDuration.WithLabelValues(api, operation, code).Observe(seconds)
}

// IncrementActiveConnections increments the in-flight request gauge
func (m *Metrics) IncrementActiveConnections() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// DecrementActiveConnections decrements the in-flight request gauge
func (m *Metrics) DecrementActiveConnections() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
