package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for Mailcast
type Metrics struct {
	// Message counters
	MessagesSentTotal    *prometheus.CounterVec
	MessagesFailedTotal  *prometheus.CounterVec
	MessagesBouncedTotal *prometheus.CounterVec
	DeliveryEventsTotal  *prometheus.CounterVec
	SendDurationSeconds  *prometheus.HistogramVec

	// Campaign runs
	CampaignRunsTotal *prometheus.CounterVec
	CampaignsSending  prometheus.Gauge

	// Delivery log gauges, sampled by the collector
	DeliveryLogEntries *prometheus.GaugeVec
	ProvidersActive    prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec
	ThrottlePausesTotal    prometheus.Counter

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	// counters persisted across restarts, by metric name
	persisted map[string]*prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_messages_sent_total",
				Help: "Total number of messages accepted by a provider",
			},
			[]string{"provider"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_messages_failed_total",
				Help: "Total number of failed send attempts",
			},
			[]string{"provider", "category"},
		),
		MessagesBouncedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_messages_bounced_total",
				Help: "Total number of bounces recorded",
			},
			[]string{"provider"},
		),
		DeliveryEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_delivery_events_total",
				Help: "Total number of delivered, opened and clicked events recorded",
			},
			[]string{"event"},
		),
		SendDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailcast_send_duration_seconds",
				Help:    "Transport send duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		CampaignRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_campaign_runs_total",
				Help: "Total number of finished campaign runs by outcome",
			},
			[]string{"outcome"},
		),
		CampaignsSending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailcast_campaigns_sending",
				Help: "Number of campaign runs in progress in this process",
			},
		),

		DeliveryLogEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailcast_delivery_log_entries",
				Help: "Number of delivery log entries by status",
			},
			[]string{"status"},
		),
		ProvidersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailcast_providers_active",
				Help: "Number of active providers",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailcast_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_ratelimit_exceeded_total",
				Help: "Total number of providers skipped for being over a rate limit",
			},
			[]string{"level"},
		),
		ThrottlePausesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailcast_throttle_pauses_total",
				Help: "Total number of pauses taken at the throttle ceiling",
			},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailcast_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailcast_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailcast_storage_used_bytes",
				Help: "Database file size in bytes",
			},
		),

		registry: reg,
	}

	m.persisted = map[string]*prometheus.CounterVec{
		"mailcast_messages_sent_total":      m.MessagesSentTotal,
		"mailcast_messages_failed_total":    m.MessagesFailedTotal,
		"mailcast_messages_bounced_total":   m.MessagesBouncedTotal,
		"mailcast_delivery_events_total":    m.DeliveryEventsTotal,
		"mailcast_campaign_runs_total":      m.CampaignRunsTotal,
		"mailcast_api_requests_total":       m.APIRequestsTotal,
		"mailcast_api_errors_total":         m.APIErrorsTotal,
		"mailcast_ratelimit_exceeded_total": m.RateLimitExceededTotal,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesBouncedTotal,
		m.DeliveryEventsTotal,
		m.SendDurationSeconds,
		m.CampaignRunsTotal,
		m.CampaignsSending,
		m.DeliveryLogEntries,
		m.ProvidersActive,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.ThrottlePausesTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(provider string) {
	m := Global()
	if m != nil {
		m.MessagesSentTotal.WithLabelValues(provider).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(provider, category string) {
	m := Global()
	if m != nil {
		m.MessagesFailedTotal.WithLabelValues(provider, category).Inc()
	}
}

// IncMessagesBounced increments the bounce counter
func IncMessagesBounced(provider string) {
	m := Global()
	if m != nil {
		m.MessagesBouncedTotal.WithLabelValues(provider).Inc()
	}
}

// IncDeliveryEvent counts a delivered, opened or clicked event
func IncDeliveryEvent(event string) {
	m := Global()
	if m != nil {
		m.DeliveryEventsTotal.WithLabelValues(event).Inc()
	}
}

// ObserveSendDuration records how long a transport call took
func ObserveSendDuration(provider string, d time.Duration) {
	m := Global()
	if m != nil {
		m.SendDurationSeconds.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// IncCampaignRuns counts a finished run by outcome
func IncCampaignRuns(outcome string) {
	m := Global()
	if m != nil {
		m.CampaignRunsTotal.WithLabelValues(outcome).Inc()
	}
}

// IncCampaignsSending marks a run as started
func IncCampaignsSending() {
	m := Global()
	if m != nil {
		m.CampaignsSending.Inc()
	}
}

// DecCampaignsSending marks a run as finished
func DecCampaignsSending() {
	m := Global()
	if m != nil {
		m.CampaignsSending.Dec()
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	m := Global()
	if m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// IncThrottlePauses counts a pause at the throttle ceiling
func IncThrottlePauses() {
	m := Global()
	if m != nil {
		m.ThrottlePausesTotal.Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
