package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var _ Recorder = (*Metrics)(nil)

// Recorder receives security and HTTP telemetry.
type Recorder interface {
	RecordAuditEvent(severity string)
	RecordLoginAttempt(success bool)
	RecordLockoutDecision(blocked bool)
	RecordStorageError(operation string)
	SetLockedIPs(count int64)
	SetUnresolvedEvents(count int64)
}

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Security
	AuditEventsTotal      *prometheus.CounterVec
	LoginAttemptsTotal    *prometheus.CounterVec
	LockoutDecisionsTotal *prometheus.CounterVec
	LockedIPs             prometheus.Gauge
	UnresolvedAuditEvents prometheus.Gauge
	StorageErrorsTotal    *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Init returns Prometheus-backed metrics when enabled, NoopMetrics otherwise.
// Collectors are registered once per process.
func Init(enabled bool) Recorder {
	if !enabled {
		return NewNoopMetrics()
	}

	once.Do(func() {
		defaultMetrics = initMetrics()
	})
	return defaultMetrics
}

func initMetrics() *Metrics {
	return &Metrics{
		AuditEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carewatch_audit_events_total",
				Help: "Security audit events recorded, by severity",
			},
			[]string{"severity"},
		),
		LoginAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carewatch_login_attempts_total",
				Help: "Login attempts recorded, by outcome",
			},
			[]string{"result"},
		),
		LockoutDecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carewatch_lockout_decisions_total",
				Help: "Login gate decisions, by outcome",
			},
			[]string{"decision"},
		),
		LockedIPs: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "carewatch_locked_ips",
				Help: "Client IPs currently over the failed-login threshold",
			},
		),
		UnresolvedAuditEvents: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "carewatch_unresolved_audit_events",
				Help: "Security audit events awaiting resolution",
			},
		),
		StorageErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carewatch_storage_errors_total",
				Help: "Failed security storage operations that were tolerated",
			},
			[]string{"operation"},
		),
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carewatch_http_requests_total",
				Help: "HTTP requests handled",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "carewatch_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "carewatch_http_requests_in_flight",
				Help: "HTTP requests currently being served",
			},
		),
	}
}

func (m *Metrics) RecordAuditEvent(severity string) {
	m.AuditEventsTotal.WithLabelValues(severity).Inc()
}

func (m *Metrics) RecordLoginAttempt(success bool) {
	result := resultFailure
	if success {
		result = resultSuccess
	}
	m.LoginAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordLockoutDecision(blocked bool) {
	decision := "allowed"
	if blocked {
		decision = "blocked"
	}
	m.LockoutDecisionsTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) RecordStorageError(operation string) {
	m.StorageErrorsTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) SetLockedIPs(count int64) {
	m.LockedIPs.Set(float64(count))
}

func (m *Metrics) SetUnresolvedEvents(count int64) {
	m.UnresolvedAuditEvents.Set(float64(count))
}
