package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/melsheikh92/crm-governance/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the governance
// engine and provides lightweight snapshots for the admin API.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	auditEvents     *prometheus.CounterVec
	consentChanges  *prometheus.CounterVec
	recordsPurged   *prometheus.CounterVec
	deletionOutcome *prometheus.CounterVec
	exportsTotal    *prometheus.CounterVec

	requestCount         uint64
	requestDurationTotal uint64
	auditEventCount      uint64
	consentGrantCount    uint64
	consentWithdrawCount uint64
	deletedCount         uint64
	anonymizedCount      uint64
	deletionRequestCount uint64
	exportCount          uint64
}

// NewMetricsService registers the engine's Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	auditEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_audit_events_total",
		Help: "Audit events recorded, by event kind",
	}, []string{"event_kind"})

	consentChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_consent_changes_total",
		Help: "Consent ledger changes, by action",
	}, []string{"action"})

	recordsPurged := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_records_purged_total",
		Help: "Records removed or scrubbed by retention and erasure, by outcome",
	}, []string{"entity_type", "outcome"})

	deletionOutcome := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_deletion_requests_total",
		Help: "Deletion requests, by final status",
	}, []string{"status"})

	exportsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_exports_total",
		Help: "Subject data exports, by format",
	}, []string{"format"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, auditEvents, consentChanges,
		recordsPurged, deletionOutcome, exportsTotal, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		auditEvents:     auditEvents,
		consentChanges:  consentChanges,
		recordsPurged:   recordsPurged,
		deletionOutcome: deletionOutcome,
		exportsTotal:    exportsTotal,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordAuditEvent counts one audit trail write.
func (m *MetricsService) RecordAuditEvent(eventKind string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(eventKind).Inc()
	atomic.AddUint64(&m.auditEventCount, 1)
}

// RecordConsentChange counts a grant or withdrawal.
func (m *MetricsService) RecordConsentChange(granted bool) {
	if m == nil {
		return
	}
	if granted {
		m.consentChanges.WithLabelValues("granted").Inc()
		atomic.AddUint64(&m.consentGrantCount, 1)
	} else {
		m.consentChanges.WithLabelValues("withdrawn").Inc()
		atomic.AddUint64(&m.consentWithdrawCount, 1)
	}
}

// RecordPurge counts records removed or scrubbed for one entity type.
func (m *MetricsService) RecordPurge(entityType string, deleted, anonymized int) {
	if m == nil {
		return
	}
	if deleted > 0 {
		m.recordsPurged.WithLabelValues(entityType, "deleted").Add(float64(deleted))
		atomic.AddUint64(&m.deletedCount, uint64(deleted))
	}
	if anonymized > 0 {
		m.recordsPurged.WithLabelValues(entityType, "anonymized").Add(float64(anonymized))
		atomic.AddUint64(&m.anonymizedCount, uint64(anonymized))
	}
}

// RecordDeletionRequest counts a deletion request reaching a final status.
func (m *MetricsService) RecordDeletionRequest(status models.DeletionRequestStatus) {
	if m == nil {
		return
	}
	m.deletionOutcome.WithLabelValues(string(status)).Inc()
	atomic.AddUint64(&m.deletionRequestCount, 1)
}

// RecordExport counts one rendered subject export.
func (m *MetricsService) RecordExport(format string) {
	if m == nil {
		return
	}
	m.exportsTotal.WithLabelValues(format).Inc()
	atomic.AddUint64(&m.exportCount, 1)
}

// Snapshot returns aggregated counters for the admin API.
func (m *MetricsService) Snapshot() models.GovernanceMetricsSnapshot {
	if m == nil {
		return models.GovernanceMetricsSnapshot{}
	}
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return models.GovernanceMetricsSnapshot{
		AuditEvents:              atomic.LoadUint64(&m.auditEventCount),
		ConsentGrants:            atomic.LoadUint64(&m.consentGrantCount),
		ConsentWithdrawals:       atomic.LoadUint64(&m.consentWithdrawCount),
		RecordsDeleted:           atomic.LoadUint64(&m.deletedCount),
		RecordsAnonymized:        atomic.LoadUint64(&m.anonymizedCount),
		DeletionRequests:         atomic.LoadUint64(&m.deletionRequestCount),
		Exports:                  atomic.LoadUint64(&m.exportCount),
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
