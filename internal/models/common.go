package models

import "time"

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

// GovernanceMetricsSnapshot aggregates engine counters for the admin API.
type GovernanceMetricsSnapshot struct {
	AuditEvents              uint64    `json:"audit_events"`
	ConsentGrants            uint64    `json:"consent_grants"`
	ConsentWithdrawals       uint64    `json:"consent_withdrawals"`
	RecordsDeleted           uint64    `json:"records_deleted"`
	RecordsAnonymized        uint64    `json:"records_anonymized"`
	DeletionRequests         uint64    `json:"deletion_requests"`
	Exports                  uint64    `json:"exports"`
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}
