package models

import (
	"encoding/json"
	"time"
)

// DeletionRequestStatus tracks the erasure request state machine:
// pending -> processing -> completed | failed.
type DeletionRequestStatus string

const (
	DeletionStatusPending    DeletionRequestStatus = "pending"
	DeletionStatusProcessing DeletionRequestStatus = "processing"
	DeletionStatusCompleted  DeletionRequestStatus = "completed"
	DeletionStatusFailed     DeletionRequestStatus = "failed"
)

// DeletionRequest is a subject-initiated erasure request. At most one
// pending or processing request may exist per subject.
type DeletionRequest struct {
	ID            string                `db:"id" json:"id"`
	SubjectID     string                `db:"subject_id" json:"subject_id"`
	Email         string                `db:"email" json:"email,omitempty"`
	Status        DeletionRequestStatus `db:"status" json:"status"`
	Notes         string                `db:"notes" json:"notes,omitempty"`
	FailureReason *string               `db:"failure_reason" json:"failure_reason,omitempty"`
	Summary       json.RawMessage       `db:"summary" json:"summary,omitempty"`
	ProcessedBy   *string               `db:"processed_by" json:"processed_by,omitempty"`
	CreatedAt     time.Time             `db:"created_at" json:"created_at"`
	ProcessedAt   *time.Time            `db:"processed_at" json:"processed_at,omitempty"`
}

// EntityType implements Entity.
func (d *DeletionRequest) EntityType() string { return "DeletionRequest" }

// EntityID implements Entity.
func (d *DeletionRequest) EntityID() string { return d.ID }

// ErasureOutcome counts what happened to one entity type during erasure.
type ErasureOutcome struct {
	Anonymized int `json:"anonymized"`
	Deleted    int `json:"deleted"`
}

// ErasureSummary reports per-entity-type outcomes for a processed request.
type ErasureSummary struct {
	Anonymize bool                      `json:"anonymize"`
	Entities  map[string]ErasureOutcome `json:"entities"`
}

// TotalAnonymized sums anonymized counts across entity types.
func (s ErasureSummary) TotalAnonymized() int {
	total := 0
	for _, outcome := range s.Entities {
		total += outcome.Anonymized
	}
	return total
}

// TotalDeleted sums deleted counts across entity types.
func (s ErasureSummary) TotalDeleted() int {
	total := 0
	for _, outcome := range s.Entities {
		total += outcome.Deleted
	}
	return total
}

// SubjectExport is the denormalized data-portability snapshot for a subject.
type SubjectExport struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Profile     map[string]string    `json:"profile"`
	Consents    []ConsentExportEntry `json:"consents"`
	Tickets     []Ticket             `json:"tickets"`
	AuditEvents []AuditEvent         `json:"audit_events,omitempty"`
	RecordCount int                  `json:"record_count"`
}

// ConsentExportEntry is a consent record with its computed active state.
type ConsentExportEntry struct {
	ConsentRecord
	IsActive bool `json:"is_active"`
}
