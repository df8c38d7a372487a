package models

import (
	"encoding/json"
	"time"
)

// Event kinds recorded by the audit trail. Workflows may log custom kinds on
// top of these.
const (
	AuditKindViewed   = "viewed"
	AuditKindCreated  = "created"
	AuditKindUpdated  = "updated"
	AuditKindDeleted  = "deleted"
	AuditKindExported = "exported"

	AuditKindDeletionRequested = "deletion_requested"
	AuditKindDeletionCompleted = "deletion_completed"
)

// MaskSentinel replaces the value of masked fields before persistence.
const MaskSentinel = "***MASKED***"

// AuditEvent is one immutable row of the audit trail. Application code never
// updates or deletes these rows.
type AuditEvent struct {
	ID           string          `db:"id" json:"id"`
	ActorID      *string         `db:"actor_id" json:"actor_id,omitempty"`
	EntityType   string          `db:"entity_type" json:"entity_type"`
	EntityID     string          `db:"entity_id" json:"entity_id"`
	EventKind    string          `db:"event_kind" json:"event_kind"`
	BeforeValues json.RawMessage `db:"before_values" json:"before_values,omitempty"`
	AfterValues  json.RawMessage `db:"after_values" json:"after_values,omitempty"`
	Tags         json.RawMessage `db:"tags" json:"tags"`
	OriginIP     string          `db:"origin_ip" json:"origin_ip,omitempty"`
	OriginAgent  string          `db:"origin_agent" json:"origin_agent,omitempty"`
	OccurredAt   time.Time       `db:"occurred_at" json:"occurred_at"`
}

// TagList decodes the stored tag set.
func (e *AuditEvent) TagList() []string {
	var tags []string
	_ = json.Unmarshal(e.Tags, &tags)
	return tags
}

// AuditEventFilter captures filtering criteria for audit event queries.
type AuditEventFilter struct {
	EntityType string
	EntityID   string
	EventKind  string
	ActorID    string
	From       *time.Time
	To         *time.Time
	Page       int
	PageSize   int
}
