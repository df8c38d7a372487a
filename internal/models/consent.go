package models

import (
	"encoding/json"
	"time"
)

// ConsentRecord is one ledger entry. Withdrawal marks the record instead of
// deleting it, so the ledger keeps full history.
type ConsentRecord struct {
	ID          string          `db:"id" json:"id"`
	SubjectID   string          `db:"subject_id" json:"subject_id"`
	ConsentType string          `db:"consent_type" json:"consent_type"`
	Purpose     string          `db:"purpose" json:"purpose,omitempty"`
	GrantedAt   time.Time       `db:"granted_at" json:"granted_at"`
	WithdrawnAt *time.Time      `db:"withdrawn_at" json:"withdrawn_at,omitempty"`
	OriginIP    string          `db:"origin_ip" json:"origin_ip,omitempty"`
	OriginAgent string          `db:"origin_agent" json:"origin_agent,omitempty"`
	Metadata    json.RawMessage `db:"metadata" json:"metadata,omitempty"`
}

// EntityType implements Entity.
func (c *ConsentRecord) EntityType() string { return "ConsentRecord" }

// EntityID implements Entity.
func (c *ConsentRecord) EntityID() string { return c.ID }

// Active reports whether the consent has not been withdrawn.
func (c *ConsentRecord) Active() bool { return c.WithdrawnAt == nil }

// ConsentFilter captures filtering criteria for consent history queries.
type ConsentFilter struct {
	SubjectID   string
	ConsentType string
	ActiveOnly  bool
}
