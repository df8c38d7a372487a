package models

import "time"

const hoursPerDay = 24

// RetentionPolicy declares how long records of one entity type may live.
// A record is expired once it is older than RetentionPeriodDays, and becomes
// deletable after the additional DeleteAfterDays grace period.
type RetentionPolicy struct {
	ID                  string    `db:"id" json:"id"`
	EntityType          string    `db:"entity_type" json:"entity_type"`
	IsActive            bool      `db:"is_active" json:"is_active"`
	RetentionPeriodDays int       `db:"retention_period_days" json:"retention_period_days"`
	DeleteAfterDays     int       `db:"delete_after_days" json:"delete_after_days"`
	TimestampField      string    `db:"timestamp_field" json:"timestamp_field"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// ExpiryCutoff returns the instant before which anchor timestamps count as
// expired.
func (p *RetentionPolicy) ExpiryCutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(p.RetentionPeriodDays) * hoursPerDay * time.Hour)
}

// DeletionCutoff returns the instant before which anchor timestamps count as
// deletable.
func (p *RetentionPolicy) DeletionCutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(p.RetentionPeriodDays+p.DeleteAfterDays) * hoursPerDay * time.Hour)
}

// IsExpired reports whether a record anchored at the given timestamp has
// outlived the retention period.
func (p *RetentionPolicy) IsExpired(anchor, now time.Time) bool {
	return !anchor.After(p.ExpiryCutoff(now))
}

// IsDeletable reports whether a record has additionally survived the grace
// period. Deletable always implies expired.
func (p *RetentionPolicy) IsDeletable(anchor, now time.Time) bool {
	return !anchor.After(p.DeletionCutoff(now))
}

// DaysUntilExpiration returns whole days until the record expires; zero or
// negative means it already has.
func (p *RetentionPolicy) DaysUntilExpiration(anchor, now time.Time) int {
	expiresAt := anchor.Add(time.Duration(p.RetentionPeriodDays) * hoursPerDay * time.Hour)
	return int(expiresAt.Sub(now).Hours() / hoursPerDay)
}

// DaysUntilDeletion returns whole days until the record becomes deletable.
func (p *RetentionPolicy) DaysUntilDeletion(anchor, now time.Time) int {
	deletableAt := anchor.Add(time.Duration(p.RetentionPeriodDays+p.DeleteAfterDays) * hoursPerDay * time.Hour)
	return int(deletableAt.Sub(now).Hours() / hoursPerDay)
}

// Per-policy outcome statuses reported in a retention summary.
const (
	RetentionStatusApplied = "applied"
	RetentionStatusDryRun  = "dry_run"
	RetentionStatusSkipped = "skipped"
	RetentionStatusFailed  = "failed"
)

// RetentionPolicyResult reports what one policy evaluation did.
type RetentionPolicyResult struct {
	PolicyID        string `json:"policy_id"`
	EntityType      string `json:"entity_type"`
	Status          string `json:"status"`
	ExpiredCount    int    `json:"expired_count"`
	DeletableCount  int    `json:"deletable_count"`
	DeletedCount    int    `json:"deleted_count"`
	AnonymizedCount int    `json:"anonymized_count"`
	Error           string `json:"error,omitempty"`
}

// RetentionSummary aggregates the outcome of a retention run.
type RetentionSummary struct {
	DryRun   bool                    `json:"dry_run"`
	RanAt    time.Time               `json:"ran_at"`
	Policies []RetentionPolicyResult `json:"policies"`
}

// RetentionStat describes retention posture for one entity type.
type RetentionStat struct {
	PolicyID            string `json:"policy_id"`
	EntityType          string `json:"entity_type"`
	RetentionPeriodDays int    `json:"retention_period_days"`
	DeleteAfterDays     int    `json:"delete_after_days"`
	TotalRecords        int    `json:"total_records"`
	ExpiredRecords      int    `json:"expired_records"`
	DeletableRecords    int    `json:"deletable_records"`
}
