package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/melsheikh92/crm-governance/internal/models"
)

// RetentionPolicyRepository persists administrator-managed retention
// policies.
type RetentionPolicyRepository struct {
	db *sqlx.DB
}

// NewRetentionPolicyRepository constructs the repository.
func NewRetentionPolicyRepository(db *sqlx.DB) *RetentionPolicyRepository {
	return &RetentionPolicyRepository{db: db}
}

const policyColumns = `id, entity_type, is_active, retention_period_days, delete_after_days, timestamp_field, created_at, updated_at`

// Create inserts a new policy.
func (r *RetentionPolicyRepository) Create(ctx context.Context, policy *models.RetentionPolicy) error {
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	policy.CreatedAt = now
	policy.UpdatedAt = now
	const query = `INSERT INTO retention_policies (` + policyColumns + `)
VALUES (:id, :entity_type, :is_active, :retention_period_days, :delete_after_days, :timestamp_field, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, policy); err != nil {
		return fmt.Errorf("insert retention policy: %w", err)
	}
	return nil
}

// Update replaces an existing policy's settings.
func (r *RetentionPolicyRepository) Update(ctx context.Context, policy *models.RetentionPolicy) error {
	policy.UpdatedAt = time.Now().UTC()
	const query = `UPDATE retention_policies SET entity_type = :entity_type, is_active = :is_active,
retention_period_days = :retention_period_days, delete_after_days = :delete_after_days,
timestamp_field = :timestamp_field, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, policy); err != nil {
		return fmt.Errorf("update retention policy: %w", err)
	}
	return nil
}

// Delete removes a policy.
func (r *RetentionPolicyRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM retention_policies WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete retention policy: %w", err)
	}
	return nil
}

// GetByID fetches one policy.
func (r *RetentionPolicyRepository) GetByID(ctx context.Context, id string) (*models.RetentionPolicy, error) {
	const query = `SELECT ` + policyColumns + ` FROM retention_policies WHERE id = $1`
	var policy models.RetentionPolicy
	if err := r.db.GetContext(ctx, &policy, query, id); err != nil {
		return nil, err
	}
	return &policy, nil
}

// List returns every policy.
func (r *RetentionPolicyRepository) List(ctx context.Context) ([]models.RetentionPolicy, error) {
	const query = `SELECT ` + policyColumns + ` FROM retention_policies ORDER BY entity_type ASC`
	var policies []models.RetentionPolicy
	if err := r.db.SelectContext(ctx, &policies, query); err != nil {
		return nil, fmt.Errorf("list retention policies: %w", err)
	}
	return policies, nil
}

// ListActive returns every active policy.
func (r *RetentionPolicyRepository) ListActive(ctx context.Context) ([]models.RetentionPolicy, error) {
	const query = `SELECT ` + policyColumns + ` FROM retention_policies WHERE is_active = true ORDER BY entity_type ASC`
	var policies []models.RetentionPolicy
	if err := r.db.SelectContext(ctx, &policies, query); err != nil {
		return nil, fmt.Errorf("list active retention policies: %w", err)
	}
	return policies, nil
}

// ActiveForEntityType returns all active policies for one entity type. The
// engine treats more than one as a configuration error.
func (r *RetentionPolicyRepository) ActiveForEntityType(ctx context.Context, entityType string) ([]models.RetentionPolicy, error) {
	const query = `SELECT ` + policyColumns + ` FROM retention_policies
WHERE is_active = true AND entity_type = $1 ORDER BY created_at ASC`
	var policies []models.RetentionPolicy
	if err := r.db.SelectContext(ctx, &policies, query, entityType); err != nil {
		return nil, fmt.Errorf("active retention policies for %s: %w", entityType, err)
	}
	return policies, nil
}
