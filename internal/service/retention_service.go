package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/melsheikh92/crm-governance/internal/models"
	"github.com/melsheikh92/crm-governance/pkg/config"
	appErrors "github.com/melsheikh92/crm-governance/pkg/errors"
)

// Purger gives the retention engine access to one entity type's records.
// Implementations may additionally satisfy Anonymizable or SoftDeletable;
// the engine discovers those capabilities by type assertion.
type Purger interface {
	EntityType() string
	CountAll(ctx context.Context) (int, error)
	CountOlderThan(ctx context.Context, anchorColumn string, cutoff time.Time) (int, error)
	ListOlderThan(ctx context.Context, anchorColumn string, cutoff time.Time) ([]string, error)
	Delete(ctx context.Context, tx *sqlx.Tx, id string) error
}

// Anonymizable marks a purger whose records can be scrubbed in place instead
// of removed. The engine prefers anonymization when available.
type Anonymizable interface {
	Anonymize(ctx context.Context, tx *sqlx.Tx, id string) error
}

// SoftDeletable marks a purger whose records support tombstoning. Unforced
// runs tombstone such records; forced runs remove them.
type SoftDeletable interface {
	SoftDelete(ctx context.Context, tx *sqlx.Tx, id string) error
}

type policyStore interface {
	Create(ctx context.Context, policy *models.RetentionPolicy) error
	Update(ctx context.Context, policy *models.RetentionPolicy) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*models.RetentionPolicy, error)
	List(ctx context.Context) ([]models.RetentionPolicy, error)
	ListActive(ctx context.Context) ([]models.RetentionPolicy, error)
	ActiveForEntityType(ctx context.Context, entityType string) ([]models.RetentionPolicy, error)
}

type txRunner interface {
	WithinTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}

// CreateRetentionPolicyRequest holds payload for creating policies.
type CreateRetentionPolicyRequest struct {
	EntityType          string `json:"entity_type" validate:"required"`
	IsActive            bool   `json:"is_active"`
	RetentionPeriodDays int    `json:"retention_period_days" validate:"required,min=1"`
	DeleteAfterDays     int    `json:"delete_after_days" validate:"min=0"`
	TimestampField      string `json:"timestamp_field" validate:"required"`
}

// UpdateRetentionPolicyRequest holds payload for updating policies.
type UpdateRetentionPolicyRequest struct {
	IsActive            bool   `json:"is_active"`
	RetentionPeriodDays int    `json:"retention_period_days" validate:"required,min=1"`
	DeleteAfterDays     int    `json:"delete_after_days" validate:"min=0"`
	TimestampField      string `json:"timestamp_field" validate:"required"`
}

// RetentionService evaluates retention policies and purges expired records.
type RetentionService struct {
	policies  policyStore
	purgers   map[string]Purger
	tx        txRunner
	audit     auditRecorder
	cfg       config.RetentionConfig
	validator *validator.Validate
	logger    *zap.Logger
}

// NewRetentionService constructs the retention engine with the purgers it
// may act through.
func NewRetentionService(policies policyStore, tx txRunner, audit auditRecorder, cfg config.RetentionConfig, purgers []Purger, validate *validator.Validate, logger *zap.Logger) *RetentionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := make(map[string]Purger, len(purgers))
	for _, purger := range purgers {
		registry[purger.EntityType()] = purger
	}
	return &RetentionService{
		policies:  policies,
		purgers:   registry,
		tx:        tx,
		audit:     audit,
		cfg:       cfg,
		validator: validate,
		logger:    logger,
	}
}

// CreatePolicy registers a new retention policy. Only one active policy per
// entity type is allowed; a second one is rejected instead of letting runs
// fail later.
func (s *RetentionService) CreatePolicy(ctx context.Context, req CreateRetentionPolicyRequest) (*models.RetentionPolicy, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid retention policy payload")
	}
	if _, ok := s.purgers[req.EntityType]; !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("entity type %q is not governed by retention", req.EntityType))
	}
	if req.IsActive {
		existing, err := s.policies.ActiveForEntityType(ctx, req.EntityType)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check active policies")
		}
		if len(existing) > 0 {
			return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("an active retention policy for %q already exists", req.EntityType))
		}
	}

	policy := &models.RetentionPolicy{
		EntityType:          req.EntityType,
		IsActive:            req.IsActive,
		RetentionPeriodDays: req.RetentionPeriodDays,
		DeleteAfterDays:     req.DeleteAfterDays,
		TimestampField:      req.TimestampField,
	}
	if err := s.policies.Create(ctx, policy); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create retention policy")
	}
	return policy, nil
}

// UpdatePolicy replaces a policy's settings.
func (s *RetentionService) UpdatePolicy(ctx context.Context, id string, req UpdateRetentionPolicyRequest) (*models.RetentionPolicy, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid retention policy payload")
	}
	policy, err := s.policies.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "retention policy not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load retention policy")
	}
	policy.IsActive = req.IsActive
	policy.RetentionPeriodDays = req.RetentionPeriodDays
	policy.DeleteAfterDays = req.DeleteAfterDays
	policy.TimestampField = req.TimestampField
	if err := s.policies.Update(ctx, policy); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update retention policy")
	}
	return policy, nil
}

// DeletePolicy removes a policy.
func (s *RetentionService) DeletePolicy(ctx context.Context, id string) error {
	if err := s.policies.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete retention policy")
	}
	return nil
}

// Policies returns every policy.
func (s *RetentionService) Policies(ctx context.Context) ([]models.RetentionPolicy, error) {
	policies, err := s.policies.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list retention policies")
	}
	return policies, nil
}

// ApplyPolicies evaluates active policies, optionally narrowed to one entity
// type. With dryRun set nothing is purged; counts report what a real run
// would do. Policy failures are isolated: one failing policy does not stop
// the others.
func (s *RetentionService) ApplyPolicies(ctx context.Context, dryRun bool, entityType string) (*models.RetentionSummary, error) {
	if !s.cfg.Enabled {
		return nil, appErrors.Clone(appErrors.ErrFeatureDisabled, "retention engine is disabled")
	}

	var policies []models.RetentionPolicy
	if entityType != "" {
		policy, err := s.activePolicyFor(ctx, entityType)
		if err != nil {
			return nil, err
		}
		policies = []models.RetentionPolicy{*policy}
	} else {
		var err error
		policies, err = s.policies.ListActive(ctx)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list active retention policies")
		}
	}

	summary := &models.RetentionSummary{DryRun: dryRun, RanAt: time.Now().UTC()}
	for i := range policies {
		result := s.applyPolicy(ctx, &policies[i], dryRun, false)
		if result.Status == models.RetentionStatusFailed {
			s.logger.Error("retention policy failed",
				zap.String("policy_id", result.PolicyID),
				zap.String("entity_type", result.EntityType),
				zap.String("error", result.Error))
		}
		summary.Policies = append(summary.Policies, result)
	}
	return summary, nil
}

// DeleteExpiredData purges one entity type's deletable records. Unless
// forced, the run is skipped when automatic deletion is turned off.
func (s *RetentionService) DeleteExpiredData(ctx context.Context, entityType string, force bool) (*models.RetentionPolicyResult, error) {
	if !s.cfg.Enabled {
		return nil, appErrors.Clone(appErrors.ErrFeatureDisabled, "retention engine is disabled")
	}
	policy, err := s.activePolicyFor(ctx, entityType)
	if err != nil {
		return nil, err
	}
	result := s.applyPolicy(ctx, policy, false, force)
	return &result, nil
}

// ExpiredRecords returns identifiers of records past their retention period
// for one entity type.
func (s *RetentionService) ExpiredRecords(ctx context.Context, entityType string) ([]string, error) {
	if !s.cfg.Enabled {
		return nil, appErrors.Clone(appErrors.ErrFeatureDisabled, "retention engine is disabled")
	}
	policy, err := s.activePolicyFor(ctx, entityType)
	if err != nil {
		return nil, err
	}
	purger, ok := s.purgers[entityType]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("entity type %q is not governed by retention", entityType))
	}
	ids, err := purger.ListOlderThan(ctx, policy.TimestampField, policy.ExpiryCutoff(time.Now().UTC()))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list expired records")
	}
	return ids, nil
}

// Statistics reports retention posture per active policy.
func (s *RetentionService) Statistics(ctx context.Context) ([]models.RetentionStat, error) {
	policies, err := s.policies.ListActive(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list active retention policies")
	}
	now := time.Now().UTC()
	stats := make([]models.RetentionStat, 0, len(policies))
	for i := range policies {
		policy := &policies[i]
		purger, ok := s.purgers[policy.EntityType]
		if !ok {
			continue
		}
		total, err := purger.CountAll(ctx)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count records")
		}
		expired, err := purger.CountOlderThan(ctx, policy.TimestampField, policy.ExpiryCutoff(now))
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count expired records")
		}
		deletable, err := purger.CountOlderThan(ctx, policy.TimestampField, policy.DeletionCutoff(now))
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count deletable records")
		}
		stats = append(stats, models.RetentionStat{
			PolicyID:            policy.ID,
			EntityType:          policy.EntityType,
			RetentionPeriodDays: policy.RetentionPeriodDays,
			DeleteAfterDays:     policy.DeleteAfterDays,
			TotalRecords:        total,
			ExpiredRecords:      expired,
			DeletableRecords:    deletable,
		})
	}
	return stats, nil
}

// activePolicyFor loads the single active policy for one entity type. More
// than one active policy is a configuration error the caller must resolve,
// not a tie the engine breaks silently.
func (s *RetentionService) activePolicyFor(ctx context.Context, entityType string) (*models.RetentionPolicy, error) {
	policies, err := s.policies.ActiveForEntityType(ctx, entityType)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load retention policy")
	}
	switch len(policies) {
	case 0:
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("no active retention policy for %q", entityType))
	case 1:
		return &policies[0], nil
	default:
		return nil, appErrors.Clone(appErrors.ErrAmbiguousPolicy, fmt.Sprintf("%d active retention policies for %q", len(policies), entityType))
	}
}

// applyPolicy evaluates one policy and, unless dry-running or skipped,
// purges its deletable records in a single transaction.
func (s *RetentionService) applyPolicy(ctx context.Context, policy *models.RetentionPolicy, dryRun, force bool) models.RetentionPolicyResult {
	result := models.RetentionPolicyResult{PolicyID: policy.ID, EntityType: policy.EntityType}

	purger, ok := s.purgers[policy.EntityType]
	if !ok {
		result.Status = models.RetentionStatusFailed
		result.Error = fmt.Sprintf("entity type %q is not governed by retention", policy.EntityType)
		return result
	}

	now := time.Now().UTC()
	expired, err := purger.CountOlderThan(ctx, policy.TimestampField, policy.ExpiryCutoff(now))
	if err != nil {
		result.Status = models.RetentionStatusFailed
		result.Error = err.Error()
		return result
	}
	result.ExpiredCount = expired

	deletable, err := purger.ListOlderThan(ctx, policy.TimestampField, policy.DeletionCutoff(now))
	if err != nil {
		result.Status = models.RetentionStatusFailed
		result.Error = err.Error()
		return result
	}
	result.DeletableCount = len(deletable)

	if dryRun {
		result.Status = models.RetentionStatusDryRun
		return result
	}
	if !s.cfg.AutoDeleteEnabled && !force {
		result.Status = models.RetentionStatusSkipped
		return result
	}
	if len(deletable) == 0 {
		result.Status = models.RetentionStatusApplied
		return result
	}

	anonymizer, _ := purger.(Anonymizable)
	tombstoner, _ := purger.(SoftDeletable)

	err = s.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range deletable {
			ref := models.RefByID(policy.EntityType, id)
			switch {
			case anonymizer != nil:
				if err := anonymizer.Anonymize(ctx, tx, id); err != nil {
					return err
				}
				result.AnonymizedCount++
				if _, err := s.audit.LogCustom(ctx, ref, models.AuditKindUpdated, nil,
					map[string]interface{}{"anonymized": true, "policy_id": policy.ID},
					WithExecutor(tx), WithSystemActor(), WithTags("retention")); err != nil {
					return err
				}
			case tombstoner != nil && !force:
				if err := tombstoner.SoftDelete(ctx, tx, id); err != nil {
					return err
				}
				result.DeletedCount++
				if _, err := s.audit.LogDeletion(ctx, ref,
					map[string]interface{}{"policy_id": policy.ID, "soft": true},
					WithExecutor(tx), WithSystemActor(), WithTags("retention")); err != nil {
					return err
				}
			default:
				if err := purger.Delete(ctx, tx, id); err != nil {
					return err
				}
				result.DeletedCount++
				if _, err := s.audit.LogDeletion(ctx, ref,
					map[string]interface{}{"policy_id": policy.ID},
					WithExecutor(tx), WithSystemActor(), WithTags("retention")); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		// The transaction rolled back; nothing from this policy was purged.
		result.Status = models.RetentionStatusFailed
		result.Error = err.Error()
		result.DeletedCount = 0
		result.AnonymizedCount = 0
		return result
	}

	result.Status = models.RetentionStatusApplied
	s.logger.Info("retention policy applied",
		zap.String("policy_id", policy.ID),
		zap.String("entity_type", policy.EntityType),
		zap.Int("deleted", result.DeletedCount),
		zap.Int("anonymized", result.AnonymizedCount))
	return result
}
