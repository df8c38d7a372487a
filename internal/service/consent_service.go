package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/melsheikh92/crm-governance/internal/identity"
	"github.com/melsheikh92/crm-governance/internal/models"
	"github.com/melsheikh92/crm-governance/pkg/config"
	appErrors "github.com/melsheikh92/crm-governance/pkg/errors"
)

type consentStore interface {
	Insert(ctx context.Context, record *models.ConsentRecord) error
	LatestActive(ctx context.Context, subjectID, consentType string) (*models.ConsentRecord, error)
	MarkWithdrawn(ctx context.Context, id string, withdrawnAt time.Time, metadata json.RawMessage) error
	History(ctx context.Context, filter models.ConsentFilter) ([]models.ConsentRecord, error)
	ActiveTypes(ctx context.Context, subjectID string) ([]string, error)
	WithdrawAllActive(ctx context.Context, subjectID string, withdrawnAt time.Time, metadata json.RawMessage) (int, error)
}

// auditRecorder is the slice of the audit trail other governance services
// write through.
type auditRecorder interface {
	LogChange(ctx context.Context, ref models.EntityRef, before, after map[string]interface{}, opts ...AuditOption) (*models.AuditEvent, error)
	LogDeletion(ctx context.Context, ref models.EntityRef, before map[string]interface{}, opts ...AuditOption) (*models.AuditEvent, error)
	LogExport(ctx context.Context, ref models.EntityRef, opts ...AuditOption) (*models.AuditEvent, error)
	LogCustom(ctx context.Context, ref models.EntityRef, kind string, before, after map[string]interface{}, opts ...AuditOption) (*models.AuditEvent, error)
}

// GrantConsentRequest holds payload for granting consent.
type GrantConsentRequest struct {
	SubjectID   string                 `json:"subject_id" validate:"required"`
	ConsentType string                 `json:"consent_type" validate:"required"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// WithdrawConsentRequest holds payload for withdrawing consent.
type WithdrawConsentRequest struct {
	SubjectID   string `json:"subject_id" validate:"required"`
	ConsentType string `json:"consent_type" validate:"required"`
	Reason      string `json:"reason"`
}

// ConsentService maintains the append-only consent ledger.
type ConsentService struct {
	store     consentStore
	audit     auditRecorder
	cfg       config.ConsentConfig
	validator *validator.Validate
	logger    *zap.Logger
}

// NewConsentService constructs the consent service.
func NewConsentService(store consentStore, audit auditRecorder, cfg config.ConsentConfig, validate *validator.Validate, logger *zap.Logger) *ConsentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsentService{store: store, audit: audit, cfg: cfg, validator: validate, logger: logger}
}

// Record grants consent. An existing active record for the same (subject,
// type) pair is withdrawn first, so at most one active record exists per
// pair and the ledger keeps the full grant history.
func (s *ConsentService) Record(ctx context.Context, req GrantConsentRequest) (*models.ConsentRecord, error) {
	if !s.cfg.Enabled {
		return nil, appErrors.Clone(appErrors.ErrFeatureDisabled, "consent ledger is disabled")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid consent payload")
	}

	record := &models.ConsentRecord{
		ID:          uuid.NewString(),
		SubjectID:   req.SubjectID,
		ConsentType: req.ConsentType,
		GrantedAt:   time.Now().UTC(),
	}
	if def, ok := s.cfg.ConsentType(req.ConsentType); ok {
		record.Purpose = def.Purpose
	}
	origin := identity.OriginFrom(ctx)
	record.OriginIP = origin.IP
	record.OriginAgent = origin.Agent
	if len(req.Metadata) > 0 {
		metadata, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid consent metadata")
		}
		record.Metadata = metadata
	}

	existing, err := s.store.LatestActive(ctx, req.SubjectID, req.ConsentType)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing consent")
	}
	if existing != nil {
		metadata := withdrawalMetadata(ctx, existing.Metadata, map[string]interface{}{
			"withdrawal_reason": "superseded",
			"superseded_by":     record.ID,
		})
		if err := s.store.MarkWithdrawn(ctx, existing.ID, record.GrantedAt, metadata); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to supersede existing consent")
		}
	}

	if err := s.store.Insert(ctx, record); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record consent")
	}

	s.auditSafely(ctx, func() (*models.AuditEvent, error) {
		return s.audit.LogChange(ctx, models.Ref(record), nil, map[string]interface{}{
			"subject_id":   record.SubjectID,
			"consent_type": record.ConsentType,
			"purpose":      record.Purpose,
		})
	})
	return record, nil
}

// RecordMultiple grants several consents at once, typically during signup.
func (s *ConsentService) RecordMultiple(ctx context.Context, subjectID string, consentTypes []string, metadata map[string]interface{}) ([]*models.ConsentRecord, error) {
	records := make([]*models.ConsentRecord, 0, len(consentTypes))
	for _, consentType := range consentTypes {
		record, err := s.Record(ctx, GrantConsentRequest{
			SubjectID:   subjectID,
			ConsentType: consentType,
			Metadata:    metadata,
		})
		if err != nil {
			return records, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Withdraw marks the active consent withdrawn. It reports false when the
// subject had no active consent of that type; that is not an error.
func (s *ConsentService) Withdraw(ctx context.Context, req WithdrawConsentRequest) (bool, error) {
	if !s.cfg.Enabled {
		return false, appErrors.Clone(appErrors.ErrFeatureDisabled, "consent ledger is disabled")
	}
	if err := s.validator.Struct(req); err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid withdrawal payload")
	}

	existing, err := s.store.LatestActive(ctx, req.SubjectID, req.ConsentType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load active consent")
	}

	withdrawnAt := time.Now().UTC()
	reason := req.Reason
	if reason == "" {
		reason = "user request"
	}
	metadata := withdrawalMetadata(ctx, existing.Metadata, map[string]interface{}{"withdrawal_reason": reason})
	if err := s.store.MarkWithdrawn(ctx, existing.ID, withdrawnAt, metadata); err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to withdraw consent")
	}

	s.auditSafely(ctx, func() (*models.AuditEvent, error) {
		return s.audit.LogChange(ctx, models.Ref(existing),
			map[string]interface{}{"consent_type": existing.ConsentType, "active": true},
			map[string]interface{}{"consent_type": existing.ConsentType, "active": false, "withdrawal_reason": reason})
	})
	return true, nil
}

// Check reports whether the subject holds active consent of the given type.
// With the ledger disabled every check passes, so feature code never blocks
// on governance configuration.
func (s *ConsentService) Check(ctx context.Context, subjectID, consentType string) (bool, error) {
	if !s.cfg.Enabled {
		return true, nil
	}
	_, err := s.store.LatestActive(ctx, subjectID, consentType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check consent")
	}
	return true, nil
}

// History returns the subject's ledger entries, newest grant first.
func (s *ConsentService) History(ctx context.Context, filter models.ConsentFilter) ([]models.ConsentRecord, error) {
	records, err := s.store.History(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load consent history")
	}
	return records, nil
}

// MissingRequired returns the required catalog types the subject has not
// actively consented to, in catalog order.
func (s *ConsentService) MissingRequired(ctx context.Context, subjectID string) ([]string, error) {
	required := s.cfg.RequiredConsentTypes()
	if len(required) == 0 {
		return nil, nil
	}
	active, err := s.store.ActiveTypes(ctx, subjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load active consent types")
	}
	activeSet := make(map[string]bool, len(active))
	for _, consentType := range active {
		activeSet[consentType] = true
	}
	var missing []string
	for _, consentType := range required {
		if !activeSet[consentType] {
			missing = append(missing, consentType)
		}
	}
	return missing, nil
}

// HasRequired reports whether the subject holds every required consent.
func (s *ConsentService) HasRequired(ctx context.Context, subjectID string) (bool, error) {
	if !s.cfg.Enabled {
		return true, nil
	}
	missing, err := s.MissingRequired(ctx, subjectID)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// WithdrawAll withdraws every active consent of a subject and returns how
// many records were affected.
func (s *ConsentService) WithdrawAll(ctx context.Context, subjectID, reason string) (int, error) {
	if !s.cfg.Enabled {
		return 0, appErrors.Clone(appErrors.ErrFeatureDisabled, "consent ledger is disabled")
	}
	if reason == "" {
		reason = "user request"
	}
	metadata := withdrawalMetadata(ctx, nil, map[string]interface{}{"withdrawal_reason": reason})
	affected, err := s.store.WithdrawAllActive(ctx, subjectID, time.Now().UTC(), metadata)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to withdraw consents")
	}
	if affected > 0 {
		s.auditSafely(ctx, func() (*models.AuditEvent, error) {
			return s.audit.LogCustom(ctx, models.RefByID("User", subjectID), models.AuditKindUpdated, nil,
				map[string]interface{}{"withdrawn_consents": affected, "withdrawal_reason": reason})
		})
	}
	return affected, nil
}

// withdrawalMetadata merges a record's grant-time metadata with the
// withdrawal keys and the withdrawing actor's network origin. Grant-time
// keys survive; withdrawal keys win on conflict.
func withdrawalMetadata(ctx context.Context, existing json.RawMessage, keys map[string]interface{}) json.RawMessage {
	merged := make(map[string]interface{})
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &merged)
	}
	origin := identity.OriginFrom(ctx)
	if origin.IP != "" {
		merged["origin_ip"] = origin.IP
	}
	if origin.Agent != "" {
		merged["origin_agent"] = origin.Agent
	}
	for key, value := range keys {
		merged[key] = value
	}
	metadata, _ := json.Marshal(merged)
	return metadata
}

// auditSafely records an audit event without failing the ledger operation
// that already succeeded.
func (s *ConsentService) auditSafely(ctx context.Context, log func() (*models.AuditEvent, error)) {
	if s.audit == nil {
		return
	}
	if _, err := log(); err != nil {
		s.logger.Warn("audit write failed", zap.Error(err))
	}
}
