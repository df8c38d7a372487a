package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melsheikh92/crm-governance/internal/identity"
	"github.com/melsheikh92/crm-governance/internal/models"
	"github.com/melsheikh92/crm-governance/pkg/config"
	appErrors "github.com/melsheikh92/crm-governance/pkg/errors"
)

type consentStoreStub struct {
	records []models.ConsentRecord
	err     error
}

func (s *consentStoreStub) Insert(_ context.Context, record *models.ConsentRecord) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, *record)
	return nil
}

func (s *consentStoreStub) LatestActive(_ context.Context, subjectID, consentType string) (*models.ConsentRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	var latest *models.ConsentRecord
	for i := range s.records {
		record := &s.records[i]
		if record.SubjectID != subjectID || record.ConsentType != consentType || !record.Active() {
			continue
		}
		if latest == nil || record.GrantedAt.After(latest.GrantedAt) {
			latest = record
		}
	}
	if latest == nil {
		return nil, sql.ErrNoRows
	}
	clone := *latest
	return &clone, nil
}

func (s *consentStoreStub) MarkWithdrawn(_ context.Context, id string, withdrawnAt time.Time, metadata json.RawMessage) error {
	if s.err != nil {
		return s.err
	}
	for i := range s.records {
		if s.records[i].ID == id {
			at := withdrawnAt
			s.records[i].WithdrawnAt = &at
			s.records[i].Metadata = metadata
		}
	}
	return nil
}

func (s *consentStoreStub) History(_ context.Context, filter models.ConsentFilter) ([]models.ConsentRecord, error) {
	var result []models.ConsentRecord
	for _, record := range s.records {
		if record.SubjectID != filter.SubjectID {
			continue
		}
		if filter.ConsentType != "" && record.ConsentType != filter.ConsentType {
			continue
		}
		if filter.ActiveOnly && !record.Active() {
			continue
		}
		result = append(result, record)
	}
	return result, nil
}

func (s *consentStoreStub) ActiveTypes(_ context.Context, subjectID string) ([]string, error) {
	seen := map[string]bool{}
	var types []string
	for _, record := range s.records {
		if record.SubjectID == subjectID && record.Active() && !seen[record.ConsentType] {
			seen[record.ConsentType] = true
			types = append(types, record.ConsentType)
		}
	}
	return types, nil
}

func (s *consentStoreStub) WithdrawAllActive(_ context.Context, subjectID string, withdrawnAt time.Time, metadata json.RawMessage) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	affected := 0
	for i := range s.records {
		if s.records[i].SubjectID == subjectID && s.records[i].Active() {
			at := withdrawnAt
			s.records[i].WithdrawnAt = &at
			s.records[i].Metadata = metadata
			affected++
		}
	}
	return affected, nil
}

type auditRecorderStub struct {
	events []*models.AuditEvent
	trail  []models.AuditEvent
	err    error
}

func (a *auditRecorderStub) record(ref models.EntityRef, kind string) (*models.AuditEvent, error) {
	if a.err != nil {
		return nil, a.err
	}
	entityType, entityID := ref.Resolve()
	event := &models.AuditEvent{EntityType: entityType, EntityID: entityID, EventKind: kind}
	a.events = append(a.events, event)
	return event, nil
}

func (a *auditRecorderStub) LogChange(_ context.Context, ref models.EntityRef, before, _ map[string]interface{}, _ ...AuditOption) (*models.AuditEvent, error) {
	kind := models.AuditKindUpdated
	if before == nil {
		kind = models.AuditKindCreated
	}
	return a.record(ref, kind)
}

func (a *auditRecorderStub) LogDeletion(_ context.Context, ref models.EntityRef, _ map[string]interface{}, _ ...AuditOption) (*models.AuditEvent, error) {
	return a.record(ref, models.AuditKindDeleted)
}

func (a *auditRecorderStub) LogExport(_ context.Context, ref models.EntityRef, _ ...AuditOption) (*models.AuditEvent, error) {
	return a.record(ref, models.AuditKindExported)
}

func (a *auditRecorderStub) LogCustom(_ context.Context, ref models.EntityRef, kind string, _, _ map[string]interface{}, _ ...AuditOption) (*models.AuditEvent, error) {
	return a.record(ref, kind)
}

func (a *auditRecorderStub) EntityTrail(_ context.Context, _, _ string) ([]models.AuditEvent, error) {
	return a.trail, nil
}

type txRunnerStub struct {
	err   error
	calls int
}

func (t *txRunnerStub) WithinTx(_ context.Context, fn func(tx *sqlx.Tx) error) error {
	if t.err != nil {
		return t.err
	}
	t.calls++
	return fn(nil)
}

func consentTestConfig() config.ConsentConfig {
	return config.ConsentConfig{
		Enabled: true,
		Types: []config.ConsentTypeDef{
			{Key: "terms_and_conditions", Required: true},
			{Key: "privacy_policy", Required: true},
			{Key: "marketing", Purpose: "Promotional communication"},
		},
	}
}

func TestConsentServiceGrantCheckWithdrawRoundTrip(t *testing.T) {
	store := &consentStoreStub{}
	service := NewConsentService(store, &auditRecorderStub{}, consentTestConfig(), nil, nil)
	ctx := context.Background()

	granted, err := service.Check(ctx, "u-1", "marketing")
	require.NoError(t, err)
	assert.False(t, granted)

	record, err := service.Record(ctx, GrantConsentRequest{SubjectID: "u-1", ConsentType: "marketing"})
	require.NoError(t, err)
	assert.Equal(t, "Promotional communication", record.Purpose)

	granted, err = service.Check(ctx, "u-1", "marketing")
	require.NoError(t, err)
	assert.True(t, granted)

	withdrawn, err := service.Withdraw(ctx, WithdrawConsentRequest{SubjectID: "u-1", ConsentType: "marketing"})
	require.NoError(t, err)
	assert.True(t, withdrawn)

	granted, err = service.Check(ctx, "u-1", "marketing")
	require.NoError(t, err)
	assert.False(t, granted)

	// The ledger keeps the withdrawn record.
	history, err := service.History(ctx, models.ConsentFilter{SubjectID: "u-1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.NotNil(t, history[0].WithdrawnAt)
}

func TestConsentServiceRecordSupersedesActiveGrant(t *testing.T) {
	store := &consentStoreStub{}
	service := NewConsentService(store, &auditRecorderStub{}, consentTestConfig(), nil, nil)
	ctx := context.Background()

	first, err := service.Record(ctx, GrantConsentRequest{SubjectID: "u-1", ConsentType: "marketing"})
	require.NoError(t, err)
	second, err := service.Record(ctx, GrantConsentRequest{SubjectID: "u-1", ConsentType: "marketing"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// Exactly one active record per (subject, type); history keeps both.
	history, err := service.History(ctx, models.ConsentFilter{SubjectID: "u-1", ConsentType: "marketing"})
	require.NoError(t, err)
	require.Len(t, history, 2)

	active, err := service.History(ctx, models.ConsentFilter{SubjectID: "u-1", ConsentType: "marketing", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)
}

func TestConsentServiceWithdrawAppendsOriginToGrantMetadata(t *testing.T) {
	store := &consentStoreStub{}
	service := NewConsentService(store, &auditRecorderStub{}, consentTestConfig(), nil, nil)
	ctx := identity.WithOrigin(context.Background(), identity.Origin{IP: "203.0.113.9", Agent: "mobile-app/3.2"})

	_, err := service.Record(ctx, GrantConsentRequest{
		SubjectID:   "u-1",
		ConsentType: "marketing",
		Metadata:    map[string]interface{}{"campaign": "spring_launch"},
	})
	require.NoError(t, err)

	withdrawn, err := service.Withdraw(ctx, WithdrawConsentRequest{SubjectID: "u-1", ConsentType: "marketing", Reason: "too many emails"})
	require.NoError(t, err)
	require.True(t, withdrawn)

	var metadata map[string]interface{}
	require.NoError(t, json.Unmarshal(store.records[0].Metadata, &metadata))
	// Grant-time keys survive withdrawal; the withdrawing origin is appended.
	assert.Equal(t, "spring_launch", metadata["campaign"])
	assert.Equal(t, "too many emails", metadata["withdrawal_reason"])
	assert.Equal(t, "203.0.113.9", metadata["origin_ip"])
	assert.Equal(t, "mobile-app/3.2", metadata["origin_agent"])
}

func TestConsentServiceSupersedeKeepsGrantMetadata(t *testing.T) {
	store := &consentStoreStub{}
	service := NewConsentService(store, &auditRecorderStub{}, consentTestConfig(), nil, nil)
	ctx := identity.WithOrigin(context.Background(), identity.Origin{IP: "198.51.100.4"})

	first, err := service.Record(ctx, GrantConsentRequest{
		SubjectID:   "u-1",
		ConsentType: "marketing",
		Metadata:    map[string]interface{}{"channel": "signup_form"},
	})
	require.NoError(t, err)
	second, err := service.Record(ctx, GrantConsentRequest{SubjectID: "u-1", ConsentType: "marketing"})
	require.NoError(t, err)

	var metadata map[string]interface{}
	require.Equal(t, first.ID, store.records[0].ID)
	require.NoError(t, json.Unmarshal(store.records[0].Metadata, &metadata))
	assert.Equal(t, "signup_form", metadata["channel"])
	assert.Equal(t, "superseded", metadata["withdrawal_reason"])
	assert.Equal(t, second.ID, metadata["superseded_by"])
	assert.Equal(t, "198.51.100.4", metadata["origin_ip"])
}

func TestConsentServiceWithdrawWithoutActiveGrant(t *testing.T) {
	service := NewConsentService(&consentStoreStub{}, &auditRecorderStub{}, consentTestConfig(), nil, nil)

	withdrawn, err := service.Withdraw(context.Background(), WithdrawConsentRequest{SubjectID: "u-1", ConsentType: "marketing"})
	require.NoError(t, err)
	assert.False(t, withdrawn)
}

func TestConsentServiceCheckFailsOpenWhenDisabled(t *testing.T) {
	service := NewConsentService(&consentStoreStub{err: sql.ErrConnDone}, &auditRecorderStub{}, config.ConsentConfig{Enabled: false}, nil, nil)

	granted, err := service.Check(context.Background(), "u-1", "marketing")
	require.NoError(t, err)
	assert.True(t, granted)

	hasRequired, err := service.HasRequired(context.Background(), "u-1")
	require.NoError(t, err)
	assert.True(t, hasRequired)
}

func TestConsentServiceRecordRejectedWhenDisabled(t *testing.T) {
	service := NewConsentService(&consentStoreStub{}, &auditRecorderStub{}, config.ConsentConfig{Enabled: false}, nil, nil)

	_, err := service.Record(context.Background(), GrantConsentRequest{SubjectID: "u-1", ConsentType: "marketing"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrFeatureDisabled.Code, appErrors.FromError(err).Code)
}

func TestConsentServiceMissingRequired(t *testing.T) {
	store := &consentStoreStub{}
	service := NewConsentService(store, &auditRecorderStub{}, consentTestConfig(), nil, nil)
	ctx := context.Background()

	missing, err := service.MissingRequired(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"terms_and_conditions", "privacy_policy"}, missing)

	_, err = service.Record(ctx, GrantConsentRequest{SubjectID: "u-1", ConsentType: "terms_and_conditions"})
	require.NoError(t, err)

	missing, err = service.MissingRequired(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"privacy_policy"}, missing)

	hasRequired, err := service.HasRequired(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, hasRequired)
}

func TestConsentServiceWithdrawAll(t *testing.T) {
	store := &consentStoreStub{}
	audit := &auditRecorderStub{}
	service := NewConsentService(store, audit, consentTestConfig(), nil, nil)
	ctx := identity.WithOrigin(context.Background(), identity.Origin{IP: "192.0.2.7"})

	_, err := service.RecordMultiple(ctx, "u-1", []string{"terms_and_conditions", "privacy_policy", "marketing"}, nil)
	require.NoError(t, err)

	affected, err := service.WithdrawAll(ctx, "u-1", "account closure")
	require.NoError(t, err)
	assert.Equal(t, 3, affected)

	active, err := service.History(ctx, models.ConsentFilter{SubjectID: "u-1", ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)

	var metadata map[string]interface{}
	require.NoError(t, json.Unmarshal(store.records[0].Metadata, &metadata))
	assert.Equal(t, "account closure", metadata["withdrawal_reason"])
	assert.Equal(t, "192.0.2.7", metadata["origin_ip"])
}

func TestConsentServiceValidatesPayload(t *testing.T) {
	service := NewConsentService(&consentStoreStub{}, &auditRecorderStub{}, consentTestConfig(), nil, nil)

	_, err := service.Record(context.Background(), GrantConsentRequest{SubjectID: "u-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}
