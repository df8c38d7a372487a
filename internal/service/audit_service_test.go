package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melsheikh92/crm-governance/internal/identity"
	"github.com/melsheikh92/crm-governance/internal/models"
	"github.com/melsheikh92/crm-governance/pkg/config"
)

type auditStoreStub struct {
	events []*models.AuditEvent
	exts   []sqlx.ExtContext
	err    error
}

func (s *auditStoreStub) Insert(_ context.Context, ext sqlx.ExtContext, event *models.AuditEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	s.exts = append(s.exts, ext)
	return nil
}

func (s *auditStoreStub) List(_ context.Context, _ models.AuditEventFilter) ([]models.AuditEvent, int, error) {
	result := make([]models.AuditEvent, 0, len(s.events))
	for _, event := range s.events {
		result = append(result, *event)
	}
	return result, len(result), nil
}

func (s *auditStoreStub) ListForEntity(_ context.Context, entityType, entityID string) ([]models.AuditEvent, error) {
	var result []models.AuditEvent
	for _, event := range s.events {
		if event.EntityType == entityType && event.EntityID == entityID {
			result = append(result, *event)
		}
	}
	return result, nil
}

func enabledAuditConfig() config.AuditConfig {
	return config.AuditConfig{
		Enabled: true,
		MaskedFields: map[string][]string{
			"User": {"password", "password_hash"},
		},
	}
}

func TestAuditServiceMasksConfiguredFields(t *testing.T) {
	store := &auditStoreStub{}
	service := NewAuditService(store, enabledAuditConfig(), nil)

	after := map[string]interface{}{
		"email":    "alice@example.com",
		"password": "hunter2",
	}
	event, err := service.LogChange(context.Background(), models.RefByID("User", "u-1"), nil, after)
	require.NoError(t, err)
	require.Len(t, store.events, 1)

	var persisted map[string]interface{}
	require.NoError(t, json.Unmarshal(event.AfterValues, &persisted))
	assert.Equal(t, models.MaskSentinel, persisted["password"])
	assert.Equal(t, "alice@example.com", persisted["email"])

	// The caller's map must stay untouched.
	assert.Equal(t, "hunter2", after["password"])
}

func TestAuditServiceMasksBeforeAndAfterIndependently(t *testing.T) {
	store := &auditStoreStub{}
	service := NewAuditService(store, enabledAuditConfig(), nil)

	before := map[string]interface{}{"password_hash": "old"}
	after := map[string]interface{}{"email": "new@example.com"}
	event, err := service.LogChange(context.Background(), models.RefByID("User", "u-1"), before, after)
	require.NoError(t, err)
	assert.Equal(t, models.AuditKindUpdated, event.EventKind)

	var persistedBefore map[string]interface{}
	require.NoError(t, json.Unmarshal(event.BeforeValues, &persistedBefore))
	assert.Equal(t, models.MaskSentinel, persistedBefore["password_hash"])

	var persistedAfter map[string]interface{}
	require.NoError(t, json.Unmarshal(event.AfterValues, &persistedAfter))
	assert.NotContains(t, persistedAfter, "password_hash")
}

func TestAuditServiceNilBeforeMeansCreated(t *testing.T) {
	store := &auditStoreStub{}
	service := NewAuditService(store, enabledAuditConfig(), nil)

	event, err := service.LogChange(context.Background(), models.RefByID("Ticket", "t-1"), nil, map[string]interface{}{"status": "open"})
	require.NoError(t, err)
	assert.Equal(t, models.AuditKindCreated, event.EventKind)
	assert.Nil(t, event.BeforeValues)
}

func TestAuditServiceTagsMergedDeduplicatedSorted(t *testing.T) {
	store := &auditStoreStub{}
	service := NewAuditService(store, enabledAuditConfig(), nil)

	event, err := service.LogAccess(context.Background(), models.RefByID("User", "u-1"),
		WithTags("privacy", "User", "privacy"))
	require.NoError(t, err)
	assert.Equal(t, []string{"User", "privacy", "viewed"}, event.TagList())
}

func TestAuditServiceDisabledIsNoOp(t *testing.T) {
	store := &auditStoreStub{}
	service := NewAuditService(store, config.AuditConfig{Enabled: false}, nil)

	event, err := service.LogAccess(context.Background(), models.RefByID("User", "u-1"))
	require.NoError(t, err)
	assert.Nil(t, event)
	assert.Empty(t, store.events)
}

func TestAuditServiceActorFromContext(t *testing.T) {
	store := &auditStoreStub{}
	service := NewAuditService(store, enabledAuditConfig(), nil)

	ctx := identity.WithActor(context.Background(), "admin-7")
	ctx = identity.WithOrigin(ctx, identity.Origin{IP: "10.1.1.1", Agent: "test-agent"})

	event, err := service.LogAccess(ctx, models.RefByID("User", "u-1"))
	require.NoError(t, err)
	require.NotNil(t, event.ActorID)
	assert.Equal(t, "admin-7", *event.ActorID)
	assert.Equal(t, "10.1.1.1", event.OriginIP)
	assert.Equal(t, "test-agent", event.OriginAgent)
}

func TestAuditServiceSystemActorOverridesContext(t *testing.T) {
	store := &auditStoreStub{}
	service := NewAuditService(store, enabledAuditConfig(), nil)

	ctx := identity.WithActor(context.Background(), "admin-7")
	event, err := service.LogAccess(ctx, models.RefByID("User", "u-1"), WithSystemActor())
	require.NoError(t, err)
	assert.Nil(t, event.ActorID)
}

func TestAuditServiceEntityRefPrefersInstance(t *testing.T) {
	store := &auditStoreStub{}
	service := NewAuditService(store, enabledAuditConfig(), nil)

	user := &models.User{ID: "u-9"}
	event, err := service.LogAccess(context.Background(), models.Ref(user))
	require.NoError(t, err)
	assert.Equal(t, "User", event.EntityType)
	assert.Equal(t, "u-9", event.EntityID)
}
