package service

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/melsheikh92/crm-governance/internal/identity"
	"github.com/melsheikh92/crm-governance/internal/models"
	"github.com/melsheikh92/crm-governance/pkg/config"
	appErrors "github.com/melsheikh92/crm-governance/pkg/errors"
)

type auditStore interface {
	Insert(ctx context.Context, ext sqlx.ExtContext, event *models.AuditEvent) error
	List(ctx context.Context, filter models.AuditEventFilter) ([]models.AuditEvent, int, error)
	ListForEntity(ctx context.Context, entityType, entityID string) ([]models.AuditEvent, error)
}

type auditOptions struct {
	actorSet bool
	actorID  *string
	tags     []string
	origin   *identity.Origin
	ext      sqlx.ExtContext
}

// AuditOption tailors a single audit write.
type AuditOption func(*auditOptions)

// WithActor attributes the event to an explicit actor instead of the one on
// the context.
func WithActor(actorID string) AuditOption {
	return func(o *auditOptions) {
		o.actorSet = true
		o.actorID = &actorID
	}
}

// WithSystemActor records the event as system-initiated even when the context
// carries an actor.
func WithSystemActor() AuditOption {
	return func(o *auditOptions) {
		o.actorSet = true
		o.actorID = nil
	}
}

// WithTags adds caller tags on top of the automatic entity-type and
// event-kind tags.
func WithTags(tags ...string) AuditOption {
	return func(o *auditOptions) {
		o.tags = append(o.tags, tags...)
	}
}

// WithOrigin overrides the network origin taken from the context.
func WithOrigin(origin identity.Origin) AuditOption {
	return func(o *auditOptions) {
		o.origin = &origin
	}
}

// WithExecutor writes the event through the given executor, typically a
// transaction, so the event commits or rolls back with the caller's work.
func WithExecutor(ext sqlx.ExtContext) AuditOption {
	return func(o *auditOptions) {
		o.ext = ext
	}
}

// AuditService records and queries the immutable audit trail.
type AuditService struct {
	store  auditStore
	cfg    config.AuditConfig
	logger *zap.Logger
}

// NewAuditService constructs the audit service.
func NewAuditService(store auditStore, cfg config.AuditConfig, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{store: store, cfg: cfg, logger: logger}
}

// Enabled reports whether the trail records anything at all.
func (s *AuditService) Enabled() bool { return s.cfg.Enabled }

// LogAccess records that an entity was viewed.
func (s *AuditService) LogAccess(ctx context.Context, ref models.EntityRef, opts ...AuditOption) (*models.AuditEvent, error) {
	return s.createEvent(ctx, ref, models.AuditKindViewed, nil, nil, opts)
}

// LogChange records a creation or an update. A nil before snapshot means the
// entity was created.
func (s *AuditService) LogChange(ctx context.Context, ref models.EntityRef, before, after map[string]interface{}, opts ...AuditOption) (*models.AuditEvent, error) {
	kind := models.AuditKindUpdated
	if before == nil {
		kind = models.AuditKindCreated
	}
	return s.createEvent(ctx, ref, kind, before, after, opts)
}

// LogDeletion records a deletion with the entity's final state.
func (s *AuditService) LogDeletion(ctx context.Context, ref models.EntityRef, before map[string]interface{}, opts ...AuditOption) (*models.AuditEvent, error) {
	return s.createEvent(ctx, ref, models.AuditKindDeleted, before, nil, opts)
}

// LogExport records that an entity's data left the system.
func (s *AuditService) LogExport(ctx context.Context, ref models.EntityRef, opts ...AuditOption) (*models.AuditEvent, error) {
	return s.createEvent(ctx, ref, models.AuditKindExported, nil, nil, opts)
}

// LogCustom records a workflow-specific event kind.
func (s *AuditService) LogCustom(ctx context.Context, ref models.EntityRef, kind string, before, after map[string]interface{}, opts ...AuditOption) (*models.AuditEvent, error) {
	return s.createEvent(ctx, ref, kind, before, after, opts)
}

// createEvent is the single write path every Log helper funnels through.
// It returns (nil, nil) when the trail is disabled.
func (s *AuditService) createEvent(ctx context.Context, ref models.EntityRef, kind string, before, after map[string]interface{}, opts []AuditOption) (*models.AuditEvent, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}

	entityType, entityID := ref.Resolve()

	options := auditOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.actorSet {
		options.actorID = identity.ActorID(ctx)
	}
	origin := identity.OriginFrom(ctx)
	if options.origin != nil {
		origin = *options.origin
	}

	beforeJSON, err := marshalValues(s.maskValues(entityType, before))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode before values")
	}
	afterJSON, err := marshalValues(s.maskValues(entityType, after))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode after values")
	}

	tags := mergeTags([]string{entityType, kind}, options.tags)
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode tags")
	}

	event := &models.AuditEvent{
		ID:           uuid.NewString(),
		ActorID:      options.actorID,
		EntityType:   entityType,
		EntityID:     entityID,
		EventKind:    kind,
		BeforeValues: beforeJSON,
		AfterValues:  afterJSON,
		Tags:         tagsJSON,
		OriginIP:     origin.IP,
		OriginAgent:  origin.Agent,
		OccurredAt:   time.Now().UTC(),
	}

	if err := s.store.Insert(ctx, options.ext, event); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record audit event")
	}

	s.logger.Debug("audit event recorded",
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("event_kind", kind))
	return event, nil
}

// Events returns audit events matching the filter with pagination metadata.
func (s *AuditService) Events(ctx context.Context, filter models.AuditEventFilter) ([]models.AuditEvent, *models.Pagination, error) {
	events, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list audit events")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return events, pagination, nil
}

// EntityTrail returns the full trail for one entity, newest first.
func (s *AuditService) EntityTrail(ctx context.Context, entityType, entityID string) ([]models.AuditEvent, error) {
	events, err := s.store.ListForEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load audit trail")
	}
	return events, nil
}

// maskValues replaces configured sensitive fields with the mask sentinel.
// The input map is never mutated.
func (s *AuditService) maskValues(entityType string, values map[string]interface{}) map[string]interface{} {
	if values == nil {
		return nil
	}
	masked := make(map[string]interface{}, len(values))
	for k, v := range values {
		masked[k] = v
	}
	for _, field := range s.cfg.MaskedFields[entityType] {
		if _, ok := masked[field]; ok {
			masked[field] = models.MaskSentinel
		}
	}
	return masked
}

func marshalValues(values map[string]interface{}) (json.RawMessage, error) {
	if values == nil {
		return nil, nil
	}
	return json.Marshal(values)
}

// mergeTags combines automatic and caller tags into a sorted, deduplicated
// set.
func mergeTags(automatic, extra []string) []string {
	seen := make(map[string]bool, len(automatic)+len(extra))
	var tags []string
	for _, tag := range append(automatic, extra...) {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
