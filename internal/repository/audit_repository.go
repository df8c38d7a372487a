package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/melsheikh92/crm-governance/internal/models"
)

// AuditRepository persists immutable audit events. There are deliberately no
// update or delete operations.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository constructs the repository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

const auditColumns = `id, actor_id, entity_type, entity_id, event_kind, before_values, after_values, tags, origin_ip, origin_agent, occurred_at`

// Insert appends one audit event. When ext is nil the repository's own
// connection is used; passing a transaction makes the write part of that
// transaction's atomic unit.
func (r *AuditRepository) Insert(ctx context.Context, ext sqlx.ExtContext, event *models.AuditEvent) error {
	const query = `INSERT INTO audit_events (` + auditColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if ext == nil {
		ext = r.db
	}
	if _, err := ext.ExecContext(ctx, query,
		event.ID,
		event.ActorID,
		event.EntityType,
		event.EntityID,
		event.EventKind,
		event.BeforeValues,
		event.AfterValues,
		event.Tags,
		event.OriginIP,
		event.OriginAgent,
		event.OccurredAt,
	); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List returns audit events matching the filter with total count.
func (r *AuditRepository) List(ctx context.Context, filter models.AuditEventFilter) ([]models.AuditEvent, int, error) {
	baseQuery := `FROM audit_events WHERE 1=1`
	var conditions []string
	var args []interface{}

	if filter.EntityType != "" {
		conditions = append(conditions, fmt.Sprintf("entity_type = $%d", len(args)+1))
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conditions = append(conditions, fmt.Sprintf("entity_id = $%d", len(args)+1))
		args = append(args, filter.EntityID)
	}
	if filter.EventKind != "" {
		conditions = append(conditions, fmt.Sprintf("event_kind = $%d", len(args)+1))
		args = append(args, filter.EventKind)
	}
	if filter.ActorID != "" {
		conditions = append(conditions, fmt.Sprintf("actor_id = $%d", len(args)+1))
		args = append(args, filter.ActorID)
	}
	if filter.From != nil {
		conditions = append(conditions, fmt.Sprintf("occurred_at >= $%d", len(args)+1))
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		conditions = append(conditions, fmt.Sprintf("occurred_at <= $%d", len(args)+1))
		args = append(args, *filter.To)
	}

	if len(conditions) > 0 {
		baseQuery += " AND " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+baseQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	query := fmt.Sprintf("SELECT %s %s ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d",
		auditColumns, baseQuery, len(args)+1, len(args)+2)
	args = append(args, pageSize, offset)

	var events []models.AuditEvent
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list audit events: %w", err)
	}
	return events, total, nil
}

// ListForEntity returns the full trail for one entity, newest first.
func (r *AuditRepository) ListForEntity(ctx context.Context, entityType, entityID string) ([]models.AuditEvent, error) {
	const query = `SELECT ` + auditColumns + ` FROM audit_events
WHERE entity_type = $1 AND entity_id = $2 ORDER BY occurred_at DESC`
	var events []models.AuditEvent
	if err := r.db.SelectContext(ctx, &events, query, entityType, entityID); err != nil {
		return nil, fmt.Errorf("list audit events for entity: %w", err)
	}
	return events, nil
}
