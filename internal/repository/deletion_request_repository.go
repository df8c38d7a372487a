package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/melsheikh92/crm-governance/internal/models"
)

// DeletionRequestRepository persists erasure requests and their state
// machine.
type DeletionRequestRepository struct {
	db *sqlx.DB
}

// NewDeletionRequestRepository constructs the repository.
func NewDeletionRequestRepository(db *sqlx.DB) *DeletionRequestRepository {
	return &DeletionRequestRepository{db: db}
}

const requestColumns = `id, subject_id, email, status, notes, failure_reason, summary, processed_by, created_at, processed_at`

// Create inserts a new pending request.
func (r *DeletionRequestRepository) Create(ctx context.Context, request *models.DeletionRequest) error {
	const query = `INSERT INTO deletion_requests (` + requestColumns + `)
VALUES (:id, :subject_id, :email, :status, :notes, :failure_reason, :summary, :processed_by, :created_at, :processed_at)`
	if _, err := r.db.NamedExecContext(ctx, query, request); err != nil {
		return fmt.Errorf("insert deletion request: %w", err)
	}
	return nil
}

// GetByID fetches one request.
func (r *DeletionRequestRepository) GetByID(ctx context.Context, id string) (*models.DeletionRequest, error) {
	const query = `SELECT ` + requestColumns + ` FROM deletion_requests WHERE id = $1`
	var request models.DeletionRequest
	if err := r.db.GetContext(ctx, &request, query, id); err != nil {
		return nil, err
	}
	return &request, nil
}

// HasInFlight reports whether the subject already has a pending or
// processing request.
func (r *DeletionRequestRepository) HasInFlight(ctx context.Context, subjectID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM deletion_requests
WHERE subject_id = $1 AND status IN ('pending', 'processing'))`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, subjectID); err != nil {
		return false, fmt.Errorf("check in-flight deletion request: %w", err)
	}
	return exists, nil
}

// Claim atomically moves a pending request to processing. It reports false
// when the request was not pending, so two concurrent processors cannot both
// win the claim.
func (r *DeletionRequestRepository) Claim(ctx context.Context, id string) (bool, error) {
	const query = `UPDATE deletion_requests SET status = 'processing' WHERE id = $1 AND status = 'pending'`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim deletion request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim deletion request rows: %w", err)
	}
	return affected == 1, nil
}

// MarkCompleted finalizes a processed request with its outcome summary.
func (r *DeletionRequestRepository) MarkCompleted(ctx context.Context, id string, processedBy *string, processedAt time.Time, summary json.RawMessage) error {
	const query = `UPDATE deletion_requests SET status = 'completed', processed_by = $2, processed_at = $3, summary = $4
WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, processedBy, processedAt, summary); err != nil {
		return fmt.Errorf("complete deletion request: %w", err)
	}
	return nil
}

// MarkFailed records the failure reason. The request stays failed until a
// human re-triggers processing with a fresh request.
func (r *DeletionRequestRepository) MarkFailed(ctx context.Context, id, reason string, processedAt time.Time) error {
	const query = `UPDATE deletion_requests SET status = 'failed', failure_reason = $2, processed_at = $3
WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, reason, processedAt); err != nil {
		return fmt.Errorf("fail deletion request: %w", err)
	}
	return nil
}

// List returns requests filtered by status and/or subject with total count.
func (r *DeletionRequestRepository) List(ctx context.Context, status, subjectID string, page, pageSize int) ([]models.DeletionRequest, int, error) {
	baseQuery := `FROM deletion_requests WHERE 1=1`
	var conditions []string
	var args []interface{}

	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, status)
	}
	if subjectID != "" {
		conditions = append(conditions, fmt.Sprintf("subject_id = $%d", len(args)+1))
		args = append(args, subjectID)
	}
	if len(conditions) > 0 {
		baseQuery += " AND " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+baseQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count deletion requests: %w", err)
	}

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	query := fmt.Sprintf("SELECT %s %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		requestColumns, baseQuery, len(args)+1, len(args)+2)
	args = append(args, pageSize, offset)

	var requests []models.DeletionRequest
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list deletion requests: %w", err)
	}
	return requests, total, nil
}
