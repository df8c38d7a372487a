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

// ConsentRepository persists the consent ledger.
type ConsentRepository struct {
	db *sqlx.DB
}

// NewConsentRepository constructs the repository.
func NewConsentRepository(db *sqlx.DB) *ConsentRepository {
	return &ConsentRepository{db: db}
}

const consentColumns = `id, subject_id, consent_type, purpose, granted_at, withdrawn_at, origin_ip, origin_agent, metadata`

// Insert appends a granted consent record.
func (r *ConsentRepository) Insert(ctx context.Context, record *models.ConsentRecord) error {
	const query = `INSERT INTO consent_records (` + consentColumns + `)
VALUES (:id, :subject_id, :consent_type, :purpose, :granted_at, :withdrawn_at, :origin_ip, :origin_agent, :metadata)`
	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("insert consent record: %w", err)
	}
	return nil
}

// LatestActive returns the most recently granted active record for a
// (subject, type) pair, or sql.ErrNoRows when none exists.
func (r *ConsentRepository) LatestActive(ctx context.Context, subjectID, consentType string) (*models.ConsentRecord, error) {
	const query = `SELECT ` + consentColumns + ` FROM consent_records
WHERE subject_id = $1 AND consent_type = $2 AND withdrawn_at IS NULL
ORDER BY granted_at DESC LIMIT 1`
	var record models.ConsentRecord
	if err := r.db.GetContext(ctx, &record, query, subjectID, consentType); err != nil {
		return nil, err
	}
	return &record, nil
}

// MarkWithdrawn sets the withdrawal timestamp and replaces the stored
// metadata on one record. The record itself is preserved.
func (r *ConsentRepository) MarkWithdrawn(ctx context.Context, id string, withdrawnAt time.Time, metadata json.RawMessage) error {
	const query = `UPDATE consent_records SET withdrawn_at = $2, metadata = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, withdrawnAt, metadata); err != nil {
		return fmt.Errorf("withdraw consent: %w", err)
	}
	return nil
}

// History returns consent records for a subject, newest grant first.
func (r *ConsentRepository) History(ctx context.Context, filter models.ConsentFilter) ([]models.ConsentRecord, error) {
	baseQuery := `FROM consent_records WHERE subject_id = $1`
	args := []interface{}{filter.SubjectID}

	var conditions []string
	if filter.ConsentType != "" {
		conditions = append(conditions, fmt.Sprintf("consent_type = $%d", len(args)+1))
		args = append(args, filter.ConsentType)
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "withdrawn_at IS NULL")
	}
	if len(conditions) > 0 {
		baseQuery += " AND " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf("SELECT %s %s ORDER BY granted_at DESC", consentColumns, baseQuery)
	var records []models.ConsentRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("consent history: %w", err)
	}
	return records, nil
}

// ActiveTypes returns the distinct consent types currently active for a
// subject.
func (r *ConsentRepository) ActiveTypes(ctx context.Context, subjectID string) ([]string, error) {
	const query = `SELECT DISTINCT consent_type FROM consent_records
WHERE subject_id = $1 AND withdrawn_at IS NULL`
	var types []string
	if err := r.db.SelectContext(ctx, &types, query, subjectID); err != nil {
		return nil, fmt.Errorf("active consent types: %w", err)
	}
	return types, nil
}

// WithdrawAllActive marks every active record of a subject withdrawn and
// returns how many were affected. The withdrawal metadata is appended to
// each record's grant-time metadata, not substituted for it.
func (r *ConsentRepository) WithdrawAllActive(ctx context.Context, subjectID string, withdrawnAt time.Time, metadata json.RawMessage) (int, error) {
	const query = `UPDATE consent_records SET withdrawn_at = $2,
metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb
WHERE subject_id = $1 AND withdrawn_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, subjectID, withdrawnAt, metadata)
	if err != nil {
		return 0, fmt.Errorf("withdraw all consents: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("withdraw all consents rows: %w", err)
	}
	return int(affected), nil
}

// DeleteBySubjectTx hard-deletes a subject's entire consent history inside
// the caller's transaction. Only the erasure workflow uses this.
func (r *ConsentRepository) DeleteBySubjectTx(ctx context.Context, tx *sqlx.Tx, subjectID string) (int, error) {
	const query = `DELETE FROM consent_records WHERE subject_id = $1`
	result, err := tx.ExecContext(ctx, query, subjectID)
	if err != nil {
		return 0, fmt.Errorf("delete consent records: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete consent records rows: %w", err)
	}
	return int(affected), nil
}
