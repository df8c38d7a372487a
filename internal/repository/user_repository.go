package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/melsheikh92/crm-governance/internal/models"
)

// userAnchorColumns lists the columns a retention policy may anchor age
// calculations on.
var userAnchorColumns = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"last_login": true,
}

// UserRepository provides database access to subject records.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, name, email, password_hash, phone, active, last_login, created_at, updated_at, deleted_at`

// FindByID returns a subject by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND deleted_at IS NULL LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		return nil, err
	}
	return &user, nil
}

// AnonymizeTx overwrites a subject's identifying attributes in place inside
// the caller's transaction. The overwrite is irreversible.
func (r *UserRepository) AnonymizeTx(ctx context.Context, tx *sqlx.Tx, id, passwordHash string) error {
	const query = `UPDATE users SET name = $2, email = $3, phone = '', password_hash = $4, active = false, updated_at = $5
WHERE id = $1`
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, query, id, models.AnonymizedName, models.AnonymizedEmail(id), passwordHash, now); err != nil {
		return fmt.Errorf("anonymize user: %w", err)
	}
	return nil
}

// SoftDeleteTx marks a subject deleted without removing the row.
func (r *UserRepository) SoftDeleteTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	const query = `UPDATE users SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	if _, err := tx.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("soft delete user: %w", err)
	}
	return nil
}

// HardDeleteTx removes the subject row entirely.
func (r *UserRepository) HardDeleteTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	const query = `DELETE FROM users WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("hard delete user: %w", err)
	}
	return nil
}

// CountAll counts live subject rows.
func (r *UserRepository) CountAll(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM users WHERE deleted_at IS NULL`
	var count int
	if err := r.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

// CountOlderThan counts live subjects whose anchor column predates the
// cutoff.
func (r *UserRepository) CountOlderThan(ctx context.Context, anchorColumn string, cutoff time.Time) (int, error) {
	if !userAnchorColumns[anchorColumn] {
		return 0, fmt.Errorf("unsupported anchor column %q for users", anchorColumn)
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM users WHERE deleted_at IS NULL AND %s <= $1`, anchorColumn)
	var count int
	if err := r.db.GetContext(ctx, &count, query, cutoff); err != nil {
		return 0, fmt.Errorf("count users older than cutoff: %w", err)
	}
	return count, nil
}

// ListOlderThan returns ids of live subjects whose anchor column predates
// the cutoff.
func (r *UserRepository) ListOlderThan(ctx context.Context, anchorColumn string, cutoff time.Time) ([]string, error) {
	if !userAnchorColumns[anchorColumn] {
		return nil, fmt.Errorf("unsupported anchor column %q for users", anchorColumn)
	}
	query := fmt.Sprintf(`SELECT id FROM users WHERE deleted_at IS NULL AND %s <= $1 ORDER BY %s ASC`, anchorColumn, anchorColumn)
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, cutoff); err != nil {
		return nil, fmt.Errorf("list users older than cutoff: %w", err)
	}
	return ids, nil
}
