package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/melsheikh92/crm-governance/internal/models"
)

var ticketAnchorColumns = map[string]bool{
	"created_at": true,
	"updated_at": true,
}

// TicketRepository provides database access to support interactions and
// their child records.
type TicketRepository struct {
	db *sqlx.DB
}

// NewTicketRepository constructs the repository.
func NewTicketRepository(db *sqlx.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

const ticketColumns = `id, subject_id, title, body, status, created_at, updated_at, deleted_at`

// ListBySubject returns a subject's live tickets, newest first.
func (r *TicketRepository) ListBySubject(ctx context.Context, subjectID string) ([]models.Ticket, error) {
	const query = `SELECT ` + ticketColumns + ` FROM tickets
WHERE subject_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`
	var tickets []models.Ticket
	if err := r.db.SelectContext(ctx, &tickets, query, subjectID); err != nil {
		return nil, fmt.Errorf("list tickets by subject: %w", err)
	}
	return tickets, nil
}

// DeleteBySubjectTx removes a subject's tickets with their messages and
// attachments inside the caller's transaction, returning the ticket count.
func (r *TicketRepository) DeleteBySubjectTx(ctx context.Context, tx *sqlx.Tx, subjectID string) (int, error) {
	const deleteAttachments = `DELETE FROM ticket_attachments WHERE message_id IN (
SELECT m.id FROM ticket_messages m JOIN tickets t ON t.id = m.ticket_id WHERE t.subject_id = $1)`
	if _, err := tx.ExecContext(ctx, deleteAttachments, subjectID); err != nil {
		return 0, fmt.Errorf("delete ticket attachments: %w", err)
	}

	const deleteMessages = `DELETE FROM ticket_messages WHERE ticket_id IN (
SELECT id FROM tickets WHERE subject_id = $1)`
	if _, err := tx.ExecContext(ctx, deleteMessages, subjectID); err != nil {
		return 0, fmt.Errorf("delete ticket messages: %w", err)
	}

	const deleteTickets = `DELETE FROM tickets WHERE subject_id = $1`
	result, err := tx.ExecContext(ctx, deleteTickets, subjectID)
	if err != nil {
		return 0, fmt.Errorf("delete tickets: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete tickets rows: %w", err)
	}
	return int(affected), nil
}

// SoftDeleteTx marks one ticket deleted without removing rows.
func (r *TicketRepository) SoftDeleteTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	const query = `UPDATE tickets SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	if _, err := tx.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("soft delete ticket: %w", err)
	}
	return nil
}

// HardDeleteTx removes one ticket and its children.
func (r *TicketRepository) HardDeleteTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	const deleteAttachments = `DELETE FROM ticket_attachments WHERE message_id IN (
SELECT id FROM ticket_messages WHERE ticket_id = $1)`
	if _, err := tx.ExecContext(ctx, deleteAttachments, id); err != nil {
		return fmt.Errorf("delete ticket attachments: %w", err)
	}
	const deleteMessages = `DELETE FROM ticket_messages WHERE ticket_id = $1`
	if _, err := tx.ExecContext(ctx, deleteMessages, id); err != nil {
		return fmt.Errorf("delete ticket messages: %w", err)
	}
	const deleteTicket = `DELETE FROM tickets WHERE id = $1`
	if _, err := tx.ExecContext(ctx, deleteTicket, id); err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	return nil
}

// CountAll counts live tickets.
func (r *TicketRepository) CountAll(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM tickets WHERE deleted_at IS NULL`
	var count int
	if err := r.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("count tickets: %w", err)
	}
	return count, nil
}

// CountOlderThan counts live tickets whose anchor column predates the
// cutoff.
func (r *TicketRepository) CountOlderThan(ctx context.Context, anchorColumn string, cutoff time.Time) (int, error) {
	if !ticketAnchorColumns[anchorColumn] {
		return 0, fmt.Errorf("unsupported anchor column %q for tickets", anchorColumn)
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM tickets WHERE deleted_at IS NULL AND %s <= $1`, anchorColumn)
	var count int
	if err := r.db.GetContext(ctx, &count, query, cutoff); err != nil {
		return 0, fmt.Errorf("count tickets older than cutoff: %w", err)
	}
	return count, nil
}

// ListOlderThan returns ids of live tickets whose anchor column predates
// the cutoff.
func (r *TicketRepository) ListOlderThan(ctx context.Context, anchorColumn string, cutoff time.Time) ([]string, error) {
	if !ticketAnchorColumns[anchorColumn] {
		return nil, fmt.Errorf("unsupported anchor column %q for tickets", anchorColumn)
	}
	query := fmt.Sprintf(`SELECT id FROM tickets WHERE deleted_at IS NULL AND %s <= $1 ORDER BY %s ASC`, anchorColumn, anchorColumn)
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, cutoff); err != nil {
		return nil, fmt.Errorf("list tickets older than cutoff: %w", err)
	}
	return ids, nil
}
