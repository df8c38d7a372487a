package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
)

// Purger adapters expose per-entity retention capabilities to the engine.
// The engine discovers optional capabilities (anonymization, soft delete)
// through interface satisfaction, so each adapter implements exactly what
// its entity supports.

// UserPurger adapts subject records for retention batches. Users support
// anonymization and soft deletion.
type UserPurger struct {
	users *UserRepository
}

// NewUserPurger constructs the adapter.
func NewUserPurger(users *UserRepository) *UserPurger {
	return &UserPurger{users: users}
}

// EntityType names the governed entity.
func (p *UserPurger) EntityType() string { return "User" }

// CountAll counts governed records.
func (p *UserPurger) CountAll(ctx context.Context) (int, error) {
	return p.users.CountAll(ctx)
}

// CountOlderThan counts records whose anchor predates the cutoff.
func (p *UserPurger) CountOlderThan(ctx context.Context, anchorColumn string, cutoff time.Time) (int, error) {
	return p.users.CountOlderThan(ctx, anchorColumn, cutoff)
}

// ListOlderThan returns ids of records whose anchor predates the cutoff.
func (p *UserPurger) ListOlderThan(ctx context.Context, anchorColumn string, cutoff time.Time) ([]string, error) {
	return p.users.ListOlderThan(ctx, anchorColumn, cutoff)
}

// Delete removes one record inside the batch transaction.
func (p *UserPurger) Delete(ctx context.Context, tx *sqlx.Tx, id string) error {
	return p.users.HardDeleteTx(ctx, tx, id)
}

// SoftDelete marks one record deleted inside the batch transaction.
func (p *UserPurger) SoftDelete(ctx context.Context, tx *sqlx.Tx, id string) error {
	return p.users.SoftDeleteTx(ctx, tx, id)
}

// Anonymize irreversibly overwrites identifying attributes. The password
// hash is replaced with a hash of random material nobody holds.
func (p *UserPurger) Anonymize(ctx context.Context, tx *sqlx.Tx, id string) error {
	scrambled, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("scramble password: %w", err)
	}
	return p.users.AnonymizeTx(ctx, tx, id, string(scrambled))
}

// TicketPurger adapts support tickets for retention batches. Tickets support
// soft deletion but not anonymization.
type TicketPurger struct {
	tickets *TicketRepository
}

// NewTicketPurger constructs the adapter.
func NewTicketPurger(tickets *TicketRepository) *TicketPurger {
	return &TicketPurger{tickets: tickets}
}

// EntityType names the governed entity.
func (p *TicketPurger) EntityType() string { return "Ticket" }

// CountAll counts governed records.
func (p *TicketPurger) CountAll(ctx context.Context) (int, error) {
	return p.tickets.CountAll(ctx)
}

// CountOlderThan counts records whose anchor predates the cutoff.
func (p *TicketPurger) CountOlderThan(ctx context.Context, anchorColumn string, cutoff time.Time) (int, error) {
	return p.tickets.CountOlderThan(ctx, anchorColumn, cutoff)
}

// ListOlderThan returns ids of records whose anchor predates the cutoff.
func (p *TicketPurger) ListOlderThan(ctx context.Context, anchorColumn string, cutoff time.Time) ([]string, error) {
	return p.tickets.ListOlderThan(ctx, anchorColumn, cutoff)
}

// Delete removes one record and its children inside the batch transaction.
func (p *TicketPurger) Delete(ctx context.Context, tx *sqlx.Tx, id string) error {
	return p.tickets.HardDeleteTx(ctx, tx, id)
}

// SoftDelete marks one record deleted inside the batch transaction.
func (p *TicketPurger) SoftDelete(ctx context.Context, tx *sqlx.Tx, id string) error {
	return p.tickets.SoftDeleteTx(ctx, tx, id)
}
