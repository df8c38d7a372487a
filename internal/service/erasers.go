package service

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/melsheikh92/crm-governance/internal/models"
)

// SubjectEraser removes or scrubs one entity type's data for a subject
// inside the erasure transaction.
type SubjectEraser interface {
	EntityType() string
	EraseSubject(ctx context.Context, tx *sqlx.Tx, subjectID string, anonymize bool) (models.ErasureOutcome, error)
}

type subjectRowsDeleter interface {
	DeleteBySubjectTx(ctx context.Context, tx *sqlx.Tx, subjectID string) (int, error)
}

type subjectScrubber interface {
	Anonymize(ctx context.Context, tx *sqlx.Tx, id string) error
	Delete(ctx context.Context, tx *sqlx.Tx, id string) error
}

// ConsentEraser hard-deletes a subject's consent ledger. Anonymization does
// not apply; consent rows are identifying by nature.
type ConsentEraser struct {
	store subjectRowsDeleter
}

// NewConsentEraser constructs the adapter.
func NewConsentEraser(store subjectRowsDeleter) *ConsentEraser {
	return &ConsentEraser{store: store}
}

// EntityType implements SubjectEraser.
func (e *ConsentEraser) EntityType() string { return "ConsentRecord" }

// EraseSubject implements SubjectEraser.
func (e *ConsentEraser) EraseSubject(ctx context.Context, tx *sqlx.Tx, subjectID string, _ bool) (models.ErasureOutcome, error) {
	deleted, err := e.store.DeleteBySubjectTx(ctx, tx, subjectID)
	if err != nil {
		return models.ErasureOutcome{}, err
	}
	return models.ErasureOutcome{Deleted: deleted}, nil
}

// TicketEraser hard-deletes a subject's tickets with their messages and
// attachments.
type TicketEraser struct {
	store subjectRowsDeleter
}

// NewTicketEraser constructs the adapter.
func NewTicketEraser(store subjectRowsDeleter) *TicketEraser {
	return &TicketEraser{store: store}
}

// EntityType implements SubjectEraser.
func (e *TicketEraser) EntityType() string { return "Ticket" }

// EraseSubject implements SubjectEraser.
func (e *TicketEraser) EraseSubject(ctx context.Context, tx *sqlx.Tx, subjectID string, _ bool) (models.ErasureOutcome, error) {
	deleted, err := e.store.DeleteBySubjectTx(ctx, tx, subjectID)
	if err != nil {
		return models.ErasureOutcome{}, err
	}
	return models.ErasureOutcome{Deleted: deleted}, nil
}

// UserEraser handles the subject row itself: scrubbed in place when
// anonymization is on, removed otherwise.
type UserEraser struct {
	users subjectScrubber
}

// NewUserEraser constructs the adapter.
func NewUserEraser(users subjectScrubber) *UserEraser {
	return &UserEraser{users: users}
}

// EntityType implements SubjectEraser.
func (e *UserEraser) EntityType() string { return "User" }

// EraseSubject implements SubjectEraser.
func (e *UserEraser) EraseSubject(ctx context.Context, tx *sqlx.Tx, subjectID string, anonymize bool) (models.ErasureOutcome, error) {
	if anonymize {
		if err := e.users.Anonymize(ctx, tx, subjectID); err != nil {
			return models.ErasureOutcome{}, err
		}
		return models.ErasureOutcome{Anonymized: 1}, nil
	}
	if err := e.users.Delete(ctx, tx, subjectID); err != nil {
		return models.ErasureOutcome{}, err
	}
	return models.ErasureOutcome{Deleted: 1}, nil
}
