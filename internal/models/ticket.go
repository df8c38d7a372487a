package models

import "time"

// Ticket is a support interaction owned by a subject.
type Ticket struct {
	ID        string     `db:"id" json:"id"`
	SubjectID string     `db:"subject_id" json:"subject_id"`
	Title     string     `db:"title" json:"title"`
	Body      string     `db:"body" json:"body,omitempty"`
	Status    string     `db:"status" json:"status"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// EntityType implements Entity.
func (t *Ticket) EntityType() string { return "Ticket" }

// EntityID implements Entity.
func (t *Ticket) EntityID() string { return t.ID }

// TicketMessage is one message inside a ticket thread.
type TicketMessage struct {
	ID        string    `db:"id" json:"id"`
	TicketID  string    `db:"ticket_id" json:"ticket_id"`
	AuthorID  *string   `db:"author_id" json:"author_id,omitempty"`
	Body      string    `db:"body" json:"body"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// TicketAttachment is a file attached to a ticket message.
type TicketAttachment struct {
	ID        string    `db:"id" json:"id"`
	MessageID string    `db:"message_id" json:"message_id"`
	FileName  string    `db:"file_name" json:"file_name"`
	Path      string    `db:"path" json:"path"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
