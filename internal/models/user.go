package models

import "time"

// User is the CRM subject record governed by this engine.
type User struct {
	ID           string     `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	Phone        string     `db:"phone" json:"phone,omitempty"`
	Active       bool       `db:"active" json:"active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt    *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// EntityType implements Entity.
func (u *User) EntityType() string { return "User" }

// EntityID implements Entity.
func (u *User) EntityID() string { return u.ID }

// AnonymizedName is the placeholder written over identifying names.
const AnonymizedName = "Anonymized User"

// AnonymizedEmail derives the deterministic placeholder address for a subject.
func AnonymizedEmail(subjectID string) string {
	return "anonymized-" + subjectID + "@anonymized.invalid"
}
