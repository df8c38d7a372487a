package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melsheikh92/crm-governance/internal/models"
)

func TestAuditRepositoryInsert(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewAuditRepository(db)
	actor := "admin-1"
	event := &models.AuditEvent{
		ID:          "ev-1",
		ActorID:     &actor,
		EntityType:  "User",
		EntityID:    "7",
		EventKind:   models.AuditKindUpdated,
		Tags:        json.RawMessage(`["User","updated"]`),
		OriginIP:    "10.0.0.1",
		OriginAgent: "cli",
		OccurredAt:  time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(event.ID, event.ActorID, event.EntityType, event.EntityID, event.EventKind,
			[]byte(nil), []byte(nil), []byte(`["User","updated"]`), event.OriginIP, event.OriginAgent, event.OccurredAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Insert(context.Background(), nil, event))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepositoryInsertInTransaction(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewAuditRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, repo.Insert(context.Background(), tx, &models.AuditEvent{
		ID:         "ev-2",
		EntityType: "Ticket",
		EntityID:   "t-1",
		EventKind:  models.AuditKindDeleted,
		Tags:       json.RawMessage(`["Ticket","deleted"]`),
		OccurredAt: time.Now().UTC(),
	}))
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewAuditRepository(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_events`).
		WithArgs("User", "deletion_completed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rows := sqlmock.NewRows([]string{"id", "actor_id", "entity_type", "entity_id", "event_kind",
		"before_values", "after_values", "tags", "origin_ip", "origin_agent", "occurred_at"}).
		AddRow("ev-3", nil, "User", "7", "deletion_completed", nil, nil, []byte(`["User","deletion_completed"]`), "", "", time.Now())
	mock.ExpectQuery("SELECT id, actor_id").
		WithArgs("User", "deletion_completed", 20, 0).
		WillReturnRows(rows)

	events, total, err := repo.List(context.Background(), models.AuditEventFilter{
		EntityType: "User",
		EventKind:  "deletion_completed",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, events, 1)
	assert.Equal(t, "7", events[0].EntityID)
	assert.Equal(t, []string{"User", "deletion_completed"}, events[0].TagList())
}
