package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melsheikh92/crm-governance/internal/models"
)

func TestConsentRepositoryInsert(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewConsentRepository(db)

	mock.ExpectExec("INSERT INTO consent_records").
		WillReturnResult(sqlmock.NewResult(1, 1))

	record := &models.ConsentRecord{
		ID:          "c-1",
		SubjectID:   "u-1",
		ConsentType: "marketing_emails",
		Purpose:     "Send promotional emails",
		GrantedAt:   time.Now().UTC(),
	}
	require.NoError(t, repo.Insert(context.Background(), record))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsentRepositoryLatestActive(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewConsentRepository(db)
	granted := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "subject_id", "consent_type", "purpose",
		"granted_at", "withdrawn_at", "origin_ip", "origin_agent", "metadata"}).
		AddRow("c-2", "u-1", "marketing_emails", "Send promotional emails", granted, nil, "", "", nil)
	mock.ExpectQuery("SELECT id, subject_id").
		WithArgs("u-1", "marketing_emails").
		WillReturnRows(rows)

	record, err := repo.LatestActive(context.Background(), "u-1", "marketing_emails")
	require.NoError(t, err)
	assert.Equal(t, "c-2", record.ID)
	assert.True(t, record.Active())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsentRepositoryLatestActiveNone(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewConsentRepository(db)

	mock.ExpectQuery("SELECT id, subject_id").
		WithArgs("u-1", "analytics").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.LatestActive(context.Background(), "u-1", "analytics")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestConsentRepositoryMarkWithdrawn(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewConsentRepository(db)
	withdrawnAt := time.Now().UTC()
	metadata := json.RawMessage(`{"withdrawal_reason":"user request"}`)

	mock.ExpectExec("UPDATE consent_records SET withdrawn_at").
		WithArgs("c-3", withdrawnAt, []byte(metadata)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkWithdrawn(context.Background(), "c-3", withdrawnAt, metadata))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsentRepositoryWithdrawAllActive(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewConsentRepository(db)
	withdrawnAt := time.Now().UTC()

	metadata := []byte(`{"withdrawal_reason":"account closed"}`)
	mock.ExpectExec(`UPDATE consent_records SET withdrawn_at = \$2,\s+metadata = COALESCE\(metadata, '\{\}'::jsonb\) \|\| \$3::jsonb`).
		WithArgs("u-1", withdrawnAt, metadata).
		WillReturnResult(sqlmock.NewResult(0, 3))

	affected, err := repo.WithdrawAllActive(context.Background(), "u-1", withdrawnAt, json.RawMessage(metadata))
	require.NoError(t, err)
	assert.Equal(t, 3, affected)
}

func TestConsentRepositoryDeleteBySubjectTx(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewConsentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM consent_records").
		WithArgs("u-1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	deleted, err := repo.DeleteBySubjectTx(context.Background(), tx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 4, deleted)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}
