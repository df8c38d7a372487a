package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melsheikh92/crm-governance/internal/models"
)

func TestDeletionRequestRepositoryClaimWins(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewDeletionRequestRepository(db)

	mock.ExpectExec("UPDATE deletion_requests SET status = 'processing'").
		WithArgs("dr-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := repo.Claim(context.Background(), "dr-1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestDeletionRequestRepositoryClaimLoses(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewDeletionRequestRepository(db)

	mock.ExpectExec("UPDATE deletion_requests SET status = 'processing'").
		WithArgs("dr-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := repo.Claim(context.Background(), "dr-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestDeletionRequestRepositoryHasInFlight(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewDeletionRequestRepository(db)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	inFlight, err := repo.HasInFlight(context.Background(), "u-1")
	require.NoError(t, err)
	assert.True(t, inFlight)
}

func TestDeletionRequestRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewDeletionRequestRepository(db)

	mock.ExpectExec("INSERT INTO deletion_requests").
		WillReturnResult(sqlmock.NewResult(1, 1))

	request := &models.DeletionRequest{
		ID:        "dr-2",
		SubjectID: "u-1",
		Email:     "subject@example.com",
		Status:    models.DeletionStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Create(context.Background(), request))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeletionRequestRepositoryMarkFailed(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewDeletionRequestRepository(db)
	processedAt := time.Now().UTC()

	mock.ExpectExec("UPDATE deletion_requests SET status = 'failed'").
		WithArgs("dr-3", "delete tickets: connection reset", processedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkFailed(context.Background(), "dr-3", "delete tickets: connection reset", processedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeletionRequestRepositoryList(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewDeletionRequestRepository(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM deletion_requests`).
		WithArgs("pending").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rows := sqlmock.NewRows([]string{"id", "subject_id", "email", "status", "notes",
		"failure_reason", "summary", "processed_by", "created_at", "processed_at"}).
		AddRow("dr-4", "u-2", "other@example.com", "pending", "", nil, nil, nil, time.Now(), nil)
	mock.ExpectQuery("SELECT id, subject_id").
		WithArgs("pending", 20, 0).
		WillReturnRows(rows)

	requests, total, err := repo.List(context.Background(), "pending", "", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, requests, 1)
	assert.Equal(t, models.DeletionStatusPending, requests[0].Status)
}
