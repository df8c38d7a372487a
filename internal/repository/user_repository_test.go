package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRepositoryListOlderThan(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	cutoff := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id"}).AddRow("u-1").AddRow("u-2")
	mock.ExpectQuery(`SELECT id FROM users WHERE deleted_at IS NULL AND last_login <= \$1`).
		WithArgs(cutoff).
		WillReturnRows(rows)

	repo := NewUserRepository(db)
	ids, err := repo.ListOlderThan(context.Background(), "last_login", cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1", "u-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryCountOlderThan(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	cutoff := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users WHERE deleted_at IS NULL AND created_at <= \$1`).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	repo := NewUserRepository(db)
	count, err := repo.CountOlderThan(context.Background(), "created_at", cutoff)
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryRejectsUnknownAnchorColumn(t *testing.T) {
	db, _, cleanup := newMockDB(t)
	defer cleanup()

	repo := NewUserRepository(db)
	_, err := repo.CountOlderThan(context.Background(), "password_hash", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported anchor column")

	_, err = repo.ListOlderThan(context.Background(), "email; DROP TABLE users", time.Now())
	require.Error(t, err)
}

func TestUserRepositoryAnonymizeTx(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET name = \$2, email = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewUserRepository(db)
	runner := NewTxRunner(db)
	err := runner.WithinTx(context.Background(), func(tx *sqlx.Tx) error {
		return repo.AnonymizeTx(context.Background(), tx, "u-1", "scrambled-hash")
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
