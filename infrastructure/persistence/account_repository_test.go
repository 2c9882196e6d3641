package persistence

import (
	"context"
	"testing"
	"time"

	"crosspost/domain/model"
	"crosspost/domain/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockGorm(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return gormDB, mock
}

func TestAccountRepository_Get(t *testing.T) {
	gormDB, mock := newMockGorm(t)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT \* FROM "accounts" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "destination", "external_user_id", "display_name", "status", "created_at", "updated_at"}).
			AddRow("a1", "u1", "youtube", "chan-1", "My Channel", "active", now, now))

	acc, err := NewAccountRepository(gormDB).Get(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, model.DestinationYouTube, acc.Destination)
	require.True(t, acc.Usable())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_GetMissing(t *testing.T) {
	gormDB, mock := newMockGorm(t)
	mock.ExpectQuery(`SELECT \* FROM "accounts" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := NewAccountRepository(gormDB).Get(context.Background(), "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAccountRepository_UpdateStatus(t *testing.T) {
	gormDB, mock := newMockGorm(t)
	mock.ExpectExec(`UPDATE "accounts" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewAccountRepository(gormDB).UpdateStatus(context.Background(), "a1", model.AccountNeedsReauth)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_UpdateStatusMissing(t *testing.T) {
	gormDB, mock := newMockGorm(t)
	mock.ExpectExec(`UPDATE "accounts" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewAccountRepository(gormDB).UpdateStatus(context.Background(), "nope", model.AccountDisabled)
	require.ErrorIs(t, err, repository.ErrNotFound)
}
