package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingsfly/academy-sync/internal/models"
)

func newBackupMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestBackupRepositorySaveFillsDefaults(t *testing.T) {
	db, mock, cleanup := newBackupMock(t)
	defer cleanup()
	repo := NewBackupRepository(db, "academy_backups")

	mock.ExpectExec("INSERT INTO academy_backups").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	backup := &models.DailyBackup{
		RecordID:   "academy_main",
		BackupDate: "2026-09-01",
		Data:       models.Snapshot{models.CollectionStudents: {{"id": "s1"}}},
		Version:    4,
		Reason:     models.BackupReasonDaily,
	}
	require.NoError(t, repo.Save(context.Background(), backup))
	assert.NotEmpty(t, backup.ID)
	assert.False(t, backup.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackupRepositoryList(t *testing.T) {
	db, mock, cleanup := newBackupMock(t)
	defer cleanup()
	repo := NewBackupRepository(db, "academy_backups")

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "record_id", "backup_date", "version", "reason", "created_at"}).
		AddRow("b2", "academy_main", "2026-09-01", int64(8), models.BackupReasonDaily, now).
		AddRow("b1", "academy_main", "2026-08-31", int64(5), models.BackupReasonEmergency, now.Add(-24*time.Hour))
	mock.ExpectQuery("SELECT id, record_id, backup_date, version, reason, created_at").
		WithArgs("academy_main").
		WillReturnRows(rows)

	backups, err := repo.List(context.Background(), "academy_main")
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, "b2", backups[0].ID)
	assert.Equal(t, models.BackupReasonEmergency, backups[1].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackupRepositoryPrune(t *testing.T) {
	db, mock, cleanup := newBackupMock(t)
	defer cleanup()
	repo := NewBackupRepository(db, "academy_backups")

	mock.ExpectExec("DELETE FROM academy_backups").
		WithArgs("academy_main", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := repo.Prune(context.Background(), "academy_main", time.Now().UTC().AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
