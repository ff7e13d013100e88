package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/wingsfly/academy-sync/internal/models"
)

// BackupRepository manages the side-channel snapshot table.
type BackupRepository struct {
	db    *sqlx.DB
	table string
}

// NewBackupRepository constructs a BackupRepository for the given table.
func NewBackupRepository(db *sqlx.DB, table string) *BackupRepository {
	return &BackupRepository{db: db, table: table}
}

// Save writes a backup row. Daily backups collapse onto one row per
// calendar day per record.
func (r *BackupRepository) Save(ctx context.Context, backup *models.DailyBackup) error {
	if backup.ID == "" {
		backup.ID = uuid.NewString()
	}
	if backup.CreatedAt.IsZero() {
		backup.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, record_id, backup_date, data, version, reason, created_at)
        VALUES (:id, :record_id, :backup_date, :data, :version, :reason, :created_at)
        ON CONFLICT (record_id, backup_date, reason) DO UPDATE SET
            data = EXCLUDED.data,
            version = EXCLUDED.version,
            created_at = EXCLUDED.created_at`, r.table)

	if _, err := r.db.NamedExecContext(ctx, query, backup); err != nil {
		return fmt.Errorf("save backup: %w", err)
	}
	return nil
}

// List returns backup headers for a record, newest first. Payloads are
// skipped to keep the listing cheap.
func (r *BackupRepository) List(ctx context.Context, recordID string) ([]models.DailyBackup, error) {
	query := fmt.Sprintf(`SELECT id, record_id, backup_date, version, reason, created_at
        FROM %s WHERE record_id = $1 ORDER BY created_at DESC`, r.table)

	var backups []models.DailyBackup
	if err := r.db.SelectContext(ctx, &backups, query, recordID); err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	return backups, nil
}

// Find fetches a single backup with its payload.
func (r *BackupRepository) Find(ctx context.Context, id string) (*models.DailyBackup, error) {
	query := fmt.Sprintf(`SELECT id, record_id, backup_date, data, version, reason, created_at
        FROM %s WHERE id = $1`, r.table)

	var backup models.DailyBackup
	if err := r.db.GetContext(ctx, &backup, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find backup %s: %w", id, err)
	}
	return &backup, nil
}

// Prune removes backups older than the cutoff and reports how many went.
func (r *BackupRepository) Prune(ctx context.Context, recordID string, before time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE record_id = $1 AND created_at < $2`, r.table)

	res, err := r.db.ExecContext(ctx, query, recordID, before)
	if err != nil {
		return 0, fmt.Errorf("prune backups: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return deleted, nil
}
