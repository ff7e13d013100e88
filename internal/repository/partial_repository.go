package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wingsfly/academy-sync/internal/models"
)

// upsertBatchSize caps how many rows a single upsert statement carries.
const upsertBatchSize = 100

// PartialRepository manages the per-collection tables used in partial
// replication mode. Tables are named <prefix>_<collection> and scoped by
// academy_id; removals are tombstones via the deleted flag.
type PartialRepository struct {
	db     *sqlx.DB
	prefix string
}

// NewPartialRepository constructs a PartialRepository with a table prefix.
func NewPartialRepository(db *sqlx.DB, prefix string) *PartialRepository {
	return &PartialRepository{db: db, prefix: prefix}
}

func (r *PartialRepository) tableName(c models.Collection) string {
	return fmt.Sprintf("%s_%s", r.prefix, c)
}

// Available probes whether the per-collection tables exist. A failed probe
// drops the engine back to full snapshot mode.
func (r *PartialRepository) Available(ctx context.Context) bool {
	query := fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", r.tableName(models.CollectionStudents))
	var one int
	err := r.db.GetContext(ctx, &one, query)
	if err == nil {
		return true
	}
	// No rows means the table exists but is empty, which is still available.
	return errors.Is(err, sql.ErrNoRows)
}

// UpsertBatch writes records for one collection in chunks.
func (r *PartialRepository) UpsertBatch(ctx context.Context, collection models.Collection, rows []models.PartialRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, academy_id, payload, deleted, updated_at)
        VALUES (:id, :academy_id, :payload, :deleted, :updated_at)
        ON CONFLICT (id, academy_id) DO UPDATE SET
            payload = EXCLUDED.payload,
            deleted = EXCLUDED.deleted,
            updated_at = EXCLUDED.updated_at`, r.tableName(collection))

	for start := 0; start < len(rows); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if _, err := r.db.NamedExecContext(ctx, query, rows[start:end]); err != nil {
			return fmt.Errorf("upsert %s batch: %w", collection, err)
		}
	}
	return nil
}

// FetchSince returns rows changed after the cursor, tombstones included,
// ordered by updated_at so the caller can advance its cursor safely.
func (r *PartialRepository) FetchSince(ctx context.Context, collection models.Collection, academyID string, since time.Time) ([]models.PartialRow, error) {
	query := fmt.Sprintf(`SELECT id, academy_id, payload, deleted, updated_at
        FROM %s WHERE academy_id = $1 AND updated_at > $2
        ORDER BY updated_at ASC`, r.tableName(collection))

	var rows []models.PartialRow
	if err := r.db.SelectContext(ctx, &rows, query, academyID, since); err != nil {
		return nil, fmt.Errorf("fetch %s since: %w", collection, err)
	}
	return rows, nil
}

// FetchAll returns every live row for a collection. Used on first pull when
// no cursor exists yet.
func (r *PartialRepository) FetchAll(ctx context.Context, collection models.Collection, academyID string) ([]models.PartialRow, error) {
	query := fmt.Sprintf(`SELECT id, academy_id, payload, deleted, updated_at
        FROM %s WHERE academy_id = $1 AND deleted = false
        ORDER BY updated_at ASC`, r.tableName(collection))

	var rows []models.PartialRow
	if err := r.db.SelectContext(ctx, &rows, query, academyID); err != nil {
		return nil, fmt.Errorf("fetch %s all: %w", collection, err)
	}
	return rows, nil
}
