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

// EnvelopeRepository manages the single replicated row holding the full
// dataset snapshot.
type EnvelopeRepository struct {
	db    *sqlx.DB
	table string
}

// NewEnvelopeRepository constructs an EnvelopeRepository for the given table.
func NewEnvelopeRepository(db *sqlx.DB, table string) *EnvelopeRepository {
	return &EnvelopeRepository{db: db, table: table}
}

// Fetch returns the envelope row, or nil when no row exists yet. The first
// client of a fresh deployment sees nil and starts pushing from scratch.
func (r *EnvelopeRepository) Fetch(ctx context.Context, id string) (*models.Envelope, error) {
	query := fmt.Sprintf(`SELECT id, data, version, last_updated, last_device, last_action, action_kind, updated_by, updated_at
        FROM %s WHERE id = $1`, r.table)

	var env models.Envelope
	if err := r.db.GetContext(ctx, &env, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch envelope %s: %w", id, err)
	}
	return &env, nil
}

// FetchMeta returns only the version header, skipping the payload. Used for
// the race recheck after an optimistic push.
func (r *EnvelopeRepository) FetchMeta(ctx context.Context, id string) (*models.EnvelopeMeta, error) {
	query := fmt.Sprintf(`SELECT id, version, last_updated, last_device FROM %s WHERE id = $1`, r.table)

	var meta models.EnvelopeMeta
	if err := r.db.GetContext(ctx, &meta, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch envelope meta %s: %w", id, err)
	}
	return &meta, nil
}

// Upsert writes the envelope, inserting the row on first push.
func (r *EnvelopeRepository) Upsert(ctx context.Context, env *models.Envelope) error {
	if env.UpdatedAt.IsZero() {
		env.UpdatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, data, version, last_updated, last_device, last_action, action_kind, updated_by, updated_at)
        VALUES (:id, :data, :version, :last_updated, :last_device, :last_action, :action_kind, :updated_by, :updated_at)
        ON CONFLICT (id) DO UPDATE SET
            data = EXCLUDED.data,
            version = EXCLUDED.version,
            last_updated = EXCLUDED.last_updated,
            last_device = EXCLUDED.last_device,
            last_action = EXCLUDED.last_action,
            action_kind = EXCLUDED.action_kind,
            updated_by = EXCLUDED.updated_by,
            updated_at = EXCLUDED.updated_at`, r.table)

	if _, err := r.db.NamedExecContext(ctx, query, env); err != nil {
		return fmt.Errorf("upsert envelope %s: %w", env.ID, err)
	}
	return nil
}
