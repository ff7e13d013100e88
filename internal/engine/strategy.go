package engine

import (
	"context"
	"time"

	"github.com/wingsfly/academy-sync/internal/models"
	"github.com/wingsfly/academy-sync/internal/store"
)

// EnvelopeStore is the remote single-row boundary the strategies write
// through.
type EnvelopeStore interface {
	Fetch(ctx context.Context, id string) (*models.Envelope, error)
	FetchMeta(ctx context.Context, id string) (*models.EnvelopeMeta, error)
	Upsert(ctx context.Context, env *models.Envelope) error
}

// PartialStore is the per-collection table boundary used in partial mode.
type PartialStore interface {
	Available(ctx context.Context) bool
	UpsertBatch(ctx context.Context, collection models.Collection, rows []models.PartialRow) error
	FetchSince(ctx context.Context, collection models.Collection, academyID string, since time.Time) ([]models.PartialRow, error)
	FetchAll(ctx context.Context, collection models.Collection, academyID string) ([]models.PartialRow, error)
}

// FetchResult is the assembled remote state. Commit, when set, advances
// incremental cursors and must only run after the data has been adopted.
type FetchResult struct {
	Envelope *models.Envelope
	Commit   func() error
}

// ReplicationStrategy abstracts how the dataset crosses the wire. The full
// strategy ships the whole snapshot in one row; the partial strategy keeps
// heavy collections in per-record tables with incremental cursors.
type ReplicationStrategy interface {
	Name() string
	Meta(ctx context.Context) (*models.EnvelopeMeta, error)
	Fetch(ctx context.Context) (*FetchResult, error)
	Push(ctx context.Context, env *models.Envelope, dirty []models.Collection) error
}

// FullSnapshotStrategy replicates the entire dataset as one JSONB row.
type FullSnapshotStrategy struct {
	envelopes EnvelopeStore
	recordID  string
}

// NewFullSnapshotStrategy constructs the single-row strategy.
func NewFullSnapshotStrategy(envelopes EnvelopeStore, recordID string) *FullSnapshotStrategy {
	return &FullSnapshotStrategy{envelopes: envelopes, recordID: recordID}
}

func (s *FullSnapshotStrategy) Name() string { return "full_snapshot" }

func (s *FullSnapshotStrategy) Meta(ctx context.Context) (*models.EnvelopeMeta, error) {
	return s.envelopes.FetchMeta(ctx, s.recordID)
}

func (s *FullSnapshotStrategy) Fetch(ctx context.Context) (*FetchResult, error) {
	env, err := s.envelopes.Fetch(ctx, s.recordID)
	if err != nil {
		return nil, err
	}
	return &FetchResult{Envelope: env}, nil
}

func (s *FullSnapshotStrategy) Push(ctx context.Context, env *models.Envelope, _ []models.Collection) error {
	return s.envelopes.Upsert(ctx, env)
}

// tableCollections are the heavy datasets that move to per-collection
// tables in partial mode. Everything else stays inside the envelope row.
var tableCollections = []models.Collection{
	models.CollectionStudents,
	models.CollectionEmployees,
	models.CollectionFinance,
}

func isTableCollection(c models.Collection) bool {
	for _, t := range tableCollections {
		if c == t {
			return true
		}
	}
	return false
}

// PartialTableStrategy keeps heavy collections in dedicated tables and only
// transfers rows changed since the per-collection cursor. The envelope row
// stays authoritative for the version clock and the light collections.
type PartialTableStrategy struct {
	envelopes EnvelopeStore
	partial   PartialStore
	local     *store.Store
	recordID  string
}

// NewPartialTableStrategy constructs the per-table strategy. The record ID
// doubles as the academy scope of the table rows.
func NewPartialTableStrategy(envelopes EnvelopeStore, partial PartialStore, local *store.Store, recordID string) *PartialTableStrategy {
	return &PartialTableStrategy{envelopes: envelopes, partial: partial, local: local, recordID: recordID}
}

func (s *PartialTableStrategy) Name() string { return "partial_tables" }

func (s *PartialTableStrategy) Meta(ctx context.Context) (*models.EnvelopeMeta, error) {
	return s.envelopes.FetchMeta(ctx, s.recordID)
}

func (s *PartialTableStrategy) Push(ctx context.Context, env *models.Envelope, dirty []models.Collection) error {
	now := env.LastUpdated
	if now.IsZero() {
		now = time.Now().UTC()
	}

	for _, name := range dirty {
		if !isTableCollection(name) {
			continue
		}
		records := env.Data[name]
		rows := make([]models.PartialRow, 0, len(records))
		for _, rec := range records {
			id := rec.ID()
			if id == "" {
				continue
			}
			rows = append(rows, models.PartialRow{
				ID:         id,
				AcademyID:  s.recordID,
				Collection: name,
				Payload:    rec,
				UpdatedAt:  now,
			})
		}
		rows = append(rows, s.tombstones(env.Data, name, now)...)
		if err := s.partial.UpsertBatch(ctx, name, rows); err != nil {
			return err
		}
	}

	trimmed := *env
	trimmed.Data = make(models.Snapshot, len(env.Data))
	for name, records := range env.Data {
		if isTableCollection(name) {
			continue
		}
		trimmed.Data[name] = records
	}
	return s.envelopes.Upsert(ctx, &trimmed)
}

// tombstones turns deleted_items log entries into tombstone rows so
// removals replicate through the tables. Each log entry names its source
// collection and the removed record id.
func (s *PartialTableStrategy) tombstones(snapshot models.Snapshot, name models.Collection, now time.Time) []models.PartialRow {
	var rows []models.PartialRow
	for _, entry := range snapshot[models.CollectionDeletedItems] {
		coll, _ := entry["collection"].(string)
		if models.Collection(coll) != name {
			continue
		}
		id, _ := entry["record_id"].(string)
		if id == "" {
			continue
		}
		rows = append(rows, models.PartialRow{
			ID:         id,
			AcademyID:  s.recordID,
			Collection: name,
			Payload:    entry,
			Deleted:    true,
			UpdatedAt:  now,
		})
	}
	return rows
}

func (s *PartialTableStrategy) Fetch(ctx context.Context) (*FetchResult, error) {
	env, err := s.envelopes.Fetch(ctx, s.recordID)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return &FetchResult{}, nil
	}
	if env.Data == nil {
		env.Data = make(models.Snapshot)
	}

	pending := make(map[models.Collection]string, len(tableCollections))

	for _, name := range tableCollections {
		cursor := s.local.Cursor(name)
		if cursor == "" {
			rows, err := s.partial.FetchAll(ctx, name, s.recordID)
			if err != nil {
				return nil, err
			}
			records := make([]models.Record, 0, len(rows))
			latest := time.Time{}
			for _, row := range rows {
				records = append(records, row.Payload)
				if row.UpdatedAt.After(latest) {
					latest = row.UpdatedAt
				}
			}
			env.Data[name] = records
			if !latest.IsZero() {
				pending[name] = latest.Format(time.RFC3339Nano)
			}
			continue
		}

		since, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			since = time.Time{}
		}
		rows, err := s.partial.FetchSince(ctx, name, s.recordID, since)
		if err != nil {
			return nil, err
		}
		merged, latest := mergeRows(s.local.Collection(name), rows)
		env.Data[name] = merged
		if latest.After(since) {
			pending[name] = latest.Format(time.RFC3339Nano)
		}
	}

	commit := func() error {
		for name, cursor := range pending {
			if err := s.local.SetCursor(name, cursor); err != nil {
				return err
			}
		}
		return nil
	}
	return &FetchResult{Envelope: env, Commit: commit}, nil
}

// mergeRows applies changed rows onto the local records by id. Tombstones
// drop the record, live rows upsert it.
func mergeRows(local []models.Record, rows []models.PartialRow) ([]models.Record, time.Time) {
	byID := make(map[string]int, len(local))
	merged := make([]models.Record, 0, len(local)+len(rows))
	for _, rec := range local {
		byID[rec.ID()] = len(merged)
		merged = append(merged, rec)
	}

	deleted := map[string]struct{}{}
	latest := time.Time{}
	for _, row := range rows {
		if row.UpdatedAt.After(latest) {
			latest = row.UpdatedAt
		}
		if row.Deleted {
			deleted[row.ID] = struct{}{}
			continue
		}
		delete(deleted, row.ID)
		if idx, ok := byID[row.ID]; ok {
			merged[idx] = row.Payload
			continue
		}
		byID[row.ID] = len(merged)
		merged = append(merged, row.Payload)
	}

	if len(deleted) == 0 {
		return merged, latest
	}
	kept := make([]models.Record, 0, len(merged))
	for _, rec := range merged {
		if _, gone := deleted[rec.ID()]; gone {
			continue
		}
		kept = append(kept, rec)
	}
	return kept, latest
}

// ChooseStrategy probes the per-collection tables and picks partial mode
// when they exist, falling back to the single-row snapshot.
func ChooseStrategy(ctx context.Context, envelopes EnvelopeStore, partial PartialStore, local *store.Store, recordID string) ReplicationStrategy {
	if partial != nil && partial.Available(ctx) {
		return NewPartialTableStrategy(envelopes, partial, local, recordID)
	}
	return NewFullSnapshotStrategy(envelopes, recordID)
}
