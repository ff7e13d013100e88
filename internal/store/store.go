package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wingsfly/academy-sync/internal/models"
)

// Mutation describes a local change for push scheduling.
type Mutation struct {
	Collection models.Collection
	Action     string
	Kind       models.ActionKind
}

// Observer is notified after every local mutation has been persisted.
type Observer func(Mutation)

// Store holds the working copy of the replicated dataset. All access is
// serialized through a single mutex, matching the single-writer model of
// the browser clients it replaces.
type Store struct {
	mu        sync.Mutex
	snapshot  models.Snapshot
	state     SyncState
	dirty     map[models.Collection]struct{}
	persister Persister
	observers []Observer
	logger    *zap.Logger
}

// New loads the snapshot and state from the persister. A fresh data
// directory produces an empty snapshot and a newly minted device ID.
func New(persister Persister, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	snapshot, err := persister.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	state, err := persister.LoadState()
	if err != nil {
		return nil, err
	}

	if state.DeviceID == "" {
		state.DeviceID = "device_" + uuid.NewString()
		if err := persister.SaveState(state); err != nil {
			return nil, err
		}
		logger.Info("minted device id", zap.String("device_id", state.DeviceID))
	}
	if state.LastKnownCounts == nil {
		state.LastKnownCounts = map[models.Collection]int{}
	}
	if state.Cursors == nil {
		state.Cursors = map[models.Collection]string{}
	}

	return &Store{
		snapshot:  snapshot,
		state:     state,
		dirty:     map[models.Collection]struct{}{},
		persister: persister,
		logger:    logger,
	}, nil
}

// Subscribe registers an observer for local mutations. Not safe to call
// concurrently with mutations; wire observers during startup.
func (s *Store) Subscribe(obs Observer) {
	s.observers = append(s.observers, obs)
}

// DeviceID returns the stable identifier of this replica.
func (s *Store) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.DeviceID
}

// Version returns the current local version clock.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Version
}

// SetVersion moves the version clock. Used by the pusher for its optimistic
// increment and rollback.
func (s *Store) SetVersion(v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Version = v
	return s.persister.SaveState(s.state)
}

// State returns a copy of the durable engine state.
func (s *Store) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyStateLocked()
}

// Snapshot returns a shallow clone of the working dataset.
func (s *Store) Snapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Clone()
}

// Collection returns the records of one collection.
func (s *Store) Collection(name models.Collection) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.snapshot[name]
	out := make([]models.Record, len(records))
	copy(out, records)
	return out
}

// Counts returns per-collection record counts.
func (s *Store) Counts() map[models.Collection]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Counts()
}

// ReplaceCollection applies a local mutation: the collection content is
// replaced, the collection is marked dirty, the snapshot is persisted and
// observers are notified so a push gets scheduled.
func (s *Store) ReplaceCollection(name models.Collection, records []models.Record, action string, kind models.ActionKind) error {
	s.mu.Lock()
	if s.snapshot == nil {
		s.snapshot = models.Snapshot{}
	}
	s.snapshot[name] = records
	s.dirty[name] = struct{}{}
	err := s.persister.SaveSnapshot(s.snapshot)
	observers := s.observers
	s.mu.Unlock()

	if err != nil {
		return err
	}

	for _, obs := range observers {
		obs(Mutation{Collection: name, Action: action, Kind: kind})
	}
	return nil
}

// MarkDirty flags a collection for replication without touching its
// content. Used when an external writer already persisted the records
// through its own path.
func (s *Store) MarkDirty(name models.Collection, action string, kind models.ActionKind) {
	s.mu.Lock()
	s.dirty[name] = struct{}{}
	observers := s.observers
	s.mu.Unlock()

	for _, obs := range observers {
		obs(Mutation{Collection: name, Action: action, Kind: kind})
	}
}

// AdoptRemote replaces the full dataset with a remote snapshot. The dirty
// set is cleared and observers are NOT notified, so an adopt never triggers
// an echo push.
func (s *Store) AdoptRemote(snapshot models.Snapshot, version int64, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot = snapshot.Clone()
	s.state.Version = version
	s.state.LastSyncAt = syncedAt
	s.state.LastKnownCounts = s.snapshot.Counts()
	s.dirty = map[models.Collection]struct{}{}

	if err := s.persister.SaveSnapshot(s.snapshot); err != nil {
		return err
	}
	return s.persister.SaveState(s.state)
}

// MarkSynced records a completed push: version and counts are now the
// acknowledged remote truth.
func (s *Store) MarkSynced(version int64, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Version = version
	s.state.LastSyncAt = syncedAt
	s.state.LastKnownCounts = s.snapshot.Counts()
	s.dirty = map[models.Collection]struct{}{}
	return s.persister.SaveState(s.state)
}

// Dirty returns the collections mutated since the last completed sync.
func (s *Store) Dirty() []models.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Collection, 0, len(s.dirty))
	for name := range s.dirty {
		out = append(out, name)
	}
	return out
}

// HasDirty reports whether any local mutation awaits replication.
func (s *Store) HasDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty) > 0
}

// LastKnownCounts returns the per-collection counts recorded at the last
// completed sync. The wipe guard compares against these.
func (s *Store) LastKnownCounts() map[models.Collection]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[models.Collection]int, len(s.state.LastKnownCounts))
	for name, count := range s.state.LastKnownCounts {
		out[name] = count
	}
	return out
}

// Cursor returns the incremental fetch cursor for a collection.
func (s *Store) Cursor(name models.Collection) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Cursors[name]
}

// SetCursor advances the incremental fetch cursor for a collection.
func (s *Store) SetCursor(name models.Collection, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Cursors[name] = cursor
	return s.persister.SaveState(s.state)
}

// LastBackupDate returns the calendar date of the last daily backup.
func (s *Store) LastBackupDate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastBackupDate
}

// SetLastBackupDate records that a daily backup ran.
func (s *Store) SetLastBackupDate(date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastBackupDate = date
	return s.persister.SaveState(s.state)
}

func (s *Store) copyStateLocked() SyncState {
	state := s.state
	state.LastKnownCounts = make(map[models.Collection]int, len(s.state.LastKnownCounts))
	for name, count := range s.state.LastKnownCounts {
		state.LastKnownCounts[name] = count
	}
	state.Cursors = make(map[models.Collection]string, len(s.state.Cursors))
	for name, cursor := range s.state.Cursors {
		state.Cursors[name] = cursor
	}
	return state
}
