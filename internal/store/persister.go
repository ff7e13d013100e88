package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/wingsfly/academy-sync/internal/models"
)

// SyncState is the durable engine bookkeeping kept next to the snapshot.
type SyncState struct {
	DeviceID        string                       `json:"device_id"`
	Version         int64                        `json:"version"`
	LastSyncAt      time.Time                    `json:"last_sync_at"`
	LastKnownCounts map[models.Collection]int    `json:"last_known_counts,omitempty"`
	Cursors         map[models.Collection]string `json:"cursors,omitempty"`
	LastBackupDate  string                       `json:"last_backup_date,omitempty"`
}

// Persister abstracts durable local storage for the snapshot and the
// engine state.
type Persister interface {
	LoadSnapshot() (models.Snapshot, error)
	SaveSnapshot(models.Snapshot) error
	LoadState() (SyncState, error)
	SaveState(SyncState) error
}

const (
	snapshotFile = "snapshot.json"
	stateFile    = "state.json"
)

// FilePersister keeps the snapshot and state as JSON files in a directory.
type FilePersister struct {
	dir string
}

// NewFilePersister creates the data directory if needed.
func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FilePersister{dir: dir}, nil
}

// LoadSnapshot reads the snapshot file. A missing file yields an empty
// snapshot, not an error.
func (p *FilePersister) LoadSnapshot() (models.Snapshot, error) {
	var snapshot models.Snapshot
	if err := p.readJSON(snapshotFile, &snapshot); err != nil {
		return nil, err
	}
	if snapshot == nil {
		snapshot = models.Snapshot{}
	}
	return snapshot, nil
}

// SaveSnapshot writes the snapshot file atomically.
func (p *FilePersister) SaveSnapshot(snapshot models.Snapshot) error {
	return p.writeJSON(snapshotFile, snapshot)
}

// LoadState reads the state file. A missing file yields a zero state.
func (p *FilePersister) LoadState() (SyncState, error) {
	var state SyncState
	if err := p.readJSON(stateFile, &state); err != nil {
		return SyncState{}, err
	}
	return state, nil
}

// SaveState writes the state file atomically.
func (p *FilePersister) SaveState(state SyncState) error {
	return p.writeJSON(stateFile, state)
}

func (p *FilePersister) readJSON(name string, out interface{}) error {
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, out)
}

func (p *FilePersister) writeJSON(name string, in interface{}) error {
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(p.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
