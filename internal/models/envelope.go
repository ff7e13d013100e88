package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Collection identifies one replicated dataset inside the snapshot.
type Collection string

const (
	CollectionStudents        Collection = "students"
	CollectionEmployees       Collection = "employees"
	CollectionFinance         Collection = "finance"
	CollectionClasses         Collection = "classes"
	CollectionAttendance      Collection = "attendance"
	CollectionSettings        Collection = "settings"
	CollectionDeletedItems    Collection = "deleted_items"
	CollectionActivityHistory Collection = "activity_history"
)

// Collections lists every replicated dataset in a stable order.
var Collections = []Collection{
	CollectionStudents,
	CollectionEmployees,
	CollectionFinance,
	CollectionClasses,
	CollectionAttendance,
	CollectionSettings,
	CollectionDeletedItems,
	CollectionActivityHistory,
}

// protectedCollections carry primary business data. A shrink in one of these
// triggers the data-loss guard; log collections never do.
var protectedCollections = map[Collection]struct{}{
	CollectionStudents:  {},
	CollectionEmployees: {},
	CollectionFinance:   {},
}

// logCollections are append-only audit trails. During a pull the local rows
// are unioned with remote ones instead of being overwritten.
var logCollections = map[Collection]struct{}{
	CollectionDeletedItems:    {},
	CollectionActivityHistory: {},
}

// Protected reports whether the collection holds primary business data.
func (c Collection) Protected() bool {
	_, ok := protectedCollections[c]
	return ok
}

// Log reports whether the collection is an append-only audit trail.
func (c Collection) Log() bool {
	_, ok := logCollections[c]
	return ok
}

// Known reports whether the collection name is one of the replicated sets.
func (c Collection) Known() bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}

// Record is a single row of a collection. Shape is owned by the UI, the
// engine only relies on the "id" key.
type Record map[string]interface{}

// ID returns the record identifier, empty when absent or not a string.
func (r Record) ID() string {
	v, ok := r["id"]
	if !ok {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprintf("%v", id)
	}
}

// Snapshot is the full replicated dataset keyed by collection.
type Snapshot map[Collection][]Record

// Counts returns the number of records per collection.
func (s Snapshot) Counts() map[Collection]int {
	counts := make(map[Collection]int, len(s))
	for name, records := range s {
		counts[name] = len(records)
	}
	return counts
}

// Count returns the record count for a single collection.
func (s Snapshot) Count(name Collection) int {
	return len(s[name])
}

// Clone deep-copies the snapshot structure. Record values are shared.
func (s Snapshot) Clone() Snapshot {
	clone := make(Snapshot, len(s))
	for name, records := range s {
		copied := make([]Record, len(records))
		copy(copied, records)
		clone[name] = copied
	}
	return clone
}

// Value implements driver.Valuer so a snapshot persists as JSONB.
func (s Snapshot) Value() (driver.Value, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner for JSONB columns.
func (s *Snapshot) Scan(src interface{}) error {
	switch data := src.(type) {
	case nil:
		*s = Snapshot{}
		return nil
	case []byte:
		return json.Unmarshal(data, s)
	case string:
		return json.Unmarshal([]byte(data), s)
	default:
		return fmt.Errorf("snapshot: cannot scan %T", src)
	}
}

// ActionKind classifies the mutation that produced a version.
type ActionKind string

const (
	ActionCreate       ActionKind = "create"
	ActionUpdate       ActionKind = "update"
	ActionDelete       ActionKind = "delete"
	ActionRestore      ActionKind = "restore"
	ActionSync         ActionKind = "sync"
	ActionFactoryReset ActionKind = "factory_reset"
)

// IntentionalShrink reports whether the kind explains a smaller dataset.
// Deletions, factory resets and restores of an older snapshot all remove
// records on purpose.
func (k ActionKind) IntentionalShrink() bool {
	return k == ActionDelete || k == ActionRestore || k == ActionFactoryReset
}

// deletionWords is the legacy fallback for writers that only supply a
// free-text reason. Matched as substrings, case-insensitive.
var deletionWords = []string{"delete", "trash", "remove"}

// DeletionReason reports whether a free-text action reason describes an
// intentional removal.
func DeletionReason(reason string) bool {
	lowered := strings.ToLower(reason)
	for _, word := range deletionWords {
		if strings.Contains(lowered, word) {
			return true
		}
	}
	return false
}

// Envelope is the single replicated row holding the whole dataset.
type Envelope struct {
	ID          string     `db:"id" json:"id"`
	Data        Snapshot   `db:"data" json:"data"`
	Version     int64      `db:"version" json:"version"`
	LastUpdated time.Time  `db:"last_updated" json:"last_updated"`
	LastDevice  string     `db:"last_device" json:"last_device"`
	LastAction  string     `db:"last_action" json:"last_action"`
	ActionKind  ActionKind `db:"action_kind" json:"action_kind"`
	UpdatedBy   string     `db:"updated_by" json:"updated_by"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// EnvelopeMeta is the version header fetched without the payload, used for
// the cheap race recheck after an optimistic push.
type EnvelopeMeta struct {
	ID          string    `db:"id" json:"id"`
	Version     int64     `db:"version" json:"version"`
	LastUpdated time.Time `db:"last_updated" json:"last_updated"`
	LastDevice  string    `db:"last_device" json:"last_device"`
}

// PartialRow is one record in per-collection table mode. The payload keeps
// the UI-owned shape, deletion is a tombstone flag so removals replicate.
type PartialRow struct {
	ID         string     `db:"id" json:"id"`
	AcademyID  string     `db:"academy_id" json:"academy_id"`
	Collection Collection `db:"collection" json:"collection"`
	Payload    Record     `db:"payload" json:"payload"`
	Deleted    bool       `db:"deleted" json:"deleted"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// Value implements driver.Valuer for the payload column.
func (r Record) Value() (driver.Value, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner for the payload column.
func (r *Record) Scan(src interface{}) error {
	switch data := src.(type) {
	case nil:
		*r = Record{}
		return nil
	case []byte:
		return json.Unmarshal(data, r)
	case string:
		return json.Unmarshal([]byte(data), r)
	default:
		return fmt.Errorf("record: cannot scan %T", src)
	}
}
