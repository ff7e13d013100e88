package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wingsfly/academy-sync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	persister, err := NewFilePersister(t.TempDir())
	require.NoError(t, err)

	s, err := New(persister, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestNewMintsDeviceID(t *testing.T) {
	s := newTestStore(t)
	assert.NotEmpty(t, s.DeviceID())
	assert.Contains(t, s.DeviceID(), "device_")
}

func TestDeviceIDSurvivesReload(t *testing.T) {
	dir := t.TempDir()

	persister, err := NewFilePersister(dir)
	require.NoError(t, err)
	first, err := New(persister, zap.NewNop())
	require.NoError(t, err)

	second, err := New(persister, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, first.DeviceID(), second.DeviceID())
}

func TestReplaceCollectionMarksDirtyAndNotifies(t *testing.T) {
	s := newTestStore(t)

	var got Mutation
	s.Subscribe(func(m Mutation) { got = m })

	records := []models.Record{{"id": "s1", "name": "Kim"}}
	err := s.ReplaceCollection(models.CollectionStudents, records, "student added", models.ActionCreate)
	require.NoError(t, err)

	assert.True(t, s.HasDirty())
	assert.Equal(t, []models.Collection{models.CollectionStudents}, s.Dirty())
	assert.Equal(t, models.CollectionStudents, got.Collection)
	assert.Equal(t, models.ActionCreate, got.Kind)
	assert.Len(t, s.Collection(models.CollectionStudents), 1)
}

func TestMarkDirtyNotifiesWithoutContentChange(t *testing.T) {
	s := newTestStore(t)

	var got Mutation
	s.Subscribe(func(m Mutation) { got = m })

	s.MarkDirty(models.CollectionFinance, "fee recorded", models.ActionUpdate)

	assert.Equal(t, []models.Collection{models.CollectionFinance}, s.Dirty())
	assert.Equal(t, models.CollectionFinance, got.Collection)
	assert.Empty(t, s.Collection(models.CollectionFinance))
}

func TestAdoptRemoteClearsDirtyWithoutNotifying(t *testing.T) {
	s := newTestStore(t)

	notified := 0
	s.Subscribe(func(Mutation) { notified++ })

	require.NoError(t, s.ReplaceCollection(models.CollectionStudents, []models.Record{{"id": "s1"}}, "add", models.ActionCreate))
	require.Equal(t, 1, notified)

	remote := models.Snapshot{
		models.CollectionStudents: {{"id": "s1"}, {"id": "s2"}},
	}
	now := time.Now().UTC()
	require.NoError(t, s.AdoptRemote(remote, 7, now))

	assert.Equal(t, 1, notified, "adopt must not look like a local mutation")
	assert.False(t, s.HasDirty())
	assert.Equal(t, int64(7), s.Version())
	assert.Equal(t, 2, s.LastKnownCounts()[models.CollectionStudents])
}

func TestMarkSyncedRecordsCounts(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.ReplaceCollection(models.CollectionFinance, []models.Record{{"id": "f1"}, {"id": "f2"}}, "payments", models.ActionUpdate))
	require.NoError(t, s.MarkSynced(3, time.Now().UTC()))

	assert.False(t, s.HasDirty())
	assert.Equal(t, int64(3), s.Version())
	assert.Equal(t, 2, s.LastKnownCounts()[models.CollectionFinance])
}

func TestSnapshotSurvivesReload(t *testing.T) {
	dir := t.TempDir()

	persister, err := NewFilePersister(dir)
	require.NoError(t, err)
	s, err := New(persister, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.ReplaceCollection(models.CollectionEmployees, []models.Record{{"id": "e1", "role": "teacher"}}, "hire", models.ActionCreate))

	reloaded, err := New(persister, zap.NewNop())
	require.NoError(t, err)

	records := reloaded.Collection(models.CollectionEmployees)
	require.Len(t, records, 1)
	assert.Equal(t, "e1", records[0].ID())
}

func TestCursorsPersist(t *testing.T) {
	dir := t.TempDir()

	persister, err := NewFilePersister(dir)
	require.NoError(t, err)
	s, err := New(persister, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.SetCursor(models.CollectionStudents, "2026-01-02T03:04:05Z"))

	reloaded, err := New(persister, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z", reloaded.Cursor(models.CollectionStudents))
	assert.Empty(t, reloaded.Cursor(models.CollectionFinance))
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.ReplaceCollection(models.CollectionStudents, []models.Record{{"id": "s1"}}, "add", models.ActionCreate))

	clone := s.Snapshot()
	clone[models.CollectionStudents] = append(clone[models.CollectionStudents], models.Record{"id": "s2"})

	assert.Len(t, s.Collection(models.CollectionStudents), 1)
}
