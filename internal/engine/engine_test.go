package engine

import (
	"context"
	"errors"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wingsfly/academy-sync/internal/models"
	"github.com/wingsfly/academy-sync/internal/store"
	"github.com/wingsfly/academy-sync/pkg/config"
	appErrors "github.com/wingsfly/academy-sync/pkg/errors"
)

// fakeStrategy is an in-memory remote.
type fakeStrategy struct {
	mu       stdsync.Mutex
	env      *models.Envelope
	pushErr  error
	fetchErr error
	pushes   []string
}

func (f *fakeStrategy) Name() string { return "fake" }

func (f *fakeStrategy) Meta(context.Context) (*models.EnvelopeMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.env == nil {
		return nil, nil
	}
	return &models.EnvelopeMeta{
		ID:          f.env.ID,
		Version:     f.env.Version,
		LastUpdated: f.env.LastUpdated,
		LastDevice:  f.env.LastDevice,
	}, nil
}

func (f *fakeStrategy) Fetch(context.Context) (*FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.env == nil {
		return &FetchResult{}, nil
	}
	env := *f.env
	env.Data = f.env.Data.Clone()
	return &FetchResult{Envelope: &env}, nil
}

func (f *fakeStrategy) Push(_ context.Context, env *models.Envelope, _ []models.Collection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	stored := *env
	stored.Data = env.Data.Clone()
	f.env = &stored
	f.pushes = append(f.pushes, env.LastAction)
	return nil
}

func (f *fakeStrategy) remote() *models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.env
}

func (f *fakeStrategy) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakeStrategy) setRemote(env *models.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.env = env
}

func (f *fakeStrategy) setPushErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushErr = err
}

type fakeBackups struct {
	mu    stdsync.Mutex
	calls int
}

func (f *fakeBackups) SaveEmergency(context.Context, models.Snapshot, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeBackups) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		TableName:             "academy_data",
		RecordID:              "academy_main",
		PullInterval:          time.Hour,
		PushDebounce:          100 * time.Millisecond,
		PushGrace:             80 * time.Millisecond,
		PushRetry:             25 * time.Millisecond,
		QueuedDelay:           5 * time.Millisecond,
		SettleDelay:           5 * time.Millisecond,
		WipeGuardMin:          5,
		SuspiciousShrinkMin:   5,
		SuspiciousShrinkRatio: 0.5,
		RealtimeChannel:       "academy:sync",
		RealtimeMaxReconnects: 3,
		RealtimeReconnectBase: time.Millisecond,
		RequestTimeout:        time.Second,
	}
}

func newTestEngine(t *testing.T, strategy ReplicationStrategy, opts Options) (*Engine, *store.Store) {
	t.Helper()

	persister, err := store.NewFilePersister(t.TempDir())
	require.NoError(t, err)
	st, err := store.New(persister, zap.NewNop())
	require.NoError(t, err)

	e := New(testSyncConfig(), st, strategy, opts, zap.NewNop())
	return e, st
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func students(n int) []models.Record {
	out := make([]models.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.Record{"id": string(rune('a' + i))})
	}
	return out
}

func TestFirstRunUnblocksPushes(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, st.ReplaceCollection(models.CollectionStudents, students(2), "seed", models.ActionCreate))
	assert.ErrorIs(t, e.PushNow(ctx, "too early", models.ActionUpdate), appErrors.ErrInitialSyncPending)

	require.NoError(t, e.Pull(ctx, true))
	assert.True(t, e.InitialSyncDone())

	// The first-run path schedules the initial upload by itself.
	waitFor(t, func() bool { return fake.remote() != nil }, "initial upload never happened")
	assert.Equal(t, int64(1), fake.remote().Version)
	assert.Len(t, fake.remote().Data[models.CollectionStudents], 2)
}

func TestPushVersionsAreMonotonic(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, e.Pull(ctx, true))

	require.NoError(t, st.ReplaceCollection(models.CollectionStudents, students(1), "first", models.ActionCreate))
	require.NoError(t, e.PushNow(ctx, "first", models.ActionCreate))
	v1 := st.Version()

	require.NoError(t, st.ReplaceCollection(models.CollectionStudents, students(2), "second", models.ActionCreate))
	require.NoError(t, e.PushNow(ctx, "second", models.ActionCreate))
	v2 := st.Version()

	assert.Greater(t, v2, v1)
	assert.GreaterOrEqual(t, fake.remote().Version, v2)
}

func TestPushRaceRenumbersPastRemote(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, e.Pull(ctx, true))

	// A peer pushed version 5 while we were debouncing.
	fake.setRemote(&models.Envelope{ID: "academy_main", Version: 5, LastDevice: "device_peer", Data: models.Snapshot{}})

	require.NoError(t, st.ReplaceCollection(models.CollectionStudents, students(1), "local edit", models.ActionCreate))
	require.NoError(t, e.PushNow(ctx, "local edit", models.ActionCreate))

	assert.Equal(t, int64(6), st.Version())
	assert.Equal(t, int64(6), fake.remote().Version)
}

func TestWipeGuardRefusesEmptyPush(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	remote := &models.Envelope{
		ID:          "academy_main",
		Version:     4,
		LastUpdated: time.Now().UTC(),
		LastDevice:  "device_peer",
		Data:        models.Snapshot{models.CollectionStudents: students(10)},
	}
	fake.setRemote(remote)
	require.NoError(t, e.Pull(ctx, true))
	require.Equal(t, 10, st.LastKnownCounts()[models.CollectionStudents])

	require.NoError(t, st.ReplaceCollection(models.CollectionStudents, nil, "oops", models.ActionUpdate))
	err := e.PushNow(ctx, "oops", models.ActionUpdate)
	assert.True(t, appErrors.Is(err, appErrors.ErrWipeGuard))
	assert.Equal(t, int64(4), fake.remote().Version, "remote must stay untouched")
}

func TestWipeGuardAllowsFactoryReset(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	fake.setRemote(&models.Envelope{
		ID: "academy_main", Version: 4, LastUpdated: time.Now().UTC(),
		LastDevice: "device_peer",
		Data:       models.Snapshot{models.CollectionStudents: students(10)},
	})
	require.NoError(t, e.Pull(ctx, true))

	require.NoError(t, st.ReplaceCollection(models.CollectionStudents, nil, "factory-reset", models.ActionFactoryReset))
	require.NoError(t, e.PushNow(ctx, "factory-reset", models.ActionFactoryReset))
	assert.Empty(t, fake.remote().Data[models.CollectionStudents])
}

func TestPullAdoptsNewerRemote(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	fake.setRemote(&models.Envelope{
		ID: "academy_main", Version: 3, LastUpdated: time.Now().UTC(),
		LastDevice: "device_peer",
		Data:       models.Snapshot{models.CollectionStudents: students(4)},
	})

	require.NoError(t, e.Pull(ctx, true))

	assert.Equal(t, int64(3), st.Version())
	assert.Len(t, st.Collection(models.CollectionStudents), 4)
	assert.False(t, st.HasDirty())
}

func TestPullIsIdempotent(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	fake.setRemote(&models.Envelope{
		ID: "academy_main", Version: 3, LastUpdated: time.Now().UTC(),
		LastDevice: "device_peer",
		Data:       models.Snapshot{models.CollectionStudents: students(4)},
	})

	require.NoError(t, e.Pull(ctx, true))
	require.NoError(t, e.Pull(ctx, true))
	require.NoError(t, e.Pull(ctx, true))

	assert.Equal(t, int64(3), st.Version())
	assert.Len(t, st.Collection(models.CollectionStudents), 4)
}

func TestPullSuppressesOwnEcho(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, e.Pull(ctx, true))
	require.NoError(t, st.ReplaceCollection(models.CollectionStudents, students(3), "seed", models.ActionCreate))
	require.NoError(t, e.PushNow(ctx, "seed", models.ActionCreate))

	// The remote now carries our own write. An immediate poll pull must not
	// re-apply it even though remote metadata looks adoptable.
	fake.mu.Lock()
	fake.env.Version = 99
	fake.env.Data = models.Snapshot{models.CollectionStudents: students(1)}
	fake.mu.Unlock()

	require.NoError(t, e.Pull(ctx, false))
	assert.Len(t, st.Collection(models.CollectionStudents), 3, "echo must be ignored inside the grace window")
}

func TestPullProtectsAgainstUnexplainedShrink(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	fake.setRemote(&models.Envelope{
		ID: "academy_main", Version: 3, LastUpdated: time.Now().UTC().Add(-time.Hour),
		LastDevice: "device_peer",
		Data:       models.Snapshot{models.CollectionStudents: students(10)},
	})
	require.NoError(t, e.Pull(ctx, true))
	require.Len(t, st.Collection(models.CollectionStudents), 10)

	// Same version, newer timestamp, fewer records, no deletion action.
	fake.setRemote(&models.Envelope{
		ID: "academy_main", Version: 3, LastUpdated: time.Now().UTC(),
		LastDevice: "device_peer", LastAction: "Auto-save",
		Data: models.Snapshot{models.CollectionStudents: students(6)},
	})

	require.NoError(t, e.Pull(ctx, true))

	assert.Len(t, st.Collection(models.CollectionStudents), 10, "local data must survive")
	assert.Equal(t, int64(3), st.Version(), "version fast-forwarded to remote")

	// The protective re-push replicates the local copy back out, landing
	// one version past the refused remote.
	waitFor(t, func() bool {
		remote := fake.remote()
		return remote != nil && len(remote.Data[models.CollectionStudents]) == 10
	}, "protective re-push never arrived")
	assert.Equal(t, int64(4), fake.remote().Version)
}

func TestPullSavesEmergencySnapshotOnMassLoss(t *testing.T) {
	fake := &fakeStrategy{}
	backups := &fakeBackups{}
	e, st := newTestEngine(t, fake, Options{Backups: backups})
	ctx := context.Background()

	fake.setRemote(&models.Envelope{
		ID: "academy_main", Version: 3, LastUpdated: time.Now().UTC().Add(-time.Hour),
		LastDevice: "device_peer",
		Data:       models.Snapshot{models.CollectionStudents: students(20)},
	})
	require.NoError(t, e.Pull(ctx, true))

	fake.setRemote(&models.Envelope{
		ID: "academy_main", Version: 9, LastUpdated: time.Now().UTC(),
		LastDevice: "device_peer", LastAction: "Auto-save",
		Data: models.Snapshot{models.CollectionStudents: students(2)},
	})

	require.NoError(t, e.Pull(ctx, true))

	assert.Equal(t, 1, backups.count(), "local copy snapshotted before the adopt")
	assert.Len(t, st.Collection(models.CollectionStudents), 2, "higher version still wins")
}

func TestPullPreservesLocalLogEntries(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, e.Pull(ctx, true))
	require.NoError(t, st.ReplaceCollection(models.CollectionActivityHistory,
		[]models.Record{{"id": "local_evt"}}, "log", models.ActionUpdate))

	fake.setRemote(&models.Envelope{
		ID: "academy_main", Version: 5, LastUpdated: time.Now().UTC(),
		LastDevice: "device_peer",
		Data: models.Snapshot{
			models.CollectionStudents:        students(1),
			models.CollectionActivityHistory: {{"id": "remote_evt"}},
		},
	})

	require.NoError(t, e.Pull(ctx, true))

	history := st.Collection(models.CollectionActivityHistory)
	ids := make(map[string]struct{}, len(history))
	for _, rec := range history {
		ids[rec.ID()] = struct{}{}
	}
	assert.Contains(t, ids, "remote_evt")
	assert.Contains(t, ids, "local_evt", "local-only audit entries survive the adopt")
}

func TestDebounceCoalescesBursts(t *testing.T) {
	fake := &fakeStrategy{}
	e, _ := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, e.Pull(ctx, true))

	e.SchedulePush("edit 1", models.ActionUpdate)
	e.SchedulePush("edit 2", models.ActionUpdate)
	e.SchedulePush("edit 3", models.ActionUpdate)

	waitFor(t, func() bool { return fake.pushCount() >= 1 }, "debounced push never fired")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, fake.pushCount(), "burst must collapse into one push")
	fake.mu.Lock()
	assert.Equal(t, "edit 3", fake.pushes[0], "the last reason wins")
	fake.mu.Unlock()
}

func TestOfflinePushDeferredUntilReconnect(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, e.Pull(ctx, true))
	e.SetOnline(false)

	require.NoError(t, st.ReplaceCollection(models.CollectionStudents, students(2), "offline edit", models.ActionCreate))
	assert.ErrorIs(t, e.PushNow(ctx, "offline edit", models.ActionCreate), appErrors.ErrOffline)
	assert.True(t, st.HasDirty())

	e.SetOnline(true)
	waitFor(t, func() bool {
		remote := fake.remote()
		return remote != nil && len(remote.Data[models.CollectionStudents]) == 2
	}, "queued change never reached the remote after reconnect")
	assert.False(t, st.HasDirty())
}

func TestPushRetriesOnceOnFailure(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, e.Pull(ctx, true))
	fake.setPushErr(errors.New("boom"))

	require.NoError(t, st.ReplaceCollection(models.CollectionStudents, students(1), "flaky edit", models.ActionCreate))
	err := e.PushNow(ctx, "flaky edit", models.ActionCreate)
	require.Error(t, err)
	assert.Equal(t, int64(0), st.Version(), "failed push rolls the version back")

	fake.setPushErr(nil)
	waitFor(t, func() bool { return fake.remote() != nil }, "retry push never arrived")

	fake.mu.Lock()
	retried := false
	for _, reason := range fake.pushes {
		if strings.Contains(reason, "[retry]") {
			retried = true
		}
	}
	fake.mu.Unlock()
	assert.True(t, retried, "the failed reason must come back tagged as a retry")
}

func TestConcurrentPushQueuesLatestReason(t *testing.T) {
	fake := &fakeStrategy{}
	e, _ := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, e.Pull(ctx, true))

	// Grab the single-flight slot by hand, then try to push.
	e.mu.Lock()
	e.pushing = true
	e.mu.Unlock()

	assert.ErrorIs(t, e.push(ctx, "while busy", models.ActionUpdate, false), appErrors.ErrSyncBusy)

	e.mu.Lock()
	require.NotNil(t, e.pending)
	assert.Equal(t, "while busy", e.pending.reason)
	e.pending = nil
	e.pushing = false
	e.mu.Unlock()
}

func TestFinalFlushPushesDirtyData(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, e.Pull(ctx, true))
	require.NoError(t, st.ReplaceCollection(models.CollectionStudents, students(3), "late edit", models.ActionCreate))

	e.FinalFlush(ctx)

	remote := fake.remote()
	require.NotNil(t, remote)
	assert.Len(t, remote.Data[models.CollectionStudents], 3)
	assert.Equal(t, "final flush", remote.LastAction)
}

func TestFinalFlushRunsWhilePushSlotHeld(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, e.Pull(ctx, true))
	require.NoError(t, st.ReplaceCollection(models.CollectionStudents, students(3), "late edit", models.ActionCreate))

	// An in-flight push holds the single-flight slot across shutdown. The
	// flush must still go out instead of parking in the pending queue.
	e.mu.Lock()
	e.pushing = true
	e.mu.Unlock()

	e.FinalFlush(ctx)

	remote := fake.remote()
	require.NotNil(t, remote)
	assert.Len(t, remote.Data[models.CollectionStudents], 3)
	assert.Equal(t, "final flush", remote.LastAction)
	assert.False(t, st.HasDirty())

	e.mu.Lock()
	e.pushing = false
	e.mu.Unlock()
}

func TestFinalFlushIgnoresOfflineFlag(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, e.Pull(ctx, true))
	require.NoError(t, st.ReplaceCollection(models.CollectionStudents, students(2), "late edit", models.ActionCreate))
	e.SetOnline(false)

	e.FinalFlush(ctx)

	remote := fake.remote()
	require.NotNil(t, remote)
	assert.Len(t, remote.Data[models.CollectionStudents], 2)
}

func TestStatusReportsEngineState(t *testing.T) {
	fake := &fakeStrategy{}
	e, st := newTestEngine(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, e.Pull(ctx, true))
	require.NoError(t, st.ReplaceCollection(models.CollectionStudents, students(1), "edit", models.ActionCreate))

	status := e.Status()
	assert.Equal(t, st.DeviceID(), status.DeviceID)
	assert.True(t, status.Online)
	assert.True(t, status.InitialSyncDone)
	assert.Equal(t, "fake", status.Strategy)
	assert.Contains(t, status.Dirty, models.CollectionStudents)
}
