package engine

import (
	"context"
	stdsync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wingsfly/academy-sync/internal/models"
	"github.com/wingsfly/academy-sync/internal/store"
	"github.com/wingsfly/academy-sync/pkg/config"
)

// BackupSaver persists emergency snapshots before a suspicious adopt.
type BackupSaver interface {
	SaveEmergency(ctx context.Context, data models.Snapshot, version int64) error
}

// Publisher broadcasts change notifications to the other replicas.
type Publisher interface {
	Publish(ctx context.Context, channel string, value interface{}) error
}

// Metrics records engine outcomes. A nil-safe noop is used when metrics
// are disabled.
type Metrics interface {
	PushObserved(outcome string, d time.Duration)
	PullObserved(outcome string, d time.Duration)
	ConflictDetected(kind string)
	RealtimeReconnected()
	VersionGauge(v int64)
}

type nopMetrics struct{}

func (nopMetrics) PushObserved(string, time.Duration) {}
func (nopMetrics) PullObserved(string, time.Duration) {}
func (nopMetrics) ConflictDetected(string)            {}
func (nopMetrics) RealtimeReconnected()               {}
func (nopMetrics) VersionGauge(int64)                 {}

type pendingPush struct {
	reason string
	kind   models.ActionKind
}

// Engine coordinates replication for one device: debounced pushes, polled
// and realtime-triggered pulls, conflict resolution and the data-loss
// guards.
type Engine struct {
	cfg      config.SyncConfig
	store    *store.Store
	strategy ReplicationStrategy
	resolver *Resolver

	backups    BackupSaver
	publisher  Publisher
	subscriber Subscriber
	metrics    Metrics
	logger     *zap.Logger

	online          atomic.Bool
	initialSyncDone atomic.Bool
	realtimeActive  atomic.Bool

	mu         stdsync.Mutex
	pushing    bool
	pulling    bool
	pending    *pendingPush
	debounce   *time.Timer
	lastPushAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// Options carries the optional collaborators.
type Options struct {
	Backups    BackupSaver
	Publisher  Publisher
	Subscriber Subscriber
	Metrics    Metrics
}

// New wires an engine. The store mutation observer is registered here, so
// every local write schedules a debounced push.
func New(cfg config.SyncConfig, st *store.Store, strategy ReplicationStrategy, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}

	e := &Engine{
		cfg:        cfg,
		store:      st,
		strategy:   strategy,
		resolver:   NewResolver(cfg.PushGrace, cfg.SuspiciousShrinkMin, cfg.SuspiciousShrinkRatio),
		backups:    opts.Backups,
		publisher:  opts.Publisher,
		subscriber: opts.Subscriber,
		metrics:    metrics,
		logger:     logger,
	}
	e.online.Store(true)

	st.Subscribe(func(m store.Mutation) {
		e.SchedulePush(m.Action, m.Kind)
	})
	return e
}

// Start runs the initial pull, then the realtime listener and the polling
// loop. It returns once the background goroutines are launched.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.Pull(e.ctx, true); err != nil {
		e.logger.Warn("initial pull failed, pushes stay blocked until a pull succeeds", zap.Error(err))
	}

	if e.subscriber != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.listenRealtime(e.ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(e.ctx)
	}()
}

// Stop flushes pending local changes best-effort and waits for the
// background goroutines.
func (e *Engine) Stop(ctx context.Context) {
	e.FinalFlush(ctx)
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// SetOnline flips connectivity. Coming back online forces a pull and, when
// local changes queued up, a push.
func (e *Engine) SetOnline(online bool) {
	if e.online.Swap(online) == online {
		return
	}
	if !online {
		e.logger.Info("went offline, mutations queue locally")
		return
	}

	e.logger.Info("back online, reconciling")
	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if err := e.Pull(ctx, true); err != nil {
			e.logger.Warn("reconnect pull failed", zap.Error(err))
		}
		if e.store.HasDirty() {
			e.SchedulePush("reconnect sync", models.ActionSync)
		}
	}()
}

// Online reports current connectivity.
func (e *Engine) Online() bool { return e.online.Load() }

// InitialSyncDone reports whether the first pull reached a terminal state.
func (e *Engine) InitialSyncDone() bool { return e.initialSyncDone.Load() }

// Status is the engine view exposed over the admin surface.
type Status struct {
	DeviceID        string              `json:"device_id"`
	Version         int64               `json:"version"`
	Online          bool                `json:"online"`
	InitialSyncDone bool                `json:"initial_sync_done"`
	Strategy        string              `json:"strategy"`
	RealtimeActive  bool                `json:"realtime_active"`
	LastSyncAt      time.Time           `json:"last_sync_at"`
	LastPushAt      time.Time           `json:"last_push_at"`
	Dirty           []models.Collection `json:"dirty"`
	PendingPush     string              `json:"pending_push,omitempty"`
}

// Status snapshots the engine state.
func (e *Engine) Status() Status {
	state := e.store.State()

	e.mu.Lock()
	lastPush := e.lastPushAt
	pending := ""
	if e.pending != nil {
		pending = e.pending.reason
	}
	e.mu.Unlock()

	return Status{
		DeviceID:        state.DeviceID,
		Version:         state.Version,
		Online:          e.online.Load(),
		InitialSyncDone: e.initialSyncDone.Load(),
		Strategy:        e.strategy.Name(),
		RealtimeActive:  e.realtimeActive.Load(),
		LastSyncAt:      state.LastSyncAt,
		LastPushAt:      lastPush,
		Dirty:           e.store.Dirty(),
		PendingPush:     pending,
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.online.Load() {
				continue
			}
			e.mu.Lock()
			busy := e.pushing || e.pulling
			e.mu.Unlock()
			if busy {
				continue
			}
			if err := e.Pull(ctx, false); err != nil {
				e.logger.Debug("poll pull failed", zap.Error(err))
			}
		}
	}
}
