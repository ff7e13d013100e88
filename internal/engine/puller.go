package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wingsfly/academy-sync/internal/models"
	appErrors "github.com/wingsfly/academy-sync/pkg/errors"
)

// Pull fetches the remote state and reconciles it with the local copy.
// Unforced pulls inside the post-push grace window are skipped so our own
// write does not bounce back. Forced pulls come from the admin surface,
// reconnects and startup.
func (e *Engine) Pull(ctx context.Context, forced bool) error {
	if !e.online.Load() {
		return appErrors.ErrOffline
	}

	e.mu.Lock()
	if e.pulling {
		e.mu.Unlock()
		return appErrors.ErrSyncBusy
	}
	e.pulling = true
	lastPush := e.lastPushAt
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.pulling = false
		e.mu.Unlock()
	}()

	if !forced && !lastPush.IsZero() && time.Since(lastPush) < e.cfg.PushGrace {
		e.logger.Debug("pull skipped inside push grace window")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	start := time.Now()

	res, err := e.strategy.Fetch(ctx)
	if err != nil {
		e.metrics.PullObserved("error", time.Since(start))
		return appErrors.Wrap(err, appErrors.ErrRemoteUnavailable.Code, appErrors.ErrRemoteUnavailable.Status, "pull failed")
	}

	// No remote row yet: this replica is first. That is a terminal success,
	// pushes unblock and the local dataset seeds the remote.
	if res.Envelope == nil {
		e.initialSyncDone.Store(true)
		e.metrics.PullObserved("first_run", time.Since(start))
		e.logger.Info("no remote data yet, this device seeds the record")
		if e.store.HasDirty() || len(e.store.Snapshot()) > 0 {
			e.SchedulePush("initial upload", models.ActionSync)
		}
		return nil
	}

	remote := res.Envelope
	state := e.store.State()
	now := time.Now().UTC()

	resolution := e.resolver.Resolve(
		RemoteMeta{
			Version:     remote.Version,
			LastUpdated: remote.LastUpdated,
			LastDevice:  remote.LastDevice,
			LastAction:  remote.LastAction,
			ActionKind:  remote.ActionKind,
		},
		LocalMeta{
			Version:    state.Version,
			DeviceID:   state.DeviceID,
			LastSyncAt: state.LastSyncAt,
			LastPushAt: lastPush,
			Forced:     forced,
		},
		remote.Data.Counts(),
		e.store.Counts(),
		now,
	)

	// Whatever the decision, the first pull has reached a terminal state.
	e.initialSyncDone.Store(true)

	switch resolution.Decision {
	case DecisionReject:
		e.metrics.PullObserved("reject", time.Since(start))
		e.logger.Debug("pull rejected", zap.String("why", resolution.Reason))
		return nil

	case DecisionProtect:
		e.metrics.ConflictDetected("data_loss_protect")
		e.metrics.PullObserved("protect", time.Since(start))
		e.logger.Warn("remote shrink refused, re-pushing local data",
			zap.Int64("fast_forward", resolution.FastForwardTo),
			zap.Any("shrunk", resolution.Shrunk))
		if err := e.store.SetVersion(resolution.FastForwardTo); err != nil {
			return err
		}
		e.SchedulePush("data loss prevention push", models.ActionSync)
		return nil
	}

	if resolution.EmergencySnapshot {
		e.saveEmergencySnapshot(ctx, state.Version)
	}

	merged := e.preserveLogs(remote.Data)
	if err := e.store.AdoptRemote(merged, remote.Version, now); err != nil {
		return err
	}
	if res.Commit != nil {
		if err := res.Commit(); err != nil {
			e.logger.Warn("cursor commit failed", zap.Error(err))
		}
	}

	e.metrics.PullObserved("adopt", time.Since(start))
	e.metrics.VersionGauge(remote.Version)
	e.logger.Info("adopted remote data",
		zap.Int64("version", remote.Version),
		zap.String("from", remote.LastDevice),
		zap.String("why", resolution.Reason))
	return nil
}

// preserveLogs keeps append-only audit collections whole: remote entries
// win, local-only entries survive the adopt.
func (e *Engine) preserveLogs(remote models.Snapshot) models.Snapshot {
	merged := remote.Clone()
	for _, name := range models.Collections {
		if !name.Log() {
			continue
		}
		local := e.store.Collection(name)
		if len(local) == 0 {
			continue
		}
		seen := make(map[string]struct{}, len(merged[name]))
		for _, rec := range merged[name] {
			seen[rec.ID()] = struct{}{}
		}
		for _, rec := range local {
			if _, ok := seen[rec.ID()]; ok {
				continue
			}
			merged[name] = append(merged[name], rec)
		}
	}
	return merged
}

func (e *Engine) saveEmergencySnapshot(ctx context.Context, version int64) {
	e.metrics.ConflictDetected("emergency_snapshot")
	e.logger.Warn("suspicious mass loss in remote data, snapshotting local copy first")
	if e.backups == nil {
		return
	}
	if err := e.backups.SaveEmergency(ctx, e.store.Snapshot(), version); err != nil {
		e.logger.Error("emergency snapshot failed", zap.Error(err))
	}
}

// FinalFlush writes outstanding local changes straight through the
// strategy during shutdown. The single-flight, offline and initial-sync
// gates are deliberately skipped: a dying process gets exactly one
// best-effort write, and a push parked behind an in-flight attempt would
// never run again.
func (e *Engine) FinalFlush(ctx context.Context) {
	if !e.store.HasDirty() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	if err := e.checkWipeGuard("final flush", models.ActionSync); err != nil {
		e.logger.Warn("final flush refused", zap.Error(err))
		return
	}

	version := e.store.Version() + 1
	if meta, err := e.strategy.Meta(ctx); err == nil && meta != nil && meta.Version >= version {
		version = meta.Version + 1
	}

	now := time.Now().UTC()
	deviceID := e.store.DeviceID()
	env := &models.Envelope{
		ID:          e.cfg.RecordID,
		Data:        e.store.Snapshot(),
		Version:     version,
		LastUpdated: now,
		LastDevice:  deviceID,
		LastAction:  "final flush",
		ActionKind:  models.ActionSync,
		UpdatedBy:   deviceID,
		UpdatedAt:   now,
	}

	if err := e.strategy.Push(ctx, env, e.store.Dirty()); err != nil {
		e.logger.Warn("final flush failed", zap.Error(err))
		return
	}
	if err := e.store.MarkSynced(version, now); err != nil {
		e.logger.Warn("final flush bookkeeping failed", zap.Error(err))
	}
}
