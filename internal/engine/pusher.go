package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wingsfly/academy-sync/internal/models"
	appErrors "github.com/wingsfly/academy-sync/pkg/errors"
)

// SchedulePush arms the debounce timer. A burst of mutations collapses
// into one push carrying the last reason.
func (e *Engine) SchedulePush(reason string, kind models.ActionKind) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.cfg.PushDebounce, func() {
		ctx := e.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := e.push(ctx, reason, kind, false); err != nil {
			e.logger.Debug("scheduled push did not complete", zap.String("reason", reason), zap.Error(err))
		}
	})
}

// PushNow bypasses the debounce. Used by the admin surface and the final
// flush.
func (e *Engine) PushNow(ctx context.Context, reason string, kind models.ActionKind) error {
	return e.push(ctx, reason, kind, false)
}

// push is the single-flight entry. A push arriving while one is in flight
// parks its reason in the pending slot; the latest reason wins and runs
// right after the current attempt.
func (e *Engine) push(ctx context.Context, reason string, kind models.ActionKind, isRetry bool) error {
	if !e.online.Load() {
		e.logger.Info("offline, push deferred", zap.String("reason", reason))
		return appErrors.ErrOffline
	}
	if !e.initialSyncDone.Load() {
		e.logger.Warn("push blocked until initial pull completes", zap.String("reason", reason))
		return appErrors.ErrInitialSyncPending
	}

	e.mu.Lock()
	if e.pushing {
		e.pending = &pendingPush{reason: reason, kind: kind}
		e.mu.Unlock()
		e.logger.Info("push in progress, queued", zap.String("reason", reason))
		return appErrors.ErrSyncBusy
	}
	e.pushing = true
	e.mu.Unlock()

	err := e.doPush(ctx, reason, kind)

	e.mu.Lock()
	e.pushing = false
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	if err != nil {
		next := reason
		nextKind := kind
		if pending != nil {
			next = pending.reason
			nextKind = pending.kind
		}
		if isRetry {
			e.logger.Warn("retry push failed, giving up", zap.String("reason", next), zap.Error(err))
			return err
		}
		e.logger.Warn("push failed, retrying once", zap.String("reason", next), zap.Duration("in", e.cfg.PushRetry), zap.Error(err))
		time.AfterFunc(e.cfg.PushRetry, func() {
			retryCtx := e.ctx
			if retryCtx == nil {
				retryCtx = context.Background()
			}
			_ = e.push(retryCtx, next+" [retry]", nextKind, true)
		})
		return err
	}

	if pending != nil {
		queued := *pending
		time.AfterFunc(e.cfg.QueuedDelay, func() {
			queuedCtx := e.ctx
			if queuedCtx == nil {
				queuedCtx = context.Background()
			}
			_ = e.push(queuedCtx, queued.reason, queued.kind, false)
		})
	}
	return nil
}

// doPush performs one replication attempt: wipe guard, optimistic version
// bump with a pre-write race recheck, upsert, then bookkeeping and the
// realtime notification.
func (e *Engine) doPush(ctx context.Context, reason string, kind models.ActionKind) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	start := time.Now()

	if err := e.checkWipeGuard(reason, kind); err != nil {
		e.metrics.PushObserved("wipe_guard", time.Since(start))
		return err
	}

	oldVersion := e.store.Version()
	candidate := oldVersion + 1

	// Another device may have pushed while we were debouncing. Renumber
	// past the remote clock so our write is not mistaken for stale data.
	if meta, err := e.strategy.Meta(ctx); err == nil && meta != nil && meta.Version >= candidate {
		e.logger.Warn("version race detected, renumbering",
			zap.Int64("remote", meta.Version), zap.Int64("candidate", candidate))
		candidate = meta.Version + 1
	}

	if err := e.store.SetVersion(candidate); err != nil {
		return err
	}

	now := time.Now().UTC()
	deviceID := e.store.DeviceID()
	env := &models.Envelope{
		ID:          e.cfg.RecordID,
		Data:        e.store.Snapshot(),
		Version:     candidate,
		LastUpdated: now,
		LastDevice:  deviceID,
		LastAction:  reason,
		ActionKind:  kind,
		UpdatedBy:   deviceID,
		UpdatedAt:   now,
	}

	if err := e.strategy.Push(ctx, env, e.store.Dirty()); err != nil {
		if rollbackErr := e.store.SetVersion(oldVersion); rollbackErr != nil {
			e.logger.Error("version rollback failed", zap.Error(rollbackErr))
		}
		e.metrics.PushObserved("error", time.Since(start))
		return appErrors.Wrap(err, appErrors.ErrRemoteUnavailable.Code, appErrors.ErrRemoteUnavailable.Status, "push failed")
	}

	if err := e.store.MarkSynced(candidate, now); err != nil {
		return err
	}
	e.mu.Lock()
	e.lastPushAt = now
	e.mu.Unlock()

	e.metrics.PushObserved("success", time.Since(start))
	e.metrics.VersionGauge(candidate)
	e.logger.Info("pushed", zap.Int64("version", candidate), zap.String("reason", reason))

	e.notifyPeers(candidate, now)
	return nil
}

// checkWipeGuard refuses to replicate an empty protected collection over a
// previously healthy one. Factory resets pass through.
func (e *Engine) checkWipeGuard(reason string, kind models.ActionKind) error {
	if kind == models.ActionFactoryReset || strings.Contains(strings.ToLower(reason), "factory-reset") {
		return nil
	}

	counts := e.store.Counts()
	for name, lastKnown := range e.store.LastKnownCounts() {
		if !name.Protected() {
			continue
		}
		if lastKnown > e.cfg.WipeGuardMin && counts[name] == 0 {
			e.logger.Error("push refused, local collection wiped",
				zap.String("collection", string(name)), zap.Int("last_known", lastKnown))
			return appErrors.Clone(appErrors.ErrWipeGuard,
				fmt.Sprintf("refusing to overwrite %d %s records with an empty set", lastKnown, name))
		}
	}
	return nil
}

func (e *Engine) notifyPeers(version int64, at time.Time) {
	if e.publisher == nil {
		return
	}
	note := Notification{DeviceID: e.store.DeviceID(), Version: version, At: at}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.publisher.Publish(ctx, e.channelName(), note); err != nil {
		e.logger.Debug("realtime notify failed", zap.Error(err))
	}
}
