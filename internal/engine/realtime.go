package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notification is the payload broadcast after a successful push.
type Notification struct {
	DeviceID string    `json:"device_id"`
	Version  int64     `json:"version"`
	At       time.Time `json:"at"`
}

// Subscriber opens the realtime change channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) *redis.PubSub
}

func (e *Engine) channelName() string {
	return e.cfg.RealtimeChannel + ":" + e.cfg.RecordID
}

// listenRealtime consumes peer notifications and triggers pulls. On channel
// loss it reconnects with a growing delay; after the attempt budget is
// spent the engine relies on polling alone.
func (e *Engine) listenRealtime(ctx context.Context) {
	attempts := 0
	for {
		pubsub := e.subscriber.Subscribe(ctx, e.channelName())
		if pubsub == nil {
			return
		}

		e.realtimeActive.Store(true)
		e.logger.Info("realtime channel open", zap.String("channel", e.channelName()))
		e.consume(ctx, pubsub)
		_ = pubsub.Close()
		e.realtimeActive.Store(false)

		if ctx.Err() != nil {
			return
		}

		attempts++
		e.metrics.RealtimeReconnected()
		if attempts > e.cfg.RealtimeMaxReconnects {
			e.logger.Warn("realtime reconnect budget spent, polling only")
			return
		}
		delay := e.cfg.RealtimeReconnectBase * time.Duration(attempts)
		e.logger.Info("realtime channel lost, reconnecting",
			zap.Int("attempt", attempts), zap.Duration("in", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (e *Engine) consume(ctx context.Context, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	deviceID := e.store.DeviceID()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var note Notification
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				e.logger.Debug("bad realtime payload", zap.Error(err))
				continue
			}
			if note.DeviceID == deviceID {
				continue
			}
			e.logger.Debug("peer change notification",
				zap.String("from", note.DeviceID), zap.Int64("version", note.Version))
			// Let the peer's write settle before reading it back.
			if e.cfg.SettleDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.cfg.SettleDelay):
				}
			}
			if err := e.Pull(ctx, false); err != nil {
				e.logger.Debug("realtime pull failed", zap.Error(err))
			}
		}
	}
}
