package coordinator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rvierich/tsrelay/internal/store"
)

const janitorSchedule = "@every 1m"

// startJanitor schedules the periodic sweep for channel state orphaned
// by crashed workers. Every worker runs the sweep; the operations are
// idempotent so overlap between workers is harmless.
func (c *Coordinator) startJanitor() *cron.Cron {
	jc := cron.New()
	_, err := jc.AddFunc(janitorSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.sweepOrphans(ctx)
	})
	if err != nil {
		c.logger.Error("scheduling janitor", slog.String("error", err.Error()))
		return jc
	}
	jc.Start()
	return jc
}

// sweepOrphans finds channels whose owner is gone and removes their
// state once no clients remain. Channels with live clients are left for
// the ownerless-channel handling in the cleanup loop.
func (c *Coordinator) sweepOrphans(ctx context.Context) {
	err := c.store.Scan(ctx, "channel:*:metadata", func(keys []string) error {
		for _, key := range keys {
			channelID := channelIDFromMetadataKey(key)
			if channelID == "" {
				continue
			}
			c.sweepChannel(ctx, channelID)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("orphan sweep failed", slog.String("error", err.Error()))
	}
	c.sweepProfileCounters(ctx)
}

// sweepProfileCounters deletes drained upstream connection counters.
// Release floors them at zero, so a zero counter carries no state and a
// negative one is leftover from a crashed worker.
func (c *Coordinator) sweepProfileCounters(ctx context.Context) {
	err := c.store.Scan(ctx, "profile_connections:*", func(keys []string) error {
		for _, key := range keys {
			n, err := c.store.GetInt(ctx, key)
			if err != nil || n > 0 {
				continue
			}
			if err := c.store.Del(ctx, key); err == nil {
				c.logger.Debug("removed drained profile counter", slog.String("key", key))
			}
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("profile counter sweep failed", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) sweepChannel(ctx context.Context, channelID string) {
	owner, err := c.lease.Owner(ctx, channelID)
	if err != nil {
		return
	}
	if owner != "" {
		alive, err := c.store.Exists(ctx, store.WorkerHeartbeatKey(owner))
		if err != nil || alive {
			return
		}
		// Owner key present but the worker stopped heartbeating. The
		// lease will expire on its own; the state is already orphaned.
	}

	state, err := c.store.GetState(ctx, channelID)
	if err != nil {
		return
	}
	count, err := c.registry.Count(ctx, channelID)
	if err != nil {
		return
	}
	if count > 0 && !state.Terminal() {
		return
	}

	md, err := c.store.GetMetadata(ctx, channelID)
	if err != nil {
		return
	}
	// A channel that is still initializing may simply not have an owner
	// yet; give it a full lease TTL before declaring it orphaned.
	if time.Since(md.InitTime) < c.cfg.OwnerLeaseTTL && !state.Terminal() {
		return
	}

	c.logger.Info("removing orphaned channel state",
		slog.String("channel_id", channelID),
		slog.String("state", string(state)),
		slog.String("stale_owner", owner))
	c.cleanupChannelKeys(ctx, channelID)
}

func channelIDFromMetadataKey(key string) string {
	trimmed := strings.TrimPrefix(key, "channel:")
	trimmed = strings.TrimSuffix(trimmed, ":metadata")
	if trimmed == key || trimmed == "" {
		return ""
	}
	return trimmed
}
