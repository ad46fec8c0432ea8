package coordinator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rvierich/tsrelay/internal/event"
	"github.com/rvierich/tsrelay/internal/store"
)

// eventLoop subscribes to every channel's topic and dispatches cluster
// events. Unknown event types are dropped.
func (c *Coordinator) eventLoop(ctx context.Context) {
	sub := c.store.PSubscribe(ctx, store.EventsPattern)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := event.Decode([]byte(msg.Payload))
			if err != nil {
				if !errors.Is(err, event.ErrUnknownType) {
					c.logger.Warn("dropping malformed event",
						slog.String("topic", msg.Channel),
						slog.String("error", err.Error()))
				}
				continue
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Coordinator) handleEvent(ev event.Event) {
	head := ev.Head()
	c.logger.Debug("event received",
		slog.String("event", string(head.Event)),
		slog.String("channel_id", head.ChannelID),
		slog.String("from", head.WorkerID))

	switch e := ev.(type) {
	case *event.ClientStop:
		// Only the worker serving the client can act on this.
		if c.registry.CancelLocal(e.ClientID) {
			c.logger.Info("stopping client on request",
				slog.String("channel_id", e.ChannelID),
				slog.String("client_id", e.ClientID))
		}

	case *event.ChannelStop:
		c.mu.Lock()
		oc := c.owned[e.ChannelID]
		c.mu.Unlock()
		if oc != nil {
			c.logger.Info("stopping channel on request",
				slog.String("channel_id", e.ChannelID))
			oc.cancel()
		}

	case *event.StreamSwitch:
		if head.WorkerID == c.WorkerID() {
			return
		}
		c.mu.Lock()
		oc := c.owned[e.ChannelID]
		c.mu.Unlock()
		if oc != nil {
			c.logger.Info("switch requested remotely",
				slog.String("channel_id", e.ChannelID),
				slog.String("stream_id", e.StreamID))
			oc.engine.RequestSwitch(e)
		}

	case *event.ChannelStopped:
		// The owner finished teardown; any clients served here must go.
		if n := c.registry.CancelLocalChannel(e.ChannelID); n > 0 {
			c.logger.Info("channel stopped, dropping local clients",
				slog.String("channel_id", e.ChannelID),
				slog.Int("clients", n))
		}

	case *event.StreamSwitched:
		if !e.Success {
			c.logger.Warn("stream switch failed",
				slog.String("channel_id", e.ChannelID),
				slog.String("reason", e.Reason))
		}

	case *event.ClientConnected, *event.ClientDisconnected:
		// Counts are read from the shared store on the cleanup tick.

	default:
	}
}
