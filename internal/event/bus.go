package event

import (
	"context"
	"log/slog"

	"github.com/rvierich/tsrelay/internal/store"
)

// Bus publishes events to per-channel topics in the shared store.
type Bus struct {
	store    *store.Store
	workerID string
	logger   *slog.Logger
}

// NewBus creates an event bus stamping events with this worker's id.
func NewBus(s *store.Store, workerID string, logger *slog.Logger) *Bus {
	return &Bus{store: s, workerID: workerID, logger: logger}
}

// WorkerID returns the id stamped on published events.
func (b *Bus) WorkerID() string {
	return b.workerID
}

// Publish encodes and sends an event to its channel's topic.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	head := ev.Head()
	if err := b.store.Publish(ctx, store.EventsTopic(head.ChannelID), data); err != nil {
		b.logger.Warn("event publish failed",
			slog.String("event", string(head.Event)),
			slog.String("channel_id", head.ChannelID),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Header stamps a header for an event originating from this worker.
func (b *Bus) Header(t Type, channelID string) Header {
	return NewHeader(t, channelID, b.workerID)
}
