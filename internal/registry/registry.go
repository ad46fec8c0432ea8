// Package registry tracks streaming clients in the shared store and
// locally. Every worker registers the clients it serves; the owning
// worker additionally sweeps ghost records left behind by crashed
// workers or silently dropped connections.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rvierich/tsrelay/internal/config"
	"github.com/rvierich/tsrelay/internal/event"
	"github.com/rvierich/tsrelay/internal/models"
	"github.com/rvierich/tsrelay/internal/store"
)

// ErrClientNotFound is returned when a client record is absent.
var ErrClientNotFound = errors.New("registry: client not found")

type localClient struct {
	channelID string
	cancel    context.CancelFunc
}

// Registry manages client records. Records carry a TTL and stay alive
// only while the serving worker heartbeats them.
type Registry struct {
	store  *store.Store
	bus    *event.Bus
	cfg    config.RelayConfig
	logger *slog.Logger

	mu    sync.Mutex
	local map[string]localClient
}

// New creates a client registry.
func New(s *store.Store, bus *event.Bus, cfg config.RelayConfig, logger *slog.Logger) *Registry {
	return &Registry{
		store:  s,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "registry")),
		local:  make(map[string]localClient),
	}
}

// Add registers a client in the shared store and locally, and announces
// it to the cluster. Re-adding a known client only refreshes its record.
func (r *Registry) Add(ctx context.Context, info *models.ClientInfo, cancel context.CancelFunc) error {
	now := time.Now().UTC()
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = now
	}
	info.LastActive = now
	info.WorkerID = r.bus.WorkerID()

	r.mu.Lock()
	_, known := r.local[info.ID]
	r.local[info.ID] = localClient{channelID: info.ChannelID, cancel: cancel}
	r.mu.Unlock()

	key := store.ClientKey(info.ChannelID, info.ID)
	if err := r.store.HSet(ctx, key, info.ToMap()); err != nil {
		return fmt.Errorf("writing client record: %w", err)
	}
	if _, err := r.store.Expire(ctx, key, r.cfg.ClientTTL); err != nil {
		return fmt.Errorf("arming client record TTL: %w", err)
	}
	if err := r.store.SAdd(ctx, store.ClientSetKey(info.ChannelID), info.ID); err != nil {
		return fmt.Errorf("adding client to set: %w", err)
	}

	if known {
		return nil
	}

	r.logger.Info("client connected",
		slog.String("channel_id", info.ChannelID),
		slog.String("client_id", info.ID),
		slog.String("ip", info.IP))

	return r.bus.Publish(ctx, &event.ClientConnected{
		Header:    r.bus.Header(event.TypeClientConnected, info.ChannelID),
		ClientID:  info.ID,
		UserAgent: info.UserAgent,
	})
}

// Remove deregisters a client, publishes the disconnect with the global
// count of remaining clients, and stamps the zero-clients moment when the
// channel empties.
func (r *Registry) Remove(ctx context.Context, channelID, clientID string) error {
	r.mu.Lock()
	delete(r.local, clientID)
	r.mu.Unlock()

	if err := r.store.SRem(ctx, store.ClientSetKey(channelID), clientID); err != nil {
		return fmt.Errorf("removing client from set: %w", err)
	}
	if err := r.store.Del(ctx,
		store.ClientKey(channelID, clientID),
		store.ClientStopKey(channelID, clientID)); err != nil {
		return fmt.Errorf("deleting client record: %w", err)
	}

	remaining, err := r.store.SCard(ctx, store.ClientSetKey(channelID))
	if err != nil {
		return fmt.Errorf("counting remaining clients: %w", err)
	}
	if remaining == 0 {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if err := r.store.Set(ctx, store.LastClientDisconnectKey(channelID), now, 0); err != nil {
			return fmt.Errorf("stamping last disconnect: %w", err)
		}
	}

	r.logger.Info("client disconnected",
		slog.String("channel_id", channelID),
		slog.String("client_id", clientID),
		slog.Int64("remaining", remaining))

	return r.bus.Publish(ctx, &event.ClientDisconnected{
		Header:           r.bus.Header(event.TypeClientDisconnected, channelID),
		ClientID:         clientID,
		RemainingClients: remaining,
	})
}

// Heartbeat refreshes a client's liveness and delivery counters, and
// reports whether a remote stop was requested for it. A client that has
// been removed from the channel's set gets ErrClientNotFound instead of
// being resurrected.
func (r *Registry) Heartbeat(ctx context.Context, channelID, clientID string, bytesSent int64, avgRate, curRate float64) (bool, error) {
	member, err := r.store.SIsMember(ctx, store.ClientSetKey(channelID), clientID)
	if err != nil {
		return false, fmt.Errorf("checking client membership: %w", err)
	}
	if !member {
		return false, ErrClientNotFound
	}

	key := store.ClientKey(channelID, clientID)
	fields := map[string]any{
		models.ClientFieldLastActive:  time.Now().UTC().Format(time.RFC3339Nano),
		models.ClientFieldBytesSent:   bytesSent,
		models.ClientFieldAvgRate:     fmt.Sprintf("%.1f", avgRate),
		models.ClientFieldCurrentRate: fmt.Sprintf("%.1f", curRate),
	}
	if err := r.store.HSet(ctx, key, fields); err != nil {
		return false, fmt.Errorf("refreshing client record: %w", err)
	}
	if _, err := r.store.Expire(ctx, key, r.cfg.ClientTTL); err != nil {
		return false, fmt.Errorf("re-arming client record TTL: %w", err)
	}
	// Mark that this worker holds live client state for the channel.
	if err := r.store.Set(ctx, store.ChannelWorkerKey(channelID, r.bus.WorkerID()), "1", r.cfg.ClientTTL); err != nil {
		return false, fmt.Errorf("refreshing channel worker marker: %w", err)
	}
	return r.store.Exists(ctx, store.ClientStopKey(channelID, clientID))
}

// Get returns one client's record.
func (r *Registry) Get(ctx context.Context, channelID, clientID string) (*models.ClientInfo, error) {
	fields, err := r.store.HGetAll(ctx, store.ClientKey(channelID, clientID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrClientNotFound
	}
	return models.ClientFromMap(fields), nil
}

// List returns all live client records for a channel. Set members whose
// record expired are skipped.
func (r *Registry) List(ctx context.Context, channelID string) ([]*models.ClientInfo, error) {
	ids, err := r.store.SMembers(ctx, store.ClientSetKey(channelID))
	if err != nil {
		return nil, err
	}
	clients := make([]*models.ClientInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.Get(ctx, channelID, id)
		if errors.Is(err, ErrClientNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		clients = append(clients, info)
	}
	return clients, nil
}

// Count returns the global number of registered clients for a channel.
func (r *Registry) Count(ctx context.Context, channelID string) (int64, error) {
	return r.store.SCard(ctx, store.ClientSetKey(channelID))
}

// RequestStop flags a client for shutdown and broadcasts the request so
// whichever worker serves it reacts immediately.
func (r *Registry) RequestStop(ctx context.Context, channelID, clientID string) error {
	if err := r.store.Set(ctx, store.ClientStopKey(channelID, clientID), "1", r.cfg.ClientIdleTimeout()); err != nil {
		return fmt.Errorf("setting client stop flag: %w", err)
	}
	return r.bus.Publish(ctx, &event.ClientStop{
		Header:   r.bus.Header(event.TypeClientStop, channelID),
		ClientID: clientID,
	})
}

// CancelLocal aborts a locally served client's delivery loop. Returns
// false if this worker does not hold the client.
func (r *Registry) CancelLocal(clientID string) bool {
	r.mu.Lock()
	lc, ok := r.local[clientID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if lc.cancel != nil {
		lc.cancel()
	}
	return true
}

// CancelLocalChannel aborts every locally served client of a channel and
// returns how many were cancelled.
func (r *Registry) CancelLocalChannel(channelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, lc := range r.local {
		if lc.channelID != channelID {
			continue
		}
		if lc.cancel != nil {
			lc.cancel()
		}
		n++
	}
	return n
}

// LocalCount returns how many clients of a channel this worker serves.
func (r *Registry) LocalCount(channelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, lc := range r.local {
		if lc.channelID == channelID {
			n++
		}
	}
	return n
}

// LocalChannels returns the channels with at least one local client.
func (r *Registry) LocalChannels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for _, lc := range r.local {
		seen[lc.channelID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	return out
}

// SweepGhosts removes clients whose record expired or whose last_active
// is older than the ghost threshold. The owner runs this for its
// channels so crashed workers cannot pin a channel open. Returns the
// number of ghosts removed.
func (r *Registry) SweepGhosts(ctx context.Context, channelID string) (int, error) {
	ids, err := r.store.SMembers(ctx, store.ClientSetKey(channelID))
	if err != nil {
		return 0, err
	}

	maxAge := r.cfg.GhostClientAge()
	removed := 0
	for _, id := range ids {
		info, err := r.Get(ctx, channelID, id)
		switch {
		case errors.Is(err, ErrClientNotFound):
			// Record expired, only the set member remains.
		case err != nil:
			return removed, err
		case info.LastActive.IsZero() || time.Since(info.LastActive) > maxAge:
		default:
			continue
		}

		r.logger.Warn("removing ghost client",
			slog.String("channel_id", channelID),
			slog.String("client_id", id))
		r.CancelLocal(id)
		if err := r.Remove(ctx, channelID, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
