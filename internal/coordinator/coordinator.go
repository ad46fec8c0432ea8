// Package coordinator implements cluster coordination: channel
// ownership via shared-store leases, the owner-side lifecycle loops,
// cross-worker event handling, and janitorial cleanup of orphaned
// channel state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rvierich/tsrelay/internal/config"
	"github.com/rvierich/tsrelay/internal/event"
	"github.com/rvierich/tsrelay/internal/ingest"
	"github.com/rvierich/tsrelay/internal/models"
	"github.com/rvierich/tsrelay/internal/registry"
	"github.com/rvierich/tsrelay/internal/ring"
	"github.com/rvierich/tsrelay/internal/store"
	"github.com/rvierich/tsrelay/internal/upstream"
)

// ErrUnknownChannel is returned when a channel id is not in the catalog.
var ErrUnknownChannel = errors.New("coordinator: unknown channel")

// Catalog loads channel definitions from the configuration database.
type Catalog interface {
	ChannelByID(ctx context.Context, id string) (*models.ChannelDef, error)
}

// StreamSource loads a channel's candidate streams in rank order. When
// wired, it is the authority for failover candidates; the catalog's
// preloaded streams are only a fallback.
type StreamSource interface {
	ByChannelID(ctx context.Context, channelID string) ([]*models.Stream, error)
}

// Opts wires a coordinator's collaborators.
type Opts struct {
	Relay      config.RelayConfig
	Store      *store.Store
	Ring       *ring.Ring
	Bus        *event.Bus
	Registry   *registry.Registry
	Selector   *upstream.Selector
	Transcoder *ingest.Transcoder
	HTTPClient *http.Client
	Catalog    Catalog
	Streams    StreamSource
	Logger     *slog.Logger
}

type ownedChannel struct {
	engine *ingest.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator owns this worker's view of the cluster: which channels it
// runs, which it merely serves clients for, and how shared state is
// kept consistent as workers come and go.
type Coordinator struct {
	cfg        config.RelayConfig
	store      *store.Store
	ring       *ring.Ring
	bus        *event.Bus
	registry   *registry.Registry
	selector   *upstream.Selector
	transcoder *ingest.Transcoder
	httpClient *http.Client
	catalog    Catalog
	streams    StreamSource
	lease      *store.Lease
	logger     *slog.Logger

	mu      sync.Mutex
	owned   map[string]*ownedChannel
	baseCtx context.Context
}

// New creates a coordinator for this worker.
func New(opts Opts) *Coordinator {
	return &Coordinator{
		cfg:        opts.Relay,
		store:      opts.Store,
		ring:       opts.Ring,
		bus:        opts.Bus,
		registry:   opts.Registry,
		selector:   opts.Selector,
		transcoder: opts.Transcoder,
		httpClient: opts.HTTPClient,
		catalog:    opts.Catalog,
		streams:    opts.Streams,
		lease:      store.NewLease(opts.Store, opts.Bus.WorkerID()),
		logger: opts.Logger.With(
			slog.String("component", "coordinator"),
			slog.String("worker_id", opts.Bus.WorkerID())),
		owned: make(map[string]*ownedChannel),
	}
}

// WorkerID returns this worker's cluster identity.
func (c *Coordinator) WorkerID() string {
	return c.bus.WorkerID()
}

// Owned lists the channels whose ingest this worker currently runs.
func (c *Coordinator) Owned() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.owned))
	for id := range c.owned {
		out = append(out, id)
	}
	return out
}

// Run starts the coordination loops and blocks until the context ends,
// then stops every owned channel gracefully.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.eventLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.cleanupLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx)
	}()

	janitor := c.startJanitor()

	<-ctx.Done()
	janitor.Stop()
	wg.Wait()
	c.shutdownOwned()
	return nil
}

// EnsureChannel makes sure the channel is being ingested somewhere: it
// creates the metadata record if needed and starts the engine here when
// this worker wins (or already holds) the ownership lease.
func (c *Coordinator) EnsureChannel(ctx context.Context, channelID string) error {
	def, err := c.catalog.ChannelByID(ctx, channelID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	if c.streams != nil {
		fresh, err := c.streams.ByChannelID(ctx, channelID)
		if err != nil {
			return fmt.Errorf("loading channel streams: %w", err)
		}
		def.Streams = make([]models.Stream, 0, len(fresh))
		for _, s := range fresh {
			def.Streams = append(def.Streams, *s)
		}
	}
	if len(def.Streams) == 0 {
		return fmt.Errorf("channel %s has no streams", channelID)
	}

	md, err := c.store.GetMetadata(ctx, channelID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = c.initMetadata(ctx, channelID)
	case err != nil:
		return err
	case md.State.Terminal():
		// Previous run ended; clear leftovers before restarting.
		c.cleanupChannelKeys(ctx, channelID)
		err = c.initMetadata(ctx, channelID)
	}
	if err != nil {
		return err
	}

	acquired, err := c.lease.TryAcquire(ctx, channelID, c.cfg.OwnerLeaseTTL)
	if err != nil {
		return fmt.Errorf("acquiring channel lease: %w", err)
	}
	if !acquired {
		owner, _ := c.lease.Owner(ctx, channelID)
		c.logger.Debug("channel owned elsewhere",
			slog.String("channel_id", channelID),
			slog.String("owner", owner))
		return nil
	}

	if err := c.store.UpdateMetadata(ctx, channelID, map[string]any{
		models.FieldOwner: c.WorkerID(),
	}); err != nil {
		return err
	}
	c.startEngine(channelID, def)
	return nil
}

func (c *Coordinator) initMetadata(ctx context.Context, channelID string) error {
	now := time.Now().UTC()
	md := &models.ChannelMetadata{
		State:      models.StateInitializing,
		InitTime:   now,
		LastActive: now,
	}
	if err := c.store.PutMetadata(ctx, channelID, md); err != nil {
		return fmt.Errorf("initializing channel metadata: %w", err)
	}
	c.logger.Info("channel initialized", slog.String("channel_id", channelID))
	return nil
}

// startEngine launches the ingest engine for a channel this worker owns.
// Idempotent: a second call while the engine runs is a no-op.
func (c *Coordinator) startEngine(channelID string, def *models.ChannelDef) {
	c.mu.Lock()
	if _, running := c.owned[channelID]; running {
		c.mu.Unlock()
		return
	}
	base := c.baseCtx
	if base == nil {
		base = context.Background()
	}
	ectx, cancel := context.WithCancel(base)
	oc := &ownedChannel{cancel: cancel, done: make(chan struct{})}
	oc.engine = ingest.NewEngine(ingest.EngineOpts{
		Def:        def,
		Relay:      c.cfg,
		Store:      c.store,
		Ring:       c.ring,
		Bus:        c.bus,
		Selector:   c.selector,
		Transcoder: c.transcoder,
		HTTPClient: c.httpClient,
		Logger:     c.logger,
	})
	c.owned[channelID] = oc
	c.mu.Unlock()

	c.logger.Info("taking channel ownership", slog.String("channel_id", channelID))

	go func() {
		oc.engine.Run(ectx)
		close(oc.done)

		c.mu.Lock()
		delete(c.owned, channelID)
		c.mu.Unlock()

		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		c.teardown(cctx, channelID)
	}()
}

// StopChannel requests a channel stop. The owner cancels its engine;
// other workers flag the stop and tell the owner over the event bus.
func (c *Coordinator) StopChannel(ctx context.Context, channelID string) error {
	if err := c.store.Set(ctx, store.StoppingKey(channelID), "1", c.cfg.ClientIdleTimeout()); err != nil {
		return fmt.Errorf("flagging channel stop: %w", err)
	}

	c.mu.Lock()
	oc := c.owned[channelID]
	c.mu.Unlock()
	if oc != nil {
		oc.cancel()
		return nil
	}
	return c.bus.Publish(ctx, &event.ChannelStop{
		Header: c.bus.Header(event.TypeChannelStop, channelID),
	})
}

// SwitchStream asks the channel's owner to move to a different upstream.
func (c *Coordinator) SwitchStream(ctx context.Context, channelID string, req *event.StreamSwitch) error {
	req.Header = c.bus.Header(event.TypeStreamSwitch, channelID)

	c.mu.Lock()
	oc := c.owned[channelID]
	c.mu.Unlock()
	if oc != nil {
		oc.engine.RequestSwitch(req)
		return nil
	}
	return c.bus.Publish(ctx, req)
}

// teardown removes a finished channel's shared state. The stopping flag
// is left to expire so late readers still observe the stop.
func (c *Coordinator) teardown(ctx context.Context, channelID string) {
	c.cleanupChannelKeys(ctx, channelID)
	if err := c.lease.Release(ctx, channelID); err != nil {
		c.logger.Warn("releasing channel lease",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
	}
	c.logger.Info("channel state cleaned up", slog.String("channel_id", channelID))
}

func (c *Coordinator) cleanupChannelKeys(ctx context.Context, channelID string) {
	if err := c.ring.Stop(ctx, channelID); err != nil {
		c.logger.Warn("removing ring state",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
	}

	ids, err := c.store.SMembers(ctx, store.ClientSetKey(channelID))
	if err == nil {
		for _, id := range ids {
			_ = c.store.Del(ctx, store.ClientKey(channelID, id), store.ClientStopKey(channelID, id))
		}
	}

	err = c.store.Del(ctx,
		store.MetadataKey(channelID),
		store.ClientSetKey(channelID),
		store.LastClientDisconnectKey(channelID),
		store.SwitchRequestKey(channelID))
	if err != nil {
		c.logger.Warn("removing channel keys",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
	}
}

// shutdownOwned stops every owned engine and waits for them.
func (c *Coordinator) shutdownOwned() {
	c.mu.Lock()
	pending := make([]*ownedChannel, 0, len(c.owned))
	for _, oc := range c.owned {
		oc.cancel()
		pending = append(pending, oc)
	}
	c.mu.Unlock()

	for _, oc := range pending {
		select {
		case <-oc.done:
		case <-time.After(10 * time.Second):
			c.logger.Warn("engine did not stop in time")
		}
	}
}

// heartbeatLoop keeps this worker's liveness key fresh so janitors on
// other workers can tell a live owner from a dead one.
func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	key := store.WorkerHeartbeatKey(c.WorkerID())
	for {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = c.store.Del(cctx, key)
			cancel()
			return
		case <-ticker.C:
			if err := c.store.Set(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), c.cfg.OwnerLeaseTTL); err != nil && ctx.Err() == nil {
				c.logger.Warn("worker heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cleanupLoop is the owner-side maintenance tick: extend leases, sweep
// ghosts, advance states, and shut down idle channels. For channels this
// worker only serves, it drops local clients once the channel is gone.
func (c *Coordinator) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CleanupCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, channelID := range c.Owned() {
				c.maintainOwned(ctx, channelID)
			}
			for _, channelID := range c.registry.LocalChannels() {
				c.maintainServed(ctx, channelID)
			}
		}
	}
}

func (c *Coordinator) maintainOwned(ctx context.Context, channelID string) {
	held, err := c.lease.Extend(ctx, channelID, c.cfg.OwnerLeaseTTL)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("extending lease",
				slog.String("channel_id", channelID),
				slog.String("error", err.Error()))
		}
		return
	}
	if !held {
		// Another worker holds the lease now; stop our engine without
		// touching shared state that is no longer ours.
		c.logger.Warn("lost channel ownership", slog.String("channel_id", channelID))
		c.mu.Lock()
		if oc := c.owned[channelID]; oc != nil {
			oc.cancel()
		}
		c.mu.Unlock()
		return
	}

	if _, err := c.registry.SweepGhosts(ctx, channelID); err != nil && ctx.Err() == nil {
		c.logger.Warn("ghost sweep failed",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
	}

	md, err := c.store.GetMetadata(ctx, channelID)
	if err != nil {
		return
	}
	count, err := c.registry.Count(ctx, channelID)
	if err != nil {
		return
	}

	switch md.State {
	case models.StateWaitingForClients:
		if count > 0 {
			if err := c.store.SetState(ctx, channelID, models.StateActive, ""); err == nil {
				c.logger.Info("channel active",
					slog.String("channel_id", channelID),
					slog.Int64("clients", count))
			}
			return
		}
		ready := md.ConnectionReadyTime
		if !ready.IsZero() && time.Since(ready) > c.cfg.ChannelInitGracePeriod {
			c.logger.Info("no clients arrived, stopping channel",
				slog.String("channel_id", channelID))
			c.stopLocal(channelID)
		}

	case models.StateActive:
		if count > 0 {
			return
		}
		disconnectedAt, ok := c.lastDisconnect(ctx, channelID)
		if !ok {
			return
		}
		if time.Since(disconnectedAt) >= c.cfg.ChannelShutdownDelay {
			c.logger.Info("last client gone, stopping channel",
				slog.String("channel_id", channelID),
				slog.Duration("delay", c.cfg.ChannelShutdownDelay))
			c.stopLocal(channelID)
		}
	}
}

func (c *Coordinator) lastDisconnect(ctx context.Context, channelID string) (time.Time, bool) {
	val, err := c.store.Get(ctx, store.LastClientDisconnectKey(channelID))
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (c *Coordinator) stopLocal(channelID string) {
	c.mu.Lock()
	oc := c.owned[channelID]
	c.mu.Unlock()
	if oc != nil {
		oc.cancel()
	}
}

// maintainServed backstops channels this worker only serves clients for:
// when the channel disappears, stops, or errors out, local delivery
// loops are cancelled even if they missed the event.
func (c *Coordinator) maintainServed(ctx context.Context, channelID string) {
	c.mu.Lock()
	_, ownedHere := c.owned[channelID]
	c.mu.Unlock()
	if ownedHere {
		return
	}

	if stopping, _ := c.store.Exists(ctx, store.StoppingKey(channelID)); stopping {
		c.registry.CancelLocalChannel(channelID)
		return
	}

	md, err := c.store.GetMetadata(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		c.registry.CancelLocalChannel(channelID)
		return
	}
	if err != nil {
		return
	}
	if md.State.Terminal() {
		c.registry.CancelLocalChannel(channelID)
		return
	}

	// An ownerless channel with no switch in progress is dead.
	owner, err := c.lease.Owner(ctx, channelID)
	if err != nil || owner != "" {
		return
	}
	if switching, _ := c.store.Exists(ctx, store.SwitchRequestKey(channelID)); switching {
		return
	}
	if md.URLSwitching {
		return
	}
	c.logger.Warn("channel has no owner, dropping local clients",
		slog.String("channel_id", channelID))
	c.registry.CancelLocalChannel(channelID)
}
