// Package streamer delivers a channel's ring content to one HTTP client:
// catch-up reads against the shared ring, keepalive padding during
// stalls, and the abort conditions that keep dead clients from pinning
// channels open.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rvierich/tsrelay/internal/config"
	"github.com/rvierich/tsrelay/internal/models"
	"github.com/rvierich/tsrelay/internal/mpegts"
	"github.com/rvierich/tsrelay/internal/registry"
	"github.com/rvierich/tsrelay/internal/ring"
	"github.com/rvierich/tsrelay/internal/store"
)

// Abort thresholds. A client counts as stalled once it has seen
// ghostEmptyReads empty reads in a row while the head ran more than
// ghostHeadLag entries ahead of it.
const (
	ghostEmptyReads = 100
	ghostHeadLag    = 50

	keepaliveAfterEmptyReads = 5

	emptyReadBackoffStep = 100 * time.Millisecond
	emptyReadBackoffMax  = time.Second
)

// ErrChannelGone signals that the channel ended or vanished while the
// client was attached.
var ErrChannelGone = errors.New("streamer: channel gone")

// errStopRequested ends delivery after a remote stop request. Treated as
// a clean close, not an error.
var errStopRequested = errors.New("streamer: client stop requested")

// Streamer serves ring content to clients.
type Streamer struct {
	cfg      config.RelayConfig
	store    *store.Store
	ring     *ring.Ring
	registry *registry.Registry
	logger   *slog.Logger

	// pollMax caps the empty-read backoff, paced to half the expected
	// chunk production interval for the configured target bitrate.
	pollMax time.Duration
}

// New creates a streamer.
func New(cfg config.RelayConfig, s *store.Store, r *ring.Ring, reg *registry.Registry, logger *slog.Logger) *Streamer {
	pollMax := emptyReadBackoffMax
	if ci := cfg.ChunkProductionInterval(); ci > 0 {
		pollMax = ci / 2
		if pollMax < emptyReadBackoffStep {
			pollMax = emptyReadBackoffStep
		}
		if pollMax > emptyReadBackoffMax {
			pollMax = emptyReadBackoffMax
		}
	}
	return &Streamer{
		cfg:      cfg,
		store:    s,
		ring:     r,
		registry: reg,
		logger:   logger.With(slog.String("component", "streamer")),
		pollMax:  pollMax,
	}
}

// Serve registers the client and streams the channel to w until the
// client disconnects, is stopped, or the channel ends. The returned
// error describes why delivery ended; a client-initiated close is nil.
func (s *Streamer) Serve(ctx context.Context, w io.Writer, channelID string, info *models.ClientInfo) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.registry.Add(cctx, info, cancel); err != nil {
		return fmt.Errorf("registering client: %w", err)
	}
	defer func() {
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rcancel()
		if err := s.registry.Remove(rctx, channelID, info.ID); err != nil {
			s.logger.Warn("removing client",
				slog.String("client_id", info.ID),
				slog.String("error", err.Error()))
		}
	}()

	logger := s.logger.With(
		slog.String("channel_id", channelID),
		slog.String("client_id", info.ID))

	if err := s.waitServable(cctx, w, channelID, info, logger); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, errStopRequested) {
			return nil
		}
		return err
	}

	head, err := s.ring.LatestIndex(cctx, channelID)
	if err != nil {
		return fmt.Errorf("reading ring head: %w", err)
	}
	idx := head - int64(s.cfg.InitialBehindChunks)
	if idx < 0 {
		idx = 0
	}
	logger.Info("client streaming",
		slog.Int64("start_index", idx),
		slog.Int64("head", head))

	return s.deliver(cctx, w, channelID, info, idx, logger)
}

// waitServable blocks until the channel can serve clients, padding the
// connection with keepalive packets so players do not give up while the
// owner is still connecting upstream. The client heartbeats throughout
// so the owner's ghost sweep does not reap it mid-wait.
func (s *Streamer) waitServable(ctx context.Context, w io.Writer, channelID string, info *models.ClientInfo, logger *slog.Logger) error {
	deadline := time.Now().Add(s.cfg.ClientWaitTimeout)
	lastHeartbeat := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		md, err := s.store.GetMetadata(ctx, channelID)
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, "channel not found")
			return ErrChannelGone
		}
		if err != nil {
			return err
		}

		if md.State.Terminal() {
			s.sendError(w, md.ErrorMessage)
			return ErrChannelGone
		}
		if stopping, _ := s.store.Exists(ctx, store.StoppingKey(channelID)); stopping {
			s.sendError(w, "channel stopping")
			return ErrChannelGone
		}
		if md.State.Servable() {
			return nil
		}

		if time.Now().After(deadline) {
			logger.Warn("channel never became servable",
				slog.String("state", string(md.State)))
			s.sendError(w, "timed out waiting for channel")
			return ErrChannelGone
		}

		if !s.sendKeepalive(w, string(md.State)) {
			return nil
		}

		if time.Since(lastHeartbeat) >= s.cfg.HeartbeatInterval {
			lastHeartbeat = time.Now()
			stop, err := s.registry.Heartbeat(ctx, channelID, info.ID, 0, 0, 0)
			if errors.Is(err, registry.ErrClientNotFound) {
				logger.Info("client removed from registry while waiting")
				s.sendError(w, "client removed")
				return ErrChannelGone
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("client heartbeat failed", slog.String("error", err.Error()))
			}
			if stop {
				logger.Info("client stopped by request")
				return errStopRequested
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.KeepaliveInterval):
		}
	}
}

// deliver is the main read/write loop.
func (s *Streamer) deliver(ctx context.Context, w io.Writer, channelID string, info *models.ClientInfo, idx int64, logger *slog.Logger) error {
	var (
		bytesSent     int64
		lastHBBytes   int64
		connectedAt   = time.Now()
		lastHeartbeat = time.Now()
		lastKeepalive time.Time
		lastDelivery  = time.Now()
		emptyReads    = 0
	)

	for {
		if err := ctx.Err(); err != nil {
			logger.Debug("client closed connection",
				slog.Int64("bytes_sent", bytesSent))
			return nil
		}

		entries, next, err := s.ring.OptimizedRead(ctx, channelID, idx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading ring: %w", err)
		}

		if len(entries) > 0 {
			for _, entry := range entries {
				n, werr := w.Write(entry.Payload)
				bytesSent += int64(n)
				if werr != nil {
					logger.Debug("client write failed",
						slog.String("error", werr.Error()))
					return nil
				}
			}
			flush(w)
			idx = next
			emptyReads = 0
			lastDelivery = time.Now()
		} else {
			emptyReads++
			if err := s.checkStalled(ctx, w, channelID, idx, emptyReads, lastDelivery, logger); err != nil {
				return err
			}
			if emptyReads >= keepaliveAfterEmptyReads &&
				time.Since(lastKeepalive) >= s.cfg.KeepaliveInterval &&
				s.channelStalled(ctx, channelID) {
				if !s.sendKeepalive(w, "buffering") {
					return nil
				}
				lastKeepalive = time.Now()
			}

			backoff := time.Duration(emptyReads) * emptyReadBackoffStep
			if backoff > s.pollMax {
				backoff = s.pollMax
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
		}

		if time.Since(lastHeartbeat) >= s.cfg.HeartbeatInterval {
			elapsed := time.Since(lastHeartbeat).Seconds()
			curRate := float64(bytesSent-lastHBBytes) / elapsed
			avgRate := float64(bytesSent) / time.Since(connectedAt).Seconds()
			lastHBBytes = bytesSent
			lastHeartbeat = time.Now()

			stop, err := s.registry.Heartbeat(ctx, channelID, info.ID, bytesSent, avgRate, curRate)
			if errors.Is(err, registry.ErrClientNotFound) {
				logger.Info("client removed from registry, closing",
					slog.Int64("bytes_sent", bytesSent))
				return nil
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("client heartbeat failed", slog.String("error", err.Error()))
			}
			if stop {
				logger.Info("client stopped by request")
				return nil
			}
		}
	}
}

// checkStalled enforces the abort conditions while no data arrives.
func (s *Streamer) checkStalled(ctx context.Context, w io.Writer, channelID string, idx int64, emptyReads int, lastDelivery time.Time, logger *slog.Logger) error {
	md, err := s.store.GetMetadata(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("channel metadata gone, closing client")
		s.sendError(w, "channel gone")
		return ErrChannelGone
	}
	if err != nil {
		return err
	}
	if md.State.Terminal() {
		logger.Info("channel ended, closing client",
			slog.String("state", string(md.State)))
		s.sendError(w, md.ErrorMessage)
		return ErrChannelGone
	}
	if stopping, _ := s.store.Exists(ctx, store.StoppingKey(channelID)); stopping {
		s.sendError(w, "channel stopping")
		return ErrChannelGone
	}

	if emptyReads > ghostEmptyReads {
		head, herr := s.ring.LatestIndex(ctx, channelID)
		if herr == nil && head-idx > ghostHeadLag {
			logger.Warn("client cannot keep up with advancing head, closing",
				slog.Int64("head", head),
				slog.Int64("client_index", idx))
			return ErrChannelGone
		}
	}

	if time.Since(lastDelivery) > s.cfg.ClientIdleTimeout() && !md.URLSwitching {
		logger.Warn("no data within idle tolerance, closing client",
			slog.Duration("idle", time.Since(lastDelivery).Round(time.Second)))
		s.sendError(w, "stream stalled")
		return ErrChannelGone
	}
	return nil
}

// channelStalled reports whether the owner has stopped appending long
// enough that players need padding.
func (s *Streamer) channelStalled(ctx context.Context, channelID string) bool {
	last, err := s.ring.LastDataTime(ctx, channelID)
	if err != nil || last.IsZero() {
		return true
	}
	if time.Since(last) > s.cfg.StreamTimeout {
		return true
	}
	if switching, _ := s.store.Exists(ctx, store.SwitchRequestKey(channelID)); switching {
		return true
	}
	return false
}

// sendKeepalive writes one null packet; false means the client is gone.
func (s *Streamer) sendKeepalive(w io.Writer, status string) bool {
	if _, err := w.Write(mpegts.KeepalivePacket(status)); err != nil {
		return false
	}
	flush(w)
	return true
}

// sendError writes the final diagnostic packet before disconnecting.
func (s *Streamer) sendError(w io.Writer, status string) {
	if status == "" {
		status = "stream error"
	}
	_, _ = w.Write(mpegts.ErrorPacket(status))
	flush(w)
}

func flush(w io.Writer) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
