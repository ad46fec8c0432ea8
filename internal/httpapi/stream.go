package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rvierich/tsrelay/internal/coordinator"
	"github.com/rvierich/tsrelay/internal/models"
	"github.com/rvierich/tsrelay/internal/streamer"
)

// StreamHandler serves the raw MPEG-TS endpoint. It is a plain chi
// handler rather than a Huma operation: the response is an unbounded
// binary stream with no content length and explicit flushing.
type StreamHandler struct {
	coordinator *coordinator.Coordinator
	streamer    *streamer.Streamer
	logger      *slog.Logger
}

// NewStreamHandler creates the streaming handler.
func NewStreamHandler(c *coordinator.Coordinator, s *streamer.Streamer, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		coordinator: c,
		streamer:    s,
		logger:      logger.With(slog.String("component", "stream_handler")),
	}
}

// RegisterChiRoutes registers the streaming route on the router.
func (h *StreamHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/stream/{channelID}", h.handleStream)
}

func (h *StreamHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	logger := h.logger.With(slog.String("channel_id", channelID))

	if err := h.coordinator.EnsureChannel(r.Context(), channelID); err != nil {
		if errors.Is(err, coordinator.ErrUnknownChannel) {
			http.Error(w, "unknown channel", http.StatusNotFound)
			return
		}
		logger.Error("channel activation failed", slog.String("error", err.Error()))
		http.Error(w, "channel unavailable", http.StatusServiceUnavailable)
		return
	}

	info := &models.ClientInfo{
		ID:        models.NewULID().String(),
		ChannelID: channelID,
		UserAgent: r.UserAgent(),
		IP:        clientIP(r),
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("X-Client-ID", info.ID)
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	err := h.streamer.Serve(r.Context(), w, channelID, info)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, streamer.ErrChannelGone):
		logger.Info("stream ended, channel gone", slog.String("client_id", info.ID))
	default:
		logger.Warn("stream ended with error",
			slog.String("client_id", info.ID),
			slog.String("error", err.Error()))
	}
}

// clientIP returns the request address without the port. RealIP runs
// before this handler, so RemoteAddr may already be a bare IP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
