// Package upstream selects which provider stream and profile a channel
// connects through, and accounts live connections against per-profile
// limits in the shared store.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rvierich/tsrelay/internal/models"
	"github.com/rvierich/tsrelay/internal/store"
)

// ErrNoCandidate is returned when every stream was tried or every
// profile with capacity is exhausted.
var ErrNoCandidate = errors.New("upstream: no candidate available")

// Tracker accounts live connections per profile in the shared store so
// limits hold across the whole cluster.
type Tracker struct {
	store  *store.Store
	logger *slog.Logger
}

// NewTracker creates a profile connection tracker.
func NewTracker(s *store.Store, logger *slog.Logger) *Tracker {
	return &Tracker{store: s, logger: logger.With(slog.String("component", "upstream"))}
}

// Acquire reserves a connection slot on the profile. With max <= 0 the
// profile is unlimited and the counter only informs status reporting.
// Returns false when the profile is full; the reservation is rolled back.
func (t *Tracker) Acquire(ctx context.Context, profileID string, max int) (bool, error) {
	n, err := t.store.Incr(ctx, store.ProfileConnectionsKey(profileID))
	if err != nil {
		return false, fmt.Errorf("acquiring profile slot: %w", err)
	}
	if max > 0 && n > int64(max) {
		if _, err := t.store.Decr(ctx, store.ProfileConnectionsKey(profileID)); err != nil {
			return false, fmt.Errorf("rolling back profile slot: %w", err)
		}
		t.logger.Debug("profile full",
			slog.String("profile_id", profileID),
			slog.Int("max_streams", max))
		return false, nil
	}
	return true, nil
}

// Release returns a connection slot. The counter is floored at zero so a
// double release cannot drive it negative.
func (t *Tracker) Release(ctx context.Context, profileID string) error {
	n, err := t.store.Decr(ctx, store.ProfileConnectionsKey(profileID))
	if err != nil {
		return fmt.Errorf("releasing profile slot: %w", err)
	}
	if n < 0 {
		t.logger.Warn("profile connection counter went negative, resetting",
			slog.String("profile_id", profileID))
		return t.store.Set(ctx, store.ProfileConnectionsKey(profileID), 0, 0)
	}
	return nil
}

// Connections returns the live connection count for a profile.
func (t *Tracker) Connections(ctx context.Context, profileID string) (int64, error) {
	return t.store.GetInt(ctx, store.ProfileConnectionsKey(profileID))
}

// Candidate is a selected upstream: the stream, the profile it was
// admitted through (nil when the account has no profiles), and the final
// URL after any profile rewrite.
type Candidate struct {
	Stream    models.Stream
	Profile   *models.UpstreamProfile
	URL       string
	UserAgent string
}

// ProfileID returns the admitting profile's id, or "" for direct streams.
func (c *Candidate) ProfileID() string {
	if c.Profile == nil {
		return ""
	}
	return c.Profile.ID.String()
}

// Selector picks candidates for a channel, honoring stream rank order
// and profile capacity.
type Selector struct {
	tracker *Tracker
	logger  *slog.Logger
}

// NewSelector creates a candidate selector backed by the tracker.
func NewSelector(tracker *Tracker, logger *slog.Logger) *Selector {
	return &Selector{tracker: tracker, logger: logger.With(slog.String("component", "upstream"))}
}

// Select returns the first admissible candidate: streams in rank order,
// skipping ids in tried; within a stream's account, the default profile
// first and the rest in their configured order, skipping inactive and
// full profiles. The winning profile's slot is acquired before return,
// and the caller must Release it when the connection ends.
func (s *Selector) Select(ctx context.Context, ch *models.ChannelDef, tried map[string]bool) (*Candidate, error) {
	streams := append([]models.Stream(nil), ch.Streams...)
	sort.SliceStable(streams, func(i, j int) bool { return streams[i].Rank < streams[j].Rank })

	for _, stream := range streams {
		if tried[stream.ID.String()] {
			continue
		}

		userAgent := stream.UserAgent
		if userAgent == "" {
			userAgent = ch.UserAgent
		}

		if stream.M3UAccount == nil || len(stream.M3UAccount.Profiles) == 0 {
			return &Candidate{Stream: stream, URL: stream.URL, UserAgent: userAgent}, nil
		}

		for _, profile := range orderedProfiles(stream.M3UAccount.Profiles) {
			if !profile.Active() {
				continue
			}
			ok, err := s.tracker.Acquire(ctx, profile.ID.String(), profile.MaxStreams)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			url, err := profile.RewriteURL(stream.URL)
			if err != nil {
				if relErr := s.tracker.Release(ctx, profile.ID.String()); relErr != nil {
					s.logger.Warn("releasing slot after rewrite failure",
						slog.String("profile_id", profile.ID.String()),
						slog.String("error", relErr.Error()))
				}
				return nil, err
			}
			p := profile
			return &Candidate{Stream: stream, Profile: &p, URL: url, UserAgent: userAgent}, nil
		}

		s.logger.Info("all profiles exhausted for stream",
			slog.String("channel_id", ch.ID),
			slog.String("stream_id", stream.ID.String()))
	}

	return nil, ErrNoCandidate
}

// Release returns the candidate's profile slot, if it holds one.
func (s *Selector) Release(ctx context.Context, c *Candidate) error {
	if c == nil || c.Profile == nil {
		return nil
	}
	return s.tracker.Release(ctx, c.Profile.ID.String())
}

func orderedProfiles(profiles []models.UpstreamProfile) []models.UpstreamProfile {
	out := append([]models.UpstreamProfile(nil), profiles...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].Order < out[j].Order
	})
	return out
}
