// Package ring implements the shared-store ring buffer that decouples a
// channel's single ingest writer from its many client readers. Entries
// are TS-aligned chunks stored under monotonically increasing indices
// with a TTL; expiry is the eviction mechanism, there is no explicit
// ring trimming.
package ring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rvierich/tsrelay/internal/mpegts"
	"github.com/rvierich/tsrelay/internal/store"
)

// ErrNotAligned is returned when an appended payload is not a whole
// number of TS packets.
var ErrNotAligned = errors.New("ring: payload not TS-aligned")

// OptimizedRead sizing. A read returns at least one available entry and
// at most maxReadEntries, stops adding once targetReadBytes is reached,
// and never exceeds hardCapBytes.
const (
	targetReadBytes = 1 << 20
	hardCapBytes    = 2 << 20
	maxReadEntries  = 20
)

// Entry is one ring chunk with its index.
type Entry struct {
	Index   int64
	Payload []byte
}

// Buffer is the read/write surface of a channel's ring.
type Buffer interface {
	Append(ctx context.Context, channelID string, payload []byte) (int64, error)
	LatestIndex(ctx context.Context, channelID string) (int64, error)
	Read(ctx context.Context, channelID string, startIndex int64, count int) ([]Entry, error)
	OptimizedRead(ctx context.Context, channelID string, clientIndex int64) ([]Entry, int64, error)
	Stop(ctx context.Context, channelID string) error
}

// Ring stores channel chunks in the shared store.
type Ring struct {
	store    *store.Store
	entryTTL time.Duration
}

var _ Buffer = (*Ring)(nil)

// New creates a ring whose entries expire after entryTTL.
func New(s *store.Store, entryTTL time.Duration) *Ring {
	return &Ring{store: s, entryTTL: entryTTL}
}

// Append stores one chunk at the next index and records the write time.
// The payload must be a non-empty whole number of TS packets.
func (r *Ring) Append(ctx context.Context, channelID string, payload []byte) (int64, error) {
	if !mpegts.Aligned(payload) {
		return 0, ErrNotAligned
	}

	index, err := r.store.Incr(ctx, store.RingIndexKey(channelID))
	if err != nil {
		return 0, fmt.Errorf("advancing ring index: %w", err)
	}
	if err := r.store.Set(ctx, store.RingChunkKey(channelID, index), payload, r.entryTTL); err != nil {
		return 0, fmt.Errorf("storing ring entry %d: %w", index, err)
	}
	if err := r.store.Set(ctx, store.LastDataKey(channelID), time.Now().UTC().Format(time.RFC3339Nano), r.entryTTL); err != nil {
		return 0, fmt.Errorf("recording last data time: %w", err)
	}
	return index, nil
}

// LatestIndex returns the head index, or 0 if nothing was ever written.
func (r *Ring) LatestIndex(ctx context.Context, channelID string) (int64, error) {
	return r.store.GetInt(ctx, store.RingIndexKey(channelID))
}

// LastDataTime returns when the owner last appended, or the zero time if
// no write happened within the entry TTL.
func (r *Ring) LastDataTime(ctx context.Context, channelID string) (time.Time, error) {
	val, err := r.store.Get(ctx, store.LastDataKey(channelID))
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, val)
}

// Read returns up to count entries after startIndex, in order. Expired
// entries are skipped; reading past the head returns an empty slice.
func (r *Ring) Read(ctx context.Context, channelID string, startIndex int64, count int) ([]Entry, error) {
	if count <= 0 {
		return nil, nil
	}
	head, err := r.LatestIndex(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if startIndex >= head {
		return nil, nil
	}

	first := startIndex + 1
	last := first + int64(count) - 1
	if last > head {
		last = head
	}

	keys := make([]string, 0, last-first+1)
	for i := first; i <= last; i++ {
		keys = append(keys, store.RingChunkKey(channelID, i))
	}
	vals, err := r.store.MGetBytes(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("reading ring entries: %w", err)
	}

	entries := make([]Entry, 0, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		entries = append(entries, Entry{Index: first + int64(i), Payload: v})
	}
	return entries, nil
}

// OptimizedRead returns the next batch for a client at clientIndex and
// the index the client should resume from. The batch targets roughly
// targetReadBytes of payload; it holds at least one available entry and
// at most maxReadEntries, and stops before exceeding hardCapBytes.
// Expired entries advance the resume index without producing payload, so
// a lagging client skips ahead instead of stalling.
func (r *Ring) OptimizedRead(ctx context.Context, channelID string, clientIndex int64) ([]Entry, int64, error) {
	head, err := r.LatestIndex(ctx, channelID)
	if err != nil {
		return nil, clientIndex, err
	}
	if clientIndex >= head {
		return nil, clientIndex, nil
	}

	first := clientIndex + 1
	last := first + maxReadEntries - 1
	if last > head {
		last = head
	}

	keys := make([]string, 0, last-first+1)
	for i := first; i <= last; i++ {
		keys = append(keys, store.RingChunkKey(channelID, i))
	}
	vals, err := r.store.MGetBytes(ctx, keys...)
	if err != nil {
		return nil, clientIndex, fmt.Errorf("reading ring entries: %w", err)
	}

	var (
		entries []Entry
		total   int
		next    = clientIndex
	)
	for i, v := range vals {
		index := first + int64(i)
		if v == nil {
			// Expired entry. Skip past it while nothing has been
			// collected; once the batch has payload, end it here so the
			// batch stays contiguous and the next read resumes after
			// the gap.
			if len(entries) == 0 {
				next = index
				continue
			}
			break
		}
		if len(entries) > 0 && total+len(v) > hardCapBytes {
			break
		}
		entries = append(entries, Entry{Index: index, Payload: v})
		total += len(v)
		next = index
		if total >= targetReadBytes {
			break
		}
	}
	return entries, next, nil
}

// Stop removes the channel's ring state: the index counter, the last
// data marker, and any live entries.
func (r *Ring) Stop(ctx context.Context, channelID string) error {
	head, err := r.LatestIndex(ctx, channelID)
	if err != nil {
		return err
	}

	keys := []string{store.RingIndexKey(channelID), store.LastDataKey(channelID)}
	// Entries older than the TTL window are gone already; bounding the
	// sweep to the last maxSweep indices keeps teardown O(1).
	const maxSweep = 1024
	first := head - maxSweep
	if first < 0 {
		first = 0
	}
	for i := first + 1; i <= head; i++ {
		keys = append(keys, store.RingChunkKey(channelID, i))
	}
	return r.store.Del(ctx, keys...)
}
