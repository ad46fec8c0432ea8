package ring

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvierich/tsrelay/internal/mpegts"
	"github.com/rvierich/tsrelay/internal/store"
)

func newTestRing(t *testing.T) (*Ring, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store.NewWithClient(client, logger), time.Minute), mr
}

func tsChunk(packets int, fill byte) []byte {
	chunk := make([]byte, packets*mpegts.PacketSize)
	for i := 0; i < packets; i++ {
		chunk[i*mpegts.PacketSize] = mpegts.SyncByte
		for j := 1; j < mpegts.PacketSize; j++ {
			chunk[i*mpegts.PacketSize+j] = fill
		}
	}
	return chunk
}

func TestRingAppendAssignsSequentialIndices(t *testing.T) {
	r, _ := newTestRing(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		idx, err := r.Append(ctx, "ch1", tsChunk(2, byte(want)))
		require.NoError(t, err)
		assert.Equal(t, want, idx)
	}

	head, err := r.LatestIndex(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)
}

func TestRingAppendRejectsUnalignedPayload(t *testing.T) {
	r, _ := newTestRing(t)

	_, err := r.Append(context.Background(), "ch1", []byte{0x47, 0x00})
	assert.ErrorIs(t, err, ErrNotAligned)

	_, err = r.Append(context.Background(), "ch1", nil)
	assert.ErrorIs(t, err, ErrNotAligned)
}

func TestRingAppendRecordsLastDataTime(t *testing.T) {
	r, _ := newTestRing(t)
	ctx := context.Background()

	before, err := r.LastDataTime(ctx, "ch1")
	require.NoError(t, err)
	assert.True(t, before.IsZero())

	_, err = r.Append(ctx, "ch1", tsChunk(1, 0xAA))
	require.NoError(t, err)

	last, err := r.LastDataTime(ctx, "ch1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), last, 5*time.Second)
}

func TestRingReadReturnsEntriesAfterStart(t *testing.T) {
	r, _ := newTestRing(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.Append(ctx, "ch1", tsChunk(1, byte(i+1)))
		require.NoError(t, err)
	}

	entries, err := r.Read(ctx, "ch1", 2, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].Index)
	assert.Equal(t, int64(4), entries[1].Index)
	assert.Equal(t, tsChunk(1, 3), entries[0].Payload)
}

func TestRingReadAtHeadIsEmpty(t *testing.T) {
	r, _ := newTestRing(t)
	ctx := context.Background()

	_, err := r.Append(ctx, "ch1", tsChunk(1, 0x01))
	require.NoError(t, err)

	entries, err := r.Read(ctx, "ch1", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRingReadSkipsExpiredEntries(t *testing.T) {
	r, mr := newTestRing(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Append(ctx, "ch1", tsChunk(1, byte(i+1)))
		require.NoError(t, err)
	}
	mr.Del(store.RingChunkKey("ch1", 2))

	entries, err := r.Read(ctx, "ch1", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Index)
	assert.Equal(t, int64(3), entries[1].Index)
}

func TestOptimizedReadCaughtUpClient(t *testing.T) {
	r, _ := newTestRing(t)
	ctx := context.Background()

	_, err := r.Append(ctx, "ch1", tsChunk(1, 0x01))
	require.NoError(t, err)

	entries, next, err := r.OptimizedRead(ctx, "ch1", 1)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, int64(1), next)
}

func TestOptimizedReadAdvancesClientIndex(t *testing.T) {
	r, _ := newTestRing(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := r.Append(ctx, "ch1", tsChunk(1, byte(i+1)))
		require.NoError(t, err)
	}

	entries, next, err := r.OptimizedRead(ctx, "ch1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, int64(4), next)
}

func TestOptimizedReadStopsAtTargetSize(t *testing.T) {
	r, _ := newTestRing(t)
	ctx := context.Background()

	// Each chunk is ~600 KiB, so two cross the 1 MiB target.
	big := 600 * 1024 / mpegts.PacketSize
	for i := 0; i < 5; i++ {
		_, err := r.Append(ctx, "ch1", tsChunk(big, byte(i+1)))
		require.NoError(t, err)
	}

	entries, next, err := r.OptimizedRead(ctx, "ch1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), next)
}

func TestOptimizedReadCapsEntryCount(t *testing.T) {
	r, _ := newTestRing(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, err := r.Append(ctx, "ch1", tsChunk(1, byte(i+1)))
		require.NoError(t, err)
	}

	entries, next, err := r.OptimizedRead(ctx, "ch1", 0)
	require.NoError(t, err)
	require.Len(t, entries, maxReadEntries)
	assert.Equal(t, int64(maxReadEntries), next)
}

func TestOptimizedReadSkipsLeadingExpired(t *testing.T) {
	r, mr := newTestRing(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.Append(ctx, "ch1", tsChunk(1, byte(i+1)))
		require.NoError(t, err)
	}
	mr.Del(store.RingChunkKey("ch1", 1))
	mr.Del(store.RingChunkKey("ch1", 2))

	entries, next, err := r.OptimizedRead(ctx, "ch1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(3), entries[0].Index)
	assert.Equal(t, int64(5), next)
}

func TestOptimizedReadEndsBatchAtGap(t *testing.T) {
	r, mr := newTestRing(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.Append(ctx, "ch1", tsChunk(1, byte(i+1)))
		require.NoError(t, err)
	}
	mr.Del(store.RingChunkKey("ch1", 3))

	// The batch ends before the expired entry; no index gap inside it.
	entries, next, err := r.OptimizedRead(ctx, "ch1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Index)
	assert.Equal(t, int64(2), entries[1].Index)
	assert.Equal(t, int64(2), next)

	// The next read skips the gap and resumes with what remains.
	entries, next, err = r.OptimizedRead(ctx, "ch1", next)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].Index)
	assert.Equal(t, int64(5), entries[1].Index)
	assert.Equal(t, int64(5), next)
}

func TestRingStopRemovesState(t *testing.T) {
	r, mr := newTestRing(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Append(ctx, "ch1", tsChunk(1, byte(i+1)))
		require.NoError(t, err)
	}
	require.NoError(t, r.Stop(ctx, "ch1"))

	head, err := r.LatestIndex(ctx, "ch1")
	require.NoError(t, err)
	assert.Zero(t, head)
	assert.False(t, mr.Exists(store.RingChunkKey("ch1", 2)))
}

func TestPacketizerAccumulatesToTarget(t *testing.T) {
	p := NewPacketizer(3 * mpegts.PacketSize)

	assert.Nil(t, p.Push(tsChunk(1, 0x01)))
	assert.Nil(t, p.Push(tsChunk(1, 0x02)))

	chunk := p.Push(tsChunk(1, 0x03))
	require.NotNil(t, chunk)
	assert.Len(t, chunk, 3*mpegts.PacketSize)
	assert.True(t, mpegts.Aligned(chunk))
	assert.Zero(t, p.Pending())
}

func TestPacketizerKeepsSubPacketTail(t *testing.T) {
	p := NewPacketizer(mpegts.PacketSize)

	full := tsChunk(2, 0x05)
	assert.Nil(t, p.Push(full[:100]))

	chunk := p.Push(full[100:])
	require.NotNil(t, chunk)
	// Two packets arrived in total; both flush once the boundary is crossed.
	assert.Len(t, chunk, 2*mpegts.PacketSize)
	assert.Equal(t, full, chunk)
}

func TestPacketizerFlushReturnsWholePacketsOnly(t *testing.T) {
	p := NewPacketizer(10 * mpegts.PacketSize)

	assert.Nil(t, p.Push(tsChunk(2, 0x07)))
	chunk := p.Flush()
	require.NotNil(t, chunk)
	assert.Len(t, chunk, 2*mpegts.PacketSize)

	assert.Nil(t, p.Flush())
}

func TestPacketizerEmptyPush(t *testing.T) {
	p := NewPacketizer(mpegts.PacketSize)
	assert.Nil(t, p.Push(nil))
	assert.Nil(t, p.Flush())
}
