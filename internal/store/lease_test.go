package store

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
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func TestLeaseAcquireAndContention(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	a := NewLease(s, "worker-a")
	b := NewLease(s, "worker-b")

	ok, err := a.TryAcquire(ctx, "ch1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx, "ch1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	owner, err := b.Owner(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", owner)

	isOwner, err := a.IsOwner(ctx, "ch1")
	require.NoError(t, err)
	assert.True(t, isOwner)
}

func TestLeaseReacquireRefreshesTTL(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	a := NewLease(s, "worker-a")
	ok, err := a.TryAcquire(ctx, "ch1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.TryAcquire(ctx, "ch1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, mr.TTL(OwnerKey("ch1")), 30*time.Second)
}

func TestLeaseExpiresForNextWorker(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	a := NewLease(s, "worker-a")
	ok, err := a.TryAcquire(ctx, "ch1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	b := NewLease(s, "worker-b")
	ok, err = b.TryAcquire(ctx, "ch1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseExtendOnlyByOwner(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	a := NewLease(s, "worker-a")
	b := NewLease(s, "worker-b")

	ok, err := a.TryAcquire(ctx, "ch1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := a.Extend(ctx, "ch1", time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)

	extended, err = b.Extend(ctx, "ch1", time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)
}

func TestLeaseReleaseOnlyByOwner(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	a := NewLease(s, "worker-a")
	b := NewLease(s, "worker-b")

	ok, err := a.TryAcquire(ctx, "ch1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Release(ctx, "ch1"))
	owner, err := a.Owner(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", owner)

	require.NoError(t, a.Release(ctx, "ch1"))
	owner, err = a.Owner(ctx, "ch1")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestMetadataRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	_, err := s.GetMetadata(ctx, "ch1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetState(ctx, "ch1", "connecting", ""))
	state, err := s.GetState(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, "connecting", string(state))

	require.NoError(t, s.SetState(ctx, "ch1", "error", "upstream exhausted"))
	md, err := s.GetMetadata(ctx, "ch1")
	require.NoError(t, err)
	assert.Equal(t, "error", string(md.State))
	assert.Equal(t, "upstream exhausted", md.ErrorMessage)
	assert.False(t, md.StateChangedAt.IsZero())
}
