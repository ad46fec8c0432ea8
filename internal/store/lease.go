package store

import (
	"context"
	"errors"
	"time"
)

// Lease implements per-channel ownership with the classic SETNX+EX idiom.
// At most one worker holds a channel's lease at a time; a crashed owner's
// lease simply expires.
type Lease struct {
	store    *Store
	workerID string
}

// NewLease creates a lease manager bound to this worker's identity.
func NewLease(store *Store, workerID string) *Lease {
	return &Lease{store: store, workerID: workerID}
}

// WorkerID returns the identity this lease manager acquires under.
func (l *Lease) WorkerID() string {
	return l.workerID
}

// TryAcquire attempts to take ownership of the channel. Re-acquiring a
// lease this worker already holds refreshes the TTL and succeeds.
func (l *Lease) TryAcquire(ctx context.Context, channelID string, ttl time.Duration) (bool, error) {
	key := OwnerKey(channelID)

	ok, err := l.store.SetNX(ctx, key, l.workerID, ttl)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	current, err := l.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// Lease expired between SETNX and GET; next attempt wins it.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current != l.workerID {
		return false, nil
	}

	_, err = l.store.Expire(ctx, key, ttl)
	return err == nil, err
}

// Extend refreshes the lease TTL only if this worker still holds it.
func (l *Lease) Extend(ctx context.Context, channelID string, ttl time.Duration) (bool, error) {
	owner, err := l.Owner(ctx, channelID)
	if err != nil {
		return false, err
	}
	if owner != l.workerID {
		return false, nil
	}
	return l.store.Expire(ctx, OwnerKey(channelID), ttl)
}

// Release drops the lease only if this worker still holds it.
func (l *Lease) Release(ctx context.Context, channelID string) error {
	owner, err := l.Owner(ctx, channelID)
	if err != nil {
		return err
	}
	if owner != l.workerID {
		return nil
	}
	return l.store.Del(ctx, OwnerKey(channelID))
}

// Owner returns the worker id currently holding the channel's lease, or
// an empty string if the lease is free.
func (l *Lease) Owner(ctx context.Context, channelID string) (string, error) {
	owner, err := l.store.Get(ctx, OwnerKey(channelID))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return owner, err
}

// IsOwner reports whether this worker holds the channel's lease.
func (l *Lease) IsOwner(ctx context.Context, channelID string) (bool, error) {
	owner, err := l.Owner(ctx, channelID)
	return owner == l.workerID, err
}
