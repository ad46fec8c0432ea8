// Package repository provides data access for the catalog database:
// channel definitions, their ranked streams, and provider accounts with
// upstream profiles.
package repository

import (
	"context"
	"errors"

	"github.com/rvierich/tsrelay/internal/models"
)

// ErrNotFound is returned when a catalog record does not exist.
var ErrNotFound = errors.New("repository: record not found")

// ChannelRepository accesses channel definitions.
type ChannelRepository interface {
	Create(ctx context.Context, channel *models.ChannelDef) error
	ChannelByID(ctx context.Context, id string) (*models.ChannelDef, error)
	List(ctx context.Context) ([]*models.ChannelDef, error)
	Update(ctx context.Context, channel *models.ChannelDef) error
	Delete(ctx context.Context, id string) error
}

// StreamRepository accesses a channel's candidate streams.
type StreamRepository interface {
	Create(ctx context.Context, stream *models.Stream) error
	ByChannelID(ctx context.Context, channelID string) ([]*models.Stream, error)
	Delete(ctx context.Context, id models.ULID) error
}

// AccountRepository accesses provider accounts and their profiles.
type AccountRepository interface {
	Create(ctx context.Context, account *models.M3UAccount) error
	GetByID(ctx context.Context, id models.ULID) (*models.M3UAccount, error)
	List(ctx context.Context) ([]*models.M3UAccount, error)
	ProfileByID(ctx context.Context, id models.ULID) (*models.UpstreamProfile, error)
	ListProfiles(ctx context.Context) ([]*models.UpstreamProfile, error)
}
