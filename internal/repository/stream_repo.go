package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/rvierich/tsrelay/internal/models"
)

// streamRepo implements StreamRepository using GORM.
type streamRepo struct {
	db *gorm.DB
}

// NewStreamRepository creates a StreamRepository.
func NewStreamRepository(db *gorm.DB) StreamRepository {
	return &streamRepo{db: db}
}

// Create adds a stream to a channel.
func (r *streamRepo) Create(ctx context.Context, stream *models.Stream) error {
	if err := r.db.WithContext(ctx).Create(stream).Error; err != nil {
		return fmt.Errorf("creating stream: %w", err)
	}
	return nil
}

// ByChannelID returns a channel's streams in rank order, with provider
// accounts and profiles preloaded for upstream admission.
func (r *streamRepo) ByChannelID(ctx context.Context, channelID string) ([]*models.Stream, error) {
	var streams []*models.Stream
	err := r.db.WithContext(ctx).
		Preload("M3UAccount").
		Preload("M3UAccount.Profiles", func(db *gorm.DB) *gorm.DB {
			return db.Order("is_default DESC, sort_order ASC")
		}).
		Where("channel_id = ?", channelID).
		Order("rank ASC").
		Find(&streams).Error
	if err != nil {
		return nil, fmt.Errorf("listing streams for channel %s: %w", channelID, err)
	}
	return streams, nil
}

// Delete removes a stream.
func (r *streamRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Delete(&models.Stream{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting stream: %w", err)
	}
	return nil
}
