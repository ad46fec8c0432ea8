package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/rvierich/tsrelay/internal/models"
)

// channelRepo implements ChannelRepository using GORM.
type channelRepo struct {
	db *gorm.DB
}

// NewChannelRepository creates a ChannelRepository.
func NewChannelRepository(db *gorm.DB) ChannelRepository {
	return &channelRepo{db: db}
}

// Create creates a channel definition with its streams.
func (r *channelRepo) Create(ctx context.Context, channel *models.ChannelDef) error {
	if err := r.db.WithContext(ctx).Create(channel).Error; err != nil {
		return fmt.Errorf("creating channel: %w", err)
	}
	return nil
}

// ChannelByID loads a channel with its streams, provider accounts, and
// profiles, everything the upstream selector needs in one read.
func (r *channelRepo) ChannelByID(ctx context.Context, id string) (*models.ChannelDef, error) {
	var channel models.ChannelDef
	err := r.db.WithContext(ctx).
		Preload("Streams", func(db *gorm.DB) *gorm.DB {
			return db.Order("rank ASC")
		}).
		Preload("Streams.M3UAccount").
		Preload("Streams.M3UAccount.Profiles", func(db *gorm.DB) *gorm.DB {
			return db.Order("is_default DESC, sort_order ASC")
		}).
		First(&channel, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting channel %s: %w", id, err)
	}
	return &channel, nil
}

// List returns every channel definition without stream preloads.
func (r *channelRepo) List(ctx context.Context) ([]*models.ChannelDef, error) {
	var channels []*models.ChannelDef
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	return channels, nil
}

// Update saves channel fields.
func (r *channelRepo) Update(ctx context.Context, channel *models.ChannelDef) error {
	if err := r.db.WithContext(ctx).Save(channel).Error; err != nil {
		return fmt.Errorf("updating channel: %w", err)
	}
	return nil
}

// Delete removes a channel and its streams.
func (r *channelRepo) Delete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Select("Streams").
		Delete(&models.ChannelDef{ID: id}).Error
	if err != nil {
		return fmt.Errorf("deleting channel: %w", err)
	}
	return nil
}
