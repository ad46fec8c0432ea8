package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rvierich/tsrelay/internal/models"
)

// Channel metadata helpers. Only the owning worker writes state fields;
// every worker reads them.

// GetMetadata loads a channel's metadata hash, or ErrNotFound when the
// channel does not exist.
func (s *Store) GetMetadata(ctx context.Context, channelID string) (*models.ChannelMetadata, error) {
	fields, err := s.HGetAll(ctx, MetadataKey(channelID))
	if err != nil {
		return nil, fmt.Errorf("loading channel metadata: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return models.MetadataFromMap(fields), nil
}

// PutMetadata writes the non-zero fields of the metadata record.
func (s *Store) PutMetadata(ctx context.Context, channelID string, md *models.ChannelMetadata) error {
	return s.HSet(ctx, MetadataKey(channelID), md.ToMap())
}

// UpdateMetadata writes individual metadata fields.
func (s *Store) UpdateMetadata(ctx context.Context, channelID string, fields map[string]any) error {
	return s.HSet(ctx, MetadataKey(channelID), fields)
}

// SetState advances the channel state and stamps the transition time.
// A non-empty errMsg is recorded alongside error states.
func (s *Store) SetState(ctx context.Context, channelID string, state models.ChannelState, errMsg string) error {
	fields := map[string]any{
		models.FieldState:          string(state),
		models.FieldStateChangedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if errMsg != "" {
		fields[models.FieldErrorMessage] = errMsg
	}
	return s.HSet(ctx, MetadataKey(channelID), fields)
}

// GetState returns the channel's current state, or "" when the channel
// does not exist.
func (s *Store) GetState(ctx context.Context, channelID string) (models.ChannelState, error) {
	val, err := s.HGet(ctx, MetadataKey(channelID), models.FieldState)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return models.ChannelState(val), nil
}
