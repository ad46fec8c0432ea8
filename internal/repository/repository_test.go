package repository

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvierich/tsrelay/internal/config"
	"github.com/rvierich/tsrelay/internal/database"
	"github.com/rvierich/tsrelay/internal/models"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "catalog.db"),
		LogLevel: "silent",
	}
	db, err := database.New(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate())
	return db
}

func boolPtr(b bool) *bool { return &b }

func seedChannel(t *testing.T, db *database.DB) *models.ChannelDef {
	t.Helper()
	ctx := context.Background()

	account := &models.M3UAccount{
		Name: "provider-a",
		Profiles: []models.UpstreamProfile{
			{Name: "overflow", MaxStreams: 2, Order: 1},
			{Name: "main", MaxStreams: 5, IsDefault: true, Order: 0},
			{Name: "disabled", IsActive: boolPtr(false), Order: 2},
		},
	}
	require.NoError(t, NewAccountRepository(db.DB).Create(ctx, account))

	channel := &models.ChannelDef{
		ID:        "2b6d29a5-7f34-4f7a-9f2e-0d5f2a1c8e11",
		Name:      "News HD",
		UserAgent: "ChannelAgent/1.0",
		Streams: []models.Stream{
			{URL: "http://cdn.example.com/backup.ts", Rank: 2, M3UAccountID: account.ID},
			{URL: "http://cdn.example.com/primary.ts", Rank: 1, M3UAccountID: account.ID},
		},
	}
	require.NoError(t, NewChannelRepository(db.DB).Create(ctx, channel))
	return channel
}

func TestChannelByIDPreloadsRankedStreamsAndProfiles(t *testing.T) {
	db := testDB(t)
	seeded := seedChannel(t, db)

	repo := NewChannelRepository(db.DB)
	channel, err := repo.ChannelByID(context.Background(), seeded.ID)
	require.NoError(t, err)

	assert.Equal(t, "News HD", channel.Name)
	require.Len(t, channel.Streams, 2)
	assert.Equal(t, 1, channel.Streams[0].Rank)
	assert.Equal(t, "http://cdn.example.com/primary.ts", channel.Streams[0].URL)
	assert.Equal(t, 2, channel.Streams[1].Rank)

	require.NotNil(t, channel.Streams[0].M3UAccount)
	profiles := channel.Streams[0].M3UAccount.Profiles
	require.Len(t, profiles, 3)
	assert.Equal(t, "main", profiles[0].Name)
	assert.True(t, profiles[0].IsDefault)
	assert.Equal(t, "overflow", profiles[1].Name)
	assert.Equal(t, "disabled", profiles[2].Name)
	assert.False(t, profiles[2].Active())
}

func TestChannelByIDNotFound(t *testing.T) {
	db := testDB(t)

	_, err := NewChannelRepository(db.DB).ChannelByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChannelDeleteRemovesStreams(t *testing.T) {
	db := testDB(t)
	seeded := seedChannel(t, db)
	ctx := context.Background()

	require.NoError(t, NewChannelRepository(db.DB).Delete(ctx, seeded.ID))

	_, err := NewChannelRepository(db.DB).ChannelByID(ctx, seeded.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	streams, err := NewStreamRepository(db.DB).ByChannelID(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Empty(t, streams)
}

func TestStreamRepositoryOrdersByRank(t *testing.T) {
	db := testDB(t)
	seeded := seedChannel(t, db)
	ctx := context.Background()

	repo := NewStreamRepository(db.DB)
	require.NoError(t, repo.Create(ctx, &models.Stream{
		ChannelID: seeded.ID,
		URL:       "http://cdn.example.com/tertiary.ts",
		Rank:      0,
	}))

	streams, err := repo.ByChannelID(ctx, seeded.ID)
	require.NoError(t, err)
	require.Len(t, streams, 3)
	assert.Equal(t, 0, streams[0].Rank)
	assert.Equal(t, 1, streams[1].Rank)
	assert.Equal(t, 2, streams[2].Rank)

	// Accounts and profiles ride along for upstream admission.
	assert.Nil(t, streams[0].M3UAccount)
	require.NotNil(t, streams[1].M3UAccount)
	require.Len(t, streams[1].M3UAccount.Profiles, 3)
	assert.True(t, streams[1].M3UAccount.Profiles[0].IsDefault)

	require.NoError(t, repo.Delete(ctx, streams[0].ID))
	streams, err = repo.ByChannelID(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Len(t, streams, 2)
}

func TestAccountRepositoryProfiles(t *testing.T) {
	db := testDB(t)
	seeded := seedChannel(t, db)
	ctx := context.Background()

	repo := NewAccountRepository(db.DB)
	accountID := seeded.Streams[0].M3UAccountID

	account, err := repo.GetByID(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "provider-a", account.Name)
	require.Len(t, account.Profiles, 3)
	assert.True(t, account.Profiles[0].IsDefault)

	profile, err := repo.ProfileByID(ctx, account.Profiles[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "main", profile.Name)
	assert.Equal(t, 5, profile.MaxStreams)

	profiles, err := repo.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, profiles, 3)

	_, err = repo.GetByID(ctx, models.NewULID())
	assert.ErrorIs(t, err, ErrNotFound)
}
