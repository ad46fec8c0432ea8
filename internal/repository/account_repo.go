package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/rvierich/tsrelay/internal/models"
)

// accountRepo implements AccountRepository using GORM.
type accountRepo struct {
	db *gorm.DB
}

// NewAccountRepository creates an AccountRepository.
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepo{db: db}
}

// Create creates a provider account with its profiles.
func (r *accountRepo) Create(ctx context.Context, account *models.M3UAccount) error {
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("creating account: %w", err)
	}
	return nil
}

// GetByID loads an account with its profiles in selection order.
func (r *accountRepo) GetByID(ctx context.Context, id models.ULID) (*models.M3UAccount, error) {
	var account models.M3UAccount
	err := r.db.WithContext(ctx).
		Preload("Profiles", func(db *gorm.DB) *gorm.DB {
			return db.Order("is_default DESC, sort_order ASC")
		}).
		First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}
	return &account, nil
}

// List returns every provider account with profiles.
func (r *accountRepo) List(ctx context.Context) ([]*models.M3UAccount, error) {
	var accounts []*models.M3UAccount
	err := r.db.WithContext(ctx).
		Preload("Profiles").
		Order("name ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return accounts, nil
}

// ProfileByID loads one upstream profile.
func (r *accountRepo) ProfileByID(ctx context.Context, id models.ULID) (*models.UpstreamProfile, error) {
	var profile models.UpstreamProfile
	err := r.db.WithContext(ctx).First(&profile, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting profile %s: %w", id, err)
	}
	return &profile, nil
}

// ListProfiles returns every upstream profile, used for status reporting
// of live connection counts.
func (r *accountRepo) ListProfiles(ctx context.Context) ([]*models.UpstreamProfile, error) {
	var profiles []*models.UpstreamProfile
	if err := r.db.WithContext(ctx).Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	return profiles, nil
}
