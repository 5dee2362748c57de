package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ifperf/ifperf/manager/internal/db"
)

// gormIdempotencyRepository is the GORM implementation of IdempotencyRepository.
type gormIdempotencyRepository struct {
	db *gorm.DB
}

// NewIdempotencyRepository returns an IdempotencyRepository backed by the
// provided *gorm.DB.
func NewIdempotencyRepository(gdb *gorm.DB) IdempotencyRepository {
	return &gormIdempotencyRepository{db: gdb}
}

// Get returns the cached record for (key, endpoint), or ErrNotFound if this
// is the first call with that combination.
func (r *gormIdempotencyRepository) Get(ctx context.Context, key, endpoint string) (*db.IdempotencyRecord, error) {
	var record db.IdempotencyRecord
	err := r.db.WithContext(ctx).
		First(&record, "key = ? AND endpoint = ?", key, endpoint).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("idempotency: get: %w", err)
	}
	return &record, nil
}

// Put stores a new cache entry. No eviction policy — records accumulate, as
// the design permits (see DESIGN.md open-question resolutions).
func (r *gormIdempotencyRepository) Put(ctx context.Context, record *db.IdempotencyRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("idempotency: put: %w", err)
	}
	return nil
}
