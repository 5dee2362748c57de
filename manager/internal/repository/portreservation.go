package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ifperf/ifperf/manager/internal/db"
)

// gormPortReservationRepository is the GORM implementation of PortReservationRepository.
type gormPortReservationRepository struct {
	db *gorm.DB
}

// NewPortReservationRepository returns a PortReservationRepository backed by
// the provided *gorm.DB.
func NewPortReservationRepository(gdb *gorm.DB) PortReservationRepository {
	return &gormPortReservationRepository{db: gdb}
}

// List returns a paginated list of port reservations and the total count.
func (r *gormPortReservationRepository) List(ctx context.Context, opts ListOptions) ([]db.PortReservation, int64, error) {
	var reservations []db.PortReservation
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.PortReservation{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("port_reservations: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&reservations).Error; err != nil {
		return nil, 0, fmt.Errorf("port_reservations: list: %w", err)
	}
	return reservations, total, nil
}

// ReleaseTerminal releases every live reservation whose task has reached a
// terminal status. Idempotent by construction: already-released rows never
// match "released_at IS NULL" again.
func (r *gormPortReservationRepository) ReleaseTerminal(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Exec(`
		UPDATE port_reservations
		SET released_at = ?
		WHERE released_at IS NULL
		  AND task_id IN (
			SELECT id FROM tasks WHERE status IN ('succeeded', 'failed', 'timed_out', 'canceled')
		  )`, now)
	if result.Error != nil {
		return 0, fmt.Errorf("port_reservations: release terminal: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ReleaseStale releases every live reservation created before cutoff,
// regardless of its task's status — the stale-reclamation fallback for
// reservations whose task somehow never reaches a terminal status.
func (r *gormPortReservationRepository) ReleaseStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&db.PortReservation{}).
		Where("released_at IS NULL AND created_at < ?", cutoff).
		Update("released_at", now)
	if result.Error != nil {
		return 0, fmt.Errorf("port_reservations: release stale: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ReleaseByTaskID releases the live reservation tied to a specific task, if
// any. Used inline from Submit Result when an iperf_server_start task
// reaches a terminal status, so the port frees up without waiting for the
// next reservation-cleanup sweep.
func (r *gormPortReservationRepository) ReleaseByTaskID(ctx context.Context, taskID uuid.UUID, now time.Time) error {
	err := r.db.WithContext(ctx).Model(&db.PortReservation{}).
		Where("task_id = ? AND released_at IS NULL", taskID).
		Update("released_at", now).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("port_reservations: release by task id: %w", err)
	}
	return nil
}
