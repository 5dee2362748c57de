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

// gormExerciseRepository is the GORM implementation of ExerciseRepository.
type gormExerciseRepository struct {
	db *gorm.DB
}

// NewExerciseRepository returns an ExerciseRepository backed by the provided *gorm.DB.
func NewExerciseRepository(gdb *gorm.DB) ExerciseRepository {
	return &gormExerciseRepository{db: gdb}
}

// Create inserts a new exercise record. Returns ErrConflict on a duplicate name.
func (r *gormExerciseRepository) Create(ctx context.Context, exercise *db.Exercise) error {
	if err := r.db.WithContext(ctx).Create(exercise).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("exercises: create: %w", err)
	}
	return nil
}

// GetByID retrieves an exercise by UUID. Returns ErrNotFound if no record exists.
func (r *gormExerciseRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Exercise, error) {
	var exercise db.Exercise
	err := r.db.WithContext(ctx).First(&exercise, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("exercises: get by id: %w", err)
	}
	return &exercise, nil
}

// GetWithTests loads an exercise and its tests via two queries — GORM cannot
// resolve foreign keys on uuid.UUID primary keys.
func (r *gormExerciseRepository) GetWithTests(ctx context.Context, id uuid.UUID) (*db.Exercise, error) {
	exercise, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	tests, err := r.ListTestsByExercise(ctx, id)
	if err != nil {
		return nil, err
	}
	exercise.Tests = tests
	return exercise, nil
}

// List returns a paginated list of exercises and the total count.
func (r *gormExerciseRepository) List(ctx context.Context, opts ListOptions) ([]db.Exercise, int64, error) {
	var exercises []db.Exercise
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Exercise{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("exercises: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&exercises).Error; err != nil {
		return nil, 0, fmt.Errorf("exercises: list: %w", err)
	}
	return exercises, total, nil
}

// Update persists changes to an existing exercise record.
func (r *gormExerciseRepository) Update(ctx context.Context, exercise *db.Exercise) error {
	result := r.db.WithContext(ctx).Save(exercise)
	if result.Error != nil {
		return fmt.Errorf("exercises: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTestsByExercise returns every test belonging to an exercise, in
// creation order.
func (r *gormExerciseRepository) ListTestsByExercise(ctx context.Context, exerciseID uuid.UUID) ([]db.Test, error) {
	var tests []db.Test
	if err := r.db.WithContext(ctx).
		Where("exercise_id = ?", exerciseID).
		Order("created_at ASC").
		Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("exercises: list tests: %w", err)
	}
	return tests, nil
}

// CreateTestWithTasks atomically inserts a Test, its server and client
// Tasks (both queued), and a PortReservation for the server task. The
// reservation insert is the enforcement point for the (server_agent,
// server_port) uniqueness invariant — a conflict there aborts the whole
// transaction and is surfaced as ErrConflict.
func (r *gormExerciseRepository) CreateTestWithTasks(ctx context.Context, test *db.Test, serverTask, clientTask *db.Task) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(serverTask).Error; err != nil {
			return fmt.Errorf("exercises: create server task: %w", err)
		}
		if err := tx.Create(clientTask).Error; err != nil {
			return fmt.Errorf("exercises: create client task: %w", err)
		}

		test.ServerTaskID = serverTask.ID
		test.ClientTaskID = clientTask.ID
		if err := tx.Create(test).Error; err != nil {
			return fmt.Errorf("exercises: create test: %w", err)
		}

		reservation := &db.PortReservation{
			AgentID: test.ServerAgentID,
			Port:    test.ServerPort,
			TaskID:  serverTask.ID,
		}
		if err := tx.Create(reservation).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("exercises: create port reservation: %w", err)
		}
		return nil
	})
}

// StartExercise stamps started_at and promotes every queued task belonging
// to this exercise's tests to pending, inside one transaction. This is the
// single admission gate: before it, nothing under the exercise is claimable.
func (r *gormExerciseRepository) StartExercise(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&db.Exercise{}).
			Where("id = ? AND started_at IS NULL", id).
			Update("started_at", now)
		if result.Error != nil {
			return fmt.Errorf("exercises: start: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}

		var taskIDs []uuid.UUID
		if err := tx.Model(&db.Test{}).
			Where("exercise_id = ?", id).
			Pluck("server_task_id", &taskIDs).Error; err != nil {
			return fmt.Errorf("exercises: start: collect server task ids: %w", err)
		}
		var clientTaskIDs []uuid.UUID
		if err := tx.Model(&db.Test{}).
			Where("exercise_id = ?", id).
			Pluck("client_task_id", &clientTaskIDs).Error; err != nil {
			return fmt.Errorf("exercises: start: collect client task ids: %w", err)
		}
		taskIDs = append(taskIDs, clientTaskIDs...)

		if len(taskIDs) == 0 {
			return nil
		}
		if err := tx.Model(&db.Task{}).
			Where("id IN ? AND status = ?", taskIDs, "queued").
			Update("status", "pending").Error; err != nil {
			return fmt.Errorf("exercises: start: promote tasks: %w", err)
		}
		return nil
	})
}

// StopExercise stamps ended_at, returns the distinct agent IDs the exercise
// touched (server and client agents across all its tests), and releases
// every still-live reservation tied to its server tasks. Idempotent: a
// second call against an already-ended exercise returns ErrConflict and
// changes nothing.
func (r *gormExerciseRepository) StopExercise(ctx context.Context, id uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	var agentIDs []uuid.UUID

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&db.Exercise{}).
			Where("id = ? AND ended_at IS NULL", id).
			Update("ended_at", now)
		if result.Error != nil {
			return fmt.Errorf("exercises: stop: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}

		var tests []db.Test
		if err := tx.Where("exercise_id = ?", id).Find(&tests).Error; err != nil {
			return fmt.Errorf("exercises: stop: load tests: %w", err)
		}

		seen := map[uuid.UUID]bool{}
		var serverTaskIDs []uuid.UUID
		for _, t := range tests {
			if !seen[t.ServerAgentID] {
				seen[t.ServerAgentID] = true
				agentIDs = append(agentIDs, t.ServerAgentID)
			}
			if !seen[t.ClientAgentID] {
				seen[t.ClientAgentID] = true
				agentIDs = append(agentIDs, t.ClientAgentID)
			}
			serverTaskIDs = append(serverTaskIDs, t.ServerTaskID)
		}

		if len(serverTaskIDs) > 0 {
			if err := tx.Model(&db.PortReservation{}).
				Where("task_id IN ? AND released_at IS NULL", serverTaskIDs).
				Update("released_at", now).Error; err != nil {
				return fmt.Errorf("exercises: stop: release reservations: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agentIDs, nil
}

// ListUnterminatedExercises returns every exercise that has started but not
// yet ended — candidates for the auto-ender sweeper.
func (r *gormExerciseRepository) ListUnterminatedExercises(ctx context.Context) ([]db.Exercise, error) {
	var exercises []db.Exercise
	if err := r.db.WithContext(ctx).
		Where("started_at IS NOT NULL AND ended_at IS NULL").
		Find(&exercises).Error; err != nil {
		return nil, fmt.Errorf("exercises: list unterminated: %w", err)
	}
	return exercises, nil
}

// AllTasksTerminal reports whether every task belonging to the exercise's
// tests has reached a terminal status. An exercise with no tests reports
// true (vacuously terminal) so an empty exercise can still be auto-ended.
func (r *gormExerciseRepository) AllTasksTerminal(ctx context.Context, exerciseID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Joins("JOIN tests ON tasks.id = tests.server_task_id OR tasks.id = tests.client_task_id").
		Where("tests.exercise_id = ? AND tasks.status NOT IN ?", exerciseID,
			[]string{"succeeded", "failed", "timed_out", "canceled"}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("exercises: all tasks terminal: %w", err)
	}
	return count == 0, nil
}
