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

// gormTaskRepository is the GORM implementation of TaskRepository.
type gormTaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository returns a TaskRepository backed by the provided *gorm.DB.
func NewTaskRepository(gdb *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: gdb}
}

// GetByID retrieves a task by UUID. Returns ErrNotFound if no record exists.
func (r *gormTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: get by id: %w", err)
	}
	return &task, nil
}

// List returns a paginated list of tasks and the total count.
func (r *gormTaskRepository) List(ctx context.Context, opts ListOptions) ([]db.Task, int64, error) {
	var tasks []db.Task
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Task{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list: %w", err)
	}
	return tasks, total, nil
}

// Create inserts a standalone task (kill_all tasks go through
// EnqueueKillAll; Test-owned tasks go through ExerciseRepository.CreateTestWithTasks
// instead so the test row and its two tasks stay atomic).
func (r *gormTaskRepository) Create(ctx context.Context, task *db.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("tasks: create: %w", err)
	}
	return nil
}

// ClaimNext is the scheduler's critical section: within one transaction,
// select the oldest pending task for this agent and transition it to
// accepted. The UPDATE is conditional on status still being pending and its
// RowsAffected is checked, so the select-then-update needs no separate row
// lock — two concurrent
// calls against the same agent can never both win the same row, because the
// second call's UPDATE affects zero rows once the first has already flipped
// the status away from pending.
func (r *gormTaskRepository) ClaimNext(ctx context.Context, agentID uuid.UUID, now time.Time) (*db.Task, error) {
	var task db.Task

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// On sqlite the pool holds a single connection (see db.New), so
		// transactions run one at a time; on postgres this relies on the
		// transaction's default read-committed isolation plus the
		// subsequent UPDATE's row-level lock.
		err := tx.
			Where("agent_id = ? AND status = ?", agentID, "pending").
			Order("created_at ASC").
			Limit(1).
			First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			task = db.Task{}
			return nil
		}
		if err != nil {
			return fmt.Errorf("tasks: claim: select: %w", err)
		}

		result := tx.Model(&db.Task{}).
			Where("id = ? AND status = ?", task.ID, "pending").
			Updates(map[string]any{"status": "accepted", "accepted_at": now})
		if result.Error != nil {
			return fmt.Errorf("tasks: claim: update: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// Lost a race to another claim between the SELECT and the
			// UPDATE — treat as "nothing to claim" rather than retry; the
			// agent will ask again next heartbeat.
			task = db.Task{}
			return nil
		}
		task.Status = "accepted"
		task.AcceptedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

// MarkStarted transitions a task from accepted to running, stamping
// started_at and merging pid into the payload. Returns ErrConflict if the
// task is not currently in accepted status.
func (r *gormTaskRepository) MarkStarted(ctx context.Context, id uuid.UUID, pid int, now time.Time) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&task, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("tasks: mark started: get: %w", err)
		}
		if task.Status != "accepted" {
			return ErrConflict
		}
		payload := mergePID(task.Payload, pid)
		result := tx.Model(&db.Task{}).
			Where("id = ? AND status = ?", id, "accepted").
			Updates(map[string]any{"status": "running", "started_at": now, "payload": payload})
		if result.Error != nil {
			return fmt.Errorf("tasks: mark started: update: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}
		task.Status = "running"
		task.StartedAt = &now
		task.Payload = payload
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// SubmitResult stores a posted status/result/stderr for a task currently in
// {running, accepted, timed_out} — timed_out is accepted so a late result
// from an agent that was already marked timed_out by the sweeper is not
// lost. Returns ErrConflict (task_already_terminal) if the task is in any
// other status (another terminal state, or still queued/pending), or
// ErrNotFound if it doesn't exist.
func (r *gormTaskRepository) SubmitResult(ctx context.Context, id uuid.UUID, status, result, stderr string, now time.Time) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&task, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("tasks: submit result: get: %w", err)
		}
		switch task.Status {
		case "running", "accepted", "timed_out":
			// acceptable — fall through
		default:
			return ErrConflict
		}

		errText := ""
		if status == "failed" {
			errText = stderr
		}

		updates := map[string]any{
			"status":      status,
			"result":      result,
			"error":       errText,
			"finished_at": now,
		}
		r2 := tx.Model(&db.Task{}).Where("id = ?", id).Updates(updates)
		if r2.Error != nil {
			return fmt.Errorf("tasks: submit result: update: %w", r2.Error)
		}

		task.Status = status
		task.Result = result
		task.Error = errText
		task.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Cancel marks a task canceled. Returns ErrConflict (task_already_terminal)
// if the task is already in a terminal status.
func (r *gormTaskRepository) Cancel(ctx context.Context, id uuid.UUID, now time.Time) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&task, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("tasks: cancel: get: %w", err)
		}
		if isTerminalStatus(task.Status) {
			return ErrConflict
		}
		result := tx.Model(&db.Task{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": "canceled", "finished_at": now})
		if result.Error != nil {
			return fmt.Errorf("tasks: cancel: update: %w", result.Error)
		}
		task.Status = "canceled"
		task.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// MarkRunningTimedOut flips every running iperf_client_run task whose
// started_at + payload.time + 10s deadline has passed. The deadline math
// happens in Go (not SQL) because payload.time is embedded JSON; the
// candidate set fetched per tick is small (running client tasks only), so
// this is not a hot-path concern.
func (r *gormTaskRepository) MarkRunningTimedOut(ctx context.Context, now time.Time) (int64, error) {
	var candidates []db.Task
	if err := r.db.WithContext(ctx).
		Where("status = ? AND type = ?", "running", "iperf_client_run").
		Find(&candidates).Error; err != nil {
		return 0, fmt.Errorf("tasks: mark timed out: list: %w", err)
	}

	var flipped int64
	for _, t := range candidates {
		deadline, ok := clientDeadline(t, now)
		if !ok || !deadline.Before(now) {
			continue
		}
		result := r.db.WithContext(ctx).Model(&db.Task{}).
			Where("id = ? AND status = ?", t.ID, "running").
			Updates(map[string]any{"status": "timed_out", "finished_at": now})
		if result.Error != nil {
			return flipped, fmt.Errorf("tasks: mark timed out: update: %w", result.Error)
		}
		flipped += result.RowsAffected
	}
	return flipped, nil
}

// EnqueueKillAll creates one pending kill_all task per agent ID, skipping
// agents that already have a non-terminal kill_all task queued so repeated
// calls (e.g. stop-exercise called twice, or overlapping sweepers) stay
// idempotent.
func (r *gormTaskRepository) EnqueueKillAll(ctx context.Context, agentIDs []uuid.UUID) error {
	for _, agentID := range agentIDs {
		var existing int64
		err := r.db.WithContext(ctx).Model(&db.Task{}).
			Where("agent_id = ? AND type = ? AND status NOT IN ?", agentID, "kill_all",
				[]string{"succeeded", "failed", "timed_out", "canceled"}).
			Count(&existing).Error
		if err != nil {
			return fmt.Errorf("tasks: enqueue kill_all: check existing: %w", err)
		}
		if existing > 0 {
			continue
		}
		task := &db.Task{
			Type:    "kill_all",
			AgentID: agentID,
			Payload: "{}",
			Status:  "pending",
		}
		if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
			return fmt.Errorf("tasks: enqueue kill_all: create: %w", err)
		}
	}
	return nil
}

// CountByStatus returns the current number of tasks in each status, for the
// tasks-by-status gauge.
func (r *gormTaskRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&db.Task{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("tasks: count by status: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func isTerminalStatus(status string) bool {
	switch status {
	case "succeeded", "failed", "timed_out", "canceled":
		return true
	default:
		return false
	}
}
