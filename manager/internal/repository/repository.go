// Package repository is the data-access layer over the store described in
// manager/internal/db. Every interface returns ErrNotFound/ErrConflict for
// the corresponding conditions instead of leaking the underlying driver's
// error type, so the API layer never needs to know GORM or SQL is involved.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ifperf/ifperf/manager/internal/db"
)

// ListOptions carries pagination parameters common to every List method.
type ListOptions struct {
	Limit  int
	Offset int
}

// AgentRepository manages Agent rows.
type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetByName(ctx context.Context, name string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)
	// MarkOfflineStale sets status=offline for every agent whose
	// last_heartbeat_at is older than cutoff (or null), returning how many
	// rows were flipped. Used by the offline sweeper.
	MarkOfflineStale(ctx context.Context, cutoff time.Time) (int64, error)
	// CountOnline returns how many agents are currently marked online, for
	// the online-agents gauge.
	CountOnline(ctx context.Context) (int64, error)
}

// ExerciseRepository manages Exercise rows and the Test rows under them.
type ExerciseRepository interface {
	Create(ctx context.Context, exercise *db.Exercise) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Exercise, error)
	// GetWithTests loads an exercise plus its tests via a manual query
	// (GORM cannot resolve foreign keys on uuid.UUID primary keys).
	GetWithTests(ctx context.Context, id uuid.UUID) (*db.Exercise, error)
	List(ctx context.Context, opts ListOptions) ([]db.Exercise, int64, error)
	Update(ctx context.Context, exercise *db.Exercise) error
	// CreateTestWithTasks atomically inserts a Test row, its two Task rows,
	// and a PortReservation for the server task — failing ErrConflict if the
	// (server_agent, server_port) pair is already live.
	CreateTestWithTasks(ctx context.Context, test *db.Test, serverTask, clientTask *db.Task) error
	ListTestsByExercise(ctx context.Context, exerciseID uuid.UUID) ([]db.Test, error)
	// StartExercise stamps started_at and promotes every queued task under
	// the exercise to pending, in one transaction.
	StartExercise(ctx context.Context, id uuid.UUID, now time.Time) error
	// StopExercise stamps ended_at, returns the distinct agent IDs involved
	// (so the caller can enqueue kill_all tasks for them), and releases every
	// still-live reservation tied to the exercise's server tasks.
	StopExercise(ctx context.Context, id uuid.UUID, now time.Time) (agentIDs []uuid.UUID, err error)
	// ListUnterminatedExercises returns started, not-yet-ended exercises —
	// candidates for the auto-ender sweeper.
	ListUnterminatedExercises(ctx context.Context) ([]db.Exercise, error)
	// AllTasksTerminal reports whether every task belonging to the
	// exercise's tests has reached a terminal status.
	AllTasksTerminal(ctx context.Context, exerciseID uuid.UUID) (bool, error)
}

// TaskRepository manages Task rows, including the atomic claim protocol.
type TaskRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error)
	List(ctx context.Context, opts ListOptions) ([]db.Task, int64, error)
	Create(ctx context.Context, task *db.Task) error
	// ClaimNext atomically selects and accepts the oldest pending task for
	// the given agent, returning nil (not an error) if none is available.
	ClaimNext(ctx context.Context, agentID uuid.UUID, now time.Time) (*db.Task, error)
	MarkStarted(ctx context.Context, id uuid.UUID, pid int, now time.Time) (*db.Task, error)
	SubmitResult(ctx context.Context, id uuid.UUID, status, result, stderr string, now time.Time) (*db.Task, error)
	Cancel(ctx context.Context, id uuid.UUID, now time.Time) (*db.Task, error)
	// MarkRunningTimedOut flips every running iperf_client_run task whose
	// deadline has passed to timed_out. Used by the timeout sweeper.
	MarkRunningTimedOut(ctx context.Context, now time.Time) (int64, error)
	// EnqueueKillAll creates one pending kill_all task per agent ID, skipping
	// agents that already have an un-terminal kill_all task queued.
	EnqueueKillAll(ctx context.Context, agentIDs []uuid.UUID) error
	// CountByStatus returns the current task count per status, for the
	// tasks-by-status gauge.
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// PortReservationRepository manages PortReservation rows.
type PortReservationRepository interface {
	List(ctx context.Context, opts ListOptions) ([]db.PortReservation, int64, error)
	// ReleaseTerminal releases every reservation whose task has reached a
	// terminal status. Used by the reservation-cleanup sweeper.
	ReleaseTerminal(ctx context.Context, now time.Time) (int64, error)
	// ReleaseStale releases every reservation older than cutoff regardless
	// of its task's status. Used by the reservation-cleanup sweeper.
	ReleaseStale(ctx context.Context, cutoff, now time.Time) (int64, error)
	// ReleaseByTaskID releases the reservation tied to a specific task, used
	// inline when a server task reaches a terminal status via Submit Result.
	ReleaseByTaskID(ctx context.Context, taskID uuid.UUID, now time.Time) error
}

// IdempotencyRepository caches agent-protocol responses by (key, endpoint).
type IdempotencyRepository interface {
	// Get returns the cached record for (key, endpoint), or ErrNotFound.
	Get(ctx context.Context, key, endpoint string) (*db.IdempotencyRecord, error)
	// Put stores a new cache entry. Callers must Get first; Put does not
	// upsert, since a given (key, endpoint) is written at most once.
	Put(ctx context.Context, record *db.IdempotencyRecord) error
}
