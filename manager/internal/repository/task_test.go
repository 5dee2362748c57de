package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ifperf/ifperf/manager/internal/db"
)

func newTestTask(t *testing.T, gdb *gorm.DB, agentID uuid.UUID, taskType, status, payload string) *db.Task {
	t.Helper()
	task := &db.Task{
		Type:    taskType,
		AgentID: agentID,
		Payload: payload,
		Status:  status,
	}
	require.NoError(t, NewTaskRepository(gdb).Create(context.Background(), task))
	return task
}

func TestTaskRepository_ClaimNext(t *testing.T) {
	gdb := newTestDB(t)
	agent := newTestAgent(t, gdb, "claimer")
	repo := NewTaskRepository(gdb)
	ctx := context.Background()

	pending := newTestTask(t, gdb, agent.ID, "iperf_server_start", "pending", "{}")

	claimed, err := repo.ClaimNext(ctx, agent.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, pending.ID, claimed.ID)
	require.Equal(t, "accepted", claimed.Status)

	again, err := repo.ClaimNext(ctx, agent.ID, time.Now())
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestTaskRepository_ClaimNextNoneAvailable(t *testing.T) {
	gdb := newTestDB(t)
	agent := newTestAgent(t, gdb, "lonely")
	repo := NewTaskRepository(gdb)

	task, err := repo.ClaimNext(context.Background(), agent.ID, time.Now())
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestTaskRepository_MarkStartedRequiresAccepted(t *testing.T) {
	gdb := newTestDB(t)
	agent := newTestAgent(t, gdb, "starter")
	repo := NewTaskRepository(gdb)
	ctx := context.Background()

	task := newTestTask(t, gdb, agent.ID, "iperf_server_start", "pending", "{}")

	_, err := repo.MarkStarted(ctx, task.ID, 1234, time.Now())
	require.ErrorIs(t, err, ErrConflict)

	_, err = repo.ClaimNext(ctx, agent.ID, time.Now())
	require.NoError(t, err)

	started, err := repo.MarkStarted(ctx, task.ID, 1234, time.Now())
	require.NoError(t, err)
	require.Equal(t, "running", started.Status)
	require.NotNil(t, started.StartedAt)
}

func TestTaskRepository_SubmitResultTerminalConflict(t *testing.T) {
	gdb := newTestDB(t)
	agent := newTestAgent(t, gdb, "finisher")
	repo := NewTaskRepository(gdb)
	ctx := context.Background()

	task := newTestTask(t, gdb, agent.ID, "iperf_client_run", "running", "{}")

	done, err := repo.SubmitResult(ctx, task.ID, "succeeded", `{"ok":true}`, "", time.Now())
	require.NoError(t, err)
	require.Equal(t, "succeeded", done.Status)

	_, err = repo.SubmitResult(ctx, task.ID, "failed", "", "too late", time.Now())
	require.ErrorIs(t, err, ErrConflict)
}

func TestTaskRepository_SubmitResultNotFound(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewTaskRepository(gdb)

	_, err := repo.SubmitResult(context.Background(), uuid.New(), "succeeded", "", "", time.Now())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTaskRepository_CancelAlreadyTerminalConflicts(t *testing.T) {
	gdb := newTestDB(t)
	agent := newTestAgent(t, gdb, "canceler")
	repo := NewTaskRepository(gdb)
	ctx := context.Background()

	task := newTestTask(t, gdb, agent.ID, "kill_all", "succeeded", "{}")

	_, err := repo.Cancel(ctx, task.ID, time.Now())
	require.ErrorIs(t, err, ErrConflict)
}

func TestTaskRepository_MarkRunningTimedOut(t *testing.T) {
	gdb := newTestDB(t)
	agent := newTestAgent(t, gdb, "timer")
	repo := NewTaskRepository(gdb)
	ctx := context.Background()

	task := newTestTask(t, gdb, agent.ID, "iperf_client_run", "running", `{"time":1}`)
	startedAt := time.Now().Add(-time.Hour)
	require.NoError(t, gdb.Model(&db.Task{}).Where("id = ?", task.ID).Update("started_at", startedAt).Error)

	n, err := repo.MarkRunningTimedOut(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "timed_out", got.Status)
}

func TestTaskRepository_EnqueueKillAllSkipsExisting(t *testing.T) {
	gdb := newTestDB(t)
	agent := newTestAgent(t, gdb, "killable")
	repo := NewTaskRepository(gdb)
	ctx := context.Background()

	require.NoError(t, repo.EnqueueKillAll(ctx, []uuid.UUID{agent.ID}))
	require.NoError(t, repo.EnqueueKillAll(ctx, []uuid.UUID{agent.ID}))

	tasks, total, err := repo.List(ctx, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "kill_all", tasks[0].Type)
}

func TestTaskRepository_CountByStatus(t *testing.T) {
	gdb := newTestDB(t)
	agent := newTestAgent(t, gdb, "counter")
	repo := NewTaskRepository(gdb)

	newTestTask(t, gdb, agent.ID, "iperf_server_start", "pending", "{}")
	newTestTask(t, gdb, agent.ID, "iperf_client_run", "pending", "{}")
	newTestTask(t, gdb, agent.ID, "kill_all", "succeeded", "{}")

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), counts["pending"])
	require.Equal(t, int64(1), counts["succeeded"])
}
