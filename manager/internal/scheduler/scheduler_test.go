package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm"

	"github.com/ifperf/ifperf/manager/internal/db"
	"github.com/ifperf/ifperf/manager/internal/repository"
)

var encryptionOnce sync.Once

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	encryptionOnce.Do(func() {
		require.NoError(t, db.InitEncryption([]byte("01234567890123456789012345678901")))
	})
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	return gdb
}

func newTestScheduler(t *testing.T, gdb *gorm.DB) *Scheduler {
	t.Helper()
	s, err := New(
		repository.NewAgentRepository(gdb),
		repository.NewTaskRepository(gdb),
		repository.NewExerciseRepository(gdb),
		repository.NewPortReservationRepository(gdb),
		nil,
		zap.NewNop(),
	)
	require.NoError(t, err)
	return s
}

func newAgent(t *testing.T, gdb *gorm.DB, name string) *db.Agent {
	t.Helper()
	agent := &db.Agent{Name: name, RegistrationKey: db.EncryptedString("key-" + name), Enabled: true, Status: "offline"}
	require.NoError(t, repository.NewAgentRepository(gdb).Create(context.Background(), agent))
	return agent
}

func TestSweepOffline_FlipsStaleAgents(t *testing.T) {
	gdb := newTestDB(t)
	s := newTestScheduler(t, gdb)
	agentRepo := repository.NewAgentRepository(gdb)

	stale := newAgent(t, gdb, "stale")
	stale.Status = "online"
	old := time.Now().Add(-time.Hour)
	stale.LastHeartbeatAt = &old
	require.NoError(t, agentRepo.Update(context.Background(), stale))

	s.sweepOffline(context.Background())

	got, err := agentRepo.GetByID(context.Background(), stale.ID)
	require.NoError(t, err)
	require.Equal(t, "offline", got.Status)
}

func TestSweepTimeouts_FlipsExpiredClientTasks(t *testing.T) {
	gdb := newTestDB(t)
	clock := clockwork.NewFakeClock()
	s := newTestScheduler(t, gdb).withClock(clock)
	agent := newAgent(t, gdb, "timeout-agent")
	taskRepo := repository.NewTaskRepository(gdb)

	task := &db.Task{Type: "iperf_client_run", AgentID: agent.ID, Payload: `{"time":1}`, Status: "running"}
	require.NoError(t, taskRepo.Create(context.Background(), task))
	require.NoError(t, gdb.Model(&db.Task{}).Where("id = ?", task.ID).Update("started_at", clock.Now()).Error)

	clock.Advance(time.Hour)
	s.sweepTimeouts(context.Background())

	got, err := taskRepo.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, "timed_out", got.Status)
}

func TestSweepReservations_ReleasesTerminalAndStale(t *testing.T) {
	gdb := newTestDB(t)
	s := newTestScheduler(t, gdb)
	agent := newAgent(t, gdb, "reservation-agent")
	taskRepo := repository.NewTaskRepository(gdb)
	portRepo := repository.NewPortReservationRepository(gdb)

	terminalTask := &db.Task{Type: "iperf_server_start", AgentID: agent.ID, Payload: "{}", Status: "running"}
	require.NoError(t, taskRepo.Create(context.Background(), terminalTask))
	_, err := taskRepo.SubmitResult(context.Background(), terminalTask.ID, "succeeded", "{}", "", time.Now())
	require.NoError(t, err)
	require.NoError(t, gdb.Create(&db.PortReservation{AgentID: agent.ID, Port: 5201, TaskID: terminalTask.ID}).Error)

	staleTask := &db.Task{Type: "iperf_server_start", AgentID: agent.ID, Payload: "{}", Status: "running"}
	require.NoError(t, taskRepo.Create(context.Background(), staleTask))
	staleReservation := &db.PortReservation{AgentID: agent.ID, Port: 5202, TaskID: staleTask.ID}
	require.NoError(t, gdb.Create(staleReservation).Error)
	require.NoError(t, gdb.Model(&db.PortReservation{}).Where("id = ?", staleReservation.ID).
		Update("created_at", time.Now().Add(-3*time.Hour)).Error)

	s.sweepReservations(context.Background())

	reservations, _, err := portRepo.List(context.Background(), repository.ListOptions{Limit: 10})
	require.NoError(t, err)
	for _, r := range reservations {
		require.NotNil(t, r.ReleasedAt)
	}
}

func TestSweepExerciseAutoEnd_EndsExerciseAndEnqueuesKillAll(t *testing.T) {
	gdb := newTestDB(t)
	s := newTestScheduler(t, gdb)
	serverAgent := newAgent(t, gdb, "auto-end-server")
	clientAgent := newAgent(t, gdb, "auto-end-client")
	exerciseRepo := repository.NewExerciseRepository(gdb)
	taskRepo := repository.NewTaskRepository(gdb)

	exercise := &db.Exercise{Name: "auto-end", DefaultDurationSec: 5}
	require.NoError(t, exerciseRepo.Create(context.Background(), exercise))
	test := &db.Test{ExerciseID: exercise.ID, ServerAgentID: serverAgent.ID, ClientAgentID: clientAgent.ID, ServerPort: 5300, Parallel: 1, DurationSec: 5}
	serverTask := &db.Task{Type: "iperf_server_start", AgentID: serverAgent.ID, Payload: "{}", Status: "queued"}
	clientTask := &db.Task{Type: "iperf_client_run", AgentID: clientAgent.ID, Payload: "{}", Status: "queued"}
	require.NoError(t, exerciseRepo.CreateTestWithTasks(context.Background(), test, serverTask, clientTask))
	require.NoError(t, exerciseRepo.StartExercise(context.Background(), exercise.ID, time.Now()))

	// Results are only accepted from running/accepted/timed_out tasks.
	require.NoError(t, gdb.Model(&db.Task{}).Where("id IN ?", []any{serverTask.ID, clientTask.ID}).
		Update("status", "running").Error)
	_, err := taskRepo.SubmitResult(context.Background(), serverTask.ID, "succeeded", "{}", "", time.Now())
	require.NoError(t, err)
	_, err = taskRepo.SubmitResult(context.Background(), clientTask.ID, "succeeded", "{}", "", time.Now())
	require.NoError(t, err)

	s.sweepExerciseAutoEnd(context.Background())

	got, err := exerciseRepo.GetByID(context.Background(), exercise.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)

	tasks, total, err := taskRepo.List(context.Background(), repository.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, int64(4), total)
	var killAllCount int
	for _, tk := range tasks {
		if tk.Type == "kill_all" {
			killAllCount++
		}
	}
	require.Equal(t, 2, killAllCount)
}

func TestSweepExerciseAutoEnd_LeavesUnfinishedExercisesAlone(t *testing.T) {
	gdb := newTestDB(t)
	s := newTestScheduler(t, gdb)
	serverAgent := newAgent(t, gdb, "unfinished-server")
	clientAgent := newAgent(t, gdb, "unfinished-client")
	exerciseRepo := repository.NewExerciseRepository(gdb)

	exercise := &db.Exercise{Name: "unfinished", DefaultDurationSec: 5}
	require.NoError(t, exerciseRepo.Create(context.Background(), exercise))
	test := &db.Test{ExerciseID: exercise.ID, ServerAgentID: serverAgent.ID, ClientAgentID: clientAgent.ID, ServerPort: 5301, Parallel: 1, DurationSec: 5}
	serverTask := &db.Task{Type: "iperf_server_start", AgentID: serverAgent.ID, Payload: "{}", Status: "queued"}
	clientTask := &db.Task{Type: "iperf_client_run", AgentID: clientAgent.ID, Payload: "{}", Status: "queued"}
	require.NoError(t, exerciseRepo.CreateTestWithTasks(context.Background(), test, serverTask, clientTask))
	require.NoError(t, exerciseRepo.StartExercise(context.Background(), exercise.ID, time.Now()))

	s.sweepExerciseAutoEnd(context.Background())

	got, err := exerciseRepo.GetByID(context.Background(), exercise.ID)
	require.NoError(t, err)
	require.Nil(t, got.EndedAt)
}
