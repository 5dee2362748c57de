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

func newTestReservation(t *testing.T, gdb *gorm.DB, agentID, taskID uuid.UUID, port int) *db.PortReservation {
	t.Helper()
	reservation := &db.PortReservation{AgentID: agentID, Port: port, TaskID: taskID}
	require.NoError(t, gdb.WithContext(context.Background()).Create(reservation).Error)
	return reservation
}

func TestPortReservationRepository_List(t *testing.T) {
	gdb := newTestDB(t)
	agent := newTestAgent(t, gdb, "port-agent")
	task := newTestTask(t, gdb, agent.ID, "iperf_server_start", "pending", "{}")
	repo := NewPortReservationRepository(gdb)

	newTestReservation(t, gdb, agent.ID, task.ID, 5201)

	reservations, total, err := repo.List(context.Background(), ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, 5201, reservations[0].Port)
}

func TestPortReservationRepository_ReleaseTerminal(t *testing.T) {
	gdb := newTestDB(t)
	agent := newTestAgent(t, gdb, "terminal-agent")
	taskRepo := NewTaskRepository(gdb)
	repo := NewPortReservationRepository(gdb)

	task := newTestTask(t, gdb, agent.ID, "iperf_server_start", "running", "{}")
	newTestReservation(t, gdb, agent.ID, task.ID, 5202)

	_, err := taskRepo.SubmitResult(context.Background(), task.ID, "succeeded", "{}", "", time.Now())
	require.NoError(t, err)

	n, err := repo.ReleaseTerminal(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	reservations, _, err := repo.List(context.Background(), ListOptions{Limit: 10})
	require.NoError(t, err)
	require.NotNil(t, reservations[0].ReleasedAt)
}

func TestPortReservationRepository_ReleaseStale(t *testing.T) {
	gdb := newTestDB(t)
	agent := newTestAgent(t, gdb, "stale-agent")
	task := newTestTask(t, gdb, agent.ID, "iperf_server_start", "running", "{}")
	repo := NewPortReservationRepository(gdb)

	reservation := newTestReservation(t, gdb, agent.ID, task.ID, 5203)
	oldCreated := time.Now().Add(-2 * time.Hour)
	require.NoError(t, gdb.Model(&db.PortReservation{}).Where("id = ?", reservation.ID).
		Update("created_at", oldCreated).Error)

	n, err := repo.ReleaseStale(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestPortReservationRepository_ReleaseByTaskID(t *testing.T) {
	gdb := newTestDB(t)
	agent := newTestAgent(t, gdb, "release-by-task")
	task := newTestTask(t, gdb, agent.ID, "iperf_server_start", "running", "{}")
	repo := NewPortReservationRepository(gdb)

	newTestReservation(t, gdb, agent.ID, task.ID, 5204)

	require.NoError(t, repo.ReleaseByTaskID(context.Background(), task.ID, time.Now()))

	reservations, _, err := repo.List(context.Background(), ListOptions{Limit: 10})
	require.NoError(t, err)
	require.NotNil(t, reservations[0].ReleasedAt)
}

func TestPortReservationRepository_ReleaseByTaskIDNoMatchIsNoop(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewPortReservationRepository(gdb)
	require.NoError(t, repo.ReleaseByTaskID(context.Background(), newTestAgent(t, gdb, "unused").ID, time.Now()))
}
