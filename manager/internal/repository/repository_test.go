package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm"

	"github.com/ifperf/ifperf/manager/internal/db"
)

var encryptionOnce sync.Once

// newTestDB opens a fresh in-memory SQLite database with migrations applied,
// suitable for one test's exclusive use.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	encryptionOnce.Do(func() {
		require.NoError(t, db.InitEncryption([]byte("01234567890123456789012345678901")))
	})

	gdb, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return gdb
}

func newTestAgent(t *testing.T, gdb *gorm.DB, name string) *db.Agent {
	t.Helper()
	agent := &db.Agent{
		Name:            name,
		RegistrationKey: db.EncryptedString("test-key-" + name),
		Enabled:         true,
		Status:          "offline",
	}
	require.NoError(t, NewAgentRepository(gdb).Create(context.Background(), agent))
	return agent
}

func TestAgentRepository_CreateAndGet(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewAgentRepository(gdb)
	ctx := context.Background()

	agent := &db.Agent{
		Name:            "agent-one",
		RegistrationKey: db.EncryptedString("super-secret"),
		Enabled:         true,
		Status:          "offline",
	}
	require.NoError(t, repo.Create(ctx, agent))
	require.NotEqual(t, uuid.Nil, agent.ID)

	byID, err := repo.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, "agent-one", byID.Name)
	require.Equal(t, db.EncryptedString("super-secret"), byID.RegistrationKey)

	byName, err := repo.GetByName(ctx, "agent-one")
	require.NoError(t, err)
	require.Equal(t, agent.ID, byName.ID)
}

func TestAgentRepository_CreateDuplicateNameConflicts(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewAgentRepository(gdb)
	ctx := context.Background()

	newTestAgent(t, gdb, "dup")

	second := &db.Agent{Name: "dup", RegistrationKey: db.EncryptedString("x"), Enabled: true, Status: "offline"}
	err := repo.Create(ctx, second)
	require.ErrorIs(t, err, ErrConflict)
}

func TestAgentRepository_GetByIDNotFound(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewAgentRepository(gdb)

	_, err := repo.GetByID(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAgentRepository_MarkOfflineStale(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewAgentRepository(gdb)
	ctx := context.Background()

	stale := newTestAgent(t, gdb, "stale")
	stale.Status = "online"
	oldSeen := time.Now().Add(-time.Hour)
	stale.LastHeartbeatAt = &oldSeen
	require.NoError(t, repo.Update(ctx, stale))

	fresh := newTestAgent(t, gdb, "fresh")
	fresh.Status = "online"
	now := time.Now()
	fresh.LastHeartbeatAt = &now
	require.NoError(t, repo.Update(ctx, fresh))

	n, err := repo.MarkOfflineStale(ctx, time.Now().Add(-15*time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := repo.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, "offline", got.Status)

	got, err = repo.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, "online", got.Status)
}

func TestAgentRepository_CountOnline(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewAgentRepository(gdb)
	ctx := context.Background()

	a := newTestAgent(t, gdb, "online-one")
	a.Status = "online"
	require.NoError(t, repo.Update(ctx, a))
	newTestAgent(t, gdb, "offline-one")

	count, err := repo.CountOnline(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestAgentRepository_List(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewAgentRepository(gdb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		newTestAgent(t, gdb, uuid.NewString())
	}

	agents, total, err := repo.List(ctx, ListOptions{Limit: 2, Offset: 0})
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, agents, 2)
}
