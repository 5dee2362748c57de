package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ifperf/ifperf/manager/internal/db"
)

func TestIdempotencyRepository_PutAndGet(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewIdempotencyRepository(gdb)
	ctx := context.Background()

	record := &db.IdempotencyRecord{
		Key:            "abc-123",
		Endpoint:       "/v1/agent/tasks/claim",
		ResponseStatus: 200,
		ResponseBody:   `{"task":null}`,
	}
	require.NoError(t, repo.Put(ctx, record))

	got, err := repo.Get(ctx, "abc-123", "/v1/agent/tasks/claim")
	require.NoError(t, err)
	require.Equal(t, 200, got.ResponseStatus)
	require.Equal(t, `{"task":null}`, got.ResponseBody)
}

func TestIdempotencyRepository_GetNotFound(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewIdempotencyRepository(gdb)

	_, err := repo.Get(context.Background(), "missing", "/v1/agent/register")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIdempotencyRepository_SameKeyDifferentEndpointsAreDistinct(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewIdempotencyRepository(gdb)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, &db.IdempotencyRecord{
		Key: "shared-key", Endpoint: "/v1/agent/register", ResponseStatus: 200, ResponseBody: "{}",
	}))
	require.NoError(t, repo.Put(ctx, &db.IdempotencyRecord{
		Key: "shared-key", Endpoint: "/v1/agent/heartbeat", ResponseStatus: 200, ResponseBody: "{}",
	}))

	_, err := repo.Get(ctx, "shared-key", "/v1/agent/register")
	require.NoError(t, err)
	_, err = repo.Get(ctx, "shared-key", "/v1/agent/heartbeat")
	require.NoError(t, err)
}

func TestIdempotencyRepository_DuplicateKeyAndEndpointConflicts(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewIdempotencyRepository(gdb)
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, &db.IdempotencyRecord{
		Key: "dup", Endpoint: "/v1/agent/register", ResponseStatus: 200, ResponseBody: "{}",
	}))
	err := repo.Put(ctx, &db.IdempotencyRecord{
		Key: "dup", Endpoint: "/v1/agent/register", ResponseStatus: 200, ResponseBody: "{}",
	})
	require.Error(t, err)
}
