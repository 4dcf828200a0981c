package etcd

import (
	"context"
	"testing"
	"time"

	"keeper/internal/domain"

	"github.com/stretchr/testify/require"
)

func record(id string, jobID domain.JobID, start time.Time, status domain.ExecutionStatus) *domain.ExecutionRecord {
	return &domain.ExecutionRecord{ID: id, JobID: jobID, StartTime: start, Status: status, TxHash: "0x" + id}
}

func TestEtcdExecutionRepository_SaveAndGet(t *testing.T) {
	repo := NewEtcdExecutionRepository(newTestClient(t), discardLogger())
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, record("a", 4, time.Now(), domain.ExecutionStatusRunning)))

	got, err := repo.Get(ctx, 4, "a")
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusRunning, got.Status)
	require.Equal(t, "0xa", got.TxHash)

	_, err = repo.Get(ctx, 4, "missing")
	require.ErrorIs(t, err, domain.ErrExecutionNotFound)

	require.Error(t, repo.Save(ctx, &domain.ExecutionRecord{JobID: 4}))
}

func TestEtcdExecutionRepository_ListNewestFirst(t *testing.T) {
	repo := NewEtcdExecutionRepository(newTestClient(t), discardLogger())
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Save(ctx, record(id, 7, now, domain.ExecutionStatusRunning)))
	}
	// Another job's records stay out of the listing.
	require.NoError(t, repo.Save(ctx, record("other", 70, now, domain.ExecutionStatusRunning)))
	// Settling an old record does not move it to the front.
	require.NoError(t, repo.Save(ctx, record("a", 7, now, domain.ExecutionStatusSuccess)))

	page, err := repo.ListByJobID(ctx, 7, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "c", page[0].ID)
	require.Equal(t, "b", page[1].ID)

	page, err = repo.ListByJobID(ctx, 7, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "a", page[0].ID)
	require.Equal(t, domain.ExecutionStatusSuccess, page[0].Status)

	page, err = repo.ListByJobID(ctx, 7, 3, 2)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestEtcdExecutionRepository_ListRunning(t *testing.T) {
	repo := NewEtcdExecutionRepository(newTestClient(t), discardLogger())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Save(ctx, record("first", 2, now, domain.ExecutionStatusRunning)))
	require.NoError(t, repo.Save(ctx, record("done", 1, now, domain.ExecutionStatusFailed)))
	require.NoError(t, repo.Save(ctx, record("second", 1, now, domain.ExecutionStatusRunning)))

	running, err := repo.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 2)
	require.Equal(t, "first", running[0].ID)
	require.Equal(t, "second", running[1].ID)
}

func TestEtcdExecutionRepository_DeleteBeforeKeepsRunning(t *testing.T) {
	repo := NewEtcdExecutionRepository(newTestClient(t), discardLogger())
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, repo.Save(ctx, record("done", 1, old, domain.ExecutionStatusSuccess)))
	require.NoError(t, repo.Save(ctx, record("reverted", 3, old, domain.ExecutionStatusFailed)))
	require.NoError(t, repo.Save(ctx, record("pending", 1, old, domain.ExecutionStatusRunning)))
	require.NoError(t, repo.Save(ctx, record("fresh", 2, time.Now(), domain.ExecutionStatusSuccess)))

	deleted, err := repo.DeleteBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	_, err = repo.Get(ctx, 1, "done")
	require.ErrorIs(t, err, domain.ErrExecutionNotFound)
	_, err = repo.Get(ctx, 3, "reverted")
	require.ErrorIs(t, err, domain.ErrExecutionNotFound)
	_, err = repo.Get(ctx, 1, "pending")
	require.NoError(t, err)
	_, err = repo.Get(ctx, 2, "fresh")
	require.NoError(t, err)

	deleted, err = repo.DeleteBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Zero(t, deleted)
}
