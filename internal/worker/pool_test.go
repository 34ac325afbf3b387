package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketingpilot/autopilot/internal/approval"
	"github.com/marketingpilot/autopilot/internal/org"
	"github.com/marketingpilot/autopilot/internal/store"
	"github.com/marketingpilot/autopilot/internal/task"
)

func setupTest(t *testing.T) (*Pool, *store.Store) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	s, err := store.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	pool := NewPool(s, 1, time.Hour, time.Second, zap.NewNop())
	return pool, s
}

func queuedTask(t *testing.T, s *store.Store, payload string) *task.Task {
	tsk, err := s.CreateTask(context.Background(), store.CreateTaskParams{
		CampaignID:     "camp-1",
		OrganizationID: "org-1",
		Type:           task.TypeBlogPost,
		Payload:        payload,
	})
	require.NoError(t, err)
	return tsk
}

func TestProcess_DraftPhase(t *testing.T) {
	pool, s := setupTest(t)
	ctx := context.Background()

	pool.RegisterDrafter(task.TypeBlogPost, func(ctx context.Context, tsk *task.Task) (string, error) {
		return "drafted content", nil
	})

	tsk := queuedTask(t, s, "launch brief")
	pool.Process(ctx, tsk.ID)

	got, err := s.GetTask(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPendingApproval, got.Status)
	assert.Equal(t, "drafted content", got.Result)

	// An approval gate was opened for the drafted task.
	ids, err := s.ExpiredApprovalIDs(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	a, err := s.GetApproval(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, tsk.ID, a.TaskID)
	assert.Equal(t, approval.StatusPending, a.Status)
}

func TestProcess_ExecutePhase(t *testing.T) {
	pool, s := setupTest(t)
	ctx := context.Background()

	pool.RegisterPublisher(task.TypeBlogPost, func(ctx context.Context, tsk *task.Task) (string, error) {
		return "published", nil
	})

	tsk := queuedTask(t, s, "brief")
	require.NoError(t, tsk.Apply(task.StatusDrafting, ""))
	require.NoError(t, tsk.Apply(task.StatusDrafted, ""))
	require.NoError(t, tsk.Apply(task.StatusPendingApproval, ""))
	require.NoError(t, tsk.Apply(task.StatusApproved, ""))
	require.NoError(t, s.SaveTask(ctx, tsk))

	pool.Process(ctx, tsk.ID)

	got, err := s.GetTask(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "published", got.Result)
}

func TestProcess_SandboxRefusal(t *testing.T) {
	pool, s := setupTest(t)
	ctx := context.Background()

	pool.RegisterDrafter(task.TypeBlogPost, func(ctx context.Context, tsk *task.Task) (string, error) {
		t.Fatal("handler must not run while sandbox mode is on")
		return "", nil
	})

	require.NoError(t, s.SetSandbox(ctx, "org-1", org.SandboxPatch{Enabled: true, At: time.Now()}))

	tsk := queuedTask(t, s, "brief")
	pool.Process(ctx, tsk.ID)

	got, err := s.GetTask(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status, "refused dispatch leaves the task untouched")
}

func TestProcess_RetryThenPermanentFailure(t *testing.T) {
	pool, s := setupTest(t)
	ctx := context.Background()

	pool.RegisterDrafter(task.TypeBlogPost, func(ctx context.Context, tsk *task.Task) (string, error) {
		return "", errors.New("generator unavailable")
	})

	tsk, err := s.CreateTask(ctx, store.CreateTaskParams{
		CampaignID:     "camp-1",
		OrganizationID: "org-1",
		Type:           task.TypeBlogPost,
		MaxRetries:     2,
	})
	require.NoError(t, err)

	// First two failures re-queue with an incremented retry count.
	pool.Process(ctx, tsk.ID)
	got, err := s.GetTask(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	pool.Process(ctx, tsk.ID)
	got, err = s.GetTask(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, 2, got.RetryCount)

	// Cap reached: the third failure is terminal.
	pool.Process(ctx, tsk.ID)
	got, err = s.GetTask(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Len(t, got.ErrorLog, 3)
}

func TestProcess_SkipsStaleDispatch(t *testing.T) {
	pool, s := setupTest(t)
	ctx := context.Background()

	tsk := queuedTask(t, s, "brief")
	require.NoError(t, tsk.Apply(task.StatusCancelled, "cancelled by owner"))
	require.NoError(t, s.SaveTask(ctx, tsk))

	pool.Process(ctx, tsk.ID)

	got, err := s.GetTask(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
}

func TestWorkerLoop_EndToEnd(t *testing.T) {
	pool, s := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.RegisterDrafter(task.TypeBlogPost, func(ctx context.Context, tsk *task.Task) (string, error) {
		return "drafted", nil
	})

	tsk := queuedTask(t, s, "brief")
	require.NoError(t, s.EnqueueDispatch(ctx, tsk.ID))

	pool.Start(ctx)

	require.Eventually(t, func() bool {
		got, err := s.GetTask(context.Background(), tsk.ID)
		return err == nil && got.Status == task.StatusPendingApproval
	}, 2*time.Second, 50*time.Millisecond)

	cancel()
	pool.Stop()
}
