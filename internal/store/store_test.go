package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketingpilot/autopilot/internal/campaign"
	"github.com/marketingpilot/autopilot/internal/org"
	"github.com/marketingpilot/autopilot/internal/task"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	s, err := New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s, mr
}

func TestCreateTask_Idempotency(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	params := CreateTaskParams{
		CampaignID:     "camp-1",
		OrganizationID: "org-1",
		Type:           task.TypeBlogPost,
		IdempotencyKey: "key-123",
	}

	created, err := s.CreateTask(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, created.Status)
	assert.Equal(t, "key-123", created.IdempotencyKey)
	require.Len(t, created.History, 1)

	_, err = s.CreateTask(ctx, params)
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

	tasks, err := s.ListOrgTasks(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "duplicate create must not store a second task")
}

func TestCreateTask_RetryAfterInterruptedCreate(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	// A create that reserved the key but died before writing the task leaves
	// a reservation pointing at a task that does not exist. A retry with the
	// same key must take the reservation over instead of reporting a
	// duplicate.
	require.NoError(t, s.Client().Set(ctx, "autopilot:idem:key-123", "ghost-id", 0).Err())

	params := CreateTaskParams{
		CampaignID:     "camp-1",
		OrganizationID: "org-1",
		Type:           task.TypeBlogPost,
		IdempotencyKey: "key-123",
	}

	created, err := s.CreateTask(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, created.Status)

	owner, err := s.Client().Get(ctx, "autopilot:idem:key-123").Result()
	require.NoError(t, err)
	assert.Equal(t, created.ID, owner, "the reservation must point at the new task")

	_, err = s.CreateTask(ctx, params)
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey, "a completed create still blocks reuse of the key")
}

func TestCreateTask_Defaults(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, CreateTaskParams{
		CampaignID:     "camp-1",
		OrganizationID: "org-1",
		Type:           task.TypeSocialPost,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, created.IdempotencyKey)
	assert.Equal(t, task.DefaultMaxRetries, created.MaxRetries)
	assert.False(t, created.ScheduledFor.IsZero())
}

func TestSaveTask_RoundTrip(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, CreateTaskParams{
		CampaignID:     "camp-1",
		OrganizationID: "org-1",
		Type:           task.TypeAdCopy,
	})
	require.NoError(t, err)

	require.NoError(t, created.Apply(task.StatusDrafting, "worker picked up"))
	require.NoError(t, s.SaveTask(ctx, created))

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDrafting, got.Status)
	require.Len(t, got.History, 2)
	assert.Equal(t, "worker picked up", got.History[1].Note)
}

func TestGetTask_NotFound(t *testing.T) {
	s, _ := setupTestStore(t)

	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCampaign_RoundTrip(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	c, err := s.CreateCampaign(ctx, CreateCampaignParams{
		OrganizationID: "org-1",
		Name:           "Spring launch",
		Status:         campaign.StatusActive,
	})
	require.NoError(t, err)

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Spring launch", got.Name)
	assert.Equal(t, campaign.StatusActive, got.Status)

	campaigns, err := s.ListOrgCampaigns(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, campaigns, 1)
}

func TestSandbox_MergePreservesUnrelatedSettings(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetSetting(ctx, "org-1", "brand_voice", "casual"))
	require.NoError(t, s.SetSandbox(ctx, "org-1", org.SandboxPatch{Enabled: true, At: time.Now()}))

	settings, err := s.GetSettings(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, settings.SandboxMode)
	require.NotNil(t, settings.SandboxEnabledAt)
	assert.Equal(t, "casual", settings.Extra["brand_voice"])

	require.NoError(t, s.SetSandbox(ctx, "org-1", org.SandboxPatch{Enabled: false, At: time.Now()}))

	settings, err = s.GetSettings(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, settings.SandboxMode)
	require.NotNil(t, settings.SandboxDisabledAt)
	assert.Equal(t, "casual", settings.Extra["brand_voice"], "sandbox toggle must not clobber other settings")
}

func TestSettings_ZeroValueForUnknownOrg(t *testing.T) {
	s, _ := setupTestStore(t)

	settings, err := s.GetSettings(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.False(t, settings.SandboxMode)
	assert.Nil(t, settings.SandboxEnabledAt)
}

func TestDueTaskIDs_StableUntilUnscheduled(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	due, err := s.CreateTask(ctx, CreateTaskParams{OrganizationID: "org-1", Type: task.TypeBlogPost, ScheduledFor: past})
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, CreateTaskParams{OrganizationID: "org-1", Type: task.TypeBlogPost, ScheduledFor: future})
	require.NoError(t, err)

	ids, err := s.DueTaskIDs(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, due.ID, ids[0])

	// The scan does not consume the entry; a caller that failed to process
	// it sees it again on the next pass.
	ids, err = s.DueTaskIDs(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, due.ID, ids[0])

	require.NoError(t, s.UnscheduleTask(ctx, due.ID))

	ids, err = s.DueTaskIDs(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, ids, "an unscheduled task must not come due again")
}

func TestApproval_ExpirySweep(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	a, err := s.CreateApproval(ctx, "task-1", "org-1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = s.CreateApproval(ctx, "task-2", "org-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	ids, err := s.ExpiredApprovalIDs(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, a.ID, ids[0])
}

func TestDispatchQueue(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueDispatch(ctx, "task-1"))

	id, err := s.PopDispatch(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)

	id, err = s.PopDispatch(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id)
}
