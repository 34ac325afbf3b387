package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/marketingpilot/autopilot/internal/approval"
	"github.com/marketingpilot/autopilot/internal/campaign"
	"github.com/marketingpilot/autopilot/internal/org"
	"github.com/marketingpilot/autopilot/internal/task"
)

const (
	taskPrefix     = "autopilot:task:"
	idemPrefix     = "autopilot:idem:"
	campaignPrefix = "autopilot:campaign:"
	approvalPrefix = "autopilot:approval:"
	orgPrefix      = "autopilot:org:"

	taskScheduleKey     = "autopilot:schedule:tasks"
	campaignScheduleKey = "autopilot:schedule:campaigns"
	approvalExpiryKey   = "autopilot:schedule:approvals"
	dispatchKey         = "autopilot:dispatch"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

type Store struct {
	client *redis.Client
}

func New(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the underlying connection for collaborators that share it
// (audit writer, workflow notifier).
func (s *Store) Client() *redis.Client {
	return s.client
}

func orgTasksKey(orgID string) string     { return orgPrefix + orgID + ":tasks" }
func orgCampaignsKey(orgID string) string { return orgPrefix + orgID + ":campaigns" }
func orgSettingsKey(orgID string) string  { return orgPrefix + orgID + ":settings" }

// --- tasks ---

type CreateTaskParams struct {
	CampaignID     string
	OrganizationID string
	Type           task.Type
	Priority       int
	Payload        string
	ScheduledFor   time.Time
	MaxRetries     int
	IdempotencyKey string
}

// CreateTask builds and persists a new queued task. The idempotency key is
// reserved with SetNX before anything is written, so a duplicate create
// attempt fails without leaving a second task behind.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*task.Task, error) {
	now := time.Now().UTC()

	t := &task.Task{
		ID:             uuid.New().String(),
		CampaignID:     p.CampaignID,
		OrganizationID: p.OrganizationID,
		Type:           p.Type,
		Status:         task.StatusQueued,
		Priority:       p.Priority,
		Payload:        p.Payload,
		ScheduledFor:   p.ScheduledFor,
		MaxRetries:     p.MaxRetries,
		IdempotencyKey: p.IdempotencyKey,
		History:        []task.HistoryEntry{{Status: task.StatusQueued, Note: "created", Timestamp: now}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = task.DefaultMaxRetries
	}
	if t.IdempotencyKey == "" {
		t.IdempotencyKey = uuid.New().String()
	}
	if t.ScheduledFor.IsZero() {
		t.ScheduledFor = now
	}

	reserved, err := s.client.SetNX(ctx, idemPrefix+t.IdempotencyKey, t.ID, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if !reserved {
		// The key is taken, but only a reservation with a real task behind
		// it counts as a duplicate. A reservation orphaned by an earlier
		// failed create is taken over so the caller's retry can succeed.
		existingID, err := s.client.Get(ctx, idemPrefix+t.IdempotencyKey).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("check idempotency key: %w", err)
		}
		if err == nil {
			if _, err := s.GetTask(ctx, existingID); err == nil {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, t.IdempotencyKey)
			} else if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
		}
		if err := s.client.Set(ctx, idemPrefix+t.IdempotencyKey, t.ID, 0).Err(); err != nil {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, taskPrefix+t.ID, data, 0)
	pipe.SAdd(ctx, orgTasksKey(t.OrganizationID), t.ID)
	pipe.ZAdd(ctx, taskScheduleKey, redis.Z{Score: float64(t.ScheduledFor.Unix()), Member: t.ID})

	if _, err := pipe.Exec(ctx); err != nil {
		// Release the reservation so a retried create is not stuck behind a
		// key with no task stored for it.
		s.client.Del(ctx, idemPrefix+t.IdempotencyKey)
		return nil, fmt.Errorf("create task: %w", err)
	}

	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	data, err := s.client.Get(ctx, taskPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}

	return &t, nil
}

// SaveTask writes the whole task record in one SET, so a status change and
// its history entry land together or not at all.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if err := s.client.Set(ctx, taskPrefix+t.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("save task: %w", err)
	}

	return nil
}

func (s *Store) ListOrgTasks(ctx context.Context, orgID string) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, orgTasksKey(orgID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list org tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

// --- campaigns ---

type CreateCampaignParams struct {
	OrganizationID string
	Name           string
	Status         campaign.Status
	StartDate      time.Time
}

func (s *Store) CreateCampaign(ctx context.Context, p CreateCampaignParams) (*campaign.Campaign, error) {
	now := time.Now().UTC()

	c := &campaign.Campaign{
		ID:             uuid.New().String(),
		OrganizationID: p.OrganizationID,
		Name:           p.Name,
		Status:         p.Status,
		StartDate:      p.StartDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if c.Status == "" {
		c.Status = campaign.StatusDraft
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal campaign: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, campaignPrefix+c.ID, data, 0)
	pipe.SAdd(ctx, orgCampaignsKey(c.OrganizationID), c.ID)
	if c.Status == campaign.StatusPlanned && !c.StartDate.IsZero() {
		pipe.ZAdd(ctx, campaignScheduleKey, redis.Z{Score: float64(c.StartDate.Unix()), Member: c.ID})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	data, err := s.client.Get(ctx, campaignPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}

	var c campaign.Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal campaign: %w", err)
	}

	return &c, nil
}

func (s *Store) SaveCampaign(ctx context.Context, c *campaign.Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal campaign: %w", err)
	}

	if err := s.client.Set(ctx, campaignPrefix+c.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("save campaign: %w", err)
	}

	return nil
}

func (s *Store) ListOrgCampaigns(ctx context.Context, orgID string) ([]*campaign.Campaign, error) {
	ids, err := s.client.SMembers(ctx, orgCampaignsKey(orgID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list org campaigns: %w", err)
	}

	campaigns := make([]*campaign.Campaign, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetCampaign(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		campaigns = append(campaigns, c)
	}

	return campaigns, nil
}

// --- organization settings ---

// GetSettings reads the settings hash. An organization with no settings row
// yet gets the zero value: sandbox off, nothing recorded.
func (s *Store) GetSettings(ctx context.Context, orgID string) (*org.Settings, error) {
	fields, err := s.client.HGetAll(ctx, orgSettingsKey(orgID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	return org.SettingsFromHash(orgID, fields), nil
}

// SetSandbox writes only the sandbox fields of the settings hash. Unrelated
// keys in the hash are never read or rewritten, which is what makes the
// read-modify-write race with other settings writers harmless.
func (s *Store) SetSandbox(ctx context.Context, orgID string, p org.SandboxPatch) error {
	if err := s.client.HSet(ctx, orgSettingsKey(orgID), p.Fields()...).Err(); err != nil {
		return fmt.Errorf("set sandbox: %w", err)
	}
	return nil
}

// SetSetting writes one free-form settings key.
func (s *Store) SetSetting(ctx context.Context, orgID, key, value string) error {
	if err := s.client.HSet(ctx, orgSettingsKey(orgID), key, value).Err(); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// --- approvals ---

func (s *Store) CreateApproval(ctx context.Context, taskID, orgID string, expiresAt time.Time) (*approval.Approval, error) {
	a := &approval.Approval{
		ID:             uuid.New().String(),
		TaskID:         taskID,
		OrganizationID: orgID,
		Status:         approval.StatusPending,
		ExpiresAt:      expiresAt,
		CreatedAt:      time.Now().UTC(),
	}

	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal approval: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, approvalPrefix+a.ID, data, 0)
	pipe.ZAdd(ctx, approvalExpiryKey, redis.Z{Score: float64(expiresAt.Unix()), Member: a.ID})

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}

	return a, nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*approval.Approval, error) {
	data, err := s.client.Get(ctx, approvalPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get approval: %w", err)
	}

	var a approval.Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal approval: %w", err)
	}

	return &a, nil
}

func (s *Store) SaveApproval(ctx context.Context, a *approval.Approval) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}

	if err := s.client.Set(ctx, approvalPrefix+a.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("save approval: %w", err)
	}

	return nil
}

// --- schedule indexes ---

// DueTaskIDs returns queued-task IDs whose scheduled time has passed. The
// schedule index is left intact: an item drops out only via an explicit
// Unschedule call once its transition has persisted, so a sweep that dies
// mid-way picks the same items up again next time. Duplicate sweeps are the
// accepted cost; downstream consumers dedupe on idempotency keys.
func (s *Store) DueTaskIDs(ctx context.Context, now time.Time) ([]string, error) {
	return s.scanDue(ctx, taskScheduleKey, now)
}

func (s *Store) DueCampaignIDs(ctx context.Context, now time.Time) ([]string, error) {
	return s.scanDue(ctx, campaignScheduleKey, now)
}

func (s *Store) ExpiredApprovalIDs(ctx context.Context, now time.Time) ([]string, error) {
	return s.scanDue(ctx, approvalExpiryKey, now)
}

func (s *Store) scanDue(ctx context.Context, key string, now time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", key, err)
	}
	return ids, nil
}

func (s *Store) UnscheduleTask(ctx context.Context, taskID string) error {
	return s.unschedule(ctx, taskScheduleKey, taskID)
}

func (s *Store) UnscheduleCampaign(ctx context.Context, campaignID string) error {
	return s.unschedule(ctx, campaignScheduleKey, campaignID)
}

func (s *Store) UnscheduleApproval(ctx context.Context, approvalID string) error {
	return s.unschedule(ctx, approvalExpiryKey, approvalID)
}

func (s *Store) unschedule(ctx context.Context, key, id string) error {
	if err := s.client.ZRem(ctx, key, id).Err(); err != nil {
		return fmt.Errorf("trim %s: %w", key, err)
	}
	return nil
}

// ScheduleTask (re)adds a task to the schedule index, used for retry backoff.
func (s *Store) ScheduleTask(ctx context.Context, taskID string, at time.Time) error {
	err := s.client.ZAdd(ctx, taskScheduleKey, redis.Z{Score: float64(at.Unix()), Member: taskID}).Err()
	if err != nil {
		return fmt.Errorf("schedule task: %w", err)
	}
	return nil
}

// --- dispatch queue ---

func (s *Store) EnqueueDispatch(ctx context.Context, taskID string) error {
	if err := s.client.RPush(ctx, dispatchKey, taskID).Err(); err != nil {
		return fmt.Errorf("enqueue dispatch: %w", err)
	}
	return nil
}

// PopDispatch blocks up to timeout for the next dispatched task ID. Returns
// "" when the queue stays empty.
func (s *Store) PopDispatch(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := s.client.BLPop(ctx, timeout, dispatchKey).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("pop dispatch: %w", err)
	}
	return result[1], nil
}
