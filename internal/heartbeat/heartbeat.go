package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketingpilot/autopilot/internal/approval"
	"github.com/marketingpilot/autopilot/internal/campaign"
	"github.com/marketingpilot/autopilot/internal/notify"
	"github.com/marketingpilot/autopilot/internal/store"
	"github.com/marketingpilot/autopilot/internal/task"
)

// Sweeper advances time-based state on a fixed interval: due queued tasks go
// to the dispatch queue, planned campaigns past their start date go active,
// and expired approvals cancel their tasks. The sweep is at-least-once;
// downstream consumers dedupe on idempotency keys.
type Sweeper struct {
	store    *store.Store
	notifier *notify.Notifier
	interval time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func NewSweeper(s *store.Store, n *notify.Notifier, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{store: s, notifier: n, interval: interval, logger: logger}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("heartbeat started", zap.Duration("interval", s.interval))
}

func (s *Sweeper) Stop() {
	s.wg.Wait()
	s.logger.Info("heartbeat stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		}
	}
}

// Sweep runs one heartbeat pass. Failures on individual items are logged and
// skipped so one bad row never stalls the rest of the sweep.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	s.dispatchDueTasks(ctx, now)
	s.activateDueCampaigns(ctx, now)
	s.expireApprovals(ctx, now)
}

// A schedule entry is trimmed only after the item's new state has persisted,
// or once the entry is known to be stale. A failure mid-item leaves the entry
// in place so the next sweep retries it.
func (s *Sweeper) dispatchDueTasks(ctx context.Context, now time.Time) {
	ids, err := s.store.DueTaskIDs(ctx, now)
	if err != nil {
		s.logger.Error("due-task scan failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		t, err := s.store.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.unschedule(ctx, s.store.UnscheduleTask, "task_id", id)
			} else {
				s.logger.Error("due task load failed", zap.String("task_id", id), zap.Error(err))
			}
			continue
		}
		if t.Status != task.StatusQueued {
			s.unschedule(ctx, s.store.UnscheduleTask, "task_id", id)
			continue
		}

		if err := s.store.EnqueueDispatch(ctx, t.ID); err != nil {
			s.logger.Error("dispatch enqueue failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		s.unschedule(ctx, s.store.UnscheduleTask, "task_id", t.ID)

		s.notifier.Emit(ctx, notify.EventTaskQueued, map[string]interface{}{
			"task_id":         t.ID,
			"organization_id": t.OrganizationID,
			"idempotency_key": t.IdempotencyKey,
		})
	}
}

func (s *Sweeper) activateDueCampaigns(ctx context.Context, now time.Time) {
	ids, err := s.store.DueCampaignIDs(ctx, now)
	if err != nil {
		s.logger.Error("due-campaign scan failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		c, err := s.store.GetCampaign(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.unschedule(ctx, s.store.UnscheduleCampaign, "campaign_id", id)
			} else {
				s.logger.Error("due campaign load failed", zap.String("campaign_id", id), zap.Error(err))
			}
			continue
		}
		if c.Status != campaign.StatusPlanned {
			s.unschedule(ctx, s.store.UnscheduleCampaign, "campaign_id", id)
			continue
		}

		if err := c.Apply(campaign.StatusActive); err != nil {
			continue
		}
		if err := s.store.SaveCampaign(ctx, c); err != nil {
			s.logger.Error("campaign activation failed", zap.String("campaign_id", c.ID), zap.Error(err))
			continue
		}
		s.unschedule(ctx, s.store.UnscheduleCampaign, "campaign_id", c.ID)

		s.notifier.Emit(ctx, notify.EventCampaignActive, map[string]interface{}{
			"campaign_id":     c.ID,
			"organization_id": c.OrganizationID,
		})

		s.logger.Info("campaign activated",
			zap.String("campaign_id", c.ID),
			zap.String("organization_id", c.OrganizationID))
	}
}

func (s *Sweeper) expireApprovals(ctx context.Context, now time.Time) {
	ids, err := s.store.ExpiredApprovalIDs(ctx, now)
	if err != nil {
		s.logger.Error("approval expiry scan failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		a, err := s.store.GetApproval(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.unschedule(ctx, s.store.UnscheduleApproval, "approval_id", id)
			} else {
				s.logger.Error("approval load failed", zap.String("approval_id", id), zap.Error(err))
			}
			continue
		}
		if a.Status != approval.StatusPending {
			s.unschedule(ctx, s.store.UnscheduleApproval, "approval_id", id)
			continue
		}

		// Cancel the task before marking the approval expired: if the sweep
		// dies between the two writes, the entry stays in the index and the
		// next sweep reruns the whole item.
		if t, err := s.store.GetTask(ctx, a.TaskID); err == nil {
			if err := t.Apply(task.StatusCancelled, "approval expired"); err == nil {
				if err := s.store.SaveTask(ctx, t); err != nil {
					s.logger.Error("expired-approval cancel failed", zap.String("task_id", t.ID), zap.Error(err))
					continue
				}
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("approval task load failed", zap.String("task_id", a.TaskID), zap.Error(err))
			continue
		}

		a.Status = approval.StatusExpired
		decidedAt := now.UTC()
		a.DecidedAt = &decidedAt
		if err := s.store.SaveApproval(ctx, a); err != nil {
			s.logger.Error("approval expiry save failed", zap.String("approval_id", a.ID), zap.Error(err))
			continue
		}
		s.unschedule(ctx, s.store.UnscheduleApproval, "approval_id", a.ID)

		s.notifier.Emit(ctx, notify.EventApprovalExpired, map[string]interface{}{
			"approval_id":     a.ID,
			"task_id":         a.TaskID,
			"organization_id": a.OrganizationID,
		})
	}
}

func (s *Sweeper) unschedule(ctx context.Context, trim func(context.Context, string) error, field, id string) {
	if err := trim(ctx, id); err != nil {
		s.logger.Error("schedule trim failed", zap.String(field, id), zap.Error(err))
	}
}
