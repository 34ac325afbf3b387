package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketingpilot/autopilot/internal/store"
	"github.com/marketingpilot/autopilot/internal/task"
)

// Handler produces content for one phase of a task's life. Drafters run the
// queued→drafting→drafted leg, publishers the approved→executing→completed
// leg.
type Handler func(ctx context.Context, t *task.Task) (string, error)

// Pool consumes the dispatch queue and drives tasks through the drafting and
// executing phases. It is a sandbox-flag consumer: the flag is re-checked
// immediately before any work starts, and a raised flag means refusal, which
// is what makes "emergency stop actually stops things" hold.
type Pool struct {
	store       *store.Store
	drafters    map[task.Type]Handler
	publishers  map[task.Type]Handler
	count       int
	approvalTTL time.Duration
	retryDelay  time.Duration
	logger      *zap.Logger
	wg          sync.WaitGroup
	mu          sync.RWMutex
}

func NewPool(s *store.Store, count int, approvalTTL, retryDelay time.Duration, logger *zap.Logger) *Pool {
	return &Pool{
		store:       s,
		drafters:    make(map[task.Type]Handler),
		publishers:  make(map[task.Type]Handler),
		count:       count,
		approvalTTL: approvalTTL,
		retryDelay:  retryDelay,
		logger:      logger,
	}
}

func (p *Pool) RegisterDrafter(tt task.Type, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drafters[tt] = h
}

func (p *Pool) RegisterPublisher(tt task.Type, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishers[tt] = h
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("workers started", zap.Int("count", p.count))
}

func (p *Pool) Stop() {
	p.wg.Wait()
	p.logger.Info("workers stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			taskID, err := p.store.PopDispatch(ctx, 2*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Error("dispatch pop failed", zap.Int("worker", id), zap.Error(err))
				continue
			}
			if taskID == "" {
				continue
			}

			p.Process(ctx, taskID)
		}
	}
}

// Process handles one dispatched task ID. Stale or unknown IDs are skipped
// quietly: the dispatch queue is at-least-once and entries can outlive the
// state that produced them.
func (p *Pool) Process(ctx context.Context, taskID string) {
	t, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Error("task load failed", zap.String("task_id", taskID), zap.Error(err))
		}
		return
	}

	settings, err := p.store.GetSettings(ctx, t.OrganizationID)
	if err != nil {
		p.logger.Error("settings load failed", zap.String("organization_id", t.OrganizationID), zap.Error(err))
		return
	}
	if settings.SandboxMode {
		p.logger.Warn("sandbox mode on, refusing dispatch",
			zap.String("task_id", t.ID),
			zap.String("organization_id", t.OrganizationID))
		return
	}

	switch t.Status {
	case task.StatusQueued:
		p.draft(ctx, t)
	case task.StatusApproved:
		p.execute(ctx, t)
	default:
		// Cancelled, already drafted, or otherwise moved on since dispatch.
	}
}

func (p *Pool) draft(ctx context.Context, t *task.Task) {
	if err := p.transition(ctx, t, task.StatusDrafting, "draft started"); err != nil {
		return
	}

	p.mu.RLock()
	handler, ok := p.drafters[t.Type]
	p.mu.RUnlock()
	if !ok {
		p.failTask(ctx, t, fmt.Sprintf("no drafter for task type %s", t.Type))
		return
	}

	result, err := handler(ctx, t)
	if err != nil {
		p.failTask(ctx, t, err.Error())
		return
	}

	t.Result = result
	if err := p.transition(ctx, t, task.StatusDrafted, ""); err != nil {
		return
	}
	if err := p.transition(ctx, t, task.StatusPendingApproval, "awaiting approval"); err != nil {
		return
	}

	expiresAt := time.Now().Add(p.approvalTTL)
	if _, err := p.store.CreateApproval(ctx, t.ID, t.OrganizationID, expiresAt); err != nil {
		p.logger.Error("approval create failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (p *Pool) execute(ctx context.Context, t *task.Task) {
	if err := p.transition(ctx, t, task.StatusExecuting, "execution started"); err != nil {
		return
	}

	p.mu.RLock()
	handler, ok := p.publishers[t.Type]
	p.mu.RUnlock()
	if !ok {
		p.failTask(ctx, t, fmt.Sprintf("no publisher for task type %s", t.Type))
		return
	}

	result, err := handler(ctx, t)
	if err != nil {
		p.failTask(ctx, t, err.Error())
		return
	}

	t.Result = result
	if err := p.transition(ctx, t, task.StatusCompleted, ""); err != nil {
		return
	}

	p.logger.Info("task completed", zap.String("task_id", t.ID), zap.String("type", string(t.Type)))
}

// failTask marks the task failed and, while retries remain, re-queues it
// with a delayed schedule entry. Once the retry cap is hit the task stays
// failed for good.
func (p *Pool) failTask(ctx context.Context, t *task.Task, message string) {
	t.ErrorLog = append(t.ErrorLog, task.ErrorLogEntry{
		Tag:       "worker",
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err := p.transition(ctx, t, task.StatusFailed, message); err != nil {
		return
	}

	if err := t.Apply(task.StatusQueued, "retry"); err != nil {
		p.logger.Warn("task failed permanently",
			zap.String("task_id", t.ID),
			zap.Int("retries", t.RetryCount),
			zap.String("error", message))
		return
	}
	if err := p.store.SaveTask(ctx, t); err != nil {
		p.logger.Error("retry save failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}

	delay := p.retryDelay * time.Duration(t.RetryCount)
	if err := p.store.ScheduleTask(ctx, t.ID, time.Now().Add(delay)); err != nil {
		p.logger.Error("retry schedule failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}

	p.logger.Info("task re-queued for retry",
		zap.String("task_id", t.ID),
		zap.Int("attempt", t.RetryCount),
		zap.Duration("delay", delay))
}

func (p *Pool) transition(ctx context.Context, t *task.Task, target task.Status, note string) error {
	if err := t.Apply(target, note); err != nil {
		p.logger.Warn("transition rejected",
			zap.String("task_id", t.ID),
			zap.String("target", string(target)),
			zap.Error(err))
		return err
	}
	if err := p.store.SaveTask(ctx, t); err != nil {
		p.logger.Error("task save failed", zap.String("task_id", t.ID), zap.Error(err))
		return err
	}
	return nil
}
