package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marketingpilot/autopilot/internal/audit"
	"github.com/marketingpilot/autopilot/internal/campaign"
	"github.com/marketingpilot/autopilot/internal/notify"
	"github.com/marketingpilot/autopilot/internal/org"
	"github.com/marketingpilot/autopilot/internal/store"
)

// ErrEmergencyStopFailed wraps a storage failure that aborted a stop run.
// Partial completion is possible and tolerated: re-running is always safe
// because only non-terminal items are touched.
var ErrEmergencyStopFailed = errors.New("emergency stop failed")

const errorLogTag = "emergency_stop"

type Summary struct {
	CampaignsPaused    int  `json:"campaigns_paused"`
	TasksCancelled     int  `json:"tasks_cancelled"`
	SandboxModeEnabled bool `json:"sandbox_mode_enabled"`
}

type Result struct {
	Success        bool      `json:"success"`
	OrganizationID string    `json:"organization_id"`
	Summary        Summary   `json:"summary"`
	Timestamp      time.Time `json:"timestamp"`
	TriggeredBy    string    `json:"triggered_by"`
}

type SandboxStatus struct {
	SandboxMode      bool       `json:"sandbox_mode"`
	SandboxEnabledAt *time.Time `json:"sandbox_enabled_at,omitempty"`
}

// Stopper halts all automation for an organization: pauses campaigns,
// force-cancels tasks, raises the sandbox flag, and leaves one audit entry
// describing the blast radius.
type Stopper struct {
	store    *store.Store
	audit    *audit.Writer
	notifier *notify.Notifier
	logger   *zap.Logger
}

func NewStopper(s *store.Store, a *audit.Writer, n *notify.Notifier, logger *zap.Logger) *Stopper {
	return &Stopper{store: s, audit: a, notifier: n, logger: logger}
}

// Stop runs the emergency-stop sweep. Campaigns are paused before tasks are
// cancelled; no transaction spans the two, so a failure mid-run leaves a
// partial stop that the next invocation finishes. The sandbox flag set at
// the end is the real backstop against new execution, not the sweep itself.
func (s *Stopper) Stop(ctx context.Context, orgID, triggeredBy string) (*Result, error) {
	s.logger.Warn("emergency stop triggered",
		zap.String("organization_id", orgID),
		zap.String("triggered_by", triggeredBy))

	campaignsPaused, err := s.pauseCampaigns(ctx, orgID)
	if err != nil {
		return nil, s.fail(ctx, orgID, triggeredBy, "pause campaigns", err)
	}

	tasksCancelled, err := s.cancelTasks(ctx, orgID, triggeredBy)
	if err != nil {
		return nil, s.fail(ctx, orgID, triggeredBy, "cancel tasks", err)
	}

	now := time.Now().UTC()
	if err := s.store.SetSandbox(ctx, orgID, org.SandboxPatch{Enabled: true, At: now}); err != nil {
		return nil, s.fail(ctx, orgID, triggeredBy, "enable sandbox", err)
	}

	result := &Result{
		Success:        true,
		OrganizationID: orgID,
		Summary: Summary{
			CampaignsPaused:    campaignsPaused,
			TasksCancelled:     tasksCancelled,
			SandboxModeEnabled: true,
		},
		Timestamp:   now,
		TriggeredBy: triggeredBy,
	}

	s.audit.Record(ctx, audit.Entry{
		OrganizationID: orgID,
		Action:         "emergency_stop",
		ActorType:      "user",
		ActorID:        triggeredBy,
		Reversible:     false,
		Metadata: map[string]interface{}{
			"campaigns_paused":     campaignsPaused,
			"tasks_cancelled":      tasksCancelled,
			"sandbox_mode_enabled": true,
		},
	})

	s.notifier.Emit(ctx, notify.EventEmergencyStop, map[string]interface{}{
		"organization_id":  orgID,
		"triggered_by":     triggeredBy,
		"campaigns_paused": campaignsPaused,
		"tasks_cancelled":  tasksCancelled,
		"timestamp":        now.Format(time.RFC3339Nano),
	})

	s.logger.Info("emergency stop completed",
		zap.String("organization_id", orgID),
		zap.Int("campaigns_paused", campaignsPaused),
		zap.Int("tasks_cancelled", tasksCancelled))

	return result, nil
}

func (s *Stopper) pauseCampaigns(ctx context.Context, orgID string) (int, error) {
	campaigns, err := s.store.ListOrgCampaigns(ctx, orgID)
	if err != nil {
		return 0, err
	}

	paused := 0
	for _, c := range campaigns {
		if !campaign.Stoppable(c.Status) {
			continue
		}
		if err := c.Apply(campaign.StatusPaused); err != nil {
			return paused, err
		}
		if err := s.store.SaveCampaign(ctx, c); err != nil {
			return paused, err
		}
		paused++
	}

	return paused, nil
}

// cancelTasks force-cancels every non-terminal task, one row at a time.
// Emergency stop is the only caller allowed to cancel an executing task.
func (s *Stopper) cancelTasks(ctx context.Context, orgID, triggeredBy string) (int, error) {
	tasks, err := s.store.ListOrgTasks(ctx, orgID)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, t := range tasks {
		if !t.ForceCancel(errorLogTag, triggeredBy, "cancelled by emergency stop") {
			continue
		}
		if err := s.store.SaveTask(ctx, t); err != nil {
			return cancelled, err
		}
		cancelled++
	}

	return cancelled, nil
}

// fail wraps the originating error and leaves a best-effort audit trace of
// the failed run.
func (s *Stopper) fail(ctx context.Context, orgID, triggeredBy, step string, err error) error {
	s.logger.Error("emergency stop failed",
		zap.String("organization_id", orgID),
		zap.String("step", step),
		zap.Error(err))

	s.audit.Record(ctx, audit.Entry{
		OrganizationID: orgID,
		Action:         "emergency_stop_failed",
		ActorType:      "user",
		ActorID:        triggeredBy,
		Metadata: map[string]interface{}{
			"step":  step,
			"error": err.Error(),
		},
	})

	return fmt.Errorf("%w: %s: %v", ErrEmergencyStopFailed, step, err)
}

// DisableSandbox clears the flag and records who did it in the audit log
// only. It deliberately resumes nothing and notifies no downstream workflow:
// paused campaigns and cancelled tasks stay where the stop left them,
// recovery is a manual decision.
func (s *Stopper) DisableSandbox(ctx context.Context, orgID, userID string) error {
	now := time.Now().UTC()
	if err := s.store.SetSandbox(ctx, orgID, org.SandboxPatch{Enabled: false, At: now}); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Entry{
		OrganizationID: orgID,
		Action:         "sandbox_disabled",
		ActorType:      "user",
		ActorID:        userID,
		Reversible:     true,
	})

	return nil
}

// Status reads the current sandbox flag.
func (s *Stopper) Status(ctx context.Context, orgID string) (*SandboxStatus, error) {
	settings, err := s.store.GetSettings(ctx, orgID)
	if err != nil {
		return nil, err
	}

	status := &SandboxStatus{SandboxMode: settings.SandboxMode}
	if settings.SandboxMode {
		status.SandboxEnabledAt = settings.SandboxEnabledAt
	}

	return status, nil
}
