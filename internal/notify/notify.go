package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event names consumed by the downstream workflow engine.
const (
	EventTaskQueued      = "task.queued"
	EventTaskApproved    = "task.approved"
	EventEmergencyStop   = "automation.emergency_stop"
	EventCampaignActive  = "campaign.activated"
	EventApprovalExpired = "approval.expired"
)

// Notifier emits events onto a stream the external durable-workflow system
// consumes. Emission is at-most-once: a failed XADD is logged at warn and
// never retried, and callers never see the error.
type Notifier struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

func New(client *redis.Client, stream string, logger *zap.Logger) *Notifier {
	return &Notifier{client: client, stream: stream, logger: logger}
}

// Emit is fire-and-forget. Duplicate events for the same task are expected;
// the workflow engine dedupes on the idempotency key carried in the payload.
func (n *Notifier) Emit(ctx context.Context, event string, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("event payload marshal failed", zap.String("event", event), zap.Error(err))
		return
	}

	err = n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]interface{}{
			"event":   event,
			"payload": string(data),
		},
	}).Err()
	if err != nil {
		n.logger.Warn("workflow notification failed",
			zap.String("event", event),
			zap.Error(err))
	}
}
