package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const auditPrefix = "autopilot:audit:"

type Entry struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	Action         string                 `json:"action"`
	ActorType      string                 `json:"actor_type"`
	ActorID        string                 `json:"actor_id"`
	ResourceType   string                 `json:"resource_type,omitempty"`
	ResourceID     string                 `json:"resource_id,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Reversible     bool                   `json:"reversible"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Writer appends audit entries to a per-organization list. Entries are never
// rewritten or removed by this package.
type Writer struct {
	client *redis.Client
	logger *zap.Logger
}

func NewWriter(client *redis.Client, logger *zap.Logger) *Writer {
	return &Writer{client: client, logger: logger}
}

// Record appends one entry. A write failure is logged and swallowed: audit
// is observability, not a ledger, and must never abort the operation that
// produced it.
func (w *Writer) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		w.logger.Error("audit entry marshal failed",
			zap.String("action", e.Action),
			zap.String("organization_id", e.OrganizationID),
			zap.Error(err))
		return
	}

	if err := w.client.RPush(ctx, auditPrefix+e.OrganizationID, data).Err(); err != nil {
		w.logger.Error("audit write failed",
			zap.String("action", e.Action),
			zap.String("organization_id", e.OrganizationID),
			zap.Error(err))
	}
}

// List returns every entry for the organization, oldest first.
func (w *Writer) List(ctx context.Context, orgID string) ([]Entry, error) {
	raw, err := w.client.LRange(ctx, auditPrefix+orgID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}

	return entries, nil
}
