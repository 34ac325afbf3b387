package approval

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusExpired  Status = "expired"
)

// Approval gates a drafted task before execution. It expires if nobody acts
// on it before ExpiresAt; the heartbeat sweeps expired approvals and cancels
// their tasks.
type Approval struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"task_id"`
	OrganizationID string     `json:"organization_id"`
	Status         Status     `json:"status"`
	ExpiresAt      time.Time  `json:"expires_at"`
	DecidedBy      string     `json:"decided_by,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
