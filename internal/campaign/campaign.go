package campaign

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a campaign is moved along an edge
// the status machine does not allow.
var ErrInvalidTransition = errors.New("invalid campaign status transition")

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPlanned   Status = "planned"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

var AllStatuses = []Status{
	StatusDraft,
	StatusPlanned,
	StatusActive,
	StatusPaused,
	StatusCompleted,
}

// transitions is the allowed edge set. Nothing moves back to draft.
var transitions = map[Status][]Status{
	StatusDraft:   {StatusPlanned},
	StatusPlanned: {StatusActive, StatusPaused},
	StatusActive:  {StatusPaused, StatusCompleted},
	StatusPaused:  {StatusActive},
}

type Campaign struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Status         Status    `json:"status"`
	StartDate      time.Time `json:"start_date"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stoppable reports whether the emergency-stop sweep pauses this status.
func Stoppable(s Status) bool {
	return s == StatusActive || s == StatusPlanned
}

func (c *Campaign) Apply(target Status) error {
	if !CanTransition(c.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, target)
	}
	c.Status = target
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Pause is idempotent: pausing a paused or completed campaign is a no-op and
// reports false so callers skip audit entries for it.
func (c *Campaign) Pause() (bool, error) {
	if c.Status == StatusPaused || c.Status == StatusCompleted {
		return false, nil
	}
	if err := c.Apply(StatusPaused); err != nil {
		return false, err
	}
	return true, nil
}
