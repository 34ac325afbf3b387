package task

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued          Status = "queued"
	StatusDrafting        Status = "drafting"
	StatusDrafted         Status = "drafted"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusExecuting       Status = "executing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusEvaluated       Status = "evaluated"
)

// AllStatuses lists every task status, in pipeline order.
var AllStatuses = []Status{
	StatusQueued,
	StatusDrafting,
	StatusDrafted,
	StatusPendingApproval,
	StatusApproved,
	StatusExecuting,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusEvaluated,
}

type Type string

const (
	TypeBlogPost   Type = "blog_post"
	TypeSocialPost Type = "social_post"
	TypeEmailBlast Type = "email_blast"
	TypeAdCopy     Type = "ad_copy"
)

const DefaultMaxRetries = 3

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the allowed forward edge set. A status missing from the map
// is terminal.
var transitions = map[Status][]Status{
	StatusQueued:          {StatusDrafting, StatusCancelled},
	StatusDrafting:        {StatusDrafted, StatusFailed},
	StatusDrafted:         {StatusPendingApproval, StatusCancelled},
	StatusPendingApproval: {StatusApproved, StatusCancelled},
	StatusApproved:        {StatusExecuting},
	StatusExecuting:       {StatusCompleted, StatusFailed},
	StatusFailed:          {StatusQueued},
	StatusCompleted:       {StatusEvaluated},
}

// cancellable holds the statuses from which a normal (non-emergency) cancel
// is accepted. An executing task must complete or fail first: its side
// effects are already in flight.
var cancellable = map[Status]bool{
	StatusQueued:          true,
	StatusDrafted:         true,
	StatusPendingApproval: true,
}

// nonTerminal holds every status the emergency-stop sweep is allowed to
// force-cancel from, executing included.
var nonTerminal = map[Status]bool{
	StatusQueued:          true,
	StatusDrafting:        true,
	StatusDrafted:         true,
	StatusPendingApproval: true,
	StatusApproved:        true,
	StatusExecuting:       true,
}

type HistoryEntry struct {
	Status    Status    `json:"status"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorLogEntry struct {
	Tag       string    `json:"tag"`
	Actor     string    `json:"actor,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Task struct {
	ID             string          `json:"id"`
	CampaignID     string          `json:"campaign_id"`
	OrganizationID string          `json:"organization_id"`
	Type           Type            `json:"type"`
	Status         Status          `json:"status"`
	Priority       int             `json:"priority"`
	Payload        string          `json:"payload,omitempty"`
	Result         string          `json:"result,omitempty"`
	ScheduledFor   time.Time       `json:"scheduled_for"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	IdempotencyKey string          `json:"idempotency_key"`
	History        []HistoryEntry  `json:"history"`
	ErrorLog       []ErrorLogEntry `json:"error_log,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CanTransition reports whether from→to is an edge in the allowed graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether a normal cancel is accepted from s.
func Cancellable(s Status) bool {
	return cancellable[s]
}

// NonTerminal reports whether s is a state the emergency-stop sweep touches.
func NonTerminal(s Status) bool {
	return nonTerminal[s]
}

// Apply moves the task to target, appending a history entry. The caller is
// responsible for persisting status and history together.
func (t *Task) Apply(target Status, note string) error {
	if !CanTransition(t.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, target)
	}
	if target == StatusQueued && t.Status == StatusFailed {
		if t.RetryCount >= t.MaxRetries {
			return fmt.Errorf("%w: %s -> %s: retry limit reached (%d)", ErrInvalidTransition, t.Status, target, t.MaxRetries)
		}
		t.RetryCount++
	}
	now := time.Now().UTC()
	t.Status = target
	t.UpdatedAt = now
	t.History = append(t.History, HistoryEntry{Status: target, Note: note, Timestamp: now})
	return nil
}

// ForceCancel moves the task to cancelled regardless of the normal edge set,
// recording who forced it in the error log. Terminal tasks are left alone.
func (t *Task) ForceCancel(tag, actor, message string) bool {
	if !NonTerminal(t.Status) {
		return false
	}
	now := time.Now().UTC()
	t.ErrorLog = append(t.ErrorLog, ErrorLogEntry{Tag: tag, Actor: actor, Message: message, Timestamp: now})
	t.Status = StatusCancelled
	t.UpdatedAt = now
	t.History = append(t.History, HistoryEntry{Status: StatusCancelled, Note: tag, Timestamp: now})
	return true
}

func ValidType(tt Type) bool {
	switch tt {
	case TypeBlogPost, TypeSocialPost, TypeEmailBlast, TypeAdCopy:
		return true
	}
	return false
}
