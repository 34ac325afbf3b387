package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marketingpilot/autopilot/internal/approval"
	"github.com/marketingpilot/autopilot/internal/audit"
	"github.com/marketingpilot/autopilot/internal/campaign"
	"github.com/marketingpilot/autopilot/internal/emergency"
	"github.com/marketingpilot/autopilot/internal/notify"
	"github.com/marketingpilot/autopilot/internal/store"
	"github.com/marketingpilot/autopilot/internal/task"
)

type Handler struct {
	store    *store.Store
	stopper  *emergency.Stopper
	audit    *audit.Writer
	notifier *notify.Notifier
}

func NewHandler(s *store.Store, stopper *emergency.Stopper, a *audit.Writer, n *notify.Notifier) *Handler {
	return &Handler{store: s, stopper: stopper, audit: a, notifier: n}
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// --- emergency stop / sandbox ---

type emergencyStopRequest struct {
	TriggeredBy string `json:"triggered_by"`
}

func (h *Handler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	var req emergencyStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	if req.TriggeredBy == "" {
		respondError(w, http.StatusBadRequest, "triggered_by is required", "bad_request")
		return
	}

	result, err := h.stopper.Stop(r.Context(), orgID, req.TriggeredBy)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error(), "emergency_stop_failed")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) SandboxStatus(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	status, err := h.stopper.Status(r.Context(), orgID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

type disableSandboxRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) DisableSandbox(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	var req disableSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required", "bad_request")
		return
	}

	if err := h.stopper.DisableSandbox(r.Context(), orgID, req.UserID); err != nil {
		h.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"sandbox_mode": false})
}

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	entries, err := h.audit.List(r.Context(), orgID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, entries)
}

// --- tasks ---

type createTaskRequest struct {
	CampaignID     string    `json:"campaign_id"`
	OrganizationID string    `json:"organization_id"`
	Type           task.Type `json:"type"`
	Priority       int       `json:"priority"`
	Payload        string    `json:"payload"`
	ScheduledFor   string    `json:"scheduled_for"`
	MaxRetries     int       `json:"max_retries"`
	IdempotencyKey string    `json:"idempotency_key"`
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	if req.OrganizationID == "" || req.CampaignID == "" {
		respondError(w, http.StatusBadRequest, "organization_id and campaign_id are required", "bad_request")
		return
	}
	if !task.ValidType(req.Type) {
		respondError(w, http.StatusBadRequest, "unknown task type", "bad_request")
		return
	}

	var scheduledFor time.Time
	if req.ScheduledFor != "" {
		ts, err := time.Parse(time.RFC3339, req.ScheduledFor)
		if err != nil {
			respondError(w, http.StatusBadRequest, "scheduled_for must be RFC3339", "bad_request")
			return
		}
		scheduledFor = ts
	}

	if _, err := h.store.GetCampaign(r.Context(), req.CampaignID); err != nil {
		h.respondStoreError(w, err)
		return
	}

	t, err := h.store.CreateTask(r.Context(), store.CreateTaskParams{
		CampaignID:     req.CampaignID,
		OrganizationID: req.OrganizationID,
		Type:           req.Type,
		Priority:       req.Priority,
		Payload:        req.Payload,
		ScheduledFor:   scheduledFor,
		MaxRetries:     req.MaxRetries,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			respondError(w, http.StatusConflict, err.Error(), "duplicate_key")
			return
		}
		h.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, t)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, t)
}

type updateTaskStatusRequest struct {
	Status task.Status `json:"status"`
	Note   string      `json:"note"`
}

func (h *Handler) UpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req updateTaskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}

	t, err := h.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	if err := t.Apply(req.Status, req.Note); err != nil {
		respondError(w, http.StatusConflict, err.Error(), "invalid_transition")
		return
	}
	if err := h.store.SaveTask(r.Context(), t); err != nil {
		h.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, t)
}

type cancelTaskRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// CancelTask is the normal cancellation path. It refuses executing tasks;
// only an emergency stop may force those.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}

	t, err := h.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	if !task.Cancellable(t.Status) {
		respondError(w, http.StatusConflict, "cannot cancel task in status "+string(t.Status), "invalid_transition")
		return
	}

	if err := t.Apply(task.StatusCancelled, req.Reason); err != nil {
		respondError(w, http.StatusConflict, err.Error(), "invalid_transition")
		return
	}
	if err := h.store.SaveTask(r.Context(), t); err != nil {
		h.respondStoreError(w, err)
		return
	}

	h.audit.Record(r.Context(), audit.Entry{
		OrganizationID: t.OrganizationID,
		Action:         "task_cancelled",
		ActorType:      "user",
		ActorID:        req.UserID,
		ResourceType:   "task",
		ResourceID:     t.ID,
		Metadata:       map[string]interface{}{"reason": req.Reason},
	})

	respondJSON(w, http.StatusOK, t)
}

// --- campaigns ---

type createCampaignRequest struct {
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	Status         campaign.Status `json:"status"`
	StartDate      string          `json:"start_date"`
}

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	if req.OrganizationID == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "organization_id and name are required", "bad_request")
		return
	}

	switch req.Status {
	case "", campaign.StatusDraft, campaign.StatusPlanned, campaign.StatusActive:
	default:
		respondError(w, http.StatusBadRequest, "campaigns start as draft, planned, or active", "bad_request")
		return
	}

	var startDate time.Time
	if req.StartDate != "" {
		ts, err := time.Parse(time.RFC3339, req.StartDate)
		if err != nil {
			respondError(w, http.StatusBadRequest, "start_date must be RFC3339", "bad_request")
			return
		}
		startDate = ts
	}

	c, err := h.store.CreateCampaign(r.Context(), store.CreateCampaignParams{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Status:         req.Status,
		StartDate:      startDate,
	})
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, c)
}

func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, c)
}

type campaignActionRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}

	c, err := h.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	changed, err := c.Pause()
	if err != nil {
		respondError(w, http.StatusConflict, err.Error(), "invalid_transition")
		return
	}

	if changed {
		if err := h.store.SaveCampaign(r.Context(), c); err != nil {
			h.respondStoreError(w, err)
			return
		}
		h.audit.Record(r.Context(), audit.Entry{
			OrganizationID: c.OrganizationID,
			Action:         "campaign_paused",
			ActorType:      "user",
			ActorID:        req.UserID,
			ResourceType:   "campaign",
			ResourceID:     c.ID,
			Reversible:     true,
		})
	}

	respondJSON(w, http.StatusOK, c)
}

func (h *Handler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.campaignTransition(w, r, campaign.StatusActive, "campaign_resumed")
}

func (h *Handler) CompleteCampaign(w http.ResponseWriter, r *http.Request) {
	h.campaignTransition(w, r, campaign.StatusCompleted, "campaign_completed")
}

func (h *Handler) campaignTransition(w http.ResponseWriter, r *http.Request, target campaign.Status, action string) {
	var req campaignActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}

	c, err := h.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	if err := c.Apply(target); err != nil {
		respondError(w, http.StatusConflict, err.Error(), "invalid_transition")
		return
	}
	if err := h.store.SaveCampaign(r.Context(), c); err != nil {
		h.respondStoreError(w, err)
		return
	}

	h.audit.Record(r.Context(), audit.Entry{
		OrganizationID: c.OrganizationID,
		Action:         action,
		ActorType:      "user",
		ActorID:        req.UserID,
		ResourceType:   "campaign",
		ResourceID:     c.ID,
		Reversible:     true,
	})

	respondJSON(w, http.StatusOK, c)
}

// --- approvals ---

type approveRequest struct {
	UserID string `json:"user_id"`
}

// Approve decides a pending approval, moves the task to approved, and hands
// it to the dispatch queue for execution.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}

	a, err := h.store.GetApproval(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	if a.Status != approval.StatusPending {
		respondError(w, http.StatusConflict, "approval already "+string(a.Status), "invalid_transition")
		return
	}

	t, err := h.store.GetTask(r.Context(), a.TaskID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	if err := t.Apply(task.StatusApproved, "approved by "+req.UserID); err != nil {
		respondError(w, http.StatusConflict, err.Error(), "invalid_transition")
		return
	}
	if err := h.store.SaveTask(r.Context(), t); err != nil {
		h.respondStoreError(w, err)
		return
	}

	now := time.Now().UTC()
	a.Status = approval.StatusApproved
	a.DecidedBy = req.UserID
	a.DecidedAt = &now
	if err := h.store.SaveApproval(r.Context(), a); err != nil {
		h.respondStoreError(w, err)
		return
	}

	if err := h.store.EnqueueDispatch(r.Context(), t.ID); err != nil {
		h.respondStoreError(w, err)
		return
	}

	h.notifier.Emit(r.Context(), notify.EventTaskApproved, map[string]interface{}{
		"task_id":         t.ID,
		"approval_id":     a.ID,
		"organization_id": t.OrganizationID,
		"idempotency_key": t.IdempotencyKey,
	})

	h.audit.Record(r.Context(), audit.Entry{
		OrganizationID: t.OrganizationID,
		Action:         "task_approved",
		ActorType:      "user",
		ActorID:        req.UserID,
		ResourceType:   "task",
		ResourceID:     t.ID,
	})

	respondJSON(w, http.StatusOK, a)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

func (h *Handler) respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error(), "not_found")
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error(), "internal_error")
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message, code string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}
