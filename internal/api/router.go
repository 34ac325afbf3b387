package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", h.HealthCheck)

	r.Route("/organizations/{orgID}", func(r chi.Router) {
		r.Post("/emergency-stop", h.EmergencyStop)
		r.Get("/sandbox", h.SandboxStatus)
		r.Post("/sandbox/disable", h.DisableSandbox)
		r.Get("/audit", h.ListAudit)
	})

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", h.CreateCampaign)
		r.Get("/{id}", h.GetCampaign)
		r.Post("/{id}/pause", h.PauseCampaign)
		r.Post("/{id}/resume", h.ResumeCampaign)
		r.Post("/{id}/complete", h.CompleteCampaign)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.CreateTask)
		r.Get("/{id}", h.GetTask)
		r.Post("/{id}/status", h.UpdateTaskStatus)
		r.Post("/{id}/cancel", h.CancelTask)
	})

	r.Post("/approvals/{id}/approve", h.Approve)

	return r
}
