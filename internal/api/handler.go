// Package api exposes the orchestration engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ashveil/cascade/internal/delegate"
	"github.com/ashveil/cascade/internal/engine"
	"github.com/ashveil/cascade/internal/progress"
	"github.com/ashveil/cascade/internal/schedule"
	"github.com/ashveil/cascade/internal/scheduler"
)

// Store is the persistence surface the HTTP layer reads and writes.
type Store interface {
	SaveAgent(ctx context.Context, a *engine.Agent) error
	Agent(ctx context.Context, id string) (*engine.Agent, error)
	ListAgents(ctx context.Context) ([]*engine.Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	SaveOrchestration(ctx context.Context, o *engine.Orchestration) error
	GetOrchestration(ctx context.Context, id string) (*engine.Orchestration, error)
	ListOrchestrations(ctx context.Context) ([]*engine.Orchestration, error)
	DeleteOrchestration(ctx context.Context, id string) error

	GetExecution(ctx context.Context, id string) (*engine.Execution, error)
	GetExecutionByShareToken(ctx context.Context, token string) (*engine.Execution, error)
	ListExecutions(ctx context.Context, orchestrationID string, limit int) ([]*engine.Execution, error)

	ListDelegations(ctx context.Context, agentID, direction string, limit int) ([]*delegate.Delegation, error)

	SaveSchedule(ctx context.Context, s *scheduler.ScheduledExecution) error
	GetSchedule(ctx context.Context, id string) (*scheduler.ScheduledExecution, error)
	ListSchedules(ctx context.Context) ([]*scheduler.ScheduledExecution, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store      Store
	runner     *engine.Runner
	hub        *progress.Hub
	delegator  *delegate.Controller
	sched      *scheduler.Scheduler
	logger     *zap.Logger
}

// NewHandler creates a new API handler. delegator and sched may be nil.
func NewHandler(store Store, runner *engine.Runner, hub *progress.Hub, delegator *delegate.Controller, sched *scheduler.Scheduler, logger *zap.Logger) *Handler {
	return &Handler{
		store:     store,
		runner:    runner,
		hub:       hub,
		delegator: delegator,
		sched:     sched,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.saveAgent)
		r.Get("/agents/{id}", h.getAgent)
		r.Delete("/agents/{id}", h.deleteAgent)
		r.Post("/agents/{id}/delegate", h.delegateAgent)
		r.Get("/agents/{id}/delegations", h.listDelegations)

		r.Get("/orchestrations", h.listOrchestrations)
		r.Post("/orchestrations", h.saveOrchestration)
		r.Get("/orchestrations/{id}", h.getOrchestration)
		r.Delete("/orchestrations/{id}", h.deleteOrchestration)
		r.Post("/orchestrations/{id}/run", h.runOrchestration)
		r.Get("/orchestrations/{id}/executions", h.listExecutions)

		r.Get("/executions/{id}", h.getExecution)
		r.Post("/executions/{id}/cancel", h.cancelExecution)
		r.Get("/executions/{id}/events", h.streamEvents)
		r.Get("/executions/{id}/ws", h.streamEventsWS)
		r.Get("/share/{token}", h.getSharedExecution)

		r.Get("/schedules", h.listSchedules)
		r.Post("/schedules", h.saveSchedule)
		r.Get("/schedules/{id}", h.getSchedule)
		r.Delete("/schedules/{id}", h.deleteSchedule)
		r.Post("/scheduler/tick", h.schedulerTick)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "cascade"})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if agents == nil {
		agents = []*engine.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) saveAgent(w http.ResponseWriter, r *http.Request) {
	var a engine.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if a.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if err := h.store.SaveAgent(r.Context(), &a); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.Agent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type delegateRequest struct {
	ToAgentID string `json:"to_agent_id"`
	Message   string `json:"message"`
	Depth     int    `json:"depth"`
}

func (h *Handler) delegateAgent(w http.ResponseWriter, r *http.Request) {
	if h.delegator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "delegation not initialized"})
		return
	}

	fromID := chi.URLParam(r, "id")
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ToAgentID == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to_agent_id and message are required"})
		return
	}

	d, err := h.delegator.Delegate(r.Context(), fromID, req.ToAgentID, req.Message, req.Depth)
	if err != nil {
		var stepErr *engine.StepError
		if errors.As(err, &stepErr) && stepErr.Kind == engine.ErrKindDepthExceeded {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      stepErr.Message,
				"delegation": d,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":      err.Error(),
			"delegation": d,
		})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) listDelegations(w http.ResponseWriter, r *http.Request) {
	direction := r.URL.Query().Get("direction")
	switch direction {
	case "", "sent", "received":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "direction must be sent or received"})
		return
	}

	ds, err := h.store.ListDelegations(r.Context(), chi.URLParam(r, "id"), direction, 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if ds == nil {
		ds = []*delegate.Delegation{}
	}
	writeJSON(w, http.StatusOK, ds)
}

func (h *Handler) listOrchestrations(w http.ResponseWriter, r *http.Request) {
	os, err := h.store.ListOrchestrations(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if os == nil {
		os = []*engine.Orchestration{}
	}
	writeJSON(w, http.StatusOK, os)
}

func (h *Handler) saveOrchestration(w http.ResponseWriter, r *http.Request) {
	var o engine.Orchestration
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if o.Name == "" || len(o.Steps) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and steps are required"})
		return
	}
	switch o.Strategy {
	case engine.StrategySequential, engine.StrategyParallel, engine.StrategyConsensus:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "strategy must be sequential, parallel or consensus"})
		return
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Status == "" {
		o.Status = "active"
	}
	if err := h.store.SaveOrchestration(r.Context(), &o); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *Handler) getOrchestration(w http.ResponseWriter, r *http.Request) {
	o, err := h.store.GetOrchestration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "orchestration not found"})
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) deleteOrchestration(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteOrchestration(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type runRequest struct {
	Input engine.ExecutionInput `json:"input"`
	Wait  bool                  `json:"wait"`
}

func (h *Handler) runOrchestration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if req.Wait {
		ex, err := h.runner.Run(r.Context(), id, req.Input)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ex)
		return
	}

	ex, err := h.runner.Start(r.Context(), id, req.Input)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, ex)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	exs, err := h.store.ListExecutions(r.Context(), chi.URLParam(r, "id"), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if exs == nil {
		exs = []*engine.Execution{}
	}
	writeJSON(w, http.StatusOK, exs)
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := h.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution not found"})
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (h *Handler) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.runner.Cancel(id) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "execution is not running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (h *Handler) getSharedExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := h.store.GetExecutionByShareToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	// Shared views hide the token itself and delivery destinations.
	ex.ShareToken = ""
	ex.Dispatches = nil
	writeJSON(w, http.StatusOK, ex)
}

type scheduleRequest struct {
	ID              string                `json:"id"`
	OrchestrationID string                `json:"orchestration_id"`
	CronExpr        string                `json:"cron_expr"`
	IsActive        *bool                 `json:"is_active"`
	InputTemplate   engine.ExecutionInput `json:"input_template"`
	Label           string                `json:"label"`
}

func (h *Handler) saveSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.OrchestrationID == "" || req.CronExpr == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "orchestration_id and cron_expr are required"})
		return
	}
	if !schedule.Valid(req.CronExpr) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cron expression"})
		return
	}
	if _, err := h.store.GetOrchestration(r.Context(), req.OrchestrationID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "orchestration not found"})
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	sched := &scheduler.ScheduledExecution{
		ID:              req.ID,
		OrchestrationID: req.OrchestrationID,
		CronExpr:        req.CronExpr,
		IsActive:        active,
		NextRunAt:       schedule.NextRun(req.CronExpr, time.Now()),
		InputTemplate:   req.InputTemplate,
		Label:           req.Label,
	}
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	if err := h.store.SaveSchedule(r.Context(), sched); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := h.store.ListSchedules(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if scheds == nil {
		scheds = []*scheduler.ScheduledExecution{}
	}
	writeJSON(w, http.StatusOK, scheds)
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := h.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "schedule not found"})
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) schedulerTick(w http.ResponseWriter, r *http.Request) {
	if h.sched == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not initialized"})
		return
	}
	h.sched.Tick(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "tick processed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
