// Package api exposes the administrative HTTP surface: trigger CRUD,
// execution history, replay and event ingestion.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Annas82200/mizan-triggers/internal/domain"
	"github.com/Annas82200/mizan-triggers/internal/ledger"
	"github.com/Annas82200/mizan-triggers/internal/orchestrator"
	"github.com/Annas82200/mizan-triggers/internal/registry"
	"github.com/Annas82200/mizan-triggers/internal/transport/channel"
)

// Pagination defaults and limits.
const (
	DefaultLimit = ledger.DefaultPageSize
	MaxLimit     = ledger.MaxPageSize
)

// DefaultWaitTimeout bounds how long ?wait=true blocks for event results.
const DefaultWaitTimeout = time.Minute

type Registry interface {
	Create(ctx context.Context, in registry.CreateInput) (domain.Trigger, error)
	Get(ctx context.Context, tenantID, triggerID uuid.UUID) (domain.Trigger, error)
	List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.Trigger, error)
	Update(ctx context.Context, tenantID, triggerID uuid.UUID, p registry.Patch) (domain.Trigger, error)
	Disable(ctx context.Context, tenantID, triggerID uuid.UUID) (domain.Trigger, error)
}

type Ledger interface {
	List(ctx context.Context, tenantID, triggerID uuid.UUID, limit, offset int) ([]domain.Execution, error)
}

type Orchestrator interface {
	Emit(ctx context.Context, event domain.Event) (*orchestrator.Ticket, error)
	Replay(ctx context.Context, tenantID, executionID uuid.UUID) (domain.ExecutionResult, error)
}

// Stats reads firing counters for the bucket containing at.
type Stats interface {
	Counts(ctx context.Context, tenantID, triggerID uuid.UUID, at time.Time) (completed, failed int64, err error)
}

// HealthChecker provides store health status for the /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	registry     Registry
	ledger       Ledger
	orchestrator Orchestrator
	stats        Stats         // optional
	db           HealthChecker // optional
	waitTimeout  time.Duration
	logger       logrus.FieldLogger
}

func NewHandler(reg Registry, l Ledger, orch Orchestrator, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		registry:     reg,
		ledger:       l,
		orchestrator: orch,
		waitTimeout:  DefaultWaitTimeout,
		logger:       logger.WithField("component", "api"),
	}
}

// WithHealthChecker sets the store health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithStats enables GET .../triggers/:id/stats.
func (h *Handler) WithStats(s Stats) *Handler {
	h.stats = s
	return h
}

func (h *Handler) WithWaitTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.waitTimeout = d
	}
	return h
}

// Register mounts the admin routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.health)

	tenant := r.Group("/tenants/:tenant", h.requireTenant)
	{
		tenant.POST("/triggers", h.createTrigger)
		tenant.GET("/triggers", h.listTriggers)
		tenant.GET("/triggers/:id", h.getTrigger)
		tenant.PUT("/triggers/:id", h.updateTrigger)
		tenant.POST("/triggers/:id/disable", h.disableTrigger)
		tenant.GET("/triggers/:id/executions", h.listExecutions)
		if h.stats != nil {
			tenant.GET("/triggers/:id/stats", h.triggerStats)
		}
		tenant.POST("/executions/:id/replay", h.replayExecution)
		tenant.POST("/events", h.emitEvent)
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(c *gin.Context) {
	verbose := c.Query("verbose") == "true"

	if !verbose || h.db == nil {
		c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["store"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["store"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

const tenantKey = "tenant_id"

func (h *Handler) requireTenant(c *gin.Context) {
	id, err := uuid.Parse(c.Param("tenant"))
	if err != nil || id == uuid.Nil {
		abortError(c, http.StatusBadRequest, "invalid tenant id")
		return
	}
	c.Set(tenantKey, id)
	c.Next()
}

func tenantID(c *gin.Context) uuid.UUID {
	return c.MustGet(tenantKey).(uuid.UUID)
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortError(c, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// bindJSON decodes the body into v, writing the error response itself.
func bindJSON(c *gin.Context, v any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)
	if err := c.ShouldBindJSON(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortError(c, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		abortError(c, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (h *Handler) createTrigger(c *gin.Context) {
	var req CreateTriggerRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := validateCreateTrigger(req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}

	in := registry.CreateInput{
		TenantID:     tenantID(c),
		Name:         req.Name,
		Type:         domain.TriggerType(req.TriggerType),
		SourceModule: req.SourceModule,
		EventType:    req.EventType,
		Conditions:   req.Conditions,
		TargetModule: req.TargetModule,
		Action:       req.Action,
		ActionConfig: req.ActionConfig,
		Priority:     req.Priority,
		IsActive:     req.IsActive,
		Schedule:     toSchedule(req.Schedule),
	}

	t, err := h.registry.Create(c.Request.Context(), in)
	if err != nil {
		h.writeRegistryError(c, "create trigger", err)
		return
	}
	c.JSON(http.StatusCreated, toTriggerResponse(t))
}

func (h *Handler) listTriggers(c *gin.Context) {
	limit, offset, err := parsePagination(c)
	if err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}

	triggers, err := h.registry.List(c.Request.Context(), tenantID(c), limit, offset)
	if err != nil {
		h.logger.WithError(err).Error("list triggers failed")
		abortError(c, http.StatusInternalServerError, "failed to list triggers")
		return
	}

	resp := ListTriggersResponse{Triggers: make([]TriggerResponse, len(triggers))}
	for i, t := range triggers {
		resp.Triggers[i] = toTriggerResponse(t)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTrigger(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	t, err := h.registry.Get(c.Request.Context(), tenantID(c), id)
	if err != nil {
		h.writeRegistryError(c, "get trigger", err)
		return
	}
	c.JSON(http.StatusOK, toTriggerResponse(t))
}

func (h *Handler) updateTrigger(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req UpdateTriggerRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := validateUpdateTrigger(req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}

	p := registry.Patch{
		Name:         req.Name,
		Conditions:   req.Conditions,
		ActionConfig: req.ActionConfig,
		Priority:     req.Priority,
		IsActive:     req.IsActive,
		Schedule:     toSchedule(req.Schedule),
	}
	t, err := h.registry.Update(c.Request.Context(), tenantID(c), id, p)
	if err != nil {
		h.writeRegistryError(c, "update trigger", err)
		return
	}
	c.JSON(http.StatusOK, toTriggerResponse(t))
}

func (h *Handler) disableTrigger(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	t, err := h.registry.Disable(c.Request.Context(), tenantID(c), id)
	if err != nil {
		h.writeRegistryError(c, "disable trigger", err)
		return
	}
	c.JSON(http.StatusOK, toTriggerResponse(t))
}

func (h *Handler) listExecutions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit, offset, err := parsePagination(c)
	if err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	tenant := tenantID(c)
	// Executions of another tenant's trigger must look like a missing trigger.
	if _, err := h.registry.Get(ctx, tenant, id); err != nil {
		h.writeRegistryError(c, "list executions", err)
		return
	}

	executions, err := h.ledger.List(ctx, tenant, id, limit, offset)
	if err != nil {
		h.logger.WithError(err).Error("list executions failed")
		abortError(c, http.StatusInternalServerError, "failed to list executions")
		return
	}

	resp := ListExecutionsResponse{Executions: make([]ExecutionResponse, len(executions))}
	for i, e := range executions {
		resp.Executions[i] = toExecutionResponse(e)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) triggerStats(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	at := time.Now().UTC()
	if raw := c.Query("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			abortError(c, http.StatusBadRequest, "at must be RFC3339")
			return
		}
		at = parsed.UTC()
	}

	ctx := c.Request.Context()
	tenant := tenantID(c)
	if _, err := h.registry.Get(ctx, tenant, id); err != nil {
		h.writeRegistryError(c, "trigger stats", err)
		return
	}

	completed, failed, err := h.stats.Counts(ctx, tenant, id, at)
	if err != nil {
		h.logger.WithError(err).Warn("read trigger stats failed")
		abortError(c, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	c.JSON(http.StatusOK, StatsResponse{
		TriggerID: id.String(),
		Bucket:    formatTime(at),
		Completed: completed,
		Failed:    failed,
	})
}

func (h *Handler) replayExecution(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	result, err := h.orchestrator.Replay(c.Request.Context(), tenantID(c), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, toResultResponse(result))
	case errors.Is(err, ledger.ErrExecutionNotFound), errors.Is(err, registry.ErrTriggerNotFound):
		abortError(c, http.StatusNotFound, "execution not found")
	case errors.Is(err, orchestrator.ErrNotReplayable):
		abortError(c, http.StatusConflict, err.Error())
	default:
		h.logger.WithError(err).WithField("execution_id", id).Error("replay failed")
		abortError(c, http.StatusInternalServerError, "failed to replay execution")
	}
}

func (h *Handler) emitEvent(c *gin.Context) {
	var req EmitEventRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := validateEmitEvent(req); err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}

	event := domain.Event{
		TenantID:     tenantID(c),
		SourceModule: req.SourceModule,
		EventType:    req.EventType,
		Payload:      req.Payload,
	}
	if req.EventID != "" {
		id, err := uuid.Parse(req.EventID)
		if err != nil {
			abortError(c, http.StatusBadRequest, "invalid event_id")
			return
		}
		event.ID = id
	}

	ticket, err := h.orchestrator.Emit(c.Request.Context(), event)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrInvalidEvent):
		abortError(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, channel.ErrBufferFull), errors.Is(err, orchestrator.ErrNoEventBus):
		h.logger.WithError(err).Warn("event rejected")
		abortError(c, http.StatusServiceUnavailable, "event bus unavailable")
		return
	default:
		h.logger.WithError(err).Error("emit failed")
		abortError(c, http.StatusInternalServerError, "failed to emit event")
		return
	}

	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, EmitEventResponse{EventID: ticket.EventID.String()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.waitTimeout)
	defer cancel()

	results, err := ticket.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Accepted, still processing.
			c.JSON(http.StatusAccepted, EmitEventResponse{EventID: ticket.EventID.String()})
			return
		}
		h.logger.WithError(err).WithField("event_id", ticket.EventID).Error("event handling failed")
		abortError(c, http.StatusInternalServerError, "event handling failed")
		return
	}

	resp := EmitEventResponse{EventID: ticket.EventID.String(), Results: make([]ResultResponse, len(results))}
	for i, r := range results {
		resp.Results[i] = toResultResponse(r)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) writeRegistryError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, registry.ErrTriggerNotFound):
		abortError(c, http.StatusNotFound, "trigger not found")
	case errors.Is(err, registry.ErrInvalidTrigger):
		abortError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrDuplicateTrigger):
		abortError(c, http.StatusConflict, err.Error())
	default:
		h.logger.WithError(err).WithField("op", op).Error("registry call failed")
		abortError(c, http.StatusInternalServerError, "failed to "+op)
	}
}

func abortError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}

func toSchedule(s *ScheduleRequest) *domain.Schedule {
	if s == nil {
		return nil
	}
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return &domain.Schedule{CronExpression: s.CronExpression, Timezone: tz}
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(c *gin.Context) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
