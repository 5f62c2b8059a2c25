// Package v1 provides the public HTTP API for instance control.
package v1

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hitloop/conductor/internal/domain"
	"github.com/hitloop/conductor/internal/orchestrator"
	"github.com/hitloop/conductor/internal/projector"
)

// Reader is the query side of the persistence layer. May be nil when the
// conductor runs without a store; the read endpoints then return 503.
type Reader interface {
	ListEvents(ctx context.Context, instanceID string, afterTs int64, limit int) ([]domain.Event, error)
	ListMessages(ctx context.Context, instanceID string, limit int) ([]domain.Message, error)
	ListToolCalls(ctx context.Context, instanceID string) ([]domain.ToolExecution, error)
}

// Handler handles HTTP requests.
type Handler struct {
	orch   *orchestrator.Orchestrator
	reader Reader
	log    *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(orch *orchestrator.Orchestrator, reader Reader, log *zap.Logger) *Handler {
	return &Handler{
		orch:   orch,
		reader: reader,
		log:    log,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/instances", h.ListInstances)
	e.POST("/v1/instances/:instance_id/start", h.Start)
	e.POST("/v1/instances/:instance_id/interrupt", h.Interrupt)
	e.POST("/v1/instances/:instance_id/respond", h.Respond)
	e.GET("/v1/instances/:instance_id/status", h.GetStatus)
	e.DELETE("/v1/instances/:instance_id", h.Destroy)

	e.GET("/v1/instances/:instance_id/events", h.GetEvents)
	e.GET("/v1/instances/:instance_id/messages", h.GetMessages)
	e.GET("/v1/instances/:instance_id/tools", h.GetToolCalls)
	e.GET("/v1/instances/:instance_id/state", h.GetState)
}

// ListInstances returns the ids of all known instances.
func (h *Handler) ListInstances(c echo.Context) error {
	ids := h.orch.Instances()
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"instances": ids})
}

// Start begins a query for an instance. Returns 409 when one is already
// running.
func (h *Handler) Start(c echo.Context) error {
	instanceID := c.Param("instance_id")

	var req domain.StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Prompt == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "prompt is required"})
	}

	if err := h.orch.Start(instanceID, req); err != nil {
		if err == orchestrator.ErrAlreadyRunning {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		h.log.Error("start failed", zap.String("instance_id", instanceID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to start query"})
	}

	return c.JSON(http.StatusOK, domain.StartResponse{InstanceID: instanceID, Started: true})
}

// Interrupt cancels the instance's running query. Idempotent.
func (h *Handler) Interrupt(c echo.Context) error {
	instanceID := c.Param("instance_id")
	h.orch.Interrupt(instanceID)
	return c.JSON(http.StatusOK, map[string]string{"status": "interrupted"})
}

// Respond delivers a human decision for a pending request. An unknown
// request id is acknowledged and dropped; the UI may race resolution.
func (h *Handler) Respond(c echo.Context) error {
	instanceID := c.Param("instance_id")

	var req domain.RespondRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.RequestID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "request_id is required"})
	}
	switch req.Action {
	case domain.ResponseActionApprove, domain.ResponseActionReject, domain.ResponseActionModify:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "action must be approve, reject, or modify"})
	}

	h.orch.Respond(instanceID, req)
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

// GetStatus returns the synchronous view of one instance.
func (h *Handler) GetStatus(c echo.Context) error {
	instanceID := c.Param("instance_id")

	status, ok := h.orch.Status(instanceID)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}
	return c.JSON(http.StatusOK, status)
}

// Destroy tears down an instance. Safe on an unknown id.
func (h *Handler) Destroy(c echo.Context) error {
	instanceID := c.Param("instance_id")
	h.orch.Destroy(instanceID)
	return c.JSON(http.StatusOK, map[string]string{"status": "destroyed"})
}

// GetEvents returns the instance's event log, optionally after a timestamp.
func (h *Handler) GetEvents(c echo.Context) error {
	if h.reader == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "persistence is disabled"})
	}
	instanceID := c.Param("instance_id")
	afterTs := int64(0)
	if v := c.QueryParam("after_ts"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "after_ts must be an integer"})
		}
		afterTs = parsed
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
		}
		limit = parsed
	}

	events, err := h.reader.ListEvents(c.Request().Context(), instanceID, afterTs, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list events"})
	}
	if events == nil {
		events = []domain.Event{}
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

// GetMessages returns the instance's committed transcript.
func (h *Handler) GetMessages(c echo.Context) error {
	if h.reader == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "persistence is disabled"})
	}
	instanceID := c.Param("instance_id")
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
		}
		limit = parsed
	}

	messages, err := h.reader.ListMessages(c.Request().Context(), instanceID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list messages"})
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": messages})
}

// GetToolCalls returns the instance's tool execution table.
func (h *Handler) GetToolCalls(c echo.Context) error {
	if h.reader == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "persistence is disabled"})
	}
	instanceID := c.Param("instance_id")

	execs, err := h.reader.ListToolCalls(c.Request().Context(), instanceID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list tool calls"})
	}
	if execs == nil {
		execs = []domain.ToolExecution{}
	}
	return c.JSON(http.StatusOK, map[string]any{"tool_calls": execs})
}

// GetState replays the instance's event log through a fresh projection and
// returns the folded state.
func (h *Handler) GetState(c echo.Context) error {
	if h.reader == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "persistence is disabled"})
	}
	instanceID := c.Param("instance_id")

	events, err := h.reader.ListEvents(c.Request().Context(), instanceID, 0, 0)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list events"})
	}

	proj := projector.New()
	for _, evt := range events {
		if err := proj.Apply(evt); err != nil {
			h.log.Warn("skipping undecodable event",
				zap.String("instance_id", instanceID),
				zap.String("event_id", evt.EventID),
				zap.Error(err))
		}
	}
	return c.JSON(http.StatusOK, proj.State(instanceID))
}
