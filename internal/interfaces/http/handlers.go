package http

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/stageflow/internal/application/service"
	"github.com/garyjia/stageflow/internal/application/workflow"
	"github.com/garyjia/stageflow/internal/domain/entity"
	domainwf "github.com/garyjia/stageflow/internal/domain/workflow"
	"github.com/garyjia/stageflow/pkg/utils"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Handlers contains all HTTP request handlers
type Handlers struct {
	engine        workflow.WorkflowEngine
	reports       service.ReportService
	notifications service.NotificationService
	logger        Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	engine workflow.WorkflowEngine,
	reports service.ReportService,
	notifications service.NotificationService,
	logger Logger,
) *Handlers {
	return &Handlers{
		engine:        engine,
		reports:       reports,
		notifications: notifications,
		logger:        logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success   bool               `json:"success"`
	Data      interface{}        `json:"data,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorKind domainwf.ErrorKind `json:"error_kind,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string   `json:"status"`
	Timestamp string   `json:"timestamp"`
	Workflows []string `json:"workflows"`
}

// WorkflowSummary describes one registered workflow type
type WorkflowSummary struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Stages      int    `json:"stages"`
	Actions     int    `json:"actions"`
}

// InitiateRequest is the body of POST /api/workflows/:type/instances
type InitiateRequest struct {
	ReferenceType string                 `json:"reference_type"`
	ReferenceID   string                 `json:"reference_id" binding:"required"`
	Data          map[string]interface{} `json:"data"`
}

// ActionRequest is the body of POST /api/instances/:id/actions/:action and /complete
type ActionRequest struct {
	Data map[string]interface{} `json:"data"`
}

// ReasonRequest is the body of POST /api/instances/:id/cancel and /fail
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// ListInstancesRequest represents query parameters for listing instances
type ListInstancesRequest struct {
	Type          string `form:"type"`
	Stage         string `form:"stage"`
	Status        string `form:"status"`
	ReferenceType string `form:"reference_type"`
	ReferenceID   string `form:"reference_id"`
	Limit         int    `form:"limit"`
	Offset        int    `form:"offset"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: HealthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Workflows: h.engine.WorkflowTypes(),
		},
	})
}

// ListWorkflows handles GET /api/workflows
func (h *Handlers) ListWorkflows(c *gin.Context) {
	summaries := make([]WorkflowSummary, 0)
	for _, t := range h.engine.WorkflowTypes() {
		def, err := h.engine.Definition(t)
		if err != nil {
			continue
		}
		summaries = append(summaries, WorkflowSummary{
			Type:        def.Type,
			Name:        def.Name,
			Description: def.Description,
			Stages:      len(def.Stages),
			Actions:     len(def.Actions),
		})
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: summaries})
}

// GetWorkflow handles GET /api/workflows/:type
func (h *Handlers) GetWorkflow(c *gin.Context) {
	def, err := h.engine.Definition(c.Param("type"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: def})
}

// Initiate handles POST /api/workflows/:type/instances
func (h *Handlers) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, fmt.Errorf("%w: %v", domainwf.ErrInvalidRequest, err))
		return
	}
	if err := utils.ValidateIdentifier("reference_id", req.ReferenceID); err != nil {
		h.respondError(c, fmt.Errorf("%w: %v", domainwf.ErrInvalidRequest, err))
		return
	}
	if req.ReferenceType != "" {
		if err := utils.ValidateIdentifier("reference_type", req.ReferenceType); err != nil {
			h.respondError(c, fmt.Errorf("%w: %v", domainwf.ErrInvalidRequest, err))
			return
		}
	}

	result, err := h.engine.Initiate(c.Request.Context(), workflow.InitiateRequest{
		WorkflowType:  c.Param("type"),
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Actor:         currentActor(c),
		Data:          req.Data,
	})
	h.respondResult(c, http.StatusCreated, result, err)
}

// ListByStage handles GET /api/workflows/:type/stages/:stage/instances
func (h *Handlers) ListByStage(c *gin.Context) {
	instances, err := h.engine.ListByStage(c.Request.Context(), c.Param("type"), c.Param("stage"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: instances})
}

// ListByReference handles GET /api/references/:refType/:refID/instances
func (h *Handlers) ListByReference(c *gin.Context) {
	instances, err := h.engine.ListByReference(c.Request.Context(), c.Param("refType"), c.Param("refID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: instances})
}

// ListInstances handles GET /api/instances
func (h *Handlers) ListInstances(c *gin.Context) {
	var req ListInstancesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.respondError(c, fmt.Errorf("%w: invalid query parameters: %v", domainwf.ErrInvalidRequest, err))
		return
	}

	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 20
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	instances, err := h.engine.List(c.Request.Context(), entity.InstanceFilter{
		WorkflowType:  req.Type,
		Stage:         req.Stage,
		Status:        domainwf.Status(req.Status),
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Limit:         req.Limit,
		Offset:        req.Offset,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: instances})
}

// GetStatus handles GET /api/instances/:id
func (h *Handlers) GetStatus(c *gin.Context) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}

	view, err := h.engine.Status(c.Request.Context(), id, currentActor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: view})
}

// Advance handles POST /api/instances/:id/actions/:action
func (h *Handlers) Advance(c *gin.Context) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}

	var req ActionRequest
	if !h.bindOptionalJSON(c, &req) {
		return
	}

	result, err := h.engine.Advance(c.Request.Context(), id, currentActor(c), c.Param("action"), req.Data)
	h.respondResult(c, http.StatusOK, result, err)
}

// Cancel handles POST /api/instances/:id/cancel
func (h *Handlers) Cancel(c *gin.Context) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}

	var req ReasonRequest
	if !h.bindOptionalJSON(c, &req) {
		return
	}

	result, err := h.engine.Cancel(c.Request.Context(), id, currentActor(c), utils.SanitizeString(req.Reason))
	h.respondResult(c, http.StatusOK, result, err)
}

// Fail handles POST /api/instances/:id/fail
func (h *Handlers) Fail(c *gin.Context) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}

	var req ReasonRequest
	if !h.bindOptionalJSON(c, &req) {
		return
	}

	result, err := h.engine.Fail(c.Request.Context(), id, currentActor(c), utils.SanitizeString(req.Reason))
	h.respondResult(c, http.StatusOK, result, err)
}

// Complete handles POST /api/instances/:id/complete
func (h *Handlers) Complete(c *gin.Context) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}

	var req ActionRequest
	if !h.bindOptionalJSON(c, &req) {
		return
	}

	result, err := h.engine.Complete(c.Request.Context(), id, currentActor(c), req.Data)
	h.respondResult(c, http.StatusOK, result, err)
}

// GetHistory handles GET /api/instances/:id/history
func (h *Handlers) GetHistory(c *gin.Context) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}

	records, err := h.engine.History(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: records})
}

// ExportHistory handles GET /api/instances/:id/history/export
func (h *Handlers) ExportHistory(c *gin.Context) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := h.reports.ExportHistory(c.Request.Context(), id, &buf); err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="instance-%d-history.xlsx"`, id))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// ListNotifications handles GET /api/instances/:id/notifications
func (h *Handlers) ListNotifications(c *gin.Context) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}

	notifications, err := h.notifications.ListForInstance(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: notifications})
}

// instanceID parses :id and writes a 400 response when it is malformed
func (h *Handlers) instanceID(c *gin.Context) (int64, bool) {
	idStr := c.Param("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		h.respondError(c, fmt.Errorf("%w: invalid instance ID %q", domainwf.ErrInvalidRequest, idStr))
		return 0, false
	}
	return id, true
}

// bindOptionalJSON binds the body when one is present
func (h *Handlers) bindOptionalJSON(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(c, fmt.Errorf("%w: %v", domainwf.ErrInvalidRequest, err))
		return false
	}
	return true
}

func (h *Handlers) respondResult(c *gin.Context, okStatus int, result *workflow.Result, err error) {
	if err != nil {
		kind := domainwf.KindOf(err)
		status := statusForKind(kind)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Engine call failed", "path", c.FullPath(), "error", err)
		}
		c.JSON(status, Response{Success: false, Data: result, Error: err.Error(), ErrorKind: kind})
		return
	}
	c.JSON(okStatus, Response{Success: true, Data: result})
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	kind := domainwf.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, Response{Success: false, Error: err.Error(), ErrorKind: kind})
}
