package handlers

import (
	"net/http"

	"example.com/crmstack/services/automation/internal/api/middleware"
	"example.com/crmstack/services/automation/internal/models"
	"example.com/crmstack/services/automation/internal/qualification"
	"example.com/crmstack/services/automation/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// QualificationHandler handles lead qualification HTTP requests
type QualificationHandler struct {
	service *qualification.Service
	tracer  tracing.Tracer
}

// NewQualificationHandler creates a new qualification handler
func NewQualificationHandler(service *qualification.Service, tracer tracing.Tracer) *QualificationHandler {
	return &QualificationHandler{service: service, tracer: tracer}
}

func parseLeadID(c *gin.Context) (uuid.UUID, bool) {
	leadID, err := uuid.Parse(c.Param("leadId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lead id must be a valid UUID"})
		return uuid.Nil, false
	}
	return leadID, true
}

func respondLeadError(c *gin.Context, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, qualification.ErrLeadNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "lead not found"})
		return
	}
	log.Error().Err(err).Msg("Qualification request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// EvaluateRequest represents an evaluation request with optional extra data
type EvaluateRequest struct {
	Data map[string]interface{} `json:"data"`
}

// HandleEvaluate runs qualification rules against a lead
func (h *QualificationHandler) HandleEvaluate(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-qualification-evaluate")
	defer h.tracer.EndTransaction(txn)

	leadID, ok := parseLeadID(c)
	if !ok {
		return
	}

	var req EvaluateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	result, err := h.service.Evaluate(c.Request.Context(), middleware.TenantID(c), leadID, req.Data)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondLeadError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ManualQualifyRequest represents a manual stage override request
type ManualQualifyRequest struct {
	Stage  string `json:"stage" binding:"required"`
	Reason string `json:"reason"`
}

// HandleManualQualify pins a lead to a stage
func (h *QualificationHandler) HandleManualQualify(c *gin.Context) {
	leadID, ok := parseLeadID(c)
	if !ok {
		return
	}

	var req ManualQualifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lead, err := h.service.ManualQualify(c.Request.Context(), middleware.TenantID(c), leadID, req.Stage, req.Reason)
	if err != nil {
		if errors.Is(err, qualification.ErrInvalidStage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respondLeadError(c, err)
		return
	}

	c.JSON(http.StatusOK, lead)
}

// HandleClearOverride removes a lead's manual override
func (h *QualificationHandler) HandleClearOverride(c *gin.Context) {
	leadID, ok := parseLeadID(c)
	if !ok {
		return
	}

	lead, err := h.service.ClearOverride(c.Request.Context(), middleware.TenantID(c), leadID)
	if err != nil {
		respondLeadError(c, err)
		return
	}

	c.JSON(http.StatusOK, lead)
}

// HandleGetRules returns a pipeline's qualification rule sets
func (h *QualificationHandler) HandleGetRules(c *gin.Context) {
	pipelineID, err := uuid.Parse(c.Param("pipelineId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pipeline id must be a valid UUID"})
		return
	}

	rules, err := h.service.GetRules(c.Request.Context(), middleware.TenantID(c), pipelineID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
			return
		}
		log.Error().Err(err).Msg("Failed to load qualification rules")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, rules)
}

// HandleUpdateRules replaces a pipeline's qualification rule sets
func (h *QualificationHandler) HandleUpdateRules(c *gin.Context) {
	pipelineID, err := uuid.Parse(c.Param("pipelineId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pipeline id must be a valid UUID"})
		return
	}

	var rules models.QualificationRules
	if err := c.ShouldBindJSON(&rules); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.UpdateRules(c.Request.Context(), middleware.TenantID(c), pipelineID, rules); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
			return
		}
		log.Error().Err(err).Msg("Failed to update qualification rules")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, rules)
}

// HandleGetStats returns the tenant's qualification funnel statistics
func (h *QualificationHandler) HandleGetStats(c *gin.Context) {
	var pipelineID *uuid.UUID
	if raw := c.Query("pipeline_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "pipeline_id must be a valid UUID"})
			return
		}
		pipelineID = &id
	}

	stats, err := h.service.GetStats(c.Request.Context(), middleware.TenantID(c), pipelineID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load qualification stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// RegisterRoutes registers the handler's routes
func (h *QualificationHandler) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/qualification", middleware.RequireTenant())
	group.POST("/evaluate/:leadId", h.HandleEvaluate)
	group.POST("/manual/:leadId", h.HandleManualQualify)
	group.DELETE("/manual/:leadId", h.HandleClearOverride)
	group.GET("/rules/:pipelineId", h.HandleGetRules)
	group.PUT("/rules/:pipelineId", h.HandleUpdateRules)
	group.GET("/stats", h.HandleGetStats)
}
