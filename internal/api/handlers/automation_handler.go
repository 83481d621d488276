package handlers

import (
	"net/http"
	"strconv"
	"time"

	"example.com/crmstack/services/automation/internal/api/middleware"
	"example.com/crmstack/services/automation/internal/cache"
	"example.com/crmstack/services/automation/internal/engine"
	"example.com/crmstack/services/automation/internal/models"
	"example.com/crmstack/services/automation/internal/repositories"
	"example.com/crmstack/services/automation/internal/search"
	"example.com/crmstack/services/automation/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// AutomationHandler handles rule and event HTTP requests
type AutomationHandler struct {
	rules       *repositories.RuleRepository
	definitions *repositories.EventDefinitionRepository
	events      *repositories.EventLogRepository
	emitter     *engine.Emitter
	simulator   *engine.Simulator
	ruleCache   *cache.RedisCache
	elastic     *search.ElasticClient
	tracer      tracing.Tracer
}

// NewAutomationHandler creates a new automation handler. elastic may be nil,
// which disables event search.
func NewAutomationHandler(
	rules *repositories.RuleRepository,
	definitions *repositories.EventDefinitionRepository,
	events *repositories.EventLogRepository,
	emitter *engine.Emitter,
	simulator *engine.Simulator,
	ruleCache *cache.RedisCache,
	elastic *search.ElasticClient,
	tracer tracing.Tracer,
) *AutomationHandler {
	return &AutomationHandler{
		rules:       rules,
		definitions: definitions,
		events:      events,
		emitter:     emitter,
		simulator:   simulator,
		ruleCache:   ruleCache,
		elastic:     elastic,
		tracer:      tracer,
	}
}

// EmitEventRequest represents an incoming event emission request
type EmitEventRequest struct {
	Type       string                 `json:"type" binding:"required"`
	EntityType string                 `json:"entity_type" binding:"required"`
	EntityID   string                 `json:"entity_id" binding:"required"`
	Data       map[string]interface{} `json:"data"`
	UserID     *uuid.UUID             `json:"user_id"`
}

// HandleEmitEvent validates and enqueues a domain event
func (h *AutomationHandler) HandleEmitEvent(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-emit-event")
	defer h.tracer.EndTransaction(txn)

	var req EmitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	h.tracer.AddAttribute(txn, "event_type", req.Type)
	h.tracer.AddAttribute(txn, "entity_id", req.EntityID)

	eventID, err := h.emitter.Emit(c.Request.Context(), engine.EmitParams{
		Type:       req.Type,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Data:       req.Data,
		UserID:     req.UserID,
		TenantID:   middleware.TenantID(c),
	})
	if err != nil {
		h.tracer.RecordError(txn, err)

		var validation *engine.ValidationError
		var recursion *engine.RecursionLimitError
		var overflow *engine.QueueOverflowError
		switch {
		case errors.As(err, &validation), errors.As(err, &recursion):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.As(err, &overflow):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		default:
			log.Error().Err(err).Msg("Failed to emit event")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id": eventID,
		"status":   "queued",
	})
}

// HandleListEvents lists the tenant's event log
func (h *AutomationHandler) HandleListEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	tenantID := middleware.TenantID(c)
	filter := repositories.EventLogFilter{
		TenantID:   &tenantID,
		EventType:  c.Query("type"),
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		Limit:      limit,
		Offset:     offset,
	}
	if since := c.Query("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		}
	}
	if until := c.Query("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = &t
		}
	}

	entries, total, err := h.events.List(c.Request.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": entries,
		"total":  total,
	})
}

// HandleSearchEvents full-text searches the tenant's indexed events
func (h *AutomationHandler) HandleSearchEvents(c *gin.Context) {
	if h.elastic == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event search is not available"})
		return
	}

	must := []map[string]interface{}{
		{"term": map[string]interface{}{"tenant_id": middleware.TenantID(c).String()}},
	}
	if eventType := c.Query("type"); eventType != "" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"type": eventType}})
	}
	if entityID := c.Query("entity_id"); entityID != "" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"entity_id": entityID}})
	}
	if q := c.Query("q"); q != "" {
		must = append(must, map[string]interface{}{"query_string": map[string]interface{}{"query": q}})
	}

	size := 50
	if raw := c.Query("size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			size = n
		}
	}

	query := map[string]interface{}{
		"size":  size,
		"sort":  []map[string]interface{}{{"timestamp": map[string]interface{}{"order": "desc"}}},
		"query": map[string]interface{}{"bool": map[string]interface{}{"must": must}},
	}

	docs, err := h.elastic.SearchEvents(c.Request.Context(), query)
	if err != nil {
		log.Error().Err(err).Msg("Event search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": docs, "count": len(docs)})
}

// HandleListEventDefinitions lists the active event definitions
func (h *AutomationHandler) HandleListEventDefinitions(c *gin.Context) {
	definitions, err := h.definitions.ListActive(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list event definitions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_definitions": definitions})
}

// RuleRequest represents a rule create or update request
type RuleRequest struct {
	Name        string                   `json:"name" binding:"required"`
	Description string                   `json:"description"`
	Trigger     models.TriggerDefinition `json:"trigger" binding:"required"`
	Conditions  models.ConditionGroup    `json:"conditions"`
	Actions     models.ActionList        `json:"actions" binding:"required"`
	Priority    int                      `json:"priority"`
	IsActive    *bool                    `json:"is_active"`
}

func validateRuleRequest(req *RuleRequest) string {
	switch req.Trigger.Type {
	case models.TriggerEvent:
		if req.Trigger.Event == "" {
			return "event-triggered rules require a trigger event"
		}
	case models.TriggerSchedule:
		if _, err := time.ParseDuration(req.Trigger.Schedule); err != nil {
			return "schedule-triggered rules require a valid schedule interval"
		}
	case models.TriggerCondition:
		if req.Trigger.EntityType == "" {
			return "condition-triggered rules require an entity type"
		}
	default:
		return "trigger type must be event, schedule, or condition"
	}

	if len(req.Actions) == 0 {
		return "rules require at least one action"
	}
	for _, action := range req.Actions {
		if action.ID == "" {
			return "every action requires a stable id"
		}
	}

	for _, cond := range req.Conditions.Conditions {
		switch cond.Operator {
		case models.OpEquals, models.OpNotEquals, models.OpContains,
			models.OpNotEmpty, models.OpEmpty, models.OpGreaterThan, models.OpLessThan:
		default:
			return "unknown condition operator " + cond.Operator
		}
		if cond.Field == "" {
			return "every condition requires a field"
		}
	}
	return ""
}

// HandleCreateRule creates a business rule
func (h *AutomationHandler) HandleCreateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if reason := validateRuleRequest(&req); reason != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": reason})
		return
	}

	tenantID := middleware.TenantID(c)
	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}
	priority := req.Priority
	if priority == 0 {
		priority = 1
	}

	rule := &models.BusinessRule{
		ID:          uuid.New(),
		Name:        req.Name,
		Description: req.Description,
		TenantID:    tenantID,
		Trigger:     req.Trigger,
		Conditions:  req.Conditions,
		Actions:     req.Actions,
		Priority:    priority,
		IsActive:    isActive,
	}

	if err := h.rules.Create(c.Request.Context(), rule); err != nil {
		log.Error().Err(err).Msg("Failed to create rule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.ruleCache.InvalidateRules(c.Request.Context(), tenantID)
	c.JSON(http.StatusCreated, rule)
}

// HandleListRules lists the tenant's rules
func (h *AutomationHandler) HandleListRules(c *gin.Context) {
	rules, err := h.rules.ListByTenant(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list rules")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (h *AutomationHandler) loadTenantRule(c *gin.Context) (*models.BusinessRule, bool) {
	ruleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rule id must be a valid UUID"})
		return nil, false
	}

	rule, err := h.rules.GetByID(c.Request.Context(), ruleID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		} else {
			log.Error().Err(err).Msg("Failed to load rule")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	if rule.TenantID != middleware.TenantID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return nil, false
	}
	return rule, true
}

// HandleGetRule returns one rule with its execution metadata
func (h *AutomationHandler) HandleGetRule(c *gin.Context) {
	rule, ok := h.loadTenantRule(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rule)
}

// HandleUpdateRule updates a rule
func (h *AutomationHandler) HandleUpdateRule(c *gin.Context) {
	rule, ok := h.loadTenantRule(c)
	if !ok {
		return
	}

	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if reason := validateRuleRequest(&req); reason != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": reason})
		return
	}

	rule.Name = req.Name
	rule.Description = req.Description
	rule.Trigger = req.Trigger
	rule.Conditions = req.Conditions
	rule.Actions = req.Actions
	if req.Priority != 0 {
		rule.Priority = req.Priority
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}

	if err := h.rules.Update(c.Request.Context(), rule); err != nil {
		log.Error().Err(err).Msg("Failed to update rule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.ruleCache.InvalidateRules(c.Request.Context(), rule.TenantID)
	c.JSON(http.StatusOK, rule)
}

// HandleDeleteRule deletes a rule
func (h *AutomationHandler) HandleDeleteRule(c *gin.Context) {
	ruleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rule id must be a valid UUID"})
		return
	}

	tenantID := middleware.TenantID(c)
	if err := h.rules.Delete(c.Request.Context(), tenantID, ruleID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		log.Error().Err(err).Msg("Failed to delete rule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.ruleCache.InvalidateRules(c.Request.Context(), tenantID)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// TestRuleRequest represents a rule simulation request
type TestRuleRequest struct {
	EventType string                 `json:"event_type"`
	TestData  map[string]interface{} `json:"test_data" binding:"required"`
}

// HandleTestRule dry-runs a rule against caller-supplied data
func (h *AutomationHandler) HandleTestRule(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-test-rule")
	defer h.tracer.EndTransaction(txn)

	ruleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rule id must be a valid UUID"})
		return
	}

	var req TestRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.simulator.TestRule(c.Request.Context(), middleware.TenantID(c), ruleID, req.EventType, req.TestData)
	if err != nil {
		h.tracer.RecordError(txn, err)
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, engine.ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
			return
		}
		log.Error().Err(err).Msg("Rule simulation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// RegisterRoutes registers the handler's routes
func (h *AutomationHandler) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/automation", middleware.RequireTenant())
	group.POST("/events", h.HandleEmitEvent)
	group.GET("/events", h.HandleListEvents)
	group.GET("/events/search", h.HandleSearchEvents)
	group.GET("/event-definitions", h.HandleListEventDefinitions)
	group.POST("/rules", h.HandleCreateRule)
	group.GET("/rules", h.HandleListRules)
	group.GET("/rules/:id", h.HandleGetRule)
	group.PUT("/rules/:id", h.HandleUpdateRule)
	group.DELETE("/rules/:id", h.HandleDeleteRule)
	group.POST("/rules/:id/test", h.HandleTestRule)
}
