package handlers

import (
	"net/http"
	"runtime"

	"example.com/crmstack/services/automation/internal/api/middleware"
	"example.com/crmstack/services/automation/internal/metrics"
	"example.com/crmstack/services/automation/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MetricsHandler handles metrics-related HTTP requests
type MetricsHandler struct {
	metrics *metrics.Metrics
	tracer  tracing.Tracer
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(metrics *metrics.Metrics, tracer tracing.Tracer) *MetricsHandler {
	return &MetricsHandler{
		metrics: metrics,
		tracer:  tracer,
	}
}

// HandleGetMetrics returns all metrics
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	txn := h.tracer.StartTransaction("get-metrics")
	defer h.tracer.EndTransaction(txn)

	// Add some real-time system metrics
	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))

	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// HandleGetRuleStats returns per-rule execution statistics
func (h *MetricsHandler) HandleGetRuleStats(c *gin.Context) {
	if raw := c.Query("rule_id"); raw != "" {
		if _, err := uuid.Parse(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "rule_id must be a valid UUID"})
			return
		}
		stats := h.metrics.GetRuleStats()
		if s, ok := stats[raw]; ok {
			c.JSON(http.StatusOK, s)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "no executions recorded for rule"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rules":  h.metrics.GetRuleStats(),
		"global": h.metrics.GetGlobalStats(),
	})
}

// HandleGetHealthCheck returns a simplified health status
func (h *MetricsHandler) HandleGetHealthCheck(c *gin.Context) {
	healthChecks := h.metrics.GetHealthChecks()

	// Calculate overall health
	healthy := true
	for _, status := range healthChecks {
		if !status {
			healthy = false
			break
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":  healthy,
		"details": healthChecks,
	})
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/health", h.HandleGetHealthCheck)
	router.GET("/automation/stats", middleware.RequireTenant(), h.HandleGetRuleStats)
}
