// internal/handler/health_handler.go
package handler

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sensor-reader/internal/config"
	"sensor-reader/internal/connection"
	"sensor-reader/internal/pipeline"
	"sensor-reader/internal/utils"
)

// freshnessWindow is the span /health/db counts mirrored samples over
const freshnessWindow = time.Hour

// PipelineStatus exposes the running pipeline to the status API
type PipelineStatus interface {
	Snapshot() pipeline.Snapshot
	Ready() bool
}

// DatabaseChecker is implemented by the optional sample mirror database
type DatabaseChecker interface {
	HealthCheck() error
	GetStats() sql.DBStats
}

// HealthHandler handles health check requests
type HealthHandler struct {
	pipeline  PipelineStatus
	db        DatabaseChecker
	mirror    SampleQuerier
	config    *config.Config
	logger    *utils.ServiceLogger
	startedAt time.Time
}

// NewHealthHandler creates a new health handler. db and mirror are nil when
// the mirror is disabled.
func NewHealthHandler(p PipelineStatus, db DatabaseChecker, mirror SampleQuerier, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		pipeline:  p,
		db:        db,
		mirror:    mirror,
		config:    config,
		logger:    utils.NewServiceLogger(logger, "health-handler"),
		startedAt: time.Now(),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
	router.GET("/health/db", h.DatabaseHealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck reports pipeline and database health. A pipeline that has
// stopped or whose connection failed is unhealthy; reconnecting is degraded.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).Truncate(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	snap := h.pipeline.Snapshot()
	pipelineCheck := CheckResult{
		Status:  "healthy",
		Message: string(snap.Connection.State),
		Data: map[string]interface{}{
			"session_id":           snap.SessionID,
			"sessions":             snap.Sessions,
			"consecutive_failures": snap.Failures,
		},
	}
	switch {
	case !snap.Running:
		pipelineCheck.Status = "unhealthy"
		pipelineCheck.Message = "pipeline not running"
	case snap.Connection.State == connection.StateFailed:
		pipelineCheck.Status = "unhealthy"
		pipelineCheck.Message = snap.Connection.LastError
	case snap.Connection.State != connection.StateStreaming:
		pipelineCheck.Status = "degraded"
	}
	health.Checks["pipeline"] = pipelineCheck
	health.Status = pipelineCheck.Status

	if h.db != nil {
		if err := h.db.HealthCheck(); err != nil {
			health.Checks["database"] = CheckResult{
				Status:  "unhealthy",
				Message: err.Error(),
			}
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		} else {
			stats := h.db.GetStats()
			health.Checks["database"] = CheckResult{
				Status:  "healthy",
				Message: "Database connection OK",
				Data: map[string]interface{}{
					"open_connections": stats.OpenConnections,
					"in_use":           stats.InUse,
					"idle":             stats.Idle,
				},
			}
		}
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// DatabaseHealthCheck checks mirror database connectivity
func (h *HealthHandler) DatabaseHealthCheck(c *gin.Context) {
	if h.db == nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Database mirror disabled", nil)
		return
	}

	startTime := time.Now()
	if err := h.db.HealthCheck(); err != nil {
		utils.LogError(h.logger.Logger, "Database health check failed", err,
			zap.String("request_id", utils.GetRequestID(c)))
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Database unhealthy", err)
		return
	}

	stats := h.db.GetStats()
	response := gin.H{
		"status":           "healthy",
		"response_time_ms": time.Since(startTime).Milliseconds(),
		"stats": gin.H{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"wait_count":       stats.WaitCount,
			"wait_duration":    stats.WaitDuration,
		},
	}

	if h.mirror != nil {
		n, err := h.mirror.CountSince(c.Request.Context(), time.Now().Add(-freshnessWindow))
		if err != nil {
			h.logger.Warn("Failed to count mirrored samples", zap.Error(err))
		} else {
			response["samples_last_hour"] = n
		}
	}

	utils.SuccessResponse(c, http.StatusOK, "Database is healthy", response)
}

// ReadinessCheck succeeds only while samples are streaming
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if !h.pipeline.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "sensor not streaming",
			"state":  h.pipeline.Snapshot().Connection.State,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck succeeds whenever the process can respond
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
