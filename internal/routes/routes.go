// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sensor-reader/internal/calibration"
	"sensor-reader/internal/config"
	"sensor-reader/internal/handler"
	"sensor-reader/internal/metrics"
	"sensor-reader/internal/middleware"
	"sensor-reader/internal/utils"
)

// Dependencies are the components the status API reads from. DB and Mirror
// are nil when the database mirror is disabled.
type Dependencies struct {
	Pipeline handler.PipelineStatus
	Moisture *calibration.Moisture
	Metrics  *metrics.Pipeline
	Feed     *handler.LiveFeedHandler
	DB       handler.DatabaseChecker
	Mirror   handler.SampleQuerier
}

// Router holds all dependencies for routing
type Router struct {
	config *config.Config
	logger *zap.Logger
	deps   Dependencies
}

// NewRouter creates a new router instance
func NewRouter(config *config.Config, logger *zap.Logger, deps Dependencies) *Router {
	return &Router{
		config: config,
		logger: logger,
		deps:   deps,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else if r.config.IsDebugEnabled() {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RecoveryMiddleware(r.logger))

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Debug("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.deps.Pipeline, r.deps.DB, r.deps.Mirror, r.config, r.logger)
	statusHandler := handler.NewStatusHandler(r.deps.Pipeline, r.deps.Moisture, r.config.Output.Path, r.deps.Mirror, r.logger)

	healthHandler.RegisterRoutes(router.Group(""))
	statusHandler.RegisterRoutes(router.Group("/api/v1"))

	if r.deps.Feed != nil {
		r.deps.Feed.RegisterRoutes(router.Group("/ws"))
	}

	if reg := r.deps.Metrics.Registry(); reg != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}

	r.logger.Info("All routes configured successfully")
}
