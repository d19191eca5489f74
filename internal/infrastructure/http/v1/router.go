// Package v1 provides HTTP API version 1.
package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"consecutive/internal/domain/sequence"
	"consecutive/internal/infrastructure/http/v1/handlers"
	"consecutive/internal/infrastructure/http/v1/middleware"
	"consecutive/internal/infrastructure/metrics"
	"consecutive/pkg/logger"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Service is the allocation engine
	Service *sequence.Service

	// Logger for request logging
	Logger *logger.Logger

	// JWTValidator for token validation
	JWTValidator middleware.JWTValidator

	// ReadinessChecks are run by /health/ready, keyed by dependency name
	ReadinessChecks map[string]handlers.ReadinessCheck

	// HTTPMetrics records request metrics when set
	HTTPMetrics *metrics.HTTP

	// MetricsHandler serves /metrics when set
	MetricsHandler http.Handler

	// Debug enables gin debug mode
	Debug bool
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	if cfg.HTTPMetrics != nil {
		router.Use(cfg.HTTPMetrics.Middleware())
	}
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	healthHandler := handlers.NewHealthHandler(cfg.ReadinessChecks)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
	}
	if cfg.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	base := handlers.NewBaseHandler()
	seq := handlers.NewSequenceHandler(base, cfg.Service)
	ledger := handlers.NewLedgerHandler(base, cfg.Service)
	registry := handlers.NewRegistryHandler(base, cfg.Service)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth(cfg.JWTValidator))
	{
		RegisterSequenceRoutes(v1.Group("/sequences"), seq, ledger, registry)
		RegisterLedgerRoutes(v1, ledger)
		RegisterEntityRoutes(v1.Group("/entities"), registry)
	}

	return router
}
