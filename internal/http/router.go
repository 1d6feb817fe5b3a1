package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/feed-data-realtime/internal/config"
	"github.com/feed-data-realtime/internal/http/middleware"
	"github.com/feed-data-realtime/internal/metrics"
)

type RouterDeps struct {
	Handler  *Handler
	Config   config.Config
	Metrics  *metrics.HTTP
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// NewRouter wires Gin middleware and the instrument query routes.
func NewRouter(deps RouterDeps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware())
	}
	r.Use(middleware.AccessLog(logger.Named("http")))
	if deps.Config.MaintenanceFlag != "" {
		r.Use(middleware.Maintenance(deps.Config.MaintenanceFlag))
	}

	r.GET("/health", deps.Handler.Health)
	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(deps.Registry)))
	}

	api := r.Group("/api")
	registerInstrumentRoutes(api, deps)

	return r
}

func registerInstrumentRoutes(r *gin.RouterGroup, deps RouterDeps) {
	r.GET("/instruments", deps.Handler.ListInstruments)
	r.GET("/instruments/search", deps.Handler.SearchInstruments)
	r.GET("/instruments/top-gainers", deps.Handler.TopGainers)
	r.GET("/instruments/top-losers", deps.Handler.TopLosers)

	r.GET("/instrument/:id", deps.Handler.GetInstrument)
	r.GET("/instrument/:id/chart", deps.Handler.GetChart)
	r.PUT("/instrument", deps.Handler.UpdatePrice)
}
