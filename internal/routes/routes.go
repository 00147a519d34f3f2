package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dlmmrotation/internal/handlers"
	"dlmmrotation/internal/middleware"
)

// Config holds the router level settings
type Config struct {
	AllowedOrigins []string
	RateLimit      middleware.RateLimiterConfig
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// SetupRouter initializes and returns the Gin router with all routes configured
func SetupRouter(h *handlers.Handler, cfg Config) *gin.Engine {
	r := gin.Default()
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.GET("/health", h.HealthStatus)
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	if cfg.RateLimit.RequestsPerSecond > 0 {
		api.Use(middleware.RateLimiterMiddleware(cfg.RateLimit))
	}

	SetupPoolRoutes(api, h)
	SetupMonitoringRoutes(api, h)
	SetupLiquidityRoutes(api, h)

	return r
}

// SetupPoolRoutes sets up pool listing, cache and analysis routes
func SetupPoolRoutes(api *gin.RouterGroup, h *handlers.Handler) {
	pools := api.Group("/pools")
	{
		pools.GET("", h.ListPools)
		pools.GET("/stats", h.PoolStats)
		pools.POST("/cache/invalidate", h.InvalidateCache)
	}
	api.GET("/wallet/positions", h.WalletPositions)
	api.POST("/opportunities/analyze", h.AnalyzeOpportunities)
}

// SetupMonitoringRoutes sets up monitor control and Telegram linking routes
func SetupMonitoringRoutes(api *gin.RouterGroup, h *handlers.Handler) {
	monitoring := api.Group("/monitoring")
	{
		monitoring.POST("/start", h.StartMonitoring)
		monitoring.POST("/stop", h.StopMonitoring)
		monitoring.GET("/status", h.MonitoringStatus)
		monitoring.PUT("/degen", h.UpdateDegen)
	}

	telegram := api.Group("/telegram")
	{
		telegram.POST("/auth-code", h.CreateAuthCode)
		telegram.DELETE("/disconnect", h.DisconnectTelegram)
	}
}

// SetupLiquidityRoutes sets up position, automation, queue and favorite routes
func SetupLiquidityRoutes(api *gin.RouterGroup, h *handlers.Handler) {
	liquidity := api.Group("/liquidity")
	{
		liquidity.GET("/positions", h.ListPositions)
		liquidity.POST("/positions", h.CreatePosition)
		liquidity.GET("/positions/:address", h.GetPosition)
		liquidity.PUT("/positions/:address/automation", h.UpdateAutomation)
		liquidity.GET("/automation/config", h.GetAutomationConfig)
		liquidity.PUT("/automation/config", h.UpdateAutomationConfig)
		liquidity.GET("/transactions", h.ListTransactions)
		liquidity.GET("/queue", h.ListQueue)
		liquidity.GET("/favorites", h.ListFavorites)
		liquidity.POST("/favorites", h.AddFavorite)
		liquidity.DELETE("/favorites/:id", h.RemoveFavorite)
	}
}
