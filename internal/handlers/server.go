package handlers

import (
	"net/http"
	"time"

	"defi-aggregator/stable-router/internal/middleware"
	"defi-aggregator/stable-router/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// slowRequestThreshold 慢请求告警阈值
const slowRequestThreshold = 5 * time.Second

// Handlers HTTP处理器集合
type Handlers struct {
	Router  *RouterHandler
	Session *SessionHandler
	Market  *MarketHandler
}

// SetupRouter 设置HTTP路由器
func SetupRouter(cfg *types.Config, h Handlers, limiter *middleware.RateLimiter, logger *logrus.Logger) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger, slowRequestThreshold))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Security())

	// CORS由API Gateway统一处理

	healthPath := cfg.Monitoring.HealthCheckPath
	if healthPath == "" {
		healthPath = "/health"
	}
	router.GET(healthPath, h.Router.HealthCheck)

	if cfg.Monitoring.MetricsEnabled {
		metricsPath := cfg.Monitoring.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		router.GET(metricsPath, gin.WrapH(promhttp.Handler()))
	}

	v1 := router.Group("/api/v1")
	if limiter != nil {
		v1.Use(limiter.RateLimit())
	}
	{
		// 一次性路由排序
		v1.POST("/routes", h.Router.GetRoutes)
		v1.GET("/fiat", h.Router.ListFiat)

		// 报价会话
		sessions := v1.Group("/sessions")
		sessions.POST("", h.Session.Create)
		sessions.GET("/:id", h.Session.Get)
		sessions.DELETE("/:id", h.Session.Close)
		sessions.PUT("/:id/params", h.Session.UpdateParams)
		sessions.POST("/:id/refresh", h.Session.Refresh)
		sessions.POST("/:id/select", h.Session.Select)
		sessions.DELETE("/:id/select", h.Session.Deselect)
		sessions.PUT("/:id/override", h.Session.SetOverride)
		sessions.POST("/:id/execute", h.Session.Execute)
		sessions.GET("/:id/stream", h.Session.Stream)

		// 市场数据
		if h.Market != nil {
			v1.GET("/market", h.Market.Overlay)
			v1.GET("/market/:symbol/chart", h.Market.Chart)
		}

		// 监控接口
		v1.GET("/metrics", h.Router.GetMetrics)
		v1.GET("/providers/status", h.Router.GetProviderStatus)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, types.APIResponse{
			Success: false,
			Error: &types.APIError{
				Code:    "NOT_FOUND",
				Message: "请求的资源不存在",
			},
			Timestamp: time.Now().Unix(),
			RequestID: middleware.GetRequestID(c),
		})
	})

	return router
}
