// Package handlers 稳定币路由HTTP处理器
// 提供一次性路由排序、报价会话、执行、市场数据与系统监控接口
// 实现标准的HTTP错误处理和响应格式
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"defi-aggregator/stable-router/internal/chain"
	"defi-aggregator/stable-router/internal/middleware"
	"defi-aggregator/stable-router/internal/services"
	"defi-aggregator/stable-router/internal/types"
	"defi-aggregator/stable-router/pkg/cache"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Version 服务版本
const Version = "1.0.0"

// maxSlippage 滑点上限（百分比）
var maxSlippage = decimal.NewFromInt(50)

// RouterHandler 路由排序与监控处理器
type RouterHandler struct {
	routerService *services.RouterService
	sessions      *services.SessionManager
	cache         cache.CacheManager
	logger        *logrus.Logger
	startTime     time.Time
}

// NewRouterHandler 创建路由处理器实例
func NewRouterHandler(routerService *services.RouterService, sessions *services.SessionManager,
	cacheManager cache.CacheManager, logger *logrus.Logger) *RouterHandler {
	return &RouterHandler{
		routerService: routerService,
		sessions:      sessions,
		cache:         cacheManager,
		logger:        logger,
		startTime:     time.Now(),
	}
}

// RoutesResponse 一次性路由排序结果
type RoutesResponse struct {
	Ranked         *types.RankedRouteList `json:"ranked"`
	Rows           []services.RouteRow    `json:"rows"`
	Best           *types.RankedRoute     `json:"best,omitempty"`
	IsFiat         bool                   `json:"is_fiat"`
	Targets        []string               `json:"targets"`
	Failed         []types.AdapterRoute   `json:"failed"`
	HiddenAdapters []string               `json:"hidden_adapters"`
	Simulated      bool                   `json:"simulated"`
	LastFetched    time.Time              `json:"last_fetched"`
}

// ========================================
// 核心API接口
// ========================================

// GetRoutes 扇出并返回排序后的路由
// POST /api/v1/routes
func (h *RouterHandler) GetRoutes(c *gin.Context) {
	requestID := middleware.GetRequestID(c)
	startTime := time.Now()

	var req types.RoutesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, h.logger, "请求参数无效", err)
		return
	}
	if err := validateRequest(&req); err != nil {
		handleRouterError(c, h.logger, err)
		return
	}
	req.RequestID = requestID

	h.logger.Infof("[%s] 📥 路由请求: chain=%s %s -> %s", requestID, req.Chain, req.From, req.To)

	result, eval, err := h.routerService.GetRankedRoutes(c.Request.Context(), &req)
	if err != nil {
		handleRouterError(c, h.logger, err)
		return
	}

	rows, _ := services.BuildRows(eval.Ranked, result.IsFiat, types.SelectionState{})
	resp := RoutesResponse{
		Ranked:         eval.Ranked,
		Rows:           rows,
		IsFiat:         result.IsFiat,
		Targets:        result.Targets,
		Failed:         result.Failed,
		HiddenAdapters: eval.HiddenAdapters,
		Simulated:      eval.Simulated,
		LastFetched:    result.LastFetched,
	}
	if eval.Ranked.Len() > 0 {
		resp.Best = &eval.Ranked.Routes[0]
	}

	respondOK(c, resp, map[string]interface{}{
		"processing_time": time.Since(startTime).Milliseconds(),
		"routes":          eval.Ranked.Len(),
		"failed":          len(result.Failed),
	})

	h.logger.Infof("[%s] ✅ 路由请求完成: %d 条路由, 耗时 %v", requestID, eval.Ranked.Len(), time.Since(startTime))
}

// ListFiat 返回某条链上各法币对应的稳定币
// GET /api/v1/fiat?chain=ethereum
func (h *RouterHandler) ListFiat(c *gin.Context) {
	info, ok := chain.ByName(c.DefaultQuery("chain", "ethereum"))
	if !ok {
		handleRouterError(c, h.logger, types.NewRouterError(types.ErrCodeUnsupportedChain, "不支持的链: "+c.Query("chain")))
		return
	}

	fiat := h.routerService.Fiat()
	out := make(map[string][]string)
	for _, code := range fiat.Codes() {
		if addrs := fiat.ResolveFiatTarget(code, info.ID); len(addrs) > 0 {
			out[code] = addrs
		}
	}
	respondOK(c, out, map[string]interface{}{"chain": info.Name, "chain_id": info.ID})
}

// ========================================
// 监控和管理接口
// ========================================

// GetMetrics 获取服务指标
// GET /api/v1/metrics
func (h *RouterHandler) GetMetrics(c *gin.Context) {
	respondOK(c, map[string]interface{}{
		"router":    h.routerService.GetMetrics(),
		"cache":     h.cache.Stats(),
		"sessions":  h.sessions.Count(),
		"timestamp": time.Now().Unix(),
	}, nil)
}

// HealthCheck 健康检查
// GET /health
// 缓存不可用时返回 503
func (h *RouterHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	stats := h.cache.Stats()
	resp := &types.HealthCheckResponse{
		Status:    types.StatusHealthy,
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(h.startTime).Truncate(time.Second).String(),
		Cache: types.CacheHealth{
			Status:  types.StatusHealthy,
			Backend: h.cache.Backend(),
			Hits:    stats.Hits,
			Misses:  stats.Misses,
		},
		Sessions: h.sessions.Count(),
	}

	status := http.StatusOK
	if err := h.cache.Ping(ctx); err != nil {
		h.logger.Warnf("[%s] ⚠️ 缓存不可用: %v", middleware.GetRequestID(c), err)
		resp.Status = types.StatusUnhealthy
		resp.Cache.Status = types.StatusUnhealthy
		status = http.StatusServiceUnavailable
	} else if len(h.routerService.Adapters()) == 0 {
		resp.Status = types.StatusDegraded
	}
	c.JSON(status, resp)
}

// GetProviderStatus 获取聚合器状态
// GET /api/v1/providers/status
func (h *RouterHandler) GetProviderStatus(c *gin.Context) {
	status := h.routerService.ProvidersStatus(c.Request.Context())
	healthy := 0
	for _, s := range status {
		if s.Status == types.StatusHealthy {
			healthy++
		}
	}
	respondOK(c, status, map[string]interface{}{"total": len(status), "healthy": healthy})
}

// ========================================
// 辅助方法
// ========================================

// validateRequest 校验链与数量，法币代码与代币地址都可作为目标
func validateRequest(req *types.RoutesRequest) error {
	req.Chain = strings.ToLower(strings.TrimSpace(req.Chain))
	if _, ok := chain.ByName(req.Chain); !ok {
		return types.NewRouterError(types.ErrCodeUnsupportedChain, "不支持的链: "+req.Chain)
	}
	if err := services.ValidateRoutesRequest(req); err != nil {
		return types.NewRouterError(types.ErrCodeInvalidRequest, err.Error())
	}
	if req.Extra.Slippage.IsNegative() || req.Extra.Slippage.GreaterThan(maxSlippage) {
		return types.NewRouterError(types.ErrCodeInvalidRequest, "滑点必须在0-50%之间")
	}
	return nil
}
