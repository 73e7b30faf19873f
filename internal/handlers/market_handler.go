package handlers

import (
	"strconv"
	"strings"

	"defi-aggregator/stable-router/internal/marketdata"
	"defi-aggregator/stable-router/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	maxOverlaySymbols = 20
	defaultKlineLimit = 100
	maxKlineLimit     = 1000
)

// MarketHandler 稳定币市场数据处理器
type MarketHandler struct {
	market *marketdata.Service
	logger *logrus.Logger
}

// NewMarketHandler 创建市场数据处理器
func NewMarketHandler(market *marketdata.Service, logger *logrus.Logger) *MarketHandler {
	return &MarketHandler{market: market, logger: logger}
}

// Overlay 返回各稳定币的波动率、交易量、稳定性评分与风险评级
// 单个数据源失败时对应字段为 "--"
// GET /api/v1/market?symbols=USDC,USDT
func (h *MarketHandler) Overlay(c *gin.Context) {
	var symbols []string
	for _, s := range strings.Split(c.Query("symbols"), ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 || len(symbols) > maxOverlaySymbols {
		respondInvalid(c, h.logger, "symbols参数必须包含1-20个代币符号", nil)
		return
	}

	rows, err := h.market.Overlay(c.Request.Context(), symbols)
	if err != nil {
		handleRouterError(c, h.logger, &types.RouterError{
			Code:    types.ErrCodeMarketDataUnavailable,
			Message: "市场数据不可用",
			Details: map[string]interface{}{"error": err.Error()},
		})
		return
	}
	respondOK(c, rows, nil)
}

// Chart 返回Binance K线与24小时行情
// GET /api/v1/market/:symbol/chart?interval=1h&limit=100
func (h *MarketHandler) Chart(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultKlineLimit)))
	if err != nil || limit <= 0 || limit > maxKlineLimit {
		respondInvalid(c, h.logger, "limit必须在1-1000之间", err)
		return
	}

	chart, err := h.market.PriceChart(c.Request.Context(), symbol, c.DefaultQuery("interval", "1h"), limit)
	if err != nil {
		handleRouterError(c, h.logger, &types.RouterError{
			Code:    types.ErrCodeMarketDataUnavailable,
			Message: "行情数据不可用: " + symbol,
			Details: map[string]interface{}{"error": err.Error()},
		})
		return
	}
	respondOK(c, chart, nil)
}
