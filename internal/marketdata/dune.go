package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"defi-aggregator/stable-router/internal/types"

	"github.com/shopspring/decimal"
)

// Dune 查询ID
const (
	DuneVolatilityQuery = 5509168
	DuneVolumeQuery     = 5512114
)

// DuneVolatility 30日内相对锚定价的最大绝对偏离（百分比）
type DuneVolatility struct {
	Symbol             string          `json:"symbol"`
	MaxAbsDeviationPct decimal.Decimal `json:"max_abs_deviation_pct_last30d"`
}

// DuneVolume 链上与 Binance 交易量（USD）
type DuneVolume struct {
	Symbol           string          `json:"symbol"`
	OnchainVolumeUSD decimal.Decimal `json:"onchain_volume_usd"`
	BinanceVolumeUSD decimal.Decimal `json:"binance_volume_usd"`
	TotalVolumeUSD   decimal.Decimal `json:"total_volume_usd"`
}

type duneResults[T any] struct {
	Result struct {
		Rows []T `json:"rows"`
	} `json:"result"`
	Error string `json:"error"`
}

// Volatility 各币种30日偏离，键为大写符号
func (s *Service) Volatility(ctx context.Context) (map[string]DuneVolatility, error) {
	rows, err := remember(ctx, s, cacheKey(SourceDune, "volatility"), func(ctx context.Context) ([]DuneVolatility, error) {
		return fetchDune[DuneVolatility](ctx, s, DuneVolatilityQuery)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]DuneVolatility, len(rows))
	for _, r := range rows {
		out[strings.ToUpper(r.Symbol)] = r
	}
	return out, nil
}

// Volume 各币种交易量，键为大写符号
func (s *Service) Volume(ctx context.Context) (map[string]DuneVolume, error) {
	rows, err := remember(ctx, s, cacheKey(SourceDune, "volume"), func(ctx context.Context) ([]DuneVolume, error) {
		return fetchDune[DuneVolume](ctx, s, DuneVolumeQuery)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]DuneVolume, len(rows))
	for _, r := range rows {
		out[strings.ToUpper(r.Symbol)] = r
	}
	return out, nil
}

// fetchDune 读取查询的最近一次执行结果
func fetchDune[T any](ctx context.Context, s *Service, queryID int) ([]T, error) {
	if s.cfg.DuneAPIKey == "" {
		return nil, types.NewRouterError(types.ErrCodeMarketDataUnavailable, "DUNE_API_KEY 未配置")
	}
	url := fmt.Sprintf("%s/query/%d/results", strings.TrimRight(s.cfg.DuneBaseURL, "/"), queryID)

	var resp duneResults[T]
	if err := s.doJSON(ctx, http.MethodGet, url, nil, map[string]string{"X-Dune-API-Key": s.cfg.DuneAPIKey}, &resp); err != nil {
		return nil, fmt.Errorf("Dune查询 %d 失败: %w", queryID, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("Dune查询 %d 返回错误: %s", queryID, resp.Error)
	}
	s.logger.Debugf("[%s] 查询 %d 返回 %d 行", SourceDune, queryID, len(resp.Result.Rows))
	return resp.Result.Rows, nil
}

// FormatPercent 百分比保留两位小数
func FormatPercent(v decimal.Decimal) string {
	return v.StringFixed(2) + "%"
}

var (
	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
	billion  = decimal.NewFromInt(1_000_000_000)
)

// FormatVolume 交易量缩写为 $1.2B / $350M / $12K，零值视为缺失
func FormatVolume(v decimal.Decimal) string {
	switch {
	case !v.IsPositive():
		return Placeholder
	case v.GreaterThanOrEqual(billion):
		return "$" + v.Div(billion).StringFixed(1) + "B"
	case v.GreaterThanOrEqual(million):
		return "$" + v.Div(million).StringFixed(0) + "M"
	case v.GreaterThanOrEqual(thousand):
		return "$" + v.Div(thousand).StringFixed(0) + "K"
	default:
		return "$" + v.StringFixed(0)
	}
}
