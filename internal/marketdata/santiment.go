package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// santimentSlugs 稳定币符号 -> Santiment 项目 slug
var santimentSlugs = map[string]string{
	"USDC": "usd-coin",
	"USDT": "tether",
	"DAI":  "multi-collateral-dai",
	"USDS": "usds",
	"USDE": "ethena-usde",
	"FRAX": "frax",
	"TUSD": "trueusd",
	"BUSD": "binance-usd",
}

// 部分链上的同名代币对应不同项目
var santimentChainSlugs = map[uint]map[string]string{
	8453: {"USDS": "sky-dollar-usds"},
}

// SantimentSlug 查询币种在指定链上的 slug，chainID 为0时只按符号
func SantimentSlug(symbol string, chainID uint) (string, bool) {
	upper := strings.ToUpper(symbol)
	if bySymbol, ok := santimentChainSlugs[chainID]; ok {
		if slug, ok := bySymbol[upper]; ok {
			return slug, true
		}
	}
	slug, ok := santimentSlugs[upper]
	return slug, ok
}

// VolatilityScore Santiment 稳定性评分，波动越低分数越高
type VolatilityScore struct {
	Symbol     string          `json:"symbol"`
	Slug       string          `json:"slug"`
	Volatility decimal.Decimal `json:"volatility"`
	Score      int             `json:"score"`
	Rank       int             `json:"rank"`
}

type santimentResponse struct {
	Data struct {
		GetMetric struct {
			TimeseriesDataJSON []struct {
				Datetime string          `json:"datetime"`
				Value    decimal.Decimal `json:"value"`
			} `json:"timeseriesDataJson"`
		} `json:"getMetric"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// VolatilityScores 计算一组币种的稳定性评分，键为大写符号
// 没有 slug 或取数失败的币种不出现在结果中
func (s *Service) VolatilityScores(ctx context.Context, symbols []string) (map[string]VolatilityScore, error) {
	bySlug := make(map[string]decimal.Decimal)
	symbolsBySlug := make(map[string][]string)
	var lastErr error

	for _, sym := range symbols {
		slug, ok := SantimentSlug(sym, 0)
		if !ok {
			continue
		}
		symbolsBySlug[slug] = append(symbolsBySlug[slug], strings.ToUpper(sym))
		if _, done := bySlug[slug]; done {
			continue
		}
		v, err := s.SlugVolatility(ctx, slug)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			s.fail(SourceSantiment, err)
			continue
		}
		bySlug[slug] = v
	}

	if len(bySlug) == 0 && lastErr != nil {
		return nil, lastErr
	}

	scores := make(map[string]VolatilityScore)
	for _, sc := range ScoreVolatility(bySlug) {
		for _, sym := range symbolsBySlug[sc.Slug] {
			sc.Symbol = sym
			scores[sym] = sc
		}
	}
	return scores, nil
}

// SlugVolatility 最近30天的 price_volatility_1d，取时间序列最后一个值
func (s *Service) SlugVolatility(ctx context.Context, slug string) (decimal.Decimal, error) {
	return remember(ctx, s, cacheKey(SourceSantiment, slug), func(ctx context.Context) (decimal.Decimal, error) {
		if err := s.santimentLimiter.Wait(ctx); err != nil {
			return decimal.Zero, err
		}

		query := fmt.Sprintf(`{ getMetric(metric: "price_volatility_1d") { timeseriesDataJson(slug: %q from: "utc_now-30d" to: "utc_now" interval: "30d") } }`, slug)
		body, _ := json.Marshal(map[string]string{"query": query})
		headers := map[string]string{}
		if s.cfg.SantimentAPIKey != "" {
			headers["Authorization"] = "Apikey " + s.cfg.SantimentAPIKey
		}

		var resp santimentResponse
		if err := s.doJSON(ctx, http.MethodPost, s.cfg.SantimentURL, body, headers, &resp); err != nil {
			return decimal.Zero, fmt.Errorf("Santiment请求失败(%s): %w", slug, err)
		}
		if len(resp.Errors) > 0 {
			return decimal.Zero, fmt.Errorf("Santiment返回错误(%s): %s", slug, resp.Errors[0].Message)
		}
		series := resp.Data.GetMetric.TimeseriesDataJSON
		if len(series) == 0 {
			return decimal.Zero, fmt.Errorf("Santiment无数据(%s): %w", slug, errNotFound)
		}
		return series[len(series)-1].Value, nil
	})
}

// ScoreVolatility 波动率升序排名，score = round((1 - (v-min)/(max-min)) * 100)
// 所有值相同时全部为100分
func ScoreVolatility(bySlug map[string]decimal.Decimal) []VolatilityScore {
	if len(bySlug) == 0 {
		return nil
	}
	out := make([]VolatilityScore, 0, len(bySlug))
	for slug, v := range bySlug {
		out = append(out, VolatilityScore{Slug: slug, Volatility: v})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Volatility.Equal(out[j].Volatility) {
			return out[i].Slug < out[j].Slug
		}
		return out[i].Volatility.LessThan(out[j].Volatility)
	})

	lo := out[0].Volatility
	spread := out[len(out)-1].Volatility.Sub(lo)
	hundred := decimal.NewFromInt(100)
	for i := range out {
		normalized := decimal.Zero
		if spread.IsPositive() {
			normalized = out[i].Volatility.Sub(lo).Div(spread)
		}
		score := decimal.NewFromInt(1).Sub(normalized).Mul(hundred).Round(0).IntPart()
		out[i].Score = int(math.Max(0, math.Min(100, float64(score))))
		out[i].Rank = i + 1
	}
	return out
}

// IsNotFound 上游没有该币种的数据
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}
