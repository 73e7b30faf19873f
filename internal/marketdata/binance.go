package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"defi-aggregator/stable-router/internal/types"

	"github.com/shopspring/decimal"
)

// binanceQuoteAssets Binance 上的美元稳定币计价资产，按常见交易量排序
var binanceQuoteAssets = []string{"USDT", "USDC", "BUSD", "FDUSD"}

// binanceFallbackSymbols exchangeInfo 不可用时的常见基础资产
var binanceFallbackSymbols = []string{
	"ETH", "BTC", "BNB", "ADA", "SOL", "MATIC", "DOT", "AVAX", "LINK",
	"UNI", "LTC", "BCH", "XRP", "ETC", "FIL", "ATOM", "VET", "ICP",
	"THETA", "TRX", "EOS", "AAVE", "MKR", "COMP", "SUSHI", "CRV",
	"YFI", "SNX", "BAL", "LDO", "ENS", "OP", "ARB", "APE", "SHIB",
	"DOGE", "USDC", "USDT", "BUSD", "DAI", "FRAX", "TUSD", "PAXG",
}

// binanceAliases 链上符号 -> Binance 基础资产
var binanceAliases = map[string]string{
	"WETH": "ETH", "WBTC": "BTC", "WMATIC": "MATIC", "WBNB": "BNB", "WAVAX": "AVAX",
	"WFTM": "FTM", "WSOL": "SOL", "STETH": "ETH", "RETH": "ETH", "CBETH": "ETH",
	"WSTETH": "ETH", "SFRXETH": "ETH", "USDC.E": "USDC", "USDT.E": "USDT",
	"WETH.E": "ETH", "BTC.B": "BTC",
}

var binanceTransforms = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`^W(ETH|BTC|MATIC|BNB|AVAX|FTM|SOL)$`), "$1"},
	{regexp.MustCompile(`^(.+)\.E$`), "$1"},
	{regexp.MustCompile(`^ST(ETH)$`), "$1"},
}

var klineIntervals = map[string]bool{"15m": true, "1h": true, "4h": true, "1d": true}

// Ticker 24小时行情
type Ticker struct {
	Symbol         string          `json:"symbol"`
	Price          decimal.Decimal `json:"price"`
	Volume24h      decimal.Decimal `json:"volume_24h"`
	PriceChange24h decimal.Decimal `json:"price_change_24h"`
}

// KlinePoint K线收盘点
type KlinePoint struct {
	Timestamp int64           `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
}

// PriceChart 价格图表数据
type PriceChart struct {
	Market string       `json:"market"`
	Ticker *Ticker      `json:"ticker"`
	Points []KlinePoint `json:"points"`
}

type binanceTicker struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	Volume             decimal.Decimal `json:"volume"`
	QuoteVolume        decimal.Decimal `json:"quoteVolume"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
}

// Symbols Binance 上处于交易状态的基础资产集合，请求失败时返回内置列表
func (s *Service) Symbols(ctx context.Context) map[string]bool {
	list, err := remember(ctx, s, cacheKey(SourceBinance, "symbols"), func(ctx context.Context) ([]string, error) {
		var info struct {
			Symbols []struct {
				Symbol     string `json:"symbol"`
				Status     string `json:"status"`
				BaseAsset  string `json:"baseAsset"`
				QuoteAsset string `json:"quoteAsset"`
			} `json:"symbols"`
		}
		if err := s.doJSON(ctx, http.MethodGet, s.binanceURL("/exchangeInfo", nil), nil, nil, &info); err != nil {
			return nil, err
		}
		seen := make(map[string]bool)
		var out []string
		for _, sym := range info.Symbols {
			if sym.Status != "TRADING" || seen[sym.BaseAsset] {
				continue
			}
			seen[sym.BaseAsset] = true
			out = append(out, sym.BaseAsset)
		}
		return out, nil
	})
	if err != nil {
		s.fail(SourceBinance, err)
		list = binanceFallbackSymbols
	}
	set := make(map[string]bool, len(list))
	for _, sym := range list {
		set[sym] = true
	}
	return set
}

// NormalizeSymbol 链上代币符号转换为 Binance 基础资产
func (s *Service) NormalizeSymbol(ctx context.Context, symbol string) (string, bool) {
	upper := strings.ToUpper(symbol)
	if alias, ok := binanceAliases[upper]; ok {
		return alias, true
	}
	symbols := s.Symbols(ctx)
	if symbols[upper] {
		return upper, true
	}
	for _, t := range binanceTransforms {
		if !t.pattern.MatchString(upper) {
			continue
		}
		transformed := t.pattern.ReplaceAllString(upper, t.replacement)
		if symbols[transformed] {
			return transformed, true
		}
	}
	return "", false
}

// BestUSDMarket 按24小时计价成交量选出流动性最好的美元市场
// 全量行情不可用时退回 <BASE>USDT
func (s *Service) BestUSDMarket(ctx context.Context, symbol string) (string, error) {
	base, ok := s.NormalizeSymbol(ctx, symbol)
	if !ok {
		return "", types.NewRouterError(types.ErrCodeMarketDataUnavailable, fmt.Sprintf("Binance 上没有 %s 的市场", symbol))
	}

	tickers, err := remember(ctx, s, cacheKey(SourceBinance, "tickers"), func(ctx context.Context) ([]binanceTicker, error) {
		var out []binanceTicker
		err := s.doJSON(ctx, http.MethodGet, s.binanceURL("/ticker/24hr", nil), nil, nil, &out)
		return out, err
	})
	if err != nil {
		s.fail(SourceBinance, err)
		return base + "USDT", nil
	}

	candidates := make(map[string]bool, len(binanceQuoteAssets))
	for _, q := range binanceQuoteAssets {
		candidates[base+q] = true
	}
	var markets []binanceTicker
	for _, t := range tickers {
		if candidates[t.Symbol] {
			markets = append(markets, t)
		}
	}
	if len(markets) == 0 {
		return "", types.NewRouterError(types.ErrCodeMarketDataUnavailable, fmt.Sprintf("Binance 上没有 %s 的美元市场", symbol))
	}
	sort.SliceStable(markets, func(i, j int) bool {
		return markets[i].QuoteVolume.GreaterThan(markets[j].QuoteVolume)
	})
	return markets[0].Symbol, nil
}

// Ticker 单个市场的24小时行情
func (s *Service) Ticker(ctx context.Context, market string) (*Ticker, error) {
	t, err := remember(ctx, s, cacheKey(SourceBinance, "ticker", market), func(ctx context.Context) (binanceTicker, error) {
		var out binanceTicker
		err := s.doJSON(ctx, http.MethodGet, s.binanceURL("/ticker/24hr", url.Values{"symbol": {market}}), nil, nil, &out)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("获取Binance行情失败(%s): %w", market, err)
	}
	return &Ticker{
		Symbol:         t.Symbol,
		Price:          t.LastPrice,
		Volume24h:      t.QuoteVolume,
		PriceChange24h: t.PriceChangePercent,
	}, nil
}

// Klines K线收盘价序列，interval 取 15m/1h/4h/1d，limit 取 1-1000
func (s *Service) Klines(ctx context.Context, market, interval string, limit int) ([]KlinePoint, error) {
	if !klineIntervals[interval] {
		return nil, types.NewRouterError(types.ErrCodeInvalidRequest, fmt.Sprintf("不支持的K线周期: %s", interval))
	}
	if limit < 1 || limit > 1000 {
		return nil, types.NewRouterError(types.ErrCodeInvalidRequest, fmt.Sprintf("limit 超出范围: %d", limit))
	}

	key := cacheKey(SourceBinance, "klines", market, interval, strconv.Itoa(limit))
	return remember(ctx, s, key, func(ctx context.Context) ([]KlinePoint, error) {
		params := url.Values{"symbol": {market}, "interval": {interval}, "limit": {strconv.Itoa(limit)}}
		var rows [][]json.RawMessage
		if err := s.doJSON(ctx, http.MethodGet, s.binanceURL("/klines", params), nil, nil, &rows); err != nil {
			return nil, fmt.Errorf("获取Binance K线失败(%s): %w", market, err)
		}
		points := make([]KlinePoint, 0, len(rows))
		for _, row := range rows {
			p, err := parseKline(row)
			if err != nil {
				return nil, err
			}
			points = append(points, p)
		}
		return points, nil
	})
}

// PriceChart 代币的最佳美元市场、行情与K线
func (s *Service) PriceChart(ctx context.Context, symbol, interval string, limit int) (*PriceChart, error) {
	market, err := s.BestUSDMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	chart := &PriceChart{Market: market}
	if chart.Ticker, err = s.Ticker(ctx, market); err != nil {
		s.fail(SourceBinance, err)
	}
	if chart.Points, err = s.Klines(ctx, market, interval, limit); err != nil {
		return nil, err
	}
	return chart, nil
}

// parseKline [openTime, open, high, low, close, volume, ...]
func parseKline(row []json.RawMessage) (KlinePoint, error) {
	if len(row) < 6 {
		return KlinePoint{}, fmt.Errorf("K线字段不足: %d", len(row))
	}
	var p KlinePoint
	if err := json.Unmarshal(row[0], &p.Timestamp); err != nil {
		return KlinePoint{}, fmt.Errorf("解析K线时间失败: %w", err)
	}
	if err := p.Price.UnmarshalJSON(row[4]); err != nil {
		return KlinePoint{}, fmt.Errorf("解析K线收盘价失败: %w", err)
	}
	if err := p.Volume.UnmarshalJSON(row[5]); err != nil {
		return KlinePoint{}, fmt.Errorf("解析K线成交量失败: %w", err)
	}
	return p, nil
}

func (s *Service) binanceURL(path string, params url.Values) string {
	u := strings.TrimRight(s.cfg.BinanceURL, "/") + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}
