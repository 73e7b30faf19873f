// Package oracle 代币价格与代币列表
// 价格来自 DefiLlama coins API，代币列表按链缓存
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"defi-aggregator/stable-router/internal/chain"
	"defi-aggregator/stable-router/internal/types"
	"defi-aggregator/stable-router/pkg/cache"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	priceCacheTTL     = 30 * time.Second
	tokenListCacheTTL = time.Hour
)

// Client 价格预言机客户端
type Client struct {
	cfg        types.OracleConfig
	httpClient *http.Client
	cache      cache.CacheManager
	logger     *logrus.Logger
}

// NewClient 创建价格预言机客户端
func NewClient(cfg types.OracleConfig, cacheManager cache.CacheManager, logger *logrus.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cache:  cacheManager,
		logger: logger,
	}
}

// llamaCoin DefiLlama 单个代币价格
type llamaCoin struct {
	Price      float64 `json:"price"`
	Decimals   int32   `json:"decimals"`
	Symbol     string  `json:"symbol"`
	Confidence float64 `json:"confidence"`
}

type llamaPricesResponse struct {
	Coins map[string]llamaCoin `json:"coins"`
}

// coinKey DefiLlama 代币标识，原生资产使用 coingecko id
func coinKey(info chain.Info, address string) string {
	if strings.EqualFold(address, types.NativeTokenAddress) {
		return "coingecko:" + info.GasTokenGecko
	}
	return info.LlamaPrefix + ":" + strings.ToLower(address)
}

// GetPrices 查询Gas代币、输入代币与各目标代币的USD价格
// 单个代币缺价不视为错误，对应字段留空
func (c *Client) GetPrices(ctx context.Context, info chain.Info, from string, targets []string) (*types.PriceData, error) {
	gasKey := "coingecko:" + info.GasTokenGecko
	fromKey := coinKey(info, from)
	keys := []string{gasKey, fromKey}
	for _, t := range targets {
		keys = append(keys, coinKey(info, t))
	}

	coins, err := c.fetchCoins(ctx, dedupe(keys))
	if err != nil {
		return nil, err
	}

	data := &types.PriceData{ToTokenPrices: make(map[string]decimal.Decimal)}
	if coin, ok := coins[gasKey]; ok && coin.Price > 0 {
		v := decimal.NewFromFloat(coin.Price)
		data.GasTokenPrice = &v
	}
	if coin, ok := coins[fromKey]; ok && coin.Price > 0 {
		v := decimal.NewFromFloat(coin.Price)
		data.FromTokenPrice = &v
	}
	for _, t := range targets {
		if coin, ok := coins[coinKey(info, t)]; ok && coin.Price > 0 {
			data.ToTokenPrices[strings.ToLower(t)] = decimal.NewFromFloat(coin.Price)
		}
	}
	return data, nil
}

func (c *Client) fetchCoins(ctx context.Context, keys []string) (map[string]llamaCoin, error) {
	joined := strings.Join(keys, ",")
	cacheKey := types.CacheKeyMarket + "prices:" + joined

	var cached map[string]llamaCoin
	if err := c.cache.Get(ctx, cacheKey, &cached); err == nil {
		return cached, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warnf("⚠️ 读取价格缓存失败: %v", err)
	}

	url := fmt.Sprintf("%s/prices/current/%s", strings.TrimSuffix(c.cfg.PriceURL, "/"), joined)
	var resp llamaPricesResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, fmt.Errorf("查询代币价格失败: %w", err)
	}

	if err := c.cache.Set(ctx, cacheKey, resp.Coins, priceCacheTTL); err != nil {
		c.logger.Warnf("⚠️ 写入价格缓存失败: %v", err)
	}
	return resp.Coins, nil
}

// TokenList 链代币列表，键为小写地址
func (c *Client) TokenList(ctx context.Context, chainID uint) (map[string]types.Token, error) {
	cacheKey := fmt.Sprintf("%stokenlist:%d", types.CacheKeyMarket, chainID)

	var cached map[string]types.Token
	if err := c.cache.Get(ctx, cacheKey, &cached); err == nil {
		return cached, nil
	}

	if c.cfg.TokenListURL == "" {
		return map[string]types.Token{}, nil
	}
	url := strings.ReplaceAll(c.cfg.TokenListURL, "{chainId}", strconv.FormatUint(uint64(chainID), 10))

	var raw json.RawMessage
	if err := c.getJSON(ctx, url, &raw); err != nil {
		return nil, fmt.Errorf("获取代币列表失败: %w", err)
	}

	// 兼容数组格式与 {"tokens": [...]} 标准 token list 格式
	var tokens []types.Token
	if err := json.Unmarshal(raw, &tokens); err != nil {
		var wrapped struct {
			Tokens []struct {
				Address  string `json:"address"`
				Symbol   string `json:"symbol"`
				Name     string `json:"name"`
				Decimals int32  `json:"decimals"`
				ChainID  uint   `json:"chainId"`
			} `json:"tokens"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("解析代币列表失败: %w", err)
		}
		for _, t := range wrapped.Tokens {
			tokens = append(tokens, types.Token{Address: t.Address, Symbol: t.Symbol, Name: t.Name, Decimals: t.Decimals, ChainID: t.ChainID})
		}
	}

	list := make(map[string]types.Token, len(tokens))
	for _, t := range tokens {
		if t.ChainID != 0 && t.ChainID != chainID {
			continue
		}
		t.ChainID = chainID
		list[strings.ToLower(t.Address)] = t
	}

	if err := c.cache.Set(ctx, cacheKey, list, tokenListCacheTTL); err != nil {
		c.logger.Warnf("⚠️ 写入代币列表缓存失败: %v", err)
	}
	c.logger.Infof("📋 已加载链 %d 的代币列表: %d 个", chainID, len(list))
	return list, nil
}

func (c *Client) getJSON(ctx context.Context, url string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP错误: status=%d, body=%s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, dest)
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
