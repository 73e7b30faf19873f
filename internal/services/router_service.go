// Package services 稳定币路由核心服务实现
// 包含报价扇出、报价标准化、排序与选择、漂移保护、法币展开、会话与执行
// 排序与标准化为纯函数，会话只持有选择状态与最近一次观测的输出
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"defi-aggregator/stable-router/internal/adapters"
	"defi-aggregator/stable-router/internal/chain"
	"defi-aggregator/stable-router/internal/types"
	"defi-aggregator/stable-router/pkg/cache"
	"defi-aggregator/stable-router/pkg/metrics"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// maxAdapterTimeout 单个适配器调用的超时上限
const maxAdapterTimeout = 10 * time.Second

// PriceOracle 价格与代币列表来源
type PriceOracle interface {
	GetPrices(ctx context.Context, info chain.Info, from string, targets []string) (*types.PriceData, error)
	TokenList(ctx context.Context, chainID uint) (map[string]types.Token, error)
}

// ChainProvider 按链名称获取节点客户端
type ChainProvider interface {
	Client(name string) (*chain.Client, error)
}

// RouterService 稳定币路由服务
// 协调多个聚合器适配器，负责扇出、标准化与排序
type RouterService struct {
	mu       sync.RWMutex
	adapters map[string]adapters.ProviderAdapter // 聚合器适配器集合
	cache    cache.CacheManager                  // 报价缓存
	config   *types.Config                       // 服务配置
	logger   *logrus.Logger                      // 日志记录器
	metrics  *RouterMetrics                      // 服务内统计
	prom     *metrics.RouterMetrics              // Prometheus 指标
	chains   ChainProvider
	oracle   PriceOracle
	fiat     *FiatResolver
	inflight singleflight.Group
}

// RouterMetrics 路由服务统计
type RouterMetrics struct {
	TotalRounds     int64         `json:"total_rounds"`
	CacheHits       int64         `json:"cache_hits"`
	CacheMisses     int64         `json:"cache_misses"`
	AvgRoundTime    time.Duration `json:"avg_round_time"`
	LastRequestTime time.Time     `json:"last_request_time"`
	mutex           sync.RWMutex
}

// NewRouterService 创建路由服务实例并初始化适配器
func NewRouterService(config *types.Config, cacheManager cache.CacheManager, chains ChainProvider,
	oracle PriceOracle, logger *logrus.Logger) *RouterService {
	service := &RouterService{
		adapters: make(map[string]adapters.ProviderAdapter),
		cache:    cacheManager,
		config:   config,
		logger:   logger,
		metrics:  &RouterMetrics{},
		prom:     metrics.Default(),
		chains:   chains,
		oracle:   oracle,
		fiat:     NewFiatResolver(config.Fiat.Mapping),
	}

	service.initializeAdapters(config.Providers)

	return service
}

// ========================================
// 一次性报价
// ========================================

// Evaluation 一轮扇出结果的标准化与排序
type Evaluation struct {
	Ranked         *types.RankedRouteList `json:"ranked"`
	HiddenAdapters []string               `json:"hidden_adapters"` // 报价失败或模拟回滚的适配器
	Prices         *types.PriceData       `json:"prices,omitempty"`
	Simulated      bool                   `json:"simulated"`
}

// GetRankedRoutes 扇出、等待全部返回后标准化并排序
func (s *RouterService) GetRankedRoutes(ctx context.Context, req *types.RoutesRequest) (*types.RoutesResult, *Evaluation, error) {
	if _, ok := chain.ByName(req.Chain); !ok {
		return nil, nil, types.NewRouterError(types.ErrCodeUnsupportedChain, "不支持的链: "+req.Chain)
	}
	result := s.FetchAllRoutes(ctx, req, nil)
	eval := s.Evaluate(ctx, req, result, true)
	if eval.Ranked.Len() == 0 && len(result.Routes) == 0 {
		s.logger.Warnf("[%s] ⚠️ 没有有效报价: 失败 %d 个", req.RequestID, len(result.Failed))
	}
	return &result, eval, nil
}

// Evaluate 获取价格、可选模拟、标准化并排序
// 价格或Gas价格缺失时对应字段留空，由标准化器降级为 Unknown
func (s *RouterService) Evaluate(ctx context.Context, req *types.RoutesRequest, result types.RoutesResult, simulate bool) *Evaluation {
	eval := &Evaluation{Ranked: &types.RankedRouteList{ExactOutput: req.Extra.IsExactOutput()}}
	for _, r := range result.Failed {
		eval.HiddenAdapters = appendUnique(eval.HiddenAdapters, r.Name)
	}

	info, ok := chain.ByName(req.Chain)
	if !ok || len(result.Routes) == 0 {
		return eval
	}

	tokenList := s.tokenList(ctx, info.ID)
	from := s.resolveToken(info, req.From, req.Extra.FromToken, tokenList)
	prices := s.prices(ctx, info, req, result.Targets)
	eval.Prices = prices

	var sim map[string]types.SimulationResult
	if simulate && s.config.Routing.SimulationEnabled && req.Extra.UserAddress != "" {
		sim = s.Simulate(ctx, info, result.Routes)
		eval.Simulated = true
	}

	in := NormalizeInput{
		From: &from,
		Resolver: TokenResolver{
			Requested: requestedToToken(req, result.IsFiat, info),
			TokenList: tokenList,
			Fallback:  s.config.Fiat.Fallback,
			ChainID:   info.ID,
		},
		GasTokenPrice:  prices.GasTokenPrice,
		GasPriceWei:    prices.GasPriceWei,
		FromTokenPrice: prices.FromTokenPrice,
		ToTokenPrices:  prices.ToTokenPrices,
		Simulation:     sim,
	}
	if !result.IsFiat {
		in.ToTokenPrice = prices.ToTokenPrice(req.To)
	}

	normalized := NormalizeAll(result.Routes, in)
	for _, n := range normalized {
		if n.IsFailed {
			eval.HiddenAdapters = appendUnique(eval.HiddenAdapters, n.Name)
		}
	}

	eval.Ranked = Rank(normalized, RankOptions{ExactOutput: req.Extra.IsExactOutput(), RequestedAmount: req.Amount})
	return eval
}

// prices 查询USD价格与Gas价格，请求中指定的Gas价格优先
func (s *RouterService) prices(ctx context.Context, info chain.Info, req *types.RoutesRequest, targets []string) *types.PriceData {
	data := &types.PriceData{ToTokenPrices: map[string]decimal.Decimal{}}
	if s.oracle != nil {
		p, err := s.oracle.GetPrices(ctx, info, req.From, targets)
		if err != nil {
			s.logger.Warnf("[%s] ⚠️ 获取代币价格失败: %v", req.RequestID, err)
		} else if p != nil {
			data = p
			if data.ToTokenPrices == nil {
				data.ToTokenPrices = map[string]decimal.Decimal{}
			}
		}
	}

	if req.Extra.GasPriceWei != nil {
		v := *req.Extra.GasPriceWei
		data.GasPriceWei = &v
		return data
	}
	if wei, err := s.gasPrice(ctx, info); err == nil {
		data.GasPriceWei = &wei
	} else {
		s.logger.Debugf("[%s] Gas价格不可用: %v", req.RequestID, err)
	}
	return data
}

// gasPrice 链上Gas价格，短时缓存
func (s *RouterService) gasPrice(ctx context.Context, info chain.Info) (decimal.Decimal, error) {
	key := fmt.Sprintf("%sgasprice:%d", types.CacheKeyMarket, info.ID)
	var cached decimal.Decimal
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}
	if s.chains == nil {
		return decimal.Zero, errors.New("未配置链客户端")
	}
	client, err := s.chains.Client(info.Name)
	if err != nil {
		return decimal.Zero, err
	}
	wei, err := client.GasPrice(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	_ = s.cache.Set(ctx, key, wei, 15*time.Second)
	return wei, nil
}

func (s *RouterService) tokenList(ctx context.Context, chainID uint) map[string]types.Token {
	if s.oracle == nil {
		return nil
	}
	list, err := s.oracle.TokenList(ctx, chainID)
	if err != nil {
		s.logger.Warnf("⚠️ 获取链 %d 代币列表失败: %v", chainID, err)
		return nil
	}
	return list
}

// resolveToken 代币元数据：请求携带 -> 原生资产 -> 代币列表 -> 后备表 -> 占位
func (s *RouterService) resolveToken(info chain.Info, address string, provided *types.Token, tokenList map[string]types.Token) types.Token {
	if provided != nil && strings.EqualFold(provided.Address, address) && provided.Decimals > 0 {
		return *provided
	}
	if strings.EqualFold(address, types.NativeTokenAddress) {
		return types.Token{
			Address:  types.NativeTokenAddress,
			Symbol:   info.NativeSymbol,
			Name:     info.NativeSymbol,
			Decimals: info.NativeDecimals,
			ChainID:  info.ID,
		}
	}
	resolver := TokenResolver{TokenList: tokenList, Fallback: s.config.Fiat.Fallback, ChainID: info.ID}
	return resolver.Resolve(address, true)
}

// requestedToToken 非法币流程中请求明确给出的目标代币
func requestedToToken(req *types.RoutesRequest, isFiat bool, info chain.Info) *types.Token {
	if isFiat {
		return nil
	}
	if t := req.Extra.ToToken; t != nil && strings.EqualFold(t.Address, req.To) && t.Decimals > 0 {
		return t
	}
	if strings.EqualFold(req.To, types.NativeTokenAddress) {
		return &types.Token{Address: types.NativeTokenAddress, Symbol: info.NativeSymbol, Decimals: info.NativeDecimals, ChainID: info.ID}
	}
	return nil
}

// ========================================
// 适配器管理
// ========================================

// initializeAdapters 初始化聚合器适配器
func (s *RouterService) initializeAdapters(providers []types.ProviderConfig) {
	s.logger.Infof("🚀 开始初始化聚合器适配器系统...")
	s.logger.Infof("📊 总配置数量: %d", len(providers))

	registry := make(map[string]adapters.ProviderAdapter)
	activeCount := 0

	for i, providerConfig := range providers {
		s.logger.Infof("📦 处理聚合器 %d/%d: %s", i+1, len(providers), providerConfig.Name)

		if !providerConfig.IsActive {
			s.logger.Infof("⏭️ 跳过未启用的聚合器: %s (is_active=false)", providerConfig.DisplayName)
			continue
		}

		// 独立的配置副本，避免共享切片
		config := providerConfig
		config.SupportedChains = append([]uint{}, providerConfig.SupportedChains...)

		s.logger.Infof("🔧 聚合器配置详情: name=%s, url=%s, apiKey=%s, chains=%v",
			config.Name, config.BaseURL, describeKey(config.APIKey), config.SupportedChains)

		adapter, err := s.createAdapter(config)
		if err != nil {
			s.logger.Errorf("❌ 创建适配器失败: %s - %v", config.Name, err)
			continue
		}
		if err := validateAdapter(adapter, config); err != nil {
			s.logger.Errorf("❌ 适配器验证失败: %s - %v", config.Name, err)
			continue
		}

		registry[config.Name] = adapter
		activeCount++
		s.logger.Infof("✅ 适配器注册成功: %s (%s)", adapter.GetName(), adapter.GetDisplayName())
	}

	s.mu.Lock()
	s.adapters = registry
	s.mu.Unlock()

	s.logger.Infof("🎉 聚合器适配器初始化完成: %d/%d 个适配器活跃", activeCount, len(providers))
}

// createAdapter 按名称创建适配器
func (s *RouterService) createAdapter(config types.ProviderConfig) (adapters.ProviderAdapter, error) {
	switch config.Name {
	case types.ProviderCowswap:
		return adapters.NewCowAdapter(&config, s.logger), nil
	case types.Provider1inch:
		return adapters.NewOneInchAdapter(&config, s.logger), nil
	case types.ProviderParaswap:
		return adapters.NewParaSwapAdapter(&config, s.logger), nil
	case types.Provider0x:
		return adapters.NewZRXAdapter(&config, s.logger), nil
	case types.Provider0xGasless:
		return adapters.NewZRXGaslessAdapter(&config, s.logger), nil
	default:
		return nil, fmt.Errorf("未知的聚合器: %s", config.Name)
	}
}

// validateAdapter 验证适配器名称与地址
func validateAdapter(adapter adapters.ProviderAdapter, expected types.ProviderConfig) error {
	if adapter.GetName() != expected.Name {
		return fmt.Errorf("适配器名称不匹配: 期望=%s, 实际=%s", expected.Name, adapter.GetName())
	}
	if actual := adapter.GetConfig(); actual.BaseURL != expected.BaseURL {
		return fmt.Errorf("适配器URL不匹配: 期望=%s, 实际=%s", expected.BaseURL, actual.BaseURL)
	}
	return nil
}

// ReloadProviders 聚合器启用状态变化后重建适配器
func (s *RouterService) ReloadProviders(providers []types.ProviderConfig) {
	s.initializeAdapters(providers)
}

// RegisterAdapter 直接注册适配器实例
func (s *RouterService) RegisterAdapter(adapter adapters.ProviderAdapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[adapter.GetName()] = adapter
}

// Adapter 按名称查找适配器
func (s *RouterService) Adapter(name string) (adapters.ProviderAdapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[name]
	return a, ok
}

// Adapters 按优先级排序的全部适配器
func (s *RouterService) Adapters() []adapters.ProviderAdapter {
	s.mu.RLock()
	list := make([]adapters.ProviderAdapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		list = append(list, a)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		pi, pj := list[i].GetConfig().Priority, list[j].GetConfig().Priority
		if pi != pj {
			return pi < pj
		}
		return list[i].GetName() < list[j].GetName()
	})
	return list
}

// getActiveAdapters 支持该链且未被禁用的适配器
func (s *RouterService) getActiveAdapters(chainID uint, disabled []string) []adapters.ProviderAdapter {
	skip := make(map[string]bool, len(disabled))
	for _, d := range disabled {
		skip[strings.ToLower(d)] = true
	}
	var active []adapters.ProviderAdapter
	for _, a := range s.Adapters() {
		if skip[strings.ToLower(a.GetName())] || !a.IsSupported(chainID) {
			continue
		}
		active = append(active, a)
	}
	return active
}

// Fiat 法币解析器
func (s *RouterService) Fiat() *FiatResolver {
	return s.fiat
}

// Config 服务配置
func (s *RouterService) Config() *types.Config {
	return s.config
}

// ProvidersStatus 并发检查各适配器健康状态
func (s *RouterService) ProvidersStatus(ctx context.Context) map[string]types.ProviderHealth {
	list := s.Adapters()
	status := make(map[string]types.ProviderHealth, len(list))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, adapter := range list {
		wg.Add(1)
		go func(adp adapters.ProviderAdapter) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, s.adapterTimeout(adp))
			defer cancel()

			start := time.Now()
			err := adp.HealthCheck(checkCtx)
			health := types.ProviderHealth{
				Status:       types.StatusHealthy,
				LastChecked:  time.Now(),
				ResponseTime: time.Since(start),
			}
			if err != nil {
				health.Status = types.StatusUnhealthy
				health.ErrorMessage = err.Error()
			} else if m := adp.GetMetrics(); m.TotalRequests > 0 && m.FailedRequests*2 > m.TotalRequests {
				health.Status = types.StatusDegraded
			}

			mu.Lock()
			status[adp.GetName()] = health
			mu.Unlock()
		}(adapter)
	}
	wg.Wait()
	return status
}

func (s *RouterService) adapterTimeout(adapter adapters.ProviderAdapter) time.Duration {
	limit := s.config.Routing.AdapterTimeout
	if limit <= 0 || limit > maxAdapterTimeout {
		limit = maxAdapterTimeout
	}
	if t := adapter.GetConfig().Timeout; t > 0 && t < limit {
		return t
	}
	return limit
}

// ========================================
// 指标管理
// ========================================

// updateMetrics 更新服务统计
func (s *RouterService) updateMetrics(duration time.Duration, hits, misses int) {
	s.metrics.mutex.Lock()
	defer s.metrics.mutex.Unlock()

	s.metrics.TotalRounds++
	s.metrics.LastRequestTime = time.Now()
	s.metrics.CacheHits += int64(hits)
	s.metrics.CacheMisses += int64(misses)

	if s.metrics.TotalRounds == 1 {
		s.metrics.AvgRoundTime = duration
	} else {
		alpha := 0.1
		s.metrics.AvgRoundTime = time.Duration(
			float64(s.metrics.AvgRoundTime)*(1-alpha) + float64(duration)*alpha,
		)
	}
}

// GetMetrics 获取服务统计副本
func (s *RouterService) GetMetrics() *RouterMetrics {
	s.metrics.mutex.RLock()
	defer s.metrics.mutex.RUnlock()

	return &RouterMetrics{
		TotalRounds:     s.metrics.TotalRounds,
		CacheHits:       s.metrics.CacheHits,
		CacheMisses:     s.metrics.CacheMisses,
		AvgRoundTime:    s.metrics.AvgRoundTime,
		LastRequestTime: s.metrics.LastRequestTime,
	}
}

func describeKey(key string) string {
	if key != "" {
		return fmt.Sprintf("已配置(%d字符)", len(key))
	}
	return "未配置"
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
