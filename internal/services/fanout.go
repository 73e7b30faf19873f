package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"defi-aggregator/stable-router/internal/adapters"
	"defi-aggregator/stable-router/internal/chain"
	"defi-aggregator/stable-router/internal/types"
	"defi-aggregator/stable-router/pkg/cache"

	"github.com/shopspring/decimal"
)

// defaultRefreshInterval 报价缓存与轮询周期
const defaultRefreshInterval = 180 * time.Second

// routeQuery 一个（适配器 × 目标代币）查询
type routeQuery struct {
	adapter adapters.ProviderAdapter
	target  string
}

type queryResult struct {
	index int
	route types.AdapterRoute
	hit   bool
}

// ========================================
// 报价扇出
// ========================================

// FetchAllRoutes 并发向所有可用适配器请求报价
// 每个查询相互独立，失败、超时或空结果都降级为 Quote 为 nil 的占位路由
// onUpdate 在每个查询返回后收到当前聚合结果，可为 nil
func (s *RouterService) FetchAllRoutes(ctx context.Context, req *types.RoutesRequest, onUpdate func(types.RoutesResult)) types.RoutesResult {
	startTime := time.Now()
	requestID := req.RequestID

	info, chainKnown := chain.ByName(req.Chain)
	var active []adapters.ProviderAdapter
	if chainKnown {
		active = s.getActiveAdapters(info.ID, req.DisabledAdapters)
	}

	targets, isFiat := s.resolveTargets(req, info.ID)
	base := types.RoutesResult{ParamsKey: req.ParamsKey(), IsFiat: isFiat, Targets: targets}

	if err := ValidateRoutesRequest(req); err != nil || !chainKnown {
		reason := "不支持的链: " + req.Chain
		if err != nil {
			reason = err.Error()
		}
		for _, a := range active {
			base.Failed = append(base.Failed, s.placeholder(a, req, "", isFiat, reason))
		}
		s.logger.Debugf("[%s] 参数不完整，返回 %d 个占位路由: %s", requestID, len(base.Failed), reason)
		if onUpdate != nil {
			onUpdate(base)
		}
		return base
	}

	var queries []routeQuery
	for _, a := range active {
		for _, t := range targets {
			queries = append(queries, routeQuery{adapter: a, target: t})
		}
	}

	kind := "token"
	if isFiat {
		kind = "fiat"
	}
	s.prom.FanoutRounds.WithLabelValues(kind).Inc()
	s.logger.Infof("[%s] 🚀 扇出报价: chain=%s, %s->%s, amount=%s, amountOut=%s, 适配器=%d, 目标=%d",
		requestID, req.Chain, req.From, req.To, req.Amount.String(), req.Extra.AmountOut.String(), len(active), len(targets))

	if len(queries) == 0 {
		if onUpdate != nil {
			onUpdate(base)
		}
		return base
	}

	// 缓冲通道保证调用方提前返回时goroutine也能退出
	resultChan := make(chan queryResult, len(queries))
	for i, q := range queries {
		go func(index int, q routeQuery) {
			route, hit := s.fetchRoute(ctx, q.adapter, req, info, q.target, isFiat)
			resultChan <- queryResult{index: index, route: route, hit: hit}
		}(i, q)
	}

	settled := make([]*types.AdapterRoute, len(queries))
	hits, misses := 0, 0
	var result types.RoutesResult
	for received := 0; received < len(queries); received++ {
		res := <-resultChan
		route := res.route
		settled[res.index] = &route
		if res.hit {
			hits++
		} else {
			misses++
		}

		if route.Succeeded() {
			s.logger.Infof("[%s] ✅ %s -> %s: amountReturned=%s, gas=%s", requestID, route.Name,
				shortAddr(route.TargetToken), route.Quote.AmountReturned.String(), route.Quote.EstimatedGas.String())
		} else {
			s.logger.Warnf("[%s] ❌ %s -> %s: %s", requestID, route.Name, shortAddr(route.TargetToken), route.Error)
		}

		result = buildRoutesResult(base, queries, settled)
		if onUpdate != nil {
			onUpdate(result)
		}
	}

	s.updateMetrics(time.Since(startTime), hits, misses)
	s.logger.Infof("[%s] 🎉 扇出完成: 成功=%d, 失败=%d, 缓存命中=%d, 耗时=%v",
		requestID, len(result.Routes), len(result.Failed), hits, time.Since(startTime))
	return result
}

// buildRoutesResult 按查询顺序汇总已返回的结果
func buildRoutesResult(base types.RoutesResult, queries []routeQuery, settled []*types.AdapterRoute) types.RoutesResult {
	result := base
	result.Routes = nil
	result.Failed = nil
	result.LoadingRoutes = nil

	for i, r := range settled {
		if r == nil {
			result.LoadingRoutes = appendUnique(result.LoadingRoutes, queries[i].adapter.GetName())
			continue
		}
		if r.Succeeded() {
			result.Routes = append(result.Routes, *r)
			if result.LastFetched.IsZero() || r.FetchedAt.Before(result.LastFetched) {
				result.LastFetched = r.FetchedAt
			}
		} else {
			result.Failed = append(result.Failed, *r)
		}
	}
	// 至少一个查询成功后才结束加载，全部失败时保持加载中
	result.IsLoading = len(queries) > 0 && len(result.Routes) == 0
	return result
}

// resolveTargets 法币代码展开为稳定币列表，否则为单个目标代币
func (s *RouterService) resolveTargets(req *types.RoutesRequest, chainID uint) ([]string, bool) {
	if stablecoins := s.fiat.ResolveFiatTarget(req.To, chainID); len(stablecoins) > 0 {
		return stablecoins, true
	}
	return []string{req.To}, false
}

// ValidateRoutesRequest 链、输入代币、目标必填，精确输入与精确输出数量恰好一个非零
func ValidateRoutesRequest(req *types.RoutesRequest) error {
	switch {
	case req.Chain == "":
		return errors.New("缺少链参数")
	case req.From == "":
		return errors.New("缺少输入代币")
	case req.To == "":
		return errors.New("缺少目标代币")
	case req.Amount.IsPositive() == req.Extra.AmountOut.IsPositive():
		return errors.New("精确输入与精确输出数量必须恰好一个非零")
	case req.Amount.IsNegative() || req.Extra.AmountOut.IsNegative():
		return errors.New("数量不能为负")
	}
	return nil
}

// ========================================
// 单个查询
// ========================================

// fetchRoute 查询单个（适配器 × 目标代币），返回路由与是否命中缓存
func (s *RouterService) fetchRoute(ctx context.Context, adapter adapters.ProviderAdapter, req *types.RoutesRequest,
	info chain.Info, target string, isFiat bool) (types.AdapterRoute, bool) {
	name := adapter.GetName()
	if req.Extra.IsExactOutput() && !adapter.Capabilities().OutputAvailable {
		return s.placeholder(adapter, req, target, isFiat, "该聚合器不支持精确输出报价"), false
	}

	key := routeCacheKey(name, req, target)
	if req.ForceRefresh {
		s.prom.CacheLookups.WithLabelValues("bypass").Inc()
	} else {
		var cached types.AdapterRoute
		err := s.cache.Get(ctx, key, &cached)
		if err == nil && cached.Succeeded() {
			s.prom.CacheLookups.WithLabelValues("hit").Inc()
			return retag(cached, req, isFiat), true
		}
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warnf("[%s] ⚠️ 读取报价缓存失败: %v", req.RequestID, err)
		}
		s.prom.CacheLookups.WithLabelValues("miss").Inc()
	}

	// 相同键的并发请求合并为一次调用
	// 共享调用不随发起者取消，只受适配器超时约束
	detached := context.WithoutCancel(ctx)
	ch := s.inflight.DoChan(key, func() (interface{}, error) {
		return s.queryAdapter(detached, adapter, req, info, target, isFiat, key), nil
	})
	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debugf("[%s] %s 复用进行中的报价请求", req.RequestID, name)
		}
		return retag(res.Val.(types.AdapterRoute), req, isFiat), false
	case <-ctx.Done():
		return s.placeholder(adapter, req, target, isFiat, ctx.Err().Error()), false
	}
}

// retag 缓存与合并请求共享的路由按当前请求标记原始目标
func retag(route types.AdapterRoute, req *types.RoutesRequest, isFiat bool) types.AdapterRoute {
	route.OriginalToToken = req.To
	route.IsFiatRoute = isFiat
	return route
}

// queryAdapter 带超时调用适配器，成功结果写入缓存
func (s *RouterService) queryAdapter(ctx context.Context, adapter adapters.ProviderAdapter, req *types.RoutesRequest,
	info chain.Info, target string, isFiat bool, key string) types.AdapterRoute {
	name := adapter.GetName()
	caps := adapter.Capabilities()
	route := s.placeholder(adapter, req, target, isFiat, "")

	callCtx, cancel := context.WithTimeout(ctx, s.adapterTimeout(adapter))
	defer cancel()

	params := &adapters.QuoteParams{
		Chain:   info.Name,
		ChainID: info.ID,
		From:    req.From,
		To:      target,
		Amount:  req.Amount,
		Extra:   s.quoteExtra(callCtx, req, info, target),
	}

	s.logger.Debugf("[%s] 📞 调用: %s -> %s", req.RequestID, name, shortAddr(target))
	adapterStart := time.Now()
	quote, err := adapter.GetQuote(callCtx, params)
	if err == nil && (quote == nil || !quote.AmountReturned.IsPositive()) {
		err = types.NewRouterError(types.ErrCodeNoValidQuotes, "聚合器返回空报价")
	}
	s.prom.ObserveAdapter(name, err == nil, time.Since(adapterStart))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = types.NewRouterError(types.ErrCodeProviderTimeout, fmt.Sprintf("%s 报价超时", name))
		}
		route.Error = err.Error()
		return route
	}

	route.Quote = quote
	if caps.OutputAvailable && quote.AmountIn.IsPositive() {
		route.FromAmount = quote.AmountIn.String()
	}
	if builder, ok := adapter.(adapters.TxBuilder); ok {
		route.TxData = builder.GetTxData(quote)
		route.Tx = builder.GetTx(quote)
	}
	route.L1Gas = s.l1Fee(callCtx, info, caps, route.TxData)
	route.FetchedAt = time.Now()

	ttl := s.config.Routing.RefreshInterval
	if ttl <= 0 {
		ttl = defaultRefreshInterval
	}
	if err := s.cache.Set(ctx, key, route, ttl); err != nil {
		s.logger.Warnf("[%s] ⚠️ 写入报价缓存失败: %v", req.RequestID, err)
	}
	return route
}

// placeholder 占位路由，仍然带有适配器名称与能力
func (s *RouterService) placeholder(adapter adapters.ProviderAdapter, req *types.RoutesRequest, target string, isFiat bool, reason string) types.AdapterRoute {
	caps := adapter.Capabilities()
	return types.AdapterRoute{
		Name:              adapter.GetName(),
		FromAmount:        req.Amount.String(),
		L1Gas:             types.KnownEstimate(decimal.Zero),
		IsOutputAvailable: caps.OutputAvailable,
		IsGasless:         caps.Gasless,
		EmbedsFeeInOutput: caps.EmbedsFeeInOutput,
		TargetToken:       target,
		OriginalToToken:   req.To,
		IsFiatRoute:       isFiat,
		Error:             reason,
	}
}

// quoteExtra 补全代币元数据与默认滑点
func (s *RouterService) quoteExtra(ctx context.Context, req *types.RoutesRequest, info chain.Info, target string) types.QuoteExtra {
	extra := req.Extra
	if extra.Slippage.IsZero() {
		extra.Slippage = s.config.Routing.DefaultSlippage
	}
	needFrom := extra.FromToken == nil || !strings.EqualFold(extra.FromToken.Address, req.From)
	needTo := extra.ToToken == nil || !strings.EqualFold(extra.ToToken.Address, target)
	if !needFrom && !needTo {
		return extra
	}
	tokenList := s.tokenList(ctx, info.ID)
	if needFrom {
		from := s.resolveToken(info, req.From, nil, tokenList)
		extra.FromToken = &from
	}
	if needTo {
		to := s.resolveToken(info, target, nil, tokenList)
		extra.ToToken = &to
	}
	return extra
}

// l1Fee OP类链的L1数据费；无Gas路由与空交易数据不计费
func (s *RouterService) l1Fee(ctx context.Context, info chain.Info, caps adapters.Capabilities, txData string) types.Estimate {
	if !info.HasL1Fees() || caps.Gasless || txData == "" {
		return types.KnownEstimate(decimal.Zero)
	}
	if s.chains == nil {
		return types.UnknownEstimate()
	}
	client, err := s.chains.Client(info.Name)
	if err != nil {
		s.logger.Debugf("L1费用不可用: %v", err)
		return types.UnknownEstimate()
	}
	return client.L1Fee(ctx, txData)
}

// routeCacheKey 缓存键排除 amount 之外的易变字段（Gas价格、目标代币元数据）
func routeCacheKey(adapter string, req *types.RoutesRequest, target string) string {
	return types.CacheKeyRoute + strings.Join([]string{
		adapter,
		strings.ToLower(req.Chain),
		strings.ToLower(req.From),
		strings.ToLower(target),
		req.Amount.String(),
		req.Extra.CacheFingerprint(),
	}, ":")
}

func shortAddr(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
