package services

import (
	"context"
	"sync"
	"time"

	"defi-aggregator/stable-router/internal/chain"
	"defi-aggregator/stable-router/internal/types"

	"golang.org/x/sync/errgroup"
)

const (
	simulationTimeout     = 8 * time.Second
	simulationConcurrency = 4
)

// Simulate 对带交易的路由并发执行 eth_estimateGas
// 结果按适配器名称索引；节点错误不视为回滚，该适配器不出现在结果中
func (s *RouterService) Simulate(ctx context.Context, info chain.Info, routes []types.AdapterRoute) map[string]types.SimulationResult {
	results := make(map[string]types.SimulationResult)
	if s.chains == nil {
		return results
	}
	client, err := s.chains.Client(info.Name)
	if err != nil {
		s.logger.Debugf("跳过交易模拟: %v", err)
		return results
	}

	simCtx, cancel := context.WithTimeout(ctx, simulationTimeout)
	defer cancel()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(simCtx)
	g.SetLimit(simulationConcurrency)

	seen := make(map[string]bool)
	for _, r := range routes {
		if r.Tx == nil || r.Tx.From == "" || seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		route := r
		g.Go(func() error {
			gas, reverted, err := client.SimulateGas(gctx, route.Tx)
			if err != nil {
				s.logger.Debugf("[%s] 模拟失败: %v", route.Name, err)
				return nil
			}
			if reverted {
				s.logger.Warnf("⚠️ [%s] 交易模拟回滚，路由将被隐藏", route.Name)
			}
			mu.Lock()
			results[route.Name] = types.SimulationResult{Adapter: route.Name, Reverted: reverted, GasUsed: gas}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
