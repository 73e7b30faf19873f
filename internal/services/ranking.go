package services

import (
	"sort"
	"strings"

	"defi-aggregator/stable-router/internal/types"

	"github.com/shopspring/decimal"
)

// RankOptions 排序选项
type RankOptions struct {
	ExactOutput     bool
	RequestedAmount decimal.Decimal // 精确输入交易的请求数量（最小单位）
}

// Rank 过滤并排序标准化路由
// 纯函数：不修改入参，每次返回新的列表
func Rank(routes []types.NormalizedRoute, opts RankOptions) *types.RankedRouteList {
	kept := make([]types.RankedRoute, 0, len(routes))
	for _, r := range routes {
		if r.IsFailed {
			continue
		}
		if !opts.ExactOutput {
			// 适配器私自调整了输入数量的报价不可比较
			fromAmount, err := decimal.NewFromString(r.FromAmount)
			if err != nil || !fromAmount.Equal(opts.RequestedAmount) || r.Amount.IsZero() {
				continue
			}
		}
		kept = append(kept, types.RankedRoute{NormalizedRoute: r})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return routeLess(&kept[i].NormalizedRoute, &kept[j].NormalizedRoute, opts.ExactOutput)
	})

	for i := range kept {
		kept[i].Rank = i + 1
		kept[i].LossPercent = ratio(kept[i].NetOut, kept[0].NetOut)
	}
	return &types.RankedRouteList{Routes: kept, ExactOutput: opts.ExactOutput}
}

// routeLess Gas未知的路由排在最后；精确输出按总成本升序，精确输入按净输出降序
func routeLess(a, b *types.NormalizedRoute, exactOutput bool) bool {
	if a.GasUSD.IsUnknown() != b.GasUSD.IsUnknown() {
		return b.GasUSD.IsUnknown()
	}
	if exactOutput {
		if a.AmountInUSD != nil && b.AmountInUSD != nil && a.GasUSD.Known && b.GasUSD.Known {
			return a.AmountInUSD.Add(a.GasUSD.Value).LessThan(b.AmountInUSD.Add(b.GasUSD.Value))
		}
		return a.AmountIn.LessThan(b.AmountIn)
	}
	return a.NetOut.GreaterThan(b.NetOut)
}

func ratio(v, ref decimal.Decimal) types.Estimate {
	if ref.IsZero() {
		return types.UnknownEstimate()
	}
	return types.KnownEstimate(v.Div(ref))
}

// RelativeImpact 相对参考路由的价格影响（百分比），正值表示优于参考路由
// 任一净输出不为正时未知
func RelativeImpact(r, ref *types.RankedRoute) types.Estimate {
	if r == nil || ref == nil || !r.NetOut.IsPositive() || !ref.NetOut.IsPositive() {
		return types.UnknownEstimate()
	}
	if r == ref || (r.Name == ref.Name && strings.EqualFold(r.ActualToToken.Address, ref.ActualToToken.Address)) {
		return types.KnownEstimate(decimal.Zero)
	}
	return types.KnownEstimate(r.NetOut.Div(ref.NetOut).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)))
}

// ReferenceRoute 计算价格影响的参考路由：有稳定币覆盖时取该稳定币的指定路由，否则取第一名
// 覆盖未指定适配器或适配器已不在列表中时，取该稳定币排名最高的路由
func ReferenceRoute(list *types.RankedRouteList, override *types.StablecoinOverride) *types.RankedRoute {
	if list.Len() == 0 {
		return nil
	}
	if override != nil {
		if override.AdapterName != "" {
			if r, ok := list.Find(override.AdapterName, override.Address); ok {
				return r
			}
		}
		if r, ok := BestForToken(list, override.Address); ok {
			return r
		}
	}
	return &list.Routes[0]
}

// BestForToken 目标为指定稳定币的最高排名路由
func BestForToken(list *types.RankedRouteList, address string) (*types.RankedRoute, bool) {
	if list == nil || address == "" {
		return nil, false
	}
	for i := range list.Routes {
		if strings.EqualFold(list.Routes[i].ActualToToken.Address, address) {
			return &list.Routes[i], true
		}
	}
	return nil, false
}

// ========================================
// 选择解析
// ========================================

// selectionToken 选中路由锁定的目标代币，空串表示取该适配器排名最高的路由
// 稳定币覆盖指向同一适配器时优先
func selectionToken(sel types.SelectionState) string {
	if sel.StablecoinOverride != nil && sel.StablecoinOverride.AdapterName == sel.SelectedAdapter {
		return sel.StablecoinOverride.Address
	}
	return sel.SelectedToken
}

// ResolveSelection 在最新排序结果中按名称（及锁定的目标代币）解析选中路由，消失时返回 nil
func ResolveSelection(list *types.RankedRouteList, sel types.SelectionState) *types.RankedRoute {
	if !sel.HasSelection() {
		return nil
	}
	r, ok := list.Find(sel.SelectedAdapter, selectionToken(sel))
	if !ok {
		return nil
	}
	return r
}
