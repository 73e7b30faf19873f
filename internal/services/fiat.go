package services

import (
	"strings"

	"defi-aggregator/stable-router/internal/types"
)

// FiatResolver 法币代码展开为各链的稳定币
type FiatResolver struct {
	mapping types.FiatMapping
}

// NewFiatResolver 创建法币解析器，法币代码不区分大小写
func NewFiatResolver(mapping types.FiatMapping) *FiatResolver {
	normalized := make(types.FiatMapping, len(mapping))
	for code, chains := range mapping {
		normalized[strings.ToUpper(code)] = chains
	}
	return &FiatResolver{mapping: normalized}
}

// ResolveFiatTarget 返回法币在指定链上的有序稳定币地址
// 返回空列表表示目标应按普通代币处理
func (f *FiatResolver) ResolveFiatTarget(fiatCode string, chainID uint) []string {
	if f == nil || strings.HasPrefix(fiatCode, "0x") {
		return nil
	}
	chains, ok := f.mapping[strings.ToUpper(fiatCode)]
	if !ok {
		return nil
	}
	return append([]string(nil), chains[chainID]...)
}

// Codes 已配置的法币代码
func (f *FiatResolver) Codes() []string {
	codes := make([]string, 0, len(f.mapping))
	for code := range f.mapping {
		codes = append(codes, code)
	}
	return codes
}

// GroupRoutesByTarget 每个实际目标稳定币只保留排名最高的一行
// 非法币流程只保留全局第一名
func GroupRoutesByTarget(list *types.RankedRouteList, isFiat bool) []types.RankedRoute {
	if list.Len() == 0 {
		return nil
	}
	if !isFiat {
		return []types.RankedRoute{list.Routes[0]}
	}
	seen := make(map[string]bool)
	var rows []types.RankedRoute
	for _, r := range list.Routes {
		key := strings.ToLower(r.ActualToToken.Address)
		if seen[key] {
			continue
		}
		seen[key] = true
		rows = append(rows, r)
	}
	return rows
}
