package services

import (
	"strings"
	"testing"

	"defi-aggregator/stable-router/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var requested = dec("1000000")

func names(list *types.RankedRouteList) []string {
	out := make([]string, 0, list.Len())
	for _, r := range list.Routes {
		out = append(out, r.Name)
	}
	return out
}

func TestRankDescendingNetOut(t *testing.T) {
	known := types.KnownEstimate(dec("1"))
	list := Rank([]types.NormalizedRoute{
		normalized("a", "990", known),
		normalized("b", "995", known),
		normalized("c", "980", known),
	}, RankOptions{RequestedAmount: requested})

	assert.Equal(t, []string{"b", "a", "c"}, names(list))
	assert.Equal(t, 1, list.Routes[0].Rank)
	assert.Equal(t, 3, list.Routes[2].Rank)
	assert.Equal(t, "1", list.Routes[0].LossPercent.Value.String())
}

func TestRankUnknownGasAlwaysLast(t *testing.T) {
	known := types.KnownEstimate(dec("5"))
	list := Rank([]types.NormalizedRoute{
		normalized("unknown-rich", "5000", types.UnknownEstimate()),
		normalized("known-poor", "10", known),
		normalized("known-mid", "20", known),
	}, RankOptions{RequestedAmount: requested})

	assert.Equal(t, []string{"known-mid", "known-poor", "unknown-rich"}, names(list))
	for i, r := range list.Routes {
		for _, later := range list.Routes[i+1:] {
			assert.False(t, r.GasUSD.IsUnknown() && later.GasUSD.Known, "%s ranked before %s", r.Name, later.Name)
		}
	}
}

func TestRankDropsFailedAndAdjustedInput(t *testing.T) {
	known := types.KnownEstimate(dec("1"))
	failed := normalized("failed", "999", known)
	failed.IsFailed = true
	adjusted := normalized("adjusted", "999", known)
	adjusted.FromAmount = "999999"
	empty := normalized("empty", "0", known)

	list := Rank([]types.NormalizedRoute{failed, adjusted, empty, normalized("ok", "900", known)},
		RankOptions{RequestedAmount: requested})
	assert.Equal(t, []string{"ok"}, names(list))
}

func TestRankExactOutputByCost(t *testing.T) {
	cheap := normalized("cheap", "100", types.KnownEstimate(dec("2")))
	cheap.AmountInUSD = decPtr("100")
	cheap.AmountIn = dec("100")
	pricey := normalized("pricey", "100", types.KnownEstimate(dec("1")))
	pricey.AmountInUSD = decPtr("102")
	pricey.AmountIn = dec("102")
	// 输入不同时精确输出不要求 fromAmount 等于请求数量
	pricey.FromAmount = "102000000"

	list := Rank([]types.NormalizedRoute{pricey, cheap}, RankOptions{ExactOutput: true})
	assert.Equal(t, []string{"cheap", "pricey"}, names(list))
	assert.True(t, list.ExactOutput)

	// 缺少USD价格时按原始输入数量
	cheap.AmountInUSD, pricey.AmountInUSD = nil, nil
	cheap.AmountIn, pricey.AmountIn = dec("105"), dec("101")
	list = Rank([]types.NormalizedRoute{cheap, pricey}, RankOptions{ExactOutput: true})
	assert.Equal(t, []string{"pricey", "cheap"}, names(list))
}

func TestRankIsPure(t *testing.T) {
	known := types.KnownEstimate(dec("1"))
	input := []types.NormalizedRoute{normalized("a", "1", known), normalized("b", "2", known)}
	_ = Rank(input, RankOptions{RequestedAmount: requested})
	assert.Equal(t, "a", input[0].Name)
}

func TestRelativeImpactReferenceIsZero(t *testing.T) {
	known := types.KnownEstimate(dec("1"))
	list := Rank([]types.NormalizedRoute{
		normalized("a", "1000", known),
		normalized("b", "900", known),
	}, RankOptions{RequestedAmount: requested})

	ref := ReferenceRoute(list, nil)
	require.NotNil(t, ref)
	impact := RelativeImpact(&list.Routes[0], ref)
	require.True(t, impact.Known)
	assert.True(t, impact.Value.IsZero())

	impact = RelativeImpact(&list.Routes[1], ref)
	assert.Equal(t, "-10", impact.Value.String())

	zero := list.Routes[1]
	zero.NetOut = decimal.Zero
	assert.True(t, RelativeImpact(&zero, ref).IsUnknown())
}

func TestReferenceRouteOverride(t *testing.T) {
	known := types.KnownEstimate(dec("1"))
	dai := normalized("a", "900", known)
	dai.ActualToToken = types.Token{Address: daiMainnet, Symbol: "DAI", Decimals: 18}
	list := Rank([]types.NormalizedRoute{normalized("a", "1000", known), dai}, RankOptions{RequestedAmount: requested})

	ref := ReferenceRoute(list, &types.StablecoinOverride{Address: daiMainnet, AdapterName: "a"})
	require.NotNil(t, ref)
	assert.Equal(t, daiMainnet, ref.ActualToToken.Address)
	assert.True(t, RelativeImpact(&list.Routes[1], ref).Value.IsZero())

	// 覆盖的路由不存在时回到第一名
	ref = ReferenceRoute(list, &types.StablecoinOverride{Address: usdtMainnet, AdapterName: "a"})
	assert.Equal(t, usdcMainnet, ref.ActualToToken.Address)
	assert.Nil(t, ReferenceRoute(&types.RankedRouteList{}, nil))

	// 未指定适配器或适配器不在列表中时取该稳定币排名最高的路由
	ref = ReferenceRoute(list, &types.StablecoinOverride{Address: daiMainnet})
	assert.Equal(t, daiMainnet, ref.ActualToToken.Address)
	ref = ReferenceRoute(list, &types.StablecoinOverride{Address: daiMainnet, AdapterName: "gone"})
	assert.Equal(t, daiMainnet, ref.ActualToToken.Address)

	best, ok := BestForToken(list, strings.ToUpper(daiMainnet))
	require.True(t, ok)
	assert.Equal(t, "a", best.Name)
	_, ok = BestForToken(list, "")
	assert.False(t, ok)
}

func TestResolveSelectionByName(t *testing.T) {
	known := types.KnownEstimate(dec("1"))
	list := Rank([]types.NormalizedRoute{normalized("a", "10", known), normalized("b", "9", known)},
		RankOptions{RequestedAmount: requested})

	assert.Nil(t, ResolveSelection(list, types.SelectionState{}))
	assert.Equal(t, "b", ResolveSelection(list, types.SelectionState{SelectedAdapter: "b"}).Name)
	assert.Nil(t, ResolveSelection(list, types.SelectionState{SelectedAdapter: "gone"}))
}

func TestResolveSelectionPinnedToken(t *testing.T) {
	known := types.KnownEstimate(dec("1"))
	usdt := normalized("a", "9", known)
	usdt.ActualToToken = types.Token{Address: usdtMainnet, Symbol: "USDT", Decimals: 6}
	list := Rank([]types.NormalizedRoute{normalized("a", "10", known), usdt}, RankOptions{RequestedAmount: requested})

	assert.Equal(t, usdcMainnet, ResolveSelection(list, types.SelectionState{SelectedAdapter: "a"}).ActualToToken.Address)
	pinned := types.SelectionState{SelectedAdapter: "a", SelectedToken: usdtMainnet}
	assert.Equal(t, usdtMainnet, ResolveSelection(list, pinned).ActualToToken.Address)

	// 同一适配器上的稳定币覆盖优先
	pinned.StablecoinOverride = &types.StablecoinOverride{Address: usdcMainnet, AdapterName: "a"}
	assert.Equal(t, usdcMainnet, ResolveSelection(list, pinned).ActualToToken.Address)

	pinned = types.SelectionState{SelectedAdapter: "a", SelectedToken: daiMainnet}
	assert.Nil(t, ResolveSelection(list, pinned))
}
