package services

import (
	"strings"
	"testing"

	"defi-aggregator/stable-router/internal/types"

	"github.com/stretchr/testify/assert"
)

func TestResolveFiatTarget(t *testing.T) {
	f := NewFiatResolver(types.FiatMapping{"usd": {1: {usdcMainnet, usdtMainnet}}})

	assert.Equal(t, []string{usdcMainnet, usdtMainnet}, f.ResolveFiatTarget("USD", 1))
	assert.Equal(t, []string{usdcMainnet, usdtMainnet}, f.ResolveFiatTarget("usd", 1))
	assert.Empty(t, f.ResolveFiatTarget("USD", 56))
	assert.Empty(t, f.ResolveFiatTarget("EUR", 1))
	assert.Empty(t, f.ResolveFiatTarget(usdcMainnet, 1))
	assert.Equal(t, []string{"USD"}, f.Codes())

	// 返回副本
	got := f.ResolveFiatTarget("USD", 1)
	got[0] = "mutated"
	assert.Equal(t, usdcMainnet, f.ResolveFiatTarget("USD", 1)[0])
}

func TestGroupRoutesByTargetUnique(t *testing.T) {
	known := types.KnownEstimate(dec("1"))
	withToken := func(name, netOut, addr string) types.NormalizedRoute {
		r := normalized(name, netOut, known)
		r.ActualToToken = types.Token{Address: addr}
		return r
	}
	list := listOf(
		withToken("a", "1000", usdcMainnet),
		withToken("b", "999", "0x"+strings.ToUpper(usdcMainnet[2:])),
		withToken("a", "998", usdtMainnet),
		withToken("c", "997", daiMainnet),
		withToken("b", "996", usdtMainnet),
	)

	rows := GroupRoutesByTarget(list, true)
	assert.Len(t, rows, 3)
	seen := map[string]bool{}
	for _, r := range rows {
		key := strings.ToLower(r.ActualToToken.Address)
		assert.False(t, seen[key], "duplicate row for %s", key)
		seen[key] = true
	}
	assert.Equal(t, "a", rows[0].Name)
	assert.Equal(t, "a", rows[1].Name)
	assert.Equal(t, "c", rows[2].Name)

	single := GroupRoutesByTarget(list, false)
	assert.Len(t, single, 1)
	assert.Equal(t, "a", single[0].Name)
	assert.Empty(t, GroupRoutesByTarget(&types.RankedRouteList{}, true))
}
