package services

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"defi-aggregator/stable-router/internal/adapters"
	"defi-aggregator/stable-router/internal/chain"
	"defi-aggregator/stable-router/internal/types"
	"defi-aggregator/stable-router/pkg/cache"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	usdcMainnet = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	usdtMainnet = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	daiMainnet  = "0x6b175474e89094c44da98b954eedeac495271d0f"
	testUser    = "0x1111111111111111111111111111111111111111"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	v := dec(s)
	return &v
}

var mainnetStables = map[string]types.Token{
	usdcMainnet: {Address: usdcMainnet, Symbol: "USDC", Decimals: 6, ChainID: 1},
	usdtMainnet: {Address: usdtMainnet, Symbol: "USDT", Decimals: 6, ChainID: 1},
	daiMainnet:  {Address: daiMainnet, Symbol: "DAI", Decimals: 18, ChainID: 1},
}

// fakeOracle 固定价格的预言机
type fakeOracle struct {
	prices *types.PriceData
	tokens map[string]types.Token
	calls  atomic.Int32
}

func (f *fakeOracle) GetPrices(ctx context.Context, info chain.Info, from string, targets []string) (*types.PriceData, error) {
	f.calls.Add(1)
	if f.prices == nil {
		return &types.PriceData{}, nil
	}
	p := *f.prices
	p.ToTokenPrices = make(map[string]decimal.Decimal, len(f.prices.ToTokenPrices))
	for k, v := range f.prices.ToTokenPrices {
		p.ToTokenPrices[k] = v
	}
	return &p, nil
}

func (f *fakeOracle) TokenList(ctx context.Context, chainID uint) (map[string]types.Token, error) {
	return f.tokens, nil
}

func stableOracle() *fakeOracle {
	return &fakeOracle{
		prices: &types.PriceData{
			GasTokenPrice:  decPtr("3000"),
			FromTokenPrice: decPtr("1"),
			ToTokenPrices: map[string]decimal.Decimal{
				usdcMainnet: dec("1"),
				usdtMainnet: dec("1"),
				daiMainnet:  dec("1"),
			},
		},
		tokens: mainnetStables,
	}
}

func testServiceConfig() *types.Config {
	return &types.Config{
		Routing: types.RoutingConfig{
			RefreshInterval:  time.Minute,
			AdapterTimeout:   time.Second,
			DebounceInterval: 20 * time.Millisecond,
			SessionTTL:       time.Minute,
			DefaultSlippage:  dec("0.5"),
		},
		Fiat: types.FiatConfig{
			Mapping: types.FiatMapping{
				"USD": {1: {usdcMainnet, usdtMainnet, daiMainnet}},
			},
			Fallback: mainnetStables,
		},
	}
}

func newTestService(t *testing.T, oracle PriceOracle) (*RouterService, *cache.MemoryCache) {
	t.Helper()
	logger := quietLogger()
	mem := cache.NewMemoryCache(time.Minute, time.Minute, logger)
	t.Cleanup(func() { _ = mem.Close() })
	return NewRouterService(testServiceConfig(), mem, nil, oracle, logger), mem
}

func mockConfig(name string) *types.ProviderConfig {
	return &types.ProviderConfig{
		Name:            name,
		DisplayName:     name,
		IsActive:        true,
		Timeout:         time.Second,
		SupportedChains: []uint{1, 10},
	}
}

// fixedQuote 按目标代币返回固定数量的报价函数
func fixedQuote(amounts map[string]string, gas int64) func(context.Context, *adapters.QuoteParams) (*types.Quote, error) {
	return func(_ context.Context, p *adapters.QuoteParams) (*types.Quote, error) {
		amount, ok := amounts[p.To]
		if !ok {
			return nil, types.NewRouterError(types.ErrCodeNoValidQuotes, "no liquidity")
		}
		return &types.Quote{
			AmountReturned: dec(amount),
			AmountIn:       p.Amount,
			EstimatedGas:   decimal.NewFromInt(gas),
		}, nil
	}
}

func normalized(name string, netOut string, gas types.Estimate) types.NormalizedRoute {
	return types.NormalizedRoute{
		AdapterRoute: types.AdapterRoute{Name: name, FromAmount: "1000000", Quote: &types.Quote{AmountReturned: dec("1")}},
		GasUSD:       gas,
		Amount:       dec(netOut),
		NetOut:       dec(netOut),
		NetOutUnit:   types.NetOutUnitUSD,
		ActualToToken: types.Token{
			Address: usdcMainnet, Symbol: "USDC", Decimals: 6, ChainID: 1,
		},
	}
}
