package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"defi-aggregator/stable-router/internal/adapters"
	"defi-aggregator/stable-router/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenRequest(amount string) *types.RoutesRequest {
	return &types.RoutesRequest{
		RequestID: "test",
		Chain:     "ethereum",
		From:      usdcMainnet,
		To:        usdtMainnet,
		Amount:    dec(amount),
		Extra: types.QuoteExtra{
			GasPriceWei: decPtr("1000000"),
		},
	}
}

func TestFetchAllRoutesIsolatesFailures(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())

	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("alpha"), quietLogger(), adapters.Capabilities{},
		fixedQuote(map[string]string{usdtMainnet: "999000"}, 150000)))
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("beta"), quietLogger(), adapters.Capabilities{},
		func(context.Context, *adapters.QuoteParams) (*types.Quote, error) {
			return nil, errors.New("upstream exploded")
		}))
	slowCfg := mockConfig("gamma")
	slowCfg.Timeout = 50 * time.Millisecond
	svc.RegisterAdapter(adapters.NewMockAdapter(slowCfg, quietLogger(), adapters.Capabilities{},
		func(ctx context.Context, _ *adapters.QuoteParams) (*types.Quote, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("empty"), quietLogger(), adapters.Capabilities{},
		func(context.Context, *adapters.QuoteParams) (*types.Quote, error) {
			return &types.Quote{AmountReturned: decimal.Zero}, nil
		}))

	result := svc.FetchAllRoutes(context.Background(), tokenRequest("1000000"), nil)

	require.Len(t, result.Routes, 1)
	assert.Equal(t, "alpha", result.Routes[0].Name)
	assert.Equal(t, "1000000", result.Routes[0].FromAmount)
	assert.False(t, result.Routes[0].FetchedAt.IsZero())
	assert.False(t, result.IsLoading)
	assert.Empty(t, result.LoadingRoutes)

	failed := map[string]types.AdapterRoute{}
	for _, r := range result.Failed {
		assert.Nil(t, r.Quote)
		failed[r.Name] = r
	}
	require.Len(t, failed, 3)
	assert.Contains(t, failed["beta"].Error, "upstream exploded")
	assert.Contains(t, failed["gamma"].Error, "超时")
	assert.Contains(t, failed["empty"].Error, "空报价")
}

func TestFetchAllRoutesStreamsUpdates(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	release := make(chan struct{})
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("fast"), quietLogger(), adapters.Capabilities{},
		func(context.Context, *adapters.QuoteParams) (*types.Quote, error) {
			return nil, errors.New("no route")
		}))
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("slow"), quietLogger(), adapters.Capabilities{},
		func(ctx context.Context, p *adapters.QuoteParams) (*types.Quote, error) {
			<-release
			return &types.Quote{AmountReturned: dec("998000"), EstimatedGas: dec("100000")}, nil
		}))

	var updates []types.RoutesResult
	var mu sync.Mutex
	done := make(chan types.RoutesResult)
	go func() {
		done <- svc.FetchAllRoutes(context.Background(), tokenRequest("1000000"), func(r types.RoutesResult) {
			mu.Lock()
			updates = append(updates, r)
			mu.Unlock()
			if len(r.Failed) == 1 && len(r.Routes) == 0 {
				close(release)
			}
		})
	}()
	final := <-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 2)
	first := updates[0]
	assert.True(t, first.IsLoading)
	assert.Equal(t, []string{"slow"}, first.LoadingRoutes)
	assert.False(t, final.IsLoading)
	require.Len(t, final.Routes, 1)
	assert.Equal(t, final.Routes[0].FetchedAt, final.LastFetched)
}

func TestFetchAllRoutesUsesCacheAndBypassesOnRefresh(t *testing.T) {
	svc, mem := newTestService(t, stableOracle())
	var calls atomic.Int32
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("alpha"), quietLogger(), adapters.Capabilities{},
		func(_ context.Context, p *adapters.QuoteParams) (*types.Quote, error) {
			calls.Add(1)
			return &types.Quote{AmountReturned: dec("999000"), EstimatedGas: dec("100000")}, nil
		}))

	req := tokenRequest("1000000")
	first := svc.FetchAllRoutes(context.Background(), req, nil)
	require.Len(t, first.Routes, 1)

	// Gas价格不属于缓存键
	again := tokenRequest("1000000")
	again.Extra.GasPriceWei = decPtr("99")
	second := svc.FetchAllRoutes(context.Background(), again, nil)
	require.Len(t, second.Routes, 1)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), mem.Stats().Hits)

	refresh := tokenRequest("1000000")
	refresh.ForceRefresh = true
	svc.FetchAllRoutes(context.Background(), refresh, nil)
	assert.Equal(t, int32(2), calls.Load())

	svc.FetchAllRoutes(context.Background(), tokenRequest("2000000"), nil)
	assert.Equal(t, int32(3), calls.Load())

	metrics := svc.GetMetrics()
	assert.Equal(t, int64(4), metrics.TotalRounds)
	assert.Equal(t, int64(1), metrics.CacheHits)
}

func TestFetchAllRoutesCollapsesConcurrentQueries(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("alpha"), quietLogger(), adapters.Capabilities{},
		func(context.Context, *adapters.QuoteParams) (*types.Quote, error) {
			if calls.Add(1) == 1 {
				close(entered)
			}
			<-release
			return &types.Quote{AmountReturned: dec("999000"), EstimatedGas: dec("100000")}, nil
		}))

	var wg sync.WaitGroup
	results := make([]types.RoutesResult, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = svc.FetchAllRoutes(context.Background(), tokenRequest("1000000"), nil)
	}()
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = svc.FetchAllRoutes(context.Background(), tokenRequest("1000000"), nil)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, results[0].Routes, 1)
	assert.Len(t, results[1].Routes, 1)
}

func TestFetchAllRoutesSharedQuerySurvivesCancelledCaller(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("alpha"), quietLogger(), adapters.Capabilities{},
		func(ctx context.Context, _ *adapters.QuoteParams) (*types.Quote, error) {
			if calls.Add(1) == 1 {
				close(entered)
			}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &types.Quote{AmountReturned: dec("999000"), EstimatedGas: dec("100000")}, nil
		}))

	roundCtx, cancelRound := context.WithCancel(context.Background())
	superseded := make(chan types.RoutesResult, 1)
	go func() {
		superseded <- svc.FetchAllRoutes(roundCtx, tokenRequest("1000000"), nil)
	}()
	<-entered

	oneShot := make(chan types.RoutesResult, 1)
	go func() {
		oneShot <- svc.FetchAllRoutes(context.Background(), tokenRequest("1000000"), nil)
	}()
	time.Sleep(50 * time.Millisecond)

	cancelRound()
	cancelled := <-superseded
	assert.Empty(t, cancelled.Routes)
	require.Len(t, cancelled.Failed, 1)
	assert.Contains(t, cancelled.Failed[0].Error, context.Canceled.Error())

	close(release)
	result := <-oneShot
	require.Len(t, result.Routes, 1)
	assert.Equal(t, "alpha", result.Routes[0].Name)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchAllRoutesStaysLoadingWhenEveryQueryFails(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("alpha"), quietLogger(), adapters.Capabilities{},
		fixedQuote(map[string]string{}, 100000)))

	result := svc.FetchAllRoutes(context.Background(), tokenRequest("1000000"), nil)
	assert.Empty(t, result.Routes)
	require.Len(t, result.Failed, 1)
	assert.Empty(t, result.LoadingRoutes)
	assert.True(t, result.IsLoading)
}

func TestFetchAllRoutesExactOutput(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	var inputCalls atomic.Int32
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("input-only"), quietLogger(), adapters.Capabilities{},
		func(context.Context, *adapters.QuoteParams) (*types.Quote, error) {
			inputCalls.Add(1)
			return &types.Quote{AmountReturned: dec("1")}, nil
		}))
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("output"), quietLogger(), adapters.Capabilities{OutputAvailable: true},
		func(_ context.Context, p *adapters.QuoteParams) (*types.Quote, error) {
			assert.True(t, p.Amount.IsZero())
			return &types.Quote{AmountReturned: p.Extra.AmountOut, AmountIn: dec("1002000"), EstimatedGas: dec("100000")}, nil
		}))

	req := tokenRequest("0")
	req.Extra.AmountOut = dec("1000000")
	result := svc.FetchAllRoutes(context.Background(), req, nil)

	require.Len(t, result.Routes, 1)
	assert.Equal(t, "output", result.Routes[0].Name)
	assert.Equal(t, "1002000", result.Routes[0].FromAmount)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "input-only", result.Failed[0].Name)
	assert.Equal(t, int32(0), inputCalls.Load())
}

func TestFetchAllRoutesInvalidRequestYieldsPlaceholders(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	var calls atomic.Int32
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("alpha"), quietLogger(), adapters.Capabilities{},
		func(context.Context, *adapters.QuoteParams) (*types.Quote, error) {
			calls.Add(1)
			return nil, nil
		}))

	result := svc.FetchAllRoutes(context.Background(), tokenRequest("0"), nil)
	assert.Empty(t, result.Routes)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "alpha", result.Failed[0].Name)
	assert.False(t, result.IsLoading)
	assert.Equal(t, int32(0), calls.Load())

	unknown := tokenRequest("1000000")
	unknown.Chain = "atlantis"
	_, _, err := svc.GetRankedRoutes(context.Background(), unknown)
	var routerErr *types.RouterError
	require.ErrorAs(t, err, &routerErr)
	assert.Equal(t, types.ErrCodeUnsupportedChain, routerErr.Code)
}

func TestFetchAllRoutesSkipsDisabledAndUnsupported(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	quote := fixedQuote(map[string]string{usdtMainnet: "999000"}, 100000)
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("alpha"), quietLogger(), adapters.Capabilities{}, quote))
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("beta"), quietLogger(), adapters.Capabilities{}, quote))
	bsc := mockConfig("bsc-only")
	bsc.SupportedChains = []uint{56}
	svc.RegisterAdapter(adapters.NewMockAdapter(bsc, quietLogger(), adapters.Capabilities{}, quote))

	req := tokenRequest("1000000")
	req.DisabledAdapters = []string{"BETA"}
	result := svc.FetchAllRoutes(context.Background(), req, nil)
	require.Len(t, result.Routes, 1)
	assert.Equal(t, "alpha", result.Routes[0].Name)
	assert.Empty(t, result.Failed)
}

// ETH -> USD：法币展开为三个稳定币，每个（适配器 × 稳定币）一次查询
func TestGetRankedRoutesFiatScenario(t *testing.T) {
	oracle := stableOracle()
	oracle.prices.FromTokenPrice = decPtr("3000")
	svc, _ := newTestService(t, oracle)

	var calls atomic.Int32
	counted := func(amounts map[string]string) func(context.Context, *adapters.QuoteParams) (*types.Quote, error) {
		inner := fixedQuote(amounts, 150000)
		return func(ctx context.Context, p *adapters.QuoteParams) (*types.Quote, error) {
			calls.Add(1)
			return inner(ctx, p)
		}
	}
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("alpha"), quietLogger(), adapters.Capabilities{},
		counted(map[string]string{
			usdcMainnet: "3000000000",
			usdtMainnet: "2999000000",
			daiMainnet:  "2998000000000000000000",
		})))
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("beta"), quietLogger(), adapters.Capabilities{},
		counted(map[string]string{
			usdcMainnet: "2990000000",
			usdtMainnet: "2995000000",
			daiMainnet:  "2999500000000000000000",
		})))

	req := &types.RoutesRequest{
		RequestID: "fiat",
		Chain:     "ethereum",
		From:      types.NativeTokenAddress,
		To:        "USD",
		Amount:    dec("1000000000000000000"),
		Extra:     types.QuoteExtra{GasPriceWei: decPtr("10000000000")},
	}
	result, eval, err := svc.GetRankedRoutes(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, result.IsFiat)
	assert.Equal(t, []string{usdcMainnet, usdtMainnet, daiMainnet}, result.Targets)
	assert.Equal(t, int32(6), calls.Load())
	require.Len(t, result.Routes, 6)
	for _, r := range result.Routes {
		assert.True(t, r.IsFiatRoute)
		assert.Equal(t, "USD", r.OriginalToToken)
	}

	require.Equal(t, 6, eval.Ranked.Len())
	best := eval.Ranked.Routes[0]
	assert.Equal(t, "alpha", best.Name)
	assert.Equal(t, "USDC", best.ActualToToken.Symbol)
	// 3000 * 150000 * 10 gwei / 1e18 = 4.5
	assert.Equal(t, "4.5", best.GasUSD.Value.String())
	assert.Equal(t, "2995.5", best.NetOut.String())

	rows := GroupRoutesByTarget(eval.Ranked, true)
	require.Len(t, rows, 3)
	symbols := map[string]string{}
	for _, r := range rows {
		symbols[r.ActualToToken.Symbol] = r.Name
	}
	assert.Equal(t, map[string]string{"USDC": "alpha", "USDT": "alpha", "DAI": "beta"}, symbols)

	ref := ReferenceRoute(eval.Ranked, nil)
	impact := RelativeImpact(&rows[0], ref)
	require.True(t, impact.Known)
	assert.True(t, impact.Value.IsZero())
}

func TestGetRankedRoutesUnknownGasSortsLast(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("rich"), quietLogger(), adapters.Capabilities{},
		fixedQuote(map[string]string{usdtMainnet: "5000000"}, 21000)))
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("relay"), quietLogger(), adapters.Capabilities{Gasless: true},
		fixedQuote(map[string]string{usdtMainnet: "990000"}, 0)))

	req := tokenRequest("1000000")
	req.Extra.GasPriceWei = nil // 无链客户端，Gas价格未知

	_, eval, err := svc.GetRankedRoutes(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 2, eval.Ranked.Len())
	assert.Equal(t, "relay", eval.Ranked.Routes[0].Name)
	assert.Equal(t, "rich", eval.Ranked.Routes[1].Name)
	assert.True(t, eval.Ranked.Routes[1].GasUSD.IsUnknown())
	assert.True(t, eval.Ranked.Routes[1].LossPercent.Value.GreaterThan(decimal.NewFromInt(1)))
}

func TestEvaluateCollectsHiddenAdapters(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	result := types.RoutesResult{
		Routes: []types.AdapterRoute{{
			Name: "alpha", FromAmount: "1000000", TargetToken: usdtMainnet,
			L1Gas: types.KnownEstimate(decimal.Zero),
			Quote: &types.Quote{AmountReturned: dec("999000"), EstimatedGas: dec("100000")},
		}},
		Failed:  []types.AdapterRoute{{Name: "beta"}, {Name: "beta"}},
		Targets: []string{usdtMainnet},
	}
	eval := svc.Evaluate(context.Background(), tokenRequest("1000000"), result, false)
	assert.Equal(t, []string{"beta"}, eval.HiddenAdapters)
	assert.Equal(t, 1, eval.Ranked.Len())
	assert.False(t, eval.Simulated)
}
