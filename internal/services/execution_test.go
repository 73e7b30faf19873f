package services

import (
	"context"
	"errors"
	"testing"

	"defi-aggregator/stable-router/internal/adapters"
	"defi-aggregator/stable-router/internal/types"
	"defi-aggregator/stable-router/pkg/metrics"

	"github.com/dustin/go-broadcast"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticSession 持有固定排序结果、不发起扇出的会话
func staticSession(t *testing.T, list *types.RankedRouteList) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:       "static",
		logger:   quietLogger(),
		params:   *tokenRequest("1000000"),
		selector: NewSelector(decimal.Zero),
		eval:     &Evaluation{Ranked: list},
		events:   broadcast.NewBroadcaster(eventBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	t.Cleanup(func() {
		cancel()
		_ = sess.events.Close()
	})
	return sess
}

type fakeAwaiter struct {
	status types.OrderStatus
	err    error
}

func (f fakeAwaiter) WaitForOrder(context.Context) (types.OrderStatus, error) {
	return f.status, f.err
}

func swapAdapter(name string, swap func(context.Context, *types.ExecutionBundle) (types.TxResult, error)) *adapters.MockSwapAdapter {
	return &adapters.MockSwapAdapter{
		MockAdapter: adapters.NewMockAdapter(mockConfig(name), quietLogger(), adapters.Capabilities{}, nil),
		SwapFunc:    swap,
	}
}

func impactList() *types.RankedRouteList {
	known := types.KnownEstimate(dec("1"))
	return listOf(
		normalized("best", "1000", known),
		normalized("ok", "980", known),
		normalized("bad", "600", known),
	)
}

func TestCheckPriceImpact(t *testing.T) {
	warn, hard := DefaultPriceImpactWarning, DefaultPriceImpactHardLimit
	tests := []struct {
		name    string
		impact  types.Estimate
		degen   bool
		warning bool
		blocked bool
	}{
		{"reference", types.KnownEstimate(decimal.Zero), false, false, false},
		{"small loss", types.KnownEstimate(dec("-2")), false, false, false},
		{"warning", types.KnownEstimate(dec("-5")), false, true, false},
		{"blocked", types.KnownEstimate(dec("-31")), false, true, true},
		{"degen", types.KnownEstimate(dec("-31")), true, true, false},
		{"better than reference", types.KnownEstimate(dec("40")), false, false, false},
		{"unknown", types.UnknownEstimate(), false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := CheckPriceImpact(tt.impact, warn, hard, tt.degen)
			assert.Equal(t, tt.warning, check.Warning)
			assert.Equal(t, tt.blocked, check.Blocked)
		})
	}
}

func TestExecuteRejectsRouteNotInList(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	sess := staticSession(t, impactList())

	_, err := svc.Execute(context.Background(), sess, ExecuteRequest{AdapterName: "vanished"})
	var routerErr *types.RouterError
	require.ErrorAs(t, err, &routerErr)
	assert.Equal(t, types.ErrCodeRouteNotAvailable, routerErr.Code)

	// 没有选择也没有指定名称
	_, err = svc.Execute(context.Background(), sess, ExecuteRequest{})
	require.ErrorAs(t, err, &routerErr)
	assert.Equal(t, types.ErrCodeRouteNotAvailable, routerErr.Code)
}

func TestExecuteBlocksHighPriceImpact(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	var swapped int
	svc.RegisterAdapter(swapAdapter("bad", func(context.Context, *types.ExecutionBundle) (types.TxResult, error) {
		swapped++
		return types.GaslessReceiptResult{Status: types.GaslessStatusSucceeded, Transactions: []string{"0xabc"}}, nil
	}))
	sess := staticSession(t, impactList())

	blocked := testutil.ToFloat64(metrics.Default().Executions.WithLabelValues("bad", types.ExecutionStatusBlocked))
	_, err := svc.Execute(context.Background(), sess, ExecuteRequest{AdapterName: "bad"})
	var routerErr *types.RouterError
	require.ErrorAs(t, err, &routerErr)
	assert.Equal(t, types.ErrCodePriceImpactTooHigh, routerErr.Code)
	assert.Equal(t, 0, swapped)
	assert.Equal(t, blocked+1, testutil.ToFloat64(metrics.Default().Executions.WithLabelValues("bad", types.ExecutionStatusBlocked)))

	outcome, err := svc.Execute(context.Background(), sess, ExecuteRequest{AdapterName: "bad", DegenMode: true})
	require.NoError(t, err)
	assert.Equal(t, 1, swapped)
	assert.Equal(t, ExecutionKindGasless, outcome.Kind)
	assert.Equal(t, types.ExecutionStatusConfirmed, outcome.Status)
	assert.Equal(t, []string{"0xabc"}, outcome.TxHashes)
	assert.True(t, outcome.ImpactWarning)
	assert.Equal(t, "-40", outcome.PriceImpact.Value.String())
}

func TestExecuteBuildsBundleFromSelection(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	var got *types.ExecutionBundle
	svc.RegisterAdapter(swapAdapter("ok", func(_ context.Context, b *types.ExecutionBundle) (types.TxResult, error) {
		got = b
		return types.OffchainOrderResult{
			ID:      "order-1",
			Awaiter: fakeAwaiter{status: types.OrderStatus{UID: "order-1", Status: "fulfilled", TxHash: "0xfeed", Fulfilled: true}},
		}, nil
	}))
	list := impactList()
	approval := "0x2222222222222222222222222222222222222222"
	list.Routes[1].Quote.TokenApprovalAddress = &approval
	sess := staticSession(t, list)
	_, err := sess.selector.Select(list, "ok", "")
	require.NoError(t, err)

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	outcome, err := svc.Execute(context.Background(), sess, ExecuteRequest{SignedPayload: "0xsig"})
	require.NoError(t, err)
	assert.Equal(t, ExecutionKindOrder, outcome.Kind)
	assert.Equal(t, "order-1", outcome.OrderID)
	assert.Equal(t, types.ExecutionStatusConfirmed, outcome.Status)
	assert.Equal(t, []string{"0xfeed"}, outcome.TxHashes)
	assert.False(t, outcome.ImpactWarning)

	require.NotNil(t, got)
	assert.Equal(t, "ok", got.AdapterName)
	assert.Equal(t, uint(1), got.ChainID)
	assert.Equal(t, "0xsig", got.SignedPayload)
	assert.Equal(t, approval, got.Approval.ApprovalAddress)
	assert.Equal(t, "1000000", got.AmountIn.String())

	event := (<-events).(SessionEvent)
	assert.Equal(t, EventExecution, event.Type)
	assert.Equal(t, "order-1", event.Execution.OrderID)
}

func TestExecuteSuppressesActionRejected(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	svc.RegisterAdapter(swapAdapter("best", func(context.Context, *types.ExecutionBundle) (types.TxResult, error) {
		return nil, errors.New("MetaMask Tx Signature: User rejected the request")
	}))
	sess := staticSession(t, impactList())

	failed := testutil.ToFloat64(metrics.Default().Executions.WithLabelValues("best", types.ExecutionStatusFailed))
	_, err := svc.Execute(context.Background(), sess, ExecuteRequest{AdapterName: "best"})
	var routerErr *types.RouterError
	require.ErrorAs(t, err, &routerErr)
	assert.Equal(t, types.ErrCodeActionRejected, routerErr.Code)
	assert.Equal(t, failed, testutil.ToFloat64(metrics.Default().Executions.WithLabelValues("best", types.ExecutionStatusFailed)))
}

func TestExecuteReportsOtherFailures(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	svc.RegisterAdapter(swapAdapter("best", func(context.Context, *types.ExecutionBundle) (types.TxResult, error) {
		return nil, errors.New("relay unavailable")
	}))
	sess := staticSession(t, impactList())

	failed := testutil.ToFloat64(metrics.Default().Executions.WithLabelValues("best", types.ExecutionStatusFailed))
	_, err := svc.Execute(context.Background(), sess, ExecuteRequest{AdapterName: "best"})
	var routerErr *types.RouterError
	require.ErrorAs(t, err, &routerErr)
	assert.Equal(t, types.ErrCodeExecutionFailed, routerErr.Code)
	assert.Equal(t, failed+1, testutil.ToFloat64(metrics.Default().Executions.WithLabelValues("best", types.ExecutionStatusFailed)))
}

func TestExecuteTxBuilderPaths(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	svc.RegisterAdapter(adapters.NewMockAdapter(mockConfig("best"), quietLogger(), adapters.Capabilities{}, nil))
	sess := staticSession(t, impactList())

	_, err := svc.Execute(context.Background(), sess, ExecuteRequest{AdapterName: "best"})
	var routerErr *types.RouterError
	require.ErrorAs(t, err, &routerErr)
	assert.Equal(t, types.ErrCodeInvalidRequest, routerErr.Code)

	// 钱包已通过 wallet_sendCalls 提交，无链客户端时保持 pending
	outcome, err := svc.Execute(context.Background(), sess, ExecuteRequest{AdapterName: "best", CallsID: "0xcalls"})
	require.NoError(t, err)
	assert.Equal(t, ExecutionKindBatch, outcome.Kind)
	assert.Equal(t, "0xcalls", outcome.OrderID)
	assert.Equal(t, types.ExecutionStatusPending, outcome.Status)
}

func TestSettleVariants(t *testing.T) {
	svc, _ := newTestService(t, stableOracle())
	ctx := context.Background()

	out, err := svc.settle(ctx, nil, "a", types.HashResult{Hash: "0x1"})
	require.NoError(t, err)
	assert.Equal(t, ExecutionKindHash, out.Kind)
	assert.Equal(t, types.ExecutionStatusPending, out.Status)

	for status, want := range map[string]string{
		types.GaslessStatusConfirmed: types.ExecutionStatusConfirmed,
		types.GaslessStatusSucceeded: types.ExecutionStatusConfirmed,
		types.GaslessStatusSubmitted: types.ExecutionStatusPending,
		types.GaslessStatusPending:   types.ExecutionStatusPending,
		types.GaslessStatusFailed:    types.ExecutionStatusFailed,
	} {
		out, err := svc.settle(ctx, nil, "a", types.GaslessReceiptResult{Status: status})
		require.NoError(t, err)
		assert.Equal(t, want, out.Status, status)
	}

	out, err = svc.settle(ctx, nil, "a", types.OffchainOrderResult{
		ID: "uid", Awaiter: fakeAwaiter{status: types.OrderStatus{Status: "expired"}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStatusFailed, out.Status)
	assert.Contains(t, out.Reason, "expired")

	out, err = svc.settle(ctx, nil, "a", types.OffchainOrderResult{
		ID: "uid", Awaiter: fakeAwaiter{err: context.DeadlineExceeded},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStatusPending, out.Status)

	_, err = svc.settle(ctx, nil, "a", nil)
	assert.Error(t, err)
}

func TestIsActionRejected(t *testing.T) {
	assert.True(t, IsActionRejected(types.NewRouterError(types.ErrCodeActionRejected, "rejected")))
	assert.True(t, IsActionRejected(errors.New("ACTION_REJECTED: user denied transaction signature")))
	assert.False(t, IsActionRejected(errors.New("execution reverted")))
	assert.False(t, IsActionRejected(nil))
}
