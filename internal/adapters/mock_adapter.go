package adapters

import (
	"context"

	"defi-aggregator/stable-router/internal/types"

	"github.com/sirupsen/logrus"
)

// MockAdapter 可编程的内存适配器，用于本地联调与测试
type MockAdapter struct {
	*BaseAdapter
	Caps      Capabilities
	QuoteFunc func(ctx context.Context, params *QuoteParams) (*types.Quote, error)
	Tx        *types.TxRequest
	Healthy   error
}

// NewMockAdapter 创建模拟适配器
func NewMockAdapter(config *types.ProviderConfig, logger *logrus.Logger, caps Capabilities,
	quoteFunc func(ctx context.Context, params *QuoteParams) (*types.Quote, error)) *MockAdapter {
	return &MockAdapter{
		BaseAdapter: NewBaseAdapter(config, logger),
		Caps:        caps,
		QuoteFunc:   quoteFunc,
	}
}

// Capabilities 返回预设能力
func (m *MockAdapter) Capabilities() Capabilities { return m.Caps }

// GetQuote 调用预设的报价函数
func (m *MockAdapter) GetQuote(ctx context.Context, params *QuoteParams) (*types.Quote, error) {
	if m.QuoteFunc == nil {
		return nil, types.NewRouterError(types.ErrCodeProviderError, "mock adapter has no quote function")
	}
	return m.QuoteFunc(ctx, params)
}

// HealthCheck 返回预设健康状态
func (m *MockAdapter) HealthCheck(ctx context.Context) error { return m.Healthy }

// GetTxData 预设交易的数据
func (m *MockAdapter) GetTxData(*types.Quote) string {
	if m.Tx == nil {
		return ""
	}
	return m.Tx.Data
}

// GetTx 预设交易
func (m *MockAdapter) GetTx(*types.Quote) *types.TxRequest { return m.Tx }

// MockSwapAdapter 额外实现 Swapper 的模拟适配器
type MockSwapAdapter struct {
	*MockAdapter
	SwapFunc func(ctx context.Context, bundle *types.ExecutionBundle) (types.TxResult, error)
}

// Swap 调用预设的执行函数
func (m *MockSwapAdapter) Swap(ctx context.Context, bundle *types.ExecutionBundle) (types.TxResult, error) {
	return m.SwapFunc(ctx, bundle)
}
