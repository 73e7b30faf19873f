package adapters

import (
	"context"

	"defi-aggregator/stable-router/internal/types"

	"github.com/shopspring/decimal"
)

// Capabilities 适配器能力声明
type Capabilities struct {
	OutputAvailable   bool // 可报精确输出（交易前已知输入数量）
	Gasless           bool // 由中继代付Gas
	EmbedsFeeInOutput bool // 网络费已计入输出数量（批量拍卖类）
}

// QuoteParams 单次报价参数
// Amount 为精确输入数量；精确输出时为零，目标数量在 Extra.AmountOut
type QuoteParams struct {
	Chain   string
	ChainID uint
	From    string
	To      string
	Amount  decimal.Decimal
	Extra   types.QuoteExtra
}

// ProviderAdapter 聚合器适配器接口
// 定义所有第三方聚合器必须实现的标准接口
type ProviderAdapter interface {
	// 基础信息
	GetName() string
	GetDisplayName() string
	IsSupported(chainID uint) bool
	Capabilities() Capabilities

	// 核心功能
	GetQuote(ctx context.Context, params *QuoteParams) (*types.Quote, error)
	HealthCheck(ctx context.Context) error

	// 配置管理
	UpdateConfig(config *types.ProviderConfig) error
	GetConfig() *types.ProviderConfig
	GetMetrics() AdapterMetrics
}

// TxBuilder 能从报价中取出链上交易的适配器
type TxBuilder interface {
	GetTxData(quote *types.Quote) string
	GetTx(quote *types.Quote) *types.TxRequest
}

// Swapper 自行完成提交的适配器（链下订单、无Gas中继）
type Swapper interface {
	Swap(ctx context.Context, bundle *types.ExecutionBundle) (types.TxResult, error)
}

// GaslessApprover 支持免Gas授权（permit）的适配器
type GaslessApprover interface {
	SupportsGaslessApproval(chainID uint, token string) bool
}
