package types

import (
	"context"

	"github.com/shopspring/decimal"
)

// ========================================
// 执行相关类型
// ========================================

// ApprovalState 授权状态
type ApprovalState struct {
	Approved          bool   `json:"approved"`
	ApprovalAddress   string `json:"approval_address,omitempty"`
	IsGaslessApproval bool   `json:"is_gasless_approval"`
	PermitSignature   string `json:"permit_signature,omitempty"`
}

// ExecutionBundle 交给执行器的交易打包
type ExecutionBundle struct {
	AdapterName   string          `json:"adapter_name"`
	Chain         string          `json:"chain"`
	ChainID       uint            `json:"chain_id"`
	From          Token           `json:"from"`
	To            Token           `json:"to"`
	AmountIn      decimal.Decimal `json:"amount_in"`
	AmountOut     decimal.Decimal `json:"amount_out"`
	UserAddress   string          `json:"user_address"`
	Slippage      decimal.Decimal `json:"slippage"`
	Quote         Quote           `json:"quote"`
	Tx            *TxRequest      `json:"tx,omitempty"`
	Approval      ApprovalState   `json:"approval"`
	SignedPayload string          `json:"signed_payload,omitempty"` // 钱包签名后的原始交易或订单签名
}

// TxResult 执行结果的四种终态形状
// 调用方必须对所有变体做穷尽匹配
type TxResult interface {
	txResult()
}

// HashResult 普通链上交易哈希
type HashResult struct {
	Hash string `json:"hash"`
}

// GaslessReceiptResult 无Gas中继回执
type GaslessReceiptResult struct {
	Status       string   `json:"status"` // confirmed, submitted, succeeded, pending, failed
	Transactions []string `json:"transactions"`
	Reason       string   `json:"reason,omitempty"`
}

// OrderAwaiter 链下订单等待器
type OrderAwaiter interface {
	WaitForOrder(ctx context.Context) (OrderStatus, error)
}

// OrderStatus 链下订单终态
type OrderStatus struct {
	UID       string `json:"uid"`
	Status    string `json:"status"` // fulfilled, cancelled, expired
	TxHash    string `json:"tx_hash,omitempty"`
	Fulfilled bool   `json:"fulfilled"`
}

// OffchainOrderResult 链下订单（CoW 等批量拍卖）
type OffchainOrderResult struct {
	ID      string       `json:"id"`
	Awaiter OrderAwaiter `json:"-"`
}

// BatchStatusResult EIP-5792 批量调用句柄
type BatchStatusResult struct {
	ID string `json:"id"`
}

func (HashResult) txResult()           {}
func (GaslessReceiptResult) txResult() {}
func (OffchainOrderResult) txResult()  {}
func (BatchStatusResult) txResult()    {}

// 无Gas回执状态
const (
	GaslessStatusConfirmed = "confirmed"
	GaslessStatusSubmitted = "submitted"
	GaslessStatusSucceeded = "succeeded"
	GaslessStatusPending   = "pending"
	GaslessStatusFailed    = "failed"
)

// 执行结果状态
const (
	ExecutionStatusConfirmed = "confirmed"
	ExecutionStatusPending   = "pending"
	ExecutionStatusFailed    = "failed"
	ExecutionStatusBlocked   = "blocked"
)

// ExecutionOutcome 执行结果汇总
type ExecutionOutcome struct {
	AdapterName   string   `json:"adapter_name"`
	Kind          string   `json:"kind"` // hash, gasless, order, batch
	Status        string   `json:"status"`
	TxHashes      []string `json:"tx_hashes,omitempty"`
	OrderID       string   `json:"order_id,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	PriceImpact   Estimate `json:"price_impact"`
	ImpactWarning bool     `json:"impact_warning"`
}
