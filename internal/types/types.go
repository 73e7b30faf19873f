// Package types 定义稳定币路由服务中使用的所有数据类型
// 包含报价、标准化路由、排序结果、会话选择状态、执行结果等
// 所有路由快照创建后不可修改，每轮刷新整体替换
package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NativeTokenAddress 链原生资产在路由请求中的地址表示
const NativeTokenAddress = "0x0000000000000000000000000000000000000000"

// ========================================
// 代币与请求类型
// ========================================

// Token 代币元数据
type Token struct {
	Address  string `json:"address" yaml:"address"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Name     string `json:"name" yaml:"name"`
	Decimals int32  `json:"decimals" yaml:"decimals"`
	ChainID  uint   `json:"chain_id" yaml:"chain_id"`
	GeckoID  string `json:"gecko_id,omitempty" yaml:"gecko_id,omitempty"`
}

// IsNative 是否为链原生资产
func (t *Token) IsNative() bool {
	return t != nil && strings.EqualFold(t.Address, NativeTokenAddress)
}

// QuoteExtra 报价附加参数
// GasPriceWei 与 ToToken 属于易变字段，不参与缓存键
type QuoteExtra struct {
	UserAddress      string           `json:"user_address,omitempty"`
	Slippage         decimal.Decimal  `json:"slippage"`             // 百分比，例如 0.5 表示 0.5%
	AmountOut        decimal.Decimal  `json:"amount_out,omitempty"` // 精确输出交易的目标数量（最小单位）
	IsPrivacyEnabled bool             `json:"is_privacy_enabled,omitempty"`
	FromToken        *Token           `json:"from_token,omitempty"`
	ToToken          *Token           `json:"to_token,omitempty"`
	GasPriceWei      *decimal.Decimal `json:"gas_price_wei,omitempty"`
}

// IsExactOutput 是否为精确输出交易
func (e QuoteExtra) IsExactOutput() bool {
	return e.AmountOut.IsPositive()
}

// CacheFingerprint 生成缓存指纹，排除 amount / gasPriceData / toToken
func (e QuoteExtra) CacheFingerprint() string {
	stable := struct {
		UserAddress      string `json:"user_address"`
		Slippage         string `json:"slippage"`
		AmountOut        string `json:"amount_out"`
		IsPrivacyEnabled bool   `json:"is_privacy_enabled"`
		FromToken        string `json:"from_token"`
	}{
		UserAddress:      strings.ToLower(e.UserAddress),
		Slippage:         e.Slippage.String(),
		AmountOut:        e.AmountOut.String(),
		IsPrivacyEnabled: e.IsPrivacyEnabled,
	}
	if e.FromToken != nil {
		stable.FromToken = strings.ToLower(e.FromToken.Address)
	}
	data, _ := json.Marshal(stable)
	return string(data)
}

// RoutesRequest 路由扇出请求
type RoutesRequest struct {
	RequestID        string          `json:"request_id"`
	Chain            string          `json:"chain"`
	From             string          `json:"from"`
	To               string          `json:"to"` // 代币地址或法币代码
	Amount           decimal.Decimal `json:"amount"`
	DisabledAdapters []string        `json:"disabled_adapters,omitempty"`
	Extra            QuoteExtra      `json:"extra"`
	ForceRefresh     bool            `json:"force_refresh,omitempty"`
}

// ParamsKey 请求参数元组，用于丢弃过期轮次的结果
func (r *RoutesRequest) ParamsKey() string {
	disabled := append([]string{}, r.DisabledAdapters...)
	data, _ := json.Marshal([]interface{}{
		r.Chain, strings.ToLower(r.From), r.To, r.Amount.String(), disabled, r.Extra.CacheFingerprint(),
	})
	return string(data)
}

// ========================================
// 聚合器报价类型
// ========================================

// Quote 适配器返回的统一报价
// 创建后只读，由标准化器消费
type Quote struct {
	AmountReturned           decimal.Decimal  `json:"amount_returned"`
	AmountIn                 decimal.Decimal  `json:"amount_in"`
	EstimatedGas             decimal.Decimal  `json:"estimated_gas"`
	TokenApprovalAddress     *string          `json:"token_approval_address"`
	RawQuote                 json.RawMessage  `json:"raw_quote,omitempty"`
	FeeAmount                *decimal.Decimal `json:"fee_amount,omitempty"`
	IsGaslessApproval        bool             `json:"is_gasless_approval,omitempty"`
	IsSignatureNeededForSwap bool             `json:"is_signature_needed_for_swap,omitempty"`
	Logo                     string           `json:"logo,omitempty"`
}

// TxRequest 可广播的交易描述
type TxRequest struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value,omitempty"`
	Gas   uint64 `json:"gas,omitempty"`
}

// AdapterRoute 单个（适配器 × 目标代币）查询结果
// Quote 为 nil 表示该适配器尝试过但失败（占位路由）
type AdapterRoute struct {
	Name              string     `json:"name"`
	Quote             *Quote     `json:"price"`
	FromAmount        string     `json:"from_amount"`
	TxData            string     `json:"tx_data"`
	L1Gas             Estimate   `json:"l1_gas"`
	Tx                *TxRequest `json:"tx,omitempty"`
	IsOutputAvailable bool       `json:"is_output_available"`
	IsGasless         bool       `json:"is_gasless"`
	EmbedsFeeInOutput bool       `json:"embeds_fee_in_output"`
	TargetToken       string     `json:"target_token"`
	OriginalToToken   string     `json:"original_to_token"`
	IsFiatRoute       bool       `json:"is_fiat_route"`
	ResolvedToToken   *Token     `json:"resolved_to_token,omitempty"`
	FetchedAt         time.Time  `json:"fetched_at"`
	Error             string     `json:"error,omitempty"`
}

// Succeeded 是否得到了有效报价
func (r *AdapterRoute) Succeeded() bool {
	return r != nil && r.Quote != nil
}

// RoutesResult 一轮扇出的聚合结果
type RoutesResult struct {
	ParamsKey     string         `json:"params_key"`
	Routes        []AdapterRoute `json:"routes"`         // 成功报价
	Failed        []AdapterRoute `json:"failed"`         // 占位路由
	LoadingRoutes []string       `json:"loading_routes"` // 仍在进行中的适配器
	IsLoading     bool           `json:"is_loading"`
	IsFiat        bool           `json:"is_fiat"`
	Targets       []string       `json:"targets"`
	LastFetched   time.Time      `json:"last_fetched"`
}

// ========================================
// 标准化与排序类型
// ========================================

// NetOut 计价单位
const (
	NetOutUnitUSD   = "USD"
	NetOutUnitToken = "TOKEN"
)

// NormalizedRoute 标准化后的路由快照
type NormalizedRoute struct {
	AdapterRoute
	GasUSD        Estimate         `json:"gas_usd"`
	Amount        decimal.Decimal  `json:"amount"`
	AmountUSD     *decimal.Decimal `json:"amount_usd"`
	AmountIn      decimal.Decimal  `json:"amount_in"`
	AmountInUSD   *decimal.Decimal `json:"amount_in_usd"`
	NetOut        decimal.Decimal  `json:"net_out"`
	NetOutUnit    string           `json:"net_out_unit"`
	IsFailed      bool             `json:"is_failed"`
	ActualToToken Token            `json:"actual_to_token"`
}

// RankedRoute 排序后的路由
type RankedRoute struct {
	NormalizedRoute
	Rank        int      `json:"rank"`
	LossPercent Estimate `json:"loss_percent"`
}

// RankedRouteList 排序结果
type RankedRouteList struct {
	Routes      []RankedRoute `json:"routes"`
	ExactOutput bool          `json:"exact_output"`
}

// Len 路由数量
func (l *RankedRouteList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Routes)
}

// Find 按适配器名称查找，法币流程下可指定目标代币
func (l *RankedRouteList) Find(name, tokenAddress string) (*RankedRoute, bool) {
	if l == nil {
		return nil, false
	}
	for i := range l.Routes {
		r := &l.Routes[i]
		if r.Name != name {
			continue
		}
		if tokenAddress != "" && !strings.EqualFold(r.ActualToToken.Address, tokenAddress) {
			continue
		}
		return r, true
	}
	return nil, false
}

// ========================================
// 选择状态
// ========================================

// StablecoinOverride 用户在法币分组视图中指定的稳定币
type StablecoinOverride struct {
	Address     string `json:"address"`
	AdapterName string `json:"adapter_name"`
}

// SelectionState 会话选择状态
// 选中的路由每次都按名称从最新排序结果中重新解析
type SelectionState struct {
	SelectedAdapter    string              `json:"selected_adapter,omitempty"`
	SelectedToken      string              `json:"selected_token,omitempty"` // 用户选中某一行时锁定的目标稳定币
	StablecoinOverride *StablecoinOverride `json:"stablecoin_override,omitempty"`
}

// HasSelection 是否有选中路由
func (s SelectionState) HasSelection() bool {
	return s.SelectedAdapter != ""
}

// ========================================
// 价格数据
// ========================================

// PriceData 价格预言机返回值，任意字段均可能缺失
type PriceData struct {
	GasTokenPrice  *decimal.Decimal           `json:"gas_token_price"`
	FromTokenPrice *decimal.Decimal           `json:"from_token_price"`
	ToTokenPrices  map[string]decimal.Decimal `json:"to_token_prices"` // 小写地址 -> 价格
	GasPriceWei    *decimal.Decimal           `json:"gas_price_wei"`
}

// ToTokenPrice 查询目标代币价格
func (p *PriceData) ToTokenPrice(address string) *decimal.Decimal {
	if p == nil || p.ToTokenPrices == nil {
		return nil
	}
	if v, ok := p.ToTokenPrices[strings.ToLower(address)]; ok {
		return &v
	}
	return nil
}

// SimulationResult 链上模拟结果，按适配器名称索引
type SimulationResult struct {
	Adapter  string `json:"adapter"`
	Reverted bool   `json:"reverted"`
	GasUsed  uint64 `json:"gas_used"`
}

// ========================================
// 错误类型定义
// ========================================

// RouterError 路由服务错误
type RouterError struct {
	Code      string                 `json:"code"`               // 错误代码
	Message   string                 `json:"message"`            // 错误消息
	Details   map[string]interface{} `json:"details"`            // 错误详情
	Provider  string                 `json:"provider,omitempty"` // 相关聚合器
	Timestamp time.Time              `json:"timestamp"`          // 错误时间
}

func (e *RouterError) Error() string {
	return e.Message
}

// NewRouterError 创建路由错误
func NewRouterError(code, message string) *RouterError {
	return &RouterError{Code: code, Message: message, Timestamp: time.Now()}
}

// 预定义错误代码
const (
	ErrCodeInvalidRequest        = "INVALID_REQUEST"         // 无效请求
	ErrCodeProviderTimeout       = "PROVIDER_TIMEOUT"        // 聚合器超时
	ErrCodeProviderError         = "PROVIDER_ERROR"          // 聚合器错误
	ErrCodeNoValidQuotes         = "NO_VALID_QUOTES"         // 无有效报价
	ErrCodeCacheError            = "CACHE_ERROR"             // 缓存错误
	ErrCodeInternalError         = "INTERNAL_ERROR"          // 内部错误
	ErrCodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"     // 频率限制
	ErrCodeUnsupportedChain      = "UNSUPPORTED_CHAIN"       // 不支持的链
	ErrCodeSessionNotFound       = "SESSION_NOT_FOUND"       // 会话不存在
	ErrCodeRouteNotAvailable     = "ROUTE_NOT_AVAILABLE"     // 路由不在当前排序结果中
	ErrCodePriceImpactTooHigh    = "PRICE_IMPACT_TOO_HIGH"   // 价格冲击超过硬阈值
	ErrCodeActionRejected        = "ACTION_REJECTED"         // 用户在钱包中拒绝
	ErrCodeExecutionFailed       = "EXECUTION_FAILED"        // 执行失败
	ErrCodeSwapNotSupported      = "SWAP_NOT_SUPPORTED"      // 适配器不支持执行
	ErrCodeMarketDataUnavailable = "MARKET_DATA_UNAVAILABLE" // 市场数据不可用
)

// ========================================
// HTTP响应类型
// ========================================

// APIResponse 统一API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`         // 是否成功
	Data      interface{} `json:"data,omitempty"`  // 响应数据
	Error     *APIError   `json:"error,omitempty"` // 错误信息
	Meta      interface{} `json:"meta,omitempty"`  // 元数据
	Timestamp int64       `json:"timestamp"`       // 时间戳
	RequestID string      `json:"request_id"`      // 请求ID
}

// APIError API错误信息
type APIError struct {
	Code    string                 `json:"code"`              // 错误代码
	Message string                 `json:"message"`           // 错误消息
	Details map[string]interface{} `json:"details,omitempty"` // 详细信息
}

// HealthCheckResponse 健康检查响应
type HealthCheckResponse struct {
	Status    string                    `json:"status"`
	Timestamp time.Time                 `json:"timestamp"`
	Version   string                    `json:"version"`
	Uptime    string                    `json:"uptime"`
	Providers map[string]ProviderHealth `json:"providers,omitempty"`
	Cache     CacheHealth               `json:"cache"`
	Sessions  int                       `json:"sessions"`
}

// ProviderHealth 聚合器健康状态
type ProviderHealth struct {
	Status       string        `json:"status"` // healthy, unhealthy, degraded
	LastChecked  time.Time     `json:"last_checked"`
	ResponseTime time.Duration `json:"response_time"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// CacheHealth 缓存健康状态
type CacheHealth struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
}

// ========================================
// 常量定义
// ========================================

// 支持的聚合器列表
const (
	Provider1inch     = "1inch"      // 1inch聚合器
	ProviderParaswap  = "paraswap"   // ParaSwap聚合器
	Provider0x        = "0x"         // 0x Protocol
	Provider0xGasless = "0x-gasless" // 0x Gasless API
	ProviderCowswap   = "cowswap"    // CoW Protocol
)

// 缓存键前缀
const (
	CacheKeyRoute   = "route:"   // 单个适配器报价缓存前缀
	CacheKeySession = "session:" // 会话快照前缀
	CacheKeyMarket  = "market:"  // 市场数据前缀
)

// 健康状态
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)
