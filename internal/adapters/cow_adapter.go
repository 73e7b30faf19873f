package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"defi-aggregator/stable-router/internal/types"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// CoW Protocol 常量
const (
	cowVaultRelayer  = "0xC92E8bdf79f0507f65a392b0ab4667716BFE0110"
	cowAppData       = `{"appCode":"StableRouter","metadata":{},"version":"1.1.0"}`
	cowQuoteReceiver = "0x0000000000000000000000000000000000000001" // 无用户地址时的占位接收者
)

// cowNetworks 链ID -> CoW API 网络路径
var cowNetworks = map[uint]string{
	1:     "mainnet",
	100:   "xdai",
	42161: "arbitrum_one",
	8453:  "base",
}

// cowWrappedNative 原生资产卖单按包装代币报价
var cowWrappedNative = map[uint]string{
	1:     "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
	100:   "0xe91D153E0b41518A2Ce8Dd3D7944Fa863463a97d",
	42161: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1",
	8453:  "0x4200000000000000000000000000000000000006",
}

// CowAdapter CoW Protocol聚合器适配器
// 批量拍卖：网络费已计入成交数量，订单链下签名后由solver结算
type CowAdapter struct {
	*BaseAdapter
	orderPoll time.Duration
}

// NewCowAdapter 创建CoW Protocol适配器实例
func NewCowAdapter(config *types.ProviderConfig, logger *logrus.Logger) ProviderAdapter {
	return &CowAdapter{
		BaseAdapter: NewBaseAdapter(config, logger),
		orderPoll:   3 * time.Second,
	}
}

// ========================================
// CoW Protocol API响应结构定义
// ========================================

// CowQuote POST /quote 响应中的 quote 对象
type CowQuote struct {
	SellToken         string `json:"sellToken"`
	BuyToken          string `json:"buyToken"`
	Receiver          string `json:"receiver"`
	SellAmount        string `json:"sellAmount"`
	BuyAmount         string `json:"buyAmount"`
	ValidTo           int64  `json:"validTo"`
	AppData           string `json:"appData"`
	FeeAmount         string `json:"feeAmount"`
	Kind              string `json:"kind"`
	PartiallyFillable bool   `json:"partiallyFillable"`
	SellTokenBalance  string `json:"sellTokenBalance"`
	BuyTokenBalance   string `json:"buyTokenBalance"`
	SigningScheme     string `json:"signingScheme"`
}

// CowQuoteResponse CoW Protocol报价API响应
type CowQuoteResponse struct {
	Quote      CowQuote `json:"quote"`
	From       string   `json:"from"`
	Expiration string   `json:"expiration"`
	ID         int64    `json:"id"`
	Verified   bool     `json:"verified"`
}

// CowErrorResponse CoW Protocol错误响应
type CowErrorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
}

// cowRawQuote 保存到 Quote.RawQuote 的内容
type cowRawQuote struct {
	Response   CowQuoteResponse `json:"response"`
	Network    string           `json:"network"`
	FromNative bool             `json:"from_native"`
}

// ========================================
// CoW Protocol适配器接口实现
// ========================================

// Capabilities 支持精确输出，费用内含在输出中
func (a *CowAdapter) Capabilities() Capabilities {
	return Capabilities{OutputAvailable: true, EmbedsFeeInOutput: true}
}

// IsSupported 需要同时在配置与网络表中
func (a *CowAdapter) IsSupported(chainID uint) bool {
	_, ok := cowNetworks[chainID]
	return ok && a.BaseAdapter.IsSupported(chainID)
}

// GetQuote 获取CoW Protocol报价
func (a *CowAdapter) GetQuote(ctx context.Context, params *QuoteParams) (*types.Quote, error) {
	startTime := time.Now()

	if !a.IsSupported(params.ChainID) {
		return nil, types.NewRouterError(types.ErrCodeUnsupportedChain, fmt.Sprintf("CoW Protocol不支持链ID: %d", params.ChainID))
	}

	network := cowNetworks[params.ChainID]
	apiURL, err := a.apiURL(network, "quote")
	if err != nil {
		return nil, fmt.Errorf("构建请求URL失败: %w", err)
	}

	fromNative := strings.EqualFold(params.From, types.NativeTokenAddress)
	sellToken := params.From
	if fromNative {
		sellToken = cowWrappedNative[params.ChainID]
	}

	userAddress := cowQuoteReceiver
	if params.Extra.UserAddress != "" {
		userAddress = params.Extra.UserAddress
	}

	requestBody := map[string]interface{}{
		"sellToken":        sellToken,
		"buyToken":         aggregatorToken(params.To),
		"receiver":         userAddress,
		"from":             userAddress,
		"appData":          cowAppData,
		"appDataHash":      cowAppDataHash(cowAppData),
		"sellTokenBalance": "erc20",
		"buyTokenBalance":  "erc20",
		"priceQuality":     "verified",
		"signingScheme":    "eip712",
		"onchainOrder":     fromNative,
	}
	if fromNative {
		requestBody["signingScheme"] = "eip1271"
	}
	if params.Extra.IsExactOutput() {
		requestBody["kind"] = "buy"
		requestBody["buyAmountAfterFee"] = params.Extra.AmountOut.String()
	} else {
		requestBody["kind"] = "sell"
		requestBody["sellAmountBeforeFee"] = params.Amount.String()
	}

	responseBody, err := a.postJSON(ctx, apiURL, requestBody, nil)
	if err != nil {
		return nil, a.describeError(err)
	}
	a.logger.Debugf("[CoW] 原始响应: %s", string(responseBody))

	var cowResponse CowQuoteResponse
	if err := a.parseJSONResponse(responseBody, &cowResponse); err != nil {
		return nil, err
	}

	quote, err := a.convertToStandardQuote(cowRawQuote{Response: cowResponse, Network: network, FromNative: fromNative})
	if err != nil {
		return nil, err
	}

	a.logger.Debugf("[CoW] 报价获取成功: buyAmount=%s, verified=%t, duration=%v",
		cowResponse.Quote.BuyAmount, cowResponse.Verified, time.Since(startTime))
	return quote, nil
}

// HealthCheck 检查CoW Protocol服务健康状态
func (a *CowAdapter) HealthCheck(ctx context.Context) error {
	healthURL, err := a.apiURL("mainnet", "version")
	if err != nil {
		return err
	}
	if _, err := a.makeHTTPRequest(ctx, http.MethodGet, healthURL, nil, nil); err != nil {
		return fmt.Errorf("CoW Protocol健康检查失败: %w", err)
	}
	return nil
}

// Swap 提交签名订单，返回可等待的链下订单句柄
func (a *CowAdapter) Swap(ctx context.Context, bundle *types.ExecutionBundle) (types.TxResult, error) {
	var raw cowRawQuote
	if err := json.Unmarshal(bundle.Quote.RawQuote, &raw); err != nil {
		return nil, fmt.Errorf("解析CoW报价失败: %w", err)
	}
	if raw.FromNative {
		return nil, types.NewRouterError(types.ErrCodeSwapNotSupported, "CoW原生资产卖单需要链上EthFlow下单")
	}
	if bundle.SignedPayload == "" {
		return nil, types.NewRouterError(types.ErrCodeInvalidRequest, "缺少订单签名")
	}

	order, err := cowOrderBody(raw.Response, bundle)
	if err != nil {
		return nil, err
	}

	ordersURL, err := a.apiURL(raw.Network, "orders")
	if err != nil {
		return nil, err
	}
	body, err := a.postJSON(ctx, ordersURL, order, nil)
	if err != nil {
		return nil, a.describeError(err)
	}
	var uid string
	if err := a.parseJSONResponse(body, &uid); err != nil {
		return nil, err
	}
	a.logger.Infof("[CoW] 📤 订单已提交: %s", uid)

	return types.OffchainOrderResult{
		ID:      uid,
		Awaiter: &cowOrderAwaiter{adapter: a, network: raw.Network, uid: uid},
	}, nil
}

// ========================================
// CoW Protocol URL构建和数据转换
// ========================================

// apiURL {base}/{network}/api/v1/{path}
func (a *CowAdapter) apiURL(network, path string) (string, error) {
	base, err := a.baseURL()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/api/v1/%s", base, network, path), nil
}

func (a *CowAdapter) describeError(err error) error {
	if statusErr, ok := asStatusError(err); ok {
		var errorResponse CowErrorResponse
		if json.Unmarshal([]byte(statusErr.Body), &errorResponse) == nil && errorResponse.ErrorType != "" {
			return fmt.Errorf("CoW API错误: %s - %s", errorResponse.ErrorType, errorResponse.Description)
		}
	}
	return err
}

// convertToStandardQuote 将CoW Protocol响应转换为标准报价格式
// 成交输入 = sellAmount + feeAmount
func (a *CowAdapter) convertToStandardQuote(raw cowRawQuote) (*types.Quote, error) {
	buyAmount, err := decimal.NewFromString(raw.Response.Quote.BuyAmount)
	if err != nil {
		return nil, fmt.Errorf("解析buyAmount失败: %w", err)
	}
	sellAmount, err := decimal.NewFromString(raw.Response.Quote.SellAmount)
	if err != nil {
		return nil, fmt.Errorf("解析sellAmount失败: %w", err)
	}
	feeAmount, err := a.standardizeAmount(raw.Response.Quote.FeeAmount)
	if err != nil {
		a.logger.Warnf("[CoW] 解析feeAmount失败: %v", err)
		feeAmount = decimal.Zero
	}

	var approval *string
	if !raw.FromNative {
		approval = strPtr(cowVaultRelayer)
	}

	return &types.Quote{
		AmountReturned:           buyAmount,
		AmountIn:                 sellAmount.Add(feeAmount),
		EstimatedGas:             decimal.Zero,
		TokenApprovalAddress:     approval,
		RawQuote:                 rawQuote(raw),
		FeeAmount:                &feeAmount,
		IsSignatureNeededForSwap: true,
		Logo:                     "https://icons.llamao.fi/icons/protocols/cowswap",
	}, nil
}

// cowOrderBody 按滑点调整限价后构造 POST /orders 请求体
func cowOrderBody(resp CowQuoteResponse, bundle *types.ExecutionBundle) (map[string]interface{}, error) {
	q := resp.Quote
	sellAmount, err := decimal.NewFromString(q.SellAmount)
	if err != nil {
		return nil, fmt.Errorf("解析sellAmount失败: %w", err)
	}
	fee, _ := decimal.NewFromString(q.FeeAmount)
	sellAmount = sellAmount.Add(fee)
	buyAmount, err := decimal.NewFromString(q.BuyAmount)
	if err != nil {
		return nil, fmt.Errorf("解析buyAmount失败: %w", err)
	}

	slip := bundle.Slippage.Div(decimal.NewFromInt(100))
	if q.Kind == "buy" {
		sellAmount = sellAmount.Mul(decimal.NewFromInt(1).Add(slip)).Floor()
	} else {
		buyAmount = buyAmount.Mul(decimal.NewFromInt(1).Sub(slip)).Floor()
	}

	return map[string]interface{}{
		"sellToken":         q.SellToken,
		"buyToken":          q.BuyToken,
		"receiver":          bundle.UserAddress,
		"sellAmount":        sellAmount.String(),
		"buyAmount":         buyAmount.String(),
		"validTo":           q.ValidTo,
		"appData":           cowAppData,
		"appDataHash":       cowAppDataHash(cowAppData),
		"feeAmount":         "0",
		"kind":              q.Kind,
		"partiallyFillable": false,
		"sellTokenBalance":  "erc20",
		"buyTokenBalance":   "erc20",
		"signingScheme":     "eip712",
		"signature":         bundle.SignedPayload,
		"from":              bundle.UserAddress,
		"quoteId":           resp.ID,
	}, nil
}

// cowAppDataHash appData 内容的 keccak256
func cowAppDataHash(appData string) string {
	return crypto.Keccak256Hash([]byte(appData)).Hex()
}

// ========================================
// 链下订单等待
// ========================================

type cowOrderAwaiter struct {
	adapter *CowAdapter
	network string
	uid     string
}

// WaitForOrder 轮询订单直到成交、取消或过期
func (w *cowOrderAwaiter) WaitForOrder(ctx context.Context) (types.OrderStatus, error) {
	orderURL, err := w.adapter.apiURL(w.network, "orders/"+w.uid)
	if err != nil {
		return types.OrderStatus{}, err
	}
	ticker := time.NewTicker(w.adapter.orderPoll)
	defer ticker.Stop()

	for {
		body, err := w.adapter.makeHTTPRequest(ctx, http.MethodGet, orderURL, nil, nil)
		if err == nil {
			var order struct {
				Status string `json:"status"`
			}
			if w.adapter.parseJSONResponse(body, &order) == nil {
				switch order.Status {
				case "fulfilled":
					return types.OrderStatus{UID: w.uid, Status: order.Status, Fulfilled: true, TxHash: w.tradeTxHash(ctx)}, nil
				case "cancelled", "expired":
					return types.OrderStatus{UID: w.uid, Status: order.Status}, nil
				}
			}
		} else {
			w.adapter.logger.Warnf("[CoW] 查询订单 %s 失败: %v", w.uid, err)
		}

		select {
		case <-ctx.Done():
			return types.OrderStatus{UID: w.uid, Status: "open"}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *cowOrderAwaiter) tradeTxHash(ctx context.Context) string {
	tradesURL, err := w.adapter.apiURL(w.network, "trades?orderUid="+w.uid)
	if err != nil {
		return ""
	}
	body, err := w.adapter.makeHTTPRequest(ctx, http.MethodGet, tradesURL, nil, nil)
	if err != nil {
		return ""
	}
	var trades []struct {
		TxHash string `json:"txHash"`
	}
	if w.adapter.parseJSONResponse(body, &trades) != nil || len(trades) == 0 {
		return ""
	}
	return trades[0].TxHash
}
