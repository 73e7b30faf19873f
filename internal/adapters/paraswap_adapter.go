package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"defi-aggregator/stable-router/internal/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ParaSwapAdapter ParaSwap聚合器适配器
// /prices 获取价格路由，有用户地址时再调用 /transactions 构建交易
type ParaSwapAdapter struct {
	*BaseAdapter
}

// NewParaSwapAdapter 创建ParaSwap适配器实例
func NewParaSwapAdapter(config *types.ProviderConfig, logger *logrus.Logger) ProviderAdapter {
	return &ParaSwapAdapter{
		BaseAdapter: NewBaseAdapter(config, logger),
	}
}

// ========================================
// ParaSwap API响应结构定义
// ========================================

// ParaSwapPriceResponse /prices 响应
type ParaSwapPriceResponse struct {
	PriceRoute json.RawMessage `json:"priceRoute"`
	Error      string          `json:"error,omitempty"`
}

// ParaSwapPriceRoute priceRoute 中使用到的字段
type ParaSwapPriceRoute struct {
	SrcAmount          string `json:"srcAmount"`
	DestAmount         string `json:"destAmount"`
	GasCost            string `json:"gasCost"`
	Side               string `json:"side"`
	TokenTransferProxy string `json:"tokenTransferProxy"`
	ContractAddress    string `json:"contractAddress"`
}

// ParaSwapTx /transactions 响应
type ParaSwapTx struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
	Gas   string `json:"gas,omitempty"`
}

// paraSwapRawQuote 保存到 Quote.RawQuote 的内容
type paraSwapRawQuote struct {
	PriceRoute json.RawMessage `json:"priceRoute"`
	Tx         *ParaSwapTx     `json:"tx,omitempty"`
}

// ========================================
// 核心接口实现
// ========================================

// Capabilities ParaSwap 支持 BUY 方向的精确输出
func (a *ParaSwapAdapter) Capabilities() Capabilities {
	return Capabilities{OutputAvailable: true}
}

// GetQuote 获取ParaSwap报价
func (a *ParaSwapAdapter) GetQuote(ctx context.Context, params *QuoteParams) (*types.Quote, error) {
	startTime := time.Now()

	if !a.IsSupported(params.ChainID) {
		return nil, types.NewRouterError(types.ErrCodeUnsupportedChain, fmt.Sprintf("ParaSwap不支持链ID: %d", params.ChainID))
	}
	if params.Extra.FromToken == nil || params.Extra.ToToken == nil {
		return nil, types.NewRouterError(types.ErrCodeInvalidRequest, "ParaSwap需要代币精度信息")
	}

	apiURL, err := a.buildPricesURL(params)
	if err != nil {
		return nil, fmt.Errorf("构建请求URL失败: %w", err)
	}
	a.logger.Debugf("[ParaSwap] 请求URL: %s", apiURL)

	responseBody, err := a.makeHTTPRequest(ctx, http.MethodGet, apiURL, nil, nil)
	if err != nil {
		return nil, a.describeError(err)
	}

	var priceResp ParaSwapPriceResponse
	if err := a.parseJSONResponse(responseBody, &priceResp); err != nil {
		return nil, err
	}
	if priceResp.Error != "" {
		return nil, fmt.Errorf("ParaSwap API错误: %s", priceResp.Error)
	}

	var route ParaSwapPriceRoute
	if err := a.parseJSONResponse(priceResp.PriceRoute, &route); err != nil {
		return nil, err
	}

	raw := paraSwapRawQuote{PriceRoute: priceResp.PriceRoute}
	if params.Extra.UserAddress != "" {
		tx, err := a.buildTransaction(ctx, params, priceResp.PriceRoute, &route)
		if err != nil {
			a.logger.Warnf("[ParaSwap] 构建交易失败: %v", err)
		} else {
			raw.Tx = tx
		}
	}

	quote, err := a.convertToStandardQuote(&route, raw)
	if err != nil {
		return nil, err
	}

	a.logger.Debugf("[ParaSwap] 报价获取成功: destAmount=%s, srcAmount=%s, duration=%v",
		route.DestAmount, route.SrcAmount, time.Since(startTime))
	return quote, nil
}

// HealthCheck ParaSwap健康检查
func (a *ParaSwapAdapter) HealthCheck(ctx context.Context) error {
	cfg := a.GetConfig()
	if len(cfg.SupportedChains) == 0 {
		return fmt.Errorf("没有配置支持的链")
	}
	base, err := a.baseURL()
	if err != nil {
		return err
	}
	healthURL := fmt.Sprintf("%s/tokens/%d", base, cfg.SupportedChains[0])
	if _, err := a.makeHTTPRequest(ctx, http.MethodGet, healthURL, nil, nil); err != nil {
		return fmt.Errorf("ParaSwap健康检查失败: %w", err)
	}
	return nil
}

// GetTxData 取出报价中的交易数据
func (a *ParaSwapAdapter) GetTxData(quote *types.Quote) string {
	if tx := a.GetTx(quote); tx != nil {
		return tx.Data
	}
	return ""
}

// GetTx 取出报价中的交易
func (a *ParaSwapAdapter) GetTx(quote *types.Quote) *types.TxRequest {
	if quote == nil || len(quote.RawQuote) == 0 {
		return nil
	}
	var raw paraSwapRawQuote
	if err := json.Unmarshal(quote.RawQuote, &raw); err != nil || raw.Tx == nil {
		return nil
	}
	gas, _ := strconv.ParseUint(raw.Tx.Gas, 10, 64)
	return &types.TxRequest{
		From:  raw.Tx.From,
		To:    raw.Tx.To,
		Data:  raw.Tx.Data,
		Value: raw.Tx.Value,
		Gas:   gas,
	}
}

// ========================================
// 辅助方法
// ========================================

// buildPricesURL 构建 /prices 请求URL
func (a *ParaSwapAdapter) buildPricesURL(params *QuoteParams) (string, error) {
	base, err := a.baseURL()
	if err != nil {
		return "", err
	}

	query := url.Values{}
	query.Set("srcToken", aggregatorToken(params.From))
	query.Set("destToken", aggregatorToken(params.To))
	query.Set("srcDecimals", strconv.Itoa(int(params.Extra.FromToken.Decimals)))
	query.Set("destDecimals", strconv.Itoa(int(params.Extra.ToToken.Decimals)))
	query.Set("network", strconv.FormatUint(uint64(params.ChainID), 10))
	query.Set("version", "6.2")
	if params.Extra.IsExactOutput() {
		query.Set("side", "BUY")
		query.Set("amount", params.Extra.AmountOut.String())
	} else {
		query.Set("side", "SELL")
		query.Set("amount", params.Amount.String())
	}
	if params.Extra.UserAddress != "" {
		query.Set("userAddress", params.Extra.UserAddress)
	}

	return fmt.Sprintf("%s/prices?%s", base, query.Encode()), nil
}

// buildTransaction 调用 /transactions 构建交易
func (a *ParaSwapAdapter) buildTransaction(ctx context.Context, params *QuoteParams, priceRoute json.RawMessage, route *ParaSwapPriceRoute) (*ParaSwapTx, error) {
	base, err := a.baseURL()
	if err != nil {
		return nil, err
	}

	// 滑点单位为基点
	slippageBps := params.Extra.Slippage.Mul(decimal.NewFromInt(100)).IntPart()
	payload := map[string]interface{}{
		"srcToken":     aggregatorToken(params.From),
		"destToken":    aggregatorToken(params.To),
		"srcDecimals":  params.Extra.FromToken.Decimals,
		"destDecimals": params.Extra.ToToken.Decimals,
		"priceRoute":   priceRoute,
		"userAddress":  params.Extra.UserAddress,
		"slippage":     slippageBps,
		"partner":      "llamaswap",
	}
	if route.Side == "BUY" {
		payload["destAmount"] = route.DestAmount
	} else {
		payload["srcAmount"] = route.SrcAmount
	}

	txURL := fmt.Sprintf("%s/transactions/%d?ignoreChecks=true", base, params.ChainID)
	body, err := a.postJSON(ctx, txURL, payload, nil)
	if err != nil {
		return nil, a.describeError(err)
	}
	var tx ParaSwapTx
	if err := a.parseJSONResponse(body, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (a *ParaSwapAdapter) describeError(err error) error {
	if statusErr, ok := asStatusError(err); ok {
		var errorResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal([]byte(statusErr.Body), &errorResp) == nil && errorResp.Error != "" {
			return fmt.Errorf("ParaSwap API错误(%d): %s", statusErr.StatusCode, errorResp.Error)
		}
	}
	return err
}

// convertToStandardQuote 将ParaSwap价格路由转换为标准格式
func (a *ParaSwapAdapter) convertToStandardQuote(route *ParaSwapPriceRoute, raw paraSwapRawQuote) (*types.Quote, error) {
	destAmount, err := a.standardizeAmount(route.DestAmount)
	if err != nil {
		return nil, fmt.Errorf("解析destAmount失败: %w", err)
	}
	srcAmount, err := a.standardizeAmount(route.SrcAmount)
	if err != nil {
		return nil, fmt.Errorf("解析srcAmount失败: %w", err)
	}
	if !destAmount.IsPositive() {
		return nil, fmt.Errorf("ParaSwap返回的输出数量为0")
	}
	gasCost, err := a.standardizeAmount(route.GasCost)
	if err != nil {
		gasCost = decimal.Zero
	}

	return &types.Quote{
		AmountReturned:       destAmount,
		AmountIn:             srcAmount,
		EstimatedGas:         gasCost,
		TokenApprovalAddress: strPtr(route.TokenTransferProxy),
		RawQuote:             rawQuote(raw),
		Logo:                 "https://icons.llamao.fi/icons/protocols/paraswap",
	}, nil
}
