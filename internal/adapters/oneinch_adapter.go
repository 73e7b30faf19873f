package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"defi-aggregator/stable-router/internal/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// eeeeAddress 1inch / ParaSwap / 0x 对原生资产使用的地址
const eeeeAddress = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// aggregatorToken 把零地址转换为聚合器使用的原生资产地址
func aggregatorToken(address string) string {
	if strings.EqualFold(address, types.NativeTokenAddress) {
		return eeeeAddress
	}
	return address
}

// OneInchAdapter 1inch聚合器适配器
type OneInchAdapter struct {
	*BaseAdapter
}

// NewOneInchAdapter 创建1inch适配器实例
func NewOneInchAdapter(config *types.ProviderConfig, logger *logrus.Logger) ProviderAdapter {
	return &OneInchAdapter{
		BaseAdapter: NewBaseAdapter(config, logger),
	}
}

// ========================================
// 1inch API响应结构定义
// ========================================

// OneInchQuoteResponse 1inch /quote 与 /swap 响应
// 同时兼容 v5 (toTokenAmount/estimatedGas) 与 v6 (dstAmount/gas) 字段
type OneInchQuoteResponse struct {
	DstAmount     string          `json:"dstAmount,omitempty"`
	ToTokenAmount string          `json:"toTokenAmount,omitempty"`
	Gas           int64           `json:"gas,omitempty"`
	EstimatedGas  int64           `json:"estimatedGas,omitempty"`
	Tx            *OneInchTx      `json:"tx,omitempty"`
	Spender       string          `json:"spender,omitempty"` // 由适配器补充的授权地址
	Protocols     json.RawMessage `json:"protocols,omitempty"`
}

// OneInchTx 1inch /swap 返回的交易
type OneInchTx struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	Gas      int64  `json:"gas"`
	GasPrice string `json:"gasPrice"`
}

// OneInchErrorResponse 1inch错误响应
type OneInchErrorResponse struct {
	StatusCode  int    `json:"statusCode"`
	Error       string `json:"error"`
	Description string `json:"description"`
}

// ========================================
// 核心接口实现
// ========================================

// Capabilities 1inch 只支持精确输入
func (a *OneInchAdapter) Capabilities() Capabilities {
	return Capabilities{}
}

// GetQuote 获取1inch报价
// 有用户地址时调用 /swap 以同时拿到交易数据，否则调用 /quote
func (a *OneInchAdapter) GetQuote(ctx context.Context, params *QuoteParams) (*types.Quote, error) {
	startTime := time.Now()

	if !a.IsSupported(params.ChainID) {
		return nil, types.NewRouterError(types.ErrCodeUnsupportedChain, fmt.Sprintf("1inch不支持链ID: %d", params.ChainID))
	}
	if params.Extra.IsExactOutput() {
		return nil, types.NewRouterError(types.ErrCodeInvalidRequest, "1inch不支持精确输出")
	}

	apiURL, err := a.buildQuoteURL(params)
	if err != nil {
		return nil, fmt.Errorf("构建请求URL失败: %w", err)
	}
	a.logger.Debugf("[1inch] 请求URL: %s", apiURL)

	responseBody, err := a.makeHTTPRequest(ctx, http.MethodGet, apiURL, nil, nil)
	if err != nil {
		return nil, a.describeError(err)
	}

	var quoteResp OneInchQuoteResponse
	if err := a.parseJSONResponse(responseBody, &quoteResp); err != nil {
		return nil, err
	}

	if !strings.EqualFold(params.From, types.NativeTokenAddress) {
		spender, err := a.fetchSpender(ctx, params.ChainID)
		if err != nil {
			a.logger.Warnf("[1inch] 查询授权地址失败: %v", err)
		} else {
			quoteResp.Spender = spender
		}
	}

	quote, err := a.convertToStandardQuote(&quoteResp, params)
	if err != nil {
		return nil, err
	}

	a.logger.Debugf("[1inch] 报价获取成功: amountOut=%s, gas=%s, duration=%v",
		quote.AmountReturned.String(), quote.EstimatedGas.String(), time.Since(startTime))
	return quote, nil
}

// HealthCheck 1inch健康检查
func (a *OneInchAdapter) HealthCheck(ctx context.Context) error {
	cfg := a.GetConfig()
	if len(cfg.SupportedChains) == 0 {
		return fmt.Errorf("没有配置支持的链")
	}
	base, err := a.baseURL()
	if err != nil {
		return err
	}
	healthURL := fmt.Sprintf("%s/%d/healthcheck", base, cfg.SupportedChains[0])
	if _, err := a.makeHTTPRequest(ctx, http.MethodGet, healthURL, nil, nil); err != nil {
		return fmt.Errorf("1inch健康检查失败: %w", err)
	}
	return nil
}

// GetTxData 取出报价中的交易数据
func (a *OneInchAdapter) GetTxData(quote *types.Quote) string {
	if tx := a.GetTx(quote); tx != nil {
		return tx.Data
	}
	return ""
}

// GetTx 取出报价中的交易
func (a *OneInchAdapter) GetTx(quote *types.Quote) *types.TxRequest {
	if quote == nil || len(quote.RawQuote) == 0 {
		return nil
	}
	var resp OneInchQuoteResponse
	if err := json.Unmarshal(quote.RawQuote, &resp); err != nil || resp.Tx == nil {
		return nil
	}
	return &types.TxRequest{
		From:  resp.Tx.From,
		To:    resp.Tx.To,
		Data:  resp.Tx.Data,
		Value: resp.Tx.Value,
		Gas:   uint64(resp.Tx.Gas),
	}
}

// ========================================
// 辅助方法
// ========================================

// buildQuoteURL 构建1inch报价请求URL
func (a *OneInchAdapter) buildQuoteURL(params *QuoteParams) (string, error) {
	base, err := a.baseURL()
	if err != nil {
		return "", err
	}

	query := url.Values{}
	query.Set("src", aggregatorToken(params.From))
	query.Set("dst", aggregatorToken(params.To))
	query.Set("amount", params.Amount.String())
	query.Set("includeGas", "true")

	endpoint := "quote"
	if params.Extra.UserAddress != "" {
		endpoint = "swap"
		query.Set("from", params.Extra.UserAddress)
		query.Set("origin", params.Extra.UserAddress)
		query.Set("slippage", params.Extra.Slippage.String())
		query.Set("disableEstimate", "true")
	}

	return fmt.Sprintf("%s/%d/%s?%s", base, params.ChainID, endpoint, query.Encode()), nil
}

func (a *OneInchAdapter) fetchSpender(ctx context.Context, chainID uint) (string, error) {
	base, err := a.baseURL()
	if err != nil {
		return "", err
	}
	body, err := a.makeHTTPRequest(ctx, http.MethodGet, fmt.Sprintf("%s/%d/approve/spender", base, chainID), nil, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Address string `json:"address"`
	}
	if err := a.parseJSONResponse(body, &resp); err != nil {
		return "", err
	}
	return resp.Address, nil
}

// describeError 把1inch错误体转换为可读错误
func (a *OneInchAdapter) describeError(err error) error {
	if statusErr, ok := asStatusError(err); ok {
		var errorResp OneInchErrorResponse
		if json.Unmarshal([]byte(statusErr.Body), &errorResp) == nil && errorResp.Description != "" {
			return fmt.Errorf("1inch API错误(%s): %s", strconv.Itoa(statusErr.StatusCode), errorResp.Description)
		}
	}
	return err
}

// convertToStandardQuote 将1inch响应转换为标准格式
func (a *OneInchAdapter) convertToStandardQuote(resp *OneInchQuoteResponse, params *QuoteParams) (*types.Quote, error) {
	rawAmount := resp.DstAmount
	if rawAmount == "" {
		rawAmount = resp.ToTokenAmount
	}
	amountOut, err := a.standardizeAmount(rawAmount)
	if err != nil {
		return nil, fmt.Errorf("解析输出数量失败: %w", err)
	}
	if !amountOut.IsPositive() {
		return nil, fmt.Errorf("1inch返回的输出数量为0")
	}

	gas := resp.Gas
	if gas == 0 {
		gas = resp.EstimatedGas
	}
	if gas == 0 && resp.Tx != nil {
		gas = resp.Tx.Gas
	}

	return &types.Quote{
		AmountReturned:       amountOut,
		AmountIn:             params.Amount,
		EstimatedGas:         decimal.NewFromInt(gas),
		TokenApprovalAddress: strPtr(resp.Spender),
		RawQuote:             rawQuote(resp),
		Logo:                 "https://icons.llamao.fi/icons/protocols/1inch-network",
	}, nil
}
