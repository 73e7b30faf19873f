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

// ZRXAdapter 0x Protocol聚合器适配器
type ZRXAdapter struct {
	*BaseAdapter
}

// NewZRXAdapter 创建0x Protocol适配器实例
func NewZRXAdapter(config *types.ProviderConfig, logger *logrus.Logger) ProviderAdapter {
	return &ZRXAdapter{
		BaseAdapter: NewBaseAdapter(config, logger),
	}
}

// ========================================
// 0x Protocol API响应结构定义
// ========================================

// ZRXQuoteResponse /swap/permit2/price 与 /swap/permit2/quote 响应
type ZRXQuoteResponse struct {
	AllowanceTarget    string          `json:"allowanceTarget"`
	BuyAmount          string          `json:"buyAmount"`
	BuyToken           string          `json:"buyToken"`
	SellAmount         string          `json:"sellAmount"`
	SellToken          string          `json:"sellToken"`
	Gas                string          `json:"gas,omitempty"`
	LiquidityAvailable bool            `json:"liquidityAvailable"`
	MinBuyAmount       string          `json:"minBuyAmount"`
	TotalNetworkFee    string          `json:"totalNetworkFee"`
	Issues             ZRXIssues       `json:"issues"`
	Permit2            json.RawMessage `json:"permit2,omitempty"`
	Transaction        *ZRXTransaction `json:"transaction,omitempty"`
	Zid                string          `json:"zid"`
}

// ZRXIssues 0x 返回的预检问题
type ZRXIssues struct {
	Allowance *struct {
		Actual  string `json:"actual"`
		Spender string `json:"spender"`
	} `json:"allowance"`
	SimulationIncomplete bool `json:"simulationIncomplete"`
}

// ZRXTransaction 0x 返回的交易
type ZRXTransaction struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Gas      string `json:"gas"`
	GasPrice string `json:"gasPrice"`
	Value    string `json:"value"`
}

// ZRXErrorResponse 0x Protocol错误响应
type ZRXErrorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// ========================================
// 0x Protocol适配器接口实现
// ========================================

// Capabilities 0x v2 只支持精确输入
func (a *ZRXAdapter) Capabilities() Capabilities {
	return Capabilities{}
}

// GetQuote 获取0x Protocol报价
// 没有用户地址时使用 /price 指示性报价，否则使用 /quote 拿到可执行交易
func (a *ZRXAdapter) GetQuote(ctx context.Context, params *QuoteParams) (*types.Quote, error) {
	startTime := time.Now()

	if !a.IsSupported(params.ChainID) {
		return nil, types.NewRouterError(types.ErrCodeUnsupportedChain, fmt.Sprintf("0x Protocol不支持链ID: %d", params.ChainID))
	}
	if params.Extra.IsExactOutput() {
		return nil, types.NewRouterError(types.ErrCodeInvalidRequest, "0x不支持精确输出")
	}

	headers, err := zrxHeaders(a.BaseAdapter)
	if err != nil {
		return nil, err
	}

	apiURL, err := a.buildQuoteURL(params)
	if err != nil {
		return nil, fmt.Errorf("构建请求URL失败: %w", err)
	}
	a.logger.Debugf("[0x] 请求URL: %s", apiURL)

	responseBody, err := a.makeHTTPRequest(ctx, http.MethodGet, apiURL, nil, headers)
	if err != nil {
		return nil, zrxDescribeError(err)
	}

	var zrxResponse ZRXQuoteResponse
	if err := a.parseJSONResponse(responseBody, &zrxResponse); err != nil {
		return nil, err
	}

	quote, err := a.convertToStandardQuote(&zrxResponse, params)
	if err != nil {
		return nil, err
	}

	a.logger.Debugf("[0x] 报价获取成功: buyAmount=%s, duration=%v", zrxResponse.BuyAmount, time.Since(startTime))
	return quote, nil
}

// HealthCheck 0x健康检查
func (a *ZRXAdapter) HealthCheck(ctx context.Context) error {
	headers, err := zrxHeaders(a.BaseAdapter)
	if err != nil {
		return err
	}
	base, err := a.baseURL()
	if err != nil {
		return err
	}
	cfg := a.GetConfig()
	if len(cfg.SupportedChains) == 0 {
		return fmt.Errorf("没有配置支持的链")
	}
	healthURL := fmt.Sprintf("%s/sources?chainId=%d", base, cfg.SupportedChains[0])
	if _, err := a.makeHTTPRequest(ctx, http.MethodGet, healthURL, nil, headers); err != nil {
		return fmt.Errorf("0x健康检查失败: %w", err)
	}
	return nil
}

// GetTxData 取出报价中的交易数据
func (a *ZRXAdapter) GetTxData(quote *types.Quote) string {
	if tx := a.GetTx(quote); tx != nil {
		return tx.Data
	}
	return ""
}

// GetTx 取出报价中的交易
func (a *ZRXAdapter) GetTx(quote *types.Quote) *types.TxRequest {
	if quote == nil || len(quote.RawQuote) == 0 {
		return nil
	}
	var resp ZRXQuoteResponse
	if err := json.Unmarshal(quote.RawQuote, &resp); err != nil || resp.Transaction == nil {
		return nil
	}
	gas, _ := strconv.ParseUint(resp.Transaction.Gas, 10, 64)
	return &types.TxRequest{
		To:    resp.Transaction.To,
		Data:  resp.Transaction.Data,
		Value: resp.Transaction.Value,
		Gas:   gas,
	}
}

// ========================================
// 0x Protocol URL构建和数据转换
// ========================================

// zrxHeaders 0x 要求的请求头
func zrxHeaders(b *BaseAdapter) (map[string]string, error) {
	apiKey := b.GetConfig().APIKey
	if apiKey == "" {
		b.logger.Warnf("[%s] API Key为空！", b.GetName())
		return nil, fmt.Errorf("0x Protocol API Key未配置")
	}
	return map[string]string{
		"0x-api-key": apiKey,
		"0x-version": "v2",
	}, nil
}

func zrxDescribeError(err error) error {
	if statusErr, ok := asStatusError(err); ok {
		var errorResp ZRXErrorResponse
		if json.Unmarshal([]byte(statusErr.Body), &errorResp) == nil && (errorResp.Message != "" || errorResp.Reason != "") {
			msg := errorResp.Message
			if msg == "" {
				msg = errorResp.Reason
			}
			return fmt.Errorf("0x API错误(%d): %s", statusErr.StatusCode, msg)
		}
	}
	return err
}

// buildQuoteURL 构建0x Protocol报价请求URL
func (a *ZRXAdapter) buildQuoteURL(params *QuoteParams) (string, error) {
	base, err := a.baseURL()
	if err != nil {
		return "", err
	}

	query := url.Values{}
	query.Set("chainId", strconv.FormatUint(uint64(params.ChainID), 10))
	query.Set("sellToken", aggregatorToken(params.From))
	query.Set("buyToken", aggregatorToken(params.To))
	query.Set("sellAmount", params.Amount.String())
	if !params.Extra.Slippage.IsZero() {
		query.Set("slippageBps", params.Extra.Slippage.Mul(decimal.NewFromInt(100)).StringFixed(0))
	}

	endpoint := "price"
	if params.Extra.UserAddress != "" {
		endpoint = "quote"
		query.Set("taker", params.Extra.UserAddress)
	}

	return fmt.Sprintf("%s/swap/permit2/%s?%s", base, endpoint, query.Encode()), nil
}

// convertToStandardQuote 将0x Protocol响应转换为标准报价格式
func (a *ZRXAdapter) convertToStandardQuote(zrxResp *ZRXQuoteResponse, params *QuoteParams) (*types.Quote, error) {
	if !zrxResp.LiquidityAvailable {
		return nil, fmt.Errorf("0x Protocol: 流动性不可用")
	}

	buyAmount, err := decimal.NewFromString(zrxResp.BuyAmount)
	if err != nil {
		return nil, fmt.Errorf("解析buyAmount失败: %w", err)
	}
	sellAmount := params.Amount
	if zrxResp.SellAmount != "" {
		if v, err := decimal.NewFromString(zrxResp.SellAmount); err == nil {
			sellAmount = v
		}
	}

	if !strings.EqualFold(zrxResp.BuyToken, aggregatorToken(params.To)) && zrxResp.BuyToken != "" {
		a.logger.Warnf("[0x] 买入代币地址不匹配: 请求=%s, 响应=%s", params.To, zrxResp.BuyToken)
	}

	gasRaw := zrxResp.Gas
	if zrxResp.Transaction != nil && zrxResp.Transaction.Gas != "" {
		gasRaw = zrxResp.Transaction.Gas
	}
	gas, err := a.standardizeAmount(gasRaw)
	if err != nil {
		gas = decimal.Zero
	}

	spender := zrxResp.AllowanceTarget
	if zrxResp.Issues.Allowance != nil && zrxResp.Issues.Allowance.Spender != "" {
		spender = zrxResp.Issues.Allowance.Spender
	}
	if strings.EqualFold(params.From, types.NativeTokenAddress) {
		spender = ""
	}

	permitRequired := len(zrxResp.Permit2) > 0 && string(zrxResp.Permit2) != "null"

	return &types.Quote{
		AmountReturned:           buyAmount,
		AmountIn:                 sellAmount,
		EstimatedGas:             gas,
		TokenApprovalAddress:     strPtr(spender),
		RawQuote:                 rawQuote(zrxResp),
		IsSignatureNeededForSwap: permitRequired,
		Logo:                     "https://icons.llamao.fi/icons/protocols/0x",
	}, nil
}
