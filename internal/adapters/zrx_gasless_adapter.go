package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"defi-aggregator/stable-router/internal/types"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ZRXGaslessAdapter 0x Gasless API 适配器
// 用户只签名 EIP-712 数据，由 0x 中继代为上链
type ZRXGaslessAdapter struct {
	*BaseAdapter
	statusPoll time.Duration
}

// NewZRXGaslessAdapter 创建0x Gasless适配器实例
func NewZRXGaslessAdapter(config *types.ProviderConfig, logger *logrus.Logger) ProviderAdapter {
	return &ZRXGaslessAdapter{
		BaseAdapter: NewBaseAdapter(config, logger),
		statusPoll:  2 * time.Second,
	}
}

// ZRXGaslessQuoteResponse /gasless/quote 响应
type ZRXGaslessQuoteResponse struct {
	BuyAmount          string             `json:"buyAmount"`
	SellAmount         string             `json:"sellAmount"`
	LiquidityAvailable bool               `json:"liquidityAvailable"`
	Approval           *ZRXGaslessPayload `json:"approval"`
	Trade              *ZRXGaslessPayload `json:"trade"`
	Issues             ZRXIssues          `json:"issues"`
	Zid                string             `json:"zid"`
}

// ZRXGaslessPayload 待签名的 approval / trade
type ZRXGaslessPayload struct {
	Type   string          `json:"type"`
	Hash   string          `json:"hash"`
	Eip712 json.RawMessage `json:"eip712"`
}

// GaslessSignatures 钱包对 approval / trade 的签名（ExecutionBundle.SignedPayload 的JSON格式）
type GaslessSignatures struct {
	Approval string `json:"approval,omitempty"`
	Trade    string `json:"trade"`
}

type zrxSplitSignature struct {
	SignatureType int    `json:"signatureType"`
	V             int    `json:"v"`
	R             string `json:"r"`
	S             string `json:"s"`
}

type zrxGaslessStatus struct {
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	Transactions []struct {
		Hash string `json:"hash"`
	} `json:"transactions"`
}

// Capabilities 无Gas适配器
func (a *ZRXGaslessAdapter) Capabilities() Capabilities {
	return Capabilities{Gasless: true}
}

// SupportsGaslessApproval 报价中带有 approval 时可免Gas授权
func (a *ZRXGaslessAdapter) SupportsGaslessApproval(chainID uint, token string) bool {
	return a.IsSupported(chainID) && !strings.EqualFold(token, types.NativeTokenAddress)
}

// GetQuote 获取0x Gasless报价
func (a *ZRXGaslessAdapter) GetQuote(ctx context.Context, params *QuoteParams) (*types.Quote, error) {
	if !a.IsSupported(params.ChainID) {
		return nil, types.NewRouterError(types.ErrCodeUnsupportedChain, fmt.Sprintf("0x Gasless不支持链ID: %d", params.ChainID))
	}
	if strings.EqualFold(params.From, types.NativeTokenAddress) {
		return nil, types.NewRouterError(types.ErrCodeInvalidRequest, "0x Gasless不支持卖出原生资产")
	}
	if params.Extra.IsExactOutput() {
		return nil, types.NewRouterError(types.ErrCodeInvalidRequest, "0x Gasless不支持精确输出")
	}
	if params.Extra.UserAddress == "" {
		return nil, types.NewRouterError(types.ErrCodeInvalidRequest, "0x Gasless需要用户地址")
	}

	headers, err := zrxHeaders(a.BaseAdapter)
	if err != nil {
		return nil, err
	}
	base, err := a.baseURL()
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("chainId", strconv.FormatUint(uint64(params.ChainID), 10))
	query.Set("sellToken", params.From)
	query.Set("buyToken", aggregatorToken(params.To))
	query.Set("sellAmount", params.Amount.String())
	query.Set("taker", params.Extra.UserAddress)
	if !params.Extra.Slippage.IsZero() {
		query.Set("slippageBps", params.Extra.Slippage.Mul(decimal.NewFromInt(100)).StringFixed(0))
	}

	body, err := a.makeHTTPRequest(ctx, http.MethodGet, fmt.Sprintf("%s/gasless/quote?%s", base, query.Encode()), nil, headers)
	if err != nil {
		return nil, zrxDescribeError(err)
	}

	var resp ZRXGaslessQuoteResponse
	if err := a.parseJSONResponse(body, &resp); err != nil {
		return nil, err
	}
	if !resp.LiquidityAvailable || resp.Trade == nil {
		return nil, fmt.Errorf("0x Gasless: 流动性不可用")
	}

	buyAmount, err := decimal.NewFromString(resp.BuyAmount)
	if err != nil {
		return nil, fmt.Errorf("解析buyAmount失败: %w", err)
	}
	sellAmount := params.Amount
	if v, err := decimal.NewFromString(resp.SellAmount); err == nil {
		sellAmount = v
	}

	var spender string
	if resp.Issues.Allowance != nil {
		spender = resp.Issues.Allowance.Spender
	}

	return &types.Quote{
		AmountReturned:           buyAmount,
		AmountIn:                 sellAmount,
		EstimatedGas:             decimal.Zero,
		TokenApprovalAddress:     strPtr(spender),
		RawQuote:                 rawQuote(resp),
		IsGaslessApproval:        resp.Approval != nil,
		IsSignatureNeededForSwap: true,
		Logo:                     "https://icons.llamao.fi/icons/protocols/0x",
	}, nil
}

// HealthCheck 0x Gasless健康检查
func (a *ZRXGaslessAdapter) HealthCheck(ctx context.Context) error {
	headers, err := zrxHeaders(a.BaseAdapter)
	if err != nil {
		return err
	}
	base, err := a.baseURL()
	if err != nil {
		return err
	}
	if _, err := a.makeHTTPRequest(ctx, http.MethodGet, base+"/gasless/chains", nil, headers); err != nil {
		return fmt.Errorf("0x Gasless健康检查失败: %w", err)
	}
	return nil
}

// Swap 提交签名后的交易并等待中继返回终态
// ctx 到期时返回最后一次观察到的状态
func (a *ZRXGaslessAdapter) Swap(ctx context.Context, bundle *types.ExecutionBundle) (types.TxResult, error) {
	var quote ZRXGaslessQuoteResponse
	if err := json.Unmarshal(bundle.Quote.RawQuote, &quote); err != nil || quote.Trade == nil {
		return nil, fmt.Errorf("报价中缺少trade数据")
	}
	var sigs GaslessSignatures
	if err := json.Unmarshal([]byte(bundle.SignedPayload), &sigs); err != nil || sigs.Trade == "" {
		return nil, types.NewRouterError(types.ErrCodeInvalidRequest, "缺少trade签名")
	}

	tradeSig, err := splitSignature(sigs.Trade)
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{
		"chainId": bundle.ChainID,
		"trade": map[string]interface{}{
			"type":      quote.Trade.Type,
			"eip712":    quote.Trade.Eip712,
			"signature": tradeSig,
		},
	}
	if quote.Approval != nil && sigs.Approval != "" {
		approvalSig, err := splitSignature(sigs.Approval)
		if err != nil {
			return nil, err
		}
		payload["approval"] = map[string]interface{}{
			"type":      quote.Approval.Type,
			"eip712":    quote.Approval.Eip712,
			"signature": approvalSig,
		}
	}

	headers, err := zrxHeaders(a.BaseAdapter)
	if err != nil {
		return nil, err
	}
	base, err := a.baseURL()
	if err != nil {
		return nil, err
	}
	body, err := a.postJSON(ctx, base+"/gasless/submit", payload, headers)
	if err != nil {
		return nil, zrxDescribeError(err)
	}
	var submitted struct {
		TradeHash string `json:"tradeHash"`
	}
	if err := a.parseJSONResponse(body, &submitted); err != nil {
		return nil, err
	}
	a.logger.Infof("[0x-gasless] 📤 交易已提交中继: %s", submitted.TradeHash)

	return a.waitStatus(ctx, base, submitted.TradeHash, bundle.ChainID, headers)
}

func (a *ZRXGaslessAdapter) waitStatus(ctx context.Context, base, tradeHash string, chainID uint, headers map[string]string) (types.TxResult, error) {
	last := types.GaslessReceiptResult{Status: types.GaslessStatusSubmitted}
	ticker := time.NewTicker(a.statusPoll)
	defer ticker.Stop()
	statusURL := fmt.Sprintf("%s/gasless/status/%s?chainId=%d", base, tradeHash, chainID)
	for {
		body, err := a.makeHTTPRequest(ctx, http.MethodGet, statusURL, nil, headers)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			a.logger.Warnf("[0x-gasless] 查询状态失败: %v", err)
		}
		if err == nil {
			var status zrxGaslessStatus
			if a.parseJSONResponse(body, &status) == nil {
				last = types.GaslessReceiptResult{Status: status.Status, Reason: status.Reason}
				for _, tx := range status.Transactions {
					last.Transactions = append(last.Transactions, tx.Hash)
				}
				switch status.Status {
				case types.GaslessStatusConfirmed, types.GaslessStatusSucceeded, types.GaslessStatusFailed:
					return last, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return last, nil
		case <-ticker.C:
		}
	}
}

// splitSignature 65字节签名拆分为 v/r/s
func splitSignature(sig string) (zrxSplitSignature, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil || len(raw) != 65 {
		return zrxSplitSignature{}, types.NewRouterError(types.ErrCodeInvalidRequest, "签名格式无效")
	}
	v := int(raw[64])
	if v < 27 {
		v += 27
	}
	return zrxSplitSignature{
		SignatureType: 2, // EIP712
		V:             v,
		R:             hexutil.Encode(raw[:32]),
		S:             hexutil.Encode(raw[32:64]),
	}, nil
}
