package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"defi-aggregator/stable-router/internal/adapters"
	"defi-aggregator/stable-router/internal/chain"
	"defi-aggregator/stable-router/internal/types"

	"github.com/shopspring/decimal"
)

// 价格冲击默认阈值（百分比）
var (
	DefaultPriceImpactWarning   = decimal.NewFromInt(3)
	DefaultPriceImpactHardLimit = decimal.NewFromInt(30)
)

// 执行结果形状
const (
	ExecutionKindHash    = "hash"
	ExecutionKindGasless = "gasless"
	ExecutionKindOrder   = "order"
	ExecutionKindBatch   = "batch"
)

// ExecuteRequest 执行请求
type ExecuteRequest struct {
	AdapterName   string              `json:"adapter_name"`            // 为空时使用会话当前选择
	TokenAddress  string              `json:"token_address,omitempty"` // 法币流程中指定目标稳定币
	DegenMode     bool                `json:"degen_mode"`              // 跳过价格冲击硬阈值
	SignedPayload string              `json:"signed_payload,omitempty"`
	CallsID       string              `json:"calls_id,omitempty"` // 钱包 wallet_sendCalls 返回的批量调用ID
	Approval      types.ApprovalState `json:"approval"`
}

// ImpactCheck 价格冲击检查结果
type ImpactCheck struct {
	Impact  types.Estimate
	Warning bool
	Blocked bool
}

// CheckPriceImpact 相对参考路由的损失超过硬阈值时阻止执行，超过警告阈值或未知时仅警告
func CheckPriceImpact(impact types.Estimate, warning, hardLimit decimal.Decimal, degen bool) ImpactCheck {
	check := ImpactCheck{Impact: impact}
	if impact.IsUnknown() {
		check.Warning = true
		return check
	}
	loss := impact.Value.Neg()
	if loss.GreaterThan(warning) {
		check.Warning = true
	}
	if loss.GreaterThan(hardLimit) && !degen {
		check.Blocked = true
	}
	return check
}

// Execute 执行会话中当前排序结果里的一条路由
// 路由必须存在于最新排序结果；执行期间不持有会话锁
func (s *RouterService) Execute(ctx context.Context, sess *Session, req ExecuteRequest) (*types.ExecutionOutcome, error) {
	view := sess.view()
	name := req.AdapterName
	if name == "" {
		name = view.selection.SelectedAdapter
	}
	token := req.TokenAddress
	if token == "" {
		switch {
		case name == view.selection.SelectedAdapter:
			token = selectionToken(view.selection)
		case view.selection.StablecoinOverride != nil && view.selection.StablecoinOverride.AdapterName == name:
			token = view.selection.StablecoinOverride.Address
		}
	}

	route, ok := view.ranked.Find(name, token)
	if name == "" || !ok {
		return nil, types.NewRouterError(types.ErrCodeRouteNotAvailable, "路由不在当前排序结果中: "+name)
	}
	adapter, ok := s.Adapter(name)
	if !ok {
		return nil, types.NewRouterError(types.ErrCodeRouteNotAvailable, "适配器未启用: "+name)
	}

	ref := ReferenceRoute(view.ranked, view.selection.StablecoinOverride)
	check := CheckPriceImpact(RelativeImpact(route, ref), s.impactWarning(), s.impactHardLimit(), req.DegenMode)
	logPrefix := fmt.Sprintf("[%s] [%s]", sess.ID, name)

	if check.Blocked {
		s.logger.Warnf("%s 🛑 价格冲击 %s%% 超过硬阈值，拒绝执行", logPrefix, check.Impact.Value.StringFixed(2))
		s.prom.Executions.WithLabelValues(name, types.ExecutionStatusBlocked).Inc()
		err := types.NewRouterError(types.ErrCodePriceImpactTooHigh, "价格冲击过高，请开启 degen 模式后重试")
		err.Details = map[string]interface{}{"price_impact": check.Impact.String()}
		return nil, err
	}
	if check.Warning {
		s.logger.Warnf("%s ⚠️ 价格冲击警告: %s", logPrefix, check.Impact.String())
	}

	info, _ := chain.ByName(view.params.Chain)
	bundle := buildBundle(view.params, info, route, req)

	s.logger.Infof("%s 🚀 开始执行: %s %s -> %s %s", logPrefix,
		route.AmountIn.String(), bundle.From.Symbol, route.Amount.String(), bundle.To.Symbol)

	client := s.chainClient(info)
	result, err := s.dispatch(ctx, adapter, client, bundle, req)
	if err == nil {
		var outcome *types.ExecutionOutcome
		outcome, err = s.settle(ctx, client, name, result)
		if err == nil {
			outcome.PriceImpact = check.Impact
			outcome.ImpactWarning = check.Warning
			s.prom.Executions.WithLabelValues(name, outcome.Status).Inc()
			s.logger.Infof("%s ✅ 执行结束: kind=%s, status=%s, txs=%v", logPrefix, outcome.Kind, outcome.Status, outcome.TxHashes)
			sess.publishExecution(outcome)
			return outcome, nil
		}
	}

	if IsActionRejected(err) {
		s.logger.Infof("%s 用户取消了签名", logPrefix)
		return nil, types.NewRouterError(types.ErrCodeActionRejected, "用户拒绝了操作")
	}
	s.prom.Executions.WithLabelValues(name, types.ExecutionStatusFailed).Inc()
	s.logger.Errorf("%s ❌ 执行失败: %v", logPrefix, err)
	var routerErr *types.RouterError
	if errors.As(err, &routerErr) {
		return nil, routerErr
	}
	return nil, types.NewRouterError(types.ErrCodeExecutionFailed, err.Error())
}

// dispatch 自行提交的适配器交给 Swapper，其余广播钱包签名的交易
func (s *RouterService) dispatch(ctx context.Context, adapter adapters.ProviderAdapter, client *chain.Client,
	bundle *types.ExecutionBundle, req ExecuteRequest) (types.TxResult, error) {
	if swapper, ok := adapter.(adapters.Swapper); ok {
		return swapper.Swap(ctx, bundle)
	}
	if _, ok := adapter.(adapters.TxBuilder); !ok {
		return nil, types.NewRouterError(types.ErrCodeSwapNotSupported, "适配器不支持执行: "+adapter.GetName())
	}
	if req.CallsID != "" {
		return types.BatchStatusResult{ID: req.CallsID}, nil
	}
	if req.SignedPayload == "" {
		return nil, types.NewRouterError(types.ErrCodeInvalidRequest, "缺少已签名交易")
	}
	if client == nil {
		return nil, types.NewRouterError(types.ErrCodeUnsupportedChain, "未配置链节点: "+bundle.Chain)
	}
	hash, err := client.Broadcast(ctx, req.SignedPayload)
	if err != nil {
		return nil, err
	}
	return types.HashResult{Hash: hash}, nil
}

// settle 穷尽匹配执行结果并等待终态
// ctx 到期时返回 pending，不视为失败
func (s *RouterService) settle(ctx context.Context, client *chain.Client, name string, result types.TxResult) (*types.ExecutionOutcome, error) {
	out := &types.ExecutionOutcome{AdapterName: name, Status: types.ExecutionStatusPending}

	switch r := result.(type) {
	case types.HashResult:
		out.Kind = ExecutionKindHash
		out.TxHashes = []string{r.Hash}
		if client == nil {
			return out, nil
		}
		success, err := client.WaitReceipt(ctx, r.Hash)
		switch {
		case isContextDone(err):
			return out, nil
		case err != nil:
			return nil, err
		case success:
			out.Status = types.ExecutionStatusConfirmed
		default:
			out.Status = types.ExecutionStatusFailed
			out.Reason = "交易已回滚"
		}

	case types.GaslessReceiptResult:
		out.Kind = ExecutionKindGasless
		out.TxHashes = r.Transactions
		out.Reason = r.Reason
		switch r.Status {
		case types.GaslessStatusConfirmed, types.GaslessStatusSucceeded:
			out.Status = types.ExecutionStatusConfirmed
		case types.GaslessStatusSubmitted, types.GaslessStatusPending:
			out.Status = types.ExecutionStatusPending
		default:
			out.Status = types.ExecutionStatusFailed
		}

	case types.OffchainOrderResult:
		out.Kind = ExecutionKindOrder
		out.OrderID = r.ID
		if r.Awaiter == nil {
			return out, nil
		}
		status, err := r.Awaiter.WaitForOrder(ctx)
		switch {
		case isContextDone(err):
			return out, nil
		case err != nil:
			return nil, err
		case status.Fulfilled:
			out.Status = types.ExecutionStatusConfirmed
			if status.TxHash != "" {
				out.TxHashes = []string{status.TxHash}
			}
		default:
			out.Status = types.ExecutionStatusFailed
			out.Reason = "订单未成交: " + status.Status
		}

	case types.BatchStatusResult:
		out.Kind = ExecutionKindBatch
		out.OrderID = r.ID
		if client == nil {
			return out, nil
		}
		status, success, err := client.WaitCallsStatus(ctx, r.ID)
		switch {
		case isContextDone(err):
			return out, nil
		case err != nil:
			return nil, err
		}
		out.TxHashes = status.TxHashes()
		if success {
			out.Status = types.ExecutionStatusConfirmed
		} else {
			out.Status = types.ExecutionStatusFailed
			out.Reason = "批量调用失败"
		}

	default:
		return nil, fmt.Errorf("未知的执行结果类型: %T", result)
	}
	return out, nil
}

// buildBundle 组装交给执行器的交易包
func buildBundle(params types.RoutesRequest, info chain.Info, route *types.RankedRoute, req ExecuteRequest) *types.ExecutionBundle {
	from := types.Token{Address: params.From, ChainID: info.ID}
	if params.Extra.FromToken != nil {
		from = *params.Extra.FromToken
	}
	fromAmount, _ := decimal.NewFromString(route.FromAmount)

	bundle := &types.ExecutionBundle{
		AdapterName:   route.Name,
		Chain:         params.Chain,
		ChainID:       info.ID,
		From:          from,
		To:            route.ActualToToken,
		AmountIn:      fromAmount,
		AmountOut:     route.Quote.AmountReturned,
		UserAddress:   params.Extra.UserAddress,
		Slippage:      params.Extra.Slippage,
		Quote:         *route.Quote,
		Tx:            route.Tx,
		Approval:      req.Approval,
		SignedPayload: req.SignedPayload,
	}
	if route.Quote.IsGaslessApproval {
		bundle.Approval.IsGaslessApproval = true
	}
	if addr := route.Quote.TokenApprovalAddress; addr != nil && bundle.Approval.ApprovalAddress == "" {
		bundle.Approval.ApprovalAddress = *addr
	}
	return bundle
}

// IsActionRejected 用户在钱包中拒绝签名，不计入失败指标与错误日志
func IsActionRejected(err error) bool {
	if err == nil {
		return false
	}
	var routerErr *types.RouterError
	if errors.As(err, &routerErr) && routerErr.Code == types.ErrCodeActionRejected {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "action_rejected") || strings.Contains(msg, "user rejected") ||
		strings.Contains(msg, "user denied")
}

func isContextDone(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (s *RouterService) chainClient(info chain.Info) *chain.Client {
	if s.chains == nil || info.Name == "" {
		return nil
	}
	client, err := s.chains.Client(info.Name)
	if err != nil {
		return nil
	}
	return client
}

func (s *RouterService) impactWarning() decimal.Decimal {
	if v := s.config.Routing.PriceImpactWarning; v.IsPositive() {
		return v
	}
	return DefaultPriceImpactWarning
}

func (s *RouterService) impactHardLimit() decimal.Decimal {
	if v := s.config.Routing.PriceImpactHardLimit; v.IsPositive() {
		return v
	}
	return DefaultPriceImpactHardLimit
}
