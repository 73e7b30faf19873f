package services

import (
	"strings"

	"defi-aggregator/stable-router/internal/types"

	"github.com/shopspring/decimal"
)

// placeholderDecimals 无法解析目标代币时按6位精度处理
const placeholderDecimals = 6

var weiPerEther = decimal.New(1, 18)

// ========================================
// 目标代币解析
// ========================================

// TokenResolver 按顺序解析路由的实际目标代币
// 请求中的具体代币 -> 链代币列表 -> 静态后备表 -> 占位代币
type TokenResolver struct {
	Requested *types.Token
	TokenList map[string]types.Token // 小写地址 -> 元数据
	Fallback  map[string]types.Token // 小写地址 -> 元数据
	ChainID   uint
}

// Resolve 解析目标代币，法币路由跳过请求中的代币
func (r TokenResolver) Resolve(address string, isFiatRoute bool) types.Token {
	if !isFiatRoute && r.Requested != nil && r.Requested.Decimals > 0 {
		return *r.Requested
	}
	key := strings.ToLower(address)
	if t, ok := r.TokenList[key]; ok && t.Decimals > 0 {
		return t
	}
	if t, ok := r.Fallback[key]; ok {
		if t.Address == "" {
			t.Address = address
		}
		if t.ChainID == 0 {
			t.ChainID = r.ChainID
		}
		return t
	}
	if r.Requested != nil && !isFiatRoute {
		return *r.Requested
	}
	return types.Token{
		Address:  address,
		Symbol:   types.UnknownLiteral,
		Name:     "Unknown Token",
		Decimals: placeholderDecimals,
		ChainID:  r.ChainID,
	}
}

// ========================================
// 报价标准化
// ========================================

// NormalizeInput 标准化所需的全部外部输入，价格任意字段都可能缺失
type NormalizeInput struct {
	From           *types.Token
	Resolver       TokenResolver
	GasTokenPrice  *decimal.Decimal
	GasPriceWei    *decimal.Decimal
	FromTokenPrice *decimal.Decimal
	ToTokenPrice   *decimal.Decimal                  // 非法币流程的目标代币价格
	ToTokenPrices  map[string]decimal.Decimal        // 法币流程按稳定币地址（小写）取价
	Simulation     map[string]types.SimulationResult // 按适配器名称
}

// toPrice 实际目标代币的USD价格
func (in NormalizeInput) toPrice(address string) *decimal.Decimal {
	if v, ok := in.ToTokenPrices[strings.ToLower(address)]; ok {
		return &v
	}
	return in.ToTokenPrice
}

// Normalize 将适配器报价转换为可比较的标准化路由
// 没有报价或缺少输入代币元数据时返回 nil；相同输入总是得到相同结果
func Normalize(route types.AdapterRoute, in NormalizeInput) *types.NormalizedRoute {
	if route.Quote == nil || in.From == nil {
		return nil
	}
	q := route.Quote

	gasUnits := q.EstimatedGas
	sim, simulated := in.Simulation[route.Name]
	if simulated && sim.GasUsed > 0 {
		gasUnits = decimal.NewFromInt(int64(sim.GasUsed))
	}

	gasTokenPrice := decimal.Zero
	if in.GasTokenPrice != nil {
		gasTokenPrice = *in.GasTokenPrice
	}

	gasUSD := decimal.Zero
	if in.GasPriceWei != nil {
		gasUSD = gasTokenPrice.Mul(gasUnits).Mul(*in.GasPriceWei).Div(weiPerEther)
	}
	// 原生资产卖出时手续费从输入中扣除
	if q.FeeAmount != nil && in.From.IsNative() {
		gasUSD = gasUSD.Add(q.FeeAmount.Div(weiPerEther).Mul(gasTokenPrice))
	}

	var gas types.Estimate
	switch {
	case route.L1Gas.IsUnknown():
		gas = types.UnknownEstimate()
	default:
		gasUSD = gasUSD.Add(route.L1Gas.Value.Mul(gasTokenPrice))
		gas = types.KnownEstimate(gasUSD)
	}
	if gas.Known && gas.Value.IsZero() && !route.EmbedsFeeInOutput && !route.IsGasless {
		gas = types.UnknownEstimate()
	}

	actual := in.Resolver.Resolve(route.TargetToken, route.IsFiatRoute)

	amount := shiftDown(q.AmountReturned, actual.Decimals)
	var amountUSD *decimal.Decimal
	if p := in.toPrice(actual.Address); p != nil {
		v := amount.Mul(*p).Round(2)
		amountUSD = &v
	}

	fromAmount, err := decimal.NewFromString(route.FromAmount)
	if err != nil {
		fromAmount = decimal.Zero
	}
	amountIn := shiftDown(fromAmount, in.From.Decimals)
	var amountInUSD *decimal.Decimal
	if in.FromTokenPrice != nil {
		v := amountIn.Mul(*in.FromTokenPrice).Round(6)
		amountInUSD = &v
	}

	// L1费用未知时不扣Gas；零Gas判定为未知时上面 gasUSD 本身为0
	netOut, unit := amount, types.NetOutUnitToken
	if amountUSD != nil {
		unit = types.NetOutUnitUSD
		netOut = *amountUSD
		if !route.L1Gas.IsUnknown() {
			netOut = amountUSD.Sub(gasUSD)
		}
	}

	return &types.NormalizedRoute{
		AdapterRoute:  route,
		GasUSD:        gas,
		Amount:        amount,
		AmountUSD:     amountUSD,
		AmountIn:      amountIn,
		AmountInUSD:   amountInUSD,
		NetOut:        netOut,
		NetOutUnit:    unit,
		IsFailed:      simulated && sim.Reverted,
		ActualToToken: actual,
	}
}

// NormalizeAll 标准化一组路由，丢弃无法标准化的条目
func NormalizeAll(routes []types.AdapterRoute, in NormalizeInput) []types.NormalizedRoute {
	out := make([]types.NormalizedRoute, 0, len(routes))
	for _, r := range routes {
		if n := Normalize(r, in); n != nil {
			out = append(out, *n)
		}
	}
	return out
}

func shiftDown(v decimal.Decimal, decimals int32) decimal.Decimal {
	return v.Shift(-decimals)
}
