// Package chain 链注册表与EVM节点访问
// 提供链名称/ID映射、Gas价格、L1数据费、交易模拟、广播与回执查询
package chain

import (
	"strings"
)

// Info 链静态信息
type Info struct {
	Name           string `json:"name"`
	ID             uint   `json:"id"`
	NativeSymbol   string `json:"native_symbol"`
	NativeDecimals int32  `json:"native_decimals"`
	GasTokenGecko  string `json:"gas_token_gecko"` // coingecko id，用于Gas代币价格
	LlamaPrefix    string `json:"llama_prefix"`    // DefiLlama coins API 的链前缀
	L1FeeOracle    string `json:"l1_fee_oracle,omitempty"`
}

// HasL1Fees 是否需要额外计算L1数据可用性费用
func (i Info) HasL1Fees() bool {
	return i.L1FeeOracle != ""
}

const (
	opStackGasOracle = "0x420000000000000000000000000000000000000F"
	scrollGasOracle  = "0x5300000000000000000000000000000000000002"
)

var knownChains = []Info{
	{Name: "ethereum", ID: 1, NativeSymbol: "ETH", NativeDecimals: 18, GasTokenGecko: "ethereum", LlamaPrefix: "ethereum"},
	{Name: "bsc", ID: 56, NativeSymbol: "BNB", NativeDecimals: 18, GasTokenGecko: "binancecoin", LlamaPrefix: "bsc"},
	{Name: "polygon", ID: 137, NativeSymbol: "POL", NativeDecimals: 18, GasTokenGecko: "polygon-ecosystem-token", LlamaPrefix: "polygon"},
	{Name: "optimism", ID: 10, NativeSymbol: "ETH", NativeDecimals: 18, GasTokenGecko: "ethereum", LlamaPrefix: "optimism", L1FeeOracle: opStackGasOracle},
	{Name: "arbitrum", ID: 42161, NativeSymbol: "ETH", NativeDecimals: 18, GasTokenGecko: "ethereum", LlamaPrefix: "arbitrum"},
	{Name: "avax", ID: 43114, NativeSymbol: "AVAX", NativeDecimals: 18, GasTokenGecko: "avalanche-2", LlamaPrefix: "avax"},
	{Name: "gnosis", ID: 100, NativeSymbol: "XDAI", NativeDecimals: 18, GasTokenGecko: "xdai", LlamaPrefix: "xdai"},
	{Name: "fantom", ID: 250, NativeSymbol: "FTM", NativeDecimals: 18, GasTokenGecko: "fantom", LlamaPrefix: "fantom"},
	{Name: "zksync", ID: 324, NativeSymbol: "ETH", NativeDecimals: 18, GasTokenGecko: "ethereum", LlamaPrefix: "era"},
	{Name: "polygonzkevm", ID: 1101, NativeSymbol: "ETH", NativeDecimals: 18, GasTokenGecko: "ethereum", LlamaPrefix: "polygon_zkevm"},
	{Name: "base", ID: 8453, NativeSymbol: "ETH", NativeDecimals: 18, GasTokenGecko: "ethereum", LlamaPrefix: "base", L1FeeOracle: opStackGasOracle},
	{Name: "linea", ID: 59144, NativeSymbol: "ETH", NativeDecimals: 18, GasTokenGecko: "ethereum", LlamaPrefix: "linea"},
	{Name: "mode", ID: 34443, NativeSymbol: "ETH", NativeDecimals: 18, GasTokenGecko: "ethereum", LlamaPrefix: "mode", L1FeeOracle: opStackGasOracle},
	{Name: "mantle", ID: 5000, NativeSymbol: "MNT", NativeDecimals: 18, GasTokenGecko: "mantle", LlamaPrefix: "mantle"},
	{Name: "scroll", ID: 534352, NativeSymbol: "ETH", NativeDecimals: 18, GasTokenGecko: "ethereum", LlamaPrefix: "scroll", L1FeeOracle: scrollGasOracle},
	{Name: "sonic", ID: 146, NativeSymbol: "S", NativeDecimals: 18, GasTokenGecko: "sonic-3", LlamaPrefix: "sonic"},
	{Name: "unichain", ID: 130, NativeSymbol: "ETH", NativeDecimals: 18, GasTokenGecko: "ethereum", LlamaPrefix: "unichain", L1FeeOracle: opStackGasOracle},
	{Name: "celo", ID: 42220, NativeSymbol: "CELO", NativeDecimals: 18, GasTokenGecko: "celo", LlamaPrefix: "celo"},
	{Name: "metis", ID: 1088, NativeSymbol: "METIS", NativeDecimals: 18, GasTokenGecko: "metis-token", LlamaPrefix: "metis"},
	{Name: "kava", ID: 2222, NativeSymbol: "KAVA", NativeDecimals: 18, GasTokenGecko: "kava", LlamaPrefix: "kava"},
}

var (
	byName = map[string]Info{}
	byID   = map[uint]Info{}
)

func init() {
	for _, c := range knownChains {
		byName[c.Name] = c
		byID[c.ID] = c
	}
}

// ByName 按名称查找链
func ByName(name string) (Info, bool) {
	c, ok := byName[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// ByID 按ID查找链
func ByID(id uint) (Info, bool) {
	c, ok := byID[id]
	return c, ok
}

// IDOf 链名称转ID，未知返回0
func IDOf(name string) uint {
	if c, ok := ByName(name); ok {
		return c.ID
	}
	return 0
}

// All 返回全部已知链
func All() []Info {
	out := make([]Info, len(knownChains))
	copy(out, knownChains)
	return out
}
