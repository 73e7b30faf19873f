package config

import (
	"fmt"
	"os"
	"strings"

	"defi-aggregator/stable-router/internal/types"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ========================================
// 法币映射
// ========================================

// DefaultFiatMapping 内置法币 -> 链 -> 稳定币映射，顺序即展示顺序
func DefaultFiatMapping() types.FiatMapping {
	return types.FiatMapping{
		"USD": {
			1: {
				"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", // USDC
				"0xdAC17F958D2ee523a2206206994597C13D831ec7", // USDT
				"0x6B175474E89094C44Da98b954EedeAC495271d0F", // DAI
			},
			10: {
				"0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85",
				"0x94b008aA00579c1307B0EF2c499aD98a8ce58e58",
				"0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1",
			},
			56: {
				"0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d",
				"0x55d398326f99059fF775485246999027B3197955",
			},
			137: {
				"0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
				"0xc2132D05D31c914a87C6611C10748AEb04B58e8F",
				"0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063",
			},
			8453: {
				"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				"0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb",
			},
			42161: {
				"0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
				"0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9",
				"0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1",
			},
		},
		"EUR": {
			1: {
				"0x1aBaEA1f7C830bD89Acc67eC4af516284b1bC33c", // EURC
				"0x1a7e4e63778B4f12a199C062f3eFdD288afCBce8", // EURA
			},
			8453: {
				"0x60a3E35Cc302bFA44Cb288Bc5a4F316Fdb1adb42",
			},
		},
	}
}

// DefaultStablecoinFallback 代币列表缺失时使用的稳定币元数据，键为小写地址
func DefaultStablecoinFallback() map[string]types.Token {
	tokens := []types.Token{
		{Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Name: "USD Coin", Decimals: 6, ChainID: 1},
		{Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Symbol: "USDT", Name: "Tether USD", Decimals: 6, ChainID: 1},
		{Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Symbol: "DAI", Name: "Dai Stablecoin", Decimals: 18, ChainID: 1},
		{Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Symbol: "USDC", Name: "USD Coin", Decimals: 6, ChainID: 10},
		{Address: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", Symbol: "USDT", Name: "Tether USD", Decimals: 6, ChainID: 10},
		// 同一地址部署在 optimism 与 arbitrum，链ID由解析时补齐
		{Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Symbol: "DAI", Name: "Dai Stablecoin", Decimals: 18},
		{Address: "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", Symbol: "USDC", Name: "USD Coin", Decimals: 18, ChainID: 56},
		{Address: "0x55d398326f99059fF775485246999027B3197955", Symbol: "USDT", Name: "Tether USD", Decimals: 18, ChainID: 56},
		{Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Symbol: "USDC", Name: "USD Coin", Decimals: 6, ChainID: 137},
		{Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Symbol: "USDT", Name: "Tether USD", Decimals: 6, ChainID: 137},
		{Address: "0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", Symbol: "DAI", Name: "Dai Stablecoin", Decimals: 18, ChainID: 137},
		{Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Symbol: "USDC", Name: "USD Coin", Decimals: 6, ChainID: 8453},
		{Address: "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", Symbol: "DAI", Name: "Dai Stablecoin", Decimals: 18, ChainID: 8453},
		{Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Symbol: "USDC", Name: "USD Coin", Decimals: 6, ChainID: 42161},
		{Address: "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", Symbol: "USDT", Name: "Tether USD", Decimals: 6, ChainID: 42161},
		{Address: "0x1aBaEA1f7C830bD89Acc67eC4af516284b1bC33c", Symbol: "EURC", Name: "Euro Coin", Decimals: 6, ChainID: 1},
		{Address: "0x1a7e4e63778B4f12a199C062f3eFdD288afCBce8", Symbol: "EURA", Name: "EURA", Decimals: 18, ChainID: 1},
		{Address: "0x60a3E35Cc302bFA44Cb288Bc5a4F316Fdb1adb42", Symbol: "EURC", Name: "Euro Coin", Decimals: 6, ChainID: 8453},
	}
	return indexTokens(tokens)
}

// fiatFile 法币映射文件格式
//
//	mapping:
//	  USD:
//	    1: ["0xA0b8...", "0xdAC1..."]
//	fallback:
//	  - {address: "0x...", symbol: USDC, decimals: 6, chain_id: 1}
type fiatFile struct {
	Mapping  types.FiatMapping `yaml:"mapping"`
	Fallback []types.Token     `yaml:"fallback"`
}

// loadFiatConfig 未设置 FIAT_MAPPING_FILE 时使用内置映射
func loadFiatConfig() (types.FiatConfig, error) {
	cfg := types.FiatConfig{
		MappingFile: getEnv("FIAT_MAPPING_FILE", ""),
		Mapping:     DefaultFiatMapping(),
		Fallback:    DefaultStablecoinFallback(),
	}
	if cfg.MappingFile == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(cfg.MappingFile)
	if err != nil {
		return cfg, fmt.Errorf("读取映射文件失败: %w", err)
	}
	mapping, fallback, err := ParseFiatMapping(data)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", cfg.MappingFile, err)
	}
	cfg.Mapping = mapping
	// 文件中的元数据覆盖内置条目
	for k, v := range fallback {
		cfg.Fallback[k] = v
	}
	return cfg, nil
}

// ParseFiatMapping 解析YAML映射，法币代码统一为大写
func ParseFiatMapping(data []byte) (types.FiatMapping, map[string]types.Token, error) {
	var file fiatFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("解析法币映射失败: %w", err)
	}
	if len(file.Mapping) == 0 {
		return nil, nil, fmt.Errorf("法币映射为空")
	}

	mapping := make(types.FiatMapping, len(file.Mapping))
	for code, chains := range file.Mapping {
		for chainID, addrs := range chains {
			for _, addr := range addrs {
				if !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
					return nil, nil, fmt.Errorf("法币 %s 链 %d 的地址无效: %q", code, chainID, addr)
				}
			}
		}
		mapping[strings.ToUpper(code)] = chains
	}
	return mapping, indexTokens(file.Fallback), nil
}

func indexTokens(tokens []types.Token) map[string]types.Token {
	out := make(map[string]types.Token, len(tokens))
	for _, t := range tokens {
		out[strings.ToLower(t.Address)] = t
	}
	return out
}
