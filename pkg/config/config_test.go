package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"defi-aggregator/stable-router/internal/types"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ZRX_ENABLED", "true")
	t.Setenv("ZRX_API_KEY", "zrx-key")
	t.Setenv("ZRX_CHAINS", "1, 8453")
	t.Setenv("RPC_URL_OPTIMISM", "http://optimism.local")
	t.Setenv("DRIFT_THRESHOLD", "0.9")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3*time.Minute, cfg.Routing.RefreshInterval)
	assert.Equal(t, 300*time.Millisecond, cfg.Routing.DebounceInterval)
	assert.Equal(t, "0.9", cfg.Routing.DriftThreshold.String())
	assert.Equal(t, "30", cfg.Routing.PriceImpactHardLimit.String())
	assert.False(t, cfg.Database.Enabled)

	var zrx *types.ProviderConfig
	for i := range cfg.Providers {
		if cfg.Providers[i].Name == types.Provider0x {
			zrx = &cfg.Providers[i]
		}
	}
	require.NotNil(t, zrx)
	assert.True(t, zrx.IsActive)
	assert.Equal(t, "zrx-key", zrx.APIKey)
	assert.Equal(t, []uint{1, 8453}, zrx.SupportedChains)

	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, "optimism", cfg.Chains[0].Name)

	assert.Len(t, cfg.Fiat.Mapping["USD"][1], 3)
	usdc := cfg.Fiat.Fallback["0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"]
	assert.Equal(t, "USDC", usdc.Symbol)
	assert.Equal(t, int32(6), usdc.Decimals)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		errMsg string
	}{
		{"no active provider", nil, "至少需要一个活跃的聚合器"},
		{"bad port", map[string]string{"ZRX_ENABLED": "true", "PORT": "70000"}, "无效的端口号"},
		{"bad drift", map[string]string{"ZRX_ENABLED": "true", "DRIFT_THRESHOLD": "1.5"}, "漂移阈值"},
		{"bad impact", map[string]string{"ZRX_ENABLED": "true", "PRICE_IMPACT_WARNING": "40"}, "价格影响"},
		{"bad cache", map[string]string{"ZRX_ENABLED": "true", "CACHE_BACKEND": "disk"}, "缓存后端"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	// 数据库模式不要求环境变量启用聚合器
	t.Setenv("PROVIDER_CONFIG_SOURCE", "database")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Database.Enabled)
}

func TestFiatMappingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fiat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mapping:
  usd:
    1: ["0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"]
  gbp:
    1: ["0x86B4dBE5D203e634a12364C0e428fa242A3FbA98"]
fallback:
  - address: "0x86B4dBE5D203e634a12364C0e428fa242A3FbA98"
    symbol: GBPT
    name: poundtoken
    decimals: 18
    chain_id: 1
`), 0o600))
	t.Setenv("FIAT_MAPPING_FILE", path)
	t.Setenv("ZRX_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"}, cfg.Fiat.Mapping["USD"][1])
	assert.NotContains(t, cfg.Fiat.Mapping, "EUR")
	assert.Equal(t, "GBPT", cfg.Fiat.Fallback["0x86b4dbe5d203e634a12364c0e428fa242a3fba98"].Symbol)
	// 内置元数据仍然保留
	assert.Contains(t, cfg.Fiat.Fallback, "0xdac17f958d2ee523a2206206994597c13d831ec7")
}

func TestParseFiatMappingRejectsBadInput(t *testing.T) {
	_, _, err := ParseFiatMapping([]byte("mapping: {}"))
	assert.Error(t, err)

	_, _, err = ParseFiatMapping([]byte(`mapping: {USD: {1: ["USDC"]}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "地址无效")

	_, _, err = ParseFiatMapping([]byte("mapping: [1, 2"))
	assert.Error(t, err)
}

// ========================================
// 数据库驱动的聚合器配置
// ========================================

func seedDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "providers.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&DatabaseAggregator{}, &DatabaseChain{}, &DatabaseAggregatorChain{}))

	chains := []DatabaseChain{
		{ID: 1, ChainID: 1, Name: "ethereum", IsActive: true},
		{ID: 2, ChainID: 8453, Name: "base", IsActive: true},
		{ID: 3, ChainID: 56, Name: "bsc", IsActive: false},
	}
	require.NoError(t, db.Create(&chains).Error)

	aggs := []DatabaseAggregator{
		{ID: 1, Name: "0x", DisplayName: "0x Protocol", APIURL: "https://zrx.local", IsActive: true, Priority: 2, TimeoutMS: 5000, RetryCount: 1},
		{ID: 2, Name: "cowswap", DisplayName: "CoW Protocol", APIURL: "https://cow.local", IsActive: true, Priority: 1, TimeoutMS: 6000},
		{ID: 3, Name: "paraswap", DisplayName: "ParaSwap", APIURL: "https://paraswap.local", IsActive: false, Priority: 3},
		{ID: 4, Name: "1inch", DisplayName: "1inch", APIURL: "https://1inch.local", IsActive: true, Priority: 4},
	}
	require.NoError(t, db.Create(&aggs).Error)

	relations := []DatabaseAggregatorChain{
		{AggregatorID: 1, ChainID: 1, IsActive: true},
		{AggregatorID: 1, ChainID: 2, IsActive: true},
		{AggregatorID: 1, ChainID: 3, IsActive: true},
		{AggregatorID: 2, ChainID: 1, IsActive: true},
		{AggregatorID: 3, ChainID: 1, IsActive: true},
		// 1inch 只关联未启用的链
		{AggregatorID: 4, ChainID: 3, IsActive: true},
	}
	require.NoError(t, db.Create(&relations).Error)
	return db
}

func TestAggregatorConfigManagerLoadsActiveProviders(t *testing.T) {
	t.Setenv("ZRX_API_KEY", "secret")
	t.Setenv("ZRX_TIMEOUT_MS", "2500")

	mgr := NewAggregatorConfigManager(seedDB(t), quietLogger())
	defer mgr.Close()

	providers, err := mgr.LoadActiveProviders()
	require.NoError(t, err)
	require.Len(t, providers, 2)

	// 按优先级排序
	assert.Equal(t, "cowswap", providers[0].Name)
	assert.Equal(t, []uint{1}, providers[0].SupportedChains)
	assert.Equal(t, 6*time.Second, providers[0].Timeout)

	zrx := providers[1]
	assert.Equal(t, "0x", zrx.Name)
	assert.Equal(t, "secret", zrx.APIKey)
	assert.Equal(t, 2500*time.Millisecond, zrx.Timeout)
	assert.Equal(t, 1, zrx.RetryCount)
	assert.Equal(t, []uint{1, 8453}, zrx.SupportedChains)
	assert.True(t, zrx.IsActive)
}

func TestAggregatorConfigManagerWatch(t *testing.T) {
	db := seedDB(t)
	mgr := NewAggregatorConfigManager(db, quietLogger())
	defer mgr.Close()

	initial, err := mgr.LoadActiveProviders()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan []types.ProviderConfig, 4)
	go mgr.Watch(ctx, 10*time.Millisecond, initial, func(p []types.ProviderConfig) { changes <- p })

	require.NoError(t, db.Model(&DatabaseAggregator{}).Where("name = ?", "cowswap").Update("is_active", false).Error)

	select {
	case providers := <-changes:
		require.Len(t, providers, 1)
		assert.Equal(t, "0x", providers[0].Name)
	case <-time.After(3 * time.Second):
		t.Fatal("expected provider change notification")
	}
}

func TestEnvPrefixFor(t *testing.T) {
	assert.Equal(t, "ZRX", envPrefixFor("0x"))
	assert.Equal(t, "ZRX_GASLESS", envPrefixFor("0x-gasless"))
	assert.Equal(t, "COW", envPrefixFor("cowswap"))
	assert.Equal(t, "KYBER_SWAP", envPrefixFor("kyber-swap"))
}
