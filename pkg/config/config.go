// Package config 稳定币路由服务配置管理
// 提供配置加载、验证、环境变量处理等功能
// 聚合器启用状态可由数据库驱动，法币映射可由YAML文件覆盖
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"defi-aggregator/stable-router/internal/chain"
	"defi-aggregator/stable-router/internal/types"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// 聚合器配置来源
const (
	ProviderSourceEnv      = "env"
	ProviderSourceDatabase = "database"
)

// Load 加载稳定币路由服务配置
// 从环境变量和.env文件加载配置，设置默认值
// 返回:
//   - *types.Config: 完整的服务配置
//   - error: 配置加载或验证错误
func Load() (*types.Config, error) {
	// 尝试加载.env文件
	if err := godotenv.Load(); err != nil {
		logrus.Info("未找到.env文件，使用环境变量配置")
	}

	fiat, err := loadFiatConfig()
	if err != nil {
		return nil, fmt.Errorf("加载法币映射失败: %w", err)
	}

	config := &types.Config{
		Server: types.ServerConfig{
			Port:        getEnvAsInt("PORT", 8080),
			Environment: getEnv("APP_ENV", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFile:     getEnv("LOG_FILE", ""),
			Debug:       getEnvAsBool("DEBUG", false),
		},
		Redis: types.RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB_STABLE_ROUTER", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Providers: loadProviderConfigs(),
		Routing:   loadRoutingConfig(),
		Cache: types.CacheConfig{
			Backend:         getEnv("CACHE_BACKEND", "redis"),
			DefaultTTL:      getEnvAsDuration("CACHE_DEFAULT_TTL", 3*time.Minute),
			CleanupInterval: getEnvAsDuration("CACHE_CLEANUP_INTERVAL", 5*time.Minute),
			PrefixKey:       getEnv("CACHE_PREFIX", "stable_router:"),
		},
		Monitoring: types.MonitoringConfig{
			MetricsEnabled:  getEnvAsBool("METRICS_ENABLED", true),
			MetricsPath:     getEnv("METRICS_PATH", "/metrics"),
			HealthCheckPath: getEnv("HEALTH_CHECK_PATH", "/health"),
			TracingEnabled:  getEnvAsBool("TRACING_ENABLED", false),
		},
		Chains: loadChainConfigs(),
		Oracle: types.OracleConfig{
			PriceURL:     getEnv("PRICE_API_URL", "https://coins.llama.fi"),
			TokenListURL: getEnv("TOKEN_LIST_URL", ""),
			Timeout:      getEnvAsDuration("PRICE_API_TIMEOUT", 5*time.Second),
		},
		MarketData: types.MarketDataConfig{
			DuneAPIKey:      getEnv("DUNE_API_KEY", ""),
			DuneBaseURL:     getEnv("DUNE_API_URL", ""),
			SantimentAPIKey: getEnv("SANTIMENT_API_KEY", ""),
			SantimentURL:    getEnv("SANTIMENT_API_URL", ""),
			BluechipURL:     getEnv("BLUECHIP_API_URL", ""),
			BinanceURL:      getEnv("BINANCE_API_URL", ""),
			CacheTTL:        getEnvAsDuration("MARKET_DATA_CACHE_TTL", 5*time.Minute),
			Timeout:         getEnvAsDuration("MARKET_DATA_TIMEOUT", 10*time.Second),
		},
		Database: types.DatabaseConfig{
			Enabled: strings.EqualFold(getEnv("PROVIDER_CONFIG_SOURCE", ProviderSourceEnv), ProviderSourceDatabase),
			URL:     databaseURL(),
		},
		Fiat: fiat,
		RateLimit: types.RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
			CleanupInterval:   getEnvAsDuration("RATE_LIMIT_CLEANUP", 10*time.Minute),
		},
	}

	// 验证配置
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return config, nil
}

// providerSpec 内置聚合器的环境变量前缀与默认值
type providerSpec struct {
	name        string
	displayName string
	envPrefix   string
	defaultURL  string
	timeout     time.Duration
	retry       int
	priority    int
	chains      []uint
}

var builtinProviders = []providerSpec{
	{
		name: types.Provider1inch, displayName: "1inch", envPrefix: "ONEINCH",
		defaultURL: "https://api.1inch.dev/swap/v6.0", timeout: 3 * time.Second, retry: 2, priority: 1,
		chains: []uint{1, 56, 137, 10, 42161, 43114, 100, 250, 8453, 324, 59144},
	},
	{
		name: types.ProviderParaswap, displayName: "ParaSwap", envPrefix: "PARASWAP",
		defaultURL: "https://api.paraswap.io", timeout: 4 * time.Second, retry: 2, priority: 2,
		chains: []uint{1, 56, 137, 10, 42161, 43114, 250, 8453},
	},
	{
		name: types.Provider0x, displayName: "0x Protocol", envPrefix: "ZRX",
		defaultURL: "https://api.0x.org", timeout: 5 * time.Second, retry: 2, priority: 3,
		chains: []uint{1, 56, 137, 10, 42161, 43114, 8453, 59144, 534352, 5000, 34443},
	},
	{
		name: types.Provider0xGasless, displayName: "0x Gasless", envPrefix: "ZRX_GASLESS",
		defaultURL: "https://api.0x.org", timeout: 5 * time.Second, retry: 1, priority: 4,
		chains: []uint{1, 137, 10, 42161, 8453},
	},
	{
		name: types.ProviderCowswap, displayName: "CoW Protocol", envPrefix: "COW",
		defaultURL: "https://api.cow.fi", timeout: 6 * time.Second, retry: 1, priority: 5,
		chains: []uint{1, 100, 42161, 8453},
	},
}

// envPrefixFor 聚合器名称对应的环境变量前缀
func envPrefixFor(name string) string {
	for _, spec := range builtinProviders {
		if spec.name == name {
			return spec.envPrefix
		}
	}
	return strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(name))
}

// loadProviderConfigs 加载聚合器配置
// 从环境变量加载各个聚合器的配置信息
func loadProviderConfigs() []types.ProviderConfig {
	providers := make([]types.ProviderConfig, 0, len(builtinProviders))
	for _, spec := range builtinProviders {
		p := spec.envPrefix
		providers = append(providers, types.ProviderConfig{
			Name:            spec.name,
			DisplayName:     spec.displayName,
			BaseURL:         getEnv(p+"_API_URL", spec.defaultURL),
			APIKey:          getEnv(p+"_API_KEY", ""),
			Timeout:         getEnvAsDuration(p+"_TIMEOUT", spec.timeout),
			RetryCount:      getEnvAsInt(p+"_RETRY_COUNT", spec.retry),
			Priority:        spec.priority,
			IsActive:        getEnvAsBool(p+"_ENABLED", false),
			SupportedChains: getEnvAsUintList(p+"_CHAINS", spec.chains),
			RateLimit:       getEnvAsFloat(p+"_RATE_LIMIT", 0),
			RateBurst:       getEnvAsInt(p+"_RATE_BURST", 1),
		})
	}
	return providers
}

// loadRoutingConfig 加载扇出、漂移保护与价格影响阈值
func loadRoutingConfig() types.RoutingConfig {
	return types.RoutingConfig{
		RefreshInterval:      getEnvAsDuration("ROUTE_REFRESH_INTERVAL", 3*time.Minute),
		AdapterTimeout:       getEnvAsDuration("ADAPTER_TIMEOUT", 8*time.Second),
		DebounceInterval:     getEnvAsDuration("INPUT_DEBOUNCE", 300*time.Millisecond),
		SessionTTL:           getEnvAsDuration("SESSION_TTL", 30*time.Minute),
		DriftThreshold:       decimal.NewFromFloat(getEnvAsFloat("DRIFT_THRESHOLD", 0.94)),
		PriceImpactWarning:   decimal.NewFromFloat(getEnvAsFloat("PRICE_IMPACT_WARNING", 3)),
		PriceImpactHardLimit: decimal.NewFromFloat(getEnvAsFloat("PRICE_IMPACT_HARD_LIMIT", 30)),
		DefaultSlippage:      decimal.NewFromFloat(getEnvAsFloat("DEFAULT_SLIPPAGE", 0.5)),
		SimulationEnabled:    getEnvAsBool("SIMULATION_ENABLED", true),
	}
}

// loadChainConfigs 读取 RPC_URL_<CHAIN>，未配置RPC的链不做节点访问
func loadChainConfigs() []types.ChainConfig {
	var chains []types.ChainConfig
	for _, info := range chain.All() {
		if url := getEnv("RPC_URL_"+strings.ToUpper(info.Name), ""); url != "" {
			chains = append(chains, types.ChainConfig{Name: info.Name, RPCURL: url})
		}
	}
	return chains
}

// databaseURL 聚合器启用状态库连接串
func databaseURL() string {
	if url := getEnv("DATABASE_URL", ""); url != "" {
		return url
	}
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		getEnv("DB_USER", "admin"),
		getEnv("DB_PASSWORD", "password"),
		getEnv("DB_HOST", "localhost"),
		getEnvAsInt("DB_PORT", 5432),
		getEnv("DB_NAME", "defi_aggregator"),
		getEnv("DB_SSL_MODE", "disable"),
	)
}

// validateConfig 验证配置的有效性
func validateConfig(cfg *types.Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("无效的端口号: %d", cfg.Server.Port)
	}
	if _, err := logrus.ParseLevel(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("无效的日志级别: %s", cfg.Server.LogLevel)
	}

	switch cfg.Cache.Backend {
	case "redis":
		if cfg.Redis.Host == "" || cfg.Redis.Port == 0 {
			return fmt.Errorf("REDIS_HOST与REDIS_PORT环境变量是必填项")
		}
	case "memory":
	default:
		return fmt.Errorf("无效的缓存后端: %s", cfg.Cache.Backend)
	}

	// 数据库模式下启用状态由数据库决定
	if !cfg.Database.Enabled {
		active := 0
		for _, provider := range cfg.Providers {
			if !provider.IsActive {
				continue
			}
			if provider.BaseURL == "" {
				return fmt.Errorf("%s_API_URL环境变量是必填项", envPrefixFor(provider.Name))
			}
			active++
		}
		if active == 0 {
			return fmt.Errorf("至少需要一个活跃的聚合器")
		}
	}

	r := cfg.Routing
	if r.RefreshInterval <= 0 || r.AdapterTimeout <= 0 {
		return fmt.Errorf("刷新周期与适配器超时必须为正数")
	}
	if r.DriftThreshold.LessThanOrEqual(decimal.Zero) || r.DriftThreshold.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("漂移阈值必须在(0, 1]之间，当前为: %s", r.DriftThreshold.String())
	}
	if r.PriceImpactWarning.GreaterThan(r.PriceImpactHardLimit) {
		return fmt.Errorf("价格影响警告阈值不能大于硬性上限")
	}

	if len(cfg.Fiat.Mapping) == 0 {
		return fmt.Errorf("法币映射不能为空")
	}
	return nil
}

// ========================================
// 环境变量辅助函数
// ========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		logrus.Warnf("无法解析环境变量 %s 为整数，使用默认值 %d", key, defaultValue)
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		logrus.Warnf("无法解析环境变量 %s 为布尔值，使用默认值 %t", key, defaultValue)
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.Warnf("无法解析环境变量 %s 为时间间隔，使用默认值 %v", key, defaultValue)
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
		logrus.Warnf("无法解析环境变量 %s 为浮点数，使用默认值 %f", key, defaultValue)
	}
	return defaultValue
}

// getEnvAsUintList 逗号分隔的链ID列表
func getEnvAsUintList(key string, defaultValue []uint) []uint {
	value := os.Getenv(key)
	if value == "" {
		return append([]uint{}, defaultValue...)
	}
	var out []uint
	for _, part := range strings.Split(value, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			logrus.Warnf("无法解析环境变量 %s 为链ID列表，使用默认值 %v", key, defaultValue)
			return append([]uint{}, defaultValue...)
		}
		out = append(out, uint(id))
	}
	return out
}

// LoadConfigWithDatabase 加载包含数据库聚合器配置的完整配置
// 数据库控制启用状态，环境变量提供敏感信息，数据库不可用时回退到环境变量
func LoadConfigWithDatabase(logger *logrus.Logger) (*types.Config, error) {
	config, err := Load()
	if err != nil {
		return nil, fmt.Errorf("加载基础配置失败: %w", err)
	}
	if !config.Database.Enabled {
		return config, nil
	}

	configManager, err := OpenAggregatorConfigManager(config.Database.URL, logger)
	if err != nil {
		logger.Warnf("创建聚合器配置管理器失败: %v，使用环境变量配置", err)
		return config, nil
	}
	defer configManager.Close()

	providers, err := configManager.LoadActiveProviders()
	if err != nil {
		logger.Warnf("从数据库加载聚合器配置失败: %v，使用环境变量配置", err)
		return config, nil
	}

	config.Providers = providers
	logger.Infof("🎉 成功使用数据库聚合器配置，共 %d 个活跃聚合器", len(providers))
	return config, nil
}
