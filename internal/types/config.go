package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ========================================
// 配置类型
// ========================================

// Config 稳定币路由服务配置
type Config struct {
	Server     ServerConfig     `json:"server"`
	Redis      RedisConfig      `json:"redis"`
	Providers  []ProviderConfig `json:"providers"`
	Routing    RoutingConfig    `json:"routing"`
	Cache      CacheConfig      `json:"cache"`
	Monitoring MonitoringConfig `json:"monitoring"`
	Chains     []ChainConfig    `json:"chains"`
	Oracle     OracleConfig     `json:"oracle"`
	MarketData MarketDataConfig `json:"market_data"`
	Database   DatabaseConfig   `json:"database"`
	Fiat       FiatConfig       `json:"fiat"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port        int    `json:"port"`
	Environment string `json:"environment"`
	LogLevel    string `json:"log_level"`
	LogFile     string `json:"log_file"` // 为空时只输出到标准输出
	Debug       bool   `json:"debug"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ProviderConfig 聚合器配置
type ProviderConfig struct {
	Name            string          `json:"name"`
	DisplayName     string          `json:"display_name"`
	BaseURL         string          `json:"base_url"`
	APIKey          string          `json:"api_key"`
	Timeout         time.Duration   `json:"timeout"`
	RetryCount      int             `json:"retry_count"`
	Priority        int             `json:"priority"`
	IsActive        bool            `json:"is_active"`
	SupportedChains []uint          `json:"supported_chains"`
	RateLimit       float64         `json:"rate_limit"` // 每秒请求数，0 表示不限制
	RateBurst       int             `json:"rate_burst"`
}

// RoutingConfig 扇出、排序与会话相关参数
type RoutingConfig struct {
	RefreshInterval      time.Duration   `json:"refresh_interval"`        // 报价缓存与轮询周期
	AdapterTimeout       time.Duration   `json:"adapter_timeout"`         // 单个适配器的超时上限
	DebounceInterval     time.Duration   `json:"debounce_interval"`       // 输入防抖
	SessionTTL           time.Duration   `json:"session_ttl"`             // 会话空闲过期
	DriftThreshold       decimal.Decimal `json:"drift_threshold"`         // 输出比率不高于该值时清除选择
	PriceImpactWarning   decimal.Decimal `json:"price_impact_warning"`    // 百分比
	PriceImpactHardLimit decimal.Decimal `json:"price_impact_hard_limit"` // 百分比
	DefaultSlippage      decimal.Decimal `json:"default_slippage"`
	SimulationEnabled    bool            `json:"simulation_enabled"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	Backend         string        `json:"backend"` // redis 或 memory
	DefaultTTL      time.Duration `json:"default_ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
	PrefixKey       string        `json:"prefix_key"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	MetricsEnabled  bool   `json:"metrics_enabled"`
	MetricsPath     string `json:"metrics_path"`
	HealthCheckPath string `json:"health_check_path"`
	TracingEnabled  bool   `json:"tracing_enabled"`
}

// ChainConfig 链RPC配置
type ChainConfig struct {
	Name   string `json:"name"`
	RPCURL string `json:"rpc_url"`
}

// OracleConfig 价格与代币列表来源
type OracleConfig struct {
	PriceURL     string        `json:"price_url"`
	TokenListURL string        `json:"token_list_url"`
	Timeout      time.Duration `json:"timeout"`
}

// MarketDataConfig 辅助市场数据提供方配置
type MarketDataConfig struct {
	DuneAPIKey      string        `json:"dune_api_key"`
	DuneBaseURL     string        `json:"dune_base_url"`
	SantimentAPIKey string        `json:"santiment_api_key"`
	SantimentURL    string        `json:"santiment_url"`
	BluechipURL     string        `json:"bluechip_url"`
	BinanceURL      string        `json:"binance_url"`
	CacheTTL        time.Duration `json:"cache_ttl"`
	Timeout         time.Duration `json:"timeout"`
}

// DatabaseConfig 聚合器启用状态数据库
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// FiatMapping 法币代码 -> 链ID -> 有序稳定币地址
type FiatMapping map[string]map[uint][]string

// FiatConfig 法币映射与稳定币后备元数据
type FiatConfig struct {
	MappingFile string           `json:"mapping_file"`
	Mapping     FiatMapping      `json:"mapping"`
	Fallback    map[string]Token `json:"fallback"` // 小写地址 -> 元数据
}

// RateLimitConfig 客户端限流
type RateLimitConfig struct {
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
	CleanupInterval   time.Duration `json:"cleanup_interval"`
}
