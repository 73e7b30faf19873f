// Package config 聚合器配置管理器
// 数据库控制聚合器启用状态与支持链，环境变量提供API密钥等敏感信息
// 支持周期性重载，数据库不可用时保留上一次的配置
package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"defi-aggregator/stable-router/internal/types"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AggregatorConfigManager 聚合器配置管理器
type AggregatorConfigManager struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// DatabaseAggregator 数据库聚合器模型
type DatabaseAggregator struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"column:name"`
	DisplayName string `gorm:"column:display_name"`
	APIURL      string `gorm:"column:api_url"`
	APIKey      string `gorm:"column:api_key"`   // 通常为空，从环境变量读取
	IsActive    bool   `gorm:"column:is_active"` // 控制聚合器是否参与扇出
	Priority    int    `gorm:"column:priority"`
	TimeoutMS   int    `gorm:"column:timeout_ms"`
	RetryCount  int    `gorm:"column:retry_count"`
}

func (DatabaseAggregator) TableName() string { return "aggregators" }

// DatabaseChain 数据库链模型
type DatabaseChain struct {
	ID       uint   `gorm:"primaryKey"`
	ChainID  uint   `gorm:"column:chain_id"`
	Name     string `gorm:"column:name"`
	IsActive bool   `gorm:"column:is_active"`
}

func (DatabaseChain) TableName() string { return "chains" }

// DatabaseAggregatorChain 聚合器支持链关系
type DatabaseAggregatorChain struct {
	ID           uint `gorm:"primaryKey"`
	AggregatorID uint `gorm:"column:aggregator_id"`
	ChainID      uint `gorm:"column:chain_id"` // chains 表主键
	IsActive     bool `gorm:"column:is_active"`
}

func (DatabaseAggregatorChain) TableName() string { return "aggregator_chains" }

// OpenAggregatorConfigManager 连接 PostgreSQL 并创建配置管理器
func OpenAggregatorConfigManager(dbURL string, log *logrus.Logger) (*AggregatorConfigManager, error) {
	db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	return NewAggregatorConfigManager(db, log), nil
}

// NewAggregatorConfigManager 基于已有连接创建配置管理器
func NewAggregatorConfigManager(db *gorm.DB, log *logrus.Logger) *AggregatorConfigManager {
	return &AggregatorConfigManager{db: db, logger: log}
}

// LoadActiveProviders 加载活跃的聚合器配置
func (mgr *AggregatorConfigManager) LoadActiveProviders() ([]types.ProviderConfig, error) {
	mgr.logger.Debug("🔄 从数据库加载活跃聚合器配置...")

	var dbAggregators []DatabaseAggregator
	if err := mgr.db.Where("is_active = ?", true).Order("priority ASC").Find(&dbAggregators).Error; err != nil {
		return nil, fmt.Errorf("查询活跃聚合器失败: %w", err)
	}

	var providers []types.ProviderConfig
	for _, aggregator := range dbAggregators {
		supportedChains, err := mgr.loadSupportedChains(aggregator.ID, aggregator.Name)
		if err != nil {
			mgr.logger.Warnf("⚠️ 跳过聚合器 %s (ID=%d): %v", aggregator.Name, aggregator.ID, err)
			continue
		}
		provider := mgr.mergeEnvironment(aggregator, supportedChains)
		providers = append(providers, provider)
		mgr.logger.Debugf("✅ 聚合器配置: %s", formatProviderSummary(provider))
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("没有找到可用的活跃聚合器")
	}

	mgr.logger.Infof("🎉 聚合器配置加载完成: %d 个活跃聚合器", len(providers))
	return providers, nil
}

// loadSupportedChains 加载聚合器支持的外部链ID
func (mgr *AggregatorConfigManager) loadSupportedChains(aggregatorID uint, aggregatorName string) ([]uint, error) {
	var relations []DatabaseAggregatorChain
	if err := mgr.db.Where("aggregator_id = ? AND is_active = ?", aggregatorID, true).Find(&relations).Error; err != nil {
		return nil, fmt.Errorf("查询聚合器链关系失败: %w", err)
	}
	if len(relations) == 0 {
		return nil, fmt.Errorf("聚合器 %s 没有配置支持的链", aggregatorName)
	}

	ids := make([]uint, 0, len(relations))
	for _, relation := range relations {
		ids = append(ids, relation.ChainID)
	}

	var chains []DatabaseChain
	if err := mgr.db.Where("id IN ? AND is_active = ?", ids, true).Find(&chains).Error; err != nil {
		return nil, fmt.Errorf("查询链信息失败: %w", err)
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("聚合器 %s 支持的链均未启用", aggregatorName)
	}

	supported := make([]uint, 0, len(chains))
	for _, c := range chains {
		supported = append(supported, c.ChainID)
	}
	sort.Slice(supported, func(i, j int) bool { return supported[i] < supported[j] })
	return supported, nil
}

// mergeEnvironment 合并数据库记录与环境变量，环境变量优先
func (mgr *AggregatorConfigManager) mergeEnvironment(agg DatabaseAggregator, chains []uint) types.ProviderConfig {
	prefix := envPrefixFor(agg.Name)

	baseURL := agg.APIURL
	if baseURL == "" {
		baseURL = getEnv(prefix+"_API_URL", "")
	}
	timeout := time.Duration(agg.TimeoutMS) * time.Millisecond
	if ms := getEnvAsInt(prefix+"_TIMEOUT_MS", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	retry := agg.RetryCount
	if r := getEnvAsInt(prefix+"_RETRY_COUNT", 0); r > 0 {
		retry = r
	}

	return types.ProviderConfig{
		Name:            agg.Name,
		DisplayName:     agg.DisplayName,
		BaseURL:         baseURL,
		APIKey:          getEnv(prefix+"_API_KEY", agg.APIKey),
		Timeout:         timeout,
		RetryCount:      retry,
		Priority:        agg.Priority,
		IsActive:        agg.IsActive,
		SupportedChains: chains,
		RateLimit:       getEnvAsFloat(prefix+"_RATE_LIMIT", 0),
		RateBurst:       getEnvAsInt(prefix+"_RATE_BURST", 1),
	}
}

// Watch 周期性重载启用状态，集合变化时回调
// 查询失败时保留上一次的配置
func (mgr *AggregatorConfigManager) Watch(ctx context.Context, interval time.Duration, initial []types.ProviderConfig,
	onChange func([]types.ProviderConfig)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := providersFingerprint(initial)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			providers, err := mgr.LoadActiveProviders()
			if err != nil {
				mgr.logger.Warnf("⚠️ 重载聚合器配置失败，保留当前配置: %v", err)
				continue
			}
			if fp := providersFingerprint(providers); fp != last {
				last = fp
				mgr.logger.Infof("🔁 聚合器启用状态变化，重建适配器: %s", fp)
				onChange(providers)
			}
		}
	}
}

// providersFingerprint 名称、地址与支持链组成的摘要
func providersFingerprint(providers []types.ProviderConfig) string {
	parts := make([]string, 0, len(providers))
	for _, p := range providers {
		parts = append(parts, fmt.Sprintf("%s@%s%v", p.Name, p.BaseURL, p.SupportedChains))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// formatProviderSummary 格式化聚合器配置摘要
func formatProviderSummary(provider types.ProviderConfig) string {
	apiKeyStatus := "未配置"
	if provider.APIKey != "" {
		apiKeyStatus = "已配置"
	}
	return fmt.Sprintf("%s(%s) | URL: %s | API Key: %s | 支持链: %v",
		provider.DisplayName, provider.Name, provider.BaseURL, apiKeyStatus, provider.SupportedChains)
}

// Close 关闭数据库连接
func (mgr *AggregatorConfigManager) Close() error {
	if sqlDB, err := mgr.db.DB(); err == nil {
		return sqlDB.Close()
	}
	return nil
}
