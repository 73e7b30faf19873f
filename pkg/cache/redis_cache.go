package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"defi-aggregator/stable-router/internal/types"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisCache 基于Redis的缓存实现
type RedisCache struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	logger     *logrus.Logger
	counters
}

// NewRedisCache 创建Redis缓存并检查连接
func NewRedisCache(cfg *types.RedisConfig, prefix string, defaultTTL time.Duration, logger *logrus.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	logger.Infof("✅ Redis连接成功: %s:%d db=%d", cfg.Host, cfg.Port, cfg.DB)
	return newRedisCacheWithClient(client, prefix, defaultTTL, logger), nil
}

func newRedisCacheWithClient(client *redis.Client, prefix string, defaultTTL time.Duration, logger *logrus.Logger) *RedisCache {
	return &RedisCache{
		client:     client,
		prefix:     prefix,
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

// Get 读取缓存
func (r *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		r.misses.Add(1)
		return ErrCacheMiss
	}
	if err != nil {
		r.errors.Add(1)
		return fmt.Errorf("读取缓存失败: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		r.errors.Add(1)
		return fmt.Errorf("反序列化缓存失败: %w", err)
	}
	r.hits.Add(1)
	return nil
}

// Set 写入缓存
func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化缓存失败: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		r.errors.Add(1)
		return fmt.Errorf("写入缓存失败: %w", err)
	}
	return nil
}

// Delete 删除缓存
func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.client.Del(ctx, full...).Err()
}

// Ping 健康检查
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Stats 命中统计
func (r *RedisCache) Stats() Stats {
	return r.snapshot()
}

// Backend 后端名称
func (r *RedisCache) Backend() string {
	return "redis"
}

// Close 关闭连接
func (r *RedisCache) Close() error {
	return r.client.Close()
}
