// Package cache 缓存管理器
// 提供Redis与进程内两种实现，值统一以JSON序列化存储
package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// CacheManager 缓存管理器接口
type CacheManager interface {
	// Get 读取并反序列化到dest，未命中返回 ErrCacheMiss
	Get(ctx context.Context, key string, dest interface{}) error
	// Set 序列化写入，ttl<=0 表示使用默认TTL
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Stats() Stats
	Backend() string
	Close() error
}

// Stats 命中统计
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// counters 各实现共享的原子计数器
type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}
