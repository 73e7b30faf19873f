package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache 进程内缓存，用于本地开发或Redis不可用时
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	defaultTTL time.Duration
	logger     *logrus.Logger
	stop       chan struct{}
	stopOnce   sync.Once
	now        func() time.Time
	counters
}

// NewMemoryCache 创建进程内缓存，按 cleanupInterval 清理过期条目
func NewMemoryCache(defaultTTL, cleanupInterval time.Duration, logger *logrus.Logger) *MemoryCache {
	m := &MemoryCache{
		entries:    make(map[string]memoryEntry),
		defaultTTL: defaultTTL,
		logger:     logger,
		stop:       make(chan struct{}),
		now:        time.Now,
	}
	if cleanupInterval > 0 {
		go m.janitor(cleanupInterval)
	}
	return m
}

func (m *MemoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed := m.purgeExpired()
			if removed > 0 {
				m.logger.Debugf("内存缓存清理: 移除 %d 个过期条目", removed)
			}
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryCache) purgeExpired() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Get 读取缓存
func (m *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || m.now().After(entry.expiresAt) {
		m.misses.Add(1)
		return ErrCacheMiss
	}
	if err := json.Unmarshal(entry.data, dest); err != nil {
		m.errors.Add(1)
		return fmt.Errorf("反序列化缓存失败: %w", err)
	}
	m.hits.Add(1)
	return nil
}

// Set 写入缓存
func (m *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化缓存失败: %w", err)
	}
	m.mu.Lock()
	m.entries[key] = memoryEntry{data: data, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Delete 删除缓存
func (m *MemoryCache) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	m.mu.Unlock()
	return nil
}

// Ping 始终可用
func (m *MemoryCache) Ping(context.Context) error {
	return nil
}

// Stats 命中统计
func (m *MemoryCache) Stats() Stats {
	return m.snapshot()
}

// Backend 后端名称
func (m *MemoryCache) Backend() string {
	return "memory"
}

// Close 停止清理协程
func (m *MemoryCache) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
