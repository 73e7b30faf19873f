package chain

import (
	"context"
	"fmt"
	"sync"

	"defi-aggregator/stable-router/internal/types"

	"github.com/sirupsen/logrus"
)

// Manager 管理各链节点客户端
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *logrus.Logger
}

// NewManager 根据配置连接已配置RPC的链，连接失败的链只记录警告
func NewManager(ctx context.Context, cfgs []types.ChainConfig, logger *logrus.Logger) *Manager {
	m := &Manager{clients: make(map[string]*Client), logger: logger}
	for _, cfg := range cfgs {
		info, ok := ByName(cfg.Name)
		if !ok {
			logger.Warnf("⚠️ 未知链名称: %s，跳过", cfg.Name)
			continue
		}
		client, err := Dial(ctx, info, cfg.RPCURL, logger)
		if err != nil {
			logger.Warnf("⚠️ 链 %s 连接失败: %v", cfg.Name, err)
			continue
		}
		m.clients[info.Name] = client
		logger.Infof("🔗 链节点已连接: %s (chainId=%d)", info.Name, info.ID)
	}
	return m
}

// Register 注册客户端（测试或动态配置使用）
func (m *Manager) Register(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.info.Name] = client
}

// Client 获取链客户端
func (m *Manager) Client(name string) (*Client, error) {
	info, ok := ByName(name)
	if !ok {
		return nil, fmt.Errorf("未知链: %s", name)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[info.Name]
	if !ok {
		return nil, fmt.Errorf("链 %s 未配置RPC", name)
	}
	return client, nil
}

// Chains 已连接的链名称
func (m *Manager) Chains() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.clients))
	for name := range m.clients {
		out = append(out, name)
	}
	return out
}
