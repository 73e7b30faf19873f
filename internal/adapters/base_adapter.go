// Package adapters 第三方聚合器适配器
// 提供统一的聚合器接口，封装不同聚合器的API差异
// 每个适配器只负责把聚合器响应转换为统一的 types.Quote
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"defi-aggregator/stable-router/internal/types"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// BaseAdapter 基础适配器结构
// 提供所有适配器的通用功能和配置
type BaseAdapter struct {
	mu         sync.RWMutex
	config     *types.ProviderConfig // 聚合器配置
	httpClient *http.Client          // HTTP客户端
	limiter    *rate.Limiter         // 出站限流，nil 表示不限制
	logger     *logrus.Logger        // 日志记录器
	metrics    *AdapterMetrics       // 性能指标
}

// AdapterMetrics 适配器性能指标
// 记录适配器的运行时性能数据
type AdapterMetrics struct {
	TotalRequests   int64         `json:"total_requests"`    // 总请求数
	SuccessRequests int64         `json:"success_requests"`  // 成功请求数
	FailedRequests  int64         `json:"failed_requests"`   // 失败请求数
	AvgResponseTime time.Duration `json:"avg_response_time"` // 平均响应时间
	LastRequestTime time.Time     `json:"last_request_time"` // 最后请求时间
}

// HTTPStatusError 聚合器返回的非2xx响应
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP错误: status=%d, body=%s", e.StatusCode, e.Body)
}

func asStatusError(err error) (*HTTPStatusError, bool) {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr, true
	}
	return nil, false
}

// NewBaseAdapter 创建基础适配器
// 初始化带追踪的HTTP客户端与限流器
func NewBaseAdapter(config *types.ProviderConfig, logger *logrus.Logger) *BaseAdapter {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
	}

	return &BaseAdapter{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		limiter: newLimiter(config),
		logger:  logger,
		metrics: &AdapterMetrics{},
	}
}

func newLimiter(config *types.ProviderConfig) *rate.Limiter {
	if config.RateLimit <= 0 {
		return nil
	}
	burst := config.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(config.RateLimit), burst)
}

// ========================================
// 通用HTTP请求方法
// ========================================

// makeHTTPRequest 发送HTTP请求
// 统一的HTTP请求方法，包含限流、重试、超时、错误处理
// 5xx 与网络错误按 attempt*100ms 退避重试，4xx 直接返回
func (b *BaseAdapter) makeHTTPRequest(ctx context.Context, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	b.mu.RLock()
	cfg, client, limiter := b.config, b.httpClient, b.limiter
	b.mu.RUnlock()
	startTime := time.Now()

	b.logger.Debugf("[%s] 开始请求: %s %s", cfg.Name, method, url)

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("等待限流令牌失败: %w", err)
		}
	}

	var (
		resp    *http.Response
		lastErr error
	)
	for attempt := 0; attempt <= cfg.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
			b.logger.Debugf("[%s] 重试请求: attempt=%d", cfg.Name, attempt)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "DeFi-Aggregator-Stable-Router/1.0")
		if cfg.APIKey != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", cfg.APIKey))
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, lastErr = client.Do(req)
		if lastErr == nil && resp.StatusCode < 500 {
			break
		}
		if lastErr == nil {
			// 5xx：保留响应体用于最后一次的错误信息
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(data)}
			resp = nil
		}
	}

	if lastErr != nil {
		b.updateMetrics(false, time.Since(startTime))
		return nil, fmt.Errorf("HTTP请求失败: %w", lastErr)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		b.updateMetrics(false, time.Since(startTime))
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode >= 400 {
		b.updateMetrics(false, time.Since(startTime))
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(responseBody)}
	}

	duration := time.Since(startTime)
	b.updateMetrics(true, duration)

	b.logger.Debugf("[%s] 请求完成: duration=%v, status=%d", cfg.Name, duration, resp.StatusCode)
	return responseBody, nil
}

// postJSON 序列化请求体并发送POST请求
func (b *BaseAdapter) postJSON(ctx context.Context, url string, payload interface{}, headers map[string]string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}
	return b.makeHTTPRequest(ctx, http.MethodPost, url, body, headers)
}

// ========================================
// 通用数据处理方法
// ========================================

// parseJSONResponse 解析JSON响应
func (b *BaseAdapter) parseJSONResponse(data []byte, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		b.logger.Errorf("[%s] JSON解析失败: %v, data=%s", b.GetName(), err, string(data))
		return fmt.Errorf("JSON解析失败: %w", err)
	}
	return nil
}

// standardizeAmount 标准化金额格式
// 将不同聚合器的金额格式转换为统一的decimal.Decimal
func (b *BaseAdapter) standardizeAmount(amount interface{}) (decimal.Decimal, error) {
	switch v := amount.(type) {
	case string:
		if v == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(v)
	case json.Number:
		return decimal.NewFromString(v.String())
	case float64:
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case nil:
		return decimal.Zero, nil
	default:
		return decimal.Zero, fmt.Errorf("不支持的金额类型: %T", amount)
	}
}

// rawQuote 保存原始响应，执行阶段原样交回聚合器
func rawQuote(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ========================================
// 性能指标管理
// ========================================

// updateMetrics 更新适配器性能指标
func (b *BaseAdapter) updateMetrics(success bool, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.TotalRequests++
	b.metrics.LastRequestTime = time.Now()

	if success {
		b.metrics.SuccessRequests++
	} else {
		b.metrics.FailedRequests++
	}

	// 指数滑动平均
	if b.metrics.TotalRequests == 1 {
		b.metrics.AvgResponseTime = duration
	} else {
		alpha := 0.1
		b.metrics.AvgResponseTime = time.Duration(
			float64(b.metrics.AvgResponseTime)*(1-alpha) + float64(duration)*alpha,
		)
	}
}

// GetMetrics 获取适配器性能指标快照
func (b *BaseAdapter) GetMetrics() AdapterMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return *b.metrics
}

// ResetMetrics 重置适配器性能指标
func (b *BaseAdapter) ResetMetrics() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = &AdapterMetrics{}
}

// ========================================
// 配置管理
// ========================================

// UpdateConfig 更新适配器配置
func (b *BaseAdapter) UpdateConfig(config *types.ProviderConfig) error {
	if config == nil {
		return fmt.Errorf("配置不能为空")
	}
	b.mu.Lock()
	b.config = config
	b.httpClient = &http.Client{Timeout: config.Timeout, Transport: b.httpClient.Transport}
	b.limiter = newLimiter(config)
	b.mu.Unlock()

	b.logger.Infof("[%s] 配置已更新", config.Name)
	return nil
}

// GetConfig 获取当前配置
func (b *BaseAdapter) GetConfig() *types.ProviderConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config
}

// GetName 获取聚合器名称
func (b *BaseAdapter) GetName() string {
	return b.GetConfig().Name
}

// GetDisplayName 获取显示名称
func (b *BaseAdapter) GetDisplayName() string {
	return b.GetConfig().DisplayName
}

// IsSupported 检查是否支持指定链
func (b *BaseAdapter) IsSupported(chainID uint) bool {
	for _, supportedChain := range b.GetConfig().SupportedChains {
		if supportedChain == chainID {
			return true
		}
	}
	return false
}

// baseURL 去掉末尾斜杠的API地址
func (b *BaseAdapter) baseURL() (string, error) {
	u := b.GetConfig().BaseURL
	if u == "" {
		return "", fmt.Errorf("[%s] API URL未配置", b.GetName())
	}
	for len(u) > 0 && u[len(u)-1] == '/' {
		u = u[:len(u)-1]
	}
	return u, nil
}
