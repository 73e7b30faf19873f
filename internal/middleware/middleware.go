// Package middleware 路由服务HTTP中间件
// 提供请求ID、请求日志、恐慌恢复、客户端限流与安全头
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"defi-aggregator/stable-router/internal/types"
	"defi-aggregator/stable-router/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// HeaderRequestID 请求ID头
	HeaderRequestID = "X-Request-ID"
	// ContextRequestID gin上下文中的请求ID键
	ContextRequestID = "request_id"
)

// ========================================
// 请求ID中间件
// ========================================

// RequestID 为每个请求生成或传递唯一ID，便于日志追踪
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ContextRequestID, requestID)
		c.Header(HeaderRequestID, requestID)
		c.Next()
	}
}

// GetRequestID 读取当前请求ID
func GetRequestID(c *gin.Context) string {
	if id := c.GetString(ContextRequestID); id != "" {
		return id
	}
	id := uuid.New().String()
	c.Set(ContextRequestID, id)
	return id
}

// ========================================
// 请求日志中间件
// ========================================

// Logger 记录请求方法、路由、状态码与耗时，并累计HTTP请求指标
// 超过 slowThreshold 的请求额外记录警告，SSE流不计入慢请求
func Logger(logger *logrus.Logger, slowThreshold time.Duration) gin.HandlerFunc {
	prom := metrics.Default()
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		prom.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(statusCode)).Inc()

		fields := logrus.Fields{
			"request_id":  c.GetString(ContextRequestID),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"body_size":   c.Writer.Size(),
		}

		const msg = "HTTP请求处理完成"
		switch {
		case statusCode >= 500:
			logger.WithFields(fields).Error(msg)
		case statusCode >= 400:
			logger.WithFields(fields).Warn(msg)
		default:
			logger.WithFields(fields).Debug(msg)
		}

		if slowThreshold > 0 && latency > slowThreshold && !strings.HasSuffix(route, "/stream") {
			logger.WithFields(fields).Warn("检测到慢请求")
		}
	}
}

// ========================================
// 恢复中间件
// ========================================

// Recovery 捕获panic并返回统一的错误响应
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				requestID := c.GetString(ContextRequestID)
				logger.WithFields(logrus.Fields{
					"request_id": requestID,
					"method":     c.Request.Method,
					"path":       c.Request.URL.Path,
					"panic":      err,
				}).Error("HTTP请求处理发生panic")

				c.AbortWithStatusJSON(http.StatusInternalServerError, types.APIResponse{
					Success: false,
					Error: &types.APIError{
						Code:    types.ErrCodeInternalError,
						Message: "服务器内部错误",
					},
					Timestamp: time.Now().Unix(),
					RequestID: requestID,
				})
			}
		}()
		c.Next()
	}
}

// ========================================
// 限流中间件
// ========================================

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 基于客户端IP的令牌桶限流
type RateLimiter struct {
	config   types.RateLimitConfig
	limiters map[string]*clientLimiter
	mutex    sync.Mutex
	logger   *logrus.Logger
}

// NewRateLimiter 创建限流中间件，RequestsPerSecond<=0 时不限流
func NewRateLimiter(config types.RateLimitConfig, logger *logrus.Logger) *RateLimiter {
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &RateLimiter{
		config:   config,
		limiters: make(map[string]*clientLimiter),
		logger:   logger,
	}
}

// RateLimit 限流中间件函数
func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.config.RequestsPerSecond <= 0 {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		if !rl.allow(clientIP, time.Now()) {
			requestID := c.GetString(ContextRequestID)
			rl.logger.Warnf("[%s] IP限流触发: %s", requestID, clientIP)
			metrics.Default().RateLimited.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, types.APIResponse{
				Success: false,
				Error: &types.APIError{
					Code:    types.ErrCodeRateLimitExceeded,
					Message: "请求频率过高，请稍后再试",
				},
				Timestamp: time.Now().Unix(),
				RequestID: requestID,
			})
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) allow(ip string, now time.Time) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	entry, exists := rl.limiters[ip]
	if !exists {
		entry = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Cleanup 周期性移除长时间未出现的客户端
func (rl *RateLimiter) Cleanup(ctx context.Context) {
	interval := rl.config.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := rl.evict(now.Add(-interval)); n > 0 {
				rl.logger.Debugf("🧹 清理限流客户端: %d", n)
			}
		}
	}
}

func (rl *RateLimiter) evict(cutoff time.Time) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	n := 0
	for ip, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
			n++
		}
	}
	return n
}

// ========================================
// 安全中间件
// ========================================

// Security 设置安全相关的HTTP头，API响应不缓存
func Security() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		}
		c.Next()
	}
}
