// Package marketdata 稳定币辅助市场数据
// 波动率与交易量来自 Dune，波动评分来自 Santiment，风险评级来自 Bluechip，行情来自 Binance
// 所有结果缓存5分钟，任何失败在展示层以 "--" 占位
package marketdata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"defi-aggregator/stable-router/internal/types"
	"defi-aggregator/stable-router/pkg/cache"
	"defi-aggregator/stable-router/pkg/metrics"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Placeholder 数据缺失时的展示值
const Placeholder = "--"

const (
	defaultCacheTTL = 5 * time.Minute
	defaultTimeout  = 10 * time.Second

	defaultDuneURL      = "https://api.dune.com/api/v1"
	defaultSantimentURL = "https://api.santiment.net/graphql"
	defaultBluechipURL  = "https://backend.bluechip.org/api/1.2"
	defaultBinanceURL   = "https://api.binance.com/api/v3"

	// Santiment 免费额度下两次请求之间至少间隔200ms
	santimentInterval = 200 * time.Millisecond
	gradeConcurrency  = 4
)

// 数据来源名称，同时作为指标标签
const (
	SourceDune      = "dune"
	SourceSantiment = "santiment"
	SourceBluechip  = "bluechip"
	SourceBinance   = "binance"
)

// errNotFound 上游明确表示没有该币种的数据
var errNotFound = errors.New("market data not found")

// statusError 上游返回非2xx
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP错误: status=%d, body=%s", e.StatusCode, e.Body)
}

// Service 辅助市场数据服务
type Service struct {
	cfg              types.MarketDataConfig
	httpClient       *http.Client
	cache            cache.CacheManager
	logger           *logrus.Logger
	metrics          *metrics.RouterMetrics
	santimentLimiter *rate.Limiter
}

// NewService 创建市场数据服务，未配置的地址使用公共端点
func NewService(cfg types.MarketDataConfig, cacheManager cache.CacheManager, logger *logrus.Logger) *Service {
	if cfg.DuneBaseURL == "" {
		cfg.DuneBaseURL = defaultDuneURL
	}
	if cfg.SantimentURL == "" {
		cfg.SantimentURL = defaultSantimentURL
	}
	if cfg.BluechipURL == "" {
		cfg.BluechipURL = defaultBluechipURL
	}
	if cfg.BinanceURL == "" {
		cfg.BinanceURL = defaultBinanceURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Service{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cache:            cacheManager,
		logger:           logger,
		metrics:          metrics.Default(),
		santimentLimiter: rate.NewLimiter(rate.Every(santimentInterval), 1),
	}
}

// ========================================
// 汇总视图
// ========================================

// MarketRow 单个稳定币的市场数据行，缺失字段为 "--"
type MarketRow struct {
	Symbol     string `json:"symbol"`
	Volatility string `json:"volatility"` // Dune 30日最大偏离
	Volume     string `json:"volume"`     // Dune 总交易量
	Score      string `json:"score"`      // Santiment 稳定性评分 0-100
	Grade      string `json:"grade"`      // Bluechip 风险评级
	GradeURL   string `json:"grade_url,omitempty"`
}

// Overlay 并发获取各数据源并合并为每个币种一行
// 单个数据源失败只影响对应列，只有 ctx 取消时返回错误
func (s *Service) Overlay(ctx context.Context, symbols []string) ([]MarketRow, error) {
	var (
		volatility map[string]DuneVolatility
		volume     map[string]DuneVolume
		scores     map[string]VolatilityScore
		grades     = make([]*RiskGrade, len(symbols))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.Volatility(gctx)
		if err != nil {
			s.fail(SourceDune, err)
		}
		volatility = v
		return nil
	})
	g.Go(func() error {
		v, err := s.Volume(gctx)
		if err != nil {
			s.fail(SourceDune, err)
		}
		volume = v
		return nil
	})
	g.Go(func() error {
		v, err := s.VolatilityScores(gctx, symbols)
		if err != nil {
			s.fail(SourceSantiment, err)
		}
		scores = v
		return nil
	})

	grading, grctx := errgroup.WithContext(gctx)
	grading.SetLimit(gradeConcurrency)
	for i, sym := range symbols {
		i, sym := i, sym
		grading.Go(func() error {
			grade, err := s.Grade(grctx, sym)
			if err != nil {
				s.fail(SourceBluechip, err)
				return nil
			}
			grades[i] = grade
			return nil
		})
	}
	g.Go(grading.Wait)

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows := make([]MarketRow, 0, len(symbols))
	for i, sym := range symbols {
		key := strings.ToUpper(sym)
		row := MarketRow{
			Symbol:     sym,
			Volatility: Placeholder,
			Volume:     Placeholder,
			Score:      Placeholder,
			Grade:      Placeholder,
		}
		if v, ok := volatility[key]; ok {
			row.Volatility = FormatPercent(v.MaxAbsDeviationPct)
		}
		if v, ok := volume[key]; ok {
			row.Volume = FormatVolume(v.TotalVolumeUSD)
		}
		if v, ok := scores[key]; ok {
			row.Score = fmt.Sprintf("%d", v.Score)
		}
		if grades[i] != nil {
			row.Grade = grades[i].Grade
			row.GradeURL = grades[i].URL
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ========================================
// 内部工具
// ========================================

// remember 先查缓存，未命中时调用 fetch 并写回
func remember[T any](ctx context.Context, s *Service, key string, fetch func(context.Context) (T, error)) (T, error) {
	var cached T
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warnf("⚠️ 读取市场数据缓存失败: key=%s, err=%v", key, err)
	}

	value, err := fetch(ctx)
	if err != nil {
		return value, err
	}
	if err := s.cache.Set(ctx, key, value, s.cfg.CacheTTL); err != nil {
		s.logger.Warnf("⚠️ 写入市场数据缓存失败: key=%s, err=%v", key, err)
	}
	return value, nil
}

func (s *Service) doJSON(ctx context.Context, method, url string, body []byte, headers map[string]string, dest interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "StableRouter/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		return &statusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

func (s *Service) fail(source string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.metrics.MarketDataErrors.WithLabelValues(source).Inc()
	s.logger.Warnf("⚠️ [%s] 市场数据获取失败: %v", source, err)
}

func cacheKey(parts ...string) string {
	return types.CacheKeyMarket + strings.Join(parts, ":")
}
