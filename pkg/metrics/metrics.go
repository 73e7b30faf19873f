// Package metrics Prometheus指标注册
// 指标在首次使用时注册一次，服务与测试共享同一组收集器
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RouterMetrics 路由服务指标集合
type RouterMetrics struct {
	AdapterRequests  *prometheus.CounterVec
	AdapterLatency   *prometheus.HistogramVec
	FanoutRounds     *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	DriftGuardTrips  prometheus.Counter
	Executions       *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	MarketDataErrors *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	RateLimited      prometheus.Counter
}

var (
	routerMetricsOnce sync.Once
	routerRegistry    *RouterMetrics
)

// Default 返回进程级指标集合
func Default() *RouterMetrics {
	routerMetricsOnce.Do(func() {
		routerRegistry = &RouterMetrics{
			AdapterRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stable_router",
				Subsystem: "adapter",
				Name:      "requests_total",
				Help:      "Quote requests sent to each aggregator adapter by outcome.",
			}, []string{"adapter", "outcome"}),
			AdapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stable_router",
				Subsystem: "adapter",
				Name:      "request_duration_seconds",
				Help:      "Latency of aggregator quote requests.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			}, []string{"adapter"}),
			FanoutRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stable_router",
				Subsystem: "fanout",
				Name:      "rounds_total",
				Help:      "Fan-out rounds by target kind (token or fiat).",
			}, []string{"kind"}),
			CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stable_router",
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Route cache lookups by result.",
			}, []string{"result"}),
			DriftGuardTrips: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stable_router",
				Subsystem: "selection",
				Name:      "drift_guard_trips_total",
				Help:      "Selections cleared because the selected route's output dropped past the drift threshold.",
			}),
			Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stable_router",
				Subsystem: "execution",
				Name:      "results_total",
				Help:      "Swap executions by adapter and terminal status.",
			}, []string{"adapter", "status"}),
			ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stable_router",
				Subsystem: "session",
				Name:      "active",
				Help:      "Number of live quote sessions.",
			}),
			MarketDataErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stable_router",
				Subsystem: "market_data",
				Name:      "errors_total",
				Help:      "Auxiliary market data provider failures.",
			}, []string{"provider"}),
			HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stable_router",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP API requests by route and status code.",
			}, []string{"method", "route", "status"}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stable_router",
				Subsystem: "http",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-client rate limiter.",
			}),
		}
		prometheus.MustRegister(
			routerRegistry.AdapterRequests,
			routerRegistry.AdapterLatency,
			routerRegistry.FanoutRounds,
			routerRegistry.CacheLookups,
			routerRegistry.DriftGuardTrips,
			routerRegistry.Executions,
			routerRegistry.ActiveSessions,
			routerRegistry.MarketDataErrors,
			routerRegistry.HTTPRequests,
			routerRegistry.RateLimited,
		)
	})
	return routerRegistry
}

// ObserveAdapter 记录一次适配器调用
func (m *RouterMetrics) ObserveAdapter(adapter string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.AdapterRequests.WithLabelValues(adapter, outcome).Inc()
	m.AdapterLatency.WithLabelValues(adapter).Observe(duration.Seconds())
}
