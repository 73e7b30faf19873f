// 稳定币路由服务主程序
// 负责加载配置、初始化缓存、链节点、价格预言机与聚合器适配器
// 提供一次性路由排序、报价会话与执行接口
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"defi-aggregator/stable-router/internal/chain"
	"defi-aggregator/stable-router/internal/handlers"
	"defi-aggregator/stable-router/internal/marketdata"
	"defi-aggregator/stable-router/internal/middleware"
	"defi-aggregator/stable-router/internal/oracle"
	"defi-aggregator/stable-router/internal/services"
	"defi-aggregator/stable-router/internal/types"
	"defi-aggregator/stable-router/pkg/cache"
	"defi-aggregator/stable-router/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// providerReloadInterval 数据库聚合器启用状态的轮询周期
const providerReloadInterval = time.Minute

// Application 稳定币路由应用程序
type Application struct {
	Config        *types.Config
	Cache         cache.CacheManager
	RouterService *services.RouterService
	Sessions      *services.SessionManager
	RateLimiter   *middleware.RateLimiter
	Server        *http.Server
	Logger        *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	app, err := NewApplication()
	if err != nil {
		logrus.Fatalf("创建稳定币路由应用失败: %v", err)
	}

	if err := app.Run(); err != nil {
		logrus.Fatalf("运行稳定币路由应用失败: %v", err)
	}
}

// NewApplication 创建稳定币路由应用实例
func NewApplication() (*Application, error) {
	// 1. 加载配置，数据库可用时由数据库控制聚合器启用状态
	bootstrap := logrus.New()
	cfg, err := config.LoadConfigWithDatabase(bootstrap)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	// 2. 初始化日志记录器
	logger := initLogger(cfg)
	logger.Infof("启动稳定币路由服务 - 环境: %s", cfg.Server.Environment)

	ctx, cancel := context.WithCancel(context.Background())

	// 3. 初始化缓存管理器
	cacheManager, err := initCache(cfg, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("缓存初始化失败: %w", err)
	}

	// 4. 链节点、价格预言机与市场数据
	chains := chain.NewManager(ctx, cfg.Chains, logger)
	priceOracle := oracle.NewClient(cfg.Oracle, cacheManager, logger)
	market := marketdata.NewService(cfg.MarketData, cacheManager, logger)

	// 5. 路由服务与会话管理
	logger.Info("初始化稳定币路由服务...")
	routerService := services.NewRouterService(cfg, cacheManager, chains, priceOracle, logger)
	sessions := services.NewSessionManager(routerService, cacheManager, logger)

	// 6. HTTP处理器与路由
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimit, logger)
	router := handlers.SetupRouter(cfg, handlers.Handlers{
		Router:  handlers.NewRouterHandler(routerService, sessions, cacheManager, logger),
		Session: handlers.NewSessionHandler(sessions, routerService, logger),
		Market:  handlers.NewMarketHandler(market, logger),
	}, limiter, logger)

	// 会话事件流为长连接，不设置写超时
	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return &Application{
		Config:        cfg,
		Cache:         cacheManager,
		RouterService: routerService,
		Sessions:      sessions,
		RateLimiter:   limiter,
		Server:        server,
		Logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Run 启动应用程序
func (app *Application) Run() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	app.Sessions.Start()
	go app.RateLimiter.Cleanup(app.ctx)
	app.watchProviders()

	go func() {
		app.Logger.Infof("稳定币路由服务启动，监听端口: %s", app.Server.Addr)
		app.Logger.Info("API接口:")
		app.Logger.Info("  路由排序: POST /api/v1/routes")
		app.Logger.Info("  报价会话: POST /api/v1/sessions")
		app.Logger.Info("  市场数据: GET  /api/v1/market?symbols=USDC,USDT")
		app.Logger.Infof("  健康检查: GET  %s", app.Config.Monitoring.HealthCheckPath)

		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Fatalf("HTTP服务器启动失败: %v", err)
		}
	}()

	<-quit
	app.Logger.Info("接收到关闭信号，开始优雅关闭...")
	return app.Shutdown()
}

// watchProviders 数据库模式下轮询聚合器启用状态并重建适配器
func (app *Application) watchProviders() {
	if !app.Config.Database.Enabled {
		return
	}
	manager, err := config.OpenAggregatorConfigManager(app.Config.Database.URL, app.Logger)
	if err != nil {
		app.Logger.Warnf("⚠️ 无法连接聚合器配置数据库，不监听启用状态变化: %v", err)
		return
	}
	go func() {
		defer manager.Close()
		manager.Watch(app.ctx, providerReloadInterval, app.Config.Providers, app.RouterService.ReloadProviders)
	}()
}

// Shutdown 优雅关闭应用程序
func (app *Application) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app.Logger.Info("正在关闭HTTP服务器...")
	app.Sessions.Shutdown()
	if err := app.Server.Shutdown(ctx); err != nil {
		app.Logger.Errorf("HTTP服务器关闭失败: %v", err)
		return err
	}
	app.cancel()

	app.Logger.Info("正在关闭缓存连接...")
	if err := app.Cache.Close(); err != nil {
		app.Logger.Errorf("缓存关闭失败: %v", err)
		return err
	}

	app.Logger.Info("稳定币路由服务已优雅关闭")
	return nil
}

// initCache 按配置选择Redis或进程内缓存
func initCache(cfg *types.Config, logger *logrus.Logger) (cache.CacheManager, error) {
	if cfg.Cache.Backend == "memory" {
		logger.Info("初始化进程内缓存...")
		return cache.NewMemoryCache(cfg.Cache.DefaultTTL, cfg.Cache.CleanupInterval, logger), nil
	}
	logger.Info("初始化Redis缓存...")
	return cache.NewRedisCache(&cfg.Redis, cfg.Cache.PrefixKey, cfg.Cache.DefaultTTL, logger)
}

// initLogger 初始化日志记录器
// 配置了 LOG_FILE 时同时写入按大小轮转的日志文件
func initLogger(cfg *types.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Server.Environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			ForceColors:     true,
		})
	}

	if cfg.Server.LogFile != "" {
		logger.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.Server.LogFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28, // 天
			Compress:   true,
		}))
	}

	return logger
}
