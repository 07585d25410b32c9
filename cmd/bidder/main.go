package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bidkeeper/internal/config"
	"bidkeeper/internal/controller"
	"bidkeeper/internal/market"
	"bidkeeper/internal/pkg/delayqueue"
	"bidkeeper/internal/pkg/logger"
	"bidkeeper/internal/pkg/metrics"
	"bidkeeper/internal/pkg/notify"
	"bidkeeper/internal/pkg/proxypool"
	"bidkeeper/internal/pkg/queue"
	"bidkeeper/internal/pkg/ratelimit"
	"bidkeeper/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// main 是 bidder 进程的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 连接 MySQL / Redis，组装市场客户端与位置抓取策略
// 3. 启动 worker 池和延迟队列轮询循环
// 4. 启动 Metrics 服务
// 5. 优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(gormmysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		appLogger.Error("connect mysql failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	// 迁移由 api 进程负责
	st := store.NewWithoutMigrate(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	dq, err := delayqueue.NewQueue(rdb)
	if err != nil {
		appLogger.Error("init delay queue failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pool := proxypool.New(rdb, appLogger, cfg.Proxy.URLs, cfg.Proxy.RotateURLs,
		cfg.Proxy.RotationCooldown, cfg.Proxy.RotationWarmup)
	limiter := ratelimit.NewRedisRateLimiter(rdb, appLogger, "bidkeeper:ratelimit:market",
		cfg.Market.RateLimit, cfg.Market.RateBurst)
	client := market.NewClient(&cfg.Market, pool, limiter, appLogger)

	var fetcher market.PositionFetcher
	var browserFetcher *market.BrowserPositionFetcher
	if cfg.Browser.Enabled {
		browserFetcher = market.NewBrowserPositionFetcher(&cfg.Browser, appLogger)
		fetcher = browserFetcher
		appLogger.Info("position fetching via headless browser")
	} else {
		fetcher = market.NewHTTPPositionFetcher(appLogger, cfg.Market.RequestTimeout, cfg.Browser.MaxScan)
		appLogger.Info("position fetching via plain http")
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Email.SMTPUser != "" && cfg.Email.ToEmail != "" {
		notifier = notify.NewEmailNotifier(&cfg.Email, appLogger)
	}

	metrics.InitMetrics(cfg.App.WorkerPoolSize)

	runner := controller.New(&cfg.App, controller.Deps{
		Tasks:    st,
		Logs:     st,
		Accounts: st,
		Market:   client,
		Position: fetcher,
		Queue:    dq,
		Notifier: notifier,
	}, appLogger)

	workers := queue.NewQueue(appLogger, cfg.App.WorkerPoolSize, cfg.App.QueueCapacity)
	workers.Start(ctx)

	pollCtx, stopPolling := context.WithCancel(context.Background())
	go func() {
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in poll loop", slog.Any("panic", r))
				// 记录日志后退出，由 Docker 负责重启，保持状态干净
				os.Exit(1)
			}
		}()
		pollLoop(pollCtx, cfg, appLogger, dq, workers, runner)
	}()

	metricsAddr := ":2112"
	if v := os.Getenv("BIDDER_METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("bidder metrics server started", slog.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down bidder...")

	// 1. 停止从延迟队列拉取新任务
	stopPolling()

	// 2. 关闭 worker 池，等待执行中的任务完成
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	if err := workers.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("worker pool shutdown error", slog.String("error", err.Error()))
	} else {
		appLogger.Info("worker pool shutdown completed")
	}
	if browserFetcher != nil {
		if err := browserFetcher.Close(); err != nil {
			appLogger.Warn("browser close error", slog.String("error", err.Error()))
		}
	}

	appLogger.Info("bidder stopped gracefully")
}

// pollLoop 周期性地从延迟队列取出到期任务，投进 worker 池执行。
//
// 队列满时任务会被丢弃，依赖看门狗在下个周期补救。
func pollLoop(ctx context.Context, cfg *config.Config, appLogger *slog.Logger,
	dq *delayqueue.Queue, workers *queue.Queue, runner *controller.Runner) {

	interval := cfg.App.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	appLogger.Info("poll loop started",
		slog.Duration("interval", interval),
		slog.Int("batch_size", cfg.App.PollBatchSize))

	for {
		select {
		case <-ctx.Done():
			appLogger.Info("poll loop stopped")
			return
		case <-ticker.C:
			due, err := dq.PopDue(ctx, cfg.App.PollBatchSize)
			if err != nil {
				appLogger.Error("pop due tasks failed", slog.String("error", err.Error()))
				continue
			}
			for _, taskID := range due {
				id := taskID
				ok := workers.Enqueue(func(jobCtx context.Context) error {
					return runner.Run(jobCtx, id)
				})
				if !ok {
					appLogger.Warn("worker pool full, task dropped until watchdog rescue",
						slog.Uint64("task_id", uint64(id)))
				}
			}
		}
	}
}
