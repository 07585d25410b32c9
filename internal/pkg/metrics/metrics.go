package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 全局 Prometheus 指标。
//
// bidder 与 api 两个进程共用这套定义，各自只更新与自己相关的部分。
// 指标在包加载时注册，InitMetrics 只负责填充静态 Gauge。
var (
	// 控制循环
	BidRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidkeeper_runs_total",
		Help: "Control loop executions by outcome.",
	}, []string{"outcome"})

	BidDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidkeeper_decisions_total",
		Help: "Bid decisions by action.",
	}, []string{"action"})

	BidWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidkeeper_bid_writes_total",
		Help: "setBid write attempts by result.",
	}, []string{"result"})

	BidRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bidkeeper_run_duration_seconds",
		Help:    "Duration of one control loop run.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bidkeeper_tasks_active",
		Help: "Number of active bidding tasks.",
	})

	DelayQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bidkeeper_delay_queue_depth",
		Help: "Number of scheduled entries in the delay queue.",
	})

	WatchdogRescueTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidkeeper_watchdog_rescue_total",
		Help: "Stale tasks re-enqueued by the watchdog.",
	})

	// 市场接口
	MarketRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidkeeper_market_requests_total",
		Help: "Marketplace API requests by endpoint and status.",
	}, []string{"endpoint", "status"})

	ProxyRotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidkeeper_proxy_rotations_total",
		Help: "Proxy identity rotation attempts by result.",
	}, []string{"result"})

	PositionFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidkeeper_position_fetch_total",
		Help: "Search position fetches by strategy and status.",
	}, []string{"strategy", "status"})

	// 限流
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bidkeeper_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a rate limit token.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidkeeper_ratelimit_timeouts_total",
		Help: "Rate limit waits cancelled by context.",
	})

	// Worker Pool
	WorkerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bidkeeper_worker_pool_size",
		Help: "Configured worker pool size.",
	})

	WorkerPoolBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bidkeeper_worker_pool_busy",
		Help: "Workers currently executing a job.",
	})

	JobsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidkeeper_jobs_dropped_total",
		Help: "Jobs rejected because the in-memory queue was full.",
	})
)

// InitMetrics 填充静态指标，重复调用是安全的。
func InitMetrics(workerPoolSize int) {
	WorkerPoolSize.Set(float64(workerPoolSize))
}
