package controller

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"bidkeeper/internal/config"
	"bidkeeper/internal/model"
	"bidkeeper/internal/pkg/metrics"
)

// WatchdogStore 看门狗需要的任务查询。
type WatchdogStore interface {
	StaleActiveTasks(ctx context.Context, olderThan time.Time) ([]model.BiddingTask, error)
	CountActiveTasks(ctx context.Context) (int64, error)
}

// WatchdogQueue 看门狗需要的队列操作。
type WatchdogQueue interface {
	Enqueue(ctx context.Context, taskID uint, delay time.Duration) error
	Contains(ctx context.Context, taskID uint) (bool, error)
	Depth(ctx context.Context) (int64, error)
}

// Watchdog 周期性扫描失联任务并重新入队。
//
// 重排消息可能因为进程崩溃或 Redis 抖动而丢失，看门狗是对
// "循环永不终止"承诺的兜底，不属于单次执行的状态机。
type Watchdog struct {
	cfg    *config.AppConfig
	tasks  WatchdogStore
	queue  WatchdogQueue
	logger *slog.Logger
}

// NewWatchdog 创建看门狗。
func NewWatchdog(cfg *config.AppConfig, tasks WatchdogStore, queue WatchdogQueue, logger *slog.Logger) *Watchdog {
	return &Watchdog{cfg: cfg, tasks: tasks, queue: queue, logger: logger}
}

// Start 按固定周期运行扫描，直到 ctx 取消。
func (w *Watchdog) Start(ctx context.Context) {
	interval := w.cfg.WatchdogInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	w.logger.Info("watchdog started",
		slog.Duration("interval", interval),
		slog.Duration("staleness", w.cfg.WatchdogStaleness))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			n, err := w.Sweep(ctx)
			if err != nil {
				w.logger.Error("watchdog sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				w.logger.Warn("watchdog rescued stale tasks", slog.Int("count", n))
			}
		}
	}
}

// Sweep 执行一轮扫描，返回补救的任务数量。
//
// 已经在延迟队列里排期的任务不重复入队，只救真正丢失的。
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-w.cfg.WatchdogStaleness)
	stale, err := w.tasks.StaleActiveTasks(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("query stale tasks: %w", err)
	}

	rescued := 0
	for _, task := range stale {
		scheduled, err := w.queue.Contains(ctx, task.ID)
		if err != nil {
			w.logger.Warn("schedule check failed",
				slog.Uint64("task_id", uint64(task.ID)),
				slog.String("error", err.Error()))
		} else if scheduled {
			continue
		}

		delay := time.Duration(rand.Int63n(int64(time.Minute)))
		if err := w.queue.Enqueue(ctx, task.ID, delay); err != nil {
			w.logger.Error("rescue enqueue failed",
				slog.Uint64("task_id", uint64(task.ID)),
				slog.String("error", err.Error()))
			continue
		}

		metrics.WatchdogRescueTotal.Inc()
		rescued++
		w.logger.Warn("stale task re-enqueued",
			slog.Uint64("task_id", uint64(task.ID)),
			slog.Any("last_run_at", task.LastRunAt))
	}

	// 顺带刷新仪表盘指标
	if n, err := w.tasks.CountActiveTasks(ctx); err == nil {
		metrics.TasksActive.Set(float64(n))
	}
	if d, err := w.queue.Depth(ctx); err == nil {
		metrics.DelayQueueDepth.Set(float64(d))
	}

	return rescued, nil
}
