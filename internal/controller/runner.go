package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"bidkeeper/internal/bidding"
	"bidkeeper/internal/config"
	"bidkeeper/internal/market"
	"bidkeeper/internal/model"
	"bidkeeper/internal/pkg/delayqueue"
	"bidkeeper/internal/pkg/metrics"
	"bidkeeper/internal/pkg/notify"
	"bidkeeper/internal/store"
)

// 控制循环对外部协作方只依赖窄接口，*store.Store、*market.Client
// 和 *delayqueue.Queue 分别满足它们，测试里用假实现替换。

// TaskStore 任务读取与观测回写。
type TaskStore interface {
	GetTask(ctx context.Context, id uint) (*model.BiddingTask, error)
	UpdateTaskObservation(ctx context.Context, id uint, price *float64, position *int, ranAt time.Time) error
}

// LogStore 任务日志。
type LogStore interface {
	Append(ctx context.Context, taskID uint, level, message string) error
	Latest(ctx context.Context, taskID uint) (*model.TaskLog, error)
}

// AccountStore 账号凭据。
type AccountStore interface {
	GetAccount(ctx context.Context, id uint) (*model.AvitoAccount, error)
}

// MarketClient 控制循环用到的市场操作。
type MarketClient interface {
	Token(ctx context.Context, clientID, clientSecret string) (string, error)
	FetchBidTable(ctx context.Context, adID int64, token string) (bidding.TableSnapshot, error)
	SetBid(ctx context.Context, adID int64, price float64, token string, dailyBudget float64) error
}

// Enqueuer 延迟重新入队。
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID uint, delay time.Duration) error
}

// Deps 聚合 Runner 的外部依赖。Position 与 Notifier 可为 nil。
type Deps struct {
	Tasks    TaskStore
	Logs     LogStore
	Accounts AccountStore
	Market   MarketClient
	Position market.PositionFetcher
	Queue    Enqueuer
	Notifier notify.Notifier
}

// Runner 执行单个任务的一次完整控制循环：
// 加载 -> 间隔闸 -> 鉴权 -> 调度窗口 -> 取数 -> 决策 -> 落地 -> 回写 -> 重排。
//
// 任何失败都只影响本轮，且除了任务被停用/删除之外总会重新入队。
type Runner struct {
	cfg    *config.AppConfig
	deps   Deps
	logger *slog.Logger
}

// New 创建控制循环执行器。
func New(cfg *config.AppConfig, deps Deps, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, deps: deps, logger: logger}
}

// observation 是一轮执行产出的观测值，nil 字段表示保持数据库旧值。
type observation struct {
	price    *float64
	position *int
}

// Run 执行一次控制循环。
//
// 停用或已删除的任务直接丢弃不再排期；其余所有路径（包括 panic）
// 都会把任务重新放回延迟队列，循环永不因单次失败而终止。
func (r *Runner) Run(ctx context.Context, taskID uint) error {
	start := time.Now()

	task, err := r.deps.Tasks.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Info("task gone, dropping from schedule", slog.Uint64("task_id", uint64(taskID)))
		metrics.BidRunsTotal.WithLabelValues("gone").Inc()
		return nil
	}
	if err != nil {
		r.logger.Error("load task failed",
			slog.Uint64("task_id", uint64(taskID)),
			slog.String("error", err.Error()))
		metrics.BidRunsTotal.WithLabelValues("store_error").Inc()
		r.enqueueNext(taskID, delayqueue.RunDelay(r.cfg.RunInterval))
		return err
	}
	if !task.IsActive {
		r.logger.Info("task inactive, not rescheduling", slog.Uint64("task_id", uint64(taskID)))
		metrics.BidRunsTotal.WithLabelValues("inactive").Inc()
		return nil
	}

	outcome := "panic"
	delay := delayqueue.RunDelay(r.cfg.RunInterval)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("bidding run panic recovered",
				slog.Uint64("task_id", uint64(taskID)),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
		}
		metrics.BidRunsTotal.WithLabelValues(outcome).Inc()
		metrics.BidRunDuration.Observe(time.Since(start).Seconds())
		r.enqueueNext(taskID, delay)
	}()

	outcome, delay = r.execute(ctx, task)
	return nil
}

func (r *Runner) execute(ctx context.Context, task *model.BiddingTask) (string, time.Duration) {
	baseDelay := delayqueue.RunDelay(r.cfg.RunInterval)

	// 最小执行间隔：最新日志的时间戳充当判据，挡掉重复/重叠触发
	if last, err := r.deps.Logs.Latest(ctx, task.ID); err == nil {
		if age := time.Since(last.CreatedAt); age < r.cfg.MinRunSpacing {
			r.logger.Info("run too soon, skipping cycle",
				slog.Uint64("task_id", uint64(task.ID)),
				slog.Duration("since_last", age))
			return "skipped", baseDelay + 30*time.Second
		}
	}

	acc, err := r.deps.Accounts.GetAccount(ctx, task.AccountID)
	if err != nil {
		r.appendLog(ctx, task.ID, model.LogLevelError, "task is not linked to a marketplace account")
		return "no_account", baseDelay
	}

	token, err := r.deps.Market.Token(ctx, acc.ClientID, acc.ClientSecret)
	if err != nil {
		r.appendLog(ctx, task.ID, model.LogLevelError, fmt.Sprintf("access token exchange failed: %v", err))
		r.notify(ctx, task, notify.EventAuthFailed, err.Error())
		return "auth_error", baseDelay + time.Minute
	}

	if !bidding.InSchedule(task.Schedule, time.Now()) {
		r.handleOutOfSchedule(ctx, task, token)
		return "out_of_schedule", baseDelay
	}

	r.appendLog(ctx, task.ID, model.LogLevelInfo, fmt.Sprintf("bidding run started for ad %d", task.AdID))

	snap, obs, failure := r.fetchSnapshot(ctx, task, token)
	if snap == nil {
		return failure, baseDelay
	}

	decision := bidding.Decide(snap, decisionConfig(task), task.CurrentPrice)
	metrics.BidDecisionsTotal.WithLabelValues(string(decision.Action)).Inc()

	obs = r.apply(ctx, task, token, decision, obs)

	if err := r.deps.Tasks.UpdateTaskObservation(ctx, task.ID, obs.price, obs.position, time.Now()); err != nil {
		r.logger.Error("persist observation failed",
			slog.Uint64("task_id", uint64(task.ID)),
			slog.String("error", err.Error()))
	}

	return "ok", baseDelay
}

// fetchSnapshot 获取市场状态：优先竞价表，失败时退回位置抓取策略。
// 三个返回值里 snapshot 为 nil 表示取数彻底失败，failure 是对应的结果标签。
func (r *Runner) fetchSnapshot(ctx context.Context, task *model.BiddingTask, token string) (bidding.Snapshot, observation, string) {
	table, err := r.deps.Market.FetchBidTable(ctx, task.AdID, token)
	if err == nil {
		var obs observation
		if table.CurrentBid != nil {
			v := *table.CurrentBid
			obs.price = &v
		}
		if pos, ok := table.CurrentPosition(); ok {
			obs.position = &pos
		}
		r.appendLog(ctx, task.ID, model.LogLevelInfo, fmt.Sprintf(
			"position %s, bid %s, target %d-%d",
			fmtPosition(obs.position), fmtPrice(obs.price),
			task.TargetPositionMin, task.TargetPositionMax))
		return table, obs, ""
	}

	if errors.Is(err, market.ErrAuth) {
		r.appendLog(ctx, task.ID, model.LogLevelError, fmt.Sprintf("bid table auth failed: %v", err))
		return nil, observation{}, "auth_error"
	}

	r.logger.Warn("bid table unavailable, trying position fallback",
		slog.Uint64("task_id", uint64(task.ID)),
		slog.String("error", err.Error()))

	if r.deps.Position != nil && task.SearchURL != "" {
		pos, perr := r.deps.Position.FetchPosition(ctx, task.SearchURL, task.AdID)
		if perr == nil {
			r.appendLog(ctx, task.ID, model.LogLevelInfo, fmt.Sprintf(
				"search position %d (degraded mode), target %d-%d",
				pos, task.TargetPositionMin, task.TargetPositionMax))
			return bidding.PositionSnapshot{Position: pos, Found: true}, observation{position: &pos}, ""
		}
		if errors.Is(perr, market.ErrNotRanked) {
			r.appendLog(ctx, task.ID, model.LogLevelWarning, "ad not present in search results")
			return bidding.PositionSnapshot{Found: false}, observation{}, ""
		}
		r.appendLog(ctx, task.ID, model.LogLevelError, fmt.Sprintf("market data unavailable: %v; position fallback: %v", err, perr))
		return nil, observation{}, "market_unavailable"
	}

	r.appendLog(ctx, task.ID, model.LogLevelError, fmt.Sprintf("failed to fetch bid table: %v", err))
	return nil, observation{}, "market_unavailable"
}

// apply 把决策落到市场上，返回更新后的观测值。
func (r *Runner) apply(ctx context.Context, task *model.BiddingTask, token string, d bidding.Decision, obs observation) observation {
	switch d.Action {
	case bidding.ActionHold:
		r.appendLog(ctx, task.ID, model.LogLevelInfo, d.Reason)

	case bidding.ActionFreeze:
		r.appendLog(ctx, task.ID, model.LogLevelWarning, d.Reason)
		r.notify(ctx, task, notify.EventFrozen, d.Reason)

	case bidding.ActionRaise, bidding.ActionLower:
		if err := r.deps.Market.SetBid(ctx, task.AdID, d.NewPrice, token, task.DailyBudget); err != nil {
			// 写失败价格保持原状，留给下一轮重新决策
			if errors.Is(err, market.ErrRejectedWrite) {
				r.appendLog(ctx, task.ID, model.LogLevelError, fmt.Sprintf("bid %.2f rejected by marketplace: %v", d.NewPrice, err))
			} else {
				r.appendLog(ctx, task.ID, model.LogLevelError, fmt.Sprintf("failed to set bid %.2f: %v", d.NewPrice, err))
			}
			return obs
		}
		level := model.LogLevelInfo
		if d.Action == bidding.ActionRaise {
			level = model.LogLevelWarning
		}
		r.appendLog(ctx, task.ID, level, d.Reason)
		v := d.NewPrice
		obs.price = &v
	}

	if d.Notice == bidding.NoticeCappedAtMax {
		msg := fmt.Sprintf("bid capped at max price %.2f, target position may be unreachable", task.MaxPrice)
		r.appendLog(ctx, task.ID, model.LogLevelWarning, msg)
		r.notify(ctx, task, notify.EventCappedAtMax, msg)
	}

	return obs
}

// handleOutOfSchedule 在调度窗口外把出价压到下限，省钱。
func (r *Runner) handleOutOfSchedule(ctx context.Context, task *model.BiddingTask, token string) {
	if task.CurrentPrice == nil || *task.CurrentPrice <= task.MinPrice {
		r.appendLog(ctx, task.ID, model.LogLevelInfo, "out of schedule, bid already at minimum")
		return
	}

	if err := r.deps.Market.SetBid(ctx, task.AdID, task.MinPrice, token, task.DailyBudget); err != nil {
		r.appendLog(ctx, task.ID, model.LogLevelError, fmt.Sprintf("failed to lower bid out of schedule: %v", err))
		return
	}
	r.appendLog(ctx, task.ID, model.LogLevelInfo, fmt.Sprintf("lowered bid to %.2f (out of schedule)", task.MinPrice))

	price := task.MinPrice
	if err := r.deps.Tasks.UpdateTaskObservation(ctx, task.ID, &price, nil, time.Now()); err != nil {
		r.logger.Error("persist observation failed",
			slog.Uint64("task_id", uint64(task.ID)),
			slog.String("error", err.Error()))
	}
}

// enqueueNext 用独立的上下文把任务放回延迟队列，调用方的 ctx 可能已取消。
func (r *Runner) enqueueNext(taskID uint, delay time.Duration) {
	qctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.deps.Queue.Enqueue(qctx, taskID, delay); err != nil {
		// 看门狗会兜底补救丢失的排期
		r.logger.Error("re-enqueue failed",
			slog.Uint64("task_id", uint64(taskID)),
			slog.String("error", err.Error()))
		return
	}
	r.logger.Debug("next run scheduled",
		slog.Uint64("task_id", uint64(taskID)),
		slog.Duration("delay", delay))
}

func (r *Runner) appendLog(ctx context.Context, taskID uint, level, message string) {
	if err := r.deps.Logs.Append(ctx, taskID, level, message); err != nil {
		r.logger.Error("append task log failed",
			slog.Uint64("task_id", uint64(taskID)),
			slog.String("error", err.Error()))
	}
	r.logger.Info("task event",
		slog.Uint64("task_id", uint64(taskID)),
		slog.String("level", level),
		slog.String("message", message))
}

func (r *Runner) notify(ctx context.Context, task *model.BiddingTask, event, detail string) {
	if r.deps.Notifier == nil {
		return
	}
	if err := r.deps.Notifier.Notify(ctx, task, event, detail); err != nil {
		r.logger.Warn("notification failed",
			slog.Uint64("task_id", uint64(task.ID)),
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

func decisionConfig(task *model.BiddingTask) bidding.Config {
	return bidding.Config{
		MinPrice:          task.MinPrice,
		MaxPrice:          task.MaxPrice,
		BidStep:           task.BidStep,
		TargetPositionMin: task.TargetPositionMin,
		TargetPositionMax: task.TargetPositionMax,
		FreezeIfNotFound:  task.FreezeIfNotFound,
	}
}

func fmtPosition(pos *int) string {
	if pos == nil {
		return "?"
	}
	return fmt.Sprintf("%d", *pos)
}

func fmtPrice(price *float64) string {
	if price == nil {
		return "?"
	}
	return fmt.Sprintf("%.2f", *price)
}
