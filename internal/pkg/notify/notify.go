package notify

import (
	"context"

	"bidkeeper/internal/model"
)

// 通知事件类型。
const (
	EventCappedAtMax = "capped_at_max" // 出价被上限截断，仍拿不到目标位置
	EventFrozen      = "frozen"        // 广告未被搜到且任务配置了冻结
	EventAuthFailed  = "auth_failed"   // 账号鉴权连续失败
)

// Notifier 定义通知接口。
type Notifier interface {
	// Notify 发送一条任务相关的运营告警。
	//
	// 参数:
	//   ctx: 上下文
	//   task: 竞价任务
	//   event: 事件类型（见 Event* 常量）
	//   detail: 人类可读的补充说明
	Notify(ctx context.Context, task *model.BiddingTask, event string, detail string) error
}

// Noop 是不发送任何通知的空实现，测试和未配置邮箱时使用。
type Noop struct{}

func (Noop) Notify(ctx context.Context, task *model.BiddingTask, event string, detail string) error {
	return nil
}
