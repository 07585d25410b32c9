package bidding

import (
	"fmt"
	"math"
)

// Action 是决策引擎的动作类型。
type Action string

const (
	ActionRaise  Action = "RAISE"
	ActionLower  Action = "LOWER"
	ActionHold   Action = "HOLD"
	ActionFreeze Action = "FREEZE" // 广告未被搜到且任务配置了冻结
)

// Notice 是附加在决策上的运营提示，用于触发告警和特殊日志。
type Notice string

const (
	NoticeNone              Notice = ""
	NoticeCappedAtMax       Notice = "capped_at_max"      // 已顶到价格上限仍不够
	NoticeFlooredAtMin      Notice = "floored_at_min"     // 已降到价格下限
	NoticeTargetUnreachable Notice = "target_unreachable" // 竞价表里任何价格都到不了目标位置
)

// Config 是决策需要的任务参数子集。
type Config struct {
	MinPrice          float64
	MaxPrice          float64
	BidStep           float64
	TargetPositionMin int
	TargetPositionMax int
	FreezeIfNotFound  bool
}

// Decision 是一次决策的输出。NewPrice 只在 RAISE/LOWER 时有意义。
type Decision struct {
	Action   Action
	NewPrice float64
	Notice   Notice
	Reason   string
}

// 价格变化小于半个卢布时视为没有变化，避免无意义的写操作。
const priceTolerance = 0.5

// Decide 根据市场快照和任务配置计算下一步动作。
//
// 纯函数：相同输入永远得到相同输出，不做任何 I/O。
// 输出价格始终落在 [MinPrice, MaxPrice] 内。
func Decide(snap Snapshot, cfg Config, currentPrice *float64) Decision {
	switch s := snap.(type) {
	case TableSnapshot:
		return decideFromTable(s, cfg, currentPrice)
	case PositionSnapshot:
		return decideFromPosition(s, cfg, currentPrice)
	default:
		return Decision{Action: ActionHold, Reason: "unsupported snapshot variant"}
	}
}

// decideFromTable 是首选算法：在竞价表里找能进入目标区间的最便宜出价。
//
// 候选行为 0 < position <= TargetPositionMax 的行，取其中价格最低者；
// 没有候选行时退化为位置最小（最靠前）的行。结果钳制到价格区间后
// 与当前出价比较，差值在容差内则保持不动。
func decideFromTable(s TableSnapshot, cfg Config, currentPrice *float64) Decision {
	needed, reached, ok := findBidForPosition(s.Rows, cfg.TargetPositionMax)
	if !ok {
		return Decision{Action: ActionHold, Reason: "bid table has no ranked rows"}
	}

	clamped := clamp(needed, cfg.MinPrice, cfg.MaxPrice)

	notice := NoticeNone
	if !reached {
		notice = NoticeTargetUnreachable
	}
	if needed > cfg.MaxPrice {
		notice = NoticeCappedAtMax
	}

	baseline := currentPrice
	if s.CurrentBid != nil {
		baseline = s.CurrentBid
	}
	if baseline == nil {
		return Decision{
			Action:   ActionRaise,
			NewPrice: clamped,
			Notice:   notice,
			Reason:   fmt.Sprintf("no current bid, set %.2f for position <= %d", clamped, cfg.TargetPositionMax),
		}
	}

	delta := clamped - *baseline
	if math.Abs(delta) < priceTolerance {
		return Decision{
			Action: ActionHold,
			Notice: notice,
			Reason: fmt.Sprintf("bid %.2f already matches target price %.2f", *baseline, clamped),
		}
	}
	if delta > 0 {
		return Decision{
			Action:   ActionRaise,
			NewPrice: clamped,
			Notice:   notice,
			Reason:   fmt.Sprintf("raise %.2f -> %.2f for position <= %d", *baseline, clamped, cfg.TargetPositionMax),
		}
	}
	if n := floorNotice(clamped, cfg); n != NoticeNone {
		notice = n
	}
	return Decision{
		Action:   ActionLower,
		NewPrice: clamped,
		Notice:   notice,
		Reason:   fmt.Sprintf("lower %.2f -> %.2f, position <= %d still reachable", *baseline, clamped, cfg.TargetPositionMax),
	}
}

// decideFromPosition 是降级算法：只有排名、没有竞价表时按步长调价。
func decideFromPosition(s PositionSnapshot, cfg Config, currentPrice *float64) Decision {
	if !s.Found {
		return decideNotFound(cfg, currentPrice)
	}

	switch {
	case s.Position > cfg.TargetPositionMax:
		return stepRaise(cfg, currentPrice,
			fmt.Sprintf("position %d below target %d-%d", s.Position, cfg.TargetPositionMin, cfg.TargetPositionMax))
	case s.Position < cfg.TargetPositionMin:
		return stepLower(cfg, currentPrice,
			fmt.Sprintf("position %d above target %d-%d", s.Position, cfg.TargetPositionMin, cfg.TargetPositionMax))
	default:
		return Decision{
			Action: ActionHold,
			Reason: fmt.Sprintf("position %d within target %d-%d", s.Position, cfg.TargetPositionMin, cfg.TargetPositionMax),
		}
	}
}

// decideNotFound 处理"广告没被搜到"这个合法业务结果。
func decideNotFound(cfg Config, currentPrice *float64) Decision {
	if cfg.FreezeIfNotFound {
		return Decision{Action: ActionFreeze, Reason: "ad not found in search results, task configured to freeze"}
	}
	if currentPrice == nil {
		// 没有任何已知出价，从区间下限开始试。
		return Decision{
			Action:   ActionRaise,
			NewPrice: cfg.MinPrice,
			Reason:   "ad not found and no known bid, start at min price",
		}
	}
	if *currentPrice >= cfg.MaxPrice {
		return Decision{
			Action: ActionHold,
			Notice: NoticeCappedAtMax,
			Reason: fmt.Sprintf("ad not found but bid already at max %.2f", cfg.MaxPrice),
		}
	}
	next := clamp(*currentPrice+cfg.BidStep, cfg.MinPrice, cfg.MaxPrice)
	notice := NoticeNone
	if next >= cfg.MaxPrice {
		notice = NoticeCappedAtMax
	}
	return Decision{
		Action:   ActionRaise,
		NewPrice: next,
		Notice:   notice,
		Reason:   fmt.Sprintf("ad not found, blind raise to %.2f", next),
	}
}

func stepRaise(cfg Config, currentPrice *float64, why string) Decision {
	if currentPrice == nil {
		return Decision{
			Action:   ActionRaise,
			NewPrice: cfg.MinPrice,
			Reason:   why + ", no known bid, start at min price",
		}
	}
	if *currentPrice >= cfg.MaxPrice {
		return Decision{
			Action: ActionHold,
			Notice: NoticeCappedAtMax,
			Reason: why + fmt.Sprintf(", bid already at max %.2f", cfg.MaxPrice),
		}
	}
	next := clamp(*currentPrice+cfg.BidStep, cfg.MinPrice, cfg.MaxPrice)
	notice := NoticeNone
	if next >= cfg.MaxPrice {
		notice = NoticeCappedAtMax
	}
	return Decision{
		Action:   ActionRaise,
		NewPrice: next,
		Notice:   notice,
		Reason:   why + fmt.Sprintf(", raise to %.2f", next),
	}
}

func stepLower(cfg Config, currentPrice *float64, why string) Decision {
	if currentPrice == nil {
		return Decision{Action: ActionHold, Reason: why + ", no known bid to lower"}
	}
	if *currentPrice <= cfg.MinPrice {
		return Decision{
			Action: ActionHold,
			Notice: NoticeFlooredAtMin,
			Reason: why + fmt.Sprintf(", bid already at min %.2f", cfg.MinPrice),
		}
	}
	next := clamp(*currentPrice-cfg.BidStep, cfg.MinPrice, cfg.MaxPrice)
	return Decision{
		Action:   ActionLower,
		NewPrice: next,
		Notice:   floorNotice(next, cfg),
		Reason:   why + fmt.Sprintf(", lower to %.2f", next),
	}
}

// findBidForPosition 在竞价表中找到达到 target 位置的最便宜出价。
//
// 返回值 reached 表示是否真有行能进入目标；没有候选行时退化为
// 位置最靠前的行（reached=false）。表中完全没有正位置行时 ok=false。
func findBidForPosition(rows []BidRow, target int) (price float64, reached bool, ok bool) {
	bestPrice := math.Inf(1)
	found := false
	for _, row := range rows {
		if row.Position <= 0 || row.Position > target {
			continue
		}
		if row.Price < bestPrice {
			bestPrice = row.Price
			found = true
		}
	}
	if found {
		return bestPrice, true, true
	}

	// 目标区间在表里不可达，退而求其次：位置最小的行。
	bestPos := math.MaxInt
	for _, row := range rows {
		if row.Position <= 0 {
			continue
		}
		if row.Position < bestPos {
			bestPos = row.Position
			bestPrice = row.Price
		}
	}
	if bestPos == math.MaxInt {
		return 0, false, false
	}
	return bestPrice, false, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}

func floorNotice(price float64, cfg Config) Notice {
	if price <= cfg.MinPrice {
		return NoticeFlooredAtMin
	}
	return NoticeNone
}
