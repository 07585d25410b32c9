package bidding

// BidRow 是竞价表中的一行：出价 Price 时预计获得 Position。
// Position 为 0 表示该出价下广告不参与展示。
type BidRow struct {
	Price    float64
	Position int
}

// Snapshot 是一次观测到的市场状态。
//
// 两种变体：TableSnapshot（官方竞价接口，带完整价格-位置表）和
// PositionSnapshot（只有搜索结果中的排名，降级模式）。决策引擎
// 按变体选择算法，而不是在可空字段上做分支。
type Snapshot interface {
	snapshot()
}

// TableSnapshot 来自竞价接口的完整快照。
type TableSnapshot struct {
	CurrentBid     *float64 // 当前出价，接口未返回时为 nil
	RecommendedBid float64
	MinBid         float64
	MaxBid         float64
	Rows           []BidRow
}

// PositionSnapshot 只包含广告在搜索结果中的排名。
// Found 为 false 表示扫完整个结果集也没有找到该广告，
// 这是一个确定的业务结果，不是抓取失败。
type PositionSnapshot struct {
	Position int
	Found    bool
}

func (TableSnapshot) snapshot()    {}
func (PositionSnapshot) snapshot() {}

// CurrentPosition 根据当前出价推断表中对应的位置。
//
// 取所有 price <= 当前出价且 position > 0 的行里价格最高的那行的位置。
// 表里没有匹配行或当前出价未知时返回 (0, false)。
func (s TableSnapshot) CurrentPosition() (int, bool) {
	if s.CurrentBid == nil {
		return 0, false
	}
	bestPrice := -1.0
	bestPos := 0
	for _, row := range s.Rows {
		if row.Position <= 0 || row.Price > *s.CurrentBid {
			continue
		}
		if row.Price > bestPrice {
			bestPrice = row.Price
			bestPos = row.Position
		}
	}
	if bestPrice < 0 {
		return 0, false
	}
	return bestPos, true
}
