package bidding

import (
	"encoding/json"
	"strings"
	"time"
)

// Window 表示一个允许出价的时间窗口。
//
// Days 用 ISO 星期（周一=1 … 周日=7），为空表示每天生效。
// 时间字段接受 "start"/"end" 和 "startTime"/"endTime" 两种键名，
// 兼容前端的两代表单格式。start > end 表示窗口跨午夜。
type Window struct {
	Days      []int  `json:"days"`
	Start     string `json:"start"`
	End       string `json:"end"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// InSchedule 判断 now 是否落在任一窗口内（窗口之间取并集）。
//
// schedule 为空、不是合法 JSON、或窗口列表为空时视为始终允许。
// 单个坏窗口（时间解析失败、缺字段）跳过，不影响其他窗口。
func InSchedule(scheduleJSON string, now time.Time) bool {
	if strings.TrimSpace(scheduleJSON) == "" {
		return true
	}
	var windows []Window
	if err := json.Unmarshal([]byte(scheduleJSON), &windows); err != nil {
		return true
	}
	if len(windows) == 0 {
		return true
	}

	day := isoWeekday(now)
	minute := now.Hour()*60 + now.Minute()
	for _, w := range windows {
		if windowMatches(w, day, minute) {
			return true
		}
	}
	return false
}

func windowMatches(w Window, day, minute int) bool {
	if len(w.Days) > 0 && !containsInt(w.Days, day) {
		return false
	}

	startStr := firstNonEmpty(w.StartTime, w.Start)
	endStr := firstNonEmpty(w.EndTime, w.End)
	if startStr == "" || endStr == "" {
		return false
	}
	start, ok := parseMinute(startStr)
	if !ok {
		return false
	}
	end, ok := parseMinute(endStr)
	if !ok {
		return false
	}

	if start <= end {
		return start <= minute && minute < end
	}
	// 跨午夜：[start, 24:00) ∪ [00:00, end)
	return minute >= start || minute < end
}

// parseMinute 把 "HH:MM" 解析为当天的分钟数。
func parseMinute(s string) (int, bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// isoWeekday 返回 ISO 星期：周一=1，周日=7。
func isoWeekday(t time.Time) int {
	d := int(t.Weekday())
	if d == 0 {
		return 7
	}
	return d
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
