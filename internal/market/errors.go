package market

import "errors"

// 市场侧错误分类。
//
// 控制循环按类别决定如何处置：鉴权失败本轮放弃、下一轮重试；
// 不可用在本轮内换出口重试；写被拒绝不重试；未被搜到不是错误，
// 而是决策引擎的一个合法输入。
var (
	// ErrAuth 凭据无效或 token 过期。
	ErrAuth = errors.New("market auth failed")

	// ErrUnavailable 数据源在多次尝试后仍不可用。
	ErrUnavailable = errors.New("market unavailable")

	// ErrNotRanked 广告确认不在搜索结果中（扫完整个结果集未命中）。
	ErrNotRanked = errors.New("ad not ranked")

	// ErrRateLimited 请求被限流或封禁，需要换出口身份。
	ErrRateLimited = errors.New("market rate limited")

	// ErrRejectedWrite 写操作被明确拒绝，重试无意义。
	ErrRejectedWrite = errors.New("bid write rejected")
)
