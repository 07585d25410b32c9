package market

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"bidkeeper/internal/pkg/metrics"
)

// PositionFetcher 抓取广告在搜索结果中的位置。
//
// 抓取手段是可替换的策略：纯 HTTP 解析或无头浏览器渲染，
// 控制循环只依赖这个接口。返回 ErrNotRanked 表示扫完整个
// 结果集确认广告不在其中；其他错误都视为可重试的抓取失败。
type PositionFetcher interface {
	FetchPosition(ctx context.Context, searchURL string, adID int64) (int, error)
}

const (
	defaultUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// 短于这个长度的响应体基本是错误页或空壳，按抓取失败处理
	minPageSize = 2048
)

// 搜索结果里每个广告卡片带 data-item-id 属性，按出现顺序即排名。
var itemIDPattern = regexp.MustCompile(`data-item-id="(\d+)"`)

// 封禁/验证码页面的特征词。
var blockedPageHints = []string{
	"captcha",
	"recaptcha",
	"h-captcha",
	"firewall",
	"access denied",
	"доступ ограничен",
	"подтвердите, что вы не робот",
	"слишком много запросов",
}

// HTTPPositionFetcher 用纯 HTTP 请求抓取搜索结果页。
//
// 本地令牌桶限制请求频率，和竞价接口的全局限流相互独立：
// 搜索页是面向浏览器的页面，频率敏感度更高。
type HTTPPositionFetcher struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	maxScan int
}

// NewHTTPPositionFetcher 创建 HTTP 抓取策略。
func NewHTTPPositionFetcher(logger *slog.Logger, timeout time.Duration, maxScan int) *HTTPPositionFetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if maxScan <= 0 {
		maxScan = 100
	}
	return &HTTPPositionFetcher{
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("User-Agent", defaultUA).
			SetHeader("Accept-Language", "ru-RU,ru;q=0.9"),
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		logger:  logger,
		maxScan: maxScan,
	}
}

func (f *HTTPPositionFetcher) FetchPosition(ctx context.Context, searchURL string, adID int64) (int, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	resp, err := f.http.R().SetContext(ctx).Get(searchURL)
	if err != nil {
		metrics.PositionFetchTotal.WithLabelValues("http", "transport_error").Inc()
		return 0, fmt.Errorf("search page request: %w", err)
	}

	switch resp.StatusCode() {
	case 403, 429:
		metrics.PositionFetchTotal.WithLabelValues("http", "rate_limited").Inc()
		return 0, fmt.Errorf("%w: search page status %d", ErrRateLimited, resp.StatusCode())
	}
	if resp.IsError() {
		metrics.PositionFetchTotal.WithLabelValues("http", "http_error").Inc()
		return 0, fmt.Errorf("search page status %d", resp.StatusCode())
	}

	body := resp.String()
	if len(body) < minPageSize {
		metrics.PositionFetchTotal.WithLabelValues("http", "short_page").Inc()
		return 0, fmt.Errorf("search page too short (%d bytes)", len(body))
	}
	if isBlockedBody(body) {
		metrics.PositionFetchTotal.WithLabelValues("http", "blocked").Inc()
		return 0, fmt.Errorf("search page blocked by anti-bot check")
	}

	pos, found := scanForAd(body, adID, f.maxScan)
	if !found {
		metrics.PositionFetchTotal.WithLabelValues("http", "not_ranked").Inc()
		f.logger.Debug("ad not present in search results",
			slog.Int64("ad_id", adID),
			slog.String("url", searchURL))
		return 0, ErrNotRanked
	}

	metrics.PositionFetchTotal.WithLabelValues("http", "ok").Inc()
	return pos, nil
}

// scanForAd 按出现顺序扫描结果页里的广告 ID，返回 1 起的排名。
// 同一广告在页面里可能出现多次（推荐块等），只按首次出现去重计数。
func scanForAd(body string, adID int64, maxScan int) (int, bool) {
	want := strconv.FormatInt(adID, 10)
	seen := make(map[string]struct{})

	for _, m := range itemIDPattern.FindAllStringSubmatch(body, -1) {
		id := m[1]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if id == want {
			return len(seen), true
		}
		if len(seen) >= maxScan {
			break
		}
	}
	return 0, false
}

func isBlockedBody(body string) bool {
	lower := strings.ToLower(body)
	for _, hint := range blockedPageHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
