package market

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"bidkeeper/internal/config"
	"bidkeeper/internal/pkg/metrics"
)

// BrowserPositionFetcher 用无头浏览器渲染搜索页后读取排名。
//
// 比 HTTPPositionFetcher 慢得多，但能过 JS 挑战类的反爬。浏览器
// 实例懒启动并在多次调用间复用，Close 负责回收。
type BrowserPositionFetcher struct {
	cfg    *config.BrowserConfig
	logger *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowserPositionFetcher 创建浏览器抓取策略，浏览器在第一次调用时启动。
func NewBrowserPositionFetcher(cfg *config.BrowserConfig, logger *slog.Logger) *BrowserPositionFetcher {
	return &BrowserPositionFetcher{cfg: cfg, logger: logger}
}

func (f *BrowserPositionFetcher) FetchPosition(ctx context.Context, searchURL string, adID int64) (int, error) {
	browser, err := f.ensureBrowser()
	if err != nil {
		metrics.PositionFetchTotal.WithLabelValues("browser", "browser_error").Inc()
		return 0, fmt.Errorf("ensure browser: %w", err)
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		metrics.PositionFetchTotal.WithLabelValues("browser", "page_error").Inc()
		return 0, fmt.Errorf("create page: %w", err)
	}
	defer func() { _ = page.Close() }()

	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		return 0, fmt.Errorf("apply stealth script: %w", err)
	}

	pageTimeout := f.cfg.PageTimeout
	if pageTimeout <= 0 {
		pageTimeout = 30 * time.Second
	}
	page = page.Timeout(pageTimeout)

	if err := page.Navigate(searchURL); err != nil {
		metrics.PositionFetchTotal.WithLabelValues("browser", "navigate_error").Inc()
		return 0, fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		f.logger.Warn("WaitLoad failed, continuing anyway",
			slog.Int64("ad_id", adID),
			slog.String("error", err.Error()))
	}

	if reason := f.detectBlockedPage(page); reason != "" {
		metrics.PositionFetchTotal.WithLabelValues("browser", "blocked").Inc()
		return 0, fmt.Errorf("search page blocked: %s", reason)
	}

	ids, err := f.collectItemIDs(ctx, page)
	if err != nil {
		metrics.PositionFetchTotal.WithLabelValues("browser", "scan_error").Inc()
		return 0, err
	}
	if len(ids) == 0 {
		metrics.PositionFetchTotal.WithLabelValues("browser", "empty_results").Inc()
		return 0, fmt.Errorf("no items found on rendered page")
	}

	want := strconv.FormatInt(adID, 10)
	for i, id := range ids {
		if id == want {
			metrics.PositionFetchTotal.WithLabelValues("browser", "ok").Inc()
			return i + 1, nil
		}
	}

	metrics.PositionFetchTotal.WithLabelValues("browser", "not_ranked").Inc()
	f.logger.Debug("ad not present in rendered results",
		slog.Int64("ad_id", adID),
		slog.Int("scanned", len(ids)))
	return 0, ErrNotRanked
}

// collectItemIDs 滚动页面触发懒加载，按出现顺序收集广告 ID。
func (f *BrowserPositionFetcher) collectItemIDs(ctx context.Context, page *rod.Page) ([]string, error) {
	maxScan := f.cfg.MaxScan
	if maxScan <= 0 {
		maxScan = 100
	}

	const selector = `[data-marker="item"]`
	noGrowth := 0
	lastCount := 0

	for {
		elems, err := page.Elements(selector)
		if err != nil {
			return nil, fmt.Errorf("query items: %w", err)
		}
		if len(elems) >= maxScan {
			break
		}
		if len(elems) <= lastCount {
			noGrowth++
			if noGrowth >= 3 {
				break
			}
		} else {
			noGrowth = 0
			lastCount = len(elems)
		}

		_, _ = page.Eval(`() => window.scrollBy(0, window.innerHeight)`)
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	elems, err := page.Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}

	ids := make([]string, 0, len(elems))
	seen := make(map[string]struct{})
	for _, el := range elems {
		if len(ids) >= maxScan {
			break
		}
		attr, err := el.Attribute("data-item-id")
		if err != nil || attr == nil || *attr == "" {
			continue
		}
		if _, dup := seen[*attr]; dup {
			continue
		}
		seen[*attr] = struct{}{}
		ids = append(ids, *attr)
	}
	return ids, nil
}

// detectBlockedPage 检查渲染后的页面是否是验证码或封禁页。
func (f *BrowserPositionFetcher) detectBlockedPage(page *rod.Page) string {
	info, err := page.Info()
	if err == nil {
		title := strings.ToLower(info.Title)
		if title == "" || title == "about:blank" {
			return "blank_page"
		}
		for _, hint := range []string{"access denied", "доступ ограничен", "403", "429"} {
			if strings.Contains(title, hint) {
				return "blocked_title"
			}
		}
	}

	body, err := page.Element("body")
	if err != nil {
		return ""
	}
	text, err := body.Text()
	if err != nil {
		return ""
	}
	if len(text) < 50 {
		return "short_page"
	}
	if isBlockedBody(text) {
		return "blocked_content"
	}
	return ""
}

// ensureBrowser 懒启动浏览器并复用连接。
func (f *BrowserPositionFetcher) ensureBrowser() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser != nil {
		return f.browser, nil
	}

	bin := f.cfg.BinPath
	if bin == "" {
		f.logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	// 容器/服务器环境的启动参数
	l := launcher.New().
		Headless(f.cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		Set("remote-allow-origins", "*").
		Set("disk-cache-size", "1").
		Set("media-cache-size", "1")

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	f.browser = browser
	f.logger.Info("position fetch browser started",
		slog.String("bin", bin),
		slog.Bool("headless", f.cfg.Headless))
	return browser, nil
}

// Close 关闭浏览器实例。
func (f *BrowserPositionFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser == nil {
		return nil
	}
	err := f.browser.Close()
	f.browser = nil
	return err
}
