package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"bidkeeper/internal/bidding"
	"bidkeeper/internal/config"
	"bidkeeper/internal/pkg/metrics"
	"bidkeeper/internal/pkg/proxypool"
	"bidkeeper/internal/pkg/ratelimit"
)

// 连续两次竞价表尝试之间的间隔，给换出 IP 的代理一点缓冲。
var retryBackoff = 2 * time.Second

// Client 封装 Avito API 的读写操作。
//
// 读操作（竞价表）在失败时跨代理池的不同身份重试；写操作（改价）
// 不做盲目重试。全局限流器在 Redis 里共享，多个 bidder 进程合用
// 同一份 API 配额。
type Client struct {
	cfg     *config.MarketConfig
	pool    *proxypool.Pool
	limiter *ratelimit.RateLimiter
	logger  *slog.Logger

	base *resty.Client

	mu       sync.Mutex
	perProxy map[string]*resty.Client
}

// ItemDetails 是广告基础信息的子集，用于任务列表展示。
type ItemDetails struct {
	Title    string
	ImageURL string
	Status   string
	URL      string
}

// NewClient 创建市场客户端。pool 和 limiter 都允许为 nil（直连、不限流）。
func NewClient(cfg *config.MarketConfig, pool *proxypool.Pool, limiter *ratelimit.RateLimiter, logger *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:     cfg,
		pool:    pool,
		limiter: limiter,
		logger:  logger,
		base: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(timeout),
		perProxy: make(map[string]*resty.Client),
	}
}

// clientFor 返回绑定了指定出口身份的 HTTP 客户端，按代理 URL 缓存。
func (c *Client) clientFor(id proxypool.Identity) *resty.Client {
	if id.URL == "" {
		return c.base
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.perProxy[id.URL]; ok {
		return cl
	}
	cl := resty.New().
		SetBaseURL(c.cfg.BaseURL).
		SetTimeout(c.base.GetClient().Timeout).
		SetProxy(id.URL)
	c.perProxy[id.URL] = cl
	return cl
}

// Token 用 client_credentials 换取访问令牌。
func (c *Client) Token(ctx context.Context, clientID, clientSecret string) (string, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	resp, err := c.base.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     clientID,
			"client_secret": clientSecret,
		}).
		SetResult(&out).
		Post("/token/")
	if err != nil {
		metrics.MarketRequestsTotal.WithLabelValues("token", "transport_error").Inc()
		return "", fmt.Errorf("token request: %w", err)
	}
	metrics.MarketRequestsTotal.WithLabelValues("token", strconv.Itoa(resp.StatusCode())).Inc()

	switch {
	case resp.StatusCode() == 400, resp.StatusCode() == 401, resp.StatusCode() == 403:
		return "", fmt.Errorf("%w: token status %d", ErrAuth, resp.StatusCode())
	case resp.IsError():
		return "", fmt.Errorf("token status %d", resp.StatusCode())
	case out.AccessToken == "":
		return "", fmt.Errorf("%w: empty access token", ErrAuth)
	}
	return out.AccessToken, nil
}

// AccountID 返回令牌对应账号的数字 ID（部分接口的路径里需要它）。
func (c *Client) AccountID(ctx context.Context, token string) (int64, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return 0, err
	}

	var out struct {
		ID int64 `json:"id"`
	}
	resp, err := c.base.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		Get("/core/v1/accounts/self")
	if err != nil {
		metrics.MarketRequestsTotal.WithLabelValues("account_self", "transport_error").Inc()
		return 0, fmt.Errorf("account self request: %w", err)
	}
	metrics.MarketRequestsTotal.WithLabelValues("account_self", strconv.Itoa(resp.StatusCode())).Inc()

	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return 0, fmt.Errorf("%w: account self status %d", ErrAuth, resp.StatusCode())
	}
	if resp.IsError() {
		return 0, fmt.Errorf("account self status %d", resp.StatusCode())
	}
	if out.ID == 0 {
		return 0, fmt.Errorf("account self: missing id")
	}
	return out.ID, nil
}

// FetchBidTable 读取广告的竞价表。
//
// 最多尝试 FetchRetries 次，每次换一个出口身份；429/403 触发对
// 刚用过的身份执行换 IP。尝试全部耗尽后返回 ErrUnavailable。
func (c *Client) FetchBidTable(ctx context.Context, adID int64, token string) (bidding.TableSnapshot, error) {
	retries := c.cfg.FetchRetries
	if retries < 1 {
		retries = 1
	}

	exclude := make(map[string]struct{})
	var lastErr error

	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return bidding.TableSnapshot{}, ctx.Err()
			}
		}

		if err := c.limiter.Acquire(ctx); err != nil {
			return bidding.TableSnapshot{}, err
		}

		id, err := c.acquireIdentity(exclude)
		if err != nil {
			return bidding.TableSnapshot{}, err
		}

		snap, err := c.fetchBidTableOnce(ctx, adID, token, id)
		if err == nil {
			return snap, nil
		}
		lastErr = err

		// 鉴权错误换身份救不了，直接交给上层下一轮处理
		if errors.Is(err, ErrAuth) {
			return bidding.TableSnapshot{}, err
		}

		c.logger.Warn("bid table attempt failed",
			slog.Int64("ad_id", adID),
			slog.Int("attempt", attempt+1),
			slog.String("proxy", id.URL),
			slog.String("error", err.Error()))

		if id.URL != "" {
			exclude[id.URL] = struct{}{}
			if errors.Is(err, ErrRateLimited) {
				if _, rotErr := c.pool.Rotate(ctx, id); rotErr != nil {
					c.logger.Warn("proxy rotation failed",
						slog.String("proxy", id.URL),
						slog.String("error", rotErr.Error()))
				}
			}
		}
	}

	return bidding.TableSnapshot{}, fmt.Errorf("%w: %d attempts, last error: %v", ErrUnavailable, retries, lastErr)
}

// acquireIdentity 从池里选一个未被排除的身份；池为空时直连。
// 所有身份都被排除过时清空排除集从头再选。
func (c *Client) acquireIdentity(exclude map[string]struct{}) (proxypool.Identity, error) {
	if c.pool == nil || c.pool.Size() == 0 {
		return proxypool.Identity{}, nil
	}
	id, err := c.pool.Acquire(exclude)
	if errors.Is(err, proxypool.ErrPoolExhausted) && len(exclude) > 0 {
		for k := range exclude {
			delete(exclude, k)
		}
		id, err = c.pool.Acquire(exclude)
	}
	return id, err
}

func (c *Client) fetchBidTableOnce(ctx context.Context, adID int64, token string, id proxypool.Identity) (bidding.TableSnapshot, error) {
	var out struct {
		Manual struct {
			Bids []struct {
				ValuePenny int64 `json:"valuePenny"`
				Compare    int   `json:"compare"`
			} `json:"bids"`
			BidPenny    int64 `json:"bidPenny"`
			RecBidPenny int64 `json:"recBidPenny"`
			MinBidPenny int64 `json:"minBidPenny"`
			MaxBidPenny int64 `json:"maxBidPenny"`
		} `json:"manual"`
	}

	resp, err := c.clientFor(id).R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		Get(fmt.Sprintf("/cpxpromo/1/getBids/%d", adID))
	if err != nil {
		metrics.MarketRequestsTotal.WithLabelValues("get_bids", "transport_error").Inc()
		return bidding.TableSnapshot{}, fmt.Errorf("get bids request: %w", err)
	}
	metrics.MarketRequestsTotal.WithLabelValues("get_bids", strconv.Itoa(resp.StatusCode())).Inc()

	switch resp.StatusCode() {
	case 401:
		return bidding.TableSnapshot{}, fmt.Errorf("%w: get bids status 401", ErrAuth)
	case 403, 429:
		return bidding.TableSnapshot{}, fmt.Errorf("%w: get bids status %d", ErrRateLimited, resp.StatusCode())
	}
	if resp.IsError() {
		return bidding.TableSnapshot{}, fmt.Errorf("get bids status %d", resp.StatusCode())
	}

	snap := bidding.TableSnapshot{
		RecommendedBid: float64(out.Manual.RecBidPenny) / 100,
		MinBid:         float64(out.Manual.MinBidPenny) / 100,
		MaxBid:         float64(out.Manual.MaxBidPenny) / 100,
		Rows:           make([]bidding.BidRow, 0, len(out.Manual.Bids)),
	}
	if out.Manual.BidPenny > 0 {
		cur := float64(out.Manual.BidPenny) / 100
		snap.CurrentBid = &cur
	}
	for _, b := range out.Manual.Bids {
		snap.Rows = append(snap.Rows, bidding.BidRow{
			Price:    float64(b.ValuePenny) / 100,
			Position: b.Compare,
		})
	}

	c.logger.Debug("bid table fetched",
		slog.Int64("ad_id", adID),
		slog.Int("rows", len(snap.Rows)),
		slog.Any("current_bid", snap.CurrentBid))
	return snap, nil
}

// SetBid 把广告的出价改为 price。
//
// 非幂等：400/403 表示明确拒绝（ErrRejectedWrite），本轮不再重试；
// 传输层错误结果未知，留给下一轮控制循环重新决策。
func (c *Client) SetBid(ctx context.Context, adID int64, price float64, token string, dailyBudget float64) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}

	body := map[string]interface{}{
		"itemID":       adID,
		"actionTypeID": 5,
		"bidPenny":     int64(math.Round(price * 100)),
	}
	if dailyBudget > 0 {
		body["dailyBudgetPenny"] = int64(math.Round(dailyBudget * 100))
	}

	resp, err := c.base.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		Post("/cpxpromo/1/setManual")
	if err != nil {
		metrics.MarketRequestsTotal.WithLabelValues("set_bid", "transport_error").Inc()
		metrics.BidWritesTotal.WithLabelValues("transport_error").Inc()
		return fmt.Errorf("set bid request: %w", err)
	}
	metrics.MarketRequestsTotal.WithLabelValues("set_bid", strconv.Itoa(resp.StatusCode())).Inc()

	switch {
	case resp.StatusCode() == 400 || resp.StatusCode() == 403:
		metrics.BidWritesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: set bid status %d: %s", ErrRejectedWrite, resp.StatusCode(), resp.String())
	case resp.StatusCode() == 401:
		metrics.BidWritesTotal.WithLabelValues("auth_error").Inc()
		return fmt.Errorf("%w: set bid status 401", ErrAuth)
	case resp.StatusCode() == 429:
		metrics.BidWritesTotal.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("%w: set bid status 429", ErrRateLimited)
	case resp.IsError():
		metrics.BidWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("set bid status %d", resp.StatusCode())
	}

	metrics.BidWritesTotal.WithLabelValues("ok").Inc()
	c.logger.Info("bid applied",
		slog.Int64("ad_id", adID),
		slog.Float64("price", price))
	return nil
}

// ItemInfo 读取广告的标题与首图，用于任务详情展示。
func (c *Client) ItemInfo(ctx context.Context, token string, userID, adID int64) (*ItemDetails, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	var out struct {
		Title  string              `json:"title"`
		Status string              `json:"status"`
		URL    string              `json:"url"`
		Images []map[string]string `json:"images"`
	}
	resp, err := c.base.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		Get(fmt.Sprintf("/core/v1/accounts/%d/items/%d/", userID, adID))
	if err != nil {
		metrics.MarketRequestsTotal.WithLabelValues("item_info", "transport_error").Inc()
		return nil, fmt.Errorf("item info request: %w", err)
	}
	metrics.MarketRequestsTotal.WithLabelValues("item_info", strconv.Itoa(resp.StatusCode())).Inc()

	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return nil, fmt.Errorf("%w: item info status %d", ErrAuth, resp.StatusCode())
	}
	if resp.IsError() {
		return nil, fmt.Errorf("item info status %d", resp.StatusCode())
	}

	info := &ItemDetails{
		Title:  out.Title,
		Status: out.Status,
		URL:    out.URL,
	}
	if len(out.Images) > 0 {
		if v := out.Images[0]["640x480"]; v != "" {
			info.ImageURL = v
		} else if v := out.Images[0]["default"]; v != "" {
			info.ImageURL = v
		}
	}
	return info, nil
}
