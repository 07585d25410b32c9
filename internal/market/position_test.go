package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// searchPageHTML 生成带广告卡片的伪搜索结果页，体积补足到最小页面阈值。
func searchPageHTML(ids ...int64) string {
	var sb strings.Builder
	sb.WriteString("<html><head><title>Поиск объявлений</title></head><body><div data-marker=\"catalog\">")
	for _, id := range ids {
		fmt.Fprintf(&sb, `<div data-marker="item" data-item-id="%d"><a href="/item/%d">item %d</a></div>`, id, id, id)
	}
	sb.WriteString("</div>")
	for sb.Len() < minPageSize {
		sb.WriteString("<!-- filler content to make the page realistically sized -->")
	}
	sb.WriteString("</body></html>")
	return sb.String()
}

func newTestFetcher() *HTTPPositionFetcher {
	f := NewHTTPPositionFetcher(newTestLogger(), 5*time.Second, 50)
	// 测试里不需要节流
	f.limiter.SetLimit(1000)
	f.limiter.SetBurst(1000)
	return f
}

func TestHTTPPositionFetcher_FindsPosition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(searchPageHTML(101, 202, 303, 404)))
	}))
	defer srv.Close()

	f := newTestFetcher()
	pos, err := f.FetchPosition(context.Background(), srv.URL, 303)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 3 {
		t.Errorf("position = %d, want 3", pos)
	}
}

func TestHTTPPositionFetcher_NotRankedIsDistinctOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(searchPageHTML(101, 202)))
	}))
	defer srv.Close()

	f := newTestFetcher()
	_, err := f.FetchPosition(context.Background(), srv.URL, 999)
	if !errors.Is(err, ErrNotRanked) {
		t.Errorf("error = %v, want ErrNotRanked (scanned full page, ad absent)", err)
	}
}

func TestHTTPPositionFetcher_BlockedPageIsRetryableNotNotRanked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := "<html><body>Подтвердите, что вы не робот" + strings.Repeat(" filler", 512) + "</body></html>"
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	f := newTestFetcher()
	_, err := f.FetchPosition(context.Background(), srv.URL, 101)
	if err == nil {
		t.Fatal("expected an error for a captcha page")
	}
	if errors.Is(err, ErrNotRanked) {
		t.Error("captcha page must be a retryable failure, not a confirmed NotRanked")
	}
}

func TestHTTPPositionFetcher_ShortPageIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher()
	_, err := f.FetchPosition(context.Background(), srv.URL, 101)
	if err == nil || errors.Is(err, ErrNotRanked) {
		t.Errorf("error = %v, want a retryable failure", err)
	}
}

func TestHTTPPositionFetcher_RateLimitedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher()
	_, err := f.FetchPosition(context.Background(), srv.URL, 101)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
}

func TestScanForAd_DuplicatesCountedOnce(t *testing.T) {
	body := searchPageHTML(101, 202, 101, 303)
	pos, found := scanForAd(body, 303, 50)
	if !found {
		t.Fatal("ad 303 should be found")
	}
	// 101 重复出现只算一次：101, 202, 303
	if pos != 3 {
		t.Errorf("position = %d, want 3", pos)
	}
}

func TestScanForAd_MaxScanLimit(t *testing.T) {
	body := searchPageHTML(1, 2, 3, 4, 5)
	if _, found := scanForAd(body, 5, 3); found {
		t.Error("ad beyond max scan depth must not be found")
	}
}
