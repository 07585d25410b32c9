package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"bidkeeper/internal/bidding"
	"bidkeeper/internal/config"
	"bidkeeper/internal/market"
	"bidkeeper/internal/model"
	"bidkeeper/internal/pkg/notify"
	"bidkeeper/internal/store"
)

// ============================================================================
// 假实现
// ============================================================================

type fakeTasks struct {
	task    *model.BiddingTask
	getErr  error
	updates []observation
}

func (f *fakeTasks) GetTask(ctx context.Context, id uint) (*model.BiddingTask, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.task == nil || f.task.ID != id {
		return nil, store.ErrNotFound
	}
	cp := *f.task
	return &cp, nil
}

func (f *fakeTasks) UpdateTaskObservation(ctx context.Context, id uint, price *float64, position *int, ranAt time.Time) error {
	f.updates = append(f.updates, observation{price: price, position: position})
	return nil
}

type logEntry struct {
	level   string
	message string
}

type fakeLogs struct {
	latest  *model.TaskLog
	entries []logEntry
}

func (f *fakeLogs) Append(ctx context.Context, taskID uint, level, message string) error {
	f.entries = append(f.entries, logEntry{level: level, message: message})
	return nil
}

func (f *fakeLogs) Latest(ctx context.Context, taskID uint) (*model.TaskLog, error) {
	if f.latest == nil {
		return nil, store.ErrNotFound
	}
	return f.latest, nil
}

func (f *fakeLogs) contains(substr string) bool {
	for _, e := range f.entries {
		if strings.Contains(e.message, substr) {
			return true
		}
	}
	return false
}

type fakeAccounts struct {
	acc *model.AvitoAccount
	err error
}

func (f *fakeAccounts) GetAccount(ctx context.Context, id uint) (*model.AvitoAccount, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.acc, nil
}

type bidWrite struct {
	adID   int64
	price  float64
	budget float64
}

type fakeMarket struct {
	tokenErr  error
	table     bidding.TableSnapshot
	tableErr  error
	setBidErr error
	writes    []bidWrite
}

func (f *fakeMarket) Token(ctx context.Context, clientID, clientSecret string) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return "tok", nil
}

func (f *fakeMarket) FetchBidTable(ctx context.Context, adID int64, token string) (bidding.TableSnapshot, error) {
	if f.tableErr != nil {
		return bidding.TableSnapshot{}, f.tableErr
	}
	return f.table, nil
}

func (f *fakeMarket) SetBid(ctx context.Context, adID int64, price float64, token string, dailyBudget float64) error {
	if f.setBidErr != nil {
		return f.setBidErr
	}
	f.writes = append(f.writes, bidWrite{adID: adID, price: price, budget: dailyBudget})
	return nil
}

type fakeFetcher struct {
	pos int
	err error
}

func (f *fakeFetcher) FetchPosition(ctx context.Context, searchURL string, adID int64) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.pos, nil
}

type fakeQueue struct {
	enqueued []uint
	delays   []time.Duration
}

func (f *fakeQueue) Enqueue(ctx context.Context, taskID uint, delay time.Duration) error {
	f.enqueued = append(f.enqueued, taskID)
	f.delays = append(f.delays, delay)
	return nil
}

type fakeNotifier struct {
	events []string
}

func (f *fakeNotifier) Notify(ctx context.Context, task *model.BiddingTask, event, detail string) error {
	f.events = append(f.events, event)
	return nil
}

// ============================================================================
// 测试脚手架
// ============================================================================

func ptr(v float64) *float64 { return &v }

func testTask() *model.BiddingTask {
	return &model.BiddingTask{
		ID:                7,
		AccountID:         1,
		AdID:              42,
		MinPrice:          10,
		MaxPrice:          50,
		BidStep:           1,
		TargetPositionMin: 5,
		TargetPositionMax: 10,
		IsActive:          true,
	}
}

type harness struct {
	runner   *Runner
	tasks    *fakeTasks
	logs     *fakeLogs
	mkt      *fakeMarket
	queue    *fakeQueue
	notifier *fakeNotifier
	fetcher  *fakeFetcher
}

func newHarness(task *model.BiddingTask) *harness {
	h := &harness{
		tasks:    &fakeTasks{task: task},
		logs:     &fakeLogs{},
		mkt:      &fakeMarket{},
		queue:    &fakeQueue{},
		notifier: &fakeNotifier{},
	}
	cfg := &config.AppConfig{
		RunInterval:       290 * time.Second,
		MinRunSpacing:     120 * time.Second,
		WatchdogStaleness: 30 * time.Minute,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps := Deps{
		Tasks:    h.tasks,
		Logs:     h.logs,
		Accounts: &fakeAccounts{acc: &model.AvitoAccount{ID: 1, ClientID: "cid", ClientSecret: "sec"}},
		Market:   h.mkt,
		Queue:    h.queue,
		Notifier: h.notifier,
	}
	if h.fetcher != nil {
		deps.Position = h.fetcher
	}
	h.runner = New(cfg, deps, logger)
	return h
}

func (h *harness) withFetcher(f *fakeFetcher) *harness {
	h.fetcher = f
	h.runner.deps.Position = f
	return h
}

// ============================================================================
// 控制循环
// ============================================================================

func TestRun_RaisesToCheapestRowInBand(t *testing.T) {
	task := testTask()
	task.CurrentPrice = ptr(8)
	h := newHarness(task)
	h.mkt.table = bidding.TableSnapshot{
		CurrentBid: ptr(8),
		Rows: []bidding.BidRow{
			{Price: 8, Position: 12},
			{Price: 10, Position: 7},
			{Price: 15, Position: 3},
		},
	}

	if err := h.runner.Run(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.mkt.writes) != 1 {
		t.Fatalf("setBid calls = %d, want 1", len(h.mkt.writes))
	}
	if h.mkt.writes[0].price != 10 {
		t.Errorf("applied price = %.2f, want 10", h.mkt.writes[0].price)
	}
	if len(h.tasks.updates) != 1 {
		t.Fatalf("observation updates = %d, want 1", len(h.tasks.updates))
	}
	upd := h.tasks.updates[0]
	if upd.price == nil || *upd.price != 10 {
		t.Errorf("persisted price = %v, want 10", upd.price)
	}
	// 当前出价 8 对应表中 (8,12) 这一行
	if upd.position == nil || *upd.position != 12 {
		t.Errorf("persisted position = %v, want 12", upd.position)
	}
	if len(h.queue.enqueued) != 1 || h.queue.enqueued[0] != 7 {
		t.Errorf("reschedule = %v, want [7]", h.queue.enqueued)
	}
}

func TestRun_InactiveTaskNotRescheduled(t *testing.T) {
	task := testTask()
	task.IsActive = false
	h := newHarness(task)

	if err := h.runner.Run(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.queue.enqueued) != 0 {
		t.Errorf("inactive task was rescheduled: %v", h.queue.enqueued)
	}
	if len(h.mkt.writes) != 0 {
		t.Errorf("inactive task produced bid writes: %v", h.mkt.writes)
	}
}

func TestRun_DeletedTaskNotRescheduled(t *testing.T) {
	h := newHarness(testTask())

	if err := h.runner.Run(context.Background(), 999); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.queue.enqueued) != 0 {
		t.Errorf("deleted task was rescheduled: %v", h.queue.enqueued)
	}
}

func TestRun_MarketUnavailableStillReschedules(t *testing.T) {
	h := newHarness(testTask())
	h.mkt.tableErr = fmt.Errorf("%w: 3 attempts", market.ErrUnavailable)

	if err := h.runner.Run(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.mkt.writes) != 0 {
		t.Errorf("price changed despite market failure: %v", h.mkt.writes)
	}
	if len(h.tasks.updates) != 0 {
		t.Errorf("observation persisted despite market failure")
	}
	if len(h.queue.enqueued) != 1 {
		t.Fatalf("failure path must still reschedule, got %v", h.queue.enqueued)
	}
	if !h.logs.contains("failed to fetch bid table") {
		t.Error("missing ERROR log about fetch failure")
	}
}

func TestRun_MinSpacingGateSkipsCycle(t *testing.T) {
	h := newHarness(testTask())
	h.logs.latest = &model.TaskLog{TaskID: 7, CreatedAt: time.Now().Add(-10 * time.Second)}

	if err := h.runner.Run(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.mkt.writes) != 0 || len(h.logs.entries) != 0 {
		t.Error("gated cycle must not touch the market or append logs")
	}
	if len(h.queue.enqueued) != 1 {
		t.Errorf("gated cycle must still reschedule, got %v", h.queue.enqueued)
	}
}

func TestRun_AuthErrorReschedulesWithLongerDelay(t *testing.T) {
	h := newHarness(testTask())
	h.mkt.tokenErr = fmt.Errorf("%w: bad credentials", market.ErrAuth)

	if err := h.runner.Run(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.mkt.writes) != 0 {
		t.Error("auth failure must not write bids")
	}
	if len(h.queue.enqueued) != 1 {
		t.Fatalf("auth failure must still reschedule")
	}
	if !h.logs.contains("access token exchange failed") {
		t.Error("missing ERROR log about auth failure")
	}
	if len(h.notifier.events) != 1 || h.notifier.events[0] != notify.EventAuthFailed {
		t.Errorf("notifier events = %v, want [auth_failed]", h.notifier.events)
	}
}

func TestRun_OutOfScheduleLowersToMin(t *testing.T) {
	task := testTask()
	task.CurrentPrice = ptr(25)
	// 只在"明天"生效的窗口，当前必然在调度之外
	otherDay := isoToday()%7 + 1
	task.Schedule = fmt.Sprintf(`[{"days":[%d],"start":"00:00","end":"23:59"}]`, otherDay)

	h := newHarness(task)

	if err := h.runner.Run(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.mkt.writes) != 1 {
		t.Fatalf("setBid calls = %d, want 1 (lower to min)", len(h.mkt.writes))
	}
	if h.mkt.writes[0].price != task.MinPrice {
		t.Errorf("applied price = %.2f, want min %.2f", h.mkt.writes[0].price, task.MinPrice)
	}
	if !h.logs.contains("out of schedule") {
		t.Error("missing out-of-schedule log")
	}
	if len(h.queue.enqueued) != 1 {
		t.Error("out-of-schedule cycle must still reschedule")
	}
}

func TestRun_OutOfScheduleAlreadyAtMinHolds(t *testing.T) {
	task := testTask()
	task.CurrentPrice = ptr(10)
	otherDay := isoToday()%7 + 1
	task.Schedule = fmt.Sprintf(`[{"days":[%d],"start":"00:00","end":"23:59"}]`, otherDay)

	h := newHarness(task)

	if err := h.runner.Run(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.mkt.writes) != 0 {
		t.Errorf("no write expected at minimum, got %v", h.mkt.writes)
	}
	if !h.logs.contains("already at minimum") {
		t.Error("missing already-at-minimum log")
	}
}

func TestRun_NotFoundWithFreezeNotifiesAndHolds(t *testing.T) {
	task := testTask()
	task.FreezeIfNotFound = true
	task.SearchURL = "https://example.com/search"
	task.CurrentPrice = ptr(20)

	h := newHarness(task).withFetcher(&fakeFetcher{err: market.ErrNotRanked})
	h.mkt.tableErr = errors.New("bid table api down")

	if err := h.runner.Run(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.mkt.writes) != 0 {
		t.Errorf("frozen task must not change price, got %v", h.mkt.writes)
	}
	found := false
	for _, e := range h.notifier.events {
		if e == notify.EventFrozen {
			found = true
		}
	}
	if !found {
		t.Errorf("notifier events = %v, want frozen", h.notifier.events)
	}
	if len(h.queue.enqueued) != 1 {
		t.Error("frozen cycle must still reschedule")
	}
}

func TestRun_PositionFallbackRaisesByStep(t *testing.T) {
	task := testTask()
	task.SearchURL = "https://example.com/search"
	task.CurrentPrice = ptr(20)

	h := newHarness(task).withFetcher(&fakeFetcher{pos: 14})
	h.mkt.tableErr = errors.New("bid table api down")

	if err := h.runner.Run(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.mkt.writes) != 1 {
		t.Fatalf("setBid calls = %d, want 1", len(h.mkt.writes))
	}
	if h.mkt.writes[0].price != 21 {
		t.Errorf("applied price = %.2f, want 21 (one step up)", h.mkt.writes[0].price)
	}
	upd := h.tasks.updates[0]
	if upd.position == nil || *upd.position != 14 {
		t.Errorf("persisted position = %v, want 14", upd.position)
	}
}

func TestRun_RejectedWriteKeepsPrice(t *testing.T) {
	task := testTask()
	task.CurrentPrice = ptr(8)
	h := newHarness(task)
	h.mkt.table = bidding.TableSnapshot{
		CurrentBid: ptr(8),
		Rows:       []bidding.BidRow{{Price: 10, Position: 7}},
	}
	h.mkt.setBidErr = fmt.Errorf("%w: status 400", market.ErrRejectedWrite)

	if err := h.runner.Run(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !h.logs.contains("rejected by marketplace") {
		t.Error("missing rejected-write log")
	}
	// 写失败时持久化的价格应保持快照里的旧值 8，而不是目标价 10
	upd := h.tasks.updates[0]
	if upd.price == nil || *upd.price != 8 {
		t.Errorf("persisted price = %v, want observed 8", upd.price)
	}
	if len(h.queue.enqueued) != 1 {
		t.Error("rejected write must still reschedule")
	}
}

func TestRun_DailyBudgetPassedThrough(t *testing.T) {
	task := testTask()
	task.DailyBudget = 300
	task.CurrentPrice = ptr(8)
	h := newHarness(task)
	h.mkt.table = bidding.TableSnapshot{
		CurrentBid: ptr(8),
		Rows:       []bidding.BidRow{{Price: 10, Position: 7}},
	}

	if err := h.runner.Run(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.mkt.writes) != 1 || h.mkt.writes[0].budget != 300 {
		t.Errorf("writes = %v, want budget 300 passed through", h.mkt.writes)
	}
}

func isoToday() int {
	d := int(time.Now().Weekday())
	if d == 0 {
		return 7
	}
	return d
}

// ============================================================================
// 看门狗
// ============================================================================

type fakeWatchdogStore struct {
	stale  []model.BiddingTask
	active int64
}

func (f *fakeWatchdogStore) StaleActiveTasks(ctx context.Context, olderThan time.Time) ([]model.BiddingTask, error) {
	return f.stale, nil
}

func (f *fakeWatchdogStore) CountActiveTasks(ctx context.Context) (int64, error) {
	return f.active, nil
}

type fakeWatchdogQueue struct {
	scheduled map[uint]bool
	enqueued  []uint
}

func (f *fakeWatchdogQueue) Enqueue(ctx context.Context, taskID uint, delay time.Duration) error {
	f.enqueued = append(f.enqueued, taskID)
	return nil
}

func (f *fakeWatchdogQueue) Contains(ctx context.Context, taskID uint) (bool, error) {
	return f.scheduled[taskID], nil
}

func (f *fakeWatchdogQueue) Depth(ctx context.Context) (int64, error) {
	return int64(len(f.scheduled)), nil
}

func TestWatchdog_SweepRescuesOnlyUnscheduled(t *testing.T) {
	st := &fakeWatchdogStore{
		stale: []model.BiddingTask{
			{ID: 1, IsActive: true},
			{ID: 2, IsActive: true},
			{ID: 3, IsActive: true},
		},
		active: 3,
	}
	q := &fakeWatchdogQueue{scheduled: map[uint]bool{2: true}}

	cfg := &config.AppConfig{WatchdogStaleness: 30 * time.Minute}
	w := NewWatchdog(cfg, st, q, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("rescued = %d, want 2", n)
	}
	if len(q.enqueued) != 2 {
		t.Fatalf("enqueued = %v, want tasks 1 and 3", q.enqueued)
	}
	for _, id := range q.enqueued {
		if id == 2 {
			t.Error("task 2 was already scheduled, must not be re-enqueued")
		}
	}
}

func TestWatchdog_SweepEmpty(t *testing.T) {
	st := &fakeWatchdogStore{}
	q := &fakeWatchdogQueue{scheduled: map[uint]bool{}}
	cfg := &config.AppConfig{WatchdogStaleness: 30 * time.Minute}
	w := NewWatchdog(cfg, st, q, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 || len(q.enqueued) != 0 {
		t.Errorf("rescued = %d, enqueued = %v, want nothing", n, q.enqueued)
	}
}
