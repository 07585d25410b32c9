package delayqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})

	q, err := NewQueue(rdb)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestQueue_DueTaskPopsOnce(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, 42, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ids, err := q.PopDue(ctx, 10)
	if err != nil {
		t.Fatalf("pop due: %v", err)
	}
	if len(ids) != 1 || ids[0] != 42 {
		t.Fatalf("expected [42], got %v", ids)
	}

	// 第二次弹出应为空，任务已被原子删除
	ids, err = q.PopDue(ctx, 10)
	if err != nil {
		t.Fatalf("second pop due: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty, got %v", ids)
	}
}

func TestQueue_FutureTaskInvisible(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, 7, time.Hour); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ids, err := q.PopDue(ctx, 10)
	if err != nil {
		t.Fatalf("pop due: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no due tasks, got %v", ids)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
}

func TestQueue_ReEnqueueUpdatesDueTime(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, 9, time.Hour); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// 再次入队把到期时间提前到现在
	if err := q.Enqueue(ctx, 9, 0); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected single entry per task, got depth %d", depth)
	}

	ids, err := q.PopDue(ctx, 10)
	if err != nil {
		t.Fatalf("pop due: %v", err)
	}
	if len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("expected [9], got %v", ids)
	}
}

func TestQueue_Remove(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, 3, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Remove(ctx, 3); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ids, err := q.PopDue(ctx, 10)
	if err != nil {
		t.Fatalf("pop due: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected removed task not to pop, got %v", ids)
	}

	ok, err := q.Contains(ctx, 3)
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if ok {
		t.Fatalf("expected task to be gone")
	}
}

func TestQueue_PopLimit(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for id := uint(1); id <= 5; id++ {
		if err := q.Enqueue(ctx, id, 0); err != nil {
			t.Fatalf("enqueue %d: %v", id, err)
		}
	}

	ids, err := q.PopDue(ctx, 3)
	if err != nil {
		t.Fatalf("pop due: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %v", ids)
	}

	rest, err := q.PopDue(ctx, 10)
	if err != nil {
		t.Fatalf("second pop: %v", err)
	}
	if len(ids)+len(rest) != 5 {
		t.Fatalf("expected 5 total, got %d + %d", len(ids), len(rest))
	}
}

func TestRunDelay_Bounds(t *testing.T) {
	base := 290 * time.Second
	for i := 0; i < 1000; i++ {
		d := RunDelay(base)
		if d < base-30*time.Second || d >= base+60*time.Second {
			t.Fatalf("delay %v out of [base-30s, base+60s)", d)
		}
	}
}

func TestInitialDelay_Bounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d := InitialDelay()
		if d < 3*time.Minute || d >= 8*time.Minute {
			t.Fatalf("initial delay %v out of [3m, 8m)", d)
		}
	}
}
