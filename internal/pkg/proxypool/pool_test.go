package proxypool

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bidkeeper/internal/pkg/metrics"
)

func newTestPool(t *testing.T, urls []string, cooldown time.Duration) *Pool {
	t.Helper()
	metrics.InitMetrics(1)

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

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rdb, logger, urls, nil, cooldown, 0)
}

func TestAcquire_ExcludeSemantics(t *testing.T) {
	p := newTestPool(t, []string{"http://p1:8080", "http://p2:8080"}, time.Minute)

	exclude := map[string]struct{}{"http://p1:8080": {}}
	for i := 0; i < 20; i++ {
		id, err := p.Acquire(exclude)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if id.URL != "http://p2:8080" {
			t.Fatalf("expected p2, got %s", id.URL)
		}
	}
}

func TestAcquire_Exhausted(t *testing.T) {
	p := newTestPool(t, nil, time.Minute)
	if _, err := p.Acquire(nil); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted for empty pool, got %v", err)
	}

	p = newTestPool(t, []string{"http://p1:8080"}, time.Minute)
	exclude := map[string]struct{}{"http://p1:8080": {}}
	if _, err := p.Acquire(exclude); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted when all excluded, got %v", err)
	}
}

func TestRotate_CooldownSuppressesSecondCall(t *testing.T) {
	p := newTestPool(t, []string{"http://p1:8080"}, time.Minute)
	ctx := context.Background()
	id := Identity{URL: "http://p1:8080"}

	rotated, err := p.Rotate(ctx, id)
	if err != nil {
		t.Fatalf("first rotate: %v", err)
	}
	if !rotated {
		t.Fatalf("expected first rotate to succeed")
	}

	rotated, err = p.Rotate(ctx, id)
	if err != nil {
		t.Fatalf("second rotate: %v", err)
	}
	if rotated {
		t.Fatalf("expected second rotate to be suppressed by cooldown")
	}
}

func TestRotate_IndependentCooldownPerIdentity(t *testing.T) {
	p := newTestPool(t, []string{"http://p1:8080", "http://p2:8080"}, time.Minute)
	ctx := context.Background()

	if rotated, err := p.Rotate(ctx, Identity{URL: "http://p1:8080"}); err != nil || !rotated {
		t.Fatalf("rotate p1: rotated=%v err=%v", rotated, err)
	}
	// p1 在冷却中不影响 p2
	if rotated, err := p.Rotate(ctx, Identity{URL: "http://p2:8080"}); err != nil || !rotated {
		t.Fatalf("rotate p2: rotated=%v err=%v", rotated, err)
	}
}
