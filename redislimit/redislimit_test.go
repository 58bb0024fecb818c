package redislimit_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/john-naputi/magiclink/redislimit"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T) *redislimit.Limiter {
	t.Helper()
	addr := os.Getenv("MAGICLINK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MAGICLINK_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	prefix := fmt.Sprintf("magiclink:test:%d:", time.Now().UnixNano())
	l, err := redislimit.New(rdb, redislimit.WithPrefix(prefix))
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestNewNilClient(t *testing.T) {
	if _, err := redislimit.New(nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestAllowUntilLimit(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()
	for i := range 5 {
		d, err := l.Allow(ctx, "issue:a@example.com", 5, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed || d.Remaining != 4-i {
			t.Fatalf("hit %d: %+v", i+1, d)
		}
	}
	d, err := l.Allow(ctx, "issue:a@example.com", 5, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("6th hit allowed")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Hour {
		t.Fatalf("RetryAfter = %v", d.RetryAfter)
	}

	if err := l.Clear(ctx, "issue:a@example.com"); err != nil {
		t.Fatal(err)
	}
	if d, _ := l.Allow(ctx, "issue:a@example.com", 5, time.Hour); !d.Allowed {
		t.Fatal("not allowed after Clear")
	}
}

func TestWindowExpires(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()
	if d, _ := l.Allow(ctx, "k", 1, 100*time.Millisecond); !d.Allowed {
		t.Fatal("first hit rejected")
	}
	if d, _ := l.Allow(ctx, "k", 1, 100*time.Millisecond); d.Allowed {
		t.Fatal("second hit allowed")
	}
	time.Sleep(150 * time.Millisecond)
	if d, _ := l.Allow(ctx, "k", 1, 100*time.Millisecond); !d.Allowed {
		t.Fatal("hit after window rejected")
	}
}

func TestConcurrentAllowNeverExceedsLimit(t *testing.T) {
	l := newLimiter(t)
	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), "burst", 5, time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 5 {
		t.Fatalf("allowed %d, want 5", got)
	}
}

func TestWindowTooSmall(t *testing.T) {
	l := newLimiter(t)
	if _, err := l.Allow(context.Background(), "k", 1, time.Microsecond); err == nil {
		t.Fatal("expected error")
	}
}
