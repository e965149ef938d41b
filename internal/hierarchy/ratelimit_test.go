package hierarchy

import (
	"context"
	"testing"
	"time"

	"github.com/flumauricio/goliasbot-sub000/internal/storage"
)

func newLimiterStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestCanPerformQuota(t *testing.T) {
	store := newLimiterStore(t)
	limiter := NewRateLimiter(store, 3, 48*time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, count, remaining, err := limiter.CanPerform(ctx, "g1", ActionRoleEdit)
		if err != nil {
			t.Fatalf("can perform: %v", err)
		}
		if !allowed {
			t.Fatalf("expected allowed at count %d", count)
		}
		if remaining != 3-i {
			t.Fatalf("expected remaining %d, got %d", 3-i, remaining)
		}
		if err := limiter.Record(ctx, "g1", ActionRoleEdit); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	allowed, count, remaining, err := limiter.CanPerform(ctx, "g1", ActionRoleEdit)
	if err != nil {
		t.Fatalf("can perform: %v", err)
	}
	if allowed || count != 3 || remaining != 0 {
		t.Fatalf("expected exhausted quota, got allowed=%v count=%d remaining=%d", allowed, count, remaining)
	}

	// Other action types keep their own budget.
	allowed, _, _, err = limiter.CanPerform(ctx, "g1", ActionRoleCreate)
	if err != nil {
		t.Fatalf("can perform: %v", err)
	}
	if !allowed {
		t.Fatalf("expected role_create untouched")
	}
}

func TestAdaptiveDelayMonotonic(t *testing.T) {
	store := newLimiterStore(t)
	limiter := NewRateLimiter(store, 250, 48*time.Hour)
	ctx := context.Background()

	var previous time.Duration
	checkpoints := []int{0, 49, 50, 149, 150, 199, 200, 250}
	recorded := 0
	for _, target := range checkpoints {
		for recorded < target {
			if err := limiter.Record(ctx, "g1", ActionRoleEdit); err != nil {
				t.Fatalf("record: %v", err)
			}
			recorded++
		}
		delay, err := limiter.AdaptiveDelay(ctx, "g1", ActionRoleEdit)
		if err != nil {
			t.Fatalf("adaptive delay: %v", err)
		}
		if delay < previous {
			t.Fatalf("delay decreased at count %d: %v -> %v", target, previous, delay)
		}
		previous = delay
	}

	if got := limiter.delayFor(0); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s at zero usage, got %v", got)
	}
	if got := limiter.delayFor(200); got != 10*time.Second {
		t.Fatalf("expected 10s at 200, got %v", got)
	}
	if got := limiter.delayFor(150); got != 5*time.Second {
		t.Fatalf("expected 5s at 150, got %v", got)
	}
	if got := limiter.delayFor(50); got != 2500*time.Millisecond {
		t.Fatalf("expected 2.5s at 50, got %v", got)
	}
}

func TestQuotaSurvivesRestart(t *testing.T) {
	store := newLimiterStore(t)
	ctx := context.Background()

	first := NewRateLimiter(store, 10, 48*time.Hour)
	for i := 0; i < 4; i++ {
		if err := first.Record(ctx, "g1", ActionRoleEdit); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	second := NewRateLimiter(store, 10, 48*time.Hour)
	_, count, _, err := second.CanPerform(ctx, "g1", ActionRoleEdit)
	if err != nil {
		t.Fatalf("can perform: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected durable count 4, got %d", count)
	}
}
