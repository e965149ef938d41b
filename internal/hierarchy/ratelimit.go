package hierarchy

import (
	"context"
	"time"

	"github.com/flumauricio/goliasbot-sub000/internal/storage"
)

const (
	ActionRoleCreate     = "role_create"
	ActionRoleEdit       = "role_edit"
	ActionPermissionEdit = "permission_edit"
)

// RateLimiter tracks role mutations against the platform's rolling quota.
// Counts come from the durable action log so the budget survives restarts.
type RateLimiter struct {
	store      *storage.Store
	clock      Clock
	maxActions int
	window     time.Duration
}

func NewRateLimiter(store *storage.Store, maxActions int, window time.Duration) *RateLimiter {
	if maxActions <= 0 {
		maxActions = 250
	}
	if window <= 0 {
		window = 48 * time.Hour
	}
	return &RateLimiter{store: store, clock: realClock{}, maxActions: maxActions, window: window}
}

func (r *RateLimiter) WithClock(clock Clock) {
	r.clock = clock
}

func (r *RateLimiter) CanPerform(ctx context.Context, guildID, actionType string) (bool, int, int, error) {
	count, err := r.count(ctx, guildID, actionType)
	if err != nil {
		return false, 0, 0, err
	}
	remaining := r.maxActions - count
	if remaining < 0 {
		remaining = 0
	}
	return count < r.maxActions, count, remaining, nil
}

// AdaptiveDelay grows the inter-action pause as quota utilization climbs, so
// bulk flows slow down long before the hard limit.
func (r *RateLimiter) AdaptiveDelay(ctx context.Context, guildID, actionType string) (time.Duration, error) {
	count, err := r.count(ctx, guildID, actionType)
	if err != nil {
		return 0, err
	}
	return r.delayFor(count), nil
}

func (r *RateLimiter) delayFor(count int) time.Duration {
	switch {
	case count < r.maxActions*20/100:
		return 1500 * time.Millisecond
	case count < r.maxActions*60/100:
		return 2500 * time.Millisecond
	case count < r.maxActions*80/100:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}

func (r *RateLimiter) Record(ctx context.Context, guildID, actionType string) error {
	return r.store.RecordAction(ctx, guildID, actionType, r.clock.Now())
}

func (r *RateLimiter) count(ctx context.Context, guildID, actionType string) (int, error) {
	since := r.clock.Now().Add(-r.window)
	return r.store.CountActions(ctx, guildID, actionType, since)
}
