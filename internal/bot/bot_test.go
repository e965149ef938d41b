package bot

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/flumauricio/goliasbot-sub000/internal/analytics"
	"github.com/flumauricio/goliasbot-sub000/internal/config"
	"github.com/flumauricio/goliasbot-sub000/internal/hierarchy"
	"github.com/flumauricio/goliasbot-sub000/internal/modules/audit"
	"github.com/flumauricio/goliasbot-sub000/internal/storage"

	"go.uber.org/zap"
)

// errTransport fails every request so Discord calls error without touching
// the network.
type errTransport struct{}

func (errTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func newTestBot(t *testing.T) *Bot {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.DiscordToken = "test-token"
	cfg.DefaultLogChannel = "chan1"

	cache := hierarchy.NewCache(time.Minute, time.Minute)
	repo := hierarchy.NewRepository(store, cache)
	metrics := analytics.New(store, time.Minute)
	limiter := hierarchy.NewRateLimiter(store, 250, 48*time.Hour)
	logger := zap.NewNop()

	b, err := New(cfg, logger, store, repo, cache, limiter, metrics, audit.NewLogger(store, logger))
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	b.session.Client = &http.Client{Transport: errTransport{}}
	return b
}

func TestNotifyAuditSurvivesFailedEdit(t *testing.T) {
	b := newTestBot(t)
	ctx := context.Background()

	entry := storage.AuditLog{
		GuildID: "g1",
		UserID:  "u1",
		Level:   audit.LevelInfo,
		Event:   audit.EventPromotion,
		Details: "promoted to role r1",
	}
	key := entry.GuildID + "|" + entry.Level + "|" + entry.Event + "|" + entry.Details + "|" + entry.UserID
	b.logAgg[key] = &logAggregate{channelID: "chan1", messageID: "m1", count: 1, lastAt: time.Now()}

	// The aggregated message cannot be edited, so the stale entry is
	// dropped and the lock must be released cleanly.
	b.notifyAudit(ctx, entry)
	if _, ok := b.logAgg[key]; ok {
		t.Fatalf("expected stale aggregate dropped after failed edit")
	}

	// A second delivery re-takes the mutex; it blows up if the first
	// call left it in a bad state.
	b.notifyAudit(ctx, entry)
}
