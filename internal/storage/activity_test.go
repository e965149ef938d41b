package storage

import (
	"context"
	"testing"
	"time"
)

func TestActivityCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		if err := store.RecordMessage(ctx, "g1", "u1", now); err != nil {
			t.Fatalf("record message: %v", err)
		}
	}
	if err := store.RecordReactionGiven(ctx, "g1", "u1", now); err != nil {
		t.Fatalf("record reaction given: %v", err)
	}
	if err := store.RecordReactionReceived(ctx, "g1", "u1"); err != nil {
		t.Fatalf("record reaction received: %v", err)
	}

	activity, err := store.GetUserActivity(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("get activity: %v", err)
	}
	if activity.MessageCount != 3 {
		t.Fatalf("expected 3 messages, got %d", activity.MessageCount)
	}
	if activity.ReactionsGiven != 1 || activity.ReactionsReceived != 1 {
		t.Fatalf("unexpected reaction counts: %+v", activity)
	}

	empty, err := store.GetUserActivity(ctx, "g1", "nobody")
	if err != nil {
		t.Fatalf("get empty activity: %v", err)
	}
	if empty.MessageCount != 0 {
		t.Fatalf("expected zero counters for unknown user, got %+v", empty)
	}
}

func TestActiveUserIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.RecordMessage(ctx, "g1", "recent", now); err != nil {
		t.Fatalf("record message: %v", err)
	}
	if err := store.RecordMessage(ctx, "g1", "stale", now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("record message: %v", err)
	}

	users, err := store.ActiveUserIDs(ctx, "g1", now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("active users: %v", err)
	}
	if len(users) != 1 || users[0] != "recent" {
		t.Fatalf("expected [recent], got %v", users)
	}
}

func TestVoiceSecondsAccumulate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddVoiceSeconds(ctx, "g1", "u1", 120); err != nil {
		t.Fatalf("add voice seconds: %v", err)
	}
	if err := store.AddVoiceSeconds(ctx, "g1", "u1", 60); err != nil {
		t.Fatalf("add voice seconds: %v", err)
	}
	if err := store.AddVoiceSeconds(ctx, "g1", "u1", 0); err != nil {
		t.Fatalf("add zero seconds: %v", err)
	}

	seconds, err := store.GetVoiceSeconds(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("get voice seconds: %v", err)
	}
	if seconds != 180 {
		t.Fatalf("expected 180 seconds, got %d", seconds)
	}
}

func TestCountActionsWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.RecordAction(ctx, "g1", "role_edit", now.Add(-49*time.Hour)); err != nil {
		t.Fatalf("record action: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := store.RecordAction(ctx, "g1", "role_edit", now.Add(-time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("record action: %v", err)
		}
	}
	if err := store.RecordAction(ctx, "g1", "role_create", now); err != nil {
		t.Fatalf("record action: %v", err)
	}

	count, err := store.CountActions(ctx, "g1", "role_edit", now.Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("count actions: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 actions inside window, got %d", count)
	}

	if err := store.CleanupActions(ctx, now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("cleanup actions: %v", err)
	}
}
