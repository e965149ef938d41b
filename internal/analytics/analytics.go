package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/flumauricio/goliasbot-sub000/internal/storage"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type UserMetrics struct {
	Messages          int64
	VoiceSeconds      int64
	ReactionsGiven    int64
	ReactionsReceived int64
	LastActive        time.Time
}

type entry struct {
	metrics   UserMetrics
	fetchedAt time.Time
}

// Service reads activity counters from the store behind a short-lived cache.
// A single lock guards the whole read-check-load sequence so concurrent
// evaluations never interleave on the same map entry.
type Service struct {
	mu      sync.Mutex
	store   *storage.Store
	clock   Clock
	ttl     time.Duration
	entries map[string]*entry
}

func New(store *storage.Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		store:   store,
		clock:   realClock{},
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

func (s *Service) WithClock(clock Clock) {
	s.clock = clock
}

func (s *Service) UserMetrics(ctx context.Context, guildID, userID string) (UserMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := guildID + ":" + userID
	now := s.clock.Now()

	if item := s.entries[key]; item != nil && now.Sub(item.fetchedAt) <= s.ttl {
		return item.metrics, nil
	}

	activity, err := s.store.GetUserActivity(ctx, guildID, userID)
	if err != nil {
		return UserMetrics{}, err
	}
	voice, err := s.store.GetVoiceSeconds(ctx, guildID, userID)
	if err != nil {
		return UserMetrics{}, err
	}

	metrics := UserMetrics{
		Messages:          activity.MessageCount,
		VoiceSeconds:      voice,
		ReactionsGiven:    activity.ReactionsGiven,
		ReactionsReceived: activity.ReactionsReceived,
		LastActive:        activity.LastActiveAt,
	}
	s.entries[key] = &entry{metrics: metrics, fetchedAt: now}
	return metrics, nil
}

func (s *Service) Invalidate(guildID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, guildID+":"+userID)
}

// SweepExpired drops stale entries and reports how many remain cached.
func (s *Service) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for key, item := range s.entries {
		if now.Sub(item.fetchedAt) > s.ttl {
			delete(s.entries, key)
		}
	}
	return len(s.entries)
}

func (s *Service) ActiveUsers(ctx context.Context, guildID string, window time.Duration) ([]string, error) {
	since := s.clock.Now().Add(-window)
	return s.store.ActiveUserIDs(ctx, guildID, since)
}

type Report struct {
	Total   int
	ByEvent map[string]int
}

func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	logs, err := s.store.ListAuditLogs(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}

	report := Report{ByEvent: make(map[string]int)}
	for _, log := range logs {
		report.Total++
		report.ByEvent[log.Event]++
	}
	return report, nil
}
