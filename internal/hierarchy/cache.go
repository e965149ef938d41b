package hierarchy

import (
	"sync"
	"time"

	"github.com/flumauricio/goliasbot-sub000/internal/storage"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type configEntry struct {
	cfg       storage.RankConfig
	fetchedAt time.Time
}

type statusEntry struct {
	status    storage.UserRankStatus
	fetchedAt time.Time
}

// Cache holds rank configs keyed by (guild, role) and user statuses keyed by
// (guild, user), each with its own TTL. Stale entries are tolerated up to the
// TTL; anything correctness-critical re-reads the store.
type Cache struct {
	mu        sync.Mutex
	clock     Clock
	configTTL time.Duration
	statusTTL time.Duration
	configs   map[string]*configEntry
	statuses  map[string]*statusEntry
	hits      uint64
	misses    uint64
}

func NewCache(configTTL, statusTTL time.Duration) *Cache {
	if configTTL <= 0 {
		configTTL = 5 * time.Minute
	}
	if statusTTL <= 0 {
		statusTTL = 5 * time.Minute
	}
	return &Cache{
		clock:     realClock{},
		configTTL: configTTL,
		statusTTL: statusTTL,
		configs:   make(map[string]*configEntry),
		statuses:  make(map[string]*statusEntry),
	}
}

func (c *Cache) WithClock(clock Clock) {
	c.clock = clock
}

func (c *Cache) GetConfig(guildID, roleID string) (storage.RankConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := guildID + ":" + roleID
	item := c.configs[key]
	if item == nil || c.clock.Now().Sub(item.fetchedAt) > c.configTTL {
		if item != nil {
			delete(c.configs, key)
		}
		c.misses++
		return storage.RankConfig{}, false
	}
	c.hits++
	return item.cfg, true
}

func (c *Cache) PutConfig(cfg storage.RankConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs[cfg.GuildID+":"+cfg.RoleID] = &configEntry{cfg: cfg, fetchedAt: c.clock.Now()}
}

func (c *Cache) GetStatus(guildID, userID string) (storage.UserRankStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := guildID + ":" + userID
	item := c.statuses[key]
	if item == nil || c.clock.Now().Sub(item.fetchedAt) > c.statusTTL {
		if item != nil {
			delete(c.statuses, key)
		}
		c.misses++
		return storage.UserRankStatus{}, false
	}
	c.hits++
	return item.status, true
}

func (c *Cache) PutStatus(status storage.UserRankStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[status.GuildID+":"+status.UserID] = &statusEntry{status: status, fetchedAt: c.clock.Now()}
}

func (c *Cache) InvalidateConfig(guildID, roleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.configs, guildID+":"+roleID)
}

func (c *Cache) InvalidateStatus(guildID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statuses, guildID+":"+userID)
}

func (c *Cache) InvalidateGuild(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := guildID + ":"
	for key := range c.configs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.configs, key)
		}
	}
	for key := range c.statuses {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.statuses, key)
		}
	}
}

// CleanupExpired removes entries past their TTL and reports how many remain.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, item := range c.configs {
		if now.Sub(item.fetchedAt) > c.configTTL {
			delete(c.configs, key)
		}
	}
	for key, item := range c.statuses {
		if now.Sub(item.fetchedAt) > c.statusTTL {
			delete(c.statuses, key)
		}
	}
	return len(c.configs) + len(c.statuses)
}

func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
