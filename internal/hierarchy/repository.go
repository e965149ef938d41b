package hierarchy

import (
	"context"

	"github.com/flumauricio/goliasbot-sub000/internal/storage"
)

// Repository is the read-through layer between the engine and the store.
// Reads populate the cache on miss; writes go to the store first and then
// invalidate, never update, the cached entry.
type Repository struct {
	store *storage.Store
	cache *Cache
}

func NewRepository(store *storage.Store, cache *Cache) *Repository {
	return &Repository{store: store, cache: cache}
}

func (r *Repository) Config(ctx context.Context, guildID, roleID string) (*storage.RankConfig, error) {
	if cfg, ok := r.cache.GetConfig(guildID, roleID); ok {
		return &cfg, nil
	}
	cfg, err := r.store.GetRankConfig(ctx, guildID, roleID)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		r.cache.PutConfig(*cfg)
	}
	return cfg, nil
}

// Configs always reads the store (the scan needs the authoritative set) and
// refreshes the cache with what it found.
func (r *Repository) Configs(ctx context.Context, guildID string) ([]storage.RankConfig, error) {
	configs, err := r.store.ListRankConfigs(ctx, guildID)
	if err != nil {
		return nil, err
	}
	for _, cfg := range configs {
		r.cache.PutConfig(cfg)
	}
	return configs, nil
}

func (r *Repository) SaveConfig(ctx context.Context, cfg storage.RankConfig) error {
	if err := r.store.UpsertRankConfig(ctx, cfg); err != nil {
		return err
	}
	r.cache.InvalidateConfig(cfg.GuildID, cfg.RoleID)
	return nil
}

func (r *Repository) DeleteConfig(ctx context.Context, guildID, roleID string) error {
	if err := r.store.DeleteRankConfig(ctx, guildID, roleID); err != nil {
		return err
	}
	r.cache.InvalidateConfig(guildID, roleID)
	return nil
}

func (r *Repository) Status(ctx context.Context, guildID, userID string) (*storage.UserRankStatus, error) {
	if status, ok := r.cache.GetStatus(guildID, userID); ok {
		return &status, nil
	}
	status, err := r.store.GetUserStatus(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	if status != nil {
		r.cache.PutStatus(*status)
	}
	return status, nil
}

func (r *Repository) SaveStatus(ctx context.Context, status storage.UserRankStatus) error {
	if err := r.store.UpsertUserStatus(ctx, status); err != nil {
		return err
	}
	r.cache.InvalidateStatus(status.GuildID, status.UserID)
	return nil
}

func (r *Repository) InvalidateGuild(guildID string) {
	r.cache.InvalidateGuild(guildID)
}

func (r *Repository) CacheStats() (hits, misses uint64) {
	return r.cache.Stats()
}
