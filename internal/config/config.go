package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken      string          `yaml:"discord_token"`
	DatabasePath      string          `yaml:"database_path"`
	LogLevel          string          `yaml:"log_level"`
	DefaultLogChannel string          `yaml:"default_log_channel"`
	Health            HealthConfig    `yaml:"health"`
	Hierarchy         HierarchyConfig `yaml:"hierarchy"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	Cache             CacheConfig     `yaml:"cache"`
	Notifications     NotifyConfig    `yaml:"notifications"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type HierarchyConfig struct {
	ScanIntervalMinutes  int `yaml:"scan_interval_minutes"`
	ScanBatchSize        int `yaml:"scan_batch_size"`
	ScanConcurrency      int `yaml:"scan_concurrency"`
	PromotionCooldownMin int `yaml:"promotion_cooldown_minutes"`
	ManualIgnoreDays     int `yaml:"manual_ignore_days"`
	FailureSuppressHours int `yaml:"failure_suppress_hours"`
	LightScanActiveMin   int `yaml:"light_scan_active_minutes"`
	ApprovalTimeoutHours int `yaml:"approval_timeout_hours"`
}

type RateLimitConfig struct {
	MaxActions  int `yaml:"max_actions"`
	WindowHours int `yaml:"window_hours"`
}

type CacheConfig struct {
	ConfigTTLMinutes int `yaml:"config_ttl_minutes"`
	StatusTTLMinutes int `yaml:"status_ttl_minutes"`
	SweepMinutes     int `yaml:"sweep_minutes"`
}

type NotifyConfig struct {
	DMOnPromotion bool        `yaml:"dm_on_promotion"`
	OperatorLog   bool        `yaml:"operator_log"`
	EmbedColors   EmbedColors `yaml:"embed_colors"`
}

type EmbedColors struct {
	Promotion int `yaml:"promotion"`
	Warning   int `yaml:"warning"`
	Error     int `yaml:"error"`
}

func DefaultConfig() Config {
	return Config{
		DatabasePath:      "/data/goliasbot.db",
		LogLevel:          "info",
		DefaultLogChannel: "",
		Health:            HealthConfig{Enabled: false, Addr: ":8080"},
		Hierarchy: HierarchyConfig{
			ScanIntervalMinutes:  60,
			ScanBatchSize:        50,
			ScanConcurrency:      10,
			PromotionCooldownMin: 5,
			ManualIgnoreDays:     7,
			FailureSuppressHours: 24,
			LightScanActiveMin:   30,
			ApprovalTimeoutHours: 72,
		},
		RateLimit: RateLimitConfig{MaxActions: 250, WindowHours: 48},
		Cache:     CacheConfig{ConfigTTLMinutes: 10, StatusTTLMinutes: 2, SweepMinutes: 5},
		Notifications: NotifyConfig{
			DMOnPromotion: true,
			OperatorLog:   true,
			EmbedColors: EmbedColors{
				Promotion: 0x22C55E,
				Warning:   0xF59E0B,
				Error:     0xEF4444,
			},
		},
	}
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}

	clamp(&cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.DefaultLogChannel = envString("DEFAULT_LOG_CHANNEL", cfg.DefaultLogChannel)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Hierarchy.ScanIntervalMinutes = envInt("SCAN_INTERVAL_MINUTES", cfg.Hierarchy.ScanIntervalMinutes)
	cfg.Hierarchy.ScanBatchSize = envInt("SCAN_BATCH_SIZE", cfg.Hierarchy.ScanBatchSize)
	cfg.Hierarchy.ScanConcurrency = envInt("SCAN_CONCURRENCY", cfg.Hierarchy.ScanConcurrency)
	cfg.Hierarchy.PromotionCooldownMin = envInt("PROMOTION_COOLDOWN_MINUTES", cfg.Hierarchy.PromotionCooldownMin)
	cfg.Hierarchy.ManualIgnoreDays = envInt("MANUAL_IGNORE_DAYS", cfg.Hierarchy.ManualIgnoreDays)
	cfg.Hierarchy.FailureSuppressHours = envInt("FAILURE_SUPPRESS_HOURS", cfg.Hierarchy.FailureSuppressHours)
	cfg.RateLimit.MaxActions = envInt("RATE_LIMIT_MAX_ACTIONS", cfg.RateLimit.MaxActions)
	cfg.RateLimit.WindowHours = envInt("RATE_LIMIT_WINDOW_HOURS", cfg.RateLimit.WindowHours)
	cfg.Cache.ConfigTTLMinutes = envInt("CACHE_CONFIG_TTL_MINUTES", cfg.Cache.ConfigTTLMinutes)
	cfg.Cache.StatusTTLMinutes = envInt("CACHE_STATUS_TTL_MINUTES", cfg.Cache.StatusTTLMinutes)
	cfg.Notifications.DMOnPromotion = envBool("DM_ON_PROMOTION", cfg.Notifications.DMOnPromotion)
	cfg.Notifications.OperatorLog = envBool("OPERATOR_LOG", cfg.Notifications.OperatorLog)
	cfg.Notifications.EmbedColors.Promotion = envInt("EMBED_COLOR_PROMOTION", cfg.Notifications.EmbedColors.Promotion)
	cfg.Notifications.EmbedColors.Warning = envInt("EMBED_COLOR_WARNING", cfg.Notifications.EmbedColors.Warning)
	cfg.Notifications.EmbedColors.Error = envInt("EMBED_COLOR_ERROR", cfg.Notifications.EmbedColors.Error)
}

// clamp keeps operator-tunable values inside ranges the engine assumes.
func clamp(cfg *Config) {
	if cfg.Hierarchy.ScanIntervalMinutes < 60 {
		cfg.Hierarchy.ScanIntervalMinutes = 60
	}
	if cfg.Hierarchy.ScanIntervalMinutes > 168*60 {
		cfg.Hierarchy.ScanIntervalMinutes = 168 * 60
	}
	if cfg.Hierarchy.ScanBatchSize <= 0 {
		cfg.Hierarchy.ScanBatchSize = 50
	}
	if cfg.Hierarchy.ScanConcurrency <= 0 {
		cfg.Hierarchy.ScanConcurrency = 10
	}
	if cfg.RateLimit.MaxActions <= 0 {
		cfg.RateLimit.MaxActions = 250
	}
	if cfg.RateLimit.WindowHours <= 0 {
		cfg.RateLimit.WindowHours = 48
	}
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}
