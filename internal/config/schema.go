// Package config loads the harvester's environment-recognized configuration
// surface via github.com/caarlos0/env struct tags.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the flat set of environment-recognized options the harvester
// accepts.
type Config struct {
	DatabasePath string `env:"TGPARSER_DATABASE_PATH" envDefault:"tgparser.db"`
	RedisURL     string `env:"TGPARSER_REDIS_URL" envDefault:"redis://127.0.0.1:6379/0"`

	TickIntervalSeconds int `env:"TGPARSER_TICK_INTERVAL_SECONDS" envDefault:"3600"`
	DefaultBackfillDays int `env:"TGPARSER_DEFAULT_BACKFILL_DAYS" envDefault:"0"`

	NotifyBotToken    string `env:"TGPARSER_NOTIFY_BOT_TOKEN"`
	NotifyAdminChatID int64  `env:"TGPARSER_NOTIFY_ADMIN_CHAT_ID"`

	LogLevel string `env:"TGPARSER_LOG_LEVEL" envDefault:"info"`
}

// Load reads Config from the process environment, applying defaults for any
// option the operator didn't set.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// TickInterval is TickIntervalSeconds as a time.Duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// LockTTL is the lock expiration floor: max(55m, tick_interval + 5m).
func (c Config) LockTTL() time.Duration {
	floor := 55 * time.Minute
	computed := c.TickInterval() + 5*time.Minute
	if computed > floor {
		return computed
	}
	return floor
}
