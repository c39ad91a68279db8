// Package config handles configuration loading and validation for
// pool-dance.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the pool.
type Config struct {
	PoolDance       PoolDanceConfig       `mapstructure:"pool-dance"`
	PoolServer      PoolServerConfig      `mapstructure:"pool-server"`
	UpstreamService UpstreamServiceConfig `mapstructure:"upstream-service"`
	BlockMonitor    BlockMonitorConfig    `mapstructure:"block-monitor"`
	RoundManager    RoundManagerConfig    `mapstructure:"round-manager"`
	Log             LogConfig             `mapstructure:"log"`
	StatsAPI        StatsAPIConfig        `mapstructure:"stats-api"`
	StatsCache      StatsCacheConfig      `mapstructure:"stats-cache"`
	APM             APMConfig             `mapstructure:"apm"`
	Policy          PolicyConfig          `mapstructure:"policy"`
	Notify          NotifyConfig          `mapstructure:"notify"`
	Profiling       ProfilingConfig       `mapstructure:"profiling"`
}

// PoolDanceConfig holds the process-wide settings named in spec.md
// §6's [pool-dance] group, plus the event log path this module
// supplements (see SPEC_FULL.md §12).
type PoolDanceConfig struct {
	LogFile  string `mapstructure:"log-file" validate:"required"`
	PidFile  string `mapstructure:"pid-file"`
	User     string `mapstructure:"user"`
	Group    string `mapstructure:"group"`
	EventLog string `mapstructure:"event-log"`
}

// PoolServerConfig is spec.md §6's [pool-server] group.
type PoolServerConfig struct {
	ListenAddr string `mapstructure:"listen-addr" validate:"required"`
	ListenPort int    `mapstructure:"listen-port" validate:"required,min=1,max=65535"`
}

// UpstreamServiceConfig is spec.md §6's [upstream-service] group.
type UpstreamServiceConfig struct {
	URL           string `mapstructure:"url" validate:"required"`
	User          string `mapstructure:"user" validate:"required"`
	Password      string `mapstructure:"password" validate:"required"`
	WorkCacheSize int    `mapstructure:"work-cache-size" validate:"min=1"`
}

// BlockMonitorConfig is spec.md §6's [block-monitor] group.
type BlockMonitorConfig struct {
	Latency time.Duration `mapstructure:"latency" validate:"required"`
}

// RoundManagerConfig is spec.md §6's [round-manager] group.
type RoundManagerConfig struct {
	RoundFile string `mapstructure:"round-file" validate:"required"`
}

// LogConfig configures the ambient operational logger (SPEC_FULL.md §10).
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
	File   string `mapstructure:"file"`
}

// StatsAPIConfig drives the gin/websocket enrichment in internal/statsapi.
type StatsAPIConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Bind        string   `mapstructure:"bind"`
	CORSOrigins []string `mapstructure:"cors-origins"`
}

// StatsCacheConfig drives the Redis-backed counters in internal/statscache.
type StatsCacheConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APMConfig drives the optional New Relic agent in internal/apm.
type APMConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app-name"`
	LicenseKey string `mapstructure:"license-key"`
}

// PolicyConfig drives internal/policy's IP rate-limiting and banning.
type PolicyConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	MaxConnectionsPerIP  int           `mapstructure:"max-connections-per-ip"`
	InvalidShareRatio    float64       `mapstructure:"invalid-share-ratio"`
	InvalidShareWindow   int           `mapstructure:"invalid-share-window"`
	BanDuration          time.Duration `mapstructure:"ban-duration"`
}

// NotifyConfig drives internal/notify's block-found webhooks.
type NotifyConfig struct {
	DiscordWebhookURL  string `mapstructure:"discord-webhook-url"`
	TelegramBotToken   string `mapstructure:"telegram-bot-token"`
	TelegramChatID     string `mapstructure:"telegram-chat-id"`
}

// ProfilingConfig drives internal/profiling's pprof endpoint.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

var validate = validator.New()

// Load reads configuration from configPath (an INI file) and the
// environment, applying defaults for anything left unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("ini")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("pool-dance")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pool-dance")
	}

	v.SetEnvPrefix("POOL_DANCE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool-dance.log-file", "/var/log/pool-dance/pool-dance.log")
	v.SetDefault("pool-dance.pid-file", "/var/run/pool-dance.pid")
	v.SetDefault("pool-dance.event-log", "/var/log/pool-dance/events.log")

	v.SetDefault("pool-server.listen-addr", "0.0.0.0")
	v.SetDefault("pool-server.listen-port", 8335)

	v.SetDefault("upstream-service.work-cache-size", 10)

	v.SetDefault("block-monitor.latency", "250ms")

	v.SetDefault("round-manager.round-file", "/var/lib/pool-dance/round")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("stats-api.enabled", false)
	v.SetDefault("stats-api.bind", "0.0.0.0:8080")
	v.SetDefault("stats-api.cors-origins", []string{"*"})

	v.SetDefault("stats-cache.enabled", false)
	v.SetDefault("stats-cache.url", "127.0.0.1:6379")
	v.SetDefault("stats-cache.db", 0)

	v.SetDefault("apm.enabled", false)
	v.SetDefault("apm.app-name", "pool-dance")

	v.SetDefault("policy.enabled", true)
	v.SetDefault("policy.max-connections-per-ip", 32)
	v.SetDefault("policy.invalid-share-ratio", 0.5)
	v.SetDefault("policy.invalid-share-window", 20)
	v.SetDefault("policy.ban-duration", "10m")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")
}

// Validate checks configuration for errors: struct-tag rules first,
// then the cross-field and domain checks a tag can't express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.StatsCache.Enabled && c.StatsCache.URL == "" {
		return fmt.Errorf("stats-cache.url is required when stats-cache is enabled")
	}

	if c.APM.Enabled && c.APM.LicenseKey == "" {
		return fmt.Errorf("apm.license-key is required when apm is enabled")
	}

	if c.Policy.Enabled && c.Policy.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("policy.max-connections-per-ip must be positive when policy is enabled")
	}

	return nil
}
