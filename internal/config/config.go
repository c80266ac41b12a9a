package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"signalrelay/internal/logging"
)

const envPrefix = "SIGNALRELAY"

// Source kinds.
const (
	SourceDiscord = "discord"
	SourceFile    = "file"
)

// Delivery kinds.
const (
	DeliveryWebhook  = "webhook"
	DeliveryTelegram = "telegram"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Source    SourceConfig    `mapstructure:"source"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Transform TransformConfig `mapstructure:"transform"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	State     StateConfig     `mapstructure:"state"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Status    StatusConfig    `mapstructure:"status"`
	Export    ExportConfig    `mapstructure:"export"`
	Replay    ReplayConfig    `mapstructure:"replay"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SourceConfig selects and configures the watched channel.
type SourceConfig struct {
	Kind         string        `mapstructure:"kind"`
	ServerLabel  string        `mapstructure:"server_label"`
	ChannelLabel string        `mapstructure:"channel_label"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	Discord      DiscordConfig `mapstructure:"discord"`
	File         FileConfig    `mapstructure:"file"`
}

// DiscordConfig covers the Discord REST source.
type DiscordConfig struct {
	Token           string `mapstructure:"token"`
	ChannelID       string `mapstructure:"channel_id"`
	TimestampLayout string `mapstructure:"timestamp_layout"`
}

// FileConfig points at a snapshot file kept current by an external renderer.
type FileConfig struct {
	Path string `mapstructure:"path"`
}

// RelayConfig bounds each cycle.
type RelayConfig struct {
	MaxBatchSize    int           `mapstructure:"max_batch_size"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	DeliveryEnabled bool          `mapstructure:"delivery_enabled"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
}

// FilterConfig tunes the classifier and freshness window.
type FilterConfig struct {
	MinLength     int      `mapstructure:"min_length"`
	HeaderPhrases []string `mapstructure:"header_phrases"`
	FreshMarkers  []string `mapstructure:"fresh_markers"`
	Timezone      string   `mapstructure:"timezone"`
}

// TransformConfig sets the destination template.
type TransformConfig struct {
	Mention string `mapstructure:"mention"`
	Title   string `mapstructure:"title"`
}

// DeliveryConfig selects the destination sink.
type DeliveryConfig struct {
	Kind     string         `mapstructure:"kind"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig describes the Discord webhook destination.
type WebhookConfig struct {
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	AvatarURL     string `mapstructure:"avatar_url"`
	SuccessStatus int    `mapstructure:"success_status"`
}

// TelegramConfig describes the Telegram destination.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// StateConfig locates the durable state files.
type StateConfig struct {
	CheckpointPath string        `mapstructure:"checkpoint_path"`
	LogPath        string        `mapstructure:"log_path"`
	MirrorTimeout  time.Duration `mapstructure:"mirror_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables it.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// RedisConfig enables the Redis mirror when URL is set.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StatusConfig enables the HTTP status server when Addr is set.
type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// ReplayConfig paces re-posting of archived messages.
type ReplayConfig struct {
	Delay      time.Duration `mapstructure:"delay"`
	PauseEvery int           `mapstructure:"pause_every"`
	Pause      time.Duration `mapstructure:"pause"`
}

// legacyEnv maps config keys to the environment names the standalone monitor
// used. The prefixed name always wins.
var legacyEnv = map[string]string{
	"scheduler.interval":        "CHECK_INTERVAL",
	"relay.max_batch_size":      "MAX_MESSAGES_PER_BATCH",
	"relay.max_age":             "MAX_MESSAGE_AGE_SECONDS",
	"relay.delivery_enabled":    "ENABLE_AUTO_MIGRATION",
	"delivery.webhook.url":      "DISCORD_WEBHOOK_URL",
	"source.server_label":       "SOURCE_SERVER_NAME",
	"source.channel_label":      "SOURCE_CHANNEL",
	"source.discord.token":      "DISCORD_BOT_TOKEN",
	"source.discord.channel_id": "DISCORD_CHANNEL_ID",
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "signalrelay")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.time_format", "")
	v.SetDefault("logging.caller", false)
	v.SetDefault("logging.pretty", false)
	v.SetDefault("logging.file", "")

	v.SetDefault("source.kind", SourceDiscord)
	v.SetDefault("source.server_label", "")
	v.SetDefault("source.channel_label", "")
	v.SetDefault("source.poll_timeout", "15s")
	v.SetDefault("source.discord.token", "")
	v.SetDefault("source.discord.channel_id", "")
	v.SetDefault("source.discord.timestamp_layout", time.RFC3339)
	v.SetDefault("source.file.path", "")

	v.SetDefault("relay.max_batch_size", 10)
	v.SetDefault("relay.max_age", "10s")
	v.SetDefault("relay.delivery_enabled", true)

	v.SetDefault("scheduler.interval", "500ms")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.max_backoff", "30s")

	v.SetDefault("filter.min_length", 20)
	v.SetDefault("filter.header_phrases", []string{"oculus trading signal"})
	v.SetDefault("filter.fresh_markers", []string{"just now", "today at"})
	v.SetDefault("filter.timezone", "Local")

	v.SetDefault("transform.mention", "@everyone")
	v.SetDefault("transform.title", "***SULTAN TRADING SIGNAL:***")

	v.SetDefault("delivery.kind", DeliveryWebhook)
	v.SetDefault("delivery.timeout", "10s")
	v.SetDefault("delivery.webhook.url", "")
	v.SetDefault("delivery.webhook.username", "Signal Monitor")
	v.SetDefault("delivery.webhook.avatar_url", "")
	v.SetDefault("delivery.webhook.success_status", 204)
	v.SetDefault("delivery.telegram.bot_token", "")
	v.SetDefault("delivery.telegram.chat_id", "")
	v.SetDefault("delivery.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("state.checkpoint_path", "monitor_state.json")
	v.SetDefault("state.log_path", "monitored_messages.json")
	v.SetDefault("state.mirror_timeout", "5s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.advisory_lock_key", int64(0x5349474e))

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "signalrelay")

	v.SetDefault("status.addr", "")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("replay.delay", "2s")
	v.SetDefault("replay.pause_every", 10)
	v.SetDefault("replay.pause", "30s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHook(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// secondsToDurationHook accepts bare numbers of seconds, such as "0.5", for
// duration fields.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return data, nil
			}
			return time.Duration(secs * float64(time.Second)), nil
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Relay.MaxBatchSize <= 0 {
		return fmt.Errorf("relay.max_batch_size must be greater than zero")
	}
	if c.Relay.MaxAge <= 0 {
		return fmt.Errorf("relay.max_age must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Filter.MinLength < 0 {
		return fmt.Errorf("filter.min_length cannot be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Source.Kind {
	case SourceDiscord, SourceFile:
	default:
		return fmt.Errorf("unknown source.kind %q", c.Source.Kind)
	}
	switch c.Delivery.Kind {
	case DeliveryWebhook, DeliveryTelegram:
	default:
		return fmt.Errorf("unknown delivery.kind %q", c.Delivery.Kind)
	}
	return nil
}

// ValidateIdentity checks the credentials the monitor needs to read the
// source channel and, when delivery is enabled, to post to the destination.
func (c *Config) ValidateIdentity() error {
	switch c.Source.Kind {
	case SourceDiscord:
		if c.Source.Discord.Token == "" {
			return fmt.Errorf("source.discord.token is required")
		}
		if c.Source.Discord.ChannelID == "" {
			return fmt.Errorf("source.discord.channel_id is required")
		}
	case SourceFile:
		if c.Source.File.Path == "" {
			return fmt.Errorf("source.file.path is required")
		}
	}

	if c.Relay.DeliveryEnabled {
		if err := c.Delivery.ValidateSink(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSink checks the selected destination is fully configured.
func (d DeliveryConfig) ValidateSink() error {
	switch d.Kind {
	case DeliveryWebhook:
		if d.Webhook.URL == "" {
			return fmt.Errorf("delivery.webhook.url is required when delivery is enabled")
		}
	case DeliveryTelegram:
		if d.Telegram.BotToken == "" {
			return fmt.Errorf("delivery.telegram.bot_token is required when delivery is enabled")
		}
		if d.Telegram.ChatID == "" {
			return fmt.Errorf("delivery.telegram.chat_id is required when delivery is enabled")
		}
	}
	return nil
}

// Location resolves filter.timezone.
func (c *Config) Location() (*time.Location, error) {
	switch strings.TrimSpace(c.Filter.Timezone) {
	case "", "Local", "local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Filter.Timezone)
	if err != nil {
		return nil, fmt.Errorf("filter.timezone: %w", err)
	}
	return loc, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
