package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration file at path, merges it on top of the built-in
// defaults, applies QUOTECAST_* environment variable overrides, and returns
// the final Config. Files ending in .yaml or .yml are decoded as YAML,
// anything else as TOML. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known QUOTECAST_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject the user token and other secrets at
// deploy time without touching the config file.
func applyEnvOverrides(cfg *Config) {
	// ── Quotecast ──
	setStr(&cfg.Quotecast.URL, "QUOTECAST_URL")
	setStr(&cfg.Quotecast.ChartURL, "QUOTECAST_CHART_URL")
	setStr(&cfg.Quotecast.Referrer, "QUOTECAST_REFERRER")
	setStr(&cfg.Quotecast.Version, "QUOTECAST_VERSION")
	setInt64(&cfg.Quotecast.UserToken, "QUOTECAST_USER_TOKEN")
	setDuration(&cfg.Quotecast.Timeout, "QUOTECAST_TIMEOUT")
	setBool(&cfg.Quotecast.InsecureSkipVerify, "QUOTECAST_INSECURE_SKIP_VERIFY")
	setStr(&cfg.Quotecast.UserAgent, "QUOTECAST_USER_AGENT")
	setBool(&cfg.Quotecast.ForwardFill, "QUOTECAST_FORWARD_FILL")

	// ── Relay ──
	setStr(&cfg.Relay.Addr, "QUOTECAST_RELAY_ADDR")
	setInt(&cfg.Relay.MaxMessageBytes, "QUOTECAST_RELAY_MAX_MESSAGE_BYTES")
	setDuration(&cfg.Relay.ShutdownTimeout, "QUOTECAST_RELAY_SHUTDOWN_TIMEOUT")
	setBool(&cfg.Relay.AutoConnect, "QUOTECAST_RELAY_AUTO_CONNECT")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "QUOTECAST_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "QUOTECAST_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "QUOTECAST_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "QUOTECAST_SERVER_API_KEY")
	setInt(&cfg.Server.ActionRateLimit, "QUOTECAST_SERVER_ACTION_RATE_LIMIT")
	setDuration(&cfg.Server.ActionRateWindow, "QUOTECAST_SERVER_ACTION_RATE_WINDOW")

	// ── Recorder ──
	setDuration(&cfg.Recorder.PollInterval, "QUOTECAST_RECORDER_POLL_INTERVAL")
	setSubscriptions(&cfg.Recorder.Subscriptions, "QUOTECAST_RECORDER_SUBSCRIPTIONS")
	setStringSlice(&cfg.Recorder.Sinks, "QUOTECAST_RECORDER_SINKS")
	setStr(&cfg.Recorder.TickStore, "QUOTECAST_RECORDER_TICK_STORE")
	setStr(&cfg.Recorder.Venue, "QUOTECAST_RECORDER_VENUE")
	setStr(&cfg.Recorder.LockKey, "QUOTECAST_RECORDER_LOCK_KEY")
	setDuration(&cfg.Recorder.LockTTL, "QUOTECAST_RECORDER_LOCK_TTL")
	setDuration(&cfg.Recorder.ConnectMaxWait, "QUOTECAST_RECORDER_CONNECT_MAX_WAIT")
	setDuration(&cfg.Recorder.ArchiveInterval, "QUOTECAST_RECORDER_ARCHIVE_INTERVAL")
	setStr(&cfg.Recorder.ArchivePrefix, "QUOTECAST_RECORDER_ARCHIVE_PREFIX")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "QUOTECAST_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "QUOTECAST_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "QUOTECAST_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "QUOTECAST_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "QUOTECAST_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "QUOTECAST_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "QUOTECAST_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "QUOTECAST_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "QUOTECAST_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "QUOTECAST_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "QUOTECAST_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "QUOTECAST_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "QUOTECAST_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "QUOTECAST_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "QUOTECAST_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "QUOTECAST_POSTGRES_RUN_MIGRATIONS")

	// ── SQLite ──
	setStr(&cfg.SQLite.Path, "QUOTECAST_SQLITE_PATH")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "QUOTECAST_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "QUOTECAST_S3_REGION")
	setStr(&cfg.S3.Bucket, "QUOTECAST_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "QUOTECAST_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "QUOTECAST_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "QUOTECAST_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "QUOTECAST_S3_FORCE_PATH_STYLE")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "QUOTECAST_NATS_URL")
	setStr(&cfg.NATS.SubjectPrefix, "QUOTECAST_NATS_SUBJECT_PREFIX")
	setStr(&cfg.NATS.Stream, "QUOTECAST_NATS_STREAM")
	setBool(&cfg.NATS.JetStream, "QUOTECAST_NATS_JETSTREAM")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "QUOTECAST_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "QUOTECAST_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "QUOTECAST_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "QUOTECAST_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "QUOTECAST_MODE")
	setStr(&cfg.LogLevel, "QUOTECAST_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setSubscriptions parses "ID:Metric|Metric;ID:Metric". Instrument ids may
// contain dots and commas, so neither is used as a separator.
func setSubscriptions(dst *map[string][]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	out := make(map[string][]string)
	for _, entry := range strings.Split(v, ";") {
		id, metrics, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || id == "" {
			continue
		}
		for _, m := range strings.Split(metrics, "|") {
			if m = strings.TrimSpace(m); m != "" {
				out[id] = append(out[id], m)
			}
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
