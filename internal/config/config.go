// Package config defines the top-level configuration for the quotecast
// relay and recorder, and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure. Fields are populated from a
// TOML or YAML file and then optionally overridden by QUOTECAST_* environment
// variables.
type Config struct {
	Quotecast QuotecastConfig `toml:"quotecast" yaml:"quotecast"`
	Relay     RelayConfig     `toml:"relay" yaml:"relay"`
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Recorder  RecorderConfig  `toml:"recorder" yaml:"recorder"`
	Redis     RedisConfig     `toml:"redis" yaml:"redis"`
	Postgres  PostgresConfig  `toml:"postgres" yaml:"postgres"`
	SQLite    SQLiteConfig    `toml:"sqlite" yaml:"sqlite"`
	S3        S3Config        `toml:"s3" yaml:"s3"`
	NATS      NATSConfig      `toml:"nats" yaml:"nats"`
	Notify    NotifyConfig    `toml:"notify" yaml:"notify"`
	Mode      string          `toml:"mode" yaml:"mode"`
	LogLevel  string          `toml:"log_level" yaml:"log_level"`
}

// QuotecastConfig holds the upstream endpoints and credential.
type QuotecastConfig struct {
	URL                string   `toml:"url" yaml:"url"`
	ChartURL           string   `toml:"chart_url" yaml:"chart_url"`
	Referrer           string   `toml:"referrer" yaml:"referrer"`
	Version            string   `toml:"version" yaml:"version"`
	UserToken          int64    `toml:"user_token" yaml:"user_token"`
	Timeout            duration `toml:"timeout" yaml:"timeout"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	UserAgent          string   `toml:"user_agent" yaml:"user_agent"`
	ForwardFill        bool     `toml:"forward_fill" yaml:"forward_fill"`
}

// RelayConfig holds the gRPC relay listener parameters.
type RelayConfig struct {
	Addr            string   `toml:"addr" yaml:"addr"`
	MaxMessageBytes int      `toml:"max_message_bytes" yaml:"max_message_bytes"`
	ShutdownTimeout duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	// AutoConnect opens the upstream session at startup when a user token
	// is configured, instead of waiting for a set_config call.
	AutoConnect bool `toml:"auto_connect" yaml:"auto_connect"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled" yaml:"enabled"`
	Port        int      `toml:"port" yaml:"port"`
	CORSOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
	APIKey      string   `toml:"api_key" yaml:"api_key"`

	// ActionRateLimit caps POST /api/actions calls per client per
	// ActionRateWindow. Zero disables the limit; a non-zero value needs Redis.
	ActionRateLimit  int      `toml:"action_rate_limit" yaml:"action_rate_limit"`
	ActionRateWindow duration `toml:"action_rate_window" yaml:"action_rate_window"`
}

// RecorderConfig controls the continuous polling service.
type RecorderConfig struct {
	PollInterval    duration            `toml:"poll_interval" yaml:"poll_interval"`
	Subscriptions   map[string][]string `toml:"subscriptions" yaml:"subscriptions"`
	Sinks           []string            `toml:"sinks" yaml:"sinks"`
	TickStore       string              `toml:"tick_store" yaml:"tick_store"`
	Venue           string              `toml:"venue" yaml:"venue"`
	LockKey         string              `toml:"lock_key" yaml:"lock_key"`
	LockTTL         duration            `toml:"lock_ttl" yaml:"lock_ttl"`
	ConnectMaxWait  duration            `toml:"connect_max_wait" yaml:"connect_max_wait"`
	ArchiveInterval duration            `toml:"archive_interval" yaml:"archive_interval"`
	ArchivePrefix   string              `toml:"archive_prefix" yaml:"archive_prefix"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr" yaml:"addr"`
	Password   string `toml:"password" yaml:"password"`
	DB         int    `toml:"db" yaml:"db"`
	PoolSize   int    `toml:"pool_size" yaml:"pool_size"`
	MaxRetries int    `toml:"max_retries" yaml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled" yaml:"tls_enabled"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn" yaml:"dsn"`
	Host          string `toml:"host" yaml:"host"`
	Port          int    `toml:"port" yaml:"port"`
	Database      string `toml:"database" yaml:"database"`
	User          string `toml:"user" yaml:"user"`
	Password      string `toml:"password" yaml:"password"`
	SSLMode       string `toml:"ssl_mode" yaml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns" yaml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns" yaml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations" yaml:"run_migrations"`
}

// SQLiteConfig holds the local tick database location.
type SQLiteConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Region         string `toml:"region" yaml:"region"`
	Bucket         string `toml:"bucket" yaml:"bucket"`
	AccessKey      string `toml:"access_key" yaml:"access_key"`
	SecretKey      string `toml:"secret_key" yaml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl" yaml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style" yaml:"force_path_style"`
}

// NATSConfig holds the message bus used to publish ticks.
type NATSConfig struct {
	URL           string `toml:"url" yaml:"url"`
	SubjectPrefix string `toml:"subject_prefix" yaml:"subject_prefix"`
	Stream        string `toml:"stream" yaml:"stream"`
	JetStream     bool   `toml:"jetstream" yaml:"jetstream"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" yaml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id" yaml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" yaml:"discord_webhook_url"`
	Events            []string `toml:"events" yaml:"events"`
}

// duration is a wrapper around time.Duration that decodes from strings such
// as "5m" or "30s" in both TOML and YAML.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Sink names accepted in recorder.sinks.
const (
	SinkCache   = "cache"
	SinkBus     = "bus"
	SinkStore   = "store"
	SinkNATS    = "nats"
	SinkArchive = "archive"
)

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Quotecast: QuotecastConfig{
			URL:         "https://degiro.quotecast.vwdservices.com/CORS",
			ChartURL:    "https://charting.vwdservices.com/hchart/v1/deGiro/data.js",
			Referrer:    "https://trader.degiro.nl",
			Version:     "1.0.20201211",
			Timeout:     duration{15 * time.Second},
			ForwardFill: true,
		},
		Relay: RelayConfig{
			Addr:            ":50051",
			MaxMessageBytes: 10 * 1024 * 1024,
			ShutdownTimeout: duration{10 * time.Second},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			ActionRateWindow: duration{time.Minute},
		},
		Recorder: RecorderConfig{
			PollInterval:    duration{time.Second},
			Subscriptions:   map[string][]string{},
			Sinks:           []string{SinkCache, SinkBus},
			TickStore:       "sqlite",
			LockKey:         "quotecast:poller",
			LockTTL:         duration{30 * time.Second},
			ConnectMaxWait:  duration{2 * time.Minute},
			ArchiveInterval: duration{5 * time.Minute},
			ArchivePrefix:   "batches",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "quotecast",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{
			Path: "quotecast.db",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "quotecast-data",
			ForcePathStyle: true,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "quotecast.ticks",
			Stream:        "QUOTECAST",
		},
		Notify: NotifyConfig{
			Events: []string{"session_reconnected", "fetch_failed", "session_rejected"},
		},
		Mode:     "relay",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"relay":  true,
	"record": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSinks = map[string]bool{
	SinkCache:   true,
	SinkBus:     true,
	SinkStore:   true,
	SinkNATS:    true,
	SinkArchive: true,
}

// HasSink reports whether the recorder fans out to sink.
func (c *Config) HasSink(sink string) bool {
	for _, s := range c.Recorder.Sinks {
		if strings.EqualFold(s, sink) {
			return true
		}
	}
	return false
}

// Records reports whether the mode runs the recorder.
func (c *Config) Records() bool {
	m := strings.ToLower(c.Mode)
	return m == "record" || m == "full"
}

// Relays reports whether the mode runs the gRPC relay.
func (c *Config) Relays() bool {
	m := strings.ToLower(c.Mode)
	return m == "relay" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: relay, record, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Quotecast
	if c.Quotecast.URL == "" {
		errs = append(errs, "quotecast: url must not be empty")
	}
	if c.Quotecast.ChartURL == "" {
		errs = append(errs, "quotecast: chart_url must not be empty")
	}
	if c.Quotecast.UserToken < 0 {
		errs = append(errs, "quotecast: user_token must not be negative")
	}
	if c.Quotecast.Timeout.Duration <= 0 {
		errs = append(errs, "quotecast: timeout must be > 0")
	}

	// Relay
	if c.Relays() {
		if c.Relay.Addr == "" {
			errs = append(errs, "relay: addr must not be empty")
		}
		if c.Relay.MaxMessageBytes < 0 {
			errs = append(errs, "relay: max_message_bytes must be >= 0")
		}
		if c.Relay.AutoConnect && c.Quotecast.UserToken == 0 {
			errs = append(errs, "relay: auto_connect requires quotecast.user_token")
		}
	}

	// Recorder. Nobody calls set_config, so the token must come from config.
	if c.Records() {
		if c.Quotecast.UserToken == 0 {
			errs = append(errs, "recorder: quotecast.user_token is required for mode "+c.Mode)
		}
		if len(c.Recorder.Subscriptions) == 0 {
			errs = append(errs, "recorder: subscriptions must not be empty")
		}
		if c.Recorder.PollInterval.Duration <= 0 {
			errs = append(errs, "recorder: poll_interval must be > 0")
		}
		if c.Recorder.LockTTL.Duration < time.Second {
			errs = append(errs, "recorder: lock_ttl must be >= 1s")
		}
		for _, s := range c.Recorder.Sinks {
			if !validSinks[strings.ToLower(s)] {
				errs = append(errs, fmt.Sprintf("recorder: unknown sink %q (valid: cache, bus, store, nats, archive)", s))
			}
		}
		if c.HasSink(SinkStore) {
			switch strings.ToLower(c.Recorder.TickStore) {
			case "postgres":
				errs = append(errs, c.validatePostgres()...)
			case "sqlite":
				if c.SQLite.Path == "" {
					errs = append(errs, "sqlite: path must not be empty")
				}
			default:
				errs = append(errs, fmt.Sprintf("recorder: unknown tick_store %q (valid: postgres, sqlite)", c.Recorder.TickStore))
			}
		}
		if c.HasSink(SinkNATS) {
			if c.NATS.URL == "" {
				errs = append(errs, "nats: url must not be empty")
			}
			if c.NATS.SubjectPrefix == "" {
				errs = append(errs, "nats: subject_prefix must not be empty")
			}
			if c.NATS.JetStream && c.NATS.Stream == "" {
				errs = append(errs, "nats: stream must not be empty when jetstream is enabled")
			}
		}
		if c.HasSink(SinkArchive) {
			if c.S3.Bucket == "" {
				errs = append(errs, "s3: bucket must not be empty")
			}
			if c.Recorder.ArchiveInterval.Duration <= 0 {
				errs = append(errs, "recorder: archive_interval must be > 0")
			}
		}
		// Redis backs the poller lock, so the recorder always needs it.
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.ActionRateLimit < 0 {
			errs = append(errs, "server: action_rate_limit must be >= 0")
		}
		if c.Server.ActionRateLimit > 0 && c.Server.ActionRateWindow.Duration <= 0 {
			errs = append(errs, "server: action_rate_window must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validatePostgres() []string {
	var errs []string
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}
	return errs
}
