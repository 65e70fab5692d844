package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/quotecast/internal/blob/s3"
	"github.com/alanyoungcy/quotecast/internal/cache/redis"
	"github.com/alanyoungcy/quotecast/internal/config"
	"github.com/alanyoungcy/quotecast/internal/domain"
	"github.com/alanyoungcy/quotecast/internal/feed"
	"github.com/alanyoungcy/quotecast/internal/notify"
	"github.com/alanyoungcy/quotecast/internal/server/handler"
	"github.com/alanyoungcy/quotecast/internal/store/postgres"
	"github.com/alanyoungcy/quotecast/internal/store/sqlite"
)

// Dependencies bundles the infrastructure the modes share. Fields are nil
// when the configuration does not call for them.
type Dependencies struct {
	// Redis
	TickerCache domain.TickerCache
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter

	TickStore domain.TickStore

	// Blob storage
	BlobReader   domain.BlobReader
	BatchArchive *s3blob.BatchArchiver

	NATS     *feed.NATSPublisher
	Notifier *notify.Notifier

	// Checks feeds /api/health, keyed by dependency name.
	Checks map[string]handler.Check
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Records() || cfg.Server.ActionRateLimit > 0
}

func needsStore(cfg *config.Config) bool {
	return cfg.Records() && cfg.HasSink(config.SinkStore)
}

func needsS3(cfg *config.Config) bool {
	return cfg.Records() && cfg.HasSink(config.SinkArchive)
}

func needsNATS(cfg *config.Config) bool {
	return cfg.Records() && cfg.HasSink(config.SinkNATS)
}

// Wire constructs the dependencies cfg asks for and returns them with a
// cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Checks: map[string]handler.Check{}}

	// --- Redis ---
	if needsRedis(cfg) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.TickerCache = redis.NewTickerCache(redisClient, 0)
		deps.SignalBus = redis.NewSignalBus(redisClient, 0)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- Tick store ---
	if needsStore(cfg) {
		switch strings.ToLower(cfg.Recorder.TickStore) {
		case "postgres":
			pgClient, err := postgres.New(ctx, postgres.ClientConfig{
				DSN:      cfg.Postgres.DSN,
				Host:     cfg.Postgres.Host,
				Port:     cfg.Postgres.Port,
				Database: cfg.Postgres.Database,
				User:     cfg.Postgres.User,
				Password: cfg.Postgres.Password,
				SSLMode:  cfg.Postgres.SSLMode,
				MaxConns: cfg.Postgres.PoolMaxConns,
				MinConns: cfg.Postgres.PoolMinConns,
			})
			if err != nil {
				return fail("postgres", err)
			}
			closers = append(closers, pgClient.Close)

			if cfg.Postgres.RunMigrations {
				if err := pgClient.RunMigrations(ctx); err != nil {
					return fail("postgres migrations", err)
				}
			}
			deps.TickStore = postgres.NewTickStore(pgClient.Pool())
			deps.Checks["postgres"] = pgClient.Pool().Ping
		default:
			store, err := sqlite.Open(cfg.SQLite.Path)
			if err != nil {
				return fail("sqlite", err)
			}
			closers = append(closers, func() { _ = store.Close() })
			deps.TickStore = store
		}
	}

	// --- S3 blob storage ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.BatchArchive = s3blob.NewBatchArchiver(s3blob.NewWriter(s3Client), cfg.Recorder.ArchivePrefix)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- NATS ---
	if needsNATS(cfg) {
		pub, err := feed.NewNATSPublisher(feed.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Stream:        cfg.NATS.Stream,
			JetStream:     cfg.NATS.JetStream,
		}, logger)
		if err != nil {
			return fail("nats", err)
		}
		closers = append(closers, func() { _ = pub.Close() })
		deps.NATS = pub
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
