package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	// Stream is created on connect when JetStream is set.
	Stream    string
	JetStream bool
	MaxAge    time.Duration
	ClientID  string
}

// NATSPublisher publishes each tick on prefix.<instrument>.<metric>.
type NATSPublisher struct {
	cfg    NATSConfig
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// NewNATSPublisher connects to the server and, with JetStream enabled,
// makes sure the stream exists.
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "quotecast.ticks"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "quotecast"
	}
	logger = logger.With(slog.String("component", "nats-publisher"))

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("feed: nats connect %s: %w", cfg.URL, err)
	}

	p := &NATSPublisher{cfg: cfg, nc: nc, logger: logger}
	if cfg.JetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("feed: jetstream context: %w", err)
		}
		p.js = js
		if err := p.ensureStream(); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) ensureStream() error {
	if p.cfg.Stream == "" {
		return fmt.Errorf("feed: jetstream enabled without a stream name")
	}
	if info, err := p.js.StreamInfo(p.cfg.Stream); err == nil {
		p.logger.Info("jetstream stream exists",
			slog.String("stream", p.cfg.Stream),
			slog.Int("subjects", len(info.Config.Subjects)))
		return nil
	}
	maxAge := p.cfg.MaxAge
	if maxAge == 0 {
		maxAge = 72 * time.Hour
	}
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:      p.cfg.Stream,
		Subjects:  []string{p.cfg.SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
		Discard:   nats.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("feed: create stream %s: %w", p.cfg.Stream, err)
	}
	p.logger.Info("jetstream stream created", slog.String("stream", p.cfg.Stream))
	return nil
}

// PublishTicks sends every tick as its own message.
func (p *NATSPublisher) PublishTicks(ctx context.Context, ticks []domain.Tick) error {
	for _, t := range ticks {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("feed: marshal tick: %w", err)
		}
		subject := Subject(p.cfg.SubjectPrefix, t.Instrument, t.Metric)
		if p.js != nil {
			_, err = p.js.Publish(subject, data, nats.Context(ctx))
		} else {
			err = p.nc.Publish(subject, data)
		}
		if err != nil {
			return fmt.Errorf("feed: publish %s: %w", subject, err)
		}
	}
	if p.js == nil {
		return p.nc.FlushWithContext(ctx)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	return p.nc.Drain()
}

// Subject builds a NATS subject. Instrument ids such as "AAPL.BATS,E"
// contain token separators, so those characters are replaced.
func Subject(prefix, instrument, metric string) string {
	return prefix + "." + subjectToken(instrument) + "." + subjectToken(metric)
}

var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return subjectReplacer.Replace(s)
}

var _ domain.TickPublisher = (*NATSPublisher)(nil)
