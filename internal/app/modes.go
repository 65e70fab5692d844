package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/quotecast/internal/config"
	"github.com/alanyoungcy/quotecast/internal/domain"
	"github.com/alanyoungcy/quotecast/internal/feed"
	"github.com/alanyoungcy/quotecast/internal/pipeline"
	"github.com/alanyoungcy/quotecast/internal/quotecast"
	"github.com/alanyoungcy/quotecast/internal/relay"
	"github.com/alanyoungcy/quotecast/internal/server"
	"github.com/alanyoungcy/quotecast/internal/server/handler"
	"github.com/alanyoungcy/quotecast/internal/server/ws"
)

// newAPI builds a quotecast API over its own session and transport.
func newAPI(cfg *config.Config, logger *slog.Logger) *quotecast.API {
	q := cfg.Quotecast
	transport := quotecast.NewHTTPTransport(quotecast.HTTPTransportConfig{
		Timeout:            q.Timeout.Duration,
		InsecureSkipVerify: q.InsecureSkipVerify,
		UserAgent:          q.UserAgent,
	})
	session := quotecast.NewSession(quotecast.Config{
		QuotecastURL: q.URL,
		ChartURL:     q.ChartURL,
		Referrer:     q.Referrer,
		Version:      q.Version,
		UserToken:    q.UserToken,
	}, transport, logger)
	return quotecast.NewAPI(session, q.ForwardFill, logger)
}

// RelayMode serves the action API over gRPC and HTTP. Callers drive the
// session with set_config, subscribe and fetch_data.
func (a *App) RelayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting relay mode")

	g, ctx := errgroup.WithContext(ctx)
	api, err := a.startRelay(ctx, g)
	if err != nil {
		return err
	}
	a.startHTTP(ctx, g, deps, httpParts{table: api, actions: api})

	return ignoreCanceled(g.Wait())
}

// RecordMode polls the configured subscriptions continuously and fans every
// batch out to the configured sinks. The HTTP API exposes the live table.
func (a *App) RecordMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting record mode")

	g, ctx := errgroup.WithContext(ctx)
	api, orch, err := a.buildRecorder(deps)
	if err != nil {
		return err
	}
	g.Go(func() error { return orch.Run(ctx) })
	a.startHTTP(ctx, g, deps, httpParts{
		table:   api,
		actions: api,
		extras:  recorderExtras(orch),
	})

	return ignoreCanceled(g.Wait())
}

// FullMode runs the relay and the recorder on separate upstream sessions so
// relay callers cannot disturb the recorder's subscriptions or its poll.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	relayAPI, err := a.startRelay(ctx, g)
	if err != nil {
		return err
	}

	recAPI, orch, err := a.buildRecorder(deps)
	if err != nil {
		return err
	}
	g.Go(func() error { return orch.Run(ctx) })

	extras := recorderExtras(orch)
	extras["relay_session"] = func() any { return relayAPI.Status() }
	a.startHTTP(ctx, g, deps, httpParts{table: recAPI, actions: relayAPI, extras: extras})

	return ignoreCanceled(g.Wait())
}

// startRelay builds the relay API, optionally connects it, and serves it
// over gRPC in g.
func (a *App) startRelay(ctx context.Context, g *errgroup.Group) (*quotecast.API, error) {
	api := newAPI(a.cfg, a.logger)
	if err := api.Preload(); err != nil {
		return nil, err
	}

	if a.cfg.Relay.AutoConnect {
		if err := api.Connect(ctx); err != nil {
			a.logger.WarnContext(ctx, "relay: auto-connect failed, waiting for set_config",
				slog.String("error", err.Error()))
		}
	}

	srv := relay.NewServer(relay.ServerConfig{
		Addr:            a.cfg.Relay.Addr,
		MaxMessageBytes: a.cfg.Relay.MaxMessageBytes,
		ShutdownTimeout: a.cfg.Relay.ShutdownTimeout.Duration,
	}, relay.NewService(api, a.logger), a.logger)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		api.Disconnect()
		return nil
	})
	return api, nil
}

// buildRecorder assembles the recorder API, its sinks and the optional
// archiver.
func (a *App) buildRecorder(deps *Dependencies) (*quotecast.API, *pipeline.Orchestrator, error) {
	rc := a.cfg.Recorder
	api := newAPI(a.cfg, a.logger)

	var sinks []pipeline.Sink
	var archiver *pipeline.Archiver
	for _, name := range rc.Sinks {
		switch strings.ToLower(name) {
		case config.SinkCache:
			sinks = append(sinks, pipeline.NewCacheSink(deps.TickerCache, api.Table()))
		case config.SinkBus:
			sinks = append(sinks, pipeline.NewPublisherSink(feed.NewBusPublisher(deps.SignalBus)))
		case config.SinkStore:
			sinks = append(sinks, pipeline.NewStoreSink(deps.TickStore))
		case config.SinkNATS:
			sinks = append(sinks, pipeline.NewPublisherSink(deps.NATS))
		case config.SinkArchive:
			archiver = pipeline.NewArchiver(deps.BatchArchive, rc.ArchiveInterval.Duration, a.logger)
			sinks = append(sinks, archiver)
		}
	}

	opts := []pipeline.RecorderOption{
		pipeline.WithSinks(sinks...),
		pipeline.WithLock(deps.LockManager),
		pipeline.WithNotifier(deps.Notifier),
	}
	if deps.SignalBus != nil {
		opts = append(opts, pipeline.WithStatusPublisher(feed.NewBusPublisher(deps.SignalBus)))
	}
	if rc.Venue != "" {
		hours, err := pipeline.NewTradingHours(rc.Venue)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, pipeline.WithGate(hours))
	}

	rec := pipeline.NewRecorder(api, pipeline.RecorderConfig{
		PollInterval:   rc.PollInterval.Duration,
		ConnectMaxWait: rc.ConnectMaxWait.Duration,
		Subscriptions:  rc.Subscriptions,
		LockKey:        rc.LockKey,
		LockTTL:        rc.LockTTL.Duration,
	}, a.logger, opts...)

	return api, pipeline.NewOrchestrator(rec, archiver, a.logger), nil
}

func recorderExtras(orch *pipeline.Orchestrator) map[string]func() any {
	return map[string]func() any{
		"recorder": func() any { return orch.Recorder().Stats() },
	}
}

// httpParts selects which API backs each group of routes.
type httpParts struct {
	table   *quotecast.API
	actions *quotecast.API
	extras  map[string]func() any
}

// startHTTP serves the HTTP API, and the WebSocket hub when a bus exists,
// in g. It does nothing when the server is disabled.
func (a *App) startHTTP(ctx context.Context, g *errgroup.Group, deps *Dependencies, p httpParts) {
	sc := a.cfg.Server
	if !sc.Enabled {
		return
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, p.table, p.extras),
		Tickers: handler.NewTickerHandler(p.table, deps.TickerCache, deps.TickStore, a.logger),
		Actions: handler.NewActionHandler(p.actions, a.logger),
	}
	if deps.BlobReader != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:     a.cfg.Mode,
			Snapshot: func() domain.TickerTable { return p.table.Table().Snapshot() },
		})
		g.Go(func() error { return hub.Run(ctx) })
	}

	srv := server.NewServer(server.Config{
		Port:            sc.Port,
		CORSOrigins:     sc.CORSOrigins,
		APIKey:          sc.APIKey,
		ActionLimit:     sc.ActionRateLimit,
		ActionWindow:    sc.ActionRateWindow.Duration,
		ShutdownTimeout: 10 * time.Second,
	}, handlers, hub, deps.RateLimiter, a.logger)
	g.Go(func() error { return srv.Run(ctx) })
}

// ignoreCanceled treats a context cancellation as a clean stop.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
