package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/crypto"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/feed"
	"github.com/alanyoungcy/polybook/internal/platform/advisor"
	"github.com/alanyoungcy/polybook/internal/platform/polymarket"
	"github.com/alanyoungcy/polybook/internal/server"
	"github.com/alanyoungcy/polybook/internal/server/handler"
	"github.com/alanyoungcy/polybook/internal/service"
	"github.com/alanyoungcy/polybook/internal/strategy"
	"github.com/alanyoungcy/polybook/internal/topology"
)

// LiveMode streams the configured markets into the decision loop and
// places IOC orders, or paper fills when trading.dry_run is on.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode", slog.Bool("dry_run", a.cfg.Trading.DryRun))

	topo, ids, err := a.resolve(ctx, deps)
	if err != nil {
		return err
	}
	registry, err := a.newRegistry(topo)
	if err != nil {
		return err
	}

	exec, err := a.buildExecutor(ctx, deps, topo)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if err := a.holdMarketLocks(gctx, g, deps, topo); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	provider := advisor.New(a.cfg.Advisor.Endpoint, a.cfg.Advisor.APIKey, a.cfg.Advisor.Timeout.Duration)
	loop := strategy.NewDecisionLoop(strategy.Config{
		MaxSize:     a.cfg.Trading.MaxSize,
		MaxPosition: a.cfg.Trading.MaxPosition,
		Throttle:    a.cfg.Trading.Throttle.Duration,
		Depth:       a.cfg.Trading.Depth,
		WindowSize:  a.cfg.Trading.WindowSize,
	}, provider, exec, a.logger, strategy.WithInstruments(topo))

	// The coalescer keeps the feed reader off the slow provider call.
	coalescer := feed.NewCoalescer(loop, a.logger)
	g.Go(func() error { return coalescer.Run(gctx) })

	var handlers feed.MultiHandler
	if deps.BookMirror != nil {
		handlers = append(handlers, deps.BookMirror)
	}
	handlers = append(handlers, coalescer)

	if deps.SignalBus != nil {
		since := time.Now().Add(-a.cfg.Trading.SignalBackfill.Duration)
		for _, m := range topo.Markets() {
			slug := m.Slug
			if a.cfg.Trading.SignalBackfill.Duration > 0 {
				n, err := loop.BackfillSignals(gctx, deps.SignalBus, slug, since)
				if err != nil {
					a.logger.WarnContext(ctx, "signal backfill failed",
						slog.String("market", slug),
						slog.String("error", err.Error()),
					)
				} else if n > 0 {
					a.logger.InfoContext(ctx, "signals backfilled", slog.String("market", slug), slog.Int("signals", n))
				}
			}
			g.Go(func() error { return loop.FollowSignals(gctx, deps.SignalBus, slug) })
		}
	}

	sup := a.supervisor(registry, ids, handlers, nil)
	g.Go(func() error { return feedDone(sup.Run(gctx)) })
	a.serveStatus(gctx, g, deps, registry)

	err = g.Wait()
	a.feedClosed(deps, topo, err)
	return modeResult(ctx, err)
}

// WatchMode streams the configured markets and logs the book report every
// feed.report_interval.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watch mode")

	topo, ids, err := a.resolve(ctx, deps)
	if err != nil {
		return err
	}
	registry, err := a.newRegistry(topo)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var h feed.BookHandler
	if deps.BookMirror != nil {
		h = deps.BookMirror
	}
	sup := a.supervisor(registry, ids, h, nil)
	g.Go(func() error { return feedDone(sup.Run(gctx)) })
	g.Go(func() error { return a.logReports(gctx, registry) })
	a.serveStatus(gctx, g, deps, registry)

	err = g.Wait()
	a.logReport(registry.Report())
	a.feedClosed(deps, topo, err)
	return modeResult(ctx, err)
}

// RecordMode writes every inbound book object to a local NDJSON file and
// uploads it to S3 on exit when record.upload is on.
func (a *App) RecordMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting record mode")

	topo, ids, err := a.resolve(ctx, deps)
	if err != nil {
		return err
	}
	registry, err := a.newRegistry(topo)
	if err != nil {
		return err
	}

	name := a.cfg.Markets.EventSlug
	if a.cfg.Markets.MarketSlug != "" {
		name = a.cfg.Markets.MarketSlug
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	rec, err := feed.NewRecorder(filepath.Join(a.cfg.Record.Dir, name+"-"+stamp+".jsonl"), topo, a.logger)
	if err != nil {
		return fmt.Errorf("app: record: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var h feed.BookHandler
	if deps.BookMirror != nil {
		h = deps.BookMirror
	}
	sup := a.supervisor(registry, ids, h, rec)
	g.Go(func() error { return feedDone(sup.Run(gctx)) })
	g.Go(func() error { return a.logReports(gctx, registry) })
	a.serveStatus(gctx, g, deps, registry)

	runErr := g.Wait()
	a.feedClosed(deps, topo, runErr)

	var saveErr error
	if a.cfg.Record.Upload && deps.BlobWriter != nil {
		key := fmt.Sprintf("recordings/%s/%s.jsonl", name, stamp)
		uploadCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		saveErr = rec.Upload(uploadCtx, deps.BlobWriter, key)
		cancel()
	} else {
		saveErr = rec.Close()
	}
	if saveErr != nil {
		return fmt.Errorf("app: record: %w", saveErr)
	}
	a.logger.Info("recording saved", slog.String("path", rec.Path()), slog.Int("lines", rec.Lines()))
	return modeResult(ctx, runErr)
}

// resolve looks up the configured event (and optional market) and returns
// the topology with every instrument id to subscribe to.
func (a *App) resolve(ctx context.Context, deps *Dependencies) (*topology.Topology, []string, error) {
	topo := topology.New(deps.Gamma, a.logger)
	ids, err := topo.Resolve(ctx, a.cfg.Markets.EventSlug, a.cfg.Markets.MarketSlug)
	if err != nil {
		return nil, nil, fmt.Errorf("app: resolve markets: %w", err)
	}
	a.logger.InfoContext(ctx, "markets resolved",
		slog.String("event", a.cfg.Markets.EventSlug),
		slog.Int("markets", len(topo.Markets())),
		slog.Int("instruments", len(ids)),
	)
	return topo, ids, nil
}

func (a *App) newRegistry(topo *topology.Topology) (*book.Registry, error) {
	mode, err := book.ParseMode(a.cfg.Feed.BookMode)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return book.NewRegistry(
		book.WithLookup(topo),
		book.WithMode(mode),
		book.WithDepth(a.cfg.Feed.Depth),
	), nil
}

// supervisor builds connections that share one registry, so books survive
// a reconnect until the venue sends fresh snapshots.
func (a *App) supervisor(registry *book.Registry, ids []string, h feed.BookHandler, tap feed.FrameTap) *feed.Supervisor {
	cfg := feed.Config{
		URL:               a.cfg.FeedURL(),
		AssetIDs:          ids,
		HeartbeatInterval: a.cfg.Feed.Heartbeat.Duration,
		ReadTimeout:       a.cfg.Feed.ReadTimeout.Duration,
	}
	return &feed.Supervisor{
		New: func() *feed.Connection {
			return feed.NewConnection(cfg, registry, h, tap, a.logger)
		},
		Reconnect: a.cfg.Feed.Reconnect,
		Delay:     a.cfg.Feed.ReconnectDelay.Duration,
		Logger:    a.logger,
	}
}

// holdMarketLocks takes one Redis lock per market so a second process
// configured for the same markets refuses to trade them. Losing a lock
// ends the mode.
func (a *App) holdMarketLocks(ctx context.Context, g *errgroup.Group, deps *Dependencies, topo *topology.Topology) error {
	if deps.LockManager == nil {
		return nil
	}
	for _, m := range topo.Markets() {
		slug := m.Slug
		lost, err := deps.LockManager.Hold(ctx, "market:"+slug, a.cfg.Trading.LockTTL.Duration)
		if err != nil {
			return fmt.Errorf("app: market %s: %w", slug, err)
		}
		g.Go(func() error {
			<-lost
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("app: market lock %s lost", slug)
		})
	}
	return nil
}

// buildExecutor returns the paper executor in dry-run mode and otherwise a
// signing OrderService with API credentials from config or derived from the
// wallet key.
func (a *App) buildExecutor(ctx context.Context, deps *Dependencies, topo *topology.Topology) (strategy.Executor, error) {
	if a.cfg.Trading.DryRun {
		a.logger.InfoContext(ctx, "trading.dry_run is on; orders are paper-filled")
		return service.NewPaperExecutor(deps.OrderLog, a.logger), nil
	}

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: load wallet key: %w", err)
	}
	exchange := crypto.ExchangeAddress
	if a.cfg.Polymarket.NegRisk {
		exchange = crypto.NegRiskExchangeAddress
	}
	signer, err := crypto.NewSigner(key, a.cfg.Polymarket.ChainID, exchange)
	if err != nil {
		return nil, fmt.Errorf("app: signer: %w", err)
	}

	var auth *crypto.HMACAuth
	if a.cfg.API.Key != "" {
		auth = &crypto.HMACAuth{
			Key:        a.cfg.API.Key,
			Secret:     a.cfg.API.Secret,
			Passphrase: a.cfg.API.Passphrase,
		}
	}
	clob := polymarket.NewClobClient(a.cfg.Polymarket.ClobHost, signer, auth)
	if a.cfg.Wallet.Funder != "" {
		clob = clob.WithFunder(a.cfg.Wallet.Funder, a.cfg.Polymarket.SignatureType)
	}
	if !clob.HasCredentials() {
		if err := clob.DeriveAPIKey(ctx); err != nil {
			return nil, fmt.Errorf("app: derive api key: %w", err)
		}
		a.logger.InfoContext(ctx, "derived clob api key", slog.String("address", signer.Address().Hex()))
	}

	opts := []service.OrderOption{
		service.WithNotifier(deps.Notifier),
		service.WithMarkets(topo),
		service.WithFunder(a.cfg.Wallet.Funder, a.cfg.Polymarket.SignatureType),
	}
	if deps.OrderLog != nil {
		opts = append(opts, service.WithOrderLog(deps.OrderLog))
	}
	if deps.SignalBus != nil {
		opts = append(opts, service.WithBus(deps.SignalBus))
	}
	if deps.RateLimiter != nil {
		opts = append(opts, service.WithRateLimiter(deps.RateLimiter))
	}
	return service.NewOrderService(clob, signer, a.logger, opts...), nil
}

// serveStatus starts the status server in g when metrics are enabled.
// registry may be nil in modes without a feed.
func (a *App) serveStatus(ctx context.Context, g *errgroup.Group, deps *Dependencies, registry *book.Registry) {
	if !a.cfg.Metrics.Enabled {
		return
	}
	var reporter handler.Reporter
	if registry != nil {
		reporter = registry
	}
	srv := server.NewServer(server.Config{
		Addr:   a.cfg.Metrics.Addr,
		APIKey: a.cfg.Metrics.APIKey,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(a.cfg.Mode, reporter, deps.Checkers, a.logger),
		Records: handler.NewRecordsHandler(deps.OrderLog, deps.ReplayStore, a.logger),
	}, a.logger)
	g.Go(func() error { return srv.Run(ctx) })
}

func (a *App) logReports(ctx context.Context, registry *book.Registry) error {
	interval := a.cfg.Feed.ReportInterval.Duration
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.logReport(registry.Report())
		}
	}
}

func (a *App) logReport(r domain.BookReport) {
	for _, m := range r.Markets {
		a.logger.Info("book report",
			slog.String("market", m.Market),
			slog.Float64("yes_bid", m.YesBestBid),
			slog.Float64("yes_ask", m.YesBestAsk),
			slog.Float64("no_bid", m.NoBestBid),
			slog.Float64("no_ask", m.NoBestAsk),
			slog.Int("yes_depth", m.YesDepth),
			slog.Int("no_depth", m.NoDepth),
		)
	}
	a.logger.Info("report summary",
		slog.Int("instruments", r.Instruments),
		slog.Int("markets", len(r.Markets)),
	)
}

func (a *App) feedClosed(deps *Dependencies, topo *topology.Topology, cause error) {
	if cause != nil && (errors.Is(cause, context.Canceled) || errors.Is(cause, domain.ErrFeedClosed)) {
		cause = nil
	}
	markets := make([]string, 0, len(topo.Markets()))
	for _, m := range topo.Markets() {
		markets = append(markets, m.Slug)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := deps.Notifier.FeedClosed(ctx, markets, cause); err != nil {
		a.logger.Warn("feed closed notification failed", slog.String("error", err.Error()))
	}
}

// feedDone turns a clean end of the feed into ErrFeedClosed so the other
// goroutines of the mode are cancelled too.
func feedDone(err error) error {
	if err == nil {
		return domain.ErrFeedClosed
	}
	return err
}

// modeResult maps the group error to the mode's return value: a feed that
// closed on its own is a normal end and shutdown returns the context error.
func modeResult(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, domain.ErrFeedClosed) {
		return nil
	}
	return err
}
