package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polybook/internal/backtest"
	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/platform/advisor"
	"github.com/alanyoungcy/polybook/internal/platform/polymarket"
)

const s3Scheme = "s3://"

// replayOutput is what ReplayMode prints.
type replayOutput struct {
	Run     domain.ReplayRun `json:"run"`
	Archive string           `json:"archive,omitempty"`
	Report  backtest.Report  `json:"report"`
}

// ReplayMode runs a recording or trade history through the configured
// strategy, prints the report and optionally persists and archives it.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	input := a.cfg.Replay.Input
	a.logger.InfoContext(ctx, "starting replay",
		slog.String("input", input),
		slog.String("strategy", a.cfg.Replay.Strategy),
	)

	src, err := a.openReplaySource(ctx, deps)
	if err != nil {
		return err
	}
	mode, err := book.ParseMode(a.cfg.Feed.BookMode)
	if err != nil {
		src.Close()
		return fmt.Errorf("app: replay: %w", err)
	}

	opts := []backtest.Option{backtest.WithMode(mode), backtest.WithLogger(a.logger)}
	if a.cfg.Markets.EventSlug != "" {
		// wire-format recordings carry no outcome; pair them like the live feed
		topo, _, err := a.resolve(ctx, deps)
		if err != nil {
			src.Close()
			return err
		}
		opts = append(opts, backtest.WithLookup(topo))
	}

	started := time.Now().UTC()
	report, err := backtest.Replay(ctx, src, a.replayStrategy(), opts...)
	if err != nil {
		return fmt.Errorf("app: replay: %w", err)
	}

	run := domain.ReplayRun{
		ID:          uuid.NewString(),
		Source:      input,
		Strategy:    a.cfg.Replay.Strategy,
		Messages:    report.Messages,
		Trades:      report.Trades,
		PositionYes: report.PositionYes,
		PositionNo:  report.PositionNo,
		Realized:    report.Realized,
		Unrealized:  report.Unrealized,
		Total:       report.Total,
		MaxDrawdown: report.MaxDrawdown,
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
	}
	a.logger.InfoContext(ctx, "replay finished",
		slog.String("run_id", run.ID),
		slog.Int("messages", run.Messages),
		slog.Int("trades", run.Trades),
		slog.Float64("total_pnl", run.Total),
		slog.Float64("max_drawdown", run.MaxDrawdown),
	)

	if deps.ReplayStore != nil {
		if err := deps.ReplayStore.SaveRun(ctx, run, report.Fills); err != nil {
			return fmt.Errorf("app: replay: %w", err)
		}
	}

	out := replayOutput{Run: run, Report: report}
	if a.cfg.Replay.Archive && deps.Archiver != nil {
		prefix, err := deps.Archiver.ArchiveReplay(ctx, run, report.Fills)
		if err != nil {
			return fmt.Errorf("app: replay: %w", err)
		}
		out.Archive = prefix
	}

	if err := deps.Notifier.ReplayFinished(ctx, run); err != nil {
		a.logger.WarnContext(ctx, "replay notification failed", slog.String("error", err.Error()))
	}

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("app: replay: write report: %w", err)
	}
	return nil
}

// openReplaySource opens the input from disk or, with an s3:// prefix, from
// the bucket. Trade histories are turned into synthetic book messages.
func (a *App) openReplaySource(ctx context.Context, deps *Dependencies) (backtest.Source, error) {
	input := a.cfg.Replay.Input

	var (
		src backtest.Source
		err error
	)
	if key, ok := strings.CutPrefix(input, s3Scheme); ok {
		if deps.BlobReader == nil {
			return nil, fmt.Errorf("app: replay %s: s3 is not enabled", input)
		}
		src, err = backtest.OpenBlob(ctx, deps.BlobReader, key)
	} else {
		src, err = backtest.Open(input)
	}
	if err != nil {
		return nil, fmt.Errorf("app: replay: %w", err)
	}
	if !a.cfg.Replay.Trades {
		return src, nil
	}

	trades, err := backtest.DecodeTrades(src)
	if err != nil {
		return nil, fmt.Errorf("app: replay: %w", err)
	}
	a.logger.InfoContext(ctx, "trade history loaded", slog.Int("trades", len(trades)))
	return backtest.NewSliceSource(backtest.TradesToMessages(trades)), nil
}

func (a *App) replayStrategy() backtest.Strategy {
	rc := a.cfg.Replay
	if rc.Strategy == "advisor" {
		maxPos := rc.MaxPosition
		if maxPos <= 0 {
			maxPos = rc.Size
		}
		return &backtest.ProviderStrategy{
			Provider: advisor.New(a.cfg.Advisor.Endpoint, a.cfg.Advisor.APIKey, a.cfg.Advisor.Timeout.Duration),
			Limits:   domain.Limits{MaxSize: rc.Size, MaxPosition: maxPos},
			Depth:    a.cfg.Trading.Depth,
		}
	}
	return &backtest.Threshold{
		BuyBelow:    rc.BuyBelow,
		SellAbove:   rc.SellAbove,
		Size:        rc.Size,
		MaxPosition: rc.MaxPosition,
	}
}

// FetchTradesMode downloads the trade history of the configured market(s)
// to fetch.output and optionally uploads the file.
func (a *App) FetchTradesMode(ctx context.Context, deps *Dependencies) error {
	conditionIDs, err := a.fetchTargets(ctx, deps)
	if err != nil {
		return err
	}

	var all []domain.HistoricalTrade
	for _, id := range conditionIDs {
		trades, err := deps.Data.FetchTrades(ctx, polymarket.TradeQuery{
			ConditionID: id,
			Limit:       a.cfg.Fetch.Limit,
			MaxPages:    a.cfg.Fetch.MaxPages,
			TakerOnly:   a.cfg.Fetch.TakerOnly,
			Side:        strings.ToUpper(a.cfg.Fetch.Side),
		})
		if err != nil {
			return fmt.Errorf("app: fetch trades %s: %w", id, err)
		}
		a.logger.InfoContext(ctx, "trades fetched",
			slog.String("condition_id", id),
			slog.Int("trades", len(trades)),
		)
		all = append(all, trades...)
	}

	output := a.cfg.Fetch.Output
	if err := backtest.SaveTradesJSONL(output, all); err != nil {
		return fmt.Errorf("app: fetch trades: %w", err)
	}
	a.logger.InfoContext(ctx, "trades saved", slog.String("path", output), slog.Int("trades", len(all)))

	if !a.cfg.Fetch.Upload || deps.BlobWriter == nil {
		return nil
	}
	f, err := os.Open(output)
	if err != nil {
		return fmt.Errorf("app: fetch trades: reopen: %w", err)
	}
	defer f.Close()

	key := path.Join("trades", time.Now().UTC().Format("2006-01-02"), path.Base(output))
	if err := deps.BlobWriter.PutMultipart(ctx, key, f, 0); err != nil {
		return fmt.Errorf("app: fetch trades: %w", err)
	}
	a.logger.InfoContext(ctx, "trades uploaded", slog.String("key", key))
	return nil
}

// fetchTargets returns the condition ids to download: the configured one,
// the configured market of the event, or every market of the event.
func (a *App) fetchTargets(ctx context.Context, deps *Dependencies) ([]string, error) {
	if a.cfg.Fetch.ConditionID != "" {
		return []string{a.cfg.Fetch.ConditionID}, nil
	}

	event, market := a.cfg.Markets.EventSlug, a.cfg.Markets.MarketSlug
	if market != "" {
		ids, err := deps.Gamma.MarketIDs(ctx, event, market)
		if err != nil {
			return nil, fmt.Errorf("app: fetch trades: %w", err)
		}
		return []string{ids.ConditionID}, nil
	}

	markets, err := deps.Gamma.EventInstruments(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("app: fetch trades: %w", err)
	}
	slugs := make([]string, 0, len(markets))
	for slug := range markets {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	ids := make([]string, 0, len(slugs))
	for _, slug := range slugs {
		if cid := markets[slug].ConditionID; cid != "" {
			ids = append(ids, cid)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("app: fetch trades: event %s: %w", event, domain.ErrNotFound)
	}
	return ids, nil
}
