package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/redis/go-redis/v9"
)

// BookMirror copies every post-update book into Redis so other processes can
// read depth and top-of-book without holding a feed connection.
//
// Key schema:
//
//	book:{id}:bids      sorted set of bid prices (score = price)
//	book:{id}:asks      sorted set of ask prices (score = price)
//	book:{id}:bid:size  hash price -> size
//	book:{id}:ask:size  hash price -> size
//	book:{id}:bbo       hash with "bid" and "ask"
//	book:{id}:meta      hash with "ts", "hash", "market" and "outcome"
type BookMirror struct {
	rdb *redis.Client
}

// NewBookMirror creates a BookMirror backed by the given Client.
func NewBookMirror(c *Client) *BookMirror {
	return &BookMirror{rdb: c.Underlying()}
}

type bookKeys struct {
	bids, asks, bidSize, askSize, bbo, meta string
}

func keysFor(id string) bookKeys {
	prefix := "book:" + id
	return bookKeys{
		bids:    prefix + ":bids",
		asks:    prefix + ":asks",
		bidSize: prefix + ":bid:size",
		askSize: prefix + ":ask:size",
		bbo:     prefix + ":bbo",
		meta:    prefix + ":meta",
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// SetSnapshot replaces everything stored for the snapshot's instrument in a
// single MULTI/EXEC so readers never see a half-written book.
func (m *BookMirror) SetSnapshot(ctx context.Context, snap domain.BookSnapshot) error {
	if snap.InstrumentID == "" {
		return fmt.Errorf("redis: set book snapshot: %w", domain.ErrNotFound)
	}
	k := keysFor(snap.InstrumentID)

	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, k.bids, k.asks, k.bidSize, k.askSize, k.bbo, k.meta)

	writeSide(ctx, pipe, k.bids, k.bidSize, snap.Bids)
	writeSide(ctx, pipe, k.asks, k.askSize, snap.Asks)

	if best, ok := snap.BestBid(); ok {
		pipe.HSet(ctx, k.bbo, "bid", formatFloat(best.Price))
	}
	if best, ok := snap.BestAsk(); ok {
		pipe.HSet(ctx, k.bbo, "ask", formatFloat(best.Price))
	}

	pipe.HSet(ctx, k.meta,
		"ts", snap.Timestamp,
		"hash", snap.Hash,
		"market", snap.Market,
		"outcome", string(snap.Outcome),
	)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book snapshot %s: %w", snap.InstrumentID, err)
	}
	return nil
}

func writeSide(ctx context.Context, pipe redis.Pipeliner, zKey, hKey string, levels []domain.PriceLevel) {
	if len(levels) == 0 {
		return
	}
	members := make([]redis.Z, 0, len(levels))
	sizes := make([]any, 0, 2*len(levels))
	for _, lvl := range levels {
		p := formatFloat(lvl.Price)
		members = append(members, redis.Z{Score: lvl.Price, Member: p})
		sizes = append(sizes, p, formatFloat(lvl.Size))
	}
	pipe.ZAdd(ctx, zKey, members...)
	pipe.HSet(ctx, hKey, sizes...)
}

// GetSnapshot rebuilds a snapshot with bids descending and asks ascending.
// It returns domain.ErrNotFound when nothing was mirrored for the instrument.
func (m *BookMirror) GetSnapshot(ctx context.Context, instrumentID string) (domain.BookSnapshot, error) {
	k := keysFor(instrumentID)

	pipe := m.rdb.Pipeline()
	bidsCmd := pipe.ZRevRangeWithScores(ctx, k.bids, 0, -1)
	asksCmd := pipe.ZRangeWithScores(ctx, k.asks, 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, k.bidSize)
	askSizeCmd := pipe.HGetAll(ctx, k.askSize)
	metaCmd := pipe.HGetAll(ctx, k.meta)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.BookSnapshot{}, fmt.Errorf("redis: get book snapshot %s: %w", instrumentID, err)
	}

	meta, _ := metaCmd.Result()
	if len(meta) == 0 {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}

	bidsZ, _ := bidsCmd.Result()
	asksZ, _ := asksCmd.Result()
	bidSizes, _ := bidSizeCmd.Result()
	askSizes, _ := askSizeCmd.Result()

	return domain.BookSnapshot{
		InstrumentID: instrumentID,
		Market:       meta["market"],
		Outcome:      domain.ParseOutcome(meta["outcome"]),
		Timestamp:    meta["ts"],
		Hash:         meta["hash"],
		Bids:         readSide(bidsZ, bidSizes),
		Asks:         readSide(asksZ, askSizes),
	}, nil
}

func readSide(zs []redis.Z, sizes map[string]string) []domain.PriceLevel {
	levels := make([]domain.PriceLevel, 0, len(zs))
	for _, z := range zs {
		p, ok := z.Member.(string)
		if !ok {
			continue
		}
		size, err := strconv.ParseFloat(sizes[p], 64)
		if err != nil {
			continue
		}
		levels = append(levels, domain.PriceLevel{Price: z.Score, Size: size})
	}
	return levels
}

// GetBBO returns the mirrored best bid and ask. A missing side reads as 0.
func (m *BookMirror) GetBBO(ctx context.Context, instrumentID string) (bestBid, bestAsk float64, err error) {
	k := keysFor(instrumentID)
	vals, err := m.rdb.HGetAll(ctx, k.bbo).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis: get bbo %s: %w", instrumentID, err)
	}
	if len(vals) == 0 {
		// An instrument with two empty sides still has meta.
		n, err := m.rdb.Exists(ctx, k.meta).Result()
		if err != nil {
			return 0, 0, fmt.Errorf("redis: get bbo %s: %w", instrumentID, err)
		}
		if n == 0 {
			return 0, 0, domain.ErrNotFound
		}
		return 0, 0, nil
	}
	if s, ok := vals["bid"]; ok {
		bestBid, _ = strconv.ParseFloat(s, 64)
	}
	if s, ok := vals["ask"]; ok {
		bestAsk, _ = strconv.ParseFloat(s, 64)
	}
	return bestBid, bestAsk, nil
}

// OnBook mirrors both sides of the pair. It lets the mirror sit behind a
// feed handler chain.
func (m *BookMirror) OnBook(ctx context.Context, pair domain.BookPair) error {
	var errs []error
	for _, snap := range []*domain.BookSnapshot{pair.Yes, pair.No} {
		if snap == nil {
			continue
		}
		if err := m.SetSnapshot(ctx, *snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ domain.BookMirror = (*BookMirror)(nil)
