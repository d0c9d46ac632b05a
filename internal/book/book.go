// Package book reconstructs per-instrument price-level books from feed
// messages and tracks the yes/no pair of every market.
package book

import (
	"fmt"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Side selects a ladder of a Book.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Mode selects how a BookUpdate is applied.
type Mode string

const (
	// ModeSnapshot replaces every side present in a message.
	ModeSnapshot Mode = "snapshot"
	// ModeIncremental upserts each level of a message individually.
	ModeIncremental Mode = "incremental"
)

// ParseMode validates a configured mode string. Empty means snapshot.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSnapshot:
		return ModeSnapshot, nil
	case ModeIncremental:
		return ModeIncremental, nil
	default:
		return "", fmt.Errorf("book: unknown mode %q", s)
	}
}

// Book is the price-level book of one instrument.
//
// Bids are strictly descending, asks strictly ascending, no price appears
// twice on a side and every stored size is positive. A Book is not safe for
// concurrent use; Registry serialises access to the books it owns.
type Book struct {
	InstrumentID string
	Market       string
	Outcome      domain.Outcome
	Timestamp    string
	Hash         string

	bids *ladder
	asks *ladder
}

// New creates an empty book for an instrument.
func New(instrumentID, market string, outcome domain.Outcome) *Book {
	if outcome == "" {
		outcome = domain.OutcomeUnknown
	}
	return &Book{
		InstrumentID: instrumentID,
		Market:       market,
		Outcome:      outcome,
		bids:         newLadder(lessDesc),
		asks:         newLadder(lessAsc),
	}
}

// Apply replaces each side present in u with u's levels.
func (b *Book) Apply(u domain.BookUpdate) {
	b.touch(u)
	if u.HasBids {
		b.bids.replace(u.Bids)
	}
	if u.HasAsks {
		b.asks.replace(u.Asks)
	}
}

// ApplyIncremental upserts every level of u in message order.
func (b *Book) ApplyIncremental(u domain.BookUpdate) {
	b.touch(u)
	for _, lvl := range u.Bids {
		b.bids.set(lvl.Price, lvl.Size)
	}
	for _, lvl := range u.Asks {
		b.asks.set(lvl.Price, lvl.Size)
	}
}

// ApplyMode dispatches to Apply or ApplyIncremental.
func (b *Book) ApplyMode(mode Mode, u domain.BookUpdate) {
	if mode == ModeIncremental {
		b.ApplyIncremental(u)
		return
	}
	b.Apply(u)
}

// Upsert sets one level. size <= 0 removes exactly that price and is a
// no-op when the price is absent.
func (b *Book) Upsert(side Side, price, size float64) error {
	switch side {
	case SideBid:
		b.bids.set(price, size)
	case SideAsk:
		b.asks.set(price, size)
	default:
		return fmt.Errorf("book: invalid side %q", side)
	}
	return nil
}

// BestBids returns at most n of the highest bids.
func (b *Book) BestBids(n int) []domain.PriceLevel {
	return b.bids.top(n)
}

// BestAsks returns at most n of the lowest asks.
func (b *Book) BestAsks(n int) []domain.PriceLevel {
	return b.asks.top(n)
}

// Depth returns the number of bid and ask levels.
func (b *Book) Depth() (bids, asks int) {
	return b.bids.len(), b.asks.len()
}

// Snapshot copies the book. depth <= 0 copies every level.
func (b *Book) Snapshot(depth int) *domain.BookSnapshot {
	snap := &domain.BookSnapshot{
		InstrumentID: b.InstrumentID,
		Market:       b.Market,
		Outcome:      b.Outcome,
		Timestamp:    b.Timestamp,
		Hash:         b.Hash,
	}
	if depth <= 0 {
		snap.Bids = b.bids.all()
		snap.Asks = b.asks.all()
	} else {
		snap.Bids = b.bids.top(depth)
		snap.Asks = b.asks.top(depth)
	}
	return snap
}

func (b *Book) touch(u domain.BookUpdate) {
	if u.Market != "" {
		b.Market = u.Market
	}
	if u.Timestamp != "" {
		b.Timestamp = u.Timestamp
	}
	if u.Hash != "" {
		b.Hash = u.Hash
	}
}
