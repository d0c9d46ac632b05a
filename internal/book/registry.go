package book

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Lookup resolves an instrument to its market and outcome.
type Lookup interface {
	Lookup(instrumentID string) (domain.InstrumentRef, bool)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLookup resolves instruments through l before falling back to the
// market and outcome carried by the message itself.
func WithLookup(l Lookup) Option {
	return func(r *Registry) { r.lookup = l }
}

// WithMode selects the update strategy. Defaults to ModeSnapshot.
func WithMode(m Mode) Option {
	return func(r *Registry) { r.mode = m }
}

// WithDepth limits how many levels per side Apply copies into the returned
// pair. Zero copies the full book.
func WithDepth(n int) Option {
	return func(r *Registry) { r.depth = n }
}

// WithClock overrides time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type marketBooks struct {
	yes *Book
	no  *Book
}

// Registry owns every Book of a session plus the market -> {yes, no} index.
// A single mutex covers both maps and is only held while a book is mutated
// or copied.
type Registry struct {
	lookup Lookup
	mode   Mode
	depth  int
	now    func() time.Time

	mu      sync.Mutex
	books   map[string]*Book
	markets map[string]*marketBooks
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		mode:    ModeSnapshot,
		now:     time.Now,
		books:   make(map[string]*Book),
		markets: make(map[string]*marketBooks),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply mutates the instrument's book, creating it on first sight, and
// returns copies of both books of its market. ok is false when u carries
// no instrument id. A book whose outcome is unknown is kept but never joins
// its market, so the returned pair may be Empty.
func (r *Registry) Apply(u domain.BookUpdate) (domain.BookPair, bool) {
	if u.AssetID == "" {
		return domain.BookPair{}, false
	}
	market, outcome := r.resolve(u)
	u.Market = market

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.books[u.AssetID]
	if !ok {
		b = New(u.AssetID, market, outcome)
		r.books[u.AssetID] = b
	} else if b.Outcome == domain.OutcomeUnknown && outcome.Valid() {
		b.Outcome = outcome
	}
	b.ApplyMode(r.mode, u)

	mb, ok := r.markets[market]
	if !ok && !b.Outcome.Valid() {
		return domain.BookPair{Market: market}, true
	}
	if !ok {
		mb = &marketBooks{}
		r.markets[market] = mb
	}
	switch b.Outcome {
	case domain.OutcomeYes:
		mb.yes = b
	case domain.OutcomeNo:
		mb.no = b
	}

	return r.pairLocked(market, mb), true
}

// Pair returns copies of a market's books.
func (r *Registry) Pair(market string) (domain.BookPair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.markets[market]
	if !ok {
		return domain.BookPair{}, false
	}
	return r.pairLocked(market, mb), true
}

// Snapshot returns a full copy of one instrument's book.
func (r *Registry) Snapshot(instrumentID string) (*domain.BookSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[instrumentID]
	if !ok {
		return nil, false
	}
	return b.Snapshot(0), true
}

// Len returns the number of tracked instruments.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.books)
}

// Report summarises every tracked market under one lock acquisition.
func (r *Registry) Report() domain.BookReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := domain.BookReport{
		GeneratedAt: r.now().UTC(),
		Instruments: len(r.books),
		Markets:     make([]domain.MarketBookReport, 0, len(r.markets)),
	}
	for market, mb := range r.markets {
		mr := domain.MarketBookReport{Market: market}
		if mb.yes != nil {
			mr.YesBestBid, mr.YesBestAsk, mr.YesDepth = topOf(mb.yes)
		}
		if mb.no != nil {
			mr.NoBestBid, mr.NoBestAsk, mr.NoDepth = topOf(mb.no)
		}
		rep.Markets = append(rep.Markets, mr)
	}
	slices.SortFunc(rep.Markets, func(a, b domain.MarketBookReport) int {
		return strings.Compare(a.Market, b.Market)
	})
	return rep
}

func (r *Registry) resolve(u domain.BookUpdate) (string, domain.Outcome) {
	if r.lookup != nil {
		if ref, ok := r.lookup.Lookup(u.AssetID); ok {
			return ref.Market, ref.Outcome
		}
	}
	market := u.Market
	outcome := u.Outcome
	if !outcome.Valid() {
		outcome = domain.OutcomeUnknown
	}
	return market, outcome
}

func (r *Registry) pairLocked(market string, mb *marketBooks) domain.BookPair {
	p := domain.BookPair{Market: market}
	if mb.yes != nil {
		p.Yes = mb.yes.Snapshot(r.depth)
	}
	if mb.no != nil {
		p.No = mb.no.Snapshot(r.depth)
	}
	return p
}

func topOf(b *Book) (bid, ask float64, depth int) {
	if lv := b.BestBids(1); len(lv) > 0 {
		bid = lv[0].Price
	}
	if lv := b.BestAsks(1); len(lv) > 0 {
		ask = lv[0].Price
	}
	nb, na := b.Depth()
	return bid, ask, nb + na
}
