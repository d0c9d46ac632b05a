package domain

import (
	"strings"
	"time"
)

// Outcome identifies which side of a binary market an instrument represents.
type Outcome string

const (
	OutcomeYes     Outcome = "yes"
	OutcomeNo      Outcome = "no"
	OutcomeUnknown Outcome = "unknown"
)

// ParseOutcome maps case-insensitive "yes"/"no" labels onto an Outcome.
func ParseOutcome(s string) Outcome {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return OutcomeYes
	case "no":
		return OutcomeNo
	default:
		return OutcomeUnknown
	}
}

// Valid reports whether o is one of the two tradeable sides.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookUpdate is one decoded "book" event for a single instrument.
//
// HasBids/HasAsks record whether the side was present on the wire at all,
// which is different from being present but empty.
type BookUpdate struct {
	AssetID   string
	Market    string
	Outcome   Outcome
	Timestamp string
	Hash      string
	Bids      []PriceLevel
	Asks      []PriceLevel
	HasBids   bool
	HasAsks   bool
}

// BookSnapshot is an immutable copy of one instrument's book.
type BookSnapshot struct {
	InstrumentID string       `json:"instrument_id"`
	Market       string       `json:"market"`
	Outcome      Outcome      `json:"outcome"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Timestamp    string       `json:"timestamp,omitempty"`
	Hash         string       `json:"hash,omitempty"`
}

// TopPrice returns the first bid, else the first ask.
func (s *BookSnapshot) TopPrice() (float64, bool) {
	if s == nil {
		return 0, false
	}
	if len(s.Bids) > 0 {
		return s.Bids[0].Price, true
	}
	if len(s.Asks) > 0 {
		return s.Asks[0].Price, true
	}
	return 0, false
}

// BestBid returns the highest bid or false when the side is empty.
func (s *BookSnapshot) BestBid() (PriceLevel, bool) {
	if s == nil || len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask or false when the side is empty.
func (s *BookSnapshot) BestAsk() (PriceLevel, bool) {
	if s == nil || len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// BookPair holds the yes and no books of one market. Either side may be nil
// until its first message arrives.
type BookPair struct {
	Market string
	Yes    *BookSnapshot
	No     *BookSnapshot
}

// Empty reports whether neither side has a book yet.
func (p BookPair) Empty() bool {
	return p.Yes == nil && p.No == nil
}

// Side returns the snapshot for the given outcome.
func (p BookPair) Side(o Outcome) *BookSnapshot {
	switch o {
	case OutcomeYes:
		return p.Yes
	case OutcomeNo:
		return p.No
	default:
		return nil
	}
}

// MarketBookReport summarises the top of both books of a market.
type MarketBookReport struct {
	Market     string  `json:"market"`
	YesBestBid float64 `json:"yes_best_bid,omitempty"`
	YesBestAsk float64 `json:"yes_best_ask,omitempty"`
	NoBestBid  float64 `json:"no_best_bid,omitempty"`
	NoBestAsk  float64 `json:"no_best_ask,omitempty"`
	YesDepth   int     `json:"yes_depth"`
	NoDepth    int     `json:"no_depth"`
}

// BookReport is a consistent view across every tracked market.
type BookReport struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Instruments int                `json:"instruments"`
	Markets     []MarketBookReport `json:"markets"`
}
