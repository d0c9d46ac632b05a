package backtest

import (
	"math"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Report summarises a replay.
type Report struct {
	Messages    int              `json:"messages"`
	Trades      int              `json:"trades"`
	PositionYes float64          `json:"position_yes"`
	PositionNo  float64          `json:"position_no"`
	Realized    float64          `json:"realized_pnl"`
	Unrealized  float64          `json:"unrealized_pnl"`
	Total       float64          `json:"total_pnl"`
	MaxDrawdown float64          `json:"max_drawdown"`
	Fills       []domain.SimFill `json:"fills,omitempty"`
}

// Simulator fills intents at the top-of-book price and keeps cash,
// inventory and the fill ledger. Cash starts at zero and moves by exactly
// the notional of each fill. Not safe for concurrent use.
type Simulator struct {
	cash    float64
	posYes  float64
	posNo   float64
	lastYes float64
	lastNo  float64
	fills   []domain.SimFill
}

// NewSimulator returns a flat simulator.
func NewSimulator() *Simulator {
	return &Simulator{}
}

// Apply fills intents against the given books and returns the fills made.
// Intents with an unknown side or action, a non-positive size, or no price
// on their side are skipped. Last prices are refreshed after the fills.
func (s *Simulator) Apply(intents []Intent, yes, no *domain.BookSnapshot) []domain.SimFill {
	pxYes, okYes := yes.TopPrice()
	pxNo, okNo := no.TopPrice()
	ts := fillTimestamp(yes, no)
	start := len(s.fills)

	for _, in := range intents {
		if !in.Side.Valid() || !in.Action.Valid() || !(in.Size > 0) {
			continue
		}
		px, ok := pxYes, okYes
		if in.Side == domain.OutcomeNo {
			px, ok = pxNo, okNo
		}
		if !ok {
			continue
		}

		notional := px * in.Size
		s.cash, s.posYes, s.posNo = settle(in.Side, in.Action, in.Size, notional, s.cash, s.posYes, s.posNo)

		s.fills = append(s.fills, domain.SimFill{
			Side:      in.Side,
			Action:    in.Action,
			Size:      in.Size,
			Price:     px,
			Notional:  notional,
			Timestamp: ts,
		})
	}

	if okYes {
		s.lastYes = pxYes
	}
	if okNo {
		s.lastNo = pxNo
	}
	return s.fills[start:len(s.fills):len(s.fills)]
}

// Mark returns cash plus inventory valued at the last prices.
func (s *Simulator) Mark() float64 {
	return s.cash + s.Unrealized()
}

// Unrealized values inventory at the last seen prices.
func (s *Simulator) Unrealized() float64 {
	return s.lastYes*s.posYes + s.lastNo*s.posNo
}

// Fills returns a copy of the ledger.
func (s *Simulator) Fills() []domain.SimFill {
	out := make([]domain.SimFill, len(s.fills))
	copy(out, s.fills)
	return out
}

// Report computes PnL and drawdown for the current state.
func (s *Simulator) Report() Report {
	unrealized := s.Unrealized()
	return Report{
		Trades:      len(s.fills),
		PositionYes: s.posYes,
		PositionNo:  s.posNo,
		Realized:    s.cash,
		Unrealized:  unrealized,
		Total:       s.cash + unrealized,
		MaxDrawdown: MaxDrawdown(s.fills),
		Fills:       s.Fills(),
	}
}

// MaxDrawdown replays the ledger from a flat start and returns the largest
// fall of equity below its running peak. Each fill marks its own side at
// the fill price.
func MaxDrawdown(fills []domain.SimFill) float64 {
	var cash, posYes, posNo, lastYes, lastNo, peak, maxDD float64
	for _, f := range fills {
		cash, posYes, posNo = settle(f.Side, f.Action, f.Size, f.Notional, cash, posYes, posNo)
		if f.Side == domain.OutcomeYes {
			lastYes = f.Price
		} else {
			lastNo = f.Price
		}
		equity := cash + lastYes*posYes + lastNo*posNo
		peak = math.Max(peak, equity)
		maxDD = math.Max(maxDD, peak-equity)
	}
	return maxDD
}

// settle books one fill: a buy adds size and pays notional, a sell does the
// reverse.
func settle(side domain.Outcome, action domain.OrderSide, size, notional, cash, yes, no float64) (float64, float64, float64) {
	if action == domain.OrderSideSell {
		size, notional = -size, -notional
	}
	if side == domain.OutcomeYes {
		yes += size
	} else {
		no += size
	}
	return cash - notional, yes, no
}

// fillTimestamp takes the yes book's timestamp, replaced by the no book's
// when that one is set.
func fillTimestamp(yes, no *domain.BookSnapshot) string {
	var ts string
	if yes != nil {
		ts = yes.Timestamp
	}
	if no != nil && no.Timestamp != "" {
		ts = no.Timestamp
	}
	return ts
}
