package domain

// Action is what the decision provider asks for.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// IOCDecision is the immediate-or-cancel instruction returned by a decision provider.
type IOCDecision struct {
	Action  Action  `json:"action"`
	Outcome Outcome `json:"outcome"`
	Price   float64 `json:"price"`
	Size    float64 `json:"size"`
	Reason  string  `json:"reason,omitempty"`
}

// Limits are the size caps handed to the provider.
type Limits struct {
	MaxSize     float64 `json:"max_size"`
	MaxPosition float64 `json:"max_position"`
}

// Exposure is the current footprint in one market.
type Exposure struct {
	OpenOrders  []OpenOrder `json:"open_orders"`
	PositionYes float64     `json:"position_yes"`
	PositionNo  float64     `json:"position_no"`
}

// Flat reports whether no tracked position exists on either side.
func (e Exposure) Flat() bool {
	return e.PositionYes <= 0 && e.PositionNo <= 0
}

// DecisionInput is everything a provider sees when asked for a decision.
type DecisionInput struct {
	Market   string        `json:"market"`
	Yes      *BookSnapshot `json:"yes,omitempty"`
	No       *BookSnapshot `json:"no,omitempty"`
	Signals  []Signal      `json:"signals"`
	Limits   Limits        `json:"limits"`
	Exposure Exposure      `json:"exposure"`
}
