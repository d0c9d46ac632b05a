package domain

import "time"

// HistoricalTrade is one fill as returned by the public trades API.
type HistoricalTrade struct {
	Asset           string  `json:"asset,omitempty"`
	Token           string  `json:"token,omitempty"`
	Slug            string  `json:"slug,omitempty"`
	Market          string  `json:"market,omitempty"`
	ConditionID     string  `json:"conditionId,omitempty"`
	Outcome         string  `json:"outcome,omitempty"`
	OutcomeIndex    *int    `json:"outcomeIndex,omitempty"`
	Side            string  `json:"side,omitempty"`
	Price           float64 `json:"price"`
	Size            float64 `json:"size"`
	Timestamp       int64   `json:"timestamp"`
	TransactionHash string  `json:"transactionHash,omitempty"`
}

// AssetID returns asset, falling back to token.
func (t HistoricalTrade) AssetID() string {
	if t.Asset != "" {
		return t.Asset
	}
	return t.Token
}

// MarketSlug returns slug, falling back to market.
func (t HistoricalTrade) MarketSlug() string {
	if t.Slug != "" {
		return t.Slug
	}
	return t.Market
}

// SimFill is one entry of the simulator's append-only ledger.
type SimFill struct {
	Side      Outcome   `json:"side"`
	Action    OrderSide `json:"action"`
	Size      float64   `json:"size"`
	Price     float64   `json:"price"`
	Notional  float64   `json:"notional"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// ReplayRun is a persisted replay result.
type ReplayRun struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Strategy    string    `json:"strategy"`
	Messages    int       `json:"messages"`
	Trades      int       `json:"trades"`
	PositionYes float64   `json:"position_yes"`
	PositionNo  float64   `json:"position_no"`
	Realized    float64   `json:"realized"`
	Unrealized  float64   `json:"unrealized"`
	Total       float64   `json:"total"`
	MaxDrawdown float64   `json:"max_drawdown"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}
