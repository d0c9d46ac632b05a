package polymarket

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexFloat accepts a JSON number or numeric string. Anything else,
// including NaN and infinities, decodes to 0 without failing.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	*f = 0
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		data = []byte(strings.TrimSpace(s))
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	*f = flexFloat(v)
	return nil
}

// flexString accepts a JSON string or number and keeps its text form.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrder represents an order as returned by the Polymarket CLOB API.
type APIOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"` // "BUY" or "SELL"
	Type         string `json:"order_type"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	Owner        string `json:"owner"`
	CreatedAt    int64  `json:"created_at"`
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg,omitempty"`
	OrderID      string `json:"orderID,omitempty"`
	Status       string `json:"status,omitempty"`
	MakingAmount string `json:"makingAmount,omitempty"`
	TakingAmount string `json:"takingAmount,omitempty"`
	ShouldRetry  bool   `json:"shouldRetry,omitempty"`
}

// apiOrderPage is the paginated envelope of GET /data/orders.
type apiOrderPage struct {
	Data       []APIOrder `json:"data"`
	NextCursor string     `json:"next_cursor"`
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIEvent represents an event as returned by the Polymarket Gamma API.
// An event groups one or more related markets.
type APIEvent struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Slug    string      `json:"slug"`
	Active  flexBool    `json:"active"`
	Closed  bool        `json:"closed"`
	Markets []APIMarket `json:"markets"`
}

// APIMarket represents a market as returned by the Polymarket Gamma API.
type APIMarket struct {
	ID           string   `json:"id"`
	Question     string   `json:"question"`
	ConditionID  string   `json:"conditionId"`
	Slug         string   `json:"slug"`
	Active       flexBool `json:"active"`
	Closed       bool     `json:"closed"`
	Outcomes     string   `json:"outcomes"`     // JSON-encoded: e.g. "[\"Yes\",\"No\"]"
	ClobTokenIDs string   `json:"clobTokenIds"` // JSON-encoded: e.g. "[\"123\",\"456\"]"
}

// TokenIDs decodes the JSON-encoded clobTokenIds string.
func (m *APIMarket) TokenIDs() ([]string, error) {
	if m.ClobTokenIDs == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Instruments maps the market onto its yes/no tokens. The first token is
// the yes side. ok is false when fewer than two tokens are listed.
func (m *APIMarket) Instruments() (domain.MarketInstruments, bool) {
	ids, err := m.TokenIDs()
	if err != nil || len(ids) < 2 {
		return domain.MarketInstruments{}, false
	}
	return domain.MarketInstruments{
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		Yes:         ids[0],
		No:          ids[1],
	}, true
}

// --------------------------------------------------------------------------
// Data API DTOs
// --------------------------------------------------------------------------

// APITrade is a row of the public data-api /trades endpoint.
type APITrade struct {
	Asset           string     `json:"asset"`
	Token           string     `json:"token"`
	ConditionID     string     `json:"conditionId"`
	Slug            string     `json:"slug"`
	Market          string     `json:"market"`
	Side            string     `json:"side"`
	Outcome         string     `json:"outcome"`
	OutcomeIndex    *int       `json:"outcomeIndex"`
	Price           flexFloat  `json:"price"`
	Size            flexFloat  `json:"size"`
	Timestamp       flexString `json:"timestamp"`
	TransactionHash string     `json:"transactionHash"`
}

// ToDomain converts the row to a domain.HistoricalTrade.
func (t *APITrade) ToDomain() domain.HistoricalTrade {
	ts, err := strconv.ParseInt(string(t.Timestamp), 10, 64)
	if err != nil {
		f, _ := strconv.ParseFloat(string(t.Timestamp), 64)
		ts = int64(f)
	}
	return domain.HistoricalTrade{
		Asset:           t.Asset,
		Token:           t.Token,
		Slug:            t.Slug,
		Market:          t.Market,
		ConditionID:     t.ConditionID,
		Outcome:         t.Outcome,
		OutcomeIndex:    t.OutcomeIndex,
		Side:            t.Side,
		Price:           float64(t.Price),
		Size:            float64(t.Size),
		Timestamp:       ts,
		TransactionHash: t.TransactionHash,
	}
}

// DecodeTrade parses one trade row. Numbers may be strings or numbers.
func DecodeTrade(obj []byte) (domain.HistoricalTrade, error) {
	var t APITrade
	if err := json.Unmarshal(obj, &t); err != nil {
		return domain.HistoricalTrade{}, err
	}
	return t.ToDomain(), nil
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// EventTypeBook is the only inbound event type applied to books.
const EventTypeBook = "book"

// BookMessage is a "book" event. Older payloads name the sides buys/sells.
// Recorded replay files may also carry an "outcome" or "side" label.
type BookMessage struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Timestamp flexString      `json:"timestamp"`
	Hash      string          `json:"hash"`
	Bids      *[]WSPriceLevel `json:"bids"`
	Asks      *[]WSPriceLevel `json:"asks"`
	Buys      *[]WSPriceLevel `json:"buys"`
	Sells     *[]WSPriceLevel `json:"sells"`
	Outcome   string          `json:"outcome,omitempty"`
	Side      string          `json:"side,omitempty"`
}

// WSPriceLevel is a single bid/ask level. Price and size arrive as strings
// on the live feed and as numbers in synthesized messages.
type WSPriceLevel struct {
	Price flexFloat `json:"price"`
	Size  flexFloat `json:"size"`
}

// WSCommand is the subscription handshake sent once per connection.
type WSCommand struct {
	Type   string   `json:"type"`
	Assets []string `json:"assets_ids"`
}

// MarketSubscription builds the market channel handshake.
func MarketSubscription(assetIDs []string) WSCommand {
	if assetIDs == nil {
		assetIDs = []string{}
	}
	return WSCommand{Type: "market", Assets: assetIDs}
}

// --------------------------------------------------------------------------
// Frame decoding
// --------------------------------------------------------------------------

// SplitFrame returns the JSON objects of one inbound frame. ok is false when
// the frame is not JSON at all, which is how heartbeat replies arrive.
// Array elements that are not objects are skipped.
func SplitFrame(raw []byte) (objects []json.RawMessage, ok bool) {
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return nil, false
	}
	switch {
	case len(raw) > 0 && raw[0] == '{':
		return []json.RawMessage{raw}, true
	case len(raw) > 0 && raw[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, false
		}
		out := items[:0]
		for _, it := range items {
			if len(it) > 0 && it[0] == '{' {
				out = append(out, it)
			}
		}
		return out, true
	default:
		return nil, true
	}
}

// DecodeBookUpdate decodes one object. ok is false for any object that is not
// a "book" event with an asset id.
func DecodeBookUpdate(obj []byte) (domain.BookUpdate, bool) {
	var m BookMessage
	if err := json.Unmarshal(obj, &m); err != nil {
		return domain.BookUpdate{}, false
	}
	if m.EventType != EventTypeBook || m.AssetID == "" {
		return domain.BookUpdate{}, false
	}
	return m.ToBookUpdate(), true
}

// ToBookUpdate converts the wire message to a domain.BookUpdate.
func (m *BookMessage) ToBookUpdate() domain.BookUpdate {
	u := domain.BookUpdate{
		AssetID:   m.AssetID,
		Market:    m.Market,
		Timestamp: string(m.Timestamp),
		Hash:      m.Hash,
		Outcome:   domain.OutcomeUnknown,
	}
	label := m.Outcome
	if label == "" {
		label = m.Side
	}
	if o := domain.ParseOutcome(label); o.Valid() {
		u.Outcome = o
	}

	if bids := pickSide(m.Bids, m.Buys); bids != nil {
		u.HasBids = true
		u.Bids = toLevels(*bids)
	}
	if asks := pickSide(m.Asks, m.Sells); asks != nil {
		u.HasAsks = true
		u.Asks = toLevels(*asks)
	}
	return u
}

// pickSide prefers the current key and falls back to the legacy one when the
// current key is missing or empty.
func pickSide(current, legacy *[]WSPriceLevel) *[]WSPriceLevel {
	if current != nil && len(*current) > 0 {
		return current
	}
	if legacy != nil && len(*legacy) > 0 {
		return legacy
	}
	if current != nil {
		return current
	}
	return legacy
}

func toLevels(in []WSPriceLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, len(in))
	for i, l := range in {
		out[i] = domain.PriceLevel{Price: float64(l.Price), Size: float64(l.Size)}
	}
	return out
}

// --------------------------------------------------------------------------
// Conversion helpers: API types -> domain types
// --------------------------------------------------------------------------

// ToDomainOpenOrder converts an APIOrder to a domain.OpenOrder.
func (a *APIOrder) ToDomainOpenOrder() domain.OpenOrder {
	o := domain.OpenOrder{
		ID:      a.ID,
		AssetID: a.AssetID,
	}
	switch strings.ToUpper(a.Side) {
	case "BUY":
		o.Side = domain.OrderSideBuy
	case "SELL":
		o.Side = domain.OrderSideSell
	}
	o.Price, _ = strconv.ParseFloat(a.Price, 64)
	o.OriginalSize, _ = strconv.ParseFloat(a.OriginalSize, 64)
	o.SizeMatched, _ = strconv.ParseFloat(a.SizeMatched, 64)
	return o
}

// ToDomainOrderResult converts an APIOrderResult to a domain.OrderResult.
func (r *APIOrderResult) ToDomainOrderResult() domain.OrderResult {
	result := domain.OrderResult{
		Success:     r.Success,
		OrderID:     r.OrderID,
		Message:     r.ErrorMsg,
		ShouldRetry: r.ShouldRetry,
	}

	switch r.Status {
	case "live", "open":
		result.Status = domain.OrderStatusOpen
	case "matched":
		result.Status = domain.OrderStatusMatched
	case "delayed", "unmatched":
		result.Status = domain.OrderStatusPending
	default:
		if r.Success {
			result.Status = domain.OrderStatusPending
		} else {
			result.Status = domain.OrderStatusFailed
		}
	}

	return result
}
