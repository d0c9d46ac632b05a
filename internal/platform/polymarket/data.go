package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// DataClient reads the public data API (historical trades).
type DataClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDataClient creates a data API client.
//
// baseURL is e.g. "https://data-api.polymarket.com".
func NewDataClient(baseURL string) *DataClient {
	return &DataClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// TradeQuery selects trades of one market.
type TradeQuery struct {
	ConditionID string
	Limit       int
	MaxPages    int
	TakerOnly   bool
	Side        string // optional "BUY" or "SELL"
}

// FetchTrades pages through /trades until a page comes back short or empty,
// or MaxPages pages have been read.
func (d *DataClient) FetchTrades(ctx context.Context, q TradeQuery) ([]domain.HistoricalTrade, error) {
	if q.ConditionID == "" {
		return nil, fmt.Errorf("polymarket/data: fetch trades: empty condition id")
	}
	if q.Limit <= 0 {
		q.Limit = 10000
	}
	if q.MaxPages <= 0 {
		q.MaxPages = 1
	}

	var out []domain.HistoricalTrade
	for page := 0; page < q.MaxPages; page++ {
		params := url.Values{}
		params.Set("market", q.ConditionID)
		params.Set("limit", strconv.Itoa(q.Limit))
		params.Set("offset", strconv.Itoa(page*q.Limit))
		params.Set("takerOnly", strconv.FormatBool(q.TakerOnly))
		if q.Side != "" {
			params.Set("side", q.Side)
		}

		body, err := getJSON(ctx, d.httpClient, d.baseURL+"/trades?"+params.Encode())
		if err != nil {
			return out, fmt.Errorf("polymarket/data: fetch trades page %d: %w", page, err)
		}

		var batch []APITrade
		if len(body) > 0 && string(body) != "null" {
			if err := json.Unmarshal(body, &batch); err != nil {
				return out, fmt.Errorf("polymarket/data: decode trades: %w", err)
			}
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			out = append(out, batch[i].ToDomain())
		}
		if len(batch) < q.Limit {
			break
		}
	}
	return out, nil
}
