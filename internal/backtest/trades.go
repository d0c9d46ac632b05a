package backtest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/platform/polymarket"
)

type syntheticLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type syntheticBook struct {
	EventType string           `json:"event_type"`
	AssetID   string           `json:"asset_id"`
	Market    string           `json:"market"`
	Side      string           `json:"side"`
	Timestamp string           `json:"timestamp"`
	Bids      []syntheticLevel `json:"bids"`
	Asks      []syntheticLevel `json:"asks"`
}

// TradesToMessages turns historical trades into single-level book messages,
// bid and ask both at the trade price, ordered by trade timestamp. Trades
// with no asset or a non-positive price or size are dropped.
func TradesToMessages(trades []domain.HistoricalTrade) []json.RawMessage {
	sorted := slices.Clone(trades)
	slices.SortStableFunc(sorted, func(a, b domain.HistoricalTrade) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})

	out := make([]json.RawMessage, 0, len(sorted))
	for _, t := range sorted {
		asset := t.AssetID()
		if asset == "" || !(t.Price > 0) || !(t.Size > 0) {
			continue
		}
		lvl := []syntheticLevel{{Price: t.Price, Size: t.Size}}
		msg, err := json.Marshal(syntheticBook{
			EventType: polymarket.EventTypeBook,
			AssetID:   asset,
			Market:    t.MarketSlug(),
			Side:      tradeSide(t),
			Timestamp: strconv.FormatInt(t.Timestamp, 10),
			Bids:      lvl,
			Asks:      lvl,
		})
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// tradeSide uses the outcome label, else outcome index 0 as yes and
// anything else as no.
func tradeSide(t domain.HistoricalTrade) string {
	if t.Outcome != "" {
		return strings.ToLower(t.Outcome)
	}
	if t.OutcomeIndex != nil && *t.OutcomeIndex == 0 {
		return string(domain.OutcomeYes)
	}
	return string(domain.OutcomeNo)
}

// LoadTrades reads trade rows from a .jsonl or .json file. Rows that cannot
// be decoded are skipped.
func LoadTrades(name string) ([]domain.HistoricalTrade, error) {
	src, err := Open(name)
	if err != nil {
		return nil, err
	}
	return DecodeTrades(src)
}

// DecodeTrades drains src into trades and closes it.
func DecodeTrades(src Source) ([]domain.HistoricalTrade, error) {
	objs, err := ReadAll(src)
	if err != nil {
		return nil, err
	}
	out := make([]domain.HistoricalTrade, 0, len(objs))
	for _, obj := range objs {
		t, err := polymarket.DecodeTrade(obj)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// SaveTradesJSONL writes one trade per line, creating parent directories.
func SaveTradesJSONL(name string, trades []domain.HistoricalTrade) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("backtest: mkdir: %w", err)
	}
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("backtest: create %s: %w", name, err)
	}
	if err := WriteTradesJSONL(f, trades); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("backtest: close %s: %w", name, err)
	}
	return nil
}

// WriteTradesJSONL encodes trades as newline-delimited JSON.
func WriteTradesJSONL(w io.Writer, trades []domain.HistoricalTrade) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i := range trades {
		if err := enc.Encode(&trades[i]); err != nil {
			return fmt.Errorf("backtest: encode trade: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("backtest: flush trades: %w", err)
	}
	return nil
}
