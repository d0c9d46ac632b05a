package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// GammaClient is the REST client for the Polymarket Gamma API, which
// provides event and market metadata.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetEventBySlug returns the event with the given URL slug.
func (g *GammaClient) GetEventBySlug(ctx context.Context, slug string) (APIEvent, error) {
	params := url.Values{}
	params.Set("slug", slug)

	body, err := g.doGet(ctx, "/events?"+params.Encode())
	if err != nil {
		return APIEvent{}, fmt.Errorf("polymarket/gamma: get event by slug %s: %w", slug, err)
	}

	var events []APIEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return APIEvent{}, fmt.Errorf("polymarket/gamma: decode events: %w", err)
	}
	if len(events) == 0 {
		return APIEvent{}, fmt.Errorf("polymarket/gamma: %w: event slug=%s", domain.ErrNotFound, slug)
	}
	return events[0], nil
}

// EventInstruments returns the yes/no tokens of every market in the event,
// keyed by market slug. Markets that list fewer than two tokens are left out.
func (g *GammaClient) EventInstruments(ctx context.Context, eventSlug string) (map[string]domain.MarketInstruments, error) {
	ev, err := g.GetEventBySlug(ctx, eventSlug)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.MarketInstruments, len(ev.Markets))
	for i := range ev.Markets {
		m := &ev.Markets[i]
		if m.Slug == "" {
			continue
		}
		inst, ok := m.Instruments()
		if !ok {
			continue
		}
		out[m.Slug] = inst
	}
	return out, nil
}

// MarketIDs resolves the condition id and tokens of one market of an event.
func (g *GammaClient) MarketIDs(ctx context.Context, eventSlug, marketSlug string) (domain.MarketInstruments, error) {
	ev, err := g.GetEventBySlug(ctx, eventSlug)
	if err != nil {
		return domain.MarketInstruments{}, err
	}
	for i := range ev.Markets {
		m := &ev.Markets[i]
		if m.Slug != marketSlug {
			continue
		}
		inst := domain.MarketInstruments{Slug: m.Slug, ConditionID: m.ConditionID}
		ids, err := m.TokenIDs()
		if err != nil {
			return domain.MarketInstruments{}, fmt.Errorf("polymarket/gamma: decode clobTokenIds for %s: %w", marketSlug, err)
		}
		if len(ids) > 0 {
			inst.Yes = ids[0]
		}
		if len(ids) > 1 {
			inst.No = ids[1]
		}
		return inst, nil
	}
	return domain.MarketInstruments{}, fmt.Errorf("polymarket/gamma: %w: market slug=%s event=%s", domain.ErrNotFound, marketSlug, eventSlug)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	return getJSON(ctx, g.httpClient, g.baseURL+path)
}

// getJSON performs an unauthenticated GET and maps the HTTP status.
func getJSON(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}
