// Package advisor is the HTTP transport for the external decision provider.
// The provider receives the DecisionInput as JSON and answers with one
// IOCDecision; how it reaches that answer is its own business.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

const maxResponseBytes = 1 << 20

// Client posts decision requests to a single endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client. timeout bounds each call; zero means 60s.
func New(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Decide sends in and decodes the provider's decision. Action and outcome
// are normalised to lower case.
func (c *Client) Decide(ctx context.Context, in domain.DecisionInput) (domain.IOCDecision, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return domain.IOCDecision{}, fmt.Errorf("advisor: marshal input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.IOCDecision{}, fmt.Errorf("advisor: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.IOCDecision{}, fmt.Errorf("advisor: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.IOCDecision{}, fmt.Errorf("advisor: read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return domain.IOCDecision{}, fmt.Errorf("advisor: decide: %w", err)
	}

	var dec domain.IOCDecision
	if err := json.Unmarshal(body, &dec); err != nil {
		return domain.IOCDecision{}, fmt.Errorf("advisor: decode decision: %w", err)
	}
	dec.Action = domain.Action(strings.ToLower(strings.TrimSpace(string(dec.Action))))
	dec.Outcome = domain.ParseOutcome(string(dec.Outcome))
	return dec, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
