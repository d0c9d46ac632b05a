package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polybook/internal/crypto"
	"github.com/alanyoungcy/polybook/internal/domain"
)

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. It handles order placement and open-order queries.
type ClobClient struct {
	baseURL       string
	httpClient    *http.Client
	signer        *crypto.Signer
	hmacAuth      *crypto.HMACAuth
	funder        string
	signatureType int
}

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
// signer is the EIP-712 signer for order signatures and auth messages.
// hmac is the HMAC authenticator for API requests; nil until DeriveAPIKey.
func NewClobClient(baseURL string, signer *crypto.Signer, hmac *crypto.HMACAuth) *ClobClient {
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer:   signer,
		hmacAuth: hmac,
	}
}

// WithFunder sets the proxy wallet that holds funds and the signature type
// used for orders (0 EOA, 1 poly proxy, 2 gnosis safe).
func (c *ClobClient) WithFunder(funder string, signatureType int) *ClobClient {
	c.funder = funder
	c.signatureType = signatureType
	return c
}

// HasCredentials reports whether L2 API credentials are loaded.
func (c *ClobClient) HasCredentials() bool {
	return c.hmacAuth != nil
}

// PostOrder submits a signed order to the CLOB API and returns the result.
func (c *ClobClient) PostOrder(ctx context.Context, order domain.Order) (domain.OrderResult, error) {
	if order.MakerAmount == nil || order.TakerAmount == nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w: missing amounts", domain.ErrInvalidOrder)
	}
	maker := order.Wallet
	if c.funder != "" {
		maker = c.funder
	}
	owner := ""
	if c.hmacAuth != nil {
		owner = c.hmacAuth.Key
	}

	body := map[string]any{
		"order": map[string]any{
			"salt":          order.ID,
			"tokenId":       order.TokenID,
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"side":          strings.ToUpper(string(order.Side)),
			"feeRateBps":    "0",
			"nonce":         "0",
			"expiration":    "0",
			"signatureType": c.signatureType,
			"signature":     order.Signature,
			"maker":         maker,
			"signer":        order.Wallet,
			"taker":         "0x0000000000000000000000000000000000000000",
		},
		"owner":     owner,
		"orderType": string(order.Type),
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", nil, body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var apiResult APIOrderResult
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}

	result := apiResult.ToDomainOrderResult()
	result.FilledSize, result.FilledPrice = filledFromAmounts(order.Side, apiResult.MakingAmount, apiResult.TakingAmount)
	if !result.Success {
		return result, fmt.Errorf("polymarket/clob: order rejected: %s", result.Message)
	}

	return result, nil
}

// GetOpenOrders returns the authenticated wallet's open orders. An empty
// assetID returns orders on every asset.
func (c *ClobClient) GetOpenOrders(ctx context.Context, assetID string) ([]domain.OpenOrder, error) {
	var out []domain.OpenOrder
	cursor := ""
	for {
		q := url.Values{}
		if assetID != "" {
			q.Set("asset_id", assetID)
		}
		if cursor != "" {
			q.Set("next_cursor", cursor)
		}

		respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, "/data/orders", q, nil)
		if err != nil {
			return nil, fmt.Errorf("polymarket/clob: get open orders: %w", err)
		}

		var page apiOrderPage
		if err := json.Unmarshal(respBody, &page); err != nil {
			return nil, fmt.Errorf("polymarket/clob: decode orders: %w", err)
		}
		for i := range page.Data {
			out = append(out, page.Data[i].ToDomainOpenOrder())
		}
		// "LTE=" is the terminal cursor
		if page.NextCursor == "" || page.NextCursor == "LTE=" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

// DeriveAPIKey performs the CLOB auth flow to obtain an HMAC API key. It
// signs a ClobAuth EIP-712 message and sends it with L1 headers to the
// derive-api-key endpoint. On success it populates the client's hmacAuth.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	if c.signer == nil {
		return fmt.Errorf("polymarket/clob: derive api key: %w: no signer", domain.ErrUnauthorized)
	}
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(address, timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.FormatInt(nonce, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return fmt.Errorf("polymarket/clob: auth failed: %w", err)
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	c.hmacAuth = &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}

	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. The HMAC covers the path without the query.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.hmacAuth != nil && c.signer != nil {
		address := c.signer.Address().Hex()
		headers := c.hmacAuth.L2Headers(address, method, path, bodyStr)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// filledFromAmounts derives filled shares and average price from the
// making/taking amounts of a matched order. A buy makes USDC and takes
// shares, a sell makes shares and takes USDC.
func filledFromAmounts(side domain.OrderSide, making, taking string) (size, price float64) {
	m, errM := strconv.ParseFloat(making, 64)
	t, errT := strconv.ParseFloat(taking, 64)
	if errM != nil || errT != nil || m <= 0 || t <= 0 {
		return 0, 0
	}
	if side == domain.OrderSideBuy {
		return t, m / t
	}
	return m, t / m
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
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
