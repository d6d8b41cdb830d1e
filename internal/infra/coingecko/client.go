package coingecko

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crypsync/internal/domain"
	"crypsync/internal/infra"

	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL = "https://api.coingecko.com/api/v3"

	apiKeyHeader = "x-cg-demo-api-key"
	maxBodyBytes = 4 << 20
)

// Client fetches USD quotes from the CoinGecko simple/price endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. The http.Client timeout is a backstop; callers
// bound each batch with their own context deadline.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: slog.Default().With(slog.String("component", "coingecko")),
	}
}

// FetchBatch returns quotes for every requested id the upstream knows about.
// Unknown ids are simply absent from the result.
func (c *Client) FetchBatch(ctx context.Context, ids []string) (map[string]domain.RawQuote, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, domain.NewFatalNetworkError("build request", err)
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError("fetch", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.NewNetworkError("read body", err)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, domain.NewNetworkError("fetch", statusErr)
		}
		return nil, domain.NewFatalNetworkError("fetch", statusErr)
	}

	quotes, err := decodePrices(body)
	if err != nil {
		return nil, domain.NewFatalNetworkError("decode", err)
	}

	c.logger.Debug("Fetched quotes",
		slog.Int("requested", len(ids)),
		slog.Int("returned", len(quotes)),
	)
	return quotes, nil
}

// decodePrices parses {"bitcoin":{"usd":65000.1,"usd_24h_change":-1.2}} keeping
// the upstream's decimal digits.
func decodePrices(body []byte) (map[string]domain.RawQuote, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]map[string]json.Number
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	out := make(map[string]domain.RawQuote, len(raw))
	for id, fields := range raw {
		price, ok := fields["usd"]
		if !ok || price == "" {
			continue
		}
		p, err := decimal.NewFromString(price.String())
		if err != nil {
			return nil, fmt.Errorf("price for %s: %w", id, err)
		}
		change := decimal.Zero
		if v := fields["usd_24h_change"]; v != "" {
			if change, err = decimal.NewFromString(v.String()); err != nil {
				return nil, fmt.Errorf("24h change for %s: %w", id, err)
			}
		}
		out[id] = domain.RawQuote{Price: p, Change24h: change}
	}
	return out, nil
}
