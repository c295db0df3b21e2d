package sites

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const coingeckoAPIBase = "https://api.coingecko.com/api/v3"

// CoinGecko fetches price data for coin pages. Page URLs look like
// https://www.coingecko.com/en/coins/bitcoin; the coin id maps straight
// onto the public REST API.
type CoinGecko struct {
	apiBase string
	client  *http.Client
	// The public API throttles aggressively; stay well under its limit.
	limiter *rate.Limiter
}

// NewCoinGecko creates the plugin with production defaults.
func NewCoinGecko() *CoinGecko {
	return &CoinGecko{
		apiBase: coingeckoAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Name implements Plugin.
func (c *CoinGecko) Name() string { return "coingecko" }

// Recognizes implements Plugin.
func (c *CoinGecko) Recognizes(host string) bool {
	return host == "coingecko.com" || strings.HasSuffix(host, ".coingecko.com")
}

// BlockedPatterns implements the optional interceptor capability: consent
// and ad iframes that destabilize coin pages.
func (c *CoinGecko) BlockedPatterns() []string {
	return []string{
		"*cookielaw.org*",
		"*onetrust.com*",
		"*/gpt/pubads*",
	}
}

// coinIDFromURL extracts the coin id from a page URL path like
// /en/coins/bitcoin or /coins/bitcoin.
func coinIDFromURL(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segs {
		if seg == "coins" && i+1 < len(segs) && segs[i+1] != "" {
			return segs[i+1], nil
		}
	}
	return "", fmt.Errorf("no coin id in %s", pageURL)
}

// FetchStructuredData implements Plugin. The returned map is the ground
// truth later used for scoring, so partial responses are errors.
func (c *CoinGecko) FetchStructuredData(ctx context.Context, pageURL string) (map[string]interface{}, error) {
	coinID, err := coinIDFromURL(pageURL)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	endpoint := fmt.Sprintf(
		"%s/coins/%s?localization=false&tickers=false&community_data=false&developer_data=false",
		c.apiBase, url.PathEscape(coinID),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch coin %s: %w", coinID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("coingecko api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		ID         string `json:"id"`
		Symbol     string `json:"symbol"`
		Name       string `json:"name"`
		MarketData struct {
			CurrentPrice  map[string]float64 `json:"current_price"`
			MarketCap     map[string]float64 `json:"market_cap"`
			High24h       map[string]float64 `json:"high_24h"`
			Low24h        map[string]float64 `json:"low_24h"`
			PriceChange24 float64            `json:"price_change_percentage_24h"`
		} `json:"market_data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode coin %s: %w", coinID, err)
	}
	if payload.ID == "" || len(payload.MarketData.CurrentPrice) == 0 {
		return nil, fmt.Errorf("coingecko returned no market data for %s", coinID)
	}

	return map[string]interface{}{
		"id":               payload.ID,
		"symbol":           payload.Symbol,
		"name":             payload.Name,
		"price_usd":        payload.MarketData.CurrentPrice["usd"],
		"market_cap_usd":   payload.MarketData.MarketCap["usd"],
		"high_24h_usd":     payload.MarketData.High24h["usd"],
		"low_24h_usd":      payload.MarketData.Low24h["usd"],
		"price_change_24h": payload.MarketData.PriceChange24,
		"fetched_via":      "coingecko-api-v3",
	}, nil
}
