package sites

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakePlugin struct {
	name     string
	host     string
	data     map[string]interface{}
	patterns []string
}

func (f *fakePlugin) Name() string { return f.name }

func (f *fakePlugin) Recognizes(host string) bool { return host == f.host }

func (f *fakePlugin) FetchStructuredData(ctx context.Context, pageURL string) (map[string]interface{}, error) {
	return f.data, nil
}

func (f *fakePlugin) BlockedPatterns() []string { return f.patterns }

// barePlugin has no BlockedPatterns capability.
type barePlugin struct{ host string }

func (b *barePlugin) Name() string { return "bare" }

func (b *barePlugin) Recognizes(host string) bool { return host == b.host }

func (b *barePlugin) FetchStructuredData(ctx context.Context, pageURL string) (map[string]interface{}, error) {
	return nil, nil
}

func TestRegistryDispatch(t *testing.T) {
	gecko := &fakePlugin{name: "gecko", host: "coingecko.com", data: map[string]interface{}{"price": 1.0}}
	reg := NewRegistry(gecko)

	data, err := reg.FetchStructuredData(context.Background(), "https://www.coingecko.com/en/coins/bitcoin")
	require.NoError(t, err)
	assert.Equal(t, 1.0, data["price"])

	_, err = reg.FetchStructuredData(context.Background(), "https://unknown.test/x")
	assert.Error(t, err)
}

func TestBlockedPatternCapability(t *testing.T) {
	withPatterns := &fakePlugin{name: "a", host: "a.com", patterns: []string{"*ads*"}}
	without := &barePlugin{host: "b.com"}

	var _ BlockedPatternProvider = withPatterns

	reg := NewRegistry(withPatterns, without)
	assert.Equal(t, []string{"*ads*"}, reg.BlockedPatterns())
}

func TestCoinIDFromURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://www.coingecko.com/en/coins/bitcoin", "bitcoin", false},
		{"https://coingecko.com/coins/ethereum", "ethereum", false},
		{"https://coingecko.com/en/coins/bitcoin/historical_data", "bitcoin", false},
		{"https://coingecko.com/en/exchanges", "", true},
		{"https://coingecko.com/en/coins/", "", true},
	}
	for _, tt := range tests {
		got, err := coinIDFromURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestCoinGeckoRecognizes(t *testing.T) {
	c := NewCoinGecko()
	assert.True(t, c.Recognizes("coingecko.com"))
	assert.True(t, c.Recognizes("api.coingecko.com"))
	assert.False(t, c.Recognizes("coingecko.com.evil.test"))
}

func TestCoinGeckoFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/bitcoin", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "bitcoin", "symbol": "btc", "name": "Bitcoin",
			"market_data": {
				"current_price": {"usd": 64321.5},
				"market_cap": {"usd": 1200000000000},
				"high_24h": {"usd": 65000},
				"low_24h": {"usd": 63000},
				"price_change_percentage_24h": -1.2
			}
		}`))
	}))
	defer srv.Close()

	c := &CoinGecko{
		apiBase: srv.URL,
		client:  srv.Client(),
		limiter: rate.NewLimiter(rate.Inf, 1),
	}

	data, err := c.FetchStructuredData(context.Background(), "https://www.coingecko.com/en/coins/bitcoin")
	require.NoError(t, err)
	assert.Equal(t, "bitcoin", data["id"])
	assert.Equal(t, 64321.5, data["price_usd"])
	assert.Equal(t, -1.2, data["price_change_24h"])
}

func TestCoinGeckoFetchAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := &CoinGecko{
		apiBase: srv.URL,
		client:  &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Inf, 1),
	}

	_, err := c.FetchStructuredData(context.Background(), "https://coingecko.com/en/coins/bitcoin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}