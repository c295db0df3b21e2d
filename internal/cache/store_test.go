package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLoader struct {
	calls int64
	html  string
	err   error
	delay time.Duration
}

func (f *fakeLoader) LoadHTML(ctx context.Context, url string) (string, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	if f.html != "" {
		return f.html, nil
	}
	return "<html><body>" + url + "</body></html>", nil
}

type fakeFetcher struct {
	calls int64
	data  map[string]interface{}
	err   error
}

func (f *fakeFetcher) FetchStructuredData(ctx context.Context, url string) (map[string]interface{}, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func newTestStore(t *testing.T, ttl time.Duration, loader PageLoader) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), ttl, loader)
	require.NoError(t, err)
	return s
}

// rewriteFetchedAt backdates the persisted entry for url, simulating TTL
// elapse without sleeping.
func rewriteFetchedAt(t *testing.T, s *Store, url string, fetchedAt time.Time) {
	t.Helper()
	path := filepath.Join(CachePath(s.root, url), entryFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var page CachedPage
	require.NoError(t, json.Unmarshal(data, &page))
	page.FetchedAt = fetchedAt
	require.NoError(t, s.persist(path, &page))
}

func TestEnsureCachedNavPage(t *testing.T) {
	loader := &fakeLoader{}
	s := newTestStore(t, time.Hour, loader)
	url := "https://example.com/about"

	pages, err := s.EnsureCached(context.Background(), []PageRequirement{Nav(url)}, nil)
	require.NoError(t, err)
	require.Len(t, pages, 1)

	page := pages[Normalize(url)]
	require.NotNil(t, page)
	assert.Equal(t, url, page.URL)
	assert.Contains(t, page.HTML, url)
	assert.Nil(t, page.StructuredData)
	assert.EqualValues(t, 1, atomic.LoadInt64(&loader.calls))

	// Second call is served from the fast path
	_, err = s.EnsureCached(context.Background(), []PageRequirement{Nav(url)}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&loader.calls))
}

func TestEnsureCachedAtMostOneFetchUnderContention(t *testing.T) {
	loader := &fakeLoader{delay: 20 * time.Millisecond}
	s := newTestStore(t, time.Hour, loader)
	url := "https://example.com/contended"

	const n = 8
	var wg sync.WaitGroup
	results := make([]*CachedPage, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pages, err := s.EnsureCached(context.Background(), []PageRequirement{Nav(url)}, nil)
			errs[i] = err
			if err == nil {
				results[i] = pages[Normalize(url)]
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
	}
	assert.EqualValues(t, 1, atomic.LoadInt64(&loader.calls),
		"concurrent callers must share one underlying fetch")
	for i := 1; i < n; i++ {
		assert.Equal(t, results[0].HTML, results[i].HTML)
		assert.True(t, results[0].FetchedAt.Equal(results[i].FetchedAt))
	}
}

func TestTTLExpiryTriggersSingleRefetch(t *testing.T) {
	loader := &fakeLoader{}
	ttl := time.Hour
	s := newTestStore(t, ttl, loader)
	url := "https://example.com/stale"

	_, err := s.EnsureCached(context.Background(), []PageRequirement{Nav(url)}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt64(&loader.calls))

	rewriteFetchedAt(t, s, url, time.Now().Add(-ttl-time.Second))

	// Stale entries read as absent
	_, ok := s.GetCached(url)
	assert.False(t, ok, "expired entry must be treated as absent")

	pages, err := s.EnsureCached(context.Background(), []PageRequirement{Nav(url)}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&loader.calls))
	assert.False(t, pages[Normalize(url)].Expired(ttl))
}

func TestMandatoryDataFailureIsFatal(t *testing.T) {
	loader := &fakeLoader{}
	fetcher := &fakeFetcher{err: fmt.Errorf("api unreachable")}
	s := newTestStore(t, time.Hour, loader)
	url := "https://coingecko.com/en/coins/bitcoin"

	_, err := s.EnsureCached(context.Background(), []PageRequirement{Data(url)}, fetcher)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, url, fatal.URL)

	// The HTML is persisted with null data so it is not refetched, but the
	// entry never satisfies a data requirement.
	_, ok := s.Lookup(url, true)
	assert.False(t, ok)
	page, ok := s.Lookup(url, false)
	require.True(t, ok)
	assert.Nil(t, page.StructuredData)

	// A later attempt retries the data fetch but reuses the persisted HTML
	fetcher2 := &fakeFetcher{data: map[string]interface{}{"price": 65000.0}}
	pages, err := s.EnsureCached(context.Background(), []PageRequirement{Data(url)}, fetcher2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&loader.calls), "degraded HTML must not be reloaded")
	assert.Equal(t, 65000.0, pages[Normalize(url)].StructuredData["price"])
	assert.Equal(t, page.HTML, pages[Normalize(url)].HTML)
	assert.Equal(t, page.FetchedAt, pages[Normalize(url)].FetchedAt, "reused HTML keeps its original fetch time")
}

func TestEmptyMandatoryDataIsFatal(t *testing.T) {
	s := newTestStore(t, time.Hour, &fakeLoader{})
	fetcher := &fakeFetcher{data: map[string]interface{}{}}

	_, err := s.EnsureCached(context.Background(), []PageRequirement{Data("https://example.com/d")}, fetcher)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
}

func TestHTMLFetchFailurePersistsNothing(t *testing.T) {
	loader := &fakeLoader{err: errors.New("navigation timeout")}
	s := newTestStore(t, time.Hour, loader)
	url := "https://example.com/broken"

	_, err := s.EnsureCached(context.Background(), []PageRequirement{Nav(url)}, nil)
	require.Error(t, err)
	var fatal *FatalError
	assert.False(t, errors.As(err, &fatal), "HTML failures are retryable, not fatal")

	_, statErr := os.Stat(filepath.Join(CachePath(s.root, url), entryFileName))
	assert.True(t, os.IsNotExist(statErr), "no entry may be written on HTML failure")
}

func TestEnsureCachedFailsFastPastDeadline(t *testing.T) {
	loader := &fakeLoader{}
	s := newTestStore(t, time.Hour, loader)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.EnsureCached(ctx, []PageRequirement{Nav("https://example.com/late")}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, atomic.LoadInt64(&loader.calls))
}

func TestCorruptEntryTreatedAsAbsent(t *testing.T) {
	loader := &fakeLoader{}
	s := newTestStore(t, time.Hour, loader)
	url := "https://example.com/corrupt"

	dir := CachePath(s.root, url)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, entryFileName), []byte("{not json"), 0644))

	_, ok := s.GetCached(url)
	assert.False(t, ok)

	_, err := s.EnsureCached(context.Background(), []PageRequirement{Nav(url)}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&loader.calls))
}

func TestGetCachedAppliesCompleteness(t *testing.T) {
	s := newTestStore(t, time.Hour, &fakeLoader{})
	url := "https://example.com/nav-only"

	_, err := s.EnsureCached(context.Background(), []PageRequirement{Nav(url)}, nil)
	require.NoError(t, err)

	_, ok := s.GetCached(url)
	assert.True(t, ok)
	_, ok = s.Lookup(url, true)
	assert.False(t, ok, "nav entry must not satisfy a data requirement")
}

func TestClear(t *testing.T) {
	s := newTestStore(t, time.Hour, &fakeLoader{})
	url := "https://example.com/gone"

	_, err := s.EnsureCached(context.Background(), []PageRequirement{Nav(url)}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Clear())

	_, ok := s.GetCached(url)
	assert.False(t, ok)
}

// Scenario from the evaluation playbook: a data page is fetched once,
// served from cache within the TTL, and refetched exactly once after it.
func TestDataPageLifecycle(t *testing.T) {
	loader := &fakeLoader{}
	fetcher := &fakeFetcher{data: map[string]interface{}{"usd": 64321.5}}
	ttl := time.Hour
	s := newTestStore(t, ttl, loader)
	url := "https://coingecko.com/en/coins/bitcoin"
	reqs := []PageRequirement{Data(url)}

	pages, err := s.EnsureCached(context.Background(), reqs, fetcher)
	require.NoError(t, err)
	require.True(t, pages[Normalize(url)].Complete(true))
	assert.EqualValues(t, 1, atomic.LoadInt64(&loader.calls))
	assert.EqualValues(t, 1, atomic.LoadInt64(&fetcher.calls))

	_, err = s.EnsureCached(context.Background(), reqs, fetcher)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&loader.calls), "within TTL: zero fetches")
	assert.EqualValues(t, 1, atomic.LoadInt64(&fetcher.calls))

	rewriteFetchedAt(t, s, url, time.Now().Add(-ttl-time.Minute))

	_, err = s.EnsureCached(context.Background(), reqs, fetcher)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&loader.calls), "past TTL: exactly one fresh fetch pair")
	assert.EqualValues(t, 2, atomic.LoadInt64(&fetcher.calls))
}

func TestStats(t *testing.T) {
	loader := &fakeLoader{}
	fetcher := &fakeFetcher{data: map[string]interface{}{"k": "v"}}
	s := newTestStore(t, time.Hour, loader)

	_, err := s.EnsureCached(context.Background(), []PageRequirement{
		Nav("https://example.com/a"),
		Data("https://example.com/b"),
	}, fetcher)
	require.NoError(t, err)
	rewriteFetchedAt(t, s, "https://example.com/a", time.Now().Add(-2*time.Hour))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.WithData)
	assert.Positive(t, stats.TotalBytes)
}
