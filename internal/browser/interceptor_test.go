package browser

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webeval/internal/cache"
)

type staticLoader struct{}

func (staticLoader) LoadHTML(ctx context.Context, url string) (string, error) {
	return "<html><body>live: " + url + "</body></html>", nil
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.NewStore(t.TempDir(), time.Hour, staticLoader{})
	require.NoError(t, err)
	return s
}

func cachedPage(url, html string) *cache.CachedPage {
	return &cache.CachedPage{URL: url, HTML: html, FetchedAt: time.Now()}
}

func TestDecideServesCachedDocument(t *testing.T) {
	page := cachedPage("https://example.com/a", "<html>cached</html>")
	it := NewInterceptor(nil, []*cache.CachedPage{page}, nil, nil)

	d := it.Decide("https://example.com/a", proto.NetworkResourceTypeDocument)
	assert.Equal(t, ActionFulfil, d.Action)
	assert.Equal(t, 200, d.Status)
	assert.Equal(t, "<html>cached</html>", d.Body)
	assert.Equal(t, 1, it.Stats().Hits)
}

func TestDecideNormalizesLookup(t *testing.T) {
	page := cachedPage("https://example.com/a?b=2&a=1", "<html>q</html>")
	it := NewInterceptor(nil, []*cache.CachedPage{page}, nil, nil)

	d := it.Decide("https://EXAMPLE.com/a?a=1&b=2&utm_source=x", proto.NetworkResourceTypeDocument)
	assert.Equal(t, ActionFulfil, d.Action)
	assert.Equal(t, "<html>q</html>", d.Body)
}

func TestDecideWWWVariantHit(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		request string
	}{
		{"stored www, requested bare", "https://www.example.com/a", "https://example.com/a"},
		{"stored bare, requested www", "https://example.com/a", "https://www.example.com/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := NewInterceptor(nil, []*cache.CachedPage{cachedPage(tt.stored, "<html>w</html>")}, nil, nil)
			d := it.Decide(tt.request, proto.NetworkResourceTypeDocument)
			assert.Equal(t, ActionFulfil, d.Action)
			assert.Equal(t, "<html>w</html>", d.Body)
		})
	}
}

func TestDecideReadsThroughStore(t *testing.T) {
	store := newTestStore(t)
	url := "https://example.com/from-disk"
	_, err := store.EnsureCached(context.Background(), []cache.PageRequirement{cache.Nav(url)}, nil)
	require.NoError(t, err)

	it := NewInterceptor(store, nil, nil, nil)
	d := it.Decide(url, proto.NetworkResourceTypeDocument)
	assert.Equal(t, ActionFulfil, d.Action)
	assert.Contains(t, d.Body, "live: "+url)
	assert.Equal(t, 1, it.Stats().Hits)

	// Second hit comes from the warmed index, still a hit
	d = it.Decide(url, proto.NetworkResourceTypeDocument)
	assert.Equal(t, ActionFulfil, d.Action)
	assert.Equal(t, 2, it.Stats().Hits)
}

func TestBlockPatternBeatsAllowList(t *testing.T) {
	it := NewInterceptor(nil, nil, []string{"google-analytics.com"}, nil)

	d := it.Decide("https://www.google-analytics.com/collect", proto.NetworkResourceTypeXHR)
	assert.Equal(t, ActionAbort, d.Action)
	assert.Equal(t, 1, it.Stats().Blocked)
}

func TestBlockedDocumentGetsSyntheticPage(t *testing.T) {
	it := NewInterceptor(nil, nil, nil, nil)

	d := it.Decide("https://doubleclick.net/landing", proto.NetworkResourceTypeDocument)
	assert.Equal(t, ActionFulfil, d.Action, "blocked navigations must not abort")
	assert.Equal(t, 403, d.Status)
	assert.Contains(t, d.Body, "403")
}

func TestExtraGlobPatterns(t *testing.T) {
	it := NewInterceptor(nil, nil, nil, []string{"*/checkout/*"})

	d := it.Decide("https://example.com/checkout/pay", proto.NetworkResourceTypeXHR)
	assert.Equal(t, ActionAbort, d.Action)

	d = it.Decide("https://example.com/browse", proto.NetworkResourceTypeXHR)
	assert.Equal(t, ActionContinue, d.Action)
}

func TestDocumentMissAllowedPassesThrough(t *testing.T) {
	it := NewInterceptor(nil, nil, []string{"example.com"}, nil)

	d := it.Decide("https://example.com/missing", proto.NetworkResourceTypeDocument)
	assert.Equal(t, ActionContinue, d.Action)
	assert.Equal(t, 1, it.Stats().Misses)
	assert.Equal(t, []string{"https://example.com/missing"}, it.MissedURLs())
}

func TestDocumentMissDisallowedGetsSyntheticPage(t *testing.T) {
	it := NewInterceptor(nil, nil, []string{"example.com"}, nil)

	d := it.Decide("https://evil.test/x", proto.NetworkResourceTypeDocument)
	assert.Equal(t, ActionFulfil, d.Action)
	assert.Equal(t, 403, d.Status)
	assert.Contains(t, d.Body, "Domain Not Allowed")
}

func TestStaticAssetsAlwaysPassThrough(t *testing.T) {
	it := NewInterceptor(nil, nil, []string{"example.com"}, nil)

	for _, rtype := range []proto.NetworkResourceType{
		proto.NetworkResourceTypeStylesheet,
		proto.NetworkResourceTypeScript,
		proto.NetworkResourceTypeImage,
		proto.NetworkResourceTypeFont,
	} {
		d := it.Decide("https://cdn.other.test/asset", rtype)
		assert.Equal(t, ActionContinue, d.Action, "resource type %s", rtype)
	}
}

func TestXHRDisallowedDomainAborted(t *testing.T) {
	it := NewInterceptor(nil, nil, []string{"example.com"}, nil)

	d := it.Decide("https://api.other.test/v1/data", proto.NetworkResourceTypeXHR)
	assert.Equal(t, ActionAbort, d.Action)

	d = it.Decide("https://api.example.com/v1/data", proto.NetworkResourceTypeXHR)
	assert.Equal(t, ActionContinue, d.Action, "subdomains of an allowed apex are allowed")
}

func TestAboutBlankUntouched(t *testing.T) {
	it := NewInterceptor(nil, nil, []string{"example.com"}, nil)
	d := it.Decide("about:blank", proto.NetworkResourceTypeDocument)
	assert.Equal(t, ActionContinue, d.Action)

	s := it.Stats()
	assert.Zero(t, s.Hits+s.Misses+s.Blocked+s.Passed+s.Errors)
}

func TestMissedURLListBounded(t *testing.T) {
	it := NewInterceptor(nil, nil, nil, nil)
	for i := 0; i < 25; i++ {
		it.Decide(fmt.Sprintf("https://example.com/miss/%d", i), proto.NetworkResourceTypeDocument)
	}
	assert.Len(t, it.MissedURLs(), maxRecordedMisses)
	assert.Equal(t, 25, it.Stats().Misses)
}

func TestSnapshotSideTable(t *testing.T) {
	page := cachedPage("https://example.com/snap", "<html>s</html>")
	page.StructuredData = map[string]interface{}{"snapshot": "accessibility tree"}
	it := NewInterceptor(nil, []*cache.CachedPage{page}, nil, nil)

	snap, ok := it.Snapshot("https://EXAMPLE.com/snap")
	require.True(t, ok)
	assert.Equal(t, "accessibility tree", snap)

	_, ok = it.Snapshot("https://example.com/other")
	assert.False(t, ok)
}

func TestCloseReleasesState(t *testing.T) {
	page := cachedPage("https://example.com/a", "<html>x</html>")
	it := NewInterceptor(nil, []*cache.CachedPage{page}, nil, nil)
	it.Close()

	d := it.Decide("https://example.com/a", proto.NetworkResourceTypeDocument)
	assert.Equal(t, ActionContinue, d.Action, "closed interceptor must not serve")
}

func TestGlobToRegexp(t *testing.T) {
	re, err := globToRegexp("https://*.ads.example.com/*")
	require.NoError(t, err)
	assert.True(t, re.MatchString("https://x.ads.example.com/banner"))
	assert.False(t, re.MatchString("https://example.com/banner"))
}
