// Package browser provides browser automation for evaluation sessions: a
// rod-backed session manager and a network-request interceptor that serves
// pages from the on-demand cache.
package browser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/go-rod/rod/lib/proto"

	"webeval/internal/cache"
	"webeval/internal/logging"
)

// Action is the disposition of an intercepted request.
type Action int

const (
	// ActionContinue lets the request reach the real network.
	ActionContinue Action = iota
	// ActionFulfil serves a synthetic or cached response.
	ActionFulfil
	// ActionAbort rejects the request at the transport level.
	ActionAbort
)

// Decision is the outcome of one interception.
type Decision struct {
	Action      Action
	Status      int
	ContentType string
	Body        string
}

func decideContinue() Decision { return Decision{Action: ActionContinue} }
func decideAbort() Decision    { return Decision{Action: ActionAbort} }

func decideHTML(status int, body string) Decision {
	return Decision{Action: ActionFulfil, Status: status, ContentType: "text/html; charset=utf-8", Body: body}
}

// builtinBlockPatterns match tracking, analytics and ad traffic. Matched as
// substrings against the full request URL.
var builtinBlockPatterns = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"googlesyndication.com",
	"doubleclick.net",
	"adservice.google",
	"connect.facebook.net",
	"facebook.com/tr",
	"hotjar.com",
	"mixpanel.com",
	"segment.com",
	"amplitude.com",
	"scorecardresearch.com",
	"quantserve.com",
	"criteo.com",
	"/adsbygoogle",
	"/gtag/js",
}

// Stats counts interception outcomes for one session.
type Stats struct {
	Hits    int
	Misses  int
	Blocked int
	Passed  int
	Errors  int
}

const maxRecordedMisses = 10

// Interceptor routes every outbound request of a live browser session:
// serve from cache, block, or pass through. It holds a non-owning
// read-through view of the cache store, scoped to one evaluation session.
type Interceptor struct {
	mu        sync.Mutex
	store     *cache.Store
	allowed   []string
	blockRe   []*regexp.Regexp
	index     map[string]*cache.CachedPage
	snapshots map[string]string
	stats     Stats
	missed    []string
	closed    bool
}

// NewInterceptor builds an interceptor for one session. pages seeds the
// in-memory index; allowedDomains empty means allow all; extraPatterns are
// evaluation-supplied globs merged into the built-in block set.
func NewInterceptor(store *cache.Store, pages []*cache.CachedPage, allowedDomains, extraPatterns []string) *Interceptor {
	it := &Interceptor{
		store:     store,
		index:     make(map[string]*cache.CachedPage, len(pages)),
		snapshots: make(map[string]string),
	}
	for _, d := range allowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			it.allowed = append(it.allowed, strings.TrimPrefix(d, "www."))
		}
	}
	for _, p := range builtinBlockPatterns {
		it.blockRe = append(it.blockRe, regexp.MustCompile(regexp.QuoteMeta(p)))
	}
	for _, g := range extraPatterns {
		re, err := globToRegexp(g)
		if err != nil {
			logging.Get(logging.CategoryIntercept).Warn("bad blocked pattern %q: %v", g, err)
			continue
		}
		it.blockRe = append(it.blockRe, re)
	}
	for _, p := range pages {
		it.addPage(p)
	}
	return it
}

// globToRegexp translates a shell-style glob into a regexp matched
// anywhere in the URL.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return regexp.Compile(b.String())
}

func (it *Interceptor) addPage(p *cache.CachedPage) {
	key := cache.Normalize(p.URL)
	it.index[key] = p
	if snap, ok := p.StructuredData["snapshot"].(string); ok && snap != "" {
		it.snapshots[key] = snap
	}
}

// Decide routes one request. It never returns an error: internal failures
// collapse to pass-through for documents and abort otherwise, so a bug here
// degrades gracefully instead of showing the agent a fake network failure.
func (it *Interceptor) Decide(rawURL string, rtype proto.NetworkResourceType) (d Decision) {
	isDoc := rtype == proto.NetworkResourceTypeDocument
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryIntercept).Error("interception panic for %s: %v", rawURL, r)
			it.mu.Lock()
			it.stats.Errors++
			it.mu.Unlock()
			if isDoc {
				d = decideContinue()
			} else {
				d = decideAbort()
			}
		}
	}()

	if strings.HasPrefix(rawURL, "about:") || strings.HasPrefix(rawURL, "chrome:") {
		return decideContinue()
	}

	it.mu.Lock()
	defer it.mu.Unlock()
	if it.closed {
		return decideContinue()
	}

	// Block patterns win over everything, including the allow-list.
	if it.matchesBlockPattern(rawURL) {
		it.stats.Blocked++
		logging.InterceptDebug("blocked %s", rawURL)
		if isDoc {
			// Aborting a navigation looks like a real network failure to
			// the agent; a synthetic 403 page keeps the observation honest.
			return decideHTML(403, blockedPageBody(rawURL))
		}
		return decideAbort()
	}

	switch rtype {
	case proto.NetworkResourceTypeDocument:
		return it.decideDocument(rawURL)
	case proto.NetworkResourceTypeStylesheet,
		proto.NetworkResourceTypeScript,
		proto.NetworkResourceTypeImage,
		proto.NetworkResourceTypeFont:
		// Static assets render the page the agent sees; never block them.
		it.stats.Passed++
		return decideContinue()
	default:
		if it.domainAllowed(rawURL) {
			it.stats.Passed++
			return decideContinue()
		}
		it.stats.Blocked++
		return decideAbort()
	}
}

// decideDocument serves a top-level navigation. Caller holds it.mu.
func (it *Interceptor) decideDocument(rawURL string) Decision {
	if page := it.lookup(rawURL); page != nil {
		it.stats.Hits++
		logging.InterceptDebug("cache hit %s", rawURL)
		return decideHTML(200, page.HTML)
	}

	it.stats.Misses++
	if len(it.missed) < maxRecordedMisses {
		it.missed = append(it.missed, rawURL)
	}
	logging.Intercept("cache miss %s", rawURL)

	if it.domainAllowed(rawURL) {
		it.stats.Passed++
		return decideContinue()
	}
	return decideHTML(403, disallowedPageBody(rawURL))
}

// lookup finds a cached page for the URL, tolerating www./non-www. host
// variants, first in the session index and then through the store.
func (it *Interceptor) lookup(rawURL string) *cache.CachedPage {
	for _, candidate := range wwwVariants(rawURL) {
		key := cache.Normalize(candidate)
		if page, ok := it.index[key]; ok {
			return page
		}
		if it.store == nil {
			continue
		}
		if page, ok := it.store.GetCached(candidate); ok {
			it.addPage(page)
			return page
		}
	}
	return nil
}

// wwwVariants returns the URL itself plus its www-toggled twin.
func wwwVariants(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return []string{rawURL}
	}
	host := strings.ToLower(u.Hostname())
	var twin url.URL = *u
	if strings.HasPrefix(host, "www.") {
		twin.Host = strings.TrimPrefix(host, "www.")
	} else {
		twin.Host = "www." + host
	}
	if port := u.Port(); port != "" {
		twin.Host += ":" + port
	}
	return []string{rawURL, twin.String()}
}

func (it *Interceptor) matchesBlockPattern(rawURL string) bool {
	for _, re := range it.blockRe {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

// domainAllowed reports whether the URL's host is on the allow-list. An
// empty list allows everything. Matching tolerates www. prefixes and
// subdomains of an allowed apex.
func (it *Interceptor) domainAllowed(rawURL string) bool {
	if len(it.allowed) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, d := range it.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Snapshot returns the deterministic content snapshot registered for a URL
// during this session, if any.
func (it *Interceptor) Snapshot(rawURL string) (string, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	snap, ok := it.snapshots[cache.Normalize(rawURL)]
	return snap, ok
}

// Stats returns a copy of the session counters.
func (it *Interceptor) Stats() Stats {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.stats
}

// MissedURLs returns the first few cache misses, for diagnostics.
func (it *Interceptor) MissedURLs() []string {
	it.mu.Lock()
	defer it.mu.Unlock()
	out := make([]string, len(it.missed))
	copy(out, it.missed)
	return out
}

// Close releases the index, side-table and cached-page references so large
// HTML bodies are not retained across sessions.
func (it *Interceptor) Close() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.index = nil
	it.snapshots = nil
	it.closed = true
}

func blockedPageBody(rawURL string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><title>403 Blocked</title></head>
<body><h1>403 Blocked</h1>
<p>This request was blocked by the evaluation environment: %s</p>
</body></html>`, htmlEscape(rawURL))
}

func disallowedPageBody(rawURL string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><title>403 Domain Not Allowed</title></head>
<body><h1>403 Domain Not Allowed</h1>
<p>The domain of %s is outside this evaluation's allowed set.</p>
</body></html>`, htmlEscape(rawURL))
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func htmlEscape(s string) string { return htmlEscaper.Replace(s) }
