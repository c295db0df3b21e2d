package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"webeval/internal/logging"
)

const (
	entryFileName = "page.json"
	lockFileName  = "page.json.lock"

	// DefaultTTL is how long a cached page stays valid.
	DefaultTTL = 24 * time.Hour

	defaultLockTimeout = 30 * time.Second
	lockRetryInterval  = 100 * time.Millisecond
)

// PageLoader retrieves the raw HTML for a URL. In production this is the
// browser session layer; tests supply a fake.
type PageLoader interface {
	LoadHTML(ctx context.Context, url string) (string, error)
}

// Fetcher is the site-plugin interface for structured data (e.g. parsed
// price data). Must be idempotent for a given URL.
type Fetcher interface {
	FetchStructuredData(ctx context.Context, url string) (map[string]interface{}, error)
}

// Store owns a cache directory tree on disk. It is safe for concurrent use
// within one process and across processes sharing the same root: writes to
// a key are serialized by a per-entry advisory file lock, reads are
// lockless. Construct one per orchestration run; there is no package-level
// singleton.
type Store struct {
	root        string
	ttl         time.Duration
	loader      PageLoader
	lockTimeout time.Duration
}

// NewStore creates a store rooted at root. A zero ttl means DefaultTTL.
func NewStore(root string, ttl time.Duration, loader PageLoader) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("cache root required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Store{
		root:        root,
		ttl:         ttl,
		loader:      loader,
		lockTimeout: defaultLockTimeout,
	}, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// TTL returns the configured entry lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// EnsureCached guarantees a valid, complete, non-expired entry exists on
// disk for every requirement and returns the entries keyed by normalized
// URL. Each missing entry is fetched exactly once even under concurrent
// callers in this or other processes. A mandatory structured-data failure
// aborts with *FatalError.
func (s *Store) EnsureCached(ctx context.Context, reqs []PageRequirement, fetcher Fetcher) (map[string]*CachedPage, error) {
	timer := logging.StartTimer(logging.CategoryCache, "EnsureCached")
	defer timer.Stop()

	pages := make(map[string]*CachedPage, len(reqs))
	for _, req := range reqs {
		page, err := s.ensureOne(ctx, req, fetcher)
		if err != nil {
			return nil, err
		}
		pages[Normalize(req.URL)] = page
	}
	return pages, nil
}

// ensureOne runs the fetch-check-lock-recheck-fetch-save protocol for a
// single requirement.
func (s *Store) ensureOne(ctx context.Context, req PageRequirement, fetcher Fetcher) (*CachedPage, error) {
	// The evaluation has an outer deadline; never start work past it.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ensure cached %s: %w", req.URL, err)
	}

	dir := CachePath(s.root, req.URL)
	entryPath := filepath.Join(dir, entryFileName)

	// Fast path: no lock. This is the common case and must not pay
	// lock-acquisition cost.
	if page, ok := s.readEntry(entryPath, req.NeedsStructuredData); ok {
		logging.CacheDebug("fast-path hit for %s", req.URL)
		return page, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil || !locked {
		if err == nil {
			err = fmt.Errorf("lock not acquired")
		}
		return nil, fmt.Errorf("acquire cache lock for %s: %w", req.URL, err)
	}
	// Unlock on every exit path so a failed fetch cannot wedge the key.
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			logging.Get(logging.CategoryCache).Warn("unlock %s: %v", req.URL, uerr)
		}
	}()

	// Re-check under lock: another process may have refreshed the entry
	// while we waited.
	if page, ok := s.readEntry(entryPath, req.NeedsStructuredData); ok {
		logging.CacheDebug("refreshed by concurrent writer: %s", req.URL)
		return page, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ensure cached %s: %w", req.URL, err)
	}

	// A degraded entry (HTML present, data null) may already be on disk
	// from an earlier attempt; its HTML is reused and only the data fetch
	// is retried.
	var prior *CachedPage
	if req.NeedsStructuredData {
		if p, ok := s.readEntry(entryPath, false); ok {
			prior = p
		}
	}

	page, outcome, err := s.fetch(ctx, req, fetcher, prior)
	if err != nil {
		// HTML fetch failed; nothing persisted, the caller owns retry
		// timing and backoff.
		return nil, err
	}

	// The entry is persisted even when the data fetch degraded, so the
	// HTML is not refetched on the next attempt.
	if err := s.persist(entryPath, page); err != nil {
		return nil, err
	}
	logging.Cache("cached %s (structured data: %v)", req.URL, page.StructuredData != nil)

	if req.NeedsStructuredData && outcome.Kind != OutcomeOk {
		err := outcome.Err
		if err == nil {
			err = fmt.Errorf("%s", outcome.Reason)
		}
		return nil, &FatalError{URL: req.URL, Err: err}
	}

	// Return the persisted view so every caller, reader or writer, sees
	// byte-identical entries.
	if persisted, ok := s.readEntry(entryPath, req.NeedsStructuredData); ok {
		return persisted, nil
	}
	return page, nil
}

// fetch retrieves the page HTML and, when required, the site structured
// data. A structured-data failure degrades the entry (nil data) rather
// than aborting the HTML fetch. A non-nil prior entry supplies the HTML
// and keeps its fetch time, so its TTL is not silently extended.
func (s *Store) fetch(ctx context.Context, req PageRequirement, fetcher Fetcher, prior *CachedPage) (*CachedPage, FetchOutcome, error) {
	html := ""
	fetchedAt := time.Now()
	if prior != nil {
		html = prior.HTML
		fetchedAt = prior.FetchedAt
	} else {
		if s.loader == nil {
			return nil, FetchOutcome{}, fmt.Errorf("no page loader configured")
		}
		loaded, err := s.loader.LoadHTML(ctx, req.URL)
		if err != nil {
			return nil, FetchOutcome{}, fmt.Errorf("load %s: %w", req.URL, err)
		}
		html = loaded
	}

	outcome := s.fetchStructured(ctx, req, fetcher)
	page := &CachedPage{
		URL:            req.URL,
		HTML:           html,
		StructuredData: outcome.Data,
		FetchedAt:      fetchedAt,
	}
	return page, outcome, nil
}

func (s *Store) fetchStructured(ctx context.Context, req PageRequirement, fetcher Fetcher) FetchOutcome {
	if !req.NeedsStructuredData {
		return FetchOutcome{Kind: OutcomeOk}
	}
	if fetcher == nil {
		return FetchOutcome{Kind: OutcomeDegraded, Reason: "no fetcher for data page", Err: fmt.Errorf("no fetcher for data page")}
	}
	data, err := fetcher.FetchStructuredData(ctx, req.URL)
	if err != nil {
		logging.Get(logging.CategoryCache).Error("structured data fetch failed for %s: %v", req.URL, err)
		return FetchOutcome{Kind: OutcomeDegraded, Reason: "fetch failed", Err: err}
	}
	if len(data) == 0 {
		logging.Get(logging.CategoryCache).Error("structured data fetch returned empty for %s", req.URL)
		return FetchOutcome{Kind: OutcomeDegraded, Reason: "fetcher returned no data", Err: fmt.Errorf("fetcher returned no data")}
	}
	return FetchOutcome{Kind: OutcomeOk, Data: data}
}

// GetCached is a pure read: no lock, no fetch. Stale or malformed entries
// are reported as absent.
func (s *Store) GetCached(url string) (*CachedPage, bool) {
	return s.Lookup(url, false)
}

// Lookup is GetCached with an explicit completeness requirement.
func (s *Store) Lookup(url string, requiresData bool) (*CachedPage, bool) {
	entryPath := filepath.Join(CachePath(s.root, url), entryFileName)
	return s.readEntry(entryPath, requiresData)
}

// readEntry loads and gates one entry. Corrupt JSON and missing fields are
// treated identically to absence; a reader must never crash on them.
func (s *Store) readEntry(path string, requiresData bool) (*CachedPage, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var page CachedPage
	if err := json.Unmarshal(data, &page); err != nil {
		logging.Get(logging.CategoryCache).Warn("corrupt cache entry %s: %v", path, err)
		return nil, false
	}
	if page.URL == "" || page.HTML == "" {
		return nil, false
	}
	if page.Expired(s.ttl) {
		logging.CacheDebug("expired entry %s (fetched %v)", path, page.FetchedAt)
		return nil, false
	}
	if !page.Complete(requiresData) {
		logging.CacheDebug("incomplete entry %s (structured data required)", path)
		return nil, false
	}
	return &page, true
}

// persist writes the entry atomically: temp file in the same directory,
// then rename, so readers never observe a partial write.
func (s *Store) persist(entryPath string, page *CachedPage) error {
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	dir := filepath.Dir(entryPath)
	tmp, err := os.CreateTemp(dir, ".page-*.json")
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cache entry: %w", err)
	}
	if err := os.Rename(tmpName, entryPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename cache entry: %w", err)
	}
	return nil
}

// Clear removes every cached entry under the root.
func (s *Store) Clear() error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return os.MkdirAll(s.root, 0755)
}

// StoreStats summarizes the on-disk cache for diagnostics.
type StoreStats struct {
	Entries    int
	Expired    int
	WithData   int
	TotalBytes int64
}

// Stats walks the cache tree and counts entries. Stale entries are counted,
// not removed; eviction happens on read.
func (s *Store) Stats() (StoreStats, error) {
	var stats StoreStats
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() != entryFileName {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stats.Entries++
		stats.TotalBytes += info.Size()

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var page CachedPage
		if err := json.Unmarshal(data, &page); err != nil {
			return nil
		}
		if page.Expired(s.ttl) {
			stats.Expired++
		}
		if len(page.StructuredData) > 0 {
			stats.WithData++
		}
		return nil
	})
	if err != nil {
		return StoreStats{}, fmt.Errorf("walk cache root: %w", err)
	}
	return stats, nil
}
