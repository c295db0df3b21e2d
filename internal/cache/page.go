package cache

import (
	"encoding/json"
	"time"
)

// CachedPage is one persisted cache entry. StructuredData is nil when the
// site fetch was skipped or failed, which is distinct from an empty map
// (fetched, genuinely no data).
type CachedPage struct {
	URL            string
	HTML           string
	StructuredData map[string]interface{}
	FetchedAt      time.Time
}

// Expired reports whether the entry is older than ttl.
func (p *CachedPage) Expired(ttl time.Duration) bool {
	return time.Since(p.FetchedAt) > ttl
}

// Complete reports whether the entry satisfies the structured-data
// requirement of the request that will consume it.
func (p *CachedPage) Complete(requiresData bool) bool {
	if !requiresData {
		return true
	}
	return len(p.StructuredData) > 0
}

// cachedPageJSON is the on-disk shape: fetchedAt is seconds since epoch.
type cachedPageJSON struct {
	URL            string                 `json:"url"`
	HTML           string                 `json:"html"`
	StructuredData map[string]interface{} `json:"structuredData"`
	FetchedAt      float64                `json:"fetchedAt"`
}

// MarshalJSON implements json.Marshaler.
func (p *CachedPage) MarshalJSON() ([]byte, error) {
	return json.Marshal(cachedPageJSON{
		URL:            p.URL,
		HTML:           p.HTML,
		StructuredData: p.StructuredData,
		FetchedAt:      float64(p.FetchedAt.UnixNano()) / float64(time.Second),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *CachedPage) UnmarshalJSON(data []byte) error {
	var raw cachedPageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.URL = raw.URL
	p.HTML = raw.HTML
	p.StructuredData = raw.StructuredData
	p.FetchedAt = time.Unix(0, int64(raw.FetchedAt*float64(time.Second)))
	return nil
}

// PageRequirement is a fetch instruction: which URL must be cached, and
// whether the entry must also carry site structured data to count as
// complete. It is never persisted.
type PageRequirement struct {
	URL                 string
	NeedsStructuredData bool
}

// Nav requires only the page HTML.
func Nav(url string) PageRequirement {
	return PageRequirement{URL: url}
}

// Data requires HTML plus non-empty structured data.
func Data(url string) PageRequirement {
	return PageRequirement{URL: url, NeedsStructuredData: true}
}

// OutcomeKind tags a FetchOutcome.
type OutcomeKind int

const (
	OutcomeOk OutcomeKind = iota
	OutcomeDegraded
	OutcomeFatal
)

// FetchOutcome is the typed result of a structured-data fetch. Callers
// branch on Kind instead of sniffing error types: Degraded means the entry
// is saved with nil data and retried on a later call, Fatal means the
// evaluation's ground truth cannot be established.
type FetchOutcome struct {
	Kind   OutcomeKind
	Data   map[string]interface{}
	Reason string
	Err    error
}
