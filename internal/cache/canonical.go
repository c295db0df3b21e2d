// Package cache implements the on-demand page cache shared by evaluation
// sessions: URL canonicalization, a file-locked on-disk store with TTL
// expiry, and the page/requirement types consumed by the browser layer.
package cache

import (
	"net/url"
	"path/filepath"
	"sort"
	"strings"
)

// trackingParams are query parameters that never affect page identity.
// Keys are compared lower-cased.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_content":  {},
	"utm_term":     {},
	"ref":          {},
	"source":       {},
}

// Normalize maps a URL to its canonical string form, used as the cache key.
// It is idempotent: Normalize(Normalize(u)) == Normalize(u).
//
// Host is lower-cased and default ports stripped; path case is preserved
// (origin servers are often case-sensitive there); query pairs are stripped
// of tracking parameters, lower-cased whole, and sorted.
func Normalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}

	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}

	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(u.EscapedPath())
	if q := normalizeQuery(u.RawQuery); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String()
}

// normalizeQuery drops tracking parameters, lower-cases each surviving
// key=value pair in full, and sorts the pairs lexicographically.
func normalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	var kept []string
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key := pair
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key = pair[:i]
		}
		if _, tracking := trackingParams[strings.ToLower(key)]; tracking {
			continue
		}
		kept = append(kept, strings.ToLower(pair))
	}
	sort.Strings(kept)
	return strings.Join(kept, "&")
}

// pathSanitizer replaces characters that are unsafe or ambiguous in
// filesystem path segments.
var pathSanitizer = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", "\"", "_", "/", "_", "\\", "_",
	"|", "_", "?", "_", "*", "_", " ", "_", ",", "_", "&", "_",
)

const maxSegmentLen = 200

func sanitizeSegment(seg string) string {
	seg = pathSanitizer.Replace(seg)
	if len(seg) > maxSegmentLen {
		seg = seg[:maxSegmentLen]
	}
	return seg
}

// CachePath maps a URL to the directory that holds its cache entry:
// root/<host>/<seg1>/.../<segN>. Two URLs with equal Normalize output map
// to the same path. The final segment carries the sanitized query string
// after a "__" separator so distinct queries get distinct directories.
func CachePath(root, raw string) string {
	u, err := url.Parse(Normalize(raw))
	if err != nil || u.Host == "" {
		return filepath.Join(root, sanitizeSegment(raw))
	}

	parts := []string{root, sanitizeSegment(u.Host)}
	var segs []string
	for _, seg := range strings.Split(strings.Trim(u.EscapedPath(), "/"), "/") {
		if seg != "" {
			segs = append(segs, sanitizeSegment(seg))
		}
	}
	if len(segs) == 0 {
		segs = []string{"_root_"}
	}
	if u.RawQuery != "" {
		last := segs[len(segs)-1] + "__" + strings.ToLower(u.RawQuery)
		segs[len(segs)-1] = sanitizeSegment(last)
	}
	return filepath.Join(append(parts, segs...)...)
}
