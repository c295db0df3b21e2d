// Package sites holds site-specific plugins. A plugin knows how to fetch
// the structured ground-truth payload for pages on the domains it
// recognizes, and may contribute extra blocked URL patterns to the
// interceptor.
package sites

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"webeval/internal/logging"
)

// Plugin fetches structured data for the domains it recognizes.
type Plugin interface {
	Name() string
	Recognizes(host string) bool
	FetchStructuredData(ctx context.Context, pageURL string) (map[string]interface{}, error)
}

// BlockedPatternProvider is an optional plugin capability: extra URL globs
// the interceptor should block during sessions on this site. Detected by
// type assertion, not reflection.
type BlockedPatternProvider interface {
	BlockedPatterns() []string
}

// Registry dispatches structured-data fetches to the recognizing plugin.
// It satisfies the cache store's Fetcher interface.
type Registry struct {
	plugins []Plugin
}

// NewRegistry creates a registry over the given plugins.
func NewRegistry(plugins ...Plugin) *Registry {
	return &Registry{plugins: plugins}
}

// Register adds a plugin.
func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
}

// ForURL returns the plugin that recognizes the URL's host.
func (r *Registry) ForURL(pageURL string) (Plugin, bool) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, p := range r.plugins {
		if p.Recognizes(host) {
			return p, true
		}
	}
	return nil, false
}

// FetchStructuredData dispatches to the recognizing plugin.
func (r *Registry) FetchStructuredData(ctx context.Context, pageURL string) (map[string]interface{}, error) {
	p, ok := r.ForURL(pageURL)
	if !ok {
		return nil, fmt.Errorf("no plugin recognizes %s", pageURL)
	}
	logging.Sites("fetching structured data for %s via %s", pageURL, p.Name())
	data, err := p.FetchStructuredData(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", p.Name(), err)
	}
	return data, nil
}

// BlockedPatterns gathers extra block globs from every plugin that
// implements the capability.
func (r *Registry) BlockedPatterns() []string {
	var out []string
	for _, p := range r.plugins {
		if provider, ok := p.(BlockedPatternProvider); ok {
			out = append(out, provider.BlockedPatterns()...)
		}
	}
	return out
}
