// Package site defines the marketplace adapter contract and the URL
// classifier that routes a saved search to the adapter responsible for it.
package site

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"vahtibot/internal/model"
)

// ErrUnknownURL is returned when no registered adapter matches a URL.
var ErrUnknownURL = errors.New("url matches no supported site")

// Adapter is implemented once per supported marketplace. Translate and Parse
// are pure; Validate performs a live probe and is used at watch-creation
// time only.
type Adapter interface {
	// ID returns the site identifier stored on watches and listings.
	ID() int
	// Name returns a short human-readable site name.
	Name() string
	// Translate converts a saved search URL into the site's search API URL.
	// It must be idempotent and must not perform I/O.
	Translate(watchURL string) (string, error)
	// Unbounded rewrites a translated API URL so that the response is not
	// capped at the site's default page size.
	Unbounded(apiURL string) string
	// Parse decodes a search response into listings with Published > after,
	// ordered newest to oldest. The whole response is always scanned; pages
	// are not assumed strictly sorted, so a stale record never ends the scan.
	Parse(body []byte, after int64) ([]model.Listing, error)
	// Validate reports whether the search currently yields any results.
	Validate(ctx context.Context, watchURL string) (bool, error)
	// PageSize returns the site's default result page size, or 0 when
	// responses are never truncated. A parse that returns exactly PageSize
	// items is treated as possibly truncated and re-fetched Unbounded.
	PageSize() int
}

type entry struct {
	pattern *regexp.Regexp
	adapter Adapter
}

// Registry classifies URLs to adapters by anchored pattern matching.
// Registration order decides ties; patterns are expected not to overlap for
// valid production URLs.
type Registry struct {
	entries []entry
	bySite  map[int]Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{bySite: make(map[int]Adapter)}
}

// Register adds an adapter with its URL pattern. The pattern is compiled
// anchored as written; invalid patterns are a programming error.
func (r *Registry) Register(pattern string, a Adapter) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compile site pattern %q: %w", pattern, err)
	}
	r.entries = append(r.entries, entry{pattern: re, adapter: a})
	r.bySite[a.ID()] = a
	return nil
}

// Classify returns the first registered adapter whose pattern matches url,
// or ErrUnknownURL.
func (r *Registry) Classify(url string) (Adapter, error) {
	for _, e := range r.entries {
		if e.pattern.MatchString(url) {
			return e.adapter, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownURL, url)
}

// BySite returns the adapter registered for a site ID.
func (r *Registry) BySite(id int) (Adapter, bool) {
	a, ok := r.bySite[id]
	return a, ok
}
