// Package feed implements a site adapter for plain RSS/Atom feeds, so any
// feed URL can be watched alongside the marketplace searches.
package feed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/mmcdole/gofeed"

	"vahtibot/internal/model"
	"vahtibot/internal/site"
)

// URLPattern matches common feed URL shapes. Registered after the
// marketplace adapters, so it only sees URLs neither of them claimed.
const URLPattern = `^https?://.+(\.(xml|rss|atom)|/(feed|rss|atom))/?$`

// Adapter implements site.Adapter for RSS/Atom feeds.
type Adapter struct {
	client site.HTTPClient
}

// New creates a feed adapter using the given HTTP client for Validate.
func New(client site.HTTPClient) *Adapter {
	return &Adapter{client: client}
}

// ID returns the feed site identifier.
func (a *Adapter) ID() int { return model.SiteFeed }

// Name returns the site name.
func (a *Adapter) Name() string { return "feed" }

// PageSize returns 0: a feed document is complete, never truncated.
func (a *Adapter) PageSize() int { return 0 }

// Unbounded returns the URL unchanged; feeds have no page-size parameter.
func (a *Adapter) Unbounded(apiURL string) string { return apiURL }

// Translate returns the watch URL unchanged; a feed URL is its own query.
func (a *Adapter) Translate(watchURL string) (string, error) {
	return watchURL, nil
}

// Parse decodes a feed document into listings newer than after, ordered
// newest to oldest. Entries without a publication time are skipped.
func (a *Adapter) Parse(body []byte, after int64) ([]model.Listing, error) {
	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	var items []model.Listing
	for _, it := range parsed.Items {
		if it.PublishedParsed == nil {
			continue
		}
		published := it.PublishedParsed.Unix()
		if published <= after {
			continue
		}
		items = append(items, model.Listing{
			SiteID:     model.SiteFeed,
			AdID:       entryID(it),
			Title:      it.Title,
			URL:        it.Link,
			Published:  published,
			SellerName: parsed.Title,
			AdType:     "feed",
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Published > items[j].Published
	})
	return items, nil
}

// entryID derives a stable numeric ID from a feed entry. Feeds identify
// entries by GUID string; the dedup history keys on int64, so the GUID is
// hashed. Entries without a GUID fall back to title+link.
func entryID(it *gofeed.Item) int64 {
	guid := it.GUID
	if guid == "" {
		guid = it.Title + "|" + it.Link
	}
	h := sha256.Sum256([]byte(guid))
	return int64(binary.BigEndian.Uint64(h[:8]) >> 1)
}

// Validate fetches the feed and reports whether it parses with at least one
// entry.
func (a *Adapter) Validate(ctx context.Context, watchURL string) (bool, error) {
	body, err := site.Fetch(ctx, a.client, watchURL)
	if err != nil {
		return false, err
	}
	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return false, fmt.Errorf("parse feed: %w", err)
	}
	return len(parsed.Items) > 0, nil
}
