// Package huutonet implements the site adapter for huuto.net.
package huutonet

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"vahtibot/internal/model"
	"vahtibot/internal/site"
)

// URLPattern matches huuto.net search pages, which always live under /haku.
const URLPattern = `^https://(www\.)?huuto\.net/haku?.*$`

const apiBase = "https://api.huuto.net/1.1/items?"

// Adapter implements site.Adapter for huuto.net.
type Adapter struct {
	client site.HTTPClient
}

// New creates a huuto.net adapter using the given HTTP client for Validate.
func New(client site.HTTPClient) *Adapter {
	return &Adapter{client: client}
}

// ID returns the huuto.net site identifier.
func (a *Adapter) ID() int { return model.SiteHuutonet }

// Name returns the site name.
func (a *Adapter) Name() string { return "huuto.net" }

// PageSize returns the API's default result page size.
func (a *Adapter) PageSize() int { return 50 }

// Unbounded lifts the default page-size cap from a translated API URL.
func (a *Adapter) Unbounded(apiURL string) string {
	return apiURL + "&limit=500"
}

// Translate converts a huuto.net search page URL into a search API URL.
// Search pages come in two shapes: a plain query string, and path-style
// /haku/key/value/... pairs. Either way the API query is forced to
// sort=newest, which overrides any user-chosen ordering.
func (a *Adapter) Translate(watchURL string) (string, error) {
	var query string
	if qi := strings.Index(watchURL, "?"); qi >= 0 {
		query = watchURL[qi+1:]
	} else {
		segments := strings.Split(watchURL, "/")
		// Path pairs start after https://host/haku.
		if len(segments) < 5 {
			return "", fmt.Errorf("search url %q has no parameters", watchURL)
		}
		var parts []string
		pairs := segments[4:]
		for i := 0; i+1 < len(pairs); i += 2 {
			parts = append(parts, pairs[i]+"="+pairs[i+1])
		}
		query = strings.Join(parts, "&")
	}
	if query != "" {
		query += "&"
	}
	return apiBase + query + "sort=newest", nil
}

type imageLinks struct {
	Medium string `json:"medium"`
}

type fullItem struct {
	Links struct {
		Alternative string `json:"alternative"`
	} `json:"links"`
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Seller       string  `json:"seller"`
	SellerID     int64   `json:"sellerId"`
	CurrentPrice float64 `json:"currentPrice"`
	SaleMethod   string  `json:"saleMethod"`
	ListTime     string  `json:"listTime"`
	Location     string  `json:"location"`
	Images       []struct {
		Links imageLinks `json:"links"`
	} `json:"images"`
}

type searchResponse struct {
	Items      []fullItem `json:"items"`
	TotalCount int64      `json:"totalCount"`
}

// Parse decodes a search API response into listings newer than after,
// ordered newest to oldest. Near-simultaneous listings can appear out of
// order at the cutoff, so the whole page is scanned rather than stopping at
// the first stale item.
func (a *Adapter) Parse(body []byte, after int64) ([]model.Listing, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var items []model.Listing
	for _, it := range resp.Items {
		item, err := toListing(it)
		if err != nil {
			return nil, fmt.Errorf("decode item %d: %w", it.ID, err)
		}
		if item.Published <= after {
			continue
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Published > items[j].Published
	})
	return items, nil
}

func toListing(h fullItem) (model.Listing, error) {
	listed, err := time.Parse(time.RFC3339, h.ListTime)
	if err != nil {
		return model.Listing{}, fmt.Errorf("list time %q: %w", h.ListTime, err)
	}

	var imageURL string
	if len(h.Images) > 0 {
		imageURL = h.Images[0].Links.Medium
	}

	return model.Listing{
		SiteID:     model.SiteHuutonet,
		AdID:       h.ID,
		Title:      h.Title,
		URL:        h.Links.Alternative,
		ImageURL:   imageURL,
		Published:  listed.Unix(),
		Price:      int64(math.Round(h.CurrentPrice)),
		SellerName: h.Seller,
		SellerID:   h.SellerID,
		Location:   h.Location,
		AdType:     h.SaleMethod,
	}, nil
}

// Validate probes the search API and reports whether the search currently
// matches any items.
func (a *Adapter) Validate(ctx context.Context, watchURL string) (bool, error) {
	apiURL, err := a.Translate(watchURL)
	if err != nil {
		return false, err
	}

	body, err := site.Fetch(ctx, a.client, apiURL)
	if err != nil {
		return false, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return resp.TotalCount > 0, nil
}
