// Package tori implements the site adapter for tori.fi.
//
// Saved searches are browser URLs whose query parameters use short legacy
// codes; Translate remaps them to the public search API's parameters. The
// query string may carry ISO-8859 percent-escapes left over from the old
// site, which are decoded before remapping.
package tori

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"vahtibot/internal/model"
	"vahtibot/internal/site"
)

// URLPattern matches tori.fi search pages. A search page always carries a
// query string.
const URLPattern = `^https://(m\.|www\.)?tori\.fi/.*\?.*$`

const apiBase = "https://api.tori.fi/api/v1.2/public/ads?"

const imageBase = "https://images.tori.fi/api/v1/imagestori/images"

// priceCodes maps the search page's ps/pe price-range codes to absolute
// euro bounds.
var priceCodes = [...]string{"0", "25", "50", "75", "100", "250", "500", "1000", "2000"}

// Adapter implements site.Adapter for tori.fi.
type Adapter struct {
	client site.HTTPClient
}

// New creates a tori.fi adapter using the given HTTP client for Validate.
func New(client site.HTTPClient) *Adapter {
	return &Adapter{client: client}
}

// ID returns the tori.fi site identifier.
func (a *Adapter) ID() int { return model.SiteTori }

// Name returns the site name.
func (a *Adapter) Name() string { return "tori.fi" }

// PageSize returns the API's default result page size.
func (a *Adapter) PageSize() int { return 40 }

// Unbounded lifts the default page-size cap from a translated API URL.
func (a *Adapter) Unbounded(apiURL string) string {
	return apiURL + "&lim=500"
}

type param struct {
	key   string
	value string
}

// Translate converts a tori.fi search page URL into a search API URL.
func (a *Adapter) Translate(watchURL string) (string, error) {
	decoded, err := decodeLegacyEscapes(watchURL)
	if err != nil {
		return "", fmt.Errorf("decode search url: %w", err)
	}

	qi := strings.Index(decoded, "?")
	if qi < 0 {
		return "", fmt.Errorf("search url %q has no query string", watchURL)
	}
	params := parseQuery(decoded[qi+1:])

	hasCategory := false
	wideRegion := false
	for _, p := range params {
		if p.key == "c" {
			hasCategory = true
		}
		if p.key == "w" {
			if n, err := strconv.ParseInt(p.value, 10, 64); err == nil && n > 100 {
				wideRegion = true
			}
		}
	}

	var out []param
	var rangeStart, rangeEnd string
	haveRange := false

	for _, p := range params {
		switch p.key {
		case "q":
			out = append(out, param{"q", strings.ReplaceAll(p.value, " ", "+")})
		case "cg":
			if !hasCategory && p.value != "0" {
				out = append(out, param{"category", p.value})
			}
		case "c":
			out = append(out, param{"category", p.value})
		case "ps":
			if n, err := strconv.Atoi(p.value); err == nil && n >= 0 && n < len(priceCodes) {
				rangeStart = priceCodes[n]
				haveRange = true
			}
		case "pe":
			if n, err := strconv.Atoi(p.value); err == nil && n >= 0 && n < len(priceCodes) {
				rangeEnd = priceCodes[n]
				haveRange = true
			}
		case "ca":
			if !wideRegion {
				out = append(out, param{"region", p.value})
			}
		case "w":
			if n, err := strconv.ParseInt(p.value, 10, 64); err == nil && n > 100 {
				out = append(out, param{"region", strconv.FormatInt(n-100, 10)})
			}
		case "m":
			out = append(out, param{"area", p.value})
		case "f":
			switch p.value {
			case "p":
				out = append(out, param{"company_ad", "0"})
			case "c":
				out = append(out, param{"company_ad", "1"})
			}
		case "st":
			out = append(out, param{"ad_type", p.value})
		default:
			out = append(out, param{p.key, p.value})
		}
	}

	if haveRange {
		out = append(out, param{"suborder", rangeStart + "-" + rangeEnd})
	}

	var b strings.Builder
	b.WriteString(apiBase)
	for _, p := range out {
		b.WriteString("&")
		b.WriteString(p.key)
		b.WriteString("=")
		b.WriteString(p.value)
	}
	return b.String(), nil
}

// parseQuery splits a raw query string into ordered key/value pairs,
// dropping nameless parameters. Repeated keys are kept.
func parseQuery(raw string) []param {
	var params []param
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		if k == "" {
			continue
		}
		params = append(params, param{k, v})
	}
	return params
}

// decodeLegacyEscapes decodes %XX escapes as ISO-8859 bytes. The old tori
// site percent-encoded non-ASCII query characters in its legacy charset
// rather than UTF-8.
func decodeLegacyEscapes(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape at offset %d", i)
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad escape %q: %w", s[i:i+3], err)
		}
		b.WriteRune(charmap.ISO8859_2.DecodeByte(byte(n)))
		i += 2
	}
	return b.String(), nil
}

type location struct {
	Label     string     `json:"label"`
	Locations []location `json:"locations"`
}

type fullItem struct {
	AdID      string `json:"ad_id"`
	Subject   string `json:"subject"`
	ShareLink string `json:"share_link"`
	ListTime  struct {
		Value int64 `json:"value"`
	} `json:"list_time"`
	ListPrice struct {
		PriceValue int64 `json:"price_value"`
	} `json:"list_price"`
	Account struct {
		Code string `json:"code"`
	} `json:"account"`
	User struct {
		Account struct {
			Name string `json:"name"`
		} `json:"account"`
	} `json:"user"`
	Type struct {
		Label string `json:"label"`
	} `json:"type"`
	Thumbnail *struct {
		Path string `json:"path"`
	} `json:"thumbnail"`
	Locations []location `json:"locations"`
}

type searchResponse struct {
	ListAds []struct {
		Ad fullItem `json:"ad"`
	} `json:"list_ads"`
	CounterMap map[string]int64 `json:"counter_map"`
}

// Parse decodes a search API response into listings newer than after,
// ordered newest to oldest. The whole page is scanned; the API's ordering
// is not trusted near the cutoff.
func (a *Adapter) Parse(body []byte, after int64) ([]model.Listing, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var items []model.Listing
	for _, ad := range resp.ListAds {
		item, err := toListing(ad.Ad)
		if err != nil {
			return nil, fmt.Errorf("decode ad: %w", err)
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

func toListing(t fullItem) (model.Listing, error) {
	adID, err := strconv.ParseInt(t.AdID[strings.LastIndex(t.AdID, "/")+1:], 10, 64)
	if err != nil {
		return model.Listing{}, fmt.Errorf("ad id %q: %w", t.AdID, err)
	}
	sellerID, err := strconv.ParseInt(t.Account.Code, 10, 64)
	if err != nil {
		return model.Listing{}, fmt.Errorf("seller id %q: %w", t.Account.Code, err)
	}

	var imageURL string
	if t.Thumbnail != nil && t.Thumbnail.Path != "" {
		path := t.Thumbnail.Path
		if i := strings.Index(path, "/"); i >= 0 {
			imageURL = imageBase + path[i:] + "?rule=medium_660"
		}
	}

	return model.Listing{
		SiteID:     model.SiteTori,
		AdID:       adID,
		Title:      t.Subject,
		URL:        t.ShareLink,
		ImageURL:   imageURL,
		Published:  t.ListTime.Value,
		Price:      t.ListPrice.PriceValue,
		SellerName: t.User.Account.Name,
		SellerID:   sellerID,
		Location:   flattenLocation(t.Locations),
		AdType:     t.Type.Label,
	}, nil
}

// flattenLocation renders the nested region tree as "leaf, ..., root",
// stopping at the first repeated label. The API pads missing levels by
// repeating the parent.
func flattenLocation(locs []location) string {
	if len(locs) == 0 {
		return ""
	}
	var labels []string
	for loc := &locs[0]; ; loc = &loc.Locations[0] {
		labels = append(labels, loc.Label)
		if len(loc.Locations) == 0 {
			break
		}
	}

	var parts []string
	prev := ""
	for i := len(labels) - 1; i >= 0; i-- {
		if labels[i] == prev {
			break
		}
		prev = labels[i]
		parts = append(parts, labels[i])
	}
	return strings.Join(parts, ", ")
}

// Validate probes the search API and reports whether the search currently
// matches any ads.
func (a *Adapter) Validate(ctx context.Context, watchURL string) (bool, error) {
	apiURL, err := a.Translate(watchURL)
	if err != nil {
		return false, err
	}

	body, err := site.Fetch(ctx, a.client, apiURL+"&lim=0")
	if err != nil {
		return false, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return resp.CounterMap["all"] > 0, nil
}
