package command

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"vahtibot/internal/model"
)

// FormatWatchList formats a user's watches for display.
func FormatWatchList(watches []model.Watch, siteName func(int) string) string {
	if len(watches) == 0 {
		return "You have no watches yet. Use /watch <url> to add one."
	}
	var b strings.Builder
	b.WriteString("Your watches:\n")
	for _, w := range watches {
		fmt.Fprintf(&b, "\n#%d [%s] %s\n", w.ID, siteName(w.SiteID), w.URL)
		fmt.Fprintf(&b, "   last update: %s\n", time.Unix(w.LastUpdated, 0).UTC().Format("2006-01-02 15:04 UTC"))
	}
	return b.String()
}

// FormatBlacklist formats a user's blacklist for display.
func FormatBlacklist(blocked map[model.BlacklistKey]struct{}, siteName func(int) string) string {
	if len(blocked) == 0 {
		return "Your blacklist is empty. Use /block <site> <seller_id> to block a seller."
	}

	keys := make([]model.BlacklistKey, 0, len(blocked))
	for k := range blocked {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SiteID != keys[j].SiteID {
			return keys[i].SiteID < keys[j].SiteID
		}
		return keys[i].SellerID < keys[j].SellerID
	})

	var b strings.Builder
	b.WriteString("Blocked sellers:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: seller %d\n", siteName(k.SiteID), k.SellerID)
	}
	return b.String()
}
