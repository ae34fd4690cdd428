package command

import (
	"fmt"
	"strconv"
	"strings"

	"vahtibot/internal/model"
)

// siteAliases maps user-facing site names to site ids.
var siteAliases = map[string]int{
	"tori":      model.SiteTori,
	"tori.fi":   model.SiteTori,
	"huuto":     model.SiteHuutonet,
	"huuto.net": model.SiteHuutonet,
	"feed":      model.SiteFeed,
}

// ParseSellerArgs parses "<site> <seller_id>" arguments for /block and
// /unblock.
func ParseSellerArgs(args string) (siteID int, sellerID int64, err error) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("usage: <site> <seller_id>")
	}

	siteID, ok := siteAliases[strings.ToLower(parts[0])]
	if !ok {
		return 0, 0, fmt.Errorf("unknown site %q", parts[0])
	}

	sellerID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid seller ID %q", parts[1])
	}
	return siteID, sellerID, nil
}
