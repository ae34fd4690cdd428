// Package model defines the domain types used across the application.
package model

import "time"

// Site identifiers. A listing's AdID is unique only within its site.
const (
	SiteTori     = 1
	SiteHuutonet = 2
	SiteFeed     = 3
)

// Delivery channel identifiers.
const (
	DeliveryTelegram = 1
)

// Watch represents a saved marketplace search owned by one user on one
// delivery channel. The (URL, UserID, DeliveryMethod) triple is unique.
type Watch struct {
	ID             int64
	URL            string
	UserID         int64
	SiteID         int
	DeliveryMethod int
	LastUpdated    int64 // Unix time of the newest listing already processed.
	CreatedAt      time.Time
}

// Listing is a single marketplace ad observed during a poll. Listings are
// never persisted; they live only for the duration of one pipeline pass.
type Listing struct {
	SiteID     int
	AdID       int64
	Title      string
	URL        string
	ImageURL   string
	Published  int64
	Price      int64
	SellerName string
	SellerID   int64
	Location   string
	AdType     string

	// Routing fields attached by the pipeline before delivery.
	WatchURL       string
	DeliverTo      int64
	DeliveryMethod int
}

// BlacklistEntry blocks one seller on one site for one user.
type BlacklistEntry struct {
	UserID   int64
	SellerID int64
	SiteID   int
}

// BlacklistKey identifies a seller within a site, for set lookups.
type BlacklistKey struct {
	SellerID int64
	SiteID   int
}
