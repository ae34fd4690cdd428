// Package update drives the watch-update pipeline: poll each distinct
// search URL once, parse, dedup, filter, and hand result batches to the
// delivery registry.
package update

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vahtibot/internal/delivery"
	"vahtibot/internal/history"
	"vahtibot/internal/model"
	"vahtibot/internal/site"
	"vahtibot/internal/storage"
)

// Default fan-out bounds.
const (
	DefaultMaxPolls      = 5
	DefaultMaxDeliveries = 4
)

// Updater runs one poll-group-deliver pass per call. Watches sharing a
// search URL are polled with a single upstream request; each watch keeps
// its own cursor and dedup scope.
type Updater struct {
	store         storage.Storage
	sites         *site.Registry
	history       *history.Store
	deliveries    *delivery.Registry
	client        site.HTTPClient
	log           *slog.Logger
	maxPolls      int
	maxDeliveries int
}

// New creates an Updater. Non-positive bounds fall back to the defaults.
func New(
	store storage.Storage,
	sites *site.Registry,
	hist *history.Store,
	deliveries *delivery.Registry,
	client site.HTTPClient,
	log *slog.Logger,
	maxPolls, maxDeliveries int,
) *Updater {
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPolls
	}
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveries
	}
	return &Updater{
		store:         store,
		sites:         sites,
		history:       hist,
		deliveries:    deliveries,
		client:        client,
		log:           log,
		maxPolls:      maxPolls,
		maxDeliveries: maxDeliveries,
	}
}

// RunOnce performs one full pipeline pass. Errors inside a URL group or a
// delivery batch are contained and logged; only a failure to list the
// watches aborts the pass.
func (u *Updater) RunOnce(ctx context.Context) error {
	start := time.Now()
	u.history.PurgeOld(start.Unix())

	groups, err := u.store.WatchesByURL(ctx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	var mu sync.Mutex
	var pending []model.Listing

	g := new(errgroup.Group)
	g.SetLimit(u.maxPolls)
	for url, watches := range groups {
		url, watches := url, watches
		g.Go(func() error {
			items := u.pollGroup(ctx, url, watches)
			if len(items) > 0 {
				mu.Lock()
				pending = append(pending, items...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	batches := groupBatches(pending)

	d := new(errgroup.Group)
	d.SetLimit(u.maxDeliveries)
	for _, batch := range batches {
		batch := batch
		d.Go(func() error {
			if err := u.deliveries.Dispatch(ctx, batch); err != nil {
				u.log.Error("deliver batch",
					"user_id", batch[0].DeliverTo,
					"delivery_method", batch[0].DeliveryMethod,
					"items", len(batch),
					"error", err)
			}
			return nil
		})
	}
	_ = d.Wait()

	u.log.Debug("update pass finished",
		"urls", len(groups),
		"delivered_batches", len(batches),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// pollGroup issues one upstream request for a URL group and evaluates every
// watch in the group against the shared parsed page.
func (u *Updater) pollGroup(ctx context.Context, url string, watches []model.Watch) []model.Listing {
	adapter, ok := u.sites.BySite(watches[0].SiteID)
	if !ok {
		u.log.Error("no adapter for site", "site_id", watches[0].SiteID, "url", url)
		return nil
	}

	apiURL, err := adapter.Translate(url)
	if err != nil {
		u.log.Error("translate search url", "url", url, "error", err)
		return nil
	}

	// The group shares one page, parsed against the oldest cursor in the
	// group; each watch re-filters with its own cursor below.
	after := watches[0].LastUpdated
	for _, w := range watches[1:] {
		if w.LastUpdated < after {
			after = w.LastUpdated
		}
	}

	body, err := site.Fetch(ctx, u.client, apiURL)
	if err != nil {
		u.log.Error("poll search", "url", url, "error", err)
		return nil
	}
	items, err := adapter.Parse(body, after)
	if err != nil {
		u.log.Error("parse response", "url", url, "error", err)
		return nil
	}

	// A full page cannot be trusted to contain every new item; re-issue
	// the query without the page-size cap before filtering. If the
	// re-fetch fails the group is skipped for this tick: delivering from
	// the truncated page would advance the cursor past items below the
	// page bottom and lose them for good.
	if ps := adapter.PageSize(); ps > 0 && len(items) == ps {
		u.log.Debug("page possibly truncated, re-fetching", "url", url, "page_size", ps)
		items, err = u.fetchUnbounded(ctx, adapter, apiURL, after)
		if err != nil {
			u.log.Error("unbounded re-fetch", "url", url, "error", err)
			return nil
		}
	}

	if len(items) == 0 {
		return nil
	}
	// Parse orders newest first.
	newest := items[0].Published

	var out []model.Listing
	for _, w := range watches {
		out = append(out, u.processWatch(ctx, w, items, newest)...)
	}
	return out
}

func (u *Updater) fetchUnbounded(ctx context.Context, adapter site.Adapter, apiURL string, after int64) ([]model.Listing, error) {
	body, err := site.Fetch(ctx, u.client, adapter.Unbounded(apiURL))
	if err != nil {
		return nil, err
	}
	return adapter.Parse(body, after)
}

// processWatch filters the group's shared page for one watch and advances
// its cursor. The watch's dedup scope is read as a snapshot, new items are
// recorded against the snapshot, and the snapshot is merged back, so
// concurrent polls of overlapping watches never lose each other's entries.
func (u *Updater) processWatch(ctx context.Context, w model.Watch, items []model.Listing, newest int64) []model.Listing {
	blocked, err := u.store.FetchBlacklist(ctx, w.UserID)
	if err != nil {
		// Never deliver without a blacklist check; skip this watch for
		// the tick.
		u.log.Error("fetch blacklist", "user_id", w.UserID, "error", err)
		return nil
	}

	scope := u.history.Scope(w.UserID, w.DeliveryMethod)
	snap := scope.Snapshot()
	now := time.Now().Unix()

	var out []model.Listing
	for _, item := range items {
		if item.Published <= w.LastUpdated {
			continue
		}
		if snap.Contains(item.AdID, item.SiteID) {
			continue
		}
		snap.Add(item.AdID, item.SiteID, now)

		if _, bad := blocked[model.BlacklistKey{SellerID: item.SellerID, SiteID: item.SiteID}]; bad {
			continue
		}

		item.WatchURL = w.URL
		item.DeliverTo = w.UserID
		item.DeliveryMethod = w.DeliveryMethod
		out = append(out, item)
	}
	scope.Commit(snap, now)

	// The cursor advances past everything on the page, delivered or not;
	// otherwise filtered items would be re-evaluated every tick forever.
	if newest > w.LastUpdated {
		if err := u.store.AdvanceWatch(ctx, w.ID, newest); err != nil {
			// Delivery still proceeds: a stale cursor means at most one
			// tick of redundant re-evaluation, absorbed by the history
			// window.
			u.log.Error("advance watch", "watch_id", w.ID, "error", err)
		}
	}
	return out
}

type batchKey struct {
	userID int64
	method int
}

// groupBatches regroups surviving items by recipient and channel, so a user
// watching several overlapping searches gets one batch per tick.
func groupBatches(items []model.Listing) [][]model.Listing {
	byTarget := make(map[batchKey][]model.Listing)
	for _, item := range items {
		k := batchKey{userID: item.DeliverTo, method: item.DeliveryMethod}
		byTarget[k] = append(byTarget[k], item)
	}
	batches := make([][]model.Listing, 0, len(byTarget))
	for _, b := range byTarget {
		batches = append(batches, b)
	}
	return batches
}
