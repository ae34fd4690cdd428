package update

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"vahtibot/internal/delivery"
	"vahtibot/internal/history"
	"vahtibot/internal/model"
	"vahtibot/internal/site"
	"vahtibot/internal/storage"
)

type fakeStore struct {
	mu             sync.Mutex
	watches        []model.Watch
	blacklist      map[int64]map[model.BlacklistKey]struct{}
	persistAdvance bool
	advanced       map[int64]int64

	listErr      error
	blacklistErr error
}

func newFakeStore(watches ...model.Watch) *fakeStore {
	return &fakeStore{
		watches:        watches,
		blacklist:      make(map[int64]map[model.BlacklistKey]struct{}),
		persistAdvance: true,
		advanced:       make(map[int64]int64),
	}
}

func (f *fakeStore) CreateWatch(ctx context.Context, w *model.Watch) error { return nil }

func (f *fakeStore) DeleteWatch(ctx context.Context, url string, userID int64, method int) error {
	return nil
}

func (f *fakeStore) ListWatches(ctx context.Context, userID int64) ([]model.Watch, error) {
	return nil, nil
}

func (f *fakeStore) WatchesByURL(ctx context.Context) (map[string][]model.Watch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	groups := make(map[string][]model.Watch)
	for _, w := range f.watches {
		groups[w.URL] = append(groups[w.URL], w)
	}
	return groups, nil
}

func (f *fakeStore) AdvanceWatch(ctx context.Context, watchID int64, lastUpdated int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.advanced[watchID]; !ok || lastUpdated > cur {
		f.advanced[watchID] = lastUpdated
	}
	if !f.persistAdvance {
		return nil
	}
	for i := range f.watches {
		if f.watches[i].ID == watchID && f.watches[i].LastUpdated < lastUpdated {
			f.watches[i].LastUpdated = lastUpdated
		}
	}
	return nil
}

func (f *fakeStore) FetchBlacklist(ctx context.Context, userID int64) (map[model.BlacklistKey]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blacklistErr != nil {
		return nil, f.blacklistErr
	}
	blocked := make(map[model.BlacklistKey]struct{})
	for k := range f.blacklist[userID] {
		blocked[k] = struct{}{}
	}
	return blocked, nil
}

func (f *fakeStore) block(userID int64, sellerID int64, siteID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blacklist[userID] == nil {
		f.blacklist[userID] = make(map[model.BlacklistKey]struct{})
	}
	f.blacklist[userID][model.BlacklistKey{SellerID: sellerID, SiteID: siteID}] = struct{}{}
}

func (f *fakeStore) AddBlacklistEntry(ctx context.Context, e model.BlacklistEntry) error { return nil }

func (f *fakeStore) RemoveBlacklistEntry(ctx context.Context, e model.BlacklistEntry) error {
	return nil
}

func (f *fakeStore) Close() error { return nil }

// stubAdapter serves canned listing pages keyed by response body.
type stubAdapter struct {
	id       int
	pageSize int
	pages    map[string][]model.Listing
}

func (s *stubAdapter) ID() int       { return s.id }
func (s *stubAdapter) Name() string  { return "stub" }
func (s *stubAdapter) PageSize() int { return s.pageSize }

func (s *stubAdapter) Translate(u string) (string, error) { return "api:" + u, nil }
func (s *stubAdapter) Unbounded(u string) string          { return u + "#all" }

func (s *stubAdapter) Parse(body []byte, after int64) ([]model.Listing, error) {
	page, ok := s.pages[string(body)]
	if !ok {
		return nil, errors.New("unknown page")
	}
	var items []model.Listing
	for _, it := range page {
		if it.Published > after {
			items = append(items, it)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Published > items[j].Published })
	return items, nil
}

func (s *stubAdapter) Validate(ctx context.Context, url string) (bool, error) { return true, nil }

// fakeClient maps request URLs to canned bodies and records every request.
type fakeClient struct {
	mu        sync.Mutex
	responses map[string]string
	requests  []string
}

func (f *fakeClient) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := req.URL.String()
	f.requests = append(f.requests, url)
	body, ok := f.responses[url]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}, nil
}

func (f *fakeClient) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeDeliverer struct {
	mu      sync.Mutex
	batches [][]model.Listing
}

func (f *fakeDeliverer) Deliver(ctx context.Context, items []model.Listing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]model.Listing, len(items))
	copy(batch, items)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeDeliverer) delivered() []model.Listing {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []model.Listing
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

func (f *fakeDeliverer) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestUpdater(t *testing.T, store *fakeStore, adapter *stubAdapter, client *fakeClient) (*Updater, *fakeDeliverer, *history.Store) {
	t.Helper()

	sites := site.NewRegistry()
	if err := sites.Register(`^watch:.*$`, adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}

	sink := &fakeDeliverer{}
	deliveries := delivery.NewRegistry()
	deliveries.Register(model.DeliveryTelegram, sink)

	hist := history.NewStore(history.DefaultWindow)
	u := New(store, sites, hist, deliveries, client, testLogger(), 0, 0)
	return u, sink, hist
}

func listing(adID int64, published int64, sellerID int64) model.Listing {
	return model.Listing{
		SiteID:    1,
		AdID:      adID,
		Published: published,
		SellerID:  sellerID,
		Title:     "item",
	}
}

// One watch with cursor 100; the page holds a listing from 150 and one from
// 90. Only the newer one is delivered, and the cursor lands on 150.
func TestRunOnceDeliversOnlyItemsPastCursor(t *testing.T) {
	store := newFakeStore(model.Watch{
		ID: 1, URL: "watch:a", UserID: 7, SiteID: 1,
		DeliveryMethod: model.DeliveryTelegram, LastUpdated: 100,
	})
	adapter := &stubAdapter{id: 1, pages: map[string][]model.Listing{
		"page-a": {listing(5, 150, 40), listing(6, 90, 41)},
	}}
	client := &fakeClient{responses: map[string]string{"api:watch:a": "page-a"}}
	u, sink, _ := newTestUpdater(t, store, adapter, client)

	if err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got := sink.delivered()
	want := []model.Listing{{
		SiteID: 1, AdID: 5, Published: 150, SellerID: 40, Title: "item",
		WatchURL: "watch:a", DeliverTo: 7, DeliveryMethod: model.DeliveryTelegram,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("delivered mismatch (-want +got):\n%s", diff)
	}
	if store.advanced[1] != 150 {
		t.Errorf("cursor advanced to %d, want 150", store.advanced[1])
	}
}

// Watches sharing a URL are served by a single upstream request per pass.
func TestRunOnceOneFetchPerURLGroup(t *testing.T) {
	store := newFakeStore(
		model.Watch{ID: 1, URL: "watch:a", UserID: 7, SiteID: 1, DeliveryMethod: model.DeliveryTelegram, LastUpdated: 100},
		model.Watch{ID: 2, URL: "watch:a", UserID: 8, SiteID: 1, DeliveryMethod: model.DeliveryTelegram, LastUpdated: 100},
	)
	adapter := &stubAdapter{id: 1, pages: map[string][]model.Listing{
		"page-a": {listing(5, 150, 40)},
	}}
	client := &fakeClient{responses: map[string]string{"api:watch:a": "page-a"}}
	u, sink, _ := newTestUpdater(t, store, adapter, client)

	if err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if n := client.requestCount(); n != 1 {
		t.Errorf("made %d requests for one url group, want 1", n)
	}
	if n := sink.batchCount(); n != 2 {
		t.Errorf("delivered %d batches, want one per user", n)
	}
	for _, item := range sink.delivered() {
		if item.DeliverTo != 7 && item.DeliverTo != 8 {
			t.Errorf("unexpected recipient %d", item.DeliverTo)
		}
	}
}

// Group members with different cursors each apply their own: the page is
// parsed once against the oldest cursor, then re-filtered per watch.
func TestRunOncePerWatchCursorWithinGroup(t *testing.T) {
	store := newFakeStore(
		model.Watch{ID: 1, URL: "watch:a", UserID: 7, SiteID: 1, DeliveryMethod: model.DeliveryTelegram, LastUpdated: 100},
		model.Watch{ID: 2, URL: "watch:a", UserID: 8, SiteID: 1, DeliveryMethod: model.DeliveryTelegram, LastUpdated: 140},
	)
	adapter := &stubAdapter{id: 1, pages: map[string][]model.Listing{
		"page-a": {listing(5, 150, 40), listing(6, 120, 41)},
	}}
	client := &fakeClient{responses: map[string]string{"api:watch:a": "page-a"}}
	u, sink, _ := newTestUpdater(t, store, adapter, client)

	if err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	perUser := make(map[int64][]int64)
	for _, item := range sink.delivered() {
		perUser[item.DeliverTo] = append(perUser[item.DeliverTo], item.AdID)
	}
	if diff := cmp.Diff([]int64{5, 6}, perUser[7]); diff != "" {
		t.Errorf("user 7 items mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{5}, perUser[8]); diff != "" {
		t.Errorf("user 8 items mismatch (-want +got):\n%s", diff)
	}
}

// Two passes in rapid succession where the cursor write never lands: the
// dedup history still keeps the second pass from re-delivering.
func TestRunOnceHistoryPreventsDuplicates(t *testing.T) {
	store := newFakeStore(model.Watch{
		ID: 1, URL: "watch:a", UserID: 7, SiteID: 1,
		DeliveryMethod: model.DeliveryTelegram, LastUpdated: 100,
	})
	store.persistAdvance = false
	adapter := &stubAdapter{id: 1, pages: map[string][]model.Listing{
		"page-a": {listing(5, 150, 40)},
	}}
	client := &fakeClient{responses: map[string]string{"api:watch:a": "page-a"}}
	u, sink, _ := newTestUpdater(t, store, adapter, client)

	for i := 0; i < 2; i++ {
		if err := u.RunOnce(context.Background()); err != nil {
			t.Fatalf("run once #%d: %v", i+1, err)
		}
	}

	if got := sink.delivered(); len(got) != 1 {
		t.Errorf("delivered %d items across two passes, want exactly 1", len(got))
	}
}

// A blacklisted seller's listing is suppressed on first sighting and is not
// delivered later either: it still enters the dedup history.
func TestRunOnceBlacklistPrecedence(t *testing.T) {
	store := newFakeStore(model.Watch{
		ID: 1, URL: "watch:a", UserID: 7, SiteID: 1,
		DeliveryMethod: model.DeliveryTelegram, LastUpdated: 100,
	})
	store.block(7, 666, 1)
	adapter := &stubAdapter{id: 1, pages: map[string][]model.Listing{
		"page-a": {listing(5, 150, 666), listing(6, 140, 40)},
	}}
	client := &fakeClient{responses: map[string]string{"api:watch:a": "page-a"}}
	u, sink, hist := newTestUpdater(t, store, adapter, client)

	if err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got := sink.delivered()
	if len(got) != 1 || got[0].AdID != 6 {
		t.Fatalf("want only ad 6 delivered, got %+v", got)
	}
	if store.advanced[1] != 150 {
		t.Errorf("cursor advanced to %d, want 150", store.advanced[1])
	}
	if !hist.Scope(7, model.DeliveryTelegram).Snapshot().Contains(5, 1) {
		t.Error("suppressed listing missing from dedup history")
	}
}

// Without a blacklist the watch is skipped for the tick: nothing delivered,
// cursor untouched.
func TestRunOnceBlacklistErrorSkipsWatch(t *testing.T) {
	store := newFakeStore(model.Watch{
		ID: 1, URL: "watch:a", UserID: 7, SiteID: 1,
		DeliveryMethod: model.DeliveryTelegram, LastUpdated: 100,
	})
	store.blacklistErr = errors.New("db locked")
	adapter := &stubAdapter{id: 1, pages: map[string][]model.Listing{
		"page-a": {listing(5, 150, 40)},
	}}
	client := &fakeClient{responses: map[string]string{"api:watch:a": "page-a"}}
	u, sink, _ := newTestUpdater(t, store, adapter, client)

	if err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if got := sink.delivered(); len(got) != 0 {
		t.Errorf("delivered %d items without a blacklist check", len(got))
	}
	if _, ok := store.advanced[1]; ok {
		t.Error("cursor advanced for a skipped watch")
	}
}

// A page filled to exactly the site's page size may be truncated; the pass
// re-fetches without the cap and uses the full result.
func TestRunOnceTruncationRefetch(t *testing.T) {
	store := newFakeStore(model.Watch{
		ID: 1, URL: "watch:a", UserID: 7, SiteID: 1,
		DeliveryMethod: model.DeliveryTelegram, LastUpdated: 100,
	})
	adapter := &stubAdapter{id: 1, pageSize: 2, pages: map[string][]model.Listing{
		"page-a": {listing(5, 150, 40), listing(6, 140, 41)},
		"full-a": {listing(5, 150, 40), listing(6, 140, 41), listing(7, 130, 42)},
	}}
	client := &fakeClient{responses: map[string]string{
		"api:watch:a":     "page-a",
		"api:watch:a#all": "full-a",
	}}
	u, sink, _ := newTestUpdater(t, store, adapter, client)

	if err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	wantRequests := []string{"api:watch:a", "api:watch:a#all"}
	if diff := cmp.Diff(wantRequests, client.requests); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
	if got := sink.delivered(); len(got) != 3 {
		t.Errorf("delivered %d items, want all 3 from the unbounded fetch", len(got))
	}
}

// A failed unbounded re-fetch skips the group for the tick: the truncated
// page cannot be trusted, so nothing is delivered and the cursor stays put
// for the next poll to retry.
func TestRunOnceTruncationRefetchFailureSkipsGroup(t *testing.T) {
	store := newFakeStore(model.Watch{
		ID: 1, URL: "watch:a", UserID: 7, SiteID: 1,
		DeliveryMethod: model.DeliveryTelegram, LastUpdated: 100,
	})
	adapter := &stubAdapter{id: 1, pageSize: 2, pages: map[string][]model.Listing{
		"page-a": {listing(5, 150, 40), listing(6, 140, 41)},
	}}
	// The unbounded URL has no canned response: the re-fetch gets a 404.
	client := &fakeClient{responses: map[string]string{"api:watch:a": "page-a"}}
	u, sink, _ := newTestUpdater(t, store, adapter, client)

	if err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if got := sink.delivered(); len(got) != 0 {
		t.Errorf("delivered %d items from an untrusted truncated page", len(got))
	}
	if cur, ok := store.advanced[1]; ok {
		t.Errorf("cursor advanced to %d after failed re-fetch", cur)
	}

	// The next tick, with the unbounded response available, picks the
	// items up.
	client.mu.Lock()
	client.responses["api:watch:a#all"] = "full-a"
	client.mu.Unlock()
	adapter.pages["full-a"] = []model.Listing{
		listing(5, 150, 40), listing(6, 140, 41), listing(7, 130, 42),
	}

	if err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run once: %v", err)
	}
	if got := sink.delivered(); len(got) != 3 {
		t.Errorf("delivered %d items on retry, want 3", len(got))
	}
	if store.advanced[1] != 150 {
		t.Errorf("cursor advanced to %d on retry, want 150", store.advanced[1])
	}
}

// A short page is final: no unbounded re-fetch.
func TestRunOnceNoRefetchBelowPageSize(t *testing.T) {
	store := newFakeStore(model.Watch{
		ID: 1, URL: "watch:a", UserID: 7, SiteID: 1,
		DeliveryMethod: model.DeliveryTelegram, LastUpdated: 100,
	})
	adapter := &stubAdapter{id: 1, pageSize: 5, pages: map[string][]model.Listing{
		"page-a": {listing(5, 150, 40)},
	}}
	client := &fakeClient{responses: map[string]string{"api:watch:a": "page-a"}}
	u, _, _ := newTestUpdater(t, store, adapter, client)

	if err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n := client.requestCount(); n != 1 {
		t.Errorf("made %d requests, want 1", n)
	}
}

// When every fresh item was already notified, the cursor still advances past
// the page so the items are not re-evaluated forever.
func TestRunOnceCursorAdvancesWhenAllFiltered(t *testing.T) {
	store := newFakeStore(model.Watch{
		ID: 1, URL: "watch:a", UserID: 7, SiteID: 1,
		DeliveryMethod: model.DeliveryTelegram, LastUpdated: 100,
	})
	adapter := &stubAdapter{id: 1, pages: map[string][]model.Listing{
		"page-a": {listing(5, 150, 40)},
	}}
	client := &fakeClient{responses: map[string]string{"api:watch:a": "page-a"}}
	u, sink, hist := newTestUpdater(t, store, adapter, client)

	scope := hist.Scope(7, model.DeliveryTelegram)
	snap := scope.Snapshot()
	snap.Add(5, 1, 100)
	scope.Commit(snap, 100)

	if err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if got := sink.delivered(); len(got) != 0 {
		t.Errorf("delivered %d already-notified items", len(got))
	}
	if store.advanced[1] != 150 {
		t.Errorf("cursor advanced to %d, want 150", store.advanced[1])
	}
}

// A failing url group must not take the rest of the pass down with it.
func TestRunOnceContainsGroupFailures(t *testing.T) {
	store := newFakeStore(
		model.Watch{ID: 1, URL: "watch:bad", UserID: 7, SiteID: 1, DeliveryMethod: model.DeliveryTelegram, LastUpdated: 100},
		model.Watch{ID: 2, URL: "watch:good", UserID: 7, SiteID: 1, DeliveryMethod: model.DeliveryTelegram, LastUpdated: 100},
	)
	adapter := &stubAdapter{id: 1, pages: map[string][]model.Listing{
		"page-good": {listing(5, 150, 40)},
	}}
	client := &fakeClient{responses: map[string]string{"api:watch:good": "page-good"}}
	u, sink, _ := newTestUpdater(t, store, adapter, client)

	if err := u.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got := sink.delivered()
	if len(got) != 1 || got[0].AdID != 5 {
		t.Fatalf("want the healthy group delivered, got %+v", got)
	}
}

func TestRunOnceStorageErrorAborts(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("db gone")
	u, _, _ := newTestUpdater(t, store, &stubAdapter{id: 1}, &fakeClient{})

	if err := u.RunOnce(context.Background()); !errors.Is(err, store.listErr) {
		t.Fatalf("want the storage error back, got %v", err)
	}
}

func TestGroupBatches(t *testing.T) {
	items := []model.Listing{
		{AdID: 1, DeliverTo: 7, DeliveryMethod: 1, WatchURL: "watch:a"},
		{AdID: 2, DeliverTo: 8, DeliveryMethod: 1, WatchURL: "watch:a"},
		{AdID: 3, DeliverTo: 7, DeliveryMethod: 1, WatchURL: "watch:b"},
	}

	batches := groupBatches(items)
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}

	sizes := make(map[int64]int)
	for _, b := range batches {
		for _, item := range b[1:] {
			if item.DeliverTo != b[0].DeliverTo || item.DeliveryMethod != b[0].DeliveryMethod {
				t.Errorf("mixed batch: %+v", b)
			}
		}
		sizes[b[0].DeliverTo] = len(b)
	}
	if diff := cmp.Diff(map[int64]int{7: 2, 8: 1}, sizes); diff != "" {
		t.Errorf("batch sizes mismatch (-want +got):\n%s", diff)
	}
}

var _ storage.Storage = (*fakeStore)(nil)
var _ site.Adapter = (*stubAdapter)(nil)
var _ delivery.Deliverer = (*fakeDeliverer)(nil)
