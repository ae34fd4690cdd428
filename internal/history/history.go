// Package history implements the time-windowed dedup cache of already
// notified listings.
//
// Each notification scope, a (user, delivery channel) pair, owns one History.
// Pollers never mutate the live History while holding it across I/O: they
// take a Snapshot, record new items against it while filtering, and Commit
// the snapshot back, which merges it with whatever concurrent pollers wrote
// in the meantime. Merging is a union that keeps the earlier first-seen
// time, so no concurrent writer's entries are ever lost.
package history

import (
	"maps"
	"sync"
	"time"
)

// DefaultWindow is the retention window for notified entries. It is
// intentionally larger than the poll interval so that one missed or slow
// tick cannot cause a duplicate notification.
const DefaultWindow = 1000 * time.Second

// Key identifies a listing across polls.
type Key struct {
	AdID   int64
	SiteID int
}

// History is a set of notified listing keys with their first-seen times.
// It is not safe for concurrent use; concurrent access goes through Store.
type History struct {
	window  time.Duration
	entries map[Key]int64
}

// New returns an empty History with the given retention window.
func New(window time.Duration) *History {
	if window <= 0 {
		window = DefaultWindow
	}
	return &History{window: window, entries: make(map[Key]int64)}
}

// Contains reports whether a listing has been recorded.
func (h *History) Contains(adID int64, siteID int) bool {
	_, ok := h.entries[Key{AdID: adID, SiteID: siteID}]
	return ok
}

// Add records a listing as notified at firstSeen. Adding an existing key is
// a no-op; the original first-seen time wins.
func (h *History) Add(adID int64, siteID int, firstSeen int64) {
	k := Key{AdID: adID, SiteID: siteID}
	if _, ok := h.entries[k]; ok {
		return
	}
	h.entries[k] = firstSeen
}

// Len returns the number of recorded entries.
func (h *History) Len() int { return len(h.entries) }

// PurgeOld drops entries whose first-seen time is outside the retention
// window relative to now.
func (h *History) PurgeOld(now int64) {
	cutoff := now - int64(h.window/time.Second)
	for k, seen := range h.entries {
		if seen < cutoff {
			delete(h.entries, k)
		}
	}
}

// Merge unions other into h, keeping the earlier first-seen time on
// conflict, then purges entries outside the window relative to now.
func (h *History) Merge(other *History, now int64) {
	for k, seen := range other.entries {
		if cur, ok := h.entries[k]; !ok || seen < cur {
			h.entries[k] = seen
		}
	}
	h.PurgeOld(now)
}

// Snapshot returns an independent copy of h.
func (h *History) Snapshot() *History {
	return &History{window: h.window, entries: maps.Clone(h.entries)}
}

// ScopeKey identifies one notification scope.
type ScopeKey struct {
	UserID         int64
	DeliveryMethod int
}

// Store holds one History per notification scope, created lazily. Scopes
// are independent: two pollers only contend when they share a scope.
type Store struct {
	window time.Duration

	mu     sync.Mutex
	scopes map[ScopeKey]*Scope
}

// NewStore returns an empty Store whose scopes use the given window.
func NewStore(window time.Duration) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{window: window, scopes: make(map[ScopeKey]*Scope)}
}

// Scope returns the History scope for a (user, delivery channel) pair,
// creating it on first use.
func (s *Store) Scope(userID int64, deliveryMethod int) *Scope {
	key := ScopeKey{UserID: userID, DeliveryMethod: deliveryMethod}

	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[key]
	if !ok {
		sc = &Scope{live: New(s.window)}
		s.scopes[key] = sc
	}
	return sc
}

// PurgeOld purges all scopes relative to now.
func (s *Store) PurgeOld(now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.scopes {
		sc.mu.Lock()
		sc.live.PurgeOld(now)
		sc.mu.Unlock()
	}
}

// Scope is the concurrent handle to one scope's History.
type Scope struct {
	mu   sync.Mutex
	live *History
}

// Snapshot returns a copy of the scope's current History for a poller to
// filter and record against without holding the lock across I/O.
func (s *Scope) Snapshot() *History {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live.Snapshot()
}

// Commit merges a poller's modified snapshot back into the live History.
// Entries written by concurrent pollers since the snapshot survive.
func (s *Scope) Commit(snapshot *History, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live.Merge(snapshot, now)
}
