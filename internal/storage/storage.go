// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"

	"vahtibot/internal/model"
)

// ErrWatchExists is returned when a (url, user, channel) watch already exists.
var ErrWatchExists = errors.New("watch already exists")

// ErrWatchNotFound is returned when no matching watch exists.
var ErrWatchNotFound = errors.New("watch not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	// CreateWatch inserts a new watch and populates its ID and CreatedAt.
	// Returns ErrWatchExists if the user already has this watch on the
	// same delivery channel.
	CreateWatch(ctx context.Context, w *model.Watch) error
	// DeleteWatch removes the watch identified by (url, user, channel).
	// Returns ErrWatchNotFound if there is none.
	DeleteWatch(ctx context.Context, url string, userID int64, deliveryMethod int) error
	// ListWatches returns all watches belonging to a user.
	ListWatches(ctx context.Context, userID int64) ([]model.Watch, error)
	// WatchesByURL returns every watch, grouped by search URL, so the
	// pipeline can poll each distinct URL once.
	WatchesByURL(ctx context.Context) (map[string][]model.Watch, error)
	// AdvanceWatch raises a watch's last-updated cursor. Values at or
	// below the current cursor are ignored; the cursor never moves back.
	AdvanceWatch(ctx context.Context, watchID int64, lastUpdated int64) error

	// FetchBlacklist returns the set of sellers blocked by a user.
	FetchBlacklist(ctx context.Context, userID int64) (map[model.BlacklistKey]struct{}, error)
	// AddBlacklistEntry blocks a seller for a user. Duplicates are no-ops.
	AddBlacklistEntry(ctx context.Context, e model.BlacklistEntry) error
	// RemoveBlacklistEntry unblocks a seller for a user.
	RemoveBlacklistEntry(ctx context.Context, e model.BlacklistEntry) error

	Close() error
}
