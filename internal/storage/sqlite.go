package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"vahtibot/internal/model"
	"vahtibot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=30000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// migrate brings the schema up to date from the embedded migration files.
func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return goose.Up(db, ".")
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateWatch inserts a new watch and populates its ID and CreatedAt.
func (s *SQLite) CreateWatch(ctx context.Context, w *model.Watch) error {
	now := time.Now().UTC().Format(timeLayout)
	if w.LastUpdated == 0 {
		w.LastUpdated = time.Now().Unix()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO watches (url, user_id, site_id, delivery_method, last_updated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		w.URL, w.UserID, w.SiteID, w.DeliveryMethod, w.LastUpdated, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrWatchExists
		}
		return fmt.Errorf("insert watch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	w.ID = id
	w.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// DeleteWatch removes the watch identified by (url, user, channel).
func (s *SQLite) DeleteWatch(ctx context.Context, url string, userID int64, deliveryMethod int) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM watches WHERE url = ? AND user_id = ? AND delivery_method = ?`,
		url, userID, deliveryMethod,
	)
	if err != nil {
		return fmt.Errorf("delete watch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrWatchNotFound
	}
	return nil
}

// ListWatches returns all watches belonging to the given user.
func (s *SQLite) ListWatches(ctx context.Context, userID int64) ([]model.Watch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, user_id, site_id, delivery_method, last_updated, created_at
		 FROM watches WHERE user_id = ? ORDER BY id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query watches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanWatches(rows)
}

// WatchesByURL returns every watch, grouped by search URL.
func (s *SQLite) WatchesByURL(ctx context.Context) (map[string][]model.Watch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, user_id, site_id, delivery_method, last_updated, created_at
		 FROM watches ORDER BY url, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query watches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	watches, err := scanWatches(rows)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]model.Watch)
	for _, w := range watches {
		groups[w.URL] = append(groups[w.URL], w)
	}
	return groups, nil
}

// AdvanceWatch raises a watch's last-updated cursor. The guard in the WHERE
// clause keeps the cursor monotonic under concurrent updates.
func (s *SQLite) AdvanceWatch(ctx context.Context, watchID int64, lastUpdated int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE watches SET last_updated = ? WHERE id = ? AND last_updated < ?`,
		lastUpdated, watchID, lastUpdated,
	)
	if err != nil {
		return fmt.Errorf("advance watch: %w", err)
	}
	return nil
}

// FetchBlacklist returns the set of sellers blocked by the given user.
func (s *SQLite) FetchBlacklist(ctx context.Context, userID int64) (map[model.BlacklistKey]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seller_id, site_id FROM blacklists WHERE user_id = ?`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query blacklist: %w", err)
	}
	defer func() { _ = rows.Close() }()

	blocked := make(map[model.BlacklistKey]struct{})
	for rows.Next() {
		var k model.BlacklistKey
		if err := rows.Scan(&k.SellerID, &k.SiteID); err != nil {
			return nil, fmt.Errorf("scan blacklist entry: %w", err)
		}
		blocked[k] = struct{}{}
	}
	return blocked, rows.Err()
}

// AddBlacklistEntry blocks a seller for a user.
func (s *SQLite) AddBlacklistEntry(ctx context.Context, e model.BlacklistEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blacklists (user_id, seller_id, site_id) VALUES (?, ?, ?)`,
		e.UserID, e.SellerID, e.SiteID,
	)
	if err != nil {
		return fmt.Errorf("insert blacklist entry: %w", err)
	}
	return nil
}

// RemoveBlacklistEntry unblocks a seller for a user.
func (s *SQLite) RemoveBlacklistEntry(ctx context.Context, e model.BlacklistEntry) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM blacklists WHERE user_id = ? AND seller_id = ? AND site_id = ?`,
		e.UserID, e.SellerID, e.SiteID,
	)
	if err != nil {
		return fmt.Errorf("delete blacklist entry: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanWatches(rows *sql.Rows) ([]model.Watch, error) {
	var watches []model.Watch
	for rows.Next() {
		var w model.Watch
		var created sql.NullString
		err := rows.Scan(&w.ID, &w.URL, &w.UserID, &w.SiteID, &w.DeliveryMethod, &w.LastUpdated, &created)
		if err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		if created.Valid {
			w.CreatedAt, _ = time.Parse(timeLayout, created.String)
		}
		watches = append(watches, w)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return watches, nil
}
