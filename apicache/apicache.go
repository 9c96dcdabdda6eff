// Package apicache stores API responses on disk so repeated read
// queries can be answered without a round-trip. Entries carry an
// expiry; an expired entry behaves like a miss and is removed on the
// next lookup or prune.
//
// The cache is a single SQLite file, so it persists across runs and
// can be shared by any number of sites.
package apicache

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS responses (
	key     TEXT PRIMARY KEY,
	body    BLOB NOT NULL,
	expires INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS responses_expires ON responses (expires);
`

// Cache is a persistent response cache. All methods are safe for
// concurrent use.
type Cache struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens or creates the cache database at path.
func Open(path string) (*Cache, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open cache database")
	}
	// A single connection sidesteps SQLITE_BUSY between concurrent
	// writers; cache traffic is light enough not to care.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create cache schema")
	}
	return &Cache{db: db, now: time.Now}, nil
}

// Get returns the cached body for key. Expired and missing entries
// report ok == false; an expired entry is deleted on the way out.
// Lookup failures are reported as misses.
func (c *Cache) Get(ctx context.Context, key string) (body []byte, ok bool) {
	var row struct {
		Body    []byte `db:"body"`
		Expires int64  `db:"expires"`
	}
	err := c.db.GetContext(ctx, &row,
		"SELECT body, expires FROM responses WHERE key = ?", key)
	if err != nil {
		return nil, false
	}
	if row.Expires != 0 && row.Expires <= c.now().Unix() {
		c.db.ExecContext(ctx, "DELETE FROM responses WHERE key = ?", key)
		return nil, false
	}
	return row.Body, true
}

// Put stores body under key for ttl. A ttl of zero or less stores the
// entry without an expiry. An existing entry for key is replaced.
func (c *Cache) Put(ctx context.Context, key string, body []byte, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = c.now().Add(ttl).Unix()
	}
	_, err := c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO responses (key, body, expires) VALUES (?, ?, ?)",
		key, body, expires)
	return errors.Wrapf(err, "cache put %q", key)
}

// Prune deletes all expired entries and reports how many were removed.
func (c *Cache) Prune(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		"DELETE FROM responses WHERE expires != 0 AND expires <= ?", c.now().Unix())
	if err != nil {
		return 0, errors.Wrap(err, "prune cache")
	}
	return res.RowsAffected()
}

// Clear deletes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM responses")
	return errors.Wrap(err, "clear cache")
}

// Len reports the number of entries, expired ones included.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	err := c.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM responses")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrap(err, "count cache entries")
	}
	return n, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
