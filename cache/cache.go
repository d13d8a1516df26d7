// Package cache stores build outputs in a SQLite database keyed by a hash
// of the source text and the options it was compiled with.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested key has no cached entry.
var ErrNotFound = errors.New("cache: entry not found")

// schemaVersion is bumped whenever the output format changes, which
// invalidates every existing key.
const schemaVersion = "quill-cache-1"

var log = commonlog.GetLogger("quill.cache")

// Entry is one cached build.
type Entry struct {
	Key         string
	Client      string
	Server      string
	Manifest    []byte
	Module      []byte // encoded bytecode module, nil when not built
	Diagnostics []byte // encoded warnings
	CreatedAt   time.Time
}

// Key derives the cache key for source compiled with the given option
// strings.
func Key(source []byte, options ...string) string {
	h := sha256.New()
	h.Write([]byte(schemaVersion))
	for _, o := range options {
		h.Write([]byte{0})
		h.Write([]byte(o))
	}
	h.Write([]byte{0})
	h.Write(source)
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is a compile cache backed by a SQLite database. It is safe for
// concurrent use.
type Cache struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the cache database at path.
func Open(path string) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	// An in-memory database lives as long as its single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS builds (
		key         TEXT PRIMARY KEY,
		client      TEXT NOT NULL,
		server      TEXT NOT NULL,
		manifest    BLOB,
		module      BLOB,
		diagnostics BLOB,
		created_at  INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debugf("opened %s", path)
	return &Cache{db: db, path: path}, nil
}

// Path returns the database path the cache was opened with.
func (c *Cache) Path() string { return c.path }

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Get returns the entry stored under key, or ErrNotFound.
func (c *Cache) Get(key string) (*Entry, error) {
	e := &Entry{Key: key}
	var created int64
	err := c.db.QueryRow(
		"SELECT client, server, manifest, module, diagnostics, created_at FROM builds WHERE key = ?",
		key,
	).Scan(&e.Client, &e.Server, &e.Manifest, &e.Module, &e.Diagnostics, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debugf("miss %s", short(key))
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying cache: %w", err)
	}
	e.CreatedAt = time.Unix(0, created)
	log.Debugf("hit %s", short(key))
	return e, nil
}

// Put stores e, replacing any entry with the same key. A zero CreatedAt is
// set to the current time.
func (c *Cache) Put(e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO builds (key, client, server, manifest, module, diagnostics, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.Key, e.Client, e.Server, e.Manifest, e.Module, e.Diagnostics, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving cache entry: %w", err)
	}
	log.Debugf("stored %s", short(e.Key))
	return nil
}

// Delete removes the entry stored under key. Deleting a missing key is not
// an error.
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec("DELETE FROM builds WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() (int, error) {
	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM builds").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting cache entries: %w", err)
	}
	return n, nil
}

// Prune keeps the newest keep entries and removes the rest, returning the
// number removed.
func (c *Cache) Prune(keep int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(
		"DELETE FROM builds WHERE key NOT IN (SELECT key FROM builds ORDER BY created_at DESC, key LIMIT ?)",
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning cache: %w", err)
	}
	if n > 0 {
		log.Infof("pruned %d entries", n)
	}
	return int(n), nil
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
