// Package netcache implements the persistent networking cache: a
// key/value store mapping a canonicalised request URL to its last
// response metadata, body and access time. Mirror hosts that round-robin
// the same tile set (tile0..tile3.example) collapse to a single key
// through a caller-supplied canonicalisation function.
package netcache

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one cache row: metadata and body for a canonical URL, plus the
// last access timestamp, refreshed on every Get. Rows are never evicted.
type Entry struct {
	URLKey     string
	Metadata   []byte
	Body       []byte
	LastAccess time.Time
}

// Canonicalizer maps a raw request URL to its equivalence-class key, so
// that mirror hosts collapse to one cache row. Built once at
// registration time and treated as read-only afterwards, per the
// concurrency model.
type Canonicalizer func(url string) string

// Cache is the process-scoped network-cache handle. Safe for concurrent
// use; mutating operations serialise through mu, and the single *sql.DB
// is capped at one open connection, so reads and writes share it.
type Cache struct {
	mu           sync.Mutex
	db           *sql.DB
	canonicalize Canonicalizer
	offline      bool
	logRequests  bool
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithCanonicalizer installs a URL-equivalence canonicalisation function.
// Defaults to the identity function when not supplied.
func WithCanonicalizer(fn Canonicalizer) Option {
	return func(c *Cache) { c.canonicalize = fn }
}

// WithOffline sets the offline flag that Offline reports. Get and Put
// behave the same whether or not it is set.
func WithOffline(offline bool) Option {
	return func(c *Cache) { c.offline = offline }
}

// WithLogRequests emits one log line per outbound cache lookup/store.
func WithLogRequests(log bool) Option {
	return func(c *Cache) { c.logRequests = log }
}

// Open opens (creating if necessary) the network-cache SQLite file at dsn.
func Open(dsn string, opts ...Option) (*Cache, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("netcache: open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // writer serialisation lives at the sql.DB level too

	c := &Cache{db: db, canonicalize: identity}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func identity(url string) string { return url }

func (c *Cache) createSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS network_cache (
			url_key     TEXT NOT NULL PRIMARY KEY,
			metadata    BLOB,
			body        BLOB,
			last_access INTEGER NOT NULL
		);
		PRAGMA synchronous=OFF;
	`)
	if err != nil {
		return fmt.Errorf("netcache: create schema: %w", err)
	}
	return nil
}

// Offline reports whether the cache is running in "always cache" mode.
func (c *Cache) Offline() bool { return c.offline }

// Get returns the cached entry for url, if present, touching its
// last_access timestamp. A miss returns (nil, nil): cache misses are not
// errors, only SQLite-level failures are wrapped as a CacheError.
func (c *Cache) Get(url string) (*Entry, error) {
	key := c.canonicalize(url)

	if c.logRequests {
		log.Printf("netcache: GET %s (key=%s)", url, key)
	}

	var metadata, body []byte
	var lastAccessUnix int64

	row := c.db.QueryRow(`SELECT metadata, body, last_access FROM network_cache WHERE url_key = ?`, key)
	err := row.Scan(&metadata, &body, &lastAccessUnix)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &CacheError{Op: "get", Err: err}
	}

	c.touch(key)

	return &Entry{
		URLKey:     key,
		Metadata:   metadata,
		Body:       body,
		LastAccess: time.Unix(lastAccessUnix, 0),
	}, nil
}

func (c *Cache) touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.Exec(`UPDATE network_cache SET last_access = ? WHERE url_key = ?`, time.Now().Unix(), key); err != nil {
		log.Printf("netcache: warning: touch %s: %v", key, err)
	}
}

// Put inserts or replaces the cache row for url.
func (c *Cache) Put(url string, metadata, body []byte) error {
	key := c.canonicalize(url)

	if c.logRequests {
		log.Printf("netcache: PUT %s (key=%s, %d bytes)", url, key, len(body))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
		INSERT INTO network_cache (url_key, metadata, body, last_access)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(url_key) DO UPDATE SET metadata = excluded.metadata, body = excluded.body, last_access = excluded.last_access
	`, key, metadata, body, time.Now().Unix())
	if IsUniqueConstraint(err) {
		// Two workers raced the same key; the row is already there.
		return nil
	}
	if err != nil {
		return &CacheError{Op: "put", Err: err}
	}
	return nil
}

// Contains reports whether url has a cache entry.
func (c *Cache) Contains(url string) (bool, error) {
	key := c.canonicalize(url)
	var n int
	err := c.db.QueryRow(`SELECT COUNT(1) FROM network_cache WHERE url_key = ?`, key).Scan(&n)
	if err != nil {
		return false, &CacheError{Op: "contains", Err: err}
	}
	return n > 0, nil
}

// Size returns the on-disk size of the cached bodies, in bytes.
func (c *Cache) Size() (int64, error) {
	var total sql.NullInt64
	err := c.db.QueryRow(`SELECT SUM(LENGTH(body)) FROM network_cache`).Scan(&total)
	if err != nil {
		return 0, &CacheError{Op: "size", Err: err}
	}
	return total.Int64, nil
}

// Close closes the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// CacheError wraps a failed SQLite operation. The caller logs it at
// warning level and falls through to the non-cached path; it never
// aborts the core.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("netcache: %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// IsUniqueConstraint reports whether err is a SQLite UNIQUE constraint
// violation: inserts racing on the same key are expected and not a
// fault, so callers should not treat it like a CacheError.
func IsUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
