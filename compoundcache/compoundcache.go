// Package compoundcache implements the compound-tile cache: a
// persistent store mapping (url_template, x, y, source_zoom, dest_zoom)
// to (md5, png_bytes). It serves assembled higher-source-zoom tiles by
// their destination key, along with a content fingerprint, so that a
// second identical request can skip the network entirely. Writes are
// grouped into batched transactions committed every batchSize rows.
package compoundcache

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Key identifies one compound-tile cache row.
type Key struct {
	URLTemplate string
	X, Y        uint64
	SourceZoom  uint8
	DestZoom    uint8
}

// Record is a cached compound tile: its content fingerprint and raw PNG
// bytes. MD5 is always the hash of PNG.
type Record struct {
	MD5 [16]byte
	PNG []byte
}

// Cache is the process-scoped compound-tile cache handle.
type Cache struct {
	mu         sync.Mutex
	db         *sql.DB
	txn        *sql.Tx
	batchCount int
	batchSize  int
}

// Open opens (creating if necessary) the compound-tile SQLite file at
// dsn. batchSize controls how many Put calls are grouped per commit.
func Open(dsn string, batchSize int) (*Cache, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("compoundcache: open %s: %w", dsn, err)
	}

	c := &Cache{db: db, batchSize: batchSize}
	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) createSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS compound_tiles (
			url_template TEXT    NOT NULL,
			x            INTEGER NOT NULL,
			y            INTEGER NOT NULL,
			source_zoom  INTEGER NOT NULL,
			dest_zoom    INTEGER NOT NULL,
			md5          TEXT    NOT NULL,
			png          BLOB    NOT NULL,
			updated_at   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (url_template, x, y, source_zoom, dest_zoom)
		);
		PRAGMA synchronous=OFF;
	`)
	if err != nil {
		return fmt.Errorf("compoundcache: create schema: %w", err)
	}
	return nil
}

// queryer abstracts over *sql.DB and *sql.Tx so reads observe rows
// still sitting in the open batch transaction: a write-through Put is
// immediately visible to the next planner probe, not only after the
// batch commits.
type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func (c *Cache) reader() (queryer, func()) {
	c.mu.Lock()
	if c.txn != nil {
		return c.txn, c.mu.Unlock
	}
	c.mu.Unlock()
	return c.db, func() {}
}

// Get returns the cached record for key, or (nil, nil) on a miss.
func (c *Cache) Get(key Key) (*Record, error) {
	var md5Hex string
	var png []byte

	q, release := c.reader()
	defer release()

	row := q.QueryRow(`
		SELECT md5, png FROM compound_tiles
		WHERE url_template = ? AND x = ? AND y = ? AND source_zoom = ? AND dest_zoom = ?
	`, key.URLTemplate, key.X, key.Y, key.SourceZoom, key.DestZoom)

	err := row.Scan(&md5Hex, &png)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &CacheError{Op: "get", Err: err}
	}

	raw, err := hex.DecodeString(md5Hex)
	if err != nil || len(raw) != 16 {
		return nil, &CacheError{Op: "get", Err: fmt.Errorf("corrupt md5 column for %+v", key)}
	}
	var sum [16]byte
	copy(sum[:], raw)

	return &Record{MD5: sum, PNG: png}, nil
}

// Contains reports whether key has a cache entry, without fetching the
// PNG bytes.
func (c *Cache) Contains(key Key) (bool, error) {
	var n int
	q, release := c.reader()
	defer release()
	err := q.QueryRow(`
		SELECT COUNT(1) FROM compound_tiles
		WHERE url_template = ? AND x = ? AND y = ? AND source_zoom = ? AND dest_zoom = ?
	`, key.URLTemplate, key.X, key.Y, key.SourceZoom, key.DestZoom).Scan(&n)
	if err != nil {
		return false, &CacheError{Op: "contains", Err: err}
	}
	return n > 0, nil
}

// Put inserts or replaces the compound tile for key, computing its MD5
// fingerprint from the raw PNG bytes so the stored hash can never drift
// from the stored blob.
func (c *Cache) Put(key Key, png []byte) (Record, error) {
	sum := md5.Sum(png)
	rec := Record{MD5: sum, PNG: png}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.txn == nil {
		tx, err := c.db.Begin()
		if err != nil {
			return rec, &CacheError{Op: "put", Err: err}
		}
		c.txn = tx
	}

	_, err := c.txn.Exec(`
		INSERT OR REPLACE INTO compound_tiles (url_template, x, y, source_zoom, dest_zoom, md5, png, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, key.URLTemplate, key.X, key.Y, key.SourceZoom, key.DestZoom, hex.EncodeToString(sum[:]), png, time.Now().Unix())
	if err != nil {
		return rec, &CacheError{Op: "put", Err: err}
	}

	c.batchCount++
	if c.batchCount%c.batchSize == 0 {
		if err := c.txn.Commit(); err != nil {
			return rec, &CacheError{Op: "put", Err: err}
		}
		c.batchCount = 0
		c.txn = nil
	}

	return rec, nil
}

// Flush commits any open batch transaction, making every buffered Put
// durable immediately instead of waiting for the batch to fill.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.txn == nil {
		return nil
	}
	if err := c.txn.Commit(); err != nil {
		return &CacheError{Op: "flush", Err: err}
	}
	c.batchCount = 0
	c.txn = nil
	return nil
}

// Size returns the total on-disk size of cached PNG bytes.
func (c *Cache) Size() (int64, error) {
	var total sql.NullInt64
	err := c.db.QueryRow(`SELECT SUM(LENGTH(png)) FROM compound_tiles`).Scan(&total)
	if err != nil {
		return 0, &CacheError{Op: "size", Err: err}
	}
	return total.Int64, nil
}

// StoredRow is one compound-tile row together with its replication
// timestamp, for tileforge-cachectl's merge and --serve/--connect
// replication surface.
type StoredRow struct {
	Key       Key
	Record    Record
	UpdatedAt time.Time
}

// VisitAll calls fn once per row in the cache, in no particular order,
// stopping at the first error fn returns.
func (c *Cache) VisitAll(fn func(StoredRow) error) error {
	q, release := c.reader()
	defer release()
	rows, err := q.Query(`SELECT url_template, x, y, source_zoom, dest_zoom, md5, png, updated_at FROM compound_tiles`)
	if err != nil {
		return &CacheError{Op: "visitall", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var sr StoredRow
		var md5Hex string
		var updatedAtUnix int64
		if err := rows.Scan(&sr.Key.URLTemplate, &sr.Key.X, &sr.Key.Y, &sr.Key.SourceZoom, &sr.Key.DestZoom,
			&md5Hex, &sr.Record.PNG, &updatedAtUnix); err != nil {
			return &CacheError{Op: "visitall", Err: err}
		}
		raw, err := hex.DecodeString(md5Hex)
		if err != nil || len(raw) != 16 {
			return &CacheError{Op: "visitall", Err: fmt.Errorf("corrupt md5 column for %+v", sr.Key)}
		}
		copy(sr.Record.MD5[:], raw)
		sr.UpdatedAt = time.Unix(updatedAtUnix, 0)

		if err := fn(sr); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RowsSince returns every row whose updated_at is at or after since, for
// a --serve replication request.
func (c *Cache) RowsSince(since time.Time) ([]StoredRow, error) {
	var out []StoredRow
	err := c.VisitAll(func(sr StoredRow) error {
		if !sr.UpdatedAt.Before(since) {
			out = append(out, sr)
		}
		return nil
	})
	return out, err
}

// PutRow inserts or replaces a replicated row as-is, preserving its
// UpdatedAt instead of stamping the local time, so a --connect client
// applying a remote batch doesn't perpetually see its own rows as newer
// than the source.
func (c *Cache) PutRow(row StoredRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.txn == nil {
		tx, err := c.db.Begin()
		if err != nil {
			return &CacheError{Op: "putrow", Err: err}
		}
		c.txn = tx
	}

	_, err := c.txn.Exec(`
		INSERT OR REPLACE INTO compound_tiles (url_template, x, y, source_zoom, dest_zoom, md5, png, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, row.Key.URLTemplate, row.Key.X, row.Key.Y, row.Key.SourceZoom, row.Key.DestZoom,
		hex.EncodeToString(row.Record.MD5[:]), row.Record.PNG, row.UpdatedAt.Unix())
	if err != nil {
		return &CacheError{Op: "putrow", Err: err}
	}

	c.batchCount++
	if c.batchCount%c.batchSize == 0 {
		if err := c.txn.Commit(); err != nil {
			return &CacheError{Op: "putrow", Err: err}
		}
		c.batchCount = 0
		c.txn = nil
	}
	return nil
}

// Close flushes any open transaction and closes the database handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.txn != nil {
		err = c.txn.Commit()
		c.txn = nil
	}
	if cerr := c.db.Close(); cerr != nil {
		err = cerr
	}
	return err
}

// CacheError wraps a failed SQLite operation.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string { return fmt.Sprintf("compoundcache: %s: %v", e.Op, e.Err) }
func (e *CacheError) Unwrap() error { return e.Err }
