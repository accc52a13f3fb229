// Package astccache implements the ASTC block cache: a persistent
// store mapping (content_md5, block_w, block_h, quality, mip_w, mip_h)
// to pre-encoded ASTC block bytes, keyed so that repeat encodes of the
// same source content at the same block size/quality/mip level are
// never redone.
package astccache

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Key identifies one cache row. All six fields form the primary key; the
// originating tile's X, Y, Z travel separately in Hint and are never part
// of the lookup.
type Key struct {
	MD5     [16]byte
	BlockX  uint8
	BlockY  uint8
	Quality float32
	Width   int
	Height  int
}

// Hint carries the originating tile coordinate, stored alongside a row
// purely as a sharding/purging aid — never part of the lookup key.
type Hint struct {
	X, Y uint64
	Z    uint8
}

// Cache is the process-scoped ASTC-block-cache handle.
type Cache struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the ASTC-block-cache SQLite file at dsn.
func Open(dsn string) (*Cache, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("astccache: open %s: %w", dsn, err)
	}

	c := &Cache{db: db}
	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) createSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS astc_blocks (
			md5      TEXT    NOT NULL,
			block_x  INTEGER NOT NULL,
			block_y  INTEGER NOT NULL,
			quality  REAL    NOT NULL,
			width    INTEGER NOT NULL,
			height   INTEGER NOT NULL,
			blob     BLOB    NOT NULL,
			ts       INTEGER NOT NULL,
			x        INTEGER,
			y        INTEGER,
			z        INTEGER,
			PRIMARY KEY (md5, block_x, block_y, quality, width, height)
		);
		PRAGMA synchronous=OFF;
	`)
	if err != nil {
		return fmt.Errorf("astccache: create schema: %w", err)
	}
	return nil
}

// Get returns the cached block data for key, or (nil, nil) on a miss.
func (c *Cache) Get(key Key) ([]byte, error) {
	var blob []byte
	err := c.db.QueryRow(`
		SELECT blob FROM astc_blocks
		WHERE md5 = ? AND block_x = ? AND block_y = ? AND quality = ? AND width = ? AND height = ?
	`, hex.EncodeToString(key.MD5[:]), key.BlockX, key.BlockY, key.Quality, key.Width, key.Height).Scan(&blob)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &CacheError{Op: "get", Err: err}
	}
	return blob, nil
}

// Contains reports whether key has a cache entry.
func (c *Cache) Contains(key Key) (bool, error) {
	var n int
	err := c.db.QueryRow(`
		SELECT COUNT(1) FROM astc_blocks
		WHERE md5 = ? AND block_x = ? AND block_y = ? AND quality = ? AND width = ? AND height = ?
	`, hex.EncodeToString(key.MD5[:]), key.BlockX, key.BlockY, key.Quality, key.Width, key.Height).Scan(&n)
	if err != nil {
		return false, &CacheError{Op: "contains", Err: err}
	}
	return n > 0, nil
}

// Put inserts or replaces the block data for key, with the optional
// tile-coordinate hint for sharding/purging.
func (c *Cache) Put(key Key, hint Hint, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO astc_blocks (md5, block_x, block_y, quality, width, height, blob, ts, x, y, z)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, hex.EncodeToString(key.MD5[:]), key.BlockX, key.BlockY, key.Quality, key.Width, key.Height, data,
		time.Now().Unix(), hint.X, hint.Y, hint.Z)
	if err != nil {
		return &CacheError{Op: "put", Err: err}
	}
	return nil
}

// Size returns the total on-disk size of cached ASTC blocks.
func (c *Cache) Size() (int64, error) {
	var total sql.NullInt64
	err := c.db.QueryRow(`SELECT SUM(LENGTH(blob)) FROM astc_blocks`).Scan(&total)
	if err != nil {
		return 0, &CacheError{Op: "size", Err: err}
	}
	return total.Int64, nil
}

// Close closes the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// CacheError wraps a failed SQLite operation.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string { return fmt.Sprintf("astccache: %s: %v", e.Op, e.Err) }
func (e *CacheError) Unwrap() error { return e.Err }
