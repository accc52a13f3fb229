package compoundcache

import (
	"bytes"
	"crypto/md5"
	"path/filepath"
	"testing"
	"time"
)

func openTestCache(t *testing.T, batchSize int) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "ctc.db"), batchSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testKey(x, y uint64) Key {
	return Key{URLTemplate: "https://tiles.example/{z}/{x}/{y}.png", X: x, Y: y, SourceZoom: 12, DestZoom: 10}
}

func TestPutGetFingerprint(t *testing.T) {
	c := openTestCache(t, 1)

	png := []byte("not-really-png-but-bytes")
	rec, err := c.Put(testKey(1, 2), png)
	if err != nil {
		t.Fatal(err)
	}
	if rec.MD5 != md5.Sum(png) {
		t.Error("returned record's md5 does not match the stored bytes")
	}

	got, err := c.Get(testKey(1, 2))
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected a hit")
	}
	// The stored md5 always matches the stored png blob.
	if got.MD5 != md5.Sum(got.PNG) {
		t.Error("stored md5 does not match stored png")
	}
	if !bytes.Equal(got.PNG, png) {
		t.Error("stored png differs from input")
	}
}

func TestGetMiss(t *testing.T) {
	c := openTestCache(t, 1)

	got, err := c.Get(testKey(9, 9))
	if err != nil {
		t.Fatalf("miss returned error: %v", err)
	}
	if got != nil {
		t.Errorf("miss returned record: %+v", got)
	}
}

func TestKeyIsFiveTuple(t *testing.T) {
	c := openTestCache(t, 1)

	base := testKey(1, 1)
	if _, err := c.Put(base, []byte("a")); err != nil {
		t.Fatal(err)
	}

	variants := []Key{
		{URLTemplate: base.URLTemplate, X: 2, Y: 1, SourceZoom: 12, DestZoom: 10},
		{URLTemplate: base.URLTemplate, X: 1, Y: 2, SourceZoom: 12, DestZoom: 10},
		{URLTemplate: base.URLTemplate, X: 1, Y: 1, SourceZoom: 13, DestZoom: 10},
		{URLTemplate: base.URLTemplate, X: 1, Y: 1, SourceZoom: 12, DestZoom: 11},
		{URLTemplate: "other", X: 1, Y: 1, SourceZoom: 12, DestZoom: 10},
	}
	for _, k := range variants {
		got, err := c.Get(k)
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Errorf("key %+v unexpectedly hit the row for %+v", k, base)
		}
	}
}

// TestReadThroughOpenBatch verifies a write-through Put is visible to
// the next Get even before the batch transaction commits.
func TestReadThroughOpenBatch(t *testing.T) {
	c := openTestCache(t, 1000) // batch far larger than our put count

	if _, err := c.Put(testKey(5, 5), []byte("buffered")); err != nil {
		t.Fatal(err)
	}

	got, err := c.Get(testKey(5, 5))
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("buffered Put invisible to Get before batch commit")
	}

	if ok, err := c.Contains(testKey(5, 5)); err != nil || !ok {
		t.Errorf("Contains = %v, %v, want true", ok, err)
	}
}

func TestFlushCommitsBatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctc.db")

	c, err := Open(path, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Put(testKey(7, 7), []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen: the row must have survived.
	c2, err := Open(path, 1000)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	got, err := c2.Get(testKey(7, 7))
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Error("flushed row missing after reopen")
	}
}

func TestVisitAllAndRowsSince(t *testing.T) {
	c := openTestCache(t, 1)

	for i := uint64(0); i < 3; i++ {
		if _, err := c.Put(testKey(i, 0), []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}

	count := 0
	if err := c.VisitAll(func(StoredRow) error { count++; return nil }); err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("VisitAll saw %d rows, want 3", count)
	}

	all, err := c.RowsSince(time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("RowsSince(zero) = %d rows, want 3", len(all))
	}

	none, err := c.RowsSince(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("RowsSince(future) = %d rows, want 0", len(none))
	}
}

func TestPutRowPreservesTimestamp(t *testing.T) {
	c := openTestCache(t, 1)

	stamp := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	row := StoredRow{Key: testKey(3, 3), UpdatedAt: stamp}
	row.Record.MD5 = md5.Sum([]byte("p"))
	row.Record.PNG = []byte("p")

	if err := c.PutRow(row); err != nil {
		t.Fatal(err)
	}

	rows, err := c.RowsSince(time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if !rows[0].UpdatedAt.Equal(stamp) {
		t.Errorf("UpdatedAt = %v, want %v (replicated rows keep their source timestamp)", rows[0].UpdatedAt, stamp)
	}
}
