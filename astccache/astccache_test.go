package astccache

import (
	"bytes"
	"crypto/md5"
	"path/filepath"
	"testing"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "astc.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testKey(w, h int) Key {
	return Key{MD5: md5.Sum([]byte("tile")), BlockX: 8, BlockY: 8, Quality: 60, Width: w, Height: h}
}

func TestPutGet(t *testing.T) {
	c := openTestCache(t)

	blocks := []byte{1, 2, 3, 4}
	if err := c.Put(testKey(256, 256), Hint{X: 10, Y: 20, Z: 12}, blocks); err != nil {
		t.Fatal(err)
	}

	got, err := c.Get(testKey(256, 256))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, blocks) {
		t.Errorf("Get = %v, want %v", got, blocks)
	}
}

func TestGetMiss(t *testing.T) {
	c := openTestCache(t)

	got, err := c.Get(testKey(256, 256))
	if err != nil {
		t.Fatalf("miss returned error: %v", err)
	}
	if got != nil {
		t.Errorf("miss returned data: %v", got)
	}
}

// Each mip level is its own row: same content md5, different width and
// height.
func TestMipLevelsAreDistinctRows(t *testing.T) {
	c := openTestCache(t)

	if err := c.Put(testKey(256, 256), Hint{}, []byte("mip0")); err != nil {
		t.Fatal(err)
	}
	if err := c.Put(testKey(128, 128), Hint{}, []byte("mip1")); err != nil {
		t.Fatal(err)
	}

	got0, err := c.Get(testKey(256, 256))
	if err != nil {
		t.Fatal(err)
	}
	got1, err := c.Get(testKey(128, 128))
	if err != nil {
		t.Fatal(err)
	}
	if string(got0) != "mip0" || string(got1) != "mip1" {
		t.Errorf("mip rows collided: %q, %q", got0, got1)
	}
}

func TestQualityAndBlockDisambiguate(t *testing.T) {
	c := openTestCache(t)

	base := testKey(256, 256)
	if err := c.Put(base, Hint{}, []byte("base")); err != nil {
		t.Fatal(err)
	}

	otherQuality := base
	otherQuality.Quality = 85
	if got, err := c.Get(otherQuality); err != nil || got != nil {
		t.Errorf("different quality hit the same row: %v, %v", got, err)
	}

	otherBlock := base
	otherBlock.BlockX, otherBlock.BlockY = 4, 4
	if got, err := c.Get(otherBlock); err != nil || got != nil {
		t.Errorf("different block size hit the same row: %v, %v", got, err)
	}
}

func TestContainsAndSize(t *testing.T) {
	c := openTestCache(t)

	if ok, err := c.Contains(testKey(256, 256)); err != nil || ok {
		t.Errorf("Contains on empty cache = %v, %v", ok, err)
	}

	if err := c.Put(testKey(256, 256), Hint{}, []byte("12345678")); err != nil {
		t.Fatal(err)
	}

	if ok, err := c.Contains(testKey(256, 256)); err != nil || !ok {
		t.Errorf("Contains = %v, %v, want true", ok, err)
	}
	if size, err := c.Size(); err != nil || size != 8 {
		t.Errorf("Size() = %d, %v, want 8", size, err)
	}
}

func TestPutReplaces(t *testing.T) {
	c := openTestCache(t)

	if err := c.Put(testKey(256, 256), Hint{}, []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := c.Put(testKey(256, 256), Hint{}, []byte("v2")); err != nil {
		t.Fatal(err)
	}

	got, err := c.Get(testKey(256, 256))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v2" {
		t.Errorf("Get after replace = %q, want v2", got)
	}
}
