package netcache

import (
	"path/filepath"
	"regexp"
	"testing"
)

func openTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "net.db"), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGet(t *testing.T) {
	c := openTestCache(t)

	const url = "https://tiles.example/3/1/2.png"
	if err := c.Put(url, []byte("meta"), []byte("body")); err != nil {
		t.Fatal(err)
	}

	e, err := c.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("expected a hit")
	}
	if string(e.Metadata) != "meta" || string(e.Body) != "body" {
		t.Errorf("entry = %q/%q, want meta/body", e.Metadata, e.Body)
	}
}

func TestGetMissIsNotAnError(t *testing.T) {
	c := openTestCache(t)

	e, err := c.Get("https://tiles.example/never.png")
	if err != nil {
		t.Fatalf("miss returned error: %v", err)
	}
	if e != nil {
		t.Errorf("miss returned entry: %+v", e)
	}
}

func TestPutReplaces(t *testing.T) {
	c := openTestCache(t)

	const url = "https://tiles.example/0/0/0.png"
	if err := c.Put(url, nil, []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := c.Put(url, nil, []byte("v2")); err != nil {
		t.Fatal(err)
	}

	e, err := c.Get(url)
	if err != nil || e == nil {
		t.Fatalf("get after replace: %v, %v", e, err)
	}
	if string(e.Body) != "v2" {
		t.Errorf("body = %q, want v2", e.Body)
	}
}

func TestContainsAndSize(t *testing.T) {
	c := openTestCache(t)

	if ok, err := c.Contains("u"); err != nil || ok {
		t.Errorf("Contains on empty cache = %v, %v", ok, err)
	}

	if err := c.Put("u", nil, []byte("12345")); err != nil {
		t.Fatal(err)
	}
	if err := c.Put("v", nil, []byte("123")); err != nil {
		t.Fatal(err)
	}

	if ok, err := c.Contains("u"); err != nil || !ok {
		t.Errorf("Contains(u) = %v, %v, want true", ok, err)
	}
	if size, err := c.Size(); err != nil || size != 8 {
		t.Errorf("Size() = %d, %v, want 8", size, err)
	}
}

// TestCanonicalizer verifies URL-equivalence classes: mirror hosts
// tile0..tile3.example collapse to one cache row.
func TestCanonicalizer(t *testing.T) {
	mirrors := regexp.MustCompile(`tile[0-3]\.example`)
	canon := func(url string) string {
		return mirrors.ReplaceAllString(url, "tile.example")
	}

	c := openTestCache(t, WithCanonicalizer(canon))

	if err := c.Put("https://tile0.example/1/0/0.png", nil, []byte("b")); err != nil {
		t.Fatal(err)
	}

	for _, host := range []string{"tile0", "tile1", "tile2", "tile3"} {
		e, err := c.Get("https://" + host + ".example/1/0/0.png")
		if err != nil {
			t.Fatal(err)
		}
		if e == nil {
			t.Errorf("mirror %s missed the shared cache row", host)
			continue
		}
		if e.URLKey != "https://tile.example/1/0/0.png" {
			t.Errorf("canonical key = %q", e.URLKey)
		}
	}
}

func TestLastAccessAdvances(t *testing.T) {
	c := openTestCache(t)

	if err := c.Put("u", nil, []byte("b")); err != nil {
		t.Fatal(err)
	}
	e1, err := c.Get("u")
	if err != nil || e1 == nil {
		t.Fatalf("first get: %v, %v", e1, err)
	}
	e2, err := c.Get("u")
	if err != nil || e2 == nil {
		t.Fatalf("second get: %v, %v", e2, err)
	}
	if e2.LastAccess.Before(e1.LastAccess) {
		t.Errorf("last_access went backwards: %v then %v", e1.LastAccess, e2.LastAccess)
	}
}
