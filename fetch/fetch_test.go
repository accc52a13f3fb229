package fetch

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paoletto/tileforge/netcache"
	"github.com/paoletto/tileforge/tferrors"
	"github.com/paoletto/tileforge/tiling"
)

func TestTemplateExpanderMacros(t *testing.T) {
	e, err := NewTemplateExpander("https://tiles.example/{z}/{x}/{y}.png")
	if err != nil {
		t.Fatal(err)
	}
	got := e.Expand(3, 5, 7)
	want := "https://tiles.example/7/3/5.png"
	if got != want {
		t.Errorf("Expand = %q, want %q", got, want)
	}
}

func TestTemplateExpanderMirrors(t *testing.T) {
	e, err := NewTemplateExpander("https://tile[0,1,2].example/{z}/{x}/{y}.png")
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		seen[e.Expand(1, 1, 1)]++
	}

	if len(seen) != 3 {
		t.Fatalf("round-robin hit %d distinct hosts, want 3: %v", len(seen), seen)
	}
	for url, n := range seen {
		if n != 2 {
			t.Errorf("host %q hit %d times, want 2", url, n)
		}
	}
}

func TestTemplateExpanderMalformed(t *testing.T) {
	for _, tmpl := range []string{
		"https://tile].example/[{z}/{x}/{y}.png",
		"https://tile[a.example/{z}/{x}/{y}.png",
	} {
		_, err := NewTemplateExpander(tmpl)
		var cfgErr *tferrors.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("template %q: err = %v, want ConfigurationError", tmpl, err)
		}
	}
}

func TestThrottleCapsInFlight(t *testing.T) {
	const limit = 3

	var inFlight, maxSeen atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		for {
			prev := maxSeen.Load()
			if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	tf := New(WithMaxConcurrent(limit))

	const total = 10
	var done sync.WaitGroup
	done.Add(total)
	for i := 0; i < total; i++ {
		tf.Request(&Request{
			URL: srv.URL,
			Key: tiling.TileKey{X: uint64(i), Z: 5},
			OnDone: func(rep Reply) {
				done.Done()
			},
		})
	}

	// Give the first wave time to hit the server, then let everything
	// through.
	time.Sleep(100 * time.Millisecond)
	close(release)
	done.Wait()

	if got := maxSeen.Load(); got > limit {
		t.Errorf("observed %d concurrent requests, cap is %d", got, limit)
	}
}

func TestReplyCarriesTileMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	tf := New()

	key := tiling.TileKey{X: 4, Y: 2, Z: 6}
	mask := tiling.NeighborMask(0).Set(tiling.North)
	got := make(chan Reply, 1)
	tf.Request(&Request{
		URL: srv.URL, Key: key, DestZoom: 4, RequestID: 77, NeighborMask: mask,
		OnDone: func(rep Reply) { got <- rep },
	})

	rep := <-got
	if rep.Err != nil {
		t.Fatalf("unexpected error: %v", rep.Err)
	}
	if rep.Key != key || rep.DestZoom != 4 || rep.RequestID != 77 || rep.NeighborMask != mask {
		t.Errorf("reply metadata = %+v, want key=%v dz=4 id=77 mask=%08b", rep, key, mask)
	}
	if string(rep.Body) != "body" {
		t.Errorf("reply body = %q", rep.Body)
	}
}

func TestNetworkErrorSurfaced(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"404", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) }},
		{"empty body", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			tf := New()
			got := make(chan Reply, 1)
			tf.Request(&Request{URL: srv.URL, OnDone: func(rep Reply) { got <- rep }})

			rep := <-got
			var netErr *tferrors.NetworkError
			if !errors.As(rep.Err, &netErr) {
				t.Errorf("err = %v, want NetworkError", rep.Err)
			}
		})
	}
}

func TestRetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tf := New()
	got := make(chan Reply, 1)
	tf.Request(&Request{URL: srv.URL, OnDone: func(rep Reply) { got <- rep }})

	rep := <-got
	if rep.Err != nil {
		t.Fatalf("expected retry to recover, got %v", rep.Err)
	}
	if string(rep.Body) != "ok" {
		t.Errorf("body = %q, want \"ok\"", rep.Body)
	}
	if calls.Load() != 3 {
		t.Errorf("server saw %d calls, want 3", calls.Load())
	}
}

func TestCacheServesRepeatRequests(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets.Add(1)
		w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	nc, err := netcache.Open(filepath.Join(t.TempDir(), "net.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	tf := New(WithCache(nc))

	fetchOnce := func() Reply {
		got := make(chan Reply, 1)
		tf.Request(&Request{URL: srv.URL + "/tile", OnDone: func(rep Reply) { got <- rep }})
		return <-got
	}

	first := fetchOnce()
	if first.Err != nil {
		t.Fatal(first.Err)
	}
	second := fetchOnce()
	if second.Err != nil {
		t.Fatal(second.Err)
	}

	if string(first.Body) != string(second.Body) {
		t.Error("cached body differs from network body")
	}
	if gets.Load() != 1 {
		t.Errorf("server saw %d GETs, want 1 (second served from cache)", gets.Load())
	}
}

func TestOfflineCacheMissFails(t *testing.T) {
	nc, err := netcache.Open(filepath.Join(t.TempDir(), "net.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	tf := New(WithCache(nc), WithOffline(true))

	got := make(chan Reply, 1)
	tf.Request(&Request{URL: "http://127.0.0.1:1/never", OnDone: func(rep Reply) { got <- rep }})

	rep := <-got
	var netErr *tferrors.NetworkError
	if !errors.As(rep.Err, &netErr) {
		t.Fatalf("err = %v, want NetworkError for offline miss", rep.Err)
	}
}

func TestOfflineCacheHitServes(t *testing.T) {
	nc, err := netcache.Open(filepath.Join(t.TempDir(), "net.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	const url = "http://tiles.example/1/0/0.png"
	if err := nc.Put(url, nil, []byte("cached")); err != nil {
		t.Fatal(err)
	}

	tf := New(WithCache(nc), WithOffline(true))

	got := make(chan Reply, 1)
	tf.Request(&Request{URL: url, OnDone: func(rep Reply) { got <- rep }})

	rep := <-got
	if rep.Err != nil {
		t.Fatalf("offline cache hit failed: %v", rep.Err)
	}
	if string(rep.Body) != "cached" {
		t.Errorf("body = %q, want cached bytes", rep.Body)
	}
}
