// Command tileforge-serve serves compound-tile cache rows over HTTP, at
// /tileforge/tiles/{z}/{x}/{y}.png.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/paoletto/tileforge/compoundcache"
)

var tileRegex = regexp.MustCompile(`^/tileforge/tiles/(\d+)/(\d+)/(\d+)\.png$`)

// CompoundTileHandler serves PNG bytes out of a compound-tile cache for
// one fixed (urlTemplate, sourceZoom, destZoom) combination.
type CompoundTileHandler struct {
	cache       *compoundcache.Cache
	urlTemplate string
	sourceZoom  uint8
	destZoom    uint8
}

func parseTilePath(path string) (x, y uint64, z uint8, err error) {
	match := tileRegex.FindStringSubmatch(path)
	if match == nil {
		return 0, 0, 0, fmt.Errorf("invalid tile path %q", path)
	}
	zi, _ := strconv.ParseUint(match[1], 10, 8)
	xi, _ := strconv.ParseUint(match[2], 10, 64)
	yi, _ := strconv.ParseUint(match[3], 10, 64)
	return xi, yi, uint8(zi), nil
}

func (h *CompoundTileHandler) TilesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		x, y, z, err := parseTilePath(r.URL.Path)
		if err != nil || z != h.destZoom {
			http.NotFound(w, r)
			return
		}

		rec, err := h.cache.Get(compoundcache.Key{
			URLTemplate: h.urlTemplate, X: x, Y: y,
			SourceZoom: h.sourceZoom, DestZoom: h.destZoom,
		})
		if err != nil {
			log.Printf("tileforge-serve: cache lookup %d/%d/%d: %v", z, x, y, err)
			http.Error(w, "cache error", http.StatusInternalServerError)
			return
		}
		if rec == nil {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Write(rec.PNG)
	}
}

// withRequestLog wraps next so every request is logged with its
// duration once the handler returns.
func withRequestLog(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Printf("%s %s from %s in %s", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

func main() {
	compoundCachePath := flag.String("compound-cache", "", "compound-tile cache SQLite path to serve from")
	urlTemplate := flag.String("url", "", "tile URL template this cache was populated under (part of the cache lookup key)")
	sourceZoom := flag.Int("source-zoom", 0, "source zoom the cached compound tiles were assembled from")
	destZoom := flag.Int("dest-zoom", 0, "destination zoom to serve")
	addr := flag.String("listen", ":8080", "address and port to listen on")
	flag.Parse()

	logger := log.New(os.Stdout, "http: ", log.LstdFlags)

	if *compoundCachePath == "" {
		logger.Fatal("must provide -compound-cache")
	}
	if *urlTemplate == "" {
		logger.Fatal("must provide -url")
	}

	cache, err := compoundcache.Open(*compoundCachePath, 1000)
	if err != nil {
		logger.Fatalf("opening compound cache: %v", err)
	}
	defer cache.Close()

	handler := &CompoundTileHandler{
		cache:       cache,
		urlTemplate: *urlTemplate,
		sourceZoom:  uint8(*sourceZoom),
		destZoom:    uint8(*destZoom),
	}

	mux := http.NewServeMux()
	mux.Handle("/tileforge/tiles/", handler.TilesHandler())
	mux.Handle("/", http.NotFoundHandler())

	server := &http.Server{
		Addr:         *addr,
		Handler:      withRequestLog(logger, mux),
		ErrorLog:     logger,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  time.Minute,
	}

	logger.Printf("serving %s on %s", *compoundCachePath, *addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("could not listen on %s: %v", *addr, err)
	}
}
