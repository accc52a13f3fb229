// Package tileforge is the public entry point for the concurrent
// tiled-raster fetching and transcoding pipeline. Two public
// operations, RequestSlippyTiles and RequestCoverage, are both
// non-blocking; results arrive on registered callbacks. The three
// specializations (raster, DEM, ASTC) differ only in the post-assembly
// job scheduled for each arriving tile.
package tileforge

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paoletto/tileforge/assemble"
	"github.com/paoletto/tileforge/astccache"
	"github.com/paoletto/tileforge/astctranscode"
	"github.com/paoletto/tileforge/compoundcache"
	"github.com/paoletto/tileforge/fetch"
	"github.com/paoletto/tileforge/heightmap"
	"github.com/paoletto/tileforge/netcache"
	"github.com/paoletto/tileforge/tferrors"
	"github.com/paoletto/tileforge/tiling"
	"github.com/paoletto/tileforge/workqueue"
)

// Mode selects which post-assembly job a fetcher schedules for each
// arriving tile: raster passthrough, DEM/heightmap decode+stitch, or
// ASTC transcode.
type Mode int

const (
	ModeRaster Mode = iota
	ModeDEM
	ModeASTC
)

// TilePayload is the union of payload kinds a tileReady callback can
// carry, tagged by the fetcher's Mode.
type TilePayload struct {
	Raster    *assemble.Tile
	Heightmap *heightmap.Heightmap
	ASTC      astctranscode.MipChain
	// ForwardedRGBA holds the original RGBA tile alongside an ASTC
	// payload when ForwardUncompressed is enabled (ASTC mode only).
	ForwardedRGBA *assemble.Tile
}

// Callbacks are the facade's observer hooks. Any field left nil is
// simply not invoked.
type Callbacks struct {
	TileReady       func(id uint64, key tiling.TileKey, payload TilePayload)
	HeightmapReady  func(id uint64, key tiling.TileKey, payload TilePayload)
	CoverageReady   func(id uint64, payload TilePayload)
	RequestFinished func(id uint64)
	Progress        func(id uint64, done, total int)
}

// Fetcher owns a throttled HTTP fetcher and a CPU work-queue, and holds
// references to the three process-scoped caches. Each job holds the
// Fetcher and its request's requestState; a request's state is dropped
// from the Fetcher once the request finishes.
type Fetcher struct {
	netCache      *netcache.Cache
	compoundCache *compoundcache.Cache
	astcCache     *astccache.Cache

	tf *fetch.Throttled
	wq *workqueue.Queue

	transcoder *astctranscode.Transcoder

	urlTemplate         string
	maxZoom             uint8
	overzoom            bool
	offline             bool
	logRequests         bool
	astcEnabled         bool
	forwardUncompressed bool

	nextID   atomic.Uint64
	mu       sync.Mutex
	requests map[uint64]*requestState
}

// Config bundles the facade's construction-time dependencies and
// settings; a handful of Set* methods cover the knobs that are
// legitimately mutable post-construction.
type Config struct {
	NetCache      *netcache.Cache
	CompoundCache *compoundcache.Cache
	ASTCCache     *astccache.Cache
	Encoder       astctranscode.Encoder // required only when ASTCEnabled

	DecodeWorkers int // decode/assemble workers, default 1
	ASTCWorkers   int // ASTC encode workers, default 8

	URLTemplate         string
	MaxZoom             uint8
	Overzoom            bool
	Offline             bool
	LogRequests         bool
	ASTCEnabled         bool
	ForwardUncompressed bool

	MaxConcurrentFetches int           // in-flight HTTP cap, default 300
	HTTPTimeout          time.Duration // per-request HTTP timeout, default 60s
}

// New constructs a Fetcher. Configuration errors (bad URL template,
// invalid max zoom) are rejected synchronously here — the facade is the
// one place errors are returned rather than routed through
// RequestFinished.
func New(cfg Config) (*Fetcher, error) {
	if cfg.URLTemplate == "" {
		return nil, &tferrors.ConfigurationError{Context: "empty URL template"}
	}
	if _, err := fetch.NewTemplateExpander(cfg.URLTemplate); err != nil {
		return nil, err
	}
	if cfg.MaxZoom < 1 || cfg.MaxZoom > 20 {
		return nil, &tferrors.ConfigurationError{Context: fmt.Sprintf("invalid max zoom %d", cfg.MaxZoom)}
	}
	if cfg.ASTCEnabled && cfg.Encoder == nil {
		return nil, &tferrors.ConfigurationError{Context: "ASTC enabled but no Encoder configured"}
	}

	decodeWorkers := cfg.DecodeWorkers
	if decodeWorkers <= 0 {
		decodeWorkers = 1
	}
	astcWorkers := cfg.ASTCWorkers
	if astcWorkers <= 0 {
		astcWorkers = 8
	}

	var fetchOpts []fetch.Option
	if cfg.MaxConcurrentFetches > 0 {
		fetchOpts = append(fetchOpts, fetch.WithMaxConcurrent(cfg.MaxConcurrentFetches))
	}
	if cfg.HTTPTimeout > 0 {
		fetchOpts = append(fetchOpts, fetch.WithHTTPClient(&http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: &http.Transport{MaxIdleConnsPerHost: 500},
		}))
	}
	fetchOpts = append(fetchOpts,
		fetch.WithOffline(cfg.Offline),
		fetch.WithLogRequests(cfg.LogRequests),
	)
	if cfg.NetCache != nil {
		fetchOpts = append(fetchOpts, fetch.WithCache(cfg.NetCache))
	}

	f := &Fetcher{
		netCache:            cfg.NetCache,
		compoundCache:       cfg.CompoundCache,
		astcCache:           cfg.ASTCCache,
		tf:                  fetch.New(fetchOpts...),
		wq:                  workqueue.New(decodeWorkers + astcWorkers),
		urlTemplate:         cfg.URLTemplate,
		maxZoom:             cfg.MaxZoom,
		overzoom:            cfg.Overzoom,
		offline:             cfg.Offline,
		logRequests:         cfg.LogRequests,
		astcEnabled:         cfg.ASTCEnabled,
		forwardUncompressed: cfg.ForwardUncompressed,
		requests:            make(map[uint64]*requestState),
	}

	if cfg.Encoder != nil {
		t, err := astctranscode.NewTranscoder(cfg.Encoder, cfg.ASTCCache)
		if err != nil {
			return nil, err
		}
		f.transcoder = t
	}

	return f, nil
}

// SetURLTemplate updates the tile URL template used by future requests.
func (f *Fetcher) SetURLTemplate(tmpl string) error {
	if _, err := fetch.NewTemplateExpander(tmpl); err != nil {
		return err
	}
	f.mu.Lock()
	f.urlTemplate = tmpl
	f.mu.Unlock()
	return nil
}

// SetOffline toggles offline mode for future requests.
func (f *Fetcher) SetOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
	f.tf.SetOffline(offline)
}

// SetLogRequests toggles per-request URL logging.
func (f *Fetcher) SetLogRequests(v bool) {
	f.mu.Lock()
	f.logRequests = v
	f.mu.Unlock()
	f.tf.SetLogRequests(v)
}

// SetMaxZoom updates the maximum zoom level accepted by future requests.
func (f *Fetcher) SetMaxZoom(z uint8) {
	f.mu.Lock()
	f.maxZoom = z
	f.mu.Unlock()
}

// SetOverzoom toggles the overzoom policy (requesting a destination
// zoom above the best available source zoom).
func (f *Fetcher) SetOverzoom(v bool) {
	f.mu.Lock()
	f.overzoom = v
	f.mu.Unlock()
}

// SetASTCEnabled toggles the ASTC specialization for future requests.
// Enabling requires an Encoder to have been supplied at construction.
func (f *Fetcher) SetASTCEnabled(v bool) error {
	if v && f.transcoder == nil {
		return &tferrors.ConfigurationError{Context: "cannot enable ASTC without an Encoder"}
	}
	f.mu.Lock()
	f.astcEnabled = v
	f.mu.Unlock()
	return nil
}

// SetForwardUncompressed toggles whether the ASTC specialization also
// passes through the original RGBA tile alongside the compressed
// variant.
func (f *Fetcher) SetForwardUncompressed(v bool) {
	f.mu.Lock()
	f.forwardUncompressed = v
	f.mu.Unlock()
}

// Close drains the work queue and closes the throttled fetcher.
func (f *Fetcher) Close() {
	f.tf.Wait()
	f.wq.Close()
}

func decodePriority(isDEM bool) int {
	if isDEM {
		return workqueue.PriorityDEMDecode
	}
	return workqueue.PriorityRasterDecode
}

func logf(format string, args ...any) { log.Printf(format, args...) }
