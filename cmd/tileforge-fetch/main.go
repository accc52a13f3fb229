// Command tileforge-fetch drives a one-shot bulk fetch of a bounding
// box at one source/destination zoom pair against a tileforge.Fetcher,
// writing progress to
// stderr. The facade owns the worker pool, so main only waits on a done
// channel closed from RequestFinished.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/paoletto/tileforge"
	"github.com/paoletto/tileforge/astccache"
	"github.com/paoletto/tileforge/astctranscode"
	"github.com/paoletto/tileforge/astctranscode/native"
	"github.com/paoletto/tileforge/compoundcache"
	"github.com/paoletto/tileforge/netcache"
	"github.com/paoletto/tileforge/progress"
	"github.com/paoletto/tileforge/tiling"
)

func parseBounds(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("-bounds must be \"minLon,minLat,maxLon,maxLat\", got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("-bounds: %w", err)
		}
		v[i] = f
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

func parseZooms(s string) (source, dest uint8, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("-zooms must be \"source,dest\", got %q", s)
	}
	a, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("-zooms: %w", err)
	}
	b, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("-zooms: %w", err)
	}
	return uint8(a), uint8(b), nil
}

func boundToPolygon(b orb.Bound, source, dest uint8) tiling.Polygon {
	return tiling.Polygon{
		Coords: []orb.Point{
			{b.Min[0], b.Min[1]},
			{b.Max[0], b.Min[1]},
			{b.Max[0], b.Max[1]},
			{b.Min[0], b.Max[1]},
		},
		SourceZoom: source,
		DestZoom:   dest,
	}
}

func main() {
	urlTemplate := flag.String("url", "", "tile URL template, e.g. https://tile[a,b,c].example/{z}/{x}/{y}.png")
	boundsFlag := flag.String("bounds", "", "minLon,minLat,maxLon,maxLat")
	zoomsFlag := flag.String("zooms", "", "sourceZoom,destZoom")
	workers := flag.Int("workers", 4, "decode worker count")
	timeout := flag.Int("timeout", 60, "per-request HTTP timeout in seconds")
	mode := flag.String("mode", "raster", "raster, dem, or astc")
	astcCache := flag.String("astc-cache", "", "ASTC block cache SQLite path (required for -mode astc)")
	networkCache := flag.String("network-cache", "", "network cache SQLite path (optional)")
	compoundCachePath := flag.String("compound-cache", "tileforge-compound.db", "compound-tile cache SQLite path")
	offline := flag.Bool("offline", false, "serve only from cache, never hit the network")
	logRequests := flag.Bool("log-requests", false, "log every outbound URL")
	outDir := flag.String("out-dir", "", "also write each delivered tile as a loose {z}_{x}_{y}.png file ({z}_{x}_{y}.astc in astc mode)")

	flag.Parse()

	if *urlTemplate == "" {
		log.Fatalf("must specify -url")
	}
	if *boundsFlag == "" {
		log.Fatalf("must specify -bounds")
	}
	if *zoomsFlag == "" {
		log.Fatalf("must specify -zooms")
	}

	bounds, err := parseBounds(*boundsFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}
	sourceZoom, destZoom, err := parseZooms(*zoomsFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}

	var tfMode tileforge.Mode
	switch *mode {
	case "raster":
		tfMode = tileforge.ModeRaster
	case "dem":
		tfMode = tileforge.ModeDEM
	case "astc":
		tfMode = tileforge.ModeASTC
	default:
		log.Fatalf("unknown -mode %q (want raster, dem, or astc)", *mode)
	}

	compoundCache, err := compoundcache.Open(*compoundCachePath, 1000)
	if err != nil {
		log.Fatalf("opening compound cache: %v", err)
	}
	defer compoundCache.Close()

	cfg := tileforge.Config{
		CompoundCache: compoundCache,
		DecodeWorkers: *workers,
		URLTemplate:   *urlTemplate,
		MaxZoom:       maxU8(sourceZoom, destZoom),
		Overzoom:      true,
		Offline:       *offline,
		LogRequests:   *logRequests,
		HTTPTimeout:   time.Duration(*timeout) * time.Second,
	}

	if *networkCache != "" {
		nc, err := netcache.Open(*networkCache, netcache.WithOffline(*offline), netcache.WithLogRequests(*logRequests))
		if err != nil {
			log.Fatalf("opening network cache: %v", err)
		}
		defer nc.Close()
		cfg.NetCache = nc
	}

	var astcCfg astctranscode.Config
	if tfMode == tileforge.ModeASTC {
		if *astcCache == "" {
			log.Fatalf("-mode astc requires -astc-cache")
		}
		ac, err := astccache.Open(*astcCache)
		if err != nil {
			log.Fatalf("opening astc cache: %v", err)
		}
		defer ac.Close()

		adapter, err := native.NewAdapter()
		if err != nil {
			log.Fatalf("initializing astc encoder: %v", err)
		}

		cfg.ASTCCache = ac
		cfg.Encoder = adapter
		cfg.ASTCEnabled = true
		astcCfg = astctranscode.Config{BlockX: 8, BlockY: 8, Quality: 60, BlockMin: 8}
	}

	fetcher, err := tileforge.New(cfg)
	if err != nil {
		log.Fatalf("constructing fetcher: %v", err)
	}
	defer fetcher.Close()

	poly := boundToPolygon(bounds, sourceZoom, destZoom)

	done := make(chan struct{})

	var mu sync.Mutex
	var bar *progress.Bar
	tileCount := 0

	cbs := tileforge.Callbacks{
		TileReady: func(id uint64, key tiling.TileKey, payload tileforge.TilePayload) {
			mu.Lock()
			tileCount++
			mu.Unlock()
			if *outDir != "" && payload.Raster != nil {
				if err := writeTilePNG(*outDir, key, payload.Raster.Pixels); err != nil {
					log.Printf("writing tile %s: %v", key, err)
				}
			}
			if *outDir != "" && len(payload.ASTC) > 0 {
				if err := writeTileASTC(*outDir, key, payload.ASTC); err != nil {
					log.Printf("writing astc tile %s: %v", key, err)
				}
			}
		},
		HeightmapReady: func(id uint64, key tiling.TileKey, payload tileforge.TilePayload) {
			mu.Lock()
			tileCount++
			mu.Unlock()
		},
		Progress: func(id uint64, d, total int) {
			mu.Lock()
			if bar == nil {
				bar = progress.NewBar(total, "fetching", os.Stderr)
			}
			bar.Set(d)
			mu.Unlock()
		},
		RequestFinished: func(id uint64) {
			close(done)
		},
	}

	if _, err := fetcher.RequestSlippyTiles(poly, tfMode, astcCfg, cbs); err != nil {
		log.Fatalf("request: %v", err)
	}

	<-done
	mu.Lock()
	if bar != nil {
		bar.Finish()
	}
	fmt.Fprintf(os.Stderr, "fetched %d tiles\n", tileCount)
	mu.Unlock()
}

func writeTilePNG(dir string, key tiling.TileKey, img image.Image) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%d_%d_%d.png", key.Z, key.X, key.Y)))
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

// writeTileASTC writes the largest mip as a standalone .astc file: the
// standard header followed by the compressed blocks.
func writeTileASTC(dir string, key tiling.TileKey, chain astctranscode.MipChain) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%d_%d_%d.astc", key.Z, key.X, key.Y)))
	if err != nil {
		return err
	}
	defer f.Close()

	mip := chain[0]
	if err := astctranscode.WriteHeader(f, mip.BlockX, mip.BlockY, 1, uint32(mip.Width), uint32(mip.Height), 1); err != nil {
		return err
	}
	_, err = f.Write(mip.Data)
	return err
}

func maxU8(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}
